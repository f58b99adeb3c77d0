package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKey = "astralune:stats"

	redisUpdateAttempts = 8
)

// RedisStore keeps the record in a Redis hash so several bot processes can
// share counters. Updates run as WATCH/MULTI transactions and retry on
// contention.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to url (redis://host:port/db) and pings it.
func NewRedisStore(ctx context.Context, url string, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

func (r *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load stats: %w", err)
	}
	return decodeHash(fields)
}

func (r *RedisStore) Update(ctx context.Context, d Delta, day string) (Snapshot, error) {
	var updated Snapshot

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, r.key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		current, err := decodeHash(fields)
		if err != nil {
			return err
		}

		updated = current.Apply(d, day)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key, encodeHash(updated))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, r.key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Snapshot{}, fmt.Errorf("update stats: %w", err)
	}
	return Snapshot{}, fmt.Errorf("update stats: gave up after %d contended attempts", redisUpdateAttempts)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func encodeHash(s Snapshot) map[string]any {
	return map[string]any{
		"total_messages":    s.TotalMessages,
		"messages_today":    s.MessagesToday,
		"commands_executed": s.CommandsExecuted,
		"last_reset":        s.LastReset,
	}
}

func decodeHash(fields map[string]string) (Snapshot, error) {
	var s Snapshot
	for name, target := range map[string]*int64{
		"total_messages":    &s.TotalMessages,
		"messages_today":    &s.MessagesToday,
		"commands_executed": &s.CommandsExecuted,
	} {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode stats field %s: %w", name, err)
		}
		*target = value
	}
	s.LastReset = fields["last_reset"]
	return s, nil
}
