package stats

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"astralune/pkg/clock"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestApplyRollsOverDailyCounter(t *testing.T) {
	t.Parallel()

	s := Snapshot{}.Apply(Delta{Messages: 1}, "2026-01-01")
	s = s.Apply(Delta{Messages: 1, Commands: 1}, "2026-01-01")
	require.Equal(t, Snapshot{TotalMessages: 2, MessagesToday: 2, CommandsExecuted: 1, LastReset: "2026-01-01"}, s)

	s = s.Apply(Delta{Messages: 1}, "2026-01-02")
	require.Equal(t, Snapshot{TotalMessages: 3, MessagesToday: 1, CommandsExecuted: 1, LastReset: "2026-01-02"}, s)
}

func TestRecorderRollsOverAtMidnight(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC))
	store := NewMemoryStore()
	recorder := NewRecorder(store, clk, time.UTC, nil)
	ctx := context.Background()

	recorder.Message(ctx)
	recorder.Message(ctx)
	recorder.Command(ctx)

	clk.Advance(2 * time.Minute)
	snapshot, err := recorder.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), snapshot.MessagesToday)
	require.Equal(t, int64(2), snapshot.TotalMessages)

	recorder.Message(ctx)
	stored, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, Snapshot{TotalMessages: 3, MessagesToday: 1, CommandsExecuted: 1, LastReset: "2026-01-02"}, stored)
	require.Equal(t, 0, recorder.Failures())
}

func TestFileStorePersistsAtomically(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "stats.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	snapshot, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, Snapshot{}, snapshot)

	_, err = store.Update(context.Background(), Delta{Messages: 1}, "2026-02-10")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, float64(1), onDisk["total_messages"])
	require.Equal(t, "2026-02-10", onDisk["last_reset"])

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	snapshot, err = reopened.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.MessagesToday)
}

func TestFileStoreSerializesConcurrentUpdates(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "stats.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Update(context.Background(), Delta{Messages: 1, Commands: 1}, "2026-02-10")
		}()
	}
	wg.Wait()

	snapshot, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(20), snapshot.TotalMessages)
	require.Equal(t, int64(20), snapshot.CommandsExecuted)
}

func TestFileStoreRejectsCorruptRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	recorder := NewRecorder(store, clock.Fake(time.Unix(0, 0)), time.UTC, nil)
	recorder.Message(context.Background())
	require.Equal(t, 1, recorder.Failures())
}

func TestHashRoundTrip(t *testing.T) {
	t.Parallel()

	in := Snapshot{TotalMessages: 9, MessagesToday: 4, CommandsExecuted: 2, LastReset: "2026-03-03"}
	fields := map[string]string{}
	for key, value := range encodeHash(in) {
		switch v := value.(type) {
		case int64:
			fields[key] = strconv.FormatInt(v, 10)
		case string:
			fields[key] = v
		}
	}

	out, err := decodeHash(fields)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = decodeHash(map[string]string{"total_messages": "many"})
	require.Error(t, err)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+server.Addr(), "astralune:test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestRedisStoreSerializesConcurrentUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, server := newRedisStore(t)

	const writers = 4
	var (
		wg        sync.WaitGroup
		committed atomic.Int64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Update(ctx, Delta{Messages: 1}, "2026-04-01"); err == nil {
				committed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(writers), committed.Load())
	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(writers), snapshot.TotalMessages)
	require.Equal(t, strconv.Itoa(writers), server.HGet("astralune:test", "total_messages"))

	snapshot, err = store.Update(ctx, Delta{Messages: 1, Commands: 1}, "2026-04-02")
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.MessagesToday)
	require.Equal(t, int64(writers+1), snapshot.TotalMessages)
	require.Equal(t, "2026-04-02", snapshot.LastReset)
}

func TestRedisStoreRejectsCorruptHash(t *testing.T) {
	t.Parallel()

	store, server := newRedisStore(t)
	server.HSet("astralune:test", "total_messages", "many")

	_, err := store.Update(context.Background(), Delta{Messages: 1}, "2026-04-01")
	require.Error(t, err)
}

func TestNewRedisStoreFailsWhenUnreachable(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := NewRedisStore(context.Background(), "redis://"+addr, "")
	require.ErrorContains(t, err, "connect redis")
}
