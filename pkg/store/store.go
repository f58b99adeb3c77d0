// Package store is the durable SQLite database handed to command handlers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"astralune/pkg/clock"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS command_usage (
	command     TEXT PRIMARY KEY,
	count       INTEGER NOT NULL DEFAULT 0,
	last_used   INTEGER NOT NULL,
	last_sender TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Config holds the parameters for opening a Store.
type Config struct {
	Path   string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store wraps the database handle with the queries the bot itself runs.
type Store struct {
	db    *sql.DB
	path  string
	clock clock.Clock
	log   *slog.Logger
}

// User is one row of the users table.
type User struct {
	ID           string
	Name         string
	FirstSeen    time.Time
	LastSeen     time.Time
	MessageCount int64
}

// CommandUsage is one row of the command_usage table.
type CommandUsage struct {
	Command    string
	Count      int64
	LastUsed   time.Time
	LastSender string
}

// Open creates the database file and schema when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}

	return &Store{
		db:    db,
		path:  cfg.Path,
		clock: cfg.Clock,
		log:   cfg.Logger.With("component", "store"),
	}, nil
}

func dsn(path string) string {
	query := url.Values{}
	for _, pragma := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"temp_store(MEMORY)",
	} {
		query.Add("_pragma", pragma)
	}
	return "file:" + path + "?" + query.Encode()
}

// DB returns the shared handle passed to command handlers.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// TouchUser upserts a sender and bumps its message count.
func (s *Store) TouchUser(ctx context.Context, id string, name string) error {
	now := s.clock.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, name, first_seen, last_seen, message_count)
VALUES (?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
	name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
	last_seen = excluded.last_seen,
	message_count = users.message_count + 1`,
		id, name, now, now)
	if err != nil {
		return fmt.Errorf("touch user %s: %w", id, err)
	}
	return nil
}

// LookupUser returns sql.ErrNoRows for unknown ids.
func (s *Store) LookupUser(ctx context.Context, id string) (User, error) {
	var (
		user        User
		first, last int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, first_seen, last_seen, message_count FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Name, &first, &last, &user.MessageCount)
	if err != nil {
		return User{}, err
	}
	user.FirstSeen = time.Unix(first, 0)
	user.LastSeen = time.Unix(last, 0)
	return user, nil
}

// RecordCommand counts one authorized execution.
func (s *Store) RecordCommand(ctx context.Context, command string, sender string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_usage (command, count, last_used, last_sender)
VALUES (?, 1, ?, ?)
ON CONFLICT(command) DO UPDATE SET
	count = command_usage.count + 1,
	last_used = excluded.last_used,
	last_sender = excluded.last_sender`,
		command, s.clock.Now().Unix(), sender)
	if err != nil {
		return fmt.Errorf("record command %s: %w", command, err)
	}
	return nil
}

// TopCommands returns the most used commands, most used first.
func (s *Store) TopCommands(ctx context.Context, limit int) ([]CommandUsage, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT command, count, last_used, last_sender FROM command_usage ORDER BY count DESC, command ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query command usage: %w", err)
	}
	defer rows.Close()

	var usage []CommandUsage
	for rows.Next() {
		var (
			row      CommandUsage
			lastUsed int64
		)
		if err := rows.Scan(&row.Command, &row.Count, &lastUsed, &row.LastSender); err != nil {
			return nil, fmt.Errorf("scan command usage: %w", err)
		}
		row.LastUsed = time.Unix(lastUsed, 0)
		usage = append(usage, row)
	}
	return usage, rows.Err()
}

// Setting returns ok=false when key is unset.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key string, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
