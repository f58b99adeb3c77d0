// Package stats keeps the bot's message and command counters.
//
// Counters live in a single record that is read, modified and written back
// on every increment. Stores serialize increments themselves so concurrent
// dispatches never lose an update.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"astralune/pkg/clock"
)

const dayLayout = "2006-01-02"

// Snapshot is the persisted record.
type Snapshot struct {
	TotalMessages    int64  `json:"total_messages"`
	MessagesToday    int64  `json:"messages_today"`
	CommandsExecuted int64  `json:"commands_executed"`
	LastReset        string `json:"last_reset"`
}

// Delta is one increment.
type Delta struct {
	Messages int64
	Commands int64
}

// Apply zeroes MessagesToday when day differs from LastReset, then adds d.
// TotalMessages and CommandsExecuted only ever grow.
func (s Snapshot) Apply(d Delta, day string) Snapshot {
	s = s.rollover(day)
	s.TotalMessages += d.Messages
	s.MessagesToday += d.Messages
	s.CommandsExecuted += d.Commands
	return s
}

func (s Snapshot) rollover(day string) Snapshot {
	if s.LastReset != day {
		s.MessagesToday = 0
		s.LastReset = day
	}
	return s
}

// Store persists a Snapshot. Update must apply d atomically with respect to
// other Updates on the same store.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Update(ctx context.Context, d Delta, day string) (Snapshot, error)
	Close() error
}

// Recorder stamps increments with the current day on its clock.
type Recorder struct {
	store    Store
	clock    clock.Clock
	location *time.Location
	log      *slog.Logger

	mu       sync.Mutex
	failures int
}

// NewRecorder returns a Recorder. Days roll over at midnight in location
// (time.Local when nil).
func NewRecorder(store Store, clk clock.Clock, location *time.Location, log *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	if location == nil {
		location = time.Local
	}
	if log == nil {
		log = slog.Default()
	}

	return &Recorder{
		store:    store,
		clock:    clk,
		location: location,
		log:      log.With("component", "stats"),
	}
}

// Today returns the current day key.
func (r *Recorder) Today() string {
	return r.clock.Now().In(r.location).Format(dayLayout)
}

// Message counts one received message.
func (r *Recorder) Message(ctx context.Context) {
	r.record(ctx, Delta{Messages: 1})
}

// Command counts one parsed command.
func (r *Recorder) Command(ctx context.Context) {
	r.record(ctx, Delta{Commands: 1})
}

// Snapshot returns the stored counters as they read today, without writing.
func (r *Recorder) Snapshot(ctx context.Context) (Snapshot, error) {
	snapshot, err := r.store.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot.rollover(r.Today()), nil
}

// Failures reports how many increments failed to persist.
func (r *Recorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *Recorder) record(ctx context.Context, d Delta) {
	if _, err := r.store.Update(ctx, d, r.Today()); err != nil {
		r.mu.Lock()
		r.failures++
		r.mu.Unlock()
		r.log.Warn("Failed to persist stats", "error", err)
	}
}

// MemoryStore keeps the record in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

func (m *MemoryStore) Update(_ context.Context, d Delta, day string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = m.snapshot.Apply(d, day)
	return m.snapshot, nil
}

func (m *MemoryStore) Close() error { return nil }
