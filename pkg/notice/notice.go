// Package notice sends user-visible messages that delete themselves after a
// fixed delay.
package notice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"astralune/pkg/clock"
	"astralune/pkg/transport"
)

const deleteTimeout = 15 * time.Second

// Scheduler owns the pending deletions. Deletions run on the clock, so tests
// drive them with clock.Fake.
type Scheduler struct {
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]*entry
}

type entry struct {
	timer  *clock.Timer
	sender transport.Sender
	handle transport.SentMessage
}

// NewScheduler returns a Scheduler on clk. A nil clk uses the wall clock.
func NewScheduler(clk clock.Clock, log *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Scheduler{
		clock:   clk,
		log:     log.With("component", "notice"),
		pending: make(map[string]*entry),
	}
}

// Post sends text to the conversation and schedules its deletion after ttl.
// A non-positive ttl leaves the message in place.
func (s *Scheduler) Post(ctx context.Context, send transport.Sender, to string, text string, opts transport.SendOptions, ttl time.Duration) (transport.SentMessage, error) {
	handle, err := send.Send(ctx, to, transport.Content{Text: text}, opts)
	if err != nil {
		return transport.SentMessage{}, err
	}
	if ttl <= 0 || handle.ID == "" {
		return handle, nil
	}

	key := handle.Chat + "/" + handle.ID
	e := &entry{sender: send, handle: handle}

	s.mu.Lock()
	s.pending[key] = e
	e.timer = s.clock.AfterFunc(ttl, func() {
		if s.take(key) != nil {
			s.delete(send, handle)
		}
	})
	s.mu.Unlock()

	return handle, nil
}

// Cancel keeps a notice on screen. It reports whether a deletion was pending.
func (s *Scheduler) Cancel(handle transport.SentMessage) bool {
	e := s.take(handle.Chat + "/" + handle.ID)
	if e == nil {
		return false
	}
	e.timer.Stop()
	return true
}

// Flush deletes every pending notice now. Used on shutdown so notices do
// not outlive the process.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.pending))
	for key, e := range s.pending {
		entries = append(entries, e)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		s.delete(e.sender, e.handle)
	}
	return len(entries)
}

// Pending reports how many deletions are scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) take(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	return e
}

func (s *Scheduler) delete(send transport.Sender, handle transport.SentMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	if err := send.Delete(ctx, handle); err != nil {
		s.log.Warn("Failed to delete notice", "chat", handle.Chat, "message_id", handle.ID, "error", err)
		return
	}
	s.log.Debug("Notice deleted", "chat", handle.Chat, "message_id", handle.ID)
}
