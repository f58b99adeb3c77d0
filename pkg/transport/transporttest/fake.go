// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"astralune/pkg/transport"
)

// Fake records outbound traffic and serves scripted group metadata.
type Fake struct {
	NameValue string
	SelfValue string

	// Events are delivered by Run in order, after which Run blocks until
	// ctx is done.
	Events []transport.Event

	// SendErr, when set, fails every Send.
	SendErr error

	mu        sync.Mutex
	groups    map[string]transport.GroupMetadata
	groupErr  error
	sent      []Sent
	deleted   []transport.SentMessage
	nextID    int
	metaCalls int
}

// Sent is one recorded Send call.
type Sent struct {
	To      string
	Content transport.Content
	Options transport.SendOptions
	Handle  transport.SentMessage
}

// New returns a Fake named "fake" whose own address is self.
func New(self string) *Fake {
	return &Fake{NameValue: "fake", SelfValue: self, groups: make(map[string]transport.GroupMetadata)}
}

// SetGroup scripts the metadata returned for a group address.
func (f *Fake) SetGroup(metadata transport.GroupMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[metadata.ID] = metadata
}

// FailGroups makes every GroupMetadata call return err.
func (f *Fake) FailGroups(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupErr = err
}

func (f *Fake) Name() string { return f.NameValue }

func (f *Fake) Self() string { return f.SelfValue }

func (f *Fake) Run(ctx context.Context, sink transport.Sink) error {
	for _, event := range f.Events {
		sink(ctx, event)
	}
	<-ctx.Done()
	return nil
}

func (f *Fake) Send(_ context.Context, to string, content transport.Content, opts transport.SendOptions) (transport.SentMessage, error) {
	if f.SendErr != nil {
		return transport.SentMessage{}, f.SendErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	handle := transport.SentMessage{ID: "out-" + strconv.Itoa(f.nextID), Chat: to}
	f.sent = append(f.sent, Sent{To: to, Content: content, Options: opts, Handle: handle})
	return handle, nil
}

func (f *Fake) Delete(_ context.Context, msg transport.SentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msg)
	return nil
}

func (f *Fake) GroupMetadata(_ context.Context, group string) (transport.GroupMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metaCalls++
	if f.groupErr != nil {
		return transport.GroupMetadata{}, f.groupErr
	}
	metadata, ok := f.groups[group]
	if !ok {
		return transport.GroupMetadata{}, errors.New("group not found")
	}
	return metadata, nil
}

// Sent returns a copy of every recorded Send.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// Deleted returns a copy of every recorded Delete.
func (f *Fake) Deleted() []transport.SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]transport.SentMessage, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// MetadataCalls reports how many GroupMetadata calls were made.
func (f *Fake) MetadataCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls
}
