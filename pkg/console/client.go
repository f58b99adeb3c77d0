// Package console drives the dispatch pipeline from a terminal. Typed lines
// become inbound events from a local account, and everything the bot sends
// back is collected for display.
package console

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"astralune/pkg/transport"

	"github.com/google/uuid"
)

const (
	Name = "console"

	// DefaultUser is the address typed lines are sent from.
	DefaultUser = "operator@console"
	// DefaultSelf is the bot's own address on the console.
	DefaultSelf = "astralune@console"
)

var errNoGroups = errors.New("console has no groups")

// Reply is one message the bot sent to the console.
type Reply struct {
	ID       string
	Text     string
	Mentions []string
	QuotedID string
	Deleted  bool
}

// Client is an in-memory transport.Client. It never delivers events on its
// own: callers build them with Event and dispatch them directly.
type Client struct {
	user string
	self string

	mu      sync.Mutex
	nextID  int
	outbox  []Reply
	deleted map[string]bool
}

func NewClient(user string, self string) *Client {
	if user == "" {
		user = DefaultUser
	}
	if self == "" {
		self = DefaultSelf
	}
	return &Client{user: user, self: self, deleted: make(map[string]bool)}
}

func (c *Client) Name() string { return Name }

func (c *Client) Self() string { return c.self }

// User is the address typed lines come from.
func (c *Client) User() string { return c.user }

func (c *Client) Run(ctx context.Context, _ transport.Sink) error {
	<-ctx.Done()
	return nil
}

func (c *Client) Send(_ context.Context, to string, content transport.Content, opts transport.SendOptions) (transport.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := "console-" + strconv.Itoa(c.nextID)
	c.outbox = append(c.outbox, Reply{ID: id, Text: content.Text, Mentions: content.Mentions, QuotedID: opts.QuotedID})
	return transport.SentMessage{ID: id, Chat: to}, nil
}

func (c *Client) Delete(_ context.Context, msg transport.SentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted[msg.ID] = true
	return nil
}

func (c *Client) GroupMetadata(context.Context, string) (transport.GroupMetadata, error) {
	return transport.GroupMetadata{}, errNoGroups
}

// Event wraps a typed line. fromMe marks it as sent by the bot's own
// account, which carries owner rights.
func (c *Client) Event(text string, fromMe bool, at time.Time) transport.Event {
	return transport.Event{
		ID:        uuid.NewString(),
		Chat:      c.user,
		FromMe:    fromMe,
		PushName:  "Operator",
		Timestamp: at,
		Payload:   transport.Payload{Conversation: text},
	}
}

// Drain returns and forgets every reply sent since the last call.
func (c *Client) Drain() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.outbox
	c.outbox = nil
	for i := range out {
		out[i].Deleted = c.deleted[out[i].ID]
	}
	return out
}

// Deleted reports whether a reply was deleted after it was sent.
func (c *Client) Deleted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted[id]
}
