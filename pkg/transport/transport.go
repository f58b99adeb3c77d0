// Package transport defines the boundary between the dispatch pipeline and a
// messaging network. Adapters (bridge, telegram) translate their wire format
// into Event values addressed with identity-grammar strings.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrLoggedOut is returned by Run when the network ended the session for
// good and reconnecting would not help.
var ErrLoggedOut = errors.New("transport session logged out")

// Event is one inbound message record.
type Event struct {
	ID          string    `json:"id"`
	Chat        string    `json:"remoteJid"`
	Participant string    `json:"participant,omitempty"`
	FromMe      bool      `json:"fromMe"`
	PushName    string    `json:"pushName,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"message"`
}

// Payload holds at most one populated message variant.
type Payload struct {
	Conversation        string               `json:"conversation,omitempty"`
	Image               *Media               `json:"imageMessage,omitempty"`
	Video               *Media               `json:"videoMessage,omitempty"`
	ExtendedText        *ExtendedText        `json:"extendedTextMessage,omitempty"`
	ButtonsResponse     *ButtonsResponse     `json:"buttonsResponseMessage,omitempty"`
	ListResponse        *ListResponse        `json:"listResponseMessage,omitempty"`
	TemplateButtonReply *TemplateButtonReply `json:"templateButtonReplyMessage,omitempty"`

	// Other names a variant the pipeline has no text rule for (sticker,
	// reaction, audio...).
	Other string `json:"other,omitempty"`
}

type Media struct {
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text"`
}

type ButtonsResponse struct {
	SelectedButtonID string `json:"selectedButtonId"`
}

type ListResponse struct {
	SingleSelectReply struct {
		SelectedRowID string `json:"selectedRowId"`
	} `json:"singleSelectReply"`
}

type TemplateButtonReply struct {
	SelectedID string `json:"selectedId"`
}

// Kind names the populated variant using the wire names.
func (p Payload) Kind() string {
	switch {
	case p.Conversation != "":
		return "conversation"
	case p.Image != nil:
		return "imageMessage"
	case p.Video != nil:
		return "videoMessage"
	case p.ExtendedText != nil:
		return "extendedTextMessage"
	case p.ButtonsResponse != nil:
		return "buttonsResponseMessage"
	case p.ListResponse != nil:
		return "listResponseMessage"
	case p.TemplateButtonReply != nil:
		return "templateButtonReplyMessage"
	case p.Other != "":
		return p.Other
	default:
		return "unknown"
	}
}

// Role is a participant's standing in a group.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// IsAdmin reports whether the role carries admin rights.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Participant is one group roster entry.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"admin,omitempty"`
	Name string `json:"name,omitempty"`
}

// GroupMetadata is what the network reports about a group.
type GroupMetadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Participants []Participant `json:"participants"`
}

// Content is an outbound message body.
type Content struct {
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

// SendOptions tunes delivery. QuotedID replies to an inbound message.
type SendOptions struct {
	QuotedID string
}

// SentMessage is the handle needed to delete a message later.
type SentMessage struct {
	ID   string `json:"id"`
	Chat string `json:"remoteJid"`
}

// Sender is the capability handed to command handlers.
type Sender interface {
	Send(ctx context.Context, to string, content Content, opts SendOptions) (SentMessage, error)
	Delete(ctx context.Context, msg SentMessage) error
}

// Sink receives inbound events from an adapter. Adapters call it from their
// own goroutine; it must not block for long.
type Sink func(ctx context.Context, event Event)

// Client is one connected messaging network.
type Client interface {
	Sender

	Name() string

	// Run streams events into sink until ctx is cancelled or the session
	// fails permanently.
	Run(ctx context.Context, sink Sink) error

	GroupMetadata(ctx context.Context, group string) (GroupMetadata, error)

	// Self returns the bot's own address, or "" before the session is up.
	Self() string
}
