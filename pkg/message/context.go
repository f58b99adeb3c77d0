// Package message turns raw transport events into self-contained dispatch
// contexts.
package message

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"astralune/pkg/fault"
	"astralune/pkg/identity"
	"astralune/pkg/transport"
)

const defaultMetadataTimeout = 10 * time.Second

// Context is built per inbound event and dropped once dispatch completes.
type Context struct {
	MessageID string
	Sender    identity.ID
	Chat      identity.ID
	IsGroup   bool
	FromMe    bool
	Group     GroupSnapshot
	IsAdmin   bool
	PushName  string
	Text      string
	Kind      string
	Timestamp time.Time
	Event     transport.Event
}

// GroupSnapshot is the group view at dispatch time. Available is false for
// direct chats and when the metadata fetch failed.
type GroupSnapshot struct {
	Available    bool
	Subject      string
	Participants []Member
	SenderRole   transport.Role
}

// Member is a normalized roster entry.
type Member struct {
	ID   identity.ID
	Role transport.Role
	Name string
}

// Find returns the roster entry for id, matching across devices.
func (g GroupSnapshot) Find(id identity.ID) (Member, bool) {
	for _, member := range g.Participants {
		if identity.SameUser(member.ID, id) {
			return member, true
		}
	}
	return Member{}, false
}

// Admins returns the members holding admin or superadmin roles.
func (g GroupSnapshot) Admins() []Member {
	var admins []Member
	for _, member := range g.Participants {
		if member.Role.IsAdmin() {
			admins = append(admins, member)
		}
	}
	return admins
}

// Builder constructs contexts. It keeps no state between events; any
// metadata caching belongs to the transport.
type Builder struct {
	log             *slog.Logger
	metadataTimeout time.Duration
}

// NewBuilder returns a Builder. A nil log uses slog.Default.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}

	return &Builder{
		log:             log.With("component", "message.builder"),
		metadataTimeout: defaultMetadataTimeout,
	}
}

// Build never fails; every degraded path lands on a documented default.
func (b *Builder) Build(ctx context.Context, event transport.Event, client transport.Client) *Context {
	chat := identity.Normalize(event.Chat)

	var sender identity.ID
	if event.FromMe && client != nil && client.Self() != "" {
		sender = identity.Normalize(client.Self())
	} else if strings.TrimSpace(event.Participant) != "" {
		sender = identity.Normalize(event.Participant)
	} else {
		sender = chat
	}

	mc := &Context{
		MessageID: event.ID,
		Sender:    sender,
		Chat:      chat,
		IsGroup:   chat.IsGroup(),
		FromMe:    event.FromMe,
		Text:      ExtractText(event.Payload),
		Kind:      event.Payload.Kind(),
		Timestamp: event.Timestamp,
		Event:     event,
	}

	if mc.IsGroup {
		mc.Group = b.groupSnapshot(ctx, client, chat, sender)
		mc.IsAdmin = mc.Group.SenderRole.IsAdmin()
	}

	mc.PushName = displayName(mc, event.PushName)
	return mc
}

func (b *Builder) groupSnapshot(ctx context.Context, client transport.Client, chat identity.ID, sender identity.ID) GroupSnapshot {
	if client == nil {
		return GroupSnapshot{}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, b.metadataTimeout)
	defer cancel()

	metadata, err := client.GroupMetadata(fetchCtx, chat.String())
	if err != nil {
		err = fault.Wrap(fault.CategoryMetadataUnavailable, chat.String(), err)
		b.log.Warn("Group metadata unavailable", "chat", chat.String(), "error", err)
		return GroupSnapshot{}
	}

	snapshot := GroupSnapshot{
		Available:    true,
		Subject:      metadata.Subject,
		Participants: make([]Member, 0, len(metadata.Participants)),
		SenderRole:   transport.RoleMember,
	}
	for _, participant := range metadata.Participants {
		role := participant.Role
		if role == "" {
			role = transport.RoleMember
		}
		snapshot.Participants = append(snapshot.Participants, Member{
			ID:   identity.Normalize(participant.ID),
			Role: role,
			Name: strings.TrimSpace(participant.Name),
		})
	}

	if member, ok := snapshot.Find(sender); ok {
		snapshot.SenderRole = member.Role
	}

	return snapshot
}

// displayName prefers the roster name, then the network push name, then the
// sender's local part.
func displayName(mc *Context, pushName string) string {
	if mc.Group.Available {
		if member, ok := mc.Group.Find(mc.Sender); ok && member.Name != "" {
			return member.Name
		}
	}
	if name := strings.TrimSpace(pushName); name != "" {
		return name
	}
	if mc.Sender.Valid() {
		return mc.Sender.User
	}
	return mc.Sender.Raw
}

// ExtractText resolves the text payload from the closed variant set.
// Unrecognized variants yield "".
func ExtractText(p transport.Payload) string {
	switch {
	case p.Conversation != "":
		return p.Conversation
	case p.Image != nil:
		return p.Image.Caption
	case p.Video != nil:
		return p.Video.Caption
	case p.ExtendedText != nil:
		return p.ExtendedText.Text
	case p.ButtonsResponse != nil:
		return p.ButtonsResponse.SelectedButtonID
	case p.ListResponse != nil:
		return p.ListResponse.SingleSelectReply.SelectedRowID
	case p.TemplateButtonReply != nil:
		return p.TemplateButtonReply.SelectedID
	default:
		return ""
	}
}
