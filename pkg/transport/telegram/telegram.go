// Package telegram adapts Telegram Bot API long polling to transport.Client.
//
// Telegram users are addressed as <user id>@telegram, private chats share
// the user's address and group chats use <chat id>@g.us so group handling
// downstream stays uniform across networks.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"astralune/pkg/config"
	"astralune/pkg/fault"
	"astralune/pkg/identity"
	"astralune/pkg/transport"
)

const (
	clientName          = "telegram"
	userServer          = "telegram"
	messagePreviewLimit = 240
)

var errNotStarted = errors.New("telegram bot not started")

// Adapter bridges Telegram updates into transport events.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu   sync.RWMutex
	bot  *telego.Bot
	self string
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("transports.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "transport.telegram"),
	}, nil
}

// Name returns the transport identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return clientName
}

func (a *Adapter) Self() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

// Run starts Telegram long polling and forwards messages to sink.
func (a *Adapter) Run(ctx context.Context, sink transport.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fault.Wrap(fault.CategoryTransport, "initialize telegram bot", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fault.Wrap(fault.CategoryTransport, "get bot identity", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CategoryTransport, "start long polling", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.self = userAddress(me.ID)
	a.mu.Unlock()

	a.log.Info("Telegram transport started", "self", a.Self(), "username", me.Username)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return fault.New(fault.CategoryTransport, "telegram updates channel closed")
			}

			message := update.Message
			if message == nil {
				continue
			}
			if message.From == nil {
				a.log.Debug("Ignoring message without sender")
				continue
			}

			senderID := strconv.FormatInt(message.From.ID, 10)
			if !a.senderAllowed(senderID) {
				a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}

			event := eventFromMessage(message, me.ID)
			a.log.Debug("Received message", "chat", event.Chat, "sender_id", senderID, "kind", event.Payload.Kind(), "content", previewText(message.Text))
			sink(ctx, event)
		}
	}
}

func (a *Adapter) client() (*telego.Bot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bot == nil {
		return nil, fault.Wrap(fault.CategoryTransport, clientName, errNotStarted)
	}
	return a.bot, nil
}

func (a *Adapter) Send(ctx context.Context, to string, content transport.Content, opts transport.SendOptions) (transport.SentMessage, error) {
	bot, err := a.client()
	if err != nil {
		return transport.SentMessage{}, err
	}

	chatID, err := chatIDFromAddress(to)
	if err != nil {
		return transport.SentMessage{}, err
	}

	params := tu.Message(tu.ID(chatID), content.Text)
	if replyTo, err := strconv.Atoi(opts.QuotedID); err == nil {
		params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true})
	}

	sent, err := bot.SendMessage(ctx, params)
	if err != nil {
		return transport.SentMessage{}, fault.Wrap(fault.CategoryTransport, "send telegram message", err)
	}
	return transport.SentMessage{ID: strconv.Itoa(sent.MessageID), Chat: to}, nil
}

func (a *Adapter) Delete(ctx context.Context, msg transport.SentMessage) error {
	bot, err := a.client()
	if err != nil {
		return err
	}

	chatID, err := chatIDFromAddress(msg.Chat)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(msg.ID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", msg.ID, err)
	}

	if err := bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(chatID), MessageID: messageID}); err != nil {
		return fault.Wrap(fault.CategoryTransport, "delete telegram message", err)
	}
	return nil
}

// GroupMetadata returns the chat title and its administrators. Telegram does
// not expose full member lists to bots, so the roster holds admins only.
func (a *Adapter) GroupMetadata(ctx context.Context, group string) (transport.GroupMetadata, error) {
	bot, err := a.client()
	if err != nil {
		return transport.GroupMetadata{}, err
	}

	chatID, err := chatIDFromAddress(group)
	if err != nil {
		return transport.GroupMetadata{}, err
	}

	chat, err := bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)})
	if err != nil {
		return transport.GroupMetadata{}, fault.Wrap(fault.CategoryTransport, "get telegram chat", err)
	}
	admins, err := bot.GetChatAdministrators(ctx, &telego.GetChatAdministratorsParams{ChatID: tu.ID(chatID)})
	if err != nil {
		return transport.GroupMetadata{}, fault.Wrap(fault.CategoryTransport, "get telegram administrators", err)
	}

	metadata := transport.GroupMetadata{ID: group, Subject: chat.Title}
	for _, member := range admins {
		user := member.MemberUser()
		metadata.Participants = append(metadata.Participants, transport.Participant{
			ID:   userAddress(user.ID),
			Role: roleFromStatus(member.MemberStatus()),
			Name: displayName(user),
		})
	}
	return metadata, nil
}

// eventFromMessage maps a Telegram message onto the transport event shape.
func eventFromMessage(message *telego.Message, selfID int64) transport.Event {
	event := transport.Event{
		ID:        strconv.Itoa(message.MessageID),
		FromMe:    message.From != nil && message.From.ID == selfID,
		Timestamp: time.Unix(message.Date, 0).UTC(),
	}

	if message.From != nil {
		event.PushName = displayName(*message.From)
	}

	switch message.Chat.Type {
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		event.Chat = groupAddress(message.Chat.ID)
		if message.From != nil {
			event.Participant = userAddress(message.From.ID)
		}
	default:
		event.Chat = userAddress(message.Chat.ID)
	}

	switch {
	case message.Text != "":
		event.Payload.Conversation = message.Text
	case len(message.Photo) > 0:
		event.Payload.Image = &transport.Media{Caption: message.Caption, Mimetype: "image/jpeg"}
	case message.Video != nil:
		event.Payload.Video = &transport.Media{Caption: message.Caption, Mimetype: message.Video.MimeType}
	case message.Sticker != nil:
		event.Payload.Other = "stickerMessage"
	case message.Voice != nil || message.Audio != nil:
		event.Payload.Other = "audioMessage"
	case message.Document != nil:
		event.Payload.Other = "documentMessage"
	default:
		event.Payload.Other = "unsupportedMessage"
	}

	return event
}

func userAddress(id int64) string {
	return strconv.FormatInt(id, 10) + "@" + userServer
}

func groupAddress(id int64) string {
	return strconv.FormatInt(id, 10) + "@" + identity.ServerGroup
}

// chatIDFromAddress recovers the numeric chat id from either address form.
func chatIDFromAddress(address string) (int64, error) {
	id := identity.Normalize(address)
	if !id.Valid() || (id.Server != userServer && id.Server != identity.ServerGroup) {
		return 0, fmt.Errorf("not a telegram address: %q", address)
	}

	chatID, err := strconv.ParseInt(id.User, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a telegram address: %q", address)
	}
	return chatID, nil
}

func roleFromStatus(status string) transport.Role {
	switch status {
	case telego.MemberStatusCreator:
		return transport.RoleSuperAdmin
	case telego.MemberStatusAdministrator:
		return transport.RoleAdmin
	default:
		return transport.RoleMember
	}
}

func displayName(user telego.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		return user.Username
	}
	return name
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
