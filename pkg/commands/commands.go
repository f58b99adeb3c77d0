// Package commands holds the handlers compiled into the bot and the default
// manifests that bind them to command names.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"astralune/pkg/assistant"
	"astralune/pkg/clock"
	"astralune/pkg/message"
	"astralune/pkg/plugin"
	"astralune/pkg/stats"
	"astralune/pkg/store"
	"astralune/pkg/transport"
)

// Handler names published in the catalog.
const (
	HandlerMenu       = "menu"
	HandlerPing       = "ping"
	HandlerStats      = "stats"
	HandlerServer     = "server"
	HandlerMemberInfo = "memberinfo"
	HandlerWhois      = "whois"
	HandlerReload     = "reload"
	HandlerRestart    = "restart"
	HandlerAI         = "ai"
)

// RestartDelay is how long the restart command waits so its reply can be
// delivered first.
const RestartDelay = time.Second

var (
	ErrGroupOnly           = errors.New("this command only works in groups")
	ErrMetadataUnavailable = errors.New("group information is unavailable right now")
	ErrAssistantDisabled   = errors.New("the assistant is not configured")
)

// Asker answers a free-form prompt.
type Asker interface {
	Ask(ctx context.Context, prompt string) (assistant.Answer, error)
}

// Restarter schedules a process restart.
type Restarter interface {
	TriggerRestart(delay time.Duration)
}

// Deps are the services handlers read from. Nil optional fields disable the
// parts of a reply that need them.
type Deps struct {
	BotName   string
	Registry  *plugin.Registry
	Stats     *stats.Recorder
	Store     *store.Store
	Assistant Asker
	Restarter Restarter
	Clock     clock.Clock
	StartedAt time.Time
	Logger    *slog.Logger
}

type handlers struct {
	deps Deps
	log  *slog.Logger
}

// Register adds every compiled handler to catalog under its handler name.
// The registry bound to catalog may be passed in deps: handlers only read it
// once dispatch starts.
func Register(catalog plugin.Catalog, deps Deps) {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = deps.Clock.Now()
	}
	if deps.BotName == "" {
		deps.BotName = "astralune"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	h := &handlers{deps: deps, log: deps.Logger.With("component", "commands")}
	catalog[HandlerMenu] = h.menu
	catalog[HandlerPing] = h.ping
	catalog[HandlerStats] = h.stats
	catalog[HandlerServer] = h.server
	catalog[HandlerMemberInfo] = h.memberInfo
	catalog[HandlerWhois] = h.whois
	catalog[HandlerReload] = h.reload
	catalog[HandlerRestart] = h.restart
	catalog[HandlerAI] = h.ai
}

// DefaultManifests binds the compiled handlers to their command names. They
// are written to the plugins directory on first start so operators can edit
// names and aliases without rebuilding.
func DefaultManifests() []plugin.Manifest {
	return []plugin.Manifest{
		{Name: "menu", Commands: []string{"menu", "help"}, Aliases: []string{"m", "h"}, Tag: "main", Description: "List the available commands", Handler: HandlerMenu},
		{Name: "ping", Commands: []string{"ping", "speed"}, Aliases: []string{"p", "sp"}, Tag: "tools", Description: "Check how fast the bot responds", Handler: HandlerPing},
		{Name: "stats", Commands: []string{"stats", "statistic"}, Aliases: []string{"st"}, Tag: "info", Description: "Show bot usage statistics", Handler: HandlerStats},
		{Name: "server", Commands: []string{"server", "infoserver"}, Aliases: []string{"si", "sys"}, Tag: "info", Description: "Show the host the bot runs on", Handler: HandlerServer},
		{Name: "memberinfo", Commands: []string{"memberinfo", "infomember"}, Aliases: []string{"mi", "cm"}, Tag: "group", Description: "Show group members, optionally filtered by number", Handler: HandlerMemberInfo},
		{Name: "whois", Commands: []string{"whois", "cekakun"}, Aliases: []string{"wi", "ca"}, Tag: "tools", Description: "Inspect an address and what the bot knows about it", Handler: HandlerWhois},
		{Name: "reload", Commands: []string{"reload"}, Aliases: []string{"rl"}, Tag: "owner", Owner: true, Description: "Re-read command manifests from disk", Handler: HandlerReload},
		{Name: "restart", Commands: []string{"restart"}, Aliases: []string{"reboot"}, Tag: "owner", Owner: true, Description: "Restart the bot process", Handler: HandlerRestart},
		{Name: "ai", Commands: []string{"ai", "ask"}, Aliases: []string{"gpt"}, Tag: "tools", Description: "Ask the assistant a question", Handler: HandlerAI},
	}
}

// reply sends text to the chat mc came from, quoting the triggering message.
func reply(ctx context.Context, send transport.Sender, mc *message.Context, text string) error {
	_, err := send.Send(ctx, mc.Chat.String(), transport.Content{Text: text}, transport.SendOptions{QuotedID: mc.MessageID})
	return err
}

func replyMentions(ctx context.Context, send transport.Sender, mc *message.Context, text string, mentions []string) error {
	_, err := send.Send(ctx, mc.Chat.String(), transport.Content{Text: text, Mentions: mentions}, transport.SendOptions{QuotedID: mc.MessageID})
	return err
}
