// Package dispatch runs one inbound event end to end: context, routing,
// sandboxed execution and bookkeeping.
package dispatch

import (
	"context"
	"database/sql"
	"log/slog"

	"astralune/pkg/bus"
	"astralune/pkg/message"
	"astralune/pkg/plugin"
	"astralune/pkg/router"
	"astralune/pkg/sandbox"
	"astralune/pkg/stats"
	"astralune/pkg/transport"

	"github.com/google/uuid"
)

// Observer receives every state a dispatch passes through.
type Observer func(bus.Event)

// UsageStore is the durable side of dispatch bookkeeping.
type UsageStore interface {
	TouchUser(ctx context.Context, id string, name string) error
	RecordCommand(ctx context.Context, command string, sender string) error
}

// Config wires a Pipeline. Stats, Store and Observer are optional.
type Config struct {
	Builder  *message.Builder
	Registry router.Resolver
	Sandbox  *sandbox.Sandbox
	Stats    *stats.Recorder
	Store    UsageStore
	DB       *sql.DB
	Prefixes []string
	Observer Observer
	Logger   *slog.Logger
}

// Trace is the record of one finished dispatch.
type Trace struct {
	ID      string
	States  []bus.EventType
	Context *message.Context
	Command router.Command
	Plugin  *plugin.Descriptor
	Result  sandbox.Result
}

// Final returns the last state before Done.
func (t Trace) Final() bus.EventType {
	if len(t.States) < 2 {
		return ""
	}
	return t.States[len(t.States)-2]
}

// Pipeline holds no per-event state; callers decide ordering.
type Pipeline struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Builder == nil {
		cfg.Builder = message.NewBuilder(cfg.Logger)
	}
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = router.DefaultPrefixes
	}

	return &Pipeline{cfg: cfg, log: cfg.Logger.With("component", "dispatch")}
}

// Dispatch reaches Done on every path. Handler faults are contained by the
// sandbox and reported in the Trace.
func (p *Pipeline) Dispatch(ctx context.Context, source string, event transport.Event, client transport.Client) (trace Trace) {
	trace = Trace{ID: uuid.NewString()}
	base := bus.Event{DispatchID: trace.ID, Source: source, MessageID: event.ID, Chat: event.Chat}
	emit := func(state bus.EventType, update func(*bus.Event)) {
		trace.States = append(trace.States, state)
		if p.cfg.Observer == nil {
			return
		}
		ev := base
		ev.Type = state
		if update != nil {
			update(&ev)
		}
		p.cfg.Observer(ev)
	}
	defer emit(bus.EventDone, nil)

	emit(bus.EventReceived, nil)
	if p.cfg.Stats != nil {
		p.cfg.Stats.Message(ctx)
	}

	mc := p.cfg.Builder.Build(ctx, event, client)
	trace.Context = mc
	base.Sender = mc.Sender.String()
	emit(bus.EventTextExtracted, nil)

	if p.cfg.Store != nil && mc.Sender.Valid() {
		if err := p.cfg.Store.TouchUser(ctx, mc.Sender.String(), mc.PushName); err != nil {
			p.log.Warn("Failed to record sender", "sender", mc.Sender.String(), "error", err)
		}
	}

	cmd, ok := router.Parse(mc.Text, p.cfg.Prefixes)
	if !ok {
		emit(bus.EventNotACommand, nil)
		return trace
	}
	trace.Command = cmd
	base.Command = cmd.Name
	emit(bus.EventCommandParsed, nil)
	if p.cfg.Stats != nil {
		p.cfg.Stats.Command(ctx)
	}

	desc, ok := router.Route(cmd, p.cfg.Registry)
	if !ok {
		p.log.Debug("Unknown command", "command", cmd.Name, "chat", mc.Chat.String())
		emit(bus.EventUnresolved, nil)
		return trace
	}
	trace.Plugin = desc
	base.Plugin = desc.Name

	if !p.cfg.Sandbox.Authorized(desc, mc) {
		emit(bus.EventUnauthorized, nil)
		trace.Result = p.cfg.Sandbox.Run(ctx, desc, mc, client, p.call(cmd))
		if trace.Result.NoticeSent {
			emit(bus.EventNoticeSent, nil)
		}
		return trace
	}

	emit(bus.EventAuthorized, nil)
	emit(bus.EventExecuting, nil)
	trace.Result = p.cfg.Sandbox.Run(ctx, desc, mc, client, p.call(cmd))

	if p.cfg.Store != nil {
		if err := p.cfg.Store.RecordCommand(ctx, desc.Primary(), mc.Sender.String()); err != nil {
			p.log.Warn("Failed to record command usage", "command", desc.Primary(), "error", err)
		}
	}

	switch trace.Result.Outcome {
	case sandbox.Succeeded:
		emit(bus.EventSucceeded, nil)
	default:
		emit(bus.EventFaulted, func(ev *bus.Event) {
			if trace.Result.Err != nil {
				ev.Error = trace.Result.Err.Error()
			}
		})
		if trace.Result.NoticeSent {
			emit(bus.EventErrorNoticeSent, nil)
		}
	}

	return trace
}

func (p *Pipeline) call(cmd router.Command) plugin.Call {
	return plugin.Call{
		Args:     cmd.Args,
		FullText: cmd.FullText,
		Prefix:   cmd.Prefix,
		Command:  cmd.Name,
		DB:       p.cfg.DB,
	}
}
