// Package sandbox authorizes and runs command handlers, containing every
// fault they raise.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"astralune/pkg/fault"
	"astralune/pkg/identity"
	"astralune/pkg/message"
	"astralune/pkg/notice"
	"astralune/pkg/plugin"
	"astralune/pkg/transport"
)

const (
	DefaultRefusalTTL     = 5 * time.Second
	DefaultErrorTTL       = 10 * time.Second
	DefaultHandlerTimeout = 2 * time.Minute

	DefaultRefusalText = "This command is reserved for the bot owner."
)

// ErrHandlerTimeout is wrapped into the plugin fault of a handler that did
// not return in time.
var ErrHandlerTimeout = errors.New("handler timed out")

// Outcome is the terminal state of one sandboxed run.
type Outcome int

const (
	Succeeded Outcome = iota
	Unauthorized
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Unauthorized:
		return "unauthorized"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Result describes a finished run. NoticeSent is true when the refusal or
// error notice reached the conversation.
type Result struct {
	Outcome    Outcome
	Err        error
	NoticeSent bool
	Duration   time.Duration
}

// Options configure a Sandbox. Zero values take the defaults above.
type Options struct {
	// Owners are accounts treated as the bot owner in addition to the
	// bot's own account.
	Owners []string

	RefusalTTL     time.Duration
	ErrorTTL       time.Duration
	HandlerTimeout time.Duration
	RefusalText    string
}

// Sandbox is safe for concurrent use.
type Sandbox struct {
	notices *notice.Scheduler
	owners  []identity.ID
	opts    Options
	log     *slog.Logger
}

// New returns a Sandbox posting notices through notices.
func New(notices *notice.Scheduler, opts Options, log *slog.Logger) *Sandbox {
	if log == nil {
		log = slog.Default()
	}
	if opts.RefusalTTL <= 0 {
		opts.RefusalTTL = DefaultRefusalTTL
	}
	if opts.ErrorTTL <= 0 {
		opts.ErrorTTL = DefaultErrorTTL
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.RefusalText == "" {
		opts.RefusalText = DefaultRefusalText
	}

	owners := make([]identity.ID, 0, len(opts.Owners))
	for _, raw := range opts.Owners {
		id := identity.Normalize(raw)
		if id.Valid() {
			owners = append(owners, id)
		}
	}

	return &Sandbox{
		notices: notices,
		owners:  owners,
		opts:    opts,
		log:     log.With("component", "sandbox"),
	}
}

// IsOwner reports whether mc was sent by the bot's own account or by a
// configured owner.
func (s *Sandbox) IsOwner(mc *message.Context) bool {
	if mc.FromMe {
		return true
	}
	for _, owner := range s.owners {
		if identity.SameUser(owner, mc.Sender) {
			return true
		}
	}
	return false
}

// Authorized applies the owner gate to desc.
func (s *Sandbox) Authorized(desc *plugin.Descriptor, mc *message.Context) bool {
	return !desc.OwnerOnly || s.IsOwner(mc)
}

// Run authorizes and executes desc.Handler. It never panics and never
// returns a fault to the caller beyond the Result.
func (s *Sandbox) Run(ctx context.Context, desc *plugin.Descriptor, mc *message.Context, send transport.Sender, call plugin.Call) Result {
	started := time.Now()
	log := s.log.With("command", call.Command, "plugin", desc.Name, "sender", mc.Sender.String(), "chat", mc.Chat.String())

	if !s.Authorized(desc, mc) {
		log.Info("Command refused")
		result := Result{Outcome: Unauthorized}
		result.NoticeSent = s.post(ctx, send, mc, s.opts.RefusalText, s.opts.RefusalTTL, log)
		result.Duration = time.Since(started)
		return result
	}

	err := s.invoke(ctx, desc, mc, send, call)
	if err == nil {
		log.Debug("Command succeeded", "duration", time.Since(started))
		return Result{Outcome: Succeeded, Duration: time.Since(started)}
	}

	err = fault.Wrap(fault.CategoryPlugin, call.Command, err)
	var panicErr *fault.PanicError
	if errors.As(err, &panicErr) {
		log.Error("Command panicked", "error", err, "stack", string(panicErr.Stack))
	} else {
		log.Error("Command failed", "error", err)
	}

	result := Result{Outcome: Faulted, Err: err}
	result.NoticeSent = s.post(ctx, send, mc, errorText(call, err), s.opts.ErrorTTL, log)
	result.Duration = time.Since(started)
	return result
}

// invoke runs the handler on its own goroutine so a panic or a stuck handler
// cannot take the dispatcher with it.
func (s *Sandbox) invoke(ctx context.Context, desc *plugin.Descriptor, mc *message.Context, send transport.Sender, call plugin.Call) error {
	if desc.Handler == nil {
		return fmt.Errorf("plugin %s has no handler", desc.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- &fault.PanicError{Value: recovered, Stack: debug.Stack()}
			}
		}()
		done <- desc.Handler(runCtx, send, mc, call)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHandlerTimeout, s.opts.HandlerTimeout)
		}
		return runCtx.Err()
	}
}

func (s *Sandbox) post(ctx context.Context, send transport.Sender, mc *message.Context, text string, ttl time.Duration, log *slog.Logger) bool {
	if s.notices == nil {
		return false
	}

	_, err := s.notices.Post(ctx, send, mc.Chat.String(), text, transport.SendOptions{QuotedID: mc.MessageID}, ttl)
	if err != nil {
		log.Warn("Failed to send notice", "error", err)
		return false
	}
	return true
}

func errorText(call plugin.Call, err error) string {
	var panicErr *fault.PanicError
	if errors.As(err, &panicErr) {
		return fmt.Sprintf("%s%s crashed, the error has been logged.", call.Prefix, call.Command)
	}

	cause := err
	if unwrapped := errors.Unwrap(err); unwrapped != nil {
		cause = unwrapped
	}
	return fmt.Sprintf("%s%s failed: %v", call.Prefix, call.Command, cause)
}
