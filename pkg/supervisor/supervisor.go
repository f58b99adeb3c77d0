// Package supervisor keeps the bot process alive. Faults that escape the
// sandbox, failures of supervised goroutines and operator signals lead to a
// bounded re-execution of the process, or to a terminal exit once the
// restart budget is spent.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"time"

	"astralune/pkg/clock"
	"astralune/pkg/fault"
)

const (
	DefaultDelay = 5 * time.Second

	// ImmediateDelay is used for operator-requested restarts.
	ImmediateDelay = time.Second

	DefaultDrain = 10 * time.Second
	ShortDrain   = 2 * time.Second
)

// Config holds the parameters for a Supervisor. Zero values take defaults.
type Config struct {
	// AutoRestart disables re-execution when false: every escalated fault
	// ends the process with exit code 1.
	AutoRestart bool

	MaxRestarts int
	Window      time.Duration
	Delay       time.Duration

	Spawner Spawner
	Clock   clock.Clock
	Logger  *slog.Logger

	// Getenv reads the inherited restart budget; os.Getenv when nil.
	Getenv func(string) string
}

// Supervisor owns the restart budget for one process.
type Supervisor struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu        sync.Mutex
	state     RestartState
	recovered bool
	pending   bool
	stopping  bool
	finished  bool
	child     Process
	hooks     []func(context.Context)

	hooksOnce sync.Once
	exitOnce  sync.Once
	done      chan struct{}
	code      int
}

func New(cfg Config) *Supervisor {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}

	state, recovered := stateFromEnv(cfg.Getenv, cfg.MaxRestarts, cfg.Window)
	s := &Supervisor{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Logger.With("component", "supervisor"),
		state:     state,
		recovered: recovered,
		done:      make(chan struct{}),
	}
	if recovered {
		s.log.Info("Recovered boot", "restart_count", state.Count, "last_restart", state.Last)
	}
	return s
}

// Recovered reports whether this process was started by an automatic
// restart.
func (s *Supervisor) Recovered() bool {
	return s.recovered
}

// State returns a copy of the restart budget.
func (s *Supervisor) State() RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnShutdown registers a hook that stops this process's runtime before a
// re-exec or exit. Hooks run once, in registration order, with the drain
// deadline on ctx.
func (s *Supervisor) OnShutdown(hook func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Done is closed once the exit code is decided.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the process should exit and returns the exit code.
func (s *Supervisor) Wait() int {
	<-s.done
	return s.code
}

// Monitor listens for operator signals until ctx ends or the supervisor
// finishes.
func (s *Supervisor) Monitor(ctx context.Context) {
	signals := make(chan os.Signal, 4)
	notifySignals(signals)

	go func() {
		defer signal.Stop(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case sig := <-signals:
				s.HandleSignal(sig)
			}
		}
	}()
}

// HandleSignal applies the policy for one operator signal. While a
// replacement process is running the signal is forwarded to it instead.
func (s *Supervisor) HandleSignal(sig os.Signal) {
	action := classifySignal(sig)

	s.mu.Lock()
	child := s.child
	if child != nil && action == actionShutdown {
		s.stopping = true
	}
	s.mu.Unlock()

	if child != nil {
		s.log.Info("Forwarding signal to restarted process", "signal", sig.String(), "pid", child.Pid())
		if err := child.Signal(sig); err != nil {
			s.log.Warn("Failed to forward signal", "signal", sig.String(), "error", err)
		}
		return
	}

	switch action {
	case actionImmediate:
		s.log.Info("Immediate restart requested", "signal", sig.String())
		s.restart(ImmediateDelay, ShortDrain, "signal")
	case actionSoft:
		s.log.Info("Soft restart requested", "signal", sig.String())
		s.restart(ImmediateDelay, DefaultDrain, "signal")
	case actionShutdown:
		s.Shutdown(0)
	}
}

// Go runs fn under supervision. A panic or a returned error other than
// context cancellation escalates to a restart.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.Report(name, &fault.PanicError{Value: recovered, Stack: debug.Stack()})
			}
		}()

		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Report(name, err)
		}
	}()
}

// Report escalates a fault nothing else recovered.
func (s *Supervisor) Report(source string, err error) {
	err = fault.Wrap(fault.CategorySupervisor, source, err)

	var panicErr *fault.PanicError
	if errors.As(err, &panicErr) {
		s.log.Error("Uncontained panic", "source", source, "error", err, "stack", string(panicErr.Stack))
	} else {
		s.log.Error("Uncontained failure", "source", source, "error", err)
	}

	s.restart(s.cfg.Delay, DefaultDrain, source)
}

// TriggerRestart requests a re-exec after delay, subject to the budget.
func (s *Supervisor) TriggerRestart(delay time.Duration) {
	s.restart(delay, DefaultDrain, "request")
}

// Shutdown stops the runtime and exits with code.
func (s *Supervisor) Shutdown(code int) {
	s.log.Info("Shutting down", "exit_code", code)
	s.finish(code, DefaultDrain)
}

func (s *Supervisor) restart(delay time.Duration, drain time.Duration, reason string) {
	if !s.cfg.AutoRestart {
		s.log.Error("Automatic restart disabled, exiting", "reason", reason)
		s.finish(1, drain)
		return
	}

	s.mu.Lock()
	if s.finished || s.stopping {
		s.mu.Unlock()
		return
	}

	next, terminal := s.state.Next(s.clock.Now())
	s.state = next
	if terminal {
		s.mu.Unlock()
		s.log.Error("Restart budget exhausted",
			"reason", reason,
			"restart_count", next.Count,
			"max_restarts", next.Max,
			"window", next.Window.String(),
		)
		s.finish(1, drain)
		return
	}

	if s.pending {
		s.mu.Unlock()
		s.log.Warn("Restart already pending", "reason", reason, "restart_count", next.Count)
		return
	}
	s.pending = true
	s.mu.Unlock()

	s.log.Warn("Restart scheduled", "reason", reason, "delay", delay.String(), "restart_count", next.Count, "max_restarts", next.Max)
	s.clock.AfterFunc(delay, func() { s.reexec(drain) })
}

func (s *Supervisor) reexec(drain time.Duration) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	state := s.state
	s.mu.Unlock()

	s.runHooks(drain)

	// A terminal exit may have started while hooks were draining.
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return
	}

	if s.cfg.Spawner == nil {
		s.log.Error("No spawner configured")
		s.exit(1)
		return
	}

	proc, err := s.cfg.Spawner.Spawn(context.Background(), state.Env())
	if err != nil {
		s.log.Error("Re-exec failed", "error", fault.Wrap(fault.CategorySupervisor, "spawn", err))
		s.exit(1)
		return
	}

	s.mu.Lock()
	s.child = proc
	s.mu.Unlock()
	s.log.Info("Process re-executed", "pid", proc.Pid(), "restart_count", state.Count)

	go s.watchChild(proc)
}

// watchChild turns the replacement's exit into this process's outcome:
// success exits cleanly, failure starts another budgeted cycle.
func (s *Supervisor) watchChild(proc Process) {
	code, err := proc.Wait()

	s.mu.Lock()
	s.child = nil
	s.pending = false
	stopping := s.stopping
	s.mu.Unlock()

	if err != nil {
		s.log.Error("Failed waiting for restarted process", "pid", proc.Pid(), "error", err)
		code = 1
	}
	if code == 0 || stopping {
		s.exit(0)
		return
	}

	s.log.Warn("Restarted process failed", "pid", proc.Pid(), "exit_code", code)
	s.restart(s.cfg.Delay, ShortDrain, "child exit")
}

func (s *Supervisor) finish(code int, drain time.Duration) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.runHooks(drain)
	s.exit(code)
}

func (s *Supervisor) runHooks(drain time.Duration) {
	s.hooksOnce.Do(func() {
		s.mu.Lock()
		hooks := append([]func(context.Context){}, s.hooks...)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		for _, hook := range hooks {
			hook(ctx)
		}
	})
}

func (s *Supervisor) exit(code int) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()

		s.code = code
		close(s.done)
	})
}

type signalAction int

const (
	actionShutdown signalAction = iota
	actionImmediate
	actionSoft
)
