// Package gateway runs the transports, feeds the bus into the dispatch
// pipeline and serves the health endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"astralune/pkg/bus"
	"astralune/pkg/clock"
	"astralune/pkg/config"
	"astralune/pkg/dispatch"
	"astralune/pkg/fault"
	"astralune/pkg/maintenance"
	"astralune/pkg/stats"
	"astralune/pkg/transport"
)

const (
	defaultHealthHost = "127.0.0.1"
	defaultHealthPort = 18790
)

// Dispatcher processes one inbound event to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, source string, event transport.Event, client transport.Client) dispatch.Trace
}

// Launcher starts a long-running goroutine whose failure is escalated. The
// supervisor implements it.
type Launcher interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

// Options wires a Service. Recorder and Jobs are optional.
type Options struct {
	Gateway    config.GatewayConfig
	Bus        *bus.MessageBus
	Pipeline   Dispatcher
	Transports []transport.Client
	Launcher   Launcher
	Recorder   *stats.Recorder
	Jobs       *maintenance.Runner
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Service struct {
	opts  Options
	log   *slog.Logger
	clock clock.Clock

	mu              sync.RWMutex
	startedAt       time.Time
	transportStates map[string]transportState
	outcomes        map[bus.EventType]int64
	lastDispatchAt  time.Time
	address         string
}

type transportState struct {
	Running bool   `json:"running"`
	Self    string `json:"self,omitempty"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status         string                        `json:"status"`
	UptimeSeconds  int64                         `json:"uptime_seconds"`
	Transports     map[string]transportState     `json:"transports"`
	QueuePending   int                           `json:"queue_pending"`
	Outcomes       map[bus.EventType]int64       `json:"outcomes,omitempty"`
	LastDispatchAt string                        `json:"last_dispatch_at,omitempty"`
	Stats          *stats.Snapshot               `json:"stats,omitempty"`
	StatsFailures  int                           `json:"stats_persist_failures,omitempty"`
	Jobs           map[string]maintenance.Status `json:"jobs,omitempty"`
}

// Terminal dispatch states counted for /statusz.
var countedOutcomes = map[bus.EventType]bool{
	bus.EventNotACommand:     true,
	bus.EventUnresolved:      true,
	bus.EventUnauthorized:    true,
	bus.EventSucceeded:       true,
	bus.EventFaulted:         true,
	bus.EventErrorNoticeSent: true,
}

func NewService(opts Options) (*Service, error) {
	if opts.Bus == nil {
		return nil, errors.New("message bus is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("dispatch pipeline is required")
	}
	if len(opts.Transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = plainLauncher{log: opts.Logger}
	}

	states := make(map[string]transportState, len(opts.Transports))
	for _, client := range opts.Transports {
		states[client.Name()] = transportState{}
	}

	return &Service{
		opts:            opts,
		log:             opts.Logger.With("component", "gateway.service"),
		clock:           opts.Clock,
		transportStates: states,
		outcomes:        make(map[bus.EventType]int64),
	}, nil
}

// Run blocks until ctx is cancelled or the status server fails. Dispatch
// loop and transport failures are handed to the launcher rather than
// returned.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = s.clock.Now().UTC()
	s.mu.Unlock()

	listener, err := s.listen()
	if err != nil {
		return err
	}
	serverErrors := make(chan error, 1)
	go s.serveHealth(ctx, listener, serverErrors)

	events, unsubscribe := s.opts.Bus.SubscribeEvents(ctx, 256)
	defer unsubscribe()
	go s.countOutcomes(events)

	consumerDone := make(chan struct{})
	s.opts.Launcher.Go(ctx, "dispatch", func(ctx context.Context) error {
		defer close(consumerDone)
		return s.consume(ctx)
	})

	for _, client := range s.opts.Transports {
		s.opts.Launcher.Go(ctx, "transport."+client.Name(), func(ctx context.Context) error {
			return s.runTransport(ctx, client)
		})
	}

	if s.opts.Jobs != nil {
		s.opts.Launcher.Go(ctx, "maintenance", s.opts.Jobs.Run)
	}

	select {
	case <-ctx.Done():
		<-consumerDone
		return nil
	case err := <-serverErrors:
		return err
	}
}

// Address is the bound status server address, once Run has started it.
func (s *Service) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

func (s *Service) runTransport(ctx context.Context, client transport.Client) error {
	name := client.Name()
	s.setTransportState(name, transportState{Running: true})
	s.log.Info("Transport started", "transport", name)

	sink := func(ctx context.Context, event transport.Event) {
		if self := client.Self(); self != "" {
			s.setTransportSelf(name, self)
		}
		if !s.opts.Bus.PublishInbound(ctx, bus.Inbound{Source: name, Event: event, Client: client}) {
			s.log.Debug("Inbound dropped, bus closed", "transport", name, "message_id", event.ID)
		}
	}

	err := client.Run(ctx, sink)
	s.setTransportState(name, transportState{Running: false, Error: errorString(err)})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run %s transport: %w", name, err)
	}
	s.log.Info("Transport stopped", "transport", name)
	return nil
}

// consume is the single dispatch loop: one event reaches Done before the
// next is taken off the bus. A panic outside the handler sandbox stops the
// loop and is returned so the launcher can escalate it.
func (s *Service) consume(ctx context.Context) error {
	for {
		inbound, ok := s.opts.Bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		if err := s.dispatch(ctx, inbound); err != nil {
			return err
		}

		s.mu.Lock()
		s.lastDispatchAt = s.clock.Now().UTC()
		s.mu.Unlock()
	}
}

func (s *Service) dispatch(ctx context.Context, inbound bus.Inbound) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("dispatch %s from %s: %w", inbound.Event.ID, inbound.Source, &fault.PanicError{Value: recovered, Stack: debug.Stack()})
		}
	}()

	s.opts.Pipeline.Dispatch(ctx, inbound.Source, inbound.Event, inbound.Client)
	return nil
}

func (s *Service) countOutcomes(events <-chan bus.Event) {
	for event := range events {
		if !countedOutcomes[event.Type] {
			continue
		}
		s.mu.Lock()
		s.outcomes[event.Type]++
		s.mu.Unlock()
	}
}

func (s *Service) listen() (net.Listener, error) {
	host := strings.TrimSpace(s.opts.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.opts.Gateway.Port
	if port < 0 {
		port = defaultHealthPort
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("start status server: %w", err)
	}

	s.mu.Lock()
	s.address = listener.Addr().String()
	s.mu.Unlock()
	return listener, nil
}

func (s *Service) serveHealth(ctx context.Context, listener net.Listener, errCh chan<- error) {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("serve status server: %w", err)
	}
}

// Handler serves /healthz, /readyz and /statusz.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /statusz", s.handleStatus)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respond(w, statusCode, s.currentStatus(status))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}
	payload := s.currentStatus(status)

	if s.opts.Recorder != nil {
		snapshot, err := s.opts.Recorder.Snapshot(r.Context())
		if err != nil {
			s.log.Warn("Failed to read stats for status", "error", err)
		} else {
			payload.Stats = &snapshot
		}
		payload.StatsFailures = s.opts.Recorder.Failures()
	}
	if s.opts.Jobs != nil {
		payload.Jobs = s.opts.Jobs.Status()
	}

	s.respond(w, http.StatusOK, payload)
}

func (s *Service) respond(w http.ResponseWriter, statusCode int, payload statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(s.clock.Now().Sub(s.startedAt).Seconds())
	}

	transports := make(map[string]transportState, len(s.transportStates))
	for name, state := range s.transportStates {
		transports[name] = state
	}

	outcomes := make(map[bus.EventType]int64, len(s.outcomes))
	for outcome, count := range s.outcomes {
		outcomes[outcome] = count
	}

	lastDispatch := ""
	if !s.lastDispatchAt.IsZero() {
		lastDispatch = s.lastDispatchAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:         status,
		UptimeSeconds:  uptime,
		Transports:     transports,
		QueuePending:   s.opts.Bus.Pending(),
		Outcomes:       outcomes,
		LastDispatchAt: lastDispatch,
	}
}

// isReady reports whether any transport is connected.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.transportStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) setTransportState(name string, state transportState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.Self = s.transportStates[name].Self
	s.transportStates[name] = state
}

func (s *Service) setTransportSelf(name string, self string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.transportStates[name]
	if state.Self == self {
		return
	}
	state.Self = self
	s.transportStates[name] = state
}

// plainLauncher runs goroutines without supervision and only logs failures.
type plainLauncher struct {
	log *slog.Logger
}

func (l plainLauncher) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	go func() {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Error("Background task failed", "task", name, "error", err)
		}
	}()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
