package console

import (
	"context"
	"strings"

	"astralune/pkg/bus"
	"astralune/pkg/clock"
	"astralune/pkg/dispatch"
	"astralune/pkg/transport"
)

// Dispatcher processes one inbound event to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, source string, event transport.Event, client transport.Client) dispatch.Trace
}

// Exchange is the outcome of one typed line.
type Exchange struct {
	Input   string
	Replies []Reply
	Outcome bus.EventType
	Command string
	Plugin  string
	Err     string
}

// Session feeds typed lines through a Dispatcher one at a time.
type Session struct {
	pipeline Dispatcher
	client   *Client
	clock    clock.Clock
	asOwner  bool
}

// NewSession binds client to pipeline. With asOwner set, lines are sent
// from the bot's own account.
func NewSession(pipeline Dispatcher, client *Client, clk clock.Clock, asOwner bool) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	return &Session{pipeline: pipeline, client: client, clock: clk, asOwner: asOwner}
}

func (s *Session) Client() *Client { return s.client }

// Send dispatches line and collects what the bot sent while handling it.
func (s *Session) Send(ctx context.Context, line string) Exchange {
	line = strings.TrimSpace(line)
	event := s.client.Event(line, s.asOwner, s.clock.Now())
	trace := s.pipeline.Dispatch(ctx, Name, event, s.client)

	exchange := Exchange{
		Input:   line,
		Replies: s.client.Drain(),
		Outcome: trace.Final(),
		Command: trace.Command.Name,
	}
	if trace.Plugin != nil {
		exchange.Plugin = trace.Plugin.Name
	}
	if trace.Result.Err != nil {
		exchange.Err = trace.Result.Err.Error()
	}
	return exchange
}
