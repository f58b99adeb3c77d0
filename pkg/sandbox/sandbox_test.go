package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"astralune/pkg/clock"
	"astralune/pkg/fault"
	"astralune/pkg/identity"
	"astralune/pkg/message"
	"astralune/pkg/notice"
	"astralune/pkg/plugin"
	"astralune/pkg/transport"
	"astralune/pkg/transport/transporttest"

	"github.com/stretchr/testify/require"
)

const (
	botAddress  = "628000@s.whatsapp.net"
	userAddress = "628111:2@s.whatsapp.net"
	chatAddress = "120363025@g.us"
)

type harness struct {
	clock   *clock.FakeClock
	client  *transporttest.Fake
	sandbox *Sandbox
}

func newHarness(opts Options) *harness {
	clk := clock.Fake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	return &harness{
		clock:   clk,
		client:  transporttest.New(botAddress),
		sandbox: New(notice.NewScheduler(clk, nil), opts, nil),
	}
}

func userContext(fromMe bool) *message.Context {
	return &message.Context{
		MessageID: "in-1",
		Sender:    identity.Normalize(userAddress),
		Chat:      identity.Normalize(chatAddress),
		IsGroup:   true,
		FromMe:    fromMe,
	}
}

func descriptor(ownerOnly bool, handler plugin.Handler) *plugin.Descriptor {
	return &plugin.Descriptor{Name: "restart", Commands: []string{"restart"}, OwnerOnly: ownerOnly, Handler: handler}
}

func TestOwnerOnlyRefusesOthersWithEphemeralNotice(t *testing.T) {
	t.Parallel()

	h := newHarness(Options{})
	called := false
	desc := descriptor(true, func(context.Context, transport.Sender, *message.Context, plugin.Call) error {
		called = true
		return nil
	})

	result := h.sandbox.Run(context.Background(), desc, userContext(false), h.client, plugin.Call{Prefix: "!", Command: "restart"})
	require.Equal(t, Unauthorized, result.Outcome)
	require.True(t, result.NoticeSent)
	require.False(t, called)

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, chatAddress, sent[0].To)
	require.Equal(t, DefaultRefusalText, sent[0].Content.Text)
	require.Equal(t, "in-1", sent[0].Options.QuotedID)

	h.clock.Advance(DefaultRefusalTTL)
	require.Equal(t, []transport.SentMessage{sent[0].Handle}, h.client.Deleted())
}

func TestOwnerOnlyRunsForSelfSentAndConfiguredOwners(t *testing.T) {
	t.Parallel()

	calls := 0
	desc := descriptor(true, func(context.Context, transport.Sender, *message.Context, plugin.Call) error {
		calls++
		return nil
	})

	h := newHarness(Options{Owners: []string{"628111@s.whatsapp.net"}})
	require.Equal(t, Succeeded, h.sandbox.Run(context.Background(), desc, userContext(false), h.client, plugin.Call{Command: "restart"}).Outcome)

	h = newHarness(Options{})
	require.Equal(t, Succeeded, h.sandbox.Run(context.Background(), desc, userContext(true), h.client, plugin.Call{Command: "restart"}).Outcome)

	require.Equal(t, 2, calls)
	require.Empty(t, h.client.Sent())
}

func TestHandlerErrorIsContained(t *testing.T) {
	t.Parallel()

	h := newHarness(Options{})
	failing := descriptor(false, func(context.Context, transport.Sender, *message.Context, plugin.Call) error {
		return errors.New("upstream unavailable")
	})

	result := h.sandbox.Run(context.Background(), failing, userContext(false), h.client, plugin.Call{Prefix: "!", Command: "weather"})
	require.Equal(t, Faulted, result.Outcome)
	require.True(t, fault.Is(result.Err, fault.CategoryPlugin))
	require.True(t, result.NoticeSent)

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "!weather failed: upstream unavailable", sent[0].Content.Text)

	h.clock.Advance(DefaultErrorTTL - time.Second)
	require.Empty(t, h.client.Deleted())
	h.clock.Advance(time.Second)
	require.Len(t, h.client.Deleted(), 1)

	ok := descriptor(false, func(ctx context.Context, send transport.Sender, mc *message.Context, call plugin.Call) error {
		_, err := send.Send(ctx, mc.Chat.String(), transport.Content{Text: "pong"}, transport.SendOptions{})
		return err
	})
	result = h.sandbox.Run(context.Background(), ok, userContext(false), h.client, plugin.Call{Prefix: "!", Command: "ping"})
	require.Equal(t, Succeeded, result.Outcome)
	require.Equal(t, "pong", h.client.Sent()[1].Content.Text)
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	h := newHarness(Options{})
	desc := descriptor(false, func(context.Context, transport.Sender, *message.Context, plugin.Call) error {
		var roster map[string]int
		roster["boom"]++
		return nil
	})

	result := h.sandbox.Run(context.Background(), desc, userContext(false), h.client, plugin.Call{Prefix: ".", Command: "memberinfo"})
	require.Equal(t, Faulted, result.Outcome)

	var panicErr *fault.PanicError
	require.ErrorAs(t, result.Err, &panicErr)
	require.NotEmpty(t, panicErr.Stack)
	require.True(t, fault.Is(result.Err, fault.CategoryPlugin))
	require.Equal(t, ".memberinfo crashed, the error has been logged.", h.client.Sent()[0].Content.Text)
}

func TestStuckHandlerTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(Options{HandlerTimeout: 20 * time.Millisecond})
	desc := descriptor(false, func(ctx context.Context, _ transport.Sender, _ *message.Context, _ plugin.Call) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	result := h.sandbox.Run(context.Background(), desc, userContext(false), h.client, plugin.Call{Command: "slow"})
	require.Equal(t, Faulted, result.Outcome)
	require.ErrorIs(t, result.Err, ErrHandlerTimeout)
}

func TestNoticeFailureDoesNotEscape(t *testing.T) {
	t.Parallel()

	h := newHarness(Options{})
	h.client.SendErr = errors.New("offline")
	desc := descriptor(false, func(context.Context, transport.Sender, *message.Context, plugin.Call) error {
		return errors.New("bad input")
	})

	result := h.sandbox.Run(context.Background(), desc, userContext(false), h.client, plugin.Call{Command: "stats"})
	require.Equal(t, Faulted, result.Outcome)
	require.False(t, result.NoticeSent)
}
