package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"astralune/pkg/config"
	"astralune/pkg/transport"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeBridge serves one scripted session per connection.
type fakeBridge struct {
	server      *httptest.Server
	connections atomic.Int32
	authHeader  atomic.Value
	session     func(conn *websocket.Conn)
}

func newFakeBridge(t *testing.T, session func(conn *websocket.Conn)) *fakeBridge {
	t.Helper()

	fb := &fakeBridge{session: session}
	upgrader := websocket.Upgrader{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.authHeader.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fb.connections.Add(1)
		fb.session(conn)
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

func newTestClient(fb *fakeBridge) *Client {
	c := New(config.BridgeConfig{URL: fb.url(), Token: "secret"}, nil)
	c.reconnectDelay = 10 * time.Millisecond
	c.requestTimeout = 2 * time.Second
	return c
}

// serveRequests answers requests until the connection closes.
func serveRequests(conn *websocket.Conn, answer func(req frame) frame) {
	for {
		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := answer(req)
		resp.Type = frameResponse
		resp.ID = req.ID
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func runClient(t *testing.T, c *Client, sink transport.Sink) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sink) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestRunDeliversEventsAndStatus(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(frame{Type: frameStatus, Status: "connected", Self: "628000:3@s.whatsapp.net"})
		_ = conn.WriteJSON(frame{Type: frameMessage, Event: &transport.Event{
			ID:      "m1",
			Chat:    "628111@s.whatsapp.net",
			Payload: transport.Payload{Conversation: ".ping"},
		}})
		var discard frame
		_ = conn.ReadJSON(&discard)
	})

	events := make(chan transport.Event, 1)
	c := newTestClient(fb)
	cancel, done := runClient(t, c, func(_ context.Context, event transport.Event) { events <- event })

	select {
	case event := <-events:
		require.Equal(t, "m1", event.ID)
		require.Equal(t, ".ping", event.Payload.Conversation)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	require.Eventually(t, func() bool { return c.Self() == "628000:3@s.whatsapp.net" }, time.Second, 5*time.Millisecond)
	require.Equal(t, "Bearer secret", fb.authHeader.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestSendCorrelatesResponse(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []sendParams
	fb := newFakeBridge(t, func(conn *websocket.Conn) {
		serveRequests(conn, func(req frame) frame {
			var params sendParams
			_ = json.Unmarshal(req.Params, &params)
			mu.Lock()
			seen = append(seen, params)
			mu.Unlock()
			result, _ := json.Marshal(transport.SentMessage{ID: "srv-1", Chat: params.To})
			return frame{Result: result}
		})
	})

	c := newTestClient(fb)
	runClient(t, c, func(context.Context, transport.Event) {})

	var sent transport.SentMessage
	require.Eventually(t, func() bool {
		var err error
		sent, err = c.Send(context.Background(), "120363@g.us", transport.Content{Text: "pong"}, transport.SendOptions{QuotedID: "m1"})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, transport.SentMessage{ID: "srv-1", Chat: "120363@g.us"}, sent)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "pong", seen[len(seen)-1].Text)
	require.Equal(t, "m1", seen[len(seen)-1].Quoted)
}

func TestSendAnsweredWhileSinkIsBlocked(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(conn *websocket.Conn) {
		for i := range 5 {
			_ = conn.WriteJSON(frame{Type: frameMessage, Event: &transport.Event{
				ID:      "burst-" + string(rune('a'+i)),
				Chat:    "628111@s.whatsapp.net",
				Payload: transport.Payload{Conversation: ".ping"},
			}})
		}
		serveRequests(conn, func(req frame) frame {
			result, _ := json.Marshal(transport.SentMessage{ID: "srv-1"})
			return frame{Result: result}
		})
	})

	c := newTestClient(fb)
	c.eventBuffer = 2

	received := make(chan string, 8)
	release := make(chan struct{})
	cancel, done := runClient(t, c, func(ctx context.Context, event transport.Event) {
		received <- event.ID
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	select {
	case id := <-received:
		require.Equal(t, "burst-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("first event not delivered")
	}

	ctx, stopSend := context.WithTimeout(context.Background(), time.Second)
	defer stopSend()
	sent, err := c.Send(ctx, "628111@s.whatsapp.net", transport.Content{Text: "pong"}, transport.SendOptions{})
	require.NoError(t, err)
	require.Equal(t, "srv-1", sent.ID)

	close(release)
	cancel()
	require.NoError(t, <-done)
}

func TestRequestErrorIsReturned(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(conn *websocket.Conn) {
		serveRequests(conn, func(frame) frame { return frame{Error: "message not found"} })
	})

	c := newTestClient(fb)
	runClient(t, c, func(context.Context, transport.Event) {})

	require.Eventually(t, func() bool {
		err := c.Delete(context.Background(), transport.SentMessage{ID: "x", Chat: "1@s.whatsapp.net"})
		return err != nil && strings.Contains(err.Error(), "message not found")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendWithoutConnectionFails(t *testing.T) {
	t.Parallel()

	c := New(config.BridgeConfig{URL: "ws://127.0.0.1:1"}, nil)
	_, err := c.Send(context.Background(), "1@s.whatsapp.net", transport.Content{Text: "hi"}, transport.SendOptions{})
	require.ErrorIs(t, err, errNotConnected)
}

func TestGroupMetadataIsCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fb := newFakeBridge(t, func(conn *websocket.Conn) {
		serveRequests(conn, func(req frame) frame {
			calls.Add(1)
			var params groupParams
			_ = json.Unmarshal(req.Params, &params)
			result, _ := json.Marshal(transport.GroupMetadata{
				ID:      params.JID,
				Subject: "Night shift",
				Participants: []transport.Participant{
					{ID: "628111@s.whatsapp.net", Role: transport.RoleAdmin},
				},
			})
			return frame{Result: result}
		})
	})

	c := newTestClient(fb)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	runClient(t, c, func(context.Context, transport.Event) {})

	var metadata transport.GroupMetadata
	require.Eventually(t, func() bool {
		var err error
		metadata, err = c.GroupMetadata(context.Background(), "120363@g.us")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "Night shift", metadata.Subject)

	_, err := c.GroupMetadata(context.Background(), "120363@g.us")
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	now = now.Add(DefaultMetadataTTL)
	_, err = c.GroupMetadata(context.Background(), "120363@g.us")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(conn *websocket.Conn) {})

	c := newTestClient(fb)
	cancel, done := runClient(t, c, func(context.Context, transport.Event) {})

	require.Eventually(t, func() bool { return fb.connections.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunStopsWhenLoggedOut(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(frame{Type: frameLoggedOut})
		var discard frame
		_ = conn.ReadJSON(&discard)
	})

	c := newTestClient(fb)
	_, done := runClient(t, c, func(context.Context, transport.Event) {})

	select {
	case err := <-done:
		require.True(t, errors.Is(err, transport.ErrLoggedOut))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	require.Equal(t, int32(1), fb.connections.Load())
}
