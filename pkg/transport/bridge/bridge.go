// Package bridge connects to a WhatsApp Web bridge process over a WebSocket.
// The bridge pushes message events and answers requests correlated by id.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"astralune/pkg/config"
	"astralune/pkg/fault"
	"astralune/pkg/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	clientName = "bridge"

	DefaultURL            = "ws://localhost:3001"
	DefaultReconnectDelay = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMetadataTTL    = time.Minute
	DefaultEventBuffer    = 256

	writeTimeout = 10 * time.Second
)

var errNotConnected = errors.New("bridge not connected")

// Frame types exchanged with the bridge.
const (
	frameMessage   = "message"
	frameStatus    = "status"
	frameLoggedOut = "logged_out"
	frameQR        = "qr"
	frameRequest   = "request"
	frameResponse  = "response"
	frameError     = "error"
)

type frame struct {
	Type   string           `json:"type"`
	ID     string           `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Status string           `json:"status,omitempty"`
	Self   string           `json:"self,omitempty"`
	Event  *transport.Event `json:"event,omitempty"`
}

type sendParams struct {
	To       string   `json:"to"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
	Quoted   string   `json:"quoted,omitempty"`
}

type groupParams struct {
	JID string `json:"jid"`
}

type cachedGroup struct {
	metadata transport.GroupMetadata
	expires  time.Time
}

// Client is a transport.Client backed by the bridge WebSocket.
type Client struct {
	url            string
	token          string
	reconnectDelay time.Duration
	requestTimeout time.Duration
	metadataTTL    time.Duration
	eventBuffer    int
	dialer         *websocket.Dialer
	now            func() time.Time
	log            *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	self    string
	pending map[string]chan frame
	groups  map[string]cachedGroup
}

// New builds a Client from config. Nothing is dialed until Run.
func New(cfg config.BridgeConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultURL
	}
	delay := config.Seconds(cfg.ReconnectSeconds)
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	return &Client{
		url:            url,
		token:          strings.TrimSpace(cfg.Token),
		reconnectDelay: delay,
		requestTimeout: DefaultRequestTimeout,
		metadataTTL:    DefaultMetadataTTL,
		eventBuffer:    DefaultEventBuffer,
		dialer:         websocket.DefaultDialer,
		now:            time.Now,
		log:            log.With("component", "transport.bridge"),
		pending:        make(map[string]chan frame),
		groups:         make(map[string]cachedGroup),
	}
}

func (c *Client) Name() string {
	return clientName
}

// Self returns the address reported by the bridge's last status frame.
func (c *Client) Self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Run keeps a session open, reconnecting after reconnectDelay whenever the
// socket drops. It returns transport.ErrLoggedOut when the bridge reports the
// account was logged out, and nil once ctx is cancelled.
func (c *Client) Run(ctx context.Context, sink transport.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	for {
		err := c.session(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, transport.ErrLoggedOut) {
			c.log.Error("Bridge session logged out")
			return err
		}

		c.log.Warn("Bridge connection lost, reconnecting", "error", err, "delay", c.reconnectDelay.String())
		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context, sink transport.Sink) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fault.Wrap(fault.CategoryTransport, "dial bridge", err)
	}
	c.log.Info("Bridge connected", "url", c.url)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Message events go through a queue drained by deliver so a slow sink
	// never holds up the response frames a handler is waiting on.
	queue := make(chan transport.Event, max(c.eventBuffer, 1))
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for event := range queue {
			sink(ctx, event)
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		c.disconnect(conn)
		close(queue)
		<-delivered
	}()

	for {
		var in frame
		if err := conn.ReadJSON(&in); err != nil {
			return fault.Wrap(fault.CategoryTransport, "read bridge frame", err)
		}

		switch in.Type {
		case frameMessage:
			if in.Event == nil {
				continue
			}
			select {
			case queue <- *in.Event:
			default:
				c.log.Warn("Inbound queue full, dropping message", "message_id", in.Event.ID, "chat", in.Event.Chat)
			}
		case frameResponse:
			c.resolve(in)
		case frameStatus:
			c.log.Info("Bridge status", "status", in.Status, "self", in.Self)
			if in.Self != "" {
				c.mu.Lock()
				c.self = in.Self
				c.mu.Unlock()
			}
		case frameLoggedOut:
			return transport.ErrLoggedOut
		case frameQR:
			c.log.Warn("Bridge is waiting for a QR scan")
		case frameError:
			c.log.Error("Bridge reported an error", "error", in.Error)
		default:
			c.log.Debug("Ignoring bridge frame", "type", in.Type)
		}
	}
}

// disconnect forgets conn and fails every request still waiting on it.
func (c *Client) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- frame{Type: frameResponse, ID: id, Error: errNotConnected.Error()}
		delete(c.pending, id)
	}
}

func (c *Client) resolve(in frame) {
	c.mu.Lock()
	ch, ok := c.pending[in.ID]
	delete(c.pending, in.ID)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("Dropping response for unknown request", "request_id", in.ID)
		return
	}
	ch <- in
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	id := uuid.NewString()
	reply := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fault.Wrap(fault.CategoryTransport, method, errNotConnected)
	}
	c.pending[id] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(frame{Type: frameRequest, ID: id, Method: method, Params: rawParams})
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return fault.Wrap(fault.CategoryTransport, method, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-timer.C:
		forget()
		return fault.Wrap(fault.CategoryTransport, method, fmt.Errorf("no response after %s", c.requestTimeout))
	case resp := <-reply:
		if resp.Error != "" {
			return fault.Wrap(fault.CategoryTransport, method, errors.New(resp.Error))
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) Send(ctx context.Context, to string, content transport.Content, opts transport.SendOptions) (transport.SentMessage, error) {
	var sent transport.SentMessage
	err := c.call(ctx, "send", sendParams{
		To:       to,
		Text:     content.Text,
		Mentions: content.Mentions,
		Quoted:   opts.QuotedID,
	}, &sent)
	if err != nil {
		return transport.SentMessage{}, err
	}
	if sent.Chat == "" {
		sent.Chat = to
	}
	return sent, nil
}

func (c *Client) Delete(ctx context.Context, msg transport.SentMessage) error {
	return c.call(ctx, "delete", msg, nil)
}

// GroupMetadata asks the bridge for a group roster. Results are cached for
// metadataTTL.
func (c *Client) GroupMetadata(ctx context.Context, group string) (transport.GroupMetadata, error) {
	now := c.now()

	c.mu.Lock()
	cached, ok := c.groups[group]
	c.mu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.metadata, nil
	}

	var metadata transport.GroupMetadata
	if err := c.call(ctx, "groupMetadata", groupParams{JID: group}, &metadata); err != nil {
		return transport.GroupMetadata{}, err
	}

	c.mu.Lock()
	c.groups[group] = cachedGroup{metadata: metadata, expires: now.Add(c.metadataTTL)}
	c.mu.Unlock()
	return metadata, nil
}
