// Package client maintains the relay's duplex channel to the server:
// connect, register, buffer outbound events across reconnects, and
// dispatch inbound commands.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/relay/config"
)

const (
	// How long the server may take to acknowledge relay.up before the
	// connection is abandoned.
	registrationWindow = 30 * time.Second

	// Outbound events queued in memory while disconnected.
	outboundBuffer = 4096
)

// CommandHandler receives server-issued commands addressed to this
// relay (spawn, stop, input, permission responses).
type CommandHandler interface {
	HandleCommand(ctx context.Context, kind string, data json.RawMessage)
}

// serverFrame is any frame the server sends on /ws/events.
type serverFrame struct {
	Type    string          `json:"type"`
	RelayID string          `json:"relay_id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Cursor  int64           `json:"cursor,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type emitFrame struct {
	Type string          `json:"type"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type queuedEvent struct {
	kind string
	data json.RawMessage
}

// Client is the relay's connection to the server.
type Client struct {
	cfg     *config.Config
	relayID string

	// Commands handles inbound command events. Set before Run.
	Commands CommandHandler

	out chan queuedEvent

	mu         sync.Mutex
	sock       *websocket.Conn
	registered bool
	ready      chan struct{} // closed when a registered connection appears

	writeMu sync.Mutex
}

// New creates a client for the given relay identity.
func New(cfg *config.Config, relayID string) *Client {
	return &Client{
		cfg:     cfg,
		relayID: relayID,
		out:     make(chan queuedEvent, outboundBuffer),
	}
}

// RelayID returns the identity this client registers under.
func (c *Client) RelayID() string {
	return c.relayID
}

// Emit queues an event for delivery to the server. The queue survives
// reconnects; when full, the oldest queued event is dropped.
func (c *Client) Emit(kind string, payload any) {
	data, err := marshalPayload(payload)
	if err != nil {
		slog.Error("marshal outbound event", "kind", kind, "error", err)
		return
	}
	e := queuedEvent{kind: kind, data: data}
	select {
	case c.out <- e:
		return
	default:
	}
	select {
	case old := <-c.out:
		slog.Warn("outbound buffer full, dropped oldest event", "dropped_kind", old.kind)
	default:
	}
	select {
	case c.out <- e:
	default:
		slog.Warn("outbound buffer full, dropped event", "kind", kind)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}

// Run connects and reconnects until ctx is cancelled. Backoff starts at
// 3s and caps at 60s; a successful registration resets it.
func (c *Client) Run(ctx context.Context) error {
	go c.forward(ctx)

	bo := newDefaultBackoff()
	for {
		wasRegistered, err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasRegistered {
			bo.Reset()
		}
		interval := bo.NextBackOff()
		slog.Warn("disconnected from server, reconnecting",
			"error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// connect runs one connection: dial, wait for subscribed, send
// relay.up, wait for registered, then consume frames until the
// connection breaks. Returns whether registration succeeded.
func (c *Client) connect(ctx context.Context) (bool, error) {
	u, err := eventsURL(c.cfg.ServerURL, c.relayID)
	if err != nil {
		return false, err
	}

	sock, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}},
	})
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", u, err)
	}
	defer func() { _ = sock.CloseNow() }()
	defer c.dropConn(sock)

	var reg atomic.Bool
	regTimer := time.AfterFunc(registrationWindow, func() {
		if !reg.Load() {
			slog.Warn("registration not acknowledged in time")
			_ = sock.Close(websocket.StatusPolicyViolation, "registration timeout")
		}
	})
	defer regTimer.Stop()

	for {
		_, raw, err := sock.Read(ctx)
		if err != nil {
			return reg.Load(), err
		}
		var f serverFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Debug("malformed server frame dropped", "error", err)
			continue
		}
		switch f.Type {
		case "subscribed":
			if err := c.sendRelayUp(ctx, sock); err != nil {
				return reg.Load(), err
			}
		case "registered":
			reg.Store(true)
			regTimer.Stop()
			c.setRegistered(sock)
			slog.Info("registered with server", "relay_id", c.relayID, "name", c.cfg.Name)
		case "ping":
			_ = c.writeJSON(ctx, sock, pongFrame{Type: "pong"})
		case "pong":
		case "event":
			c.dispatch(ctx, f)
		case "replay_complete":
		case "error":
			slog.Warn("server error", "message", f.Message)
		default:
			slog.Debug("unknown server frame dropped", "type", f.Type)
		}
	}
}

func (c *Client) sendRelayUp(ctx context.Context, sock *websocket.Conn) error {
	up, err := json.Marshal(map[string]any{
		"relay_id":     c.relayID,
		"name":         c.cfg.Name,
		"role":         c.cfg.Role,
		"safe_paths":   c.cfg.SafePaths,
		"labels":       c.cfg.Labels,
		"projects":     c.cfg.Projects,
		"setup_script": c.cfg.SetupScript,
	})
	if err != nil {
		return err
	}
	return c.writeJSON(ctx, sock, emitFrame{Type: "emit_event", Kind: event.RelayUp, Data: up})
}

// dispatch hands a command to the handler. Commands run off the read
// loop so a slow spawn cannot stall pings.
func (c *Client) dispatch(ctx context.Context, f serverFrame) {
	if c.Commands == nil {
		return
	}
	go c.Commands.HandleCommand(ctx, f.Kind, f.Data)
}

// forward drains the outbound queue into whatever connection is
// currently registered. An event whose write fails is retried on the
// next connection.
func (c *Client) forward(ctx context.Context) {
	var pending *queuedEvent
	for {
		if pending == nil {
			select {
			case <-ctx.Done():
				return
			case e := <-c.out:
				pending = &e
			}
		}

		sock, ready := c.conn()
		if sock == nil {
			select {
			case <-ctx.Done():
				return
			case <-ready:
			}
			continue
		}

		if err := c.writeJSON(ctx, sock, emitFrame{
			Type: "emit_event", Kind: pending.kind, Data: pending.data,
		}); err != nil {
			c.dropConn(sock)
			continue
		}
		pending = nil
	}
}

// conn returns the registered connection, or a channel that closes once
// one appears.
func (c *Client) conn() (*websocket.Conn, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return c.sock, nil
	}
	if c.ready == nil {
		c.ready = make(chan struct{})
	}
	return nil, c.ready
}

func (c *Client) setRegistered(sock *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sock = sock
	c.registered = true
	if c.ready != nil {
		close(c.ready)
		c.ready = nil
	}
}

func (c *Client) dropConn(sock *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == sock {
		c.sock = nil
		c.registered = false
	}
}

func (c *Client) writeJSON(ctx context.Context, sock *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.Write(ctx, websocket.MessageText, data)
}

// eventsURL converts the configured server URL into the /ws/events
// WebSocket URL for this relay.
func eventsURL(serverURL, relayID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/ws/events"
	q := u.Query()
	q.Set("relay_id", relayID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
