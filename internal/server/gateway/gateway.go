// Package gateway serves the /ws/events duplex channel used by relays
// and user clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/metrics"
	"github.com/todoki/todoki/internal/server/auth"
	"github.com/todoki/todoki/internal/server/eventbus"
	"github.com/todoki/todoki/internal/server/eventstore"
	"github.com/todoki/todoki/internal/server/relaymgr"
	"github.com/todoki/todoki/internal/server/review"
	"github.com/todoki/todoki/internal/server/state"
	"github.com/todoki/todoki/internal/server/stream"
)

const (
	pingInterval       = 30 * time.Second
	pongDeadline       = 60 * time.Second
	registrationWindow = 30 * time.Second
	replayPage         = 1000

	// Tracks recently self-emitted cursors so a relay's own events are
	// not echoed back to it.
	selfCursorWindow = 1024
)

// Gateway multiplexes registration, command dispatch, and event
// ingestion over one WebSocket per peer.
type Gateway struct {
	Bus         *eventbus.Bus
	State       *state.Store
	Relays      *relaymgr.Manager
	Commands    *relaymgr.PendingCommands
	Permissions *relaymgr.PendingPermissions
	Streams     *stream.Store
	StreamHub   *stream.Hub
	Reviewer    *review.Reviewer
	Auth        *auth.Checker
}

type subscribeParams struct {
	kinds     []string
	cursor    int64
	hasCursor bool
	agentID   string
	taskID    string
	relayID   string
}

func parseSubscribeParams(r *http.Request) (subscribeParams, error) {
	q := r.URL.Query()
	var p subscribeParams
	if raw := q.Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				p.kinds = append(p.kinds, k)
			}
		}
	}
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return p, fmt.Errorf("invalid cursor %q", raw)
		}
		p.cursor = v
		p.hasCursor = true
	}
	p.agentID = q.Get("agent_id")
	p.taskID = q.Get("task_id")
	p.relayID = q.Get("relay_id")
	return p, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope := g.Auth.Check(auth.FromRequest(r))
	if scope == auth.ScopeNone {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	params, err := parseSubscribeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if params.relayID != "" && scope != auth.ScopeRelay {
		http.Error(w, "relay scope required", http.StatusForbidden)
		return
	}

	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws/events: accept failed", "error", err)
		return
	}
	defer func() { _ = sock.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		gw:     g,
		sock:   sock,
		params: params,
		cancel: cancel,
	}
	c.lastPong.Store(time.Now().UnixNano())
	c.run(ctx)
}

// wsConn is one connected peer.
type wsConn struct {
	gw     *Gateway
	sock   *websocket.Conn
	params subscribeParams
	cancel context.CancelFunc

	writeMu sync.Mutex

	lastPong   atomic.Int64
	registered atomic.Bool
	relayConn  *relaymgr.Conn

	selfMu      sync.Mutex
	selfCursors map[int64]struct{}
	selfRing    []int64
}

func (c *wsConn) run(ctx context.Context) {
	// Attach to the live stream before replay so nothing falls in the
	// gap; duplicates are suppressed by cursor tracking below.
	sub := c.gw.Bus.Subscribe()
	defer sub.Close()

	if err := c.writeJSON(ctx, subscribedFrame{
		Type: "subscribed", Kinds: c.params.kinds, Cursor: c.params.cursor,
	}); err != nil {
		return
	}

	lastSent := c.params.cursor
	if c.params.hasCursor {
		last, err := c.replay(ctx)
		if err != nil {
			slog.Debug("ws/events: replay failed", "error", err)
			return
		}
		lastSent = last
	}

	// In relay mode the peer must register within the window.
	if c.params.relayID != "" {
		timer := time.AfterFunc(registrationWindow, func() {
			if !c.registered.Load() {
				slog.Warn("relay did not register in time", "relay_id", c.params.relayID)
				_ = c.sock.Close(websocket.StatusPolicyViolation, "registration timeout")
				c.cancel()
			}
		})
		defer timer.Stop()
		defer c.cleanupRelay()
	}

	go c.readLoop(ctx)
	go c.pingLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			if d.Lagged > 0 {
				msg := fmt.Sprintf("subscriber lagged by %d events; reconnect with your last cursor to catch up", d.Lagged)
				if err := c.writeJSON(ctx, errorFrame{Type: "error", Message: msg}); err != nil {
					return
				}
			}
			e := d.Event
			if e.Cursor <= lastSent || !c.shouldForward(e) {
				continue
			}
			if err := c.writeJSON(ctx, newEventFrame(e)); err != nil {
				return
			}
			lastSent = e.Cursor
		}
	}
}

// replay streams historical events from the requested cursor and ends
// with a replay_complete frame. Returns the last cursor scanned.
func (c *wsConn) replay(ctx context.Context) (int64, error) {
	from := c.params.cursor
	count := 0
	for {
		events, next, done, err := c.gw.Bus.PollPage(ctx, eventstore.Query{
			From:    from,
			Kinds:   c.params.kinds,
			AgentID: c.params.agentID,
			TaskID:  c.params.taskID,
			Limit:   replayPage,
		})
		if err != nil {
			return 0, err
		}
		for _, e := range events {
			if err := c.writeJSON(ctx, newEventFrame(e)); err != nil {
				return 0, err
			}
			count++
		}
		from = next
		if done {
			break
		}
	}
	err := c.writeJSON(ctx, replayCompleteFrame{Type: "replay_complete", Cursor: from, Count: count})
	return from, err
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer c.cancel()
	for {
		_, data, err := c.sock.Read(ctx)
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("ws/events: malformed frame dropped", "error", err)
			continue
		}
		switch frame.Type {
		case "pong":
			c.lastPong.Store(time.Now().UnixNano())
		case "ping":
			_ = c.writeJSON(ctx, pingFrame{Type: "pong"})
		case "emit_event":
			if frame.Kind == "" {
				slog.Debug("ws/events: emit_event without kind dropped")
				continue
			}
			if err := c.handleEmit(ctx, frame.Kind, frame.Data); err != nil {
				slog.Warn("ws/events: emit failed", "kind", frame.Kind, "error", err)
				_ = c.writeJSON(ctx, errorFrame{Type: "error", Message: err.Error()})
			}
		default:
			slog.Debug("ws/events: unknown frame type dropped", "type", frame.Type)
		}
	}
}

func (c *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > pongDeadline {
				slog.Warn("ws/events: pong deadline exceeded, closing",
					"relay_id", c.params.relayID)
				_ = c.sock.Close(websocket.StatusPolicyViolation, "pong timeout")
				c.cancel()
				return
			}
			if err := c.writeJSON(ctx, pingFrame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

// shouldForward applies the outbound filter: kind patterns for clients,
// plus relay targeting and no-echo for relays.
func (c *wsConn) shouldForward(e *event.Event) bool {
	if c.isSelf(e.Cursor) {
		return false
	}

	if c.params.relayID != "" {
		targeted := dataRelayID(e) == c.params.relayID
		if event.IsCommandKind(e.Kind) {
			return targeted
		}
		return targeted && event.MatchAny(c.params.kinds, e.Kind)
	}

	if !event.MatchAny(c.params.kinds, e.Kind) {
		return false
	}
	if c.params.agentID != "" && e.AgentID != c.params.agentID {
		return false
	}
	if c.params.taskID != "" && e.TaskID != c.params.taskID {
		return false
	}
	return true
}

func dataRelayID(e *event.Event) string {
	var d struct {
		RelayID string `json:"relay_id"`
	}
	_ = json.Unmarshal(e.Data, &d)
	return d.RelayID
}

// markSelf records a cursor this connection emitted so it is never
// echoed back.
func (c *wsConn) markSelf(cursor int64) {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	if c.selfCursors == nil {
		c.selfCursors = make(map[int64]struct{}, selfCursorWindow)
	}
	c.selfCursors[cursor] = struct{}{}
	c.selfRing = append(c.selfRing, cursor)
	if len(c.selfRing) > selfCursorWindow {
		old := c.selfRing[0]
		c.selfRing = c.selfRing[1:]
		delete(c.selfCursors, old)
	}
}

func (c *wsConn) isSelf(cursor int64) bool {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	_, ok := c.selfCursors[cursor]
	return ok
}

// cleanupRelay runs when a relay-mode connection ends. If this
// connection is still the relay's registered one, the relay is removed,
// its sessions are failed, and relay.down is appended.
func (c *wsConn) cleanupRelay() {
	if !c.registered.Load() || c.relayConn == nil {
		return
	}
	relayID := c.relayConn.RelayID
	if !c.gw.Relays.Unregister(relayID, c.relayConn) {
		// A reconnect already replaced us; the new connection owns the
		// relay record and its sessions.
		return
	}

	// The request context is gone by now; give cleanup its own deadline.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed, err := c.gw.State.FailRelaySessions(cleanupCtx, relayID)
	if err != nil {
		slog.Error("relay cleanup: failing sessions", "relay_id", relayID, "error", err)
	}
	for range failed {
		metrics.ActiveSessions.Dec()
	}

	data, _ := json.Marshal(map[string]any{"relay_id": relayID, "failed_sessions": failed})
	if _, err := c.gw.Bus.Emit(cleanupCtx, &event.Event{Kind: event.RelayDown, Data: data}); err != nil {
		slog.Error("relay cleanup: emit relay.down", "relay_id", relayID, "error", err)
	}
	if _, err := c.gw.Bus.Emit(cleanupCtx, &event.Event{Kind: event.SystemRelayDisconnected, Data: data}); err != nil {
		slog.Error("relay cleanup: emit disconnect", "relay_id", relayID, "error", err)
	}
	slog.Info("relay disconnected", "relay_id", relayID, "failed_sessions", len(failed))
}
