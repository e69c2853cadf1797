package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/todoki/todoki/internal/metrics"
	"github.com/todoki/todoki/internal/server/auth"
)

const historyPage = 500

// Handler serves /ws/agent-stream/{agent_id}: historical lines first,
// then live fanout, deduplicated by stream-store id. SendInput forwards
// a client-submitted prompt to the agent's session; it is a function
// field so tests can intercept it.
type Handler struct {
	Store     *Store
	Hub       *Hub
	Auth      *auth.Checker
	SendInput func(ctx context.Context, agentID, input string) error
}

type lineFrame struct {
	Type string `json:"type"`
	*Line
}

type historyEndFrame struct {
	Type   string `json:"type"`
	LastID int64  `json:"last_id"`
}

type inboundFrame struct {
	Type  string `json:"type"`
	Input string `json:"input"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/ws/agent-stream/")
	if agentID == "" || strings.Contains(agentID, "/") {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}

	if h.Auth.Check(auth.FromRequest(r)) == auth.ScopeNone {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var afterID int64
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after_id", http.StatusBadRequest)
			return
		}
		afterID = v
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws/agent-stream: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx := r.Context()

	// Attach to the live feed before reading history so no line falls
	// between the two; duplicates are filtered by id below.
	live, cancel := h.Hub.Watch(agentID)
	defer cancel()

	lastID := afterID
	for {
		lines, err := h.Store.ListAfter(ctx, agentID, lastID, historyPage)
		if err != nil {
			slog.Warn("ws/agent-stream: history read failed", "agent_id", agentID, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "history read failed")
			return
		}
		for _, l := range lines {
			if err := writeJSON(ctx, conn, lineFrame{Type: "history_event", Line: l}); err != nil {
				return
			}
			lastID = l.ID
		}
		if len(lines) < historyPage {
			break
		}
	}
	if err := writeJSON(ctx, conn, historyEndFrame{Type: "history_end", LastID: lastID}); err != nil {
		return
	}

	// Reader: the client may submit input for the agent's session.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var in inboundFrame
			if err := json.Unmarshal(data, &in); err != nil {
				slog.Debug("ws/agent-stream: bad inbound frame", "error", err)
				continue
			}
			if in.Type != "send_input" || in.Input == "" {
				continue
			}
			if h.SendInput == nil {
				continue
			}
			if err := h.SendInput(ctx, agentID, in.Input); err != nil {
				slog.Warn("ws/agent-stream: send input failed", "agent_id", agentID, "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case l, ok := <-live:
			if !ok {
				return
			}
			// Already delivered as history.
			if l.ID <= lastID {
				continue
			}
			if err := writeJSON(ctx, conn, lineFrame{Type: "live_event", Line: l}); err != nil {
				return
			}
			lastID = l.ID
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}
