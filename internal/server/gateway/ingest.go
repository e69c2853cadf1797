package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/metrics"
	"github.com/todoki/todoki/internal/server/relaymgr"
	"github.com/todoki/todoki/internal/server/state"
	"github.com/todoki/todoki/internal/server/stream"
)

// handleEmit processes an emit_event frame. Client-mode connections
// publish verbatim; relay-mode connections get relay_id injection and
// the per-kind side effects.
func (c *wsConn) handleEmit(ctx context.Context, kind string, data json.RawMessage) error {
	if c.params.relayID == "" {
		if kind == event.PermissionResponded {
			data = c.targetPermissionResponse(data)
		}
		_, err := c.emit(ctx, kind, data)
		return err
	}

	if kind == event.RelayUp {
		return c.handleRelayUp(ctx, data)
	}
	if !c.registered.Load() {
		return fmt.Errorf("relay not registered: emit %s rejected before relay.up", kind)
	}

	data = injectRelayID(data, c.params.relayID)

	switch kind {
	case event.RelayAgentOutput:
		return c.handleAgentOutput(ctx, data)
	case event.RelaySessionStatus:
		return c.handleSessionStatus(ctx, data)
	case event.RelayPermissionRequest:
		return c.handlePermissionRequest(ctx, data)
	case event.RelayArtifact:
		return c.handleArtifact(ctx, data)
	case event.RelaySpawnCompleted:
		return c.handleSpawnResult(ctx, kind, data, true)
	case event.RelaySpawnFailed:
		return c.handleSpawnResult(ctx, kind, data, false)
	default:
		// relay.prompt_completed and anything else: forwarded verbatim.
		_, err := c.emit(ctx, kind, data)
		return err
	}
}

// emit publishes an event on the bus, pulling correlation keys out of
// the payload, and marks the cursor as self-emitted.
func (c *wsConn) emit(ctx context.Context, kind string, data json.RawMessage) (*event.Event, error) {
	var keys struct {
		AgentID   string `json:"agent_id"`
		SessionID string `json:"session_id"`
		TaskID    string `json:"task_id"`
	}
	_ = json.Unmarshal(data, &keys)

	e := &event.Event{
		Kind:      kind,
		AgentID:   keys.AgentID,
		SessionID: keys.SessionID,
		TaskID:    keys.TaskID,
		Data:      data,
	}
	if _, err := c.gw.Bus.Emit(ctx, e); err != nil {
		return nil, err
	}
	c.markSelf(e.Cursor)
	return e, nil
}

type relayUpData struct {
	RelayID     string   `json:"relay_id"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	SafePaths   []string `json:"safe_paths"`
	Labels      []string `json:"labels"`
	Projects    []string `json:"projects"`
	SetupScript string   `json:"setup_script,omitempty"`
}

func (c *wsConn) handleRelayUp(ctx context.Context, data json.RawMessage) error {
	var up relayUpData
	if err := json.Unmarshal(data, &up); err != nil {
		return fmt.Errorf("parse relay.up: %w", err)
	}
	if up.RelayID == "" {
		up.RelayID = c.params.relayID
	}
	if up.RelayID != c.params.relayID {
		return fmt.Errorf("relay.up relay_id %q does not match connection %q", up.RelayID, c.params.relayID)
	}

	conn := &relaymgr.Conn{
		RelayID: up.RelayID,
		SendFn: func(msg any) error {
			return c.writeJSON(ctx, msg)
		},
	}
	c.gw.Relays.Register(relaymgr.Relay{
		ID:          up.RelayID,
		Name:        up.Name,
		Role:        up.Role,
		SafePaths:   up.SafePaths,
		Labels:      up.Labels,
		Projects:    up.Projects,
		SetupScript: up.SetupScript,
		ConnectedAt: time.Now(),
	}, conn)
	c.relayConn = conn
	c.registered.Store(true)

	if err := c.writeJSON(ctx, registeredFrame{Type: "registered", RelayID: up.RelayID}); err != nil {
		return err
	}

	data = injectRelayID(data, up.RelayID)
	if _, err := c.emit(ctx, event.RelayUp, data); err != nil {
		return err
	}
	if _, err := c.emit(ctx, event.SystemRelayConnected, data); err != nil {
		return err
	}
	slog.Info("relay registered",
		"relay_id", up.RelayID, "name", up.Name, "role", up.Role)
	return nil
}

func (c *wsConn) handleAgentOutput(ctx context.Context, data json.RawMessage) error {
	var out struct {
		AgentID   string `json:"agent_id"`
		SessionID string `json:"session_id"`
		Stream    string `json:"stream"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("parse relay.agent_output: %w", err)
	}

	if out.AgentID != "" {
		line := &stream.Line{
			AgentID:   out.AgentID,
			SessionID: out.SessionID,
			Stream:    out.Stream,
			Data:      data,
		}
		if _, err := c.gw.Streams.Insert(ctx, line); err != nil {
			return err
		}
		c.gw.StreamHub.Publish(line)
	}

	_, err := c.emit(ctx, event.RelayAgentOutput, data)
	return err
}

func (c *wsConn) handleSessionStatus(ctx context.Context, data json.RawMessage) error {
	var st struct {
		SessionID string `json:"session_id"`
		AgentID   string `json:"agent_id"`
		Status    string `json:"status"`
		ExitCode  *int64 `json:"exit_code"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse relay.session_status: %w", err)
	}
	if st.SessionID == "" {
		return fmt.Errorf("relay.session_status without session_id")
	}

	status := state.NormalizeSessionStatus(st.Status, st.ExitCode)
	if err := c.gw.State.UpdateSessionStatus(ctx, st.SessionID, status, st.ExitCode); err != nil {
		return err
	}

	agentID := st.AgentID
	if agentID == "" {
		if sess, err := c.gw.State.GetSession(ctx, st.SessionID); err == nil {
			agentID = sess.AgentID
		}
	}

	if state.TerminalSessionStatus(status) {
		c.gw.Relays.RemoveSession(c.params.relayID, st.SessionID)
		metrics.ActiveSessions.Dec()
		if agentID != "" {
			agentStatus := state.AgentCompleted
			if status != state.SessionCompleted {
				agentStatus = state.AgentFailed
			}
			if err := c.gw.State.SetAgentStatus(ctx, agentID, agentStatus); err != nil {
				slog.Warn("update agent status failed", "agent_id", agentID, "error", err)
			}
		}
	} else if status == state.SessionRunning && agentID != "" {
		if err := c.gw.State.SetAgentStatus(ctx, agentID, state.AgentRunning); err != nil {
			slog.Warn("update agent status failed", "agent_id", agentID, "error", err)
		}
	}

	_, err := c.emit(ctx, event.RelaySessionStatus, data)
	return err
}

func (c *wsConn) handlePermissionRequest(ctx context.Context, data json.RawMessage) error {
	e, err := c.emit(ctx, event.RelayPermissionRequest, data)
	if err != nil {
		return err
	}
	if c.gw.Reviewer == nil {
		return nil
	}
	// The judge call can take up to its 30s deadline; keep it off the
	// read loop.
	go func() {
		reviewCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := c.gw.Reviewer.Handle(reviewCtx, e); err != nil {
			slog.Warn("permission review failed", "error", err)
		}
	}()
	return nil
}

func (c *wsConn) handleArtifact(ctx context.Context, data json.RawMessage) error {
	var art struct {
		Type      string `json:"type"`
		URL       string `json:"url"`
		Owner     string `json:"owner"`
		Repo      string `json:"repo"`
		Number    int64  `json:"number"`
		AgentID   string `json:"agent_id"`
		SessionID string `json:"session_id"`
		TaskID    string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("parse relay.artifact: %w", err)
	}

	inserted, err := c.gw.State.InsertArtifact(ctx, &state.Artifact{
		Type:      art.Type,
		URL:       art.URL,
		Owner:     art.Owner,
		Repo:      art.Repo,
		Number:    art.Number,
		AgentID:   art.AgentID,
		SessionID: art.SessionID,
		TaskID:    art.TaskID,
	})
	if err != nil {
		return err
	}

	if _, err := c.emit(ctx, event.RelayArtifact, data); err != nil {
		return err
	}
	if inserted && art.Type == state.ArtifactGitHubPR {
		if _, err := c.emit(ctx, event.ArtifactGitHubPROpened, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsConn) handleSpawnResult(ctx context.Context, kind string, data json.RawMessage, success bool) error {
	var res struct {
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
		AgentID   string `json:"agent_id"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("parse %s: %w", kind, err)
	}

	if success {
		if res.SessionID != "" {
			c.gw.Relays.AddSession(c.params.relayID, res.SessionID)
			metrics.ActiveSessions.Inc()
			if err := c.gw.State.UpdateSessionStatus(ctx, res.SessionID, state.SessionRunning, nil); err != nil {
				slog.Warn("mark session running failed", "session_id", res.SessionID, "error", err)
			}
		}
		if res.AgentID != "" {
			if err := c.gw.State.SetAgentStatus(ctx, res.AgentID, state.AgentRunning); err != nil {
				slog.Warn("mark agent running failed", "agent_id", res.AgentID, "error", err)
			}
		}
		metrics.SpawnsTotal.WithLabelValues("success").Inc()
	} else {
		if res.SessionID != "" {
			if err := c.gw.State.UpdateSessionStatus(ctx, res.SessionID, state.SessionFailed, nil); err != nil {
				slog.Warn("mark session failed", "session_id", res.SessionID, "error", err)
			}
		}
		if res.AgentID != "" {
			if err := c.gw.State.SetAgentStatus(ctx, res.AgentID, state.AgentFailed); err != nil {
				slog.Warn("mark agent failed", "agent_id", res.AgentID, "error", err)
			}
		}
		metrics.SpawnsTotal.WithLabelValues("failure").Inc()
		slog.Warn("spawn failed", "relay_id", c.params.relayID,
			"session_id", res.SessionID, "error", res.Error)
	}

	e, err := c.emit(ctx, kind, data)
	if err != nil {
		return err
	}
	if res.RequestID != "" {
		c.gw.Commands.Complete(res.RequestID, e)
	}
	return nil
}

// targetPermissionResponse stamps the owning relay's id onto a human
// permission response so the gateway can route it back to the relay
// holding the pending request. Responses carrying only a request_id are
// resolved through the pending-permission table; a response settles the
// request either way, so its entry is always dropped.
func (c *wsConn) targetPermissionResponse(data json.RawMessage) json.RawMessage {
	var p struct {
		RequestID string `json:"request_id"`
		RelayID   string `json:"relay_id"`
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(data, &p)

	sessionID := p.SessionID
	if c.gw.Permissions != nil && p.RequestID != "" {
		if sessionID == "" {
			if perm, ok := c.gw.Permissions.Get(p.RequestID); ok {
				sessionID = perm.SessionID
			}
		}
		c.gw.Permissions.Remove(p.RequestID)
	}

	if p.RelayID != "" || sessionID == "" {
		return data
	}
	if owner, ok := c.gw.Relays.OwnerOfSession(sessionID); ok {
		return injectRelayID(data, owner)
	}
	return data
}

// injectRelayID stamps the relay's id into the payload so consumers can
// attribute and target events without connection context.
func injectRelayID(data json.RawMessage, relayID string) json.RawMessage {
	m := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return data
		}
	}
	m["relay_id"] = relayID
	out, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return out
}
