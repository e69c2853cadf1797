package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/metrics"
	"github.com/todoki/todoki/internal/server/eventbus"
	"github.com/todoki/todoki/internal/server/relaymgr"
	"github.com/todoki/todoki/internal/server/state"
)

// Reviewer handles relay.permission_request events: it persists the
// request for human visibility, then (when a judge is configured)
// auto-decides and publishes the outcome.
type Reviewer struct {
	Bus     *eventbus.Bus
	State   *state.Store
	Pending *relaymgr.PendingPermissions
	// Relays resolves the relay that owns a session so responses can be
	// targeted back to it. May be nil in tests.
	Relays *relaymgr.Manager
	// Judge is nil when auto-review is disabled.
	Judge JudgeClient
}

// JudgeClient is the decision backend. *Judge implements it; tests use
// a fake.
type JudgeClient interface {
	Review(ctx context.Context, rc Context) (*Decision, error)
}

// request mirrors the relay.permission_request payload.
type request struct {
	RequestID  string          `json:"request_id"`
	AgentID    string          `json:"agent_id"`
	SessionID  string          `json:"session_id"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Options    []Option        `json:"options"`
	ToolCall   json.RawMessage `json:"tool_call,omitempty"`
}

// Handle processes one permission request event. It always records the
// pending mapping and persists a permission.requested event before any
// judging, so a human reviewer can act whenever the judge declines to.
func (r *Reviewer) Handle(ctx context.Context, e *event.Event) error {
	var req request
	if err := json.Unmarshal(e.Data, &req); err != nil {
		return fmt.Errorf("parse permission request: %w", err)
	}
	if req.RequestID == "" {
		return fmt.Errorf("permission request without request_id")
	}

	r.Pending.Add(req.RequestID, relaymgr.PendingPermission{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
	})

	if _, err := r.Bus.Emit(ctx, &event.Event{
		Kind:      event.PermissionRequested,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		TaskID:    e.TaskID,
		Data:      e.Data,
	}); err != nil {
		return fmt.Errorf("persist permission request: %w", err)
	}

	if r.Judge == nil {
		return nil
	}

	decision := r.judge(ctx, e, &req)
	metrics.JudgeDecisionsTotal.WithLabelValues(decision).Inc()

	switch decision {
	case DecisionApprove:
		selected := allowOption(req.Options)
		return r.respond(ctx, e, &req, map[string]any{"selected": selected})
	case DecisionReject:
		return r.respond(ctx, e, &req, map[string]any{"cancelled": true})
	default:
		// Manual: the pending mapping stays; humans decide via the bus.
		return nil
	}
}

func (r *Reviewer) judge(ctx context.Context, e *event.Event, req *request) string {
	rc := Context{
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		ToolCall:  req.ToolCall,
		Options:   req.Options,
	}

	if agent, err := r.State.GetAgent(ctx, req.AgentID); err == nil {
		rc.Workdir = agent.Workdir
		if agent.TaskID != "" {
			if task, err := r.State.GetTask(ctx, agent.TaskID); err == nil {
				rc.TaskGoal = task.Goal
			}
		}
	} else if !errors.Is(err, state.ErrNotFound) {
		slog.Warn("permission review: agent lookup failed", "agent_id", req.AgentID, "error", err)
	}

	d, err := r.Judge.Review(ctx, rc)
	if err != nil {
		slog.Warn("permission review: judge unavailable, deferring to human",
			"request_id", req.RequestID, "error", err)
		return DecisionManual
	}
	slog.Info("permission review decision",
		"request_id", req.RequestID, "decision", d.Decision,
		"risk_level", d.RiskLevel, "reason", d.Reason)
	return d.Decision
}

func (r *Reviewer) respond(ctx context.Context, e *event.Event, req *request, outcome map[string]any) error {
	payload := map[string]any{
		"request_id": req.RequestID,
		"session_id": req.SessionID,
		"outcome":    outcome,
	}
	if r.Relays != nil {
		if owner, ok := r.Relays.OwnerOfSession(req.SessionID); ok {
			payload["relay_id"] = owner
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal permission response: %w", err)
	}
	if _, err := r.Bus.Emit(ctx, &event.Event{
		Kind:      event.PermissionResponded,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		TaskID:    e.TaskID,
		Data:      data,
	}); err != nil {
		return fmt.Errorf("emit permission response: %w", err)
	}
	r.Pending.Remove(req.RequestID)
	return nil
}

// allowOption picks the option id the agent should take for an
// approval: the first allow-family id, else the first option.
func allowOption(options []Option) string {
	for _, o := range options {
		id := strings.ToLower(o.ID)
		if strings.Contains(id, "allow") || strings.Contains(id, "approve") || strings.Contains(id, "yes") {
			return o.ID
		}
	}
	if len(options) > 0 {
		return options[0].ID
	}
	return ""
}
