// Package orchestrator triggers subscribed agents for matching events.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/id"
	"github.com/todoki/todoki/internal/server/eventbus"
	"github.com/todoki/todoki/internal/server/state"
)

// Orchestrator watches the live event stream and issues spawn commands
// for agents whose subscriptions match. Correctness does not depend on
// seeing every broadcast: the per-agent last_cursor is the idempotence
// guard, and it is advanced before any spawn is emitted.
type Orchestrator struct {
	Bus   *eventbus.Bus
	State *state.Store
}

// Run consumes the live stream until ctx is cancelled or the bus closes.
func (o *Orchestrator) Run(ctx context.Context) {
	sub := o.Bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			if d.Lagged > 0 {
				slog.Warn("orchestrator lagged behind event broadcast", "missed", d.Lagged)
			}
			if err := o.handle(ctx, d.Event); err != nil {
				slog.Error("orchestrator event handling failed",
					"kind", d.Event.Kind, "cursor", d.Event.Cursor, "error", err)
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, e *event.Event) error {
	agents, err := o.State.ListTriggerableAgents(ctx, e.Cursor)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		if !event.MatchAny(agent.Subscriptions, e.Kind) {
			continue
		}
		// Claim the event before spawning. A crash after the claim
		// loses at most one trigger; it never duplicates one.
		claimed, err := o.State.AdvanceAgentCursor(ctx, agent.ID, e.Cursor)
		if err != nil {
			return fmt.Errorf("advance cursor for agent %s: %w", agent.ID, err)
		}
		if !claimed {
			continue
		}
		if err := o.spawn(ctx, agent, e); err != nil {
			slog.Error("spawn request failed", "agent_id", agent.ID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) spawn(ctx context.Context, agent *state.Agent, trigger *event.Event) error {
	sessionID := uuid.NewString()

	env := make(map[string]string, len(agent.Env)+4)
	for k, v := range agent.Env {
		env[k] = v
	}
	env["TRIGGER_EVENT_KIND"] = trigger.Kind
	env["TRIGGER_EVENT_CURSOR"] = strconv.FormatInt(trigger.Cursor, 10)
	if len(trigger.Data) > 0 {
		env["TRIGGER_EVENT_DATA"] = string(trigger.Data)
	}
	taskID := trigger.TaskID
	if taskID == "" {
		taskID = agent.TaskID
	}
	if taskID != "" {
		env["TASK_ID"] = taskID
	}

	data, err := json.Marshal(map[string]any{
		"request_id": id.Generate(),
		"agent_id":   agent.ID,
		"session_id": sessionID,
		"relay_id":   agent.RelayID,
		"workdir":    agent.Workdir,
		"command":    agent.Command,
		"args":       agent.Args,
		"env":        env,
		"prompt":     agent.Prompt,
	})
	if err != nil {
		return fmt.Errorf("marshal spawn request: %w", err)
	}

	if err := o.State.CreateSession(ctx, &state.Session{
		ID:      sessionID,
		AgentID: agent.ID,
		TaskID:  taskID,
		RelayID: agent.RelayID,
	}); err != nil {
		return err
	}

	_, err = o.Bus.Emit(ctx, &event.Event{
		Kind:      event.RelaySpawnRequested,
		AgentID:   agent.ID,
		SessionID: sessionID,
		TaskID:    taskID,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("emit spawn request: %w", err)
	}

	slog.Info("agent triggered",
		"agent_id", agent.ID, "relay_id", agent.RelayID,
		"trigger_kind", trigger.Kind, "trigger_cursor", trigger.Cursor,
		"session_id", sessionID)
	return nil
}
