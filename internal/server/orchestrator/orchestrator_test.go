package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/server/db"
	"github.com/todoki/todoki/internal/server/eventbus"
	"github.com/todoki/todoki/internal/server/eventstore"
	"github.com/todoki/todoki/internal/server/state"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *eventbus.Bus, *state.Store) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	bus := eventbus.New(eventstore.New(sqlDB))
	t.Cleanup(bus.Close)
	st := state.NewStore(sqlDB)

	return &Orchestrator{Bus: bus, State: st}, bus, st
}

func pollSpawns(t *testing.T, bus *eventbus.Bus) []*event.Event {
	t.Helper()
	events, err := bus.Poll(context.Background(), eventstore.Query{
		Kinds: []string{event.RelaySpawnRequested},
	})
	require.NoError(t, err)
	return events
}

func TestHandle_TriggersMatchingAgent(t *testing.T) {
	o, bus, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateAgent(ctx, &state.Agent{
		ID:            "a1",
		RelayID:       "r1",
		Workdir:       "/home/u/work",
		Command:       "claude-agent",
		Args:          []string{"--acp"},
		Subscriptions: []string{"task.created"},
		AutoTrigger:   true,
	}))

	cursor, err := bus.Emit(ctx, &event.Event{
		Kind:   event.TaskCreated,
		TaskID: "t1",
		Data:   []byte(`{"goal":"ship it"}`),
	})
	require.NoError(t, err)

	trigger, err := bus.Poll(ctx, eventstore.Query{From: cursor - 1})
	require.NoError(t, err)
	require.NoError(t, o.handle(ctx, trigger[0]))

	spawns := pollSpawns(t, bus)
	require.Len(t, spawns, 1)

	data := spawns[0].DataMap()
	require.Equal(t, "a1", data["agent_id"])
	require.Equal(t, "r1", data["relay_id"])
	require.NotEmpty(t, data["request_id"])
	require.NotEmpty(t, data["session_id"])

	env := data["env"].(map[string]any)
	require.Equal(t, event.TaskCreated, env["TRIGGER_EVENT_KIND"])
	require.Equal(t, "1", env["TRIGGER_EVENT_CURSOR"])
	require.JSONEq(t, `{"goal":"ship it"}`, env["TRIGGER_EVENT_DATA"].(string))
	require.Equal(t, "t1", env["TASK_ID"])

	// The agent's cursor advanced and a session record exists.
	agent, err := st.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, cursor, agent.LastCursor)

	sess, err := st.GetSession(ctx, data["session_id"].(string))
	require.NoError(t, err)
	require.Equal(t, "a1", sess.AgentID)
	require.Equal(t, "r1", sess.RelayID)
}

func TestHandle_AtMostOncePerEvent(t *testing.T) {
	o, bus, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateAgent(ctx, &state.Agent{
		ID: "a1", RelayID: "r1", Subscriptions: []string{"*"}, AutoTrigger: true,
	}))

	cursor, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)
	trigger, err := bus.Poll(ctx, eventstore.Query{From: cursor - 1})
	require.NoError(t, err)

	// Handling the same event twice (e.g. restart replay) spawns once.
	require.NoError(t, o.handle(ctx, trigger[0]))
	require.NoError(t, o.handle(ctx, trigger[0]))

	require.Len(t, pollSpawns(t, bus), 1)
}

func TestHandle_WildcardMatchesOnlyOnce(t *testing.T) {
	o, bus, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateAgent(ctx, &state.Agent{
		ID: "b1", RelayID: "r1", Subscriptions: []string{"agent.*"}, AutoTrigger: true,
	}))

	c1, err := bus.Emit(ctx, &event.Event{Kind: event.AgentRequirementAnalyzed})
	require.NoError(t, err)
	c2, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)

	events, err := bus.Poll(ctx, eventstore.Query{From: c1 - 1, To: c2})
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, o.handle(ctx, e))
	}

	spawns := pollSpawns(t, bus)
	require.Len(t, spawns, 1)
	env := spawns[0].DataMap()["env"].(map[string]any)
	require.Equal(t, event.AgentRequirementAnalyzed, env["TRIGGER_EVENT_KIND"])
}

func TestHandle_SkipsNonMatchingAndIneligible(t *testing.T) {
	o, bus, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateAgent(ctx, &state.Agent{
		ID: "nomatch", Subscriptions: []string{"permission.*"}, AutoTrigger: true,
	}))
	require.NoError(t, st.CreateAgent(ctx, &state.Agent{
		ID: "manual", Subscriptions: []string{"*"}, AutoTrigger: false,
	}))
	running := &state.Agent{ID: "running", Subscriptions: []string{"*"}, AutoTrigger: true}
	require.NoError(t, st.CreateAgent(ctx, running))
	require.NoError(t, st.SetAgentStatus(ctx, "running", state.AgentRunning))

	cursor, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)
	trigger, err := bus.Poll(ctx, eventstore.Query{From: cursor - 1})
	require.NoError(t, err)
	require.NoError(t, o.handle(ctx, trigger[0]))

	require.Empty(t, pollSpawns(t, bus))
}

func TestRun_ConsumesLiveStream(t *testing.T) {
	o, bus, st := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.CreateAgent(ctx, &state.Agent{
		ID: "a1", RelayID: "r1", Subscriptions: []string{"task.created"}, AutoTrigger: true,
	}))

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	// Give the subscriber a moment to attach, then emit.
	time.Sleep(20 * time.Millisecond)
	_, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(pollSpawns(t, bus)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop on cancel")
	}
}
