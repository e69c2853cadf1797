package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/server/db"
	"github.com/todoki/todoki/internal/server/eventbus"
	"github.com/todoki/todoki/internal/server/eventstore"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	bus := eventbus.New(eventstore.New(sqlDB))
	t.Cleanup(bus.Close)
	return bus
}

func TestEmit_PersistsAndBroadcasts(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub := bus.Subscribe()
	defer sub.Close()

	cursor, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)
	require.Positive(t, cursor)

	select {
	case d := <-sub.C():
		require.Equal(t, event.TaskCreated, d.Event.Kind)
		require.Equal(t, cursor, d.Event.Cursor)
		require.Zero(t, d.Lagged)
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}

	// The event is durable independent of broadcast.
	got, err := bus.Poll(ctx, eventstore.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestEmit_DoesNotEchoToLateSubscribers(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer sub.Close()

	select {
	case d := <-sub.C():
		t.Fatalf("unexpected delivery: %v", d.Event.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriber_GetsLagCount(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub := bus.Subscribe()
	defer sub.Close()

	// Fill the buffer without draining, then overflow by two.
	for i := 0; i < 1024+2; i++ {
		_, err := bus.Emit(ctx, &event.Event{Kind: event.RelayAgentOutput})
		require.NoError(t, err)
	}

	// Drain the full buffer; none of these lagged.
	for i := 0; i < 1024; i++ {
		d := <-sub.C()
		require.Zero(t, d.Lagged)
	}

	// The next delivery carries the miss count.
	_, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)
	d := <-sub.C()
	require.EqualValues(t, 2, d.Lagged)

	// And the counter resets afterwards.
	_, err = bus.Emit(ctx, &event.Event{Kind: event.TaskCompleted})
	require.NoError(t, err)
	d = <-sub.C()
	require.Zero(t, d.Lagged)
}

func TestPoll_WildcardPatterns(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)
	_, err = bus.Emit(ctx, &event.Event{Kind: event.AgentStarted})
	require.NoError(t, err)
	_, err = bus.Emit(ctx, &event.Event{Kind: event.TaskCompleted})
	require.NoError(t, err)

	got, err := bus.Poll(ctx, eventstore.Query{Kinds: []string{"task.*"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		require.Contains(t, e.Kind, "task.")
	}

	got, err = bus.Poll(ctx, eventstore.Query{Kinds: []string{"*"}})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Exact kinds take the SQL path.
	got, err = bus.Poll(ctx, eventstore.Query{Kinds: []string{event.AgentStarted}})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSubscriptionClose_IsIdempotent(t *testing.T) {
	bus := newTestBus(t)

	sub := bus.Subscribe()
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	require.False(t, ok)
}

func TestBusClose_ClosesSubscribers(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe()

	bus.Close()

	_, ok := <-sub.C()
	require.False(t, ok)

	// Subscribing after close yields an already-closed channel.
	late := bus.Subscribe()
	_, ok = <-late.C()
	require.False(t, ok)
}
