package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/todoki/todoki/internal/server/db"
	"github.com/todoki/todoki/internal/server/stream"
)

func newTestStore(t *testing.T) *stream.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return stream.NewStore(sqlDB)
}

func TestStore_InsertAndListAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Insert(ctx, &stream.Line{
		AgentID: "a1", SessionID: "s1", Stream: "assistant",
		Data: json.RawMessage(`{"text":"hello"}`),
	})
	require.NoError(t, err)

	id2, err := s.Insert(ctx, &stream.Line{AgentID: "a1", Stream: "tool_use"})
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	_, err = s.Insert(ctx, &stream.Line{AgentID: "other"})
	require.NoError(t, err)

	lines, err := s.ListAfter(ctx, "a1", 0, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "assistant", lines[0].Stream)
	require.JSONEq(t, `{"text":"hello"}`, string(lines[0].Data))

	lines, err = s.ListAfter(ctx, "a1", id1, 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, id2, lines[0].ID)
}

func TestHub_PublishToWatchers(t *testing.T) {
	h := stream.NewHub()

	ch, cancel := h.Watch("a1")
	defer cancel()

	other, cancelOther := h.Watch("a2")
	defer cancelOther()

	h.Publish(&stream.Line{ID: 1, AgentID: "a1"})

	select {
	case l := <-ch:
		require.EqualValues(t, 1, l.ID)
	case <-time.After(time.Second):
		t.Fatal("no line delivered")
	}

	select {
	case <-other:
		t.Fatal("line delivered to wrong agent's watcher")
	default:
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := stream.NewHub()

	ch, cancel := h.Watch("a1")
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after cancel does not panic.
	h.Publish(&stream.Line{ID: 2, AgentID: "a1"})
}
