package stream_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/todoki/todoki/internal/server/auth"
	"github.com/todoki/todoki/internal/server/db"
	"github.com/todoki/todoki/internal/server/stream"
)

type wsFrame struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	LastID int64           `json:"last_id"`
	Data   json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) wsFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f wsFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHandler_HistoryThenLive(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	store := stream.NewStore(sqlDB)
	hub := stream.NewHub()

	inputs := make(chan string, 1)
	h := &stream.Handler{
		Store: store,
		Hub:   hub,
		Auth:  auth.New("user-secret", "relay-secret"),
		SendInput: func(_ context.Context, agentID, input string) error {
			inputs <- agentID + ":" + input
			return nil
		},
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Two stored lines before the client connects.
	_, err = store.Insert(ctx, &stream.Line{AgentID: "a1", Stream: "assistant"})
	require.NoError(t, err)
	id2, err := store.Insert(ctx, &stream.Line{AgentID: "a1", Stream: "tool_use"})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, srv.URL+"/ws/agent-stream/a1?token=user-secret", nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	f := readFrame(t, ctx, conn)
	require.Equal(t, "history_event", f.Type)
	f = readFrame(t, ctx, conn)
	require.Equal(t, "history_event", f.Type)
	require.Equal(t, id2, f.ID)

	f = readFrame(t, ctx, conn)
	require.Equal(t, "history_end", f.Type)
	require.Equal(t, id2, f.LastID)

	// A new line arrives live.
	live := &stream.Line{AgentID: "a1", Stream: "assistant"}
	_, err = store.Insert(ctx, live)
	require.NoError(t, err)
	hub.Publish(live)

	f = readFrame(t, ctx, conn)
	require.Equal(t, "live_event", f.Type)
	require.Equal(t, live.ID, f.ID)

	// Replays of already-delivered ids are suppressed.
	hub.Publish(live)

	next := &stream.Line{AgentID: "a1", Stream: "system"}
	_, err = store.Insert(ctx, next)
	require.NoError(t, err)
	hub.Publish(next)

	f = readFrame(t, ctx, conn)
	require.Equal(t, "live_event", f.Type)
	require.Equal(t, next.ID, f.ID)

	// Client-submitted input reaches the callback.
	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"send_input","input":"continue"}`)))
	select {
	case got := <-inputs:
		require.Equal(t, "a1:continue", got)
	case <-time.After(time.Second):
		t.Fatal("send_input not forwarded")
	}
}

func TestHandler_RejectsBadAuth(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	h := &stream.Handler{
		Store: stream.NewStore(sqlDB),
		Hub:   stream.NewHub(),
		Auth:  auth.New("user-secret", ""),
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, srv.URL+"/ws/agent-stream/a1?token=wrong", nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 401, resp.StatusCode)
	}
}

func TestHandler_AfterIDSkipsHistory(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	store := stream.NewStore(sqlDB)
	h := &stream.Handler{
		Store: store,
		Hub:   stream.NewHub(),
		Auth:  auth.New("user-secret", ""),
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, err := store.Insert(ctx, &stream.Line{AgentID: "a1"})
	require.NoError(t, err)
	id2, err := store.Insert(ctx, &stream.Line{AgentID: "a1"})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx,
		srv.URL+"/ws/agent-stream/a1?token=user-secret&after_id="+strconv.FormatInt(id1, 10), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	f := readFrame(t, ctx, conn)
	require.Equal(t, "history_event", f.Type)
	require.Equal(t, id2, f.ID)

	f = readFrame(t, ctx, conn)
	require.Equal(t, "history_end", f.Type)
	require.Equal(t, id2, f.LastID)
}
