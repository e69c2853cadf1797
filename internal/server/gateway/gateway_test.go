package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/server/auth"
	"github.com/todoki/todoki/internal/server/db"
	"github.com/todoki/todoki/internal/server/eventbus"
	"github.com/todoki/todoki/internal/server/eventstore"
	"github.com/todoki/todoki/internal/server/gateway"
	"github.com/todoki/todoki/internal/server/relaymgr"
	"github.com/todoki/todoki/internal/server/state"
	"github.com/todoki/todoki/internal/server/stream"
)

const (
	userToken  = "user-secret"
	relayToken = "relay-secret"
)

type testEnv struct {
	srv         *httptest.Server
	bus         *eventbus.Bus
	state       *state.Store
	relays      *relaymgr.Manager
	permissions *relaymgr.PendingPermissions
	streams     *stream.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	bus := eventbus.New(eventstore.New(sqlDB))
	t.Cleanup(bus.Close)
	st := state.NewStore(sqlDB)
	relays := relaymgr.New()

	streams := stream.NewStore(sqlDB)
	permissions := relaymgr.NewPendingPermissions()
	gw := &gateway.Gateway{
		Bus:         bus,
		State:       st,
		Relays:      relays,
		Commands:    relaymgr.NewPendingCommands(),
		Permissions: permissions,
		Streams:     streams,
		StreamHub:   stream.NewHub(),
		Auth:        auth.New(userToken, relayToken),
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, bus: bus, state: st, relays: relays, permissions: permissions, streams: streams}
}

type frame map[string]any

func readFrameOfType(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) frame {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %q frame", want)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		switch f["type"] {
		case want:
			return f
		case "ping":
			// Answer keep-alives encountered while waiting.
			require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`)))
		default:
			t.Fatalf("unexpected frame %v while waiting for %q", f["type"], want)
		}
	}
}

func dial(t *testing.T, ctx context.Context, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, env.srv.URL+"/ws/events?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func emitFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, kind string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "emit_event", "kind": kind, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

func registerRelay(t *testing.T, ctx context.Context, env *testEnv, relayID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, ctx, env, "token="+relayToken+"&relay_id="+relayID)
	readFrameOfType(t, ctx, conn, "subscribed")
	emitFrame(t, ctx, conn, event.RelayUp, map[string]any{
		"relay_id": relayID, "name": "box-" + relayID, "role": "coding",
	})
	reg := readFrameOfType(t, ctx, conn, "registered")
	require.Equal(t, relayID, reg["relay_id"])
	return conn
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, env.srv.URL+"/ws/events?token=wrong", nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 401, resp.StatusCode)
	}

	// Relay mode needs the relay token.
	_, resp, err = websocket.Dial(ctx, env.srv.URL+"/ws/events?token="+userToken+"&relay_id=r1", nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 403, resp.StatusCode)
	}
}

func TestClient_ReplayThenLive(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Three events exist before the client connects.
	var cursors []int64
	for i := 0; i < 3; i++ {
		c, err := env.bus.Emit(ctx, &event.Event{Kind: event.TaskCreated, Data: []byte(fmt.Sprintf(`{"n":%d}`, i))})
		require.NoError(t, err)
		cursors = append(cursors, c)
	}

	// Reconnect from after the first event.
	conn := dial(t, ctx, env, fmt.Sprintf("token=%s&cursor=%d", userToken, cursors[0]))

	sub := readFrameOfType(t, ctx, conn, "subscribed")
	require.EqualValues(t, cursors[0], sub["cursor"])

	f := readFrameOfType(t, ctx, conn, "event")
	require.EqualValues(t, cursors[1], f["cursor"])
	f = readFrameOfType(t, ctx, conn, "event")
	require.EqualValues(t, cursors[2], f["cursor"])

	done := readFrameOfType(t, ctx, conn, "replay_complete")
	require.EqualValues(t, cursors[2], done["cursor"])
	require.EqualValues(t, 2, done["count"])

	// Live events follow.
	c4, err := env.bus.Emit(ctx, &event.Event{Kind: event.TaskCompleted})
	require.NoError(t, err)
	f = readFrameOfType(t, ctx, conn, "event")
	require.EqualValues(t, c4, f["cursor"])
	require.Equal(t, event.TaskCompleted, f["kind"])
}

func TestClient_KindFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, env, "token="+userToken+"&kinds=task.*")
	readFrameOfType(t, ctx, conn, "subscribed")

	_, err := env.bus.Emit(ctx, &event.Event{Kind: event.AgentStarted})
	require.NoError(t, err)
	c2, err := env.bus.Emit(ctx, &event.Event{Kind: event.TaskCreated})
	require.NoError(t, err)

	f := readFrameOfType(t, ctx, conn, "event")
	require.EqualValues(t, c2, f["cursor"])
	require.Equal(t, event.TaskCreated, f["kind"])
}

func TestRelay_RegisterAndIngest(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := registerRelay(t, ctx, env, "r1")

	require.True(t, env.relays.IsOnline("r1"))
	info, ok := env.relays.Info("r1")
	require.True(t, ok)
	require.Equal(t, "coding", info.Role)

	// relay.up and system.relay_connected landed on the bus with the
	// relay id injected.
	require.Eventually(t, func() bool {
		events, err := env.bus.Poll(ctx, eventstore.Query{Kinds: []string{event.RelayUp}})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A generic event from the relay is forwarded verbatim with
	// relay_id injected.
	emitFrame(t, ctx, conn, event.RelayPromptCompleted, map[string]any{"session_id": "s1"})
	require.Eventually(t, func() bool {
		events, err := env.bus.Poll(ctx, eventstore.Query{Kinds: []string{event.RelayPromptCompleted}})
		if err != nil || len(events) != 1 {
			return false
		}
		return events[0].DataMap()["relay_id"] == "r1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_EmitBeforeRegisterRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, env, "token="+relayToken+"&relay_id=r1")
	readFrameOfType(t, ctx, conn, "subscribed")

	emitFrame(t, ctx, conn, event.RelayPromptCompleted, map[string]any{"session_id": "s1"})
	f := readFrameOfType(t, ctx, conn, "error")
	require.Contains(t, f["message"], "not registered")
}

func TestRelay_CommandTargetingAndNoEcho(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := registerRelay(t, ctx, env, "r1")

	// Command for another relay: not delivered.
	_, err := env.bus.Emit(ctx, &event.Event{
		Kind: event.RelaySpawnRequested,
		Data: []byte(`{"relay_id":"other","request_id":"x"}`),
	})
	require.NoError(t, err)

	// Command for this relay: delivered even though the relay
	// subscribed with no kinds filter.
	c2, err := env.bus.Emit(ctx, &event.Event{
		Kind: event.RelaySpawnRequested,
		Data: []byte(`{"relay_id":"r1","request_id":"req-1"}`),
	})
	require.NoError(t, err)

	f := readFrameOfType(t, ctx, conn, "event")
	require.EqualValues(t, c2, f["cursor"])

	// The relay's own emissions are not echoed back: emit one event,
	// then send a second command and verify it is the next frame.
	emitFrame(t, ctx, conn, event.RelayPromptCompleted, map[string]any{"session_id": "s1"})
	require.Eventually(t, func() bool {
		events, err := env.bus.Poll(ctx, eventstore.Query{Kinds: []string{event.RelayPromptCompleted}})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c4, err := env.bus.Emit(ctx, &event.Event{
		Kind: event.RelayStopRequested,
		Data: []byte(`{"relay_id":"r1","session_id":"s1"}`),
	})
	require.NoError(t, err)
	f = readFrameOfType(t, ctx, conn, "event")
	require.EqualValues(t, c4, f["cursor"])
}

func TestClient_PermissionResponseRoutedByRequestID(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relayConn := registerRelay(t, ctx, env, "r1")
	env.relays.AddSession("r1", "s1")
	env.permissions.Add("req-1", relaymgr.PendingPermission{SessionID: "s1", AgentID: "a1"})

	client := dial(t, ctx, env, "token="+userToken)
	readFrameOfType(t, ctx, client, "subscribed")

	// Human decision identified only by request_id: the gateway looks up
	// the owning session and stamps the relay id before publishing.
	emitFrame(t, ctx, client, event.PermissionResponded, map[string]any{
		"request_id": "req-1",
		"outcome":    map[string]any{"selected": "allow_once"},
	})

	f := readFrameOfType(t, ctx, relayConn, "event")
	require.Equal(t, event.PermissionResponded, f["kind"])
	data := f["data"].(map[string]any)
	require.Equal(t, "r1", data["relay_id"])
	require.Equal(t, "req-1", data["request_id"])

	// The response settled the request; its pending entry is gone.
	_, ok := env.permissions.Get("req-1")
	require.False(t, ok)
}

func TestRelay_SpawnResultAndSessionStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, env.state.CreateAgent(ctx, &state.Agent{ID: "a1", RelayID: "r1"}))
	require.NoError(t, env.state.CreateSession(ctx, &state.Session{
		ID: "s1", AgentID: "a1", RelayID: "r1",
	}))

	conn := registerRelay(t, ctx, env, "r1")

	emitFrame(t, ctx, conn, event.RelaySpawnCompleted, map[string]any{
		"request_id": "req-1", "session_id": "s1", "agent_id": "a1",
	})
	require.Eventually(t, func() bool {
		sess, err := env.state.GetSession(ctx, "s1")
		return err == nil && sess.Status == state.SessionRunning
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, env.relays.Sessions("r1"), "s1")

	agent, err := env.state.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, state.AgentRunning, agent.Status)

	// Terminal status clears the active set and completes the agent.
	emitFrame(t, ctx, conn, event.RelaySessionStatus, map[string]any{
		"session_id": "s1", "agent_id": "a1", "status": "exited", "exit_code": 0,
	})
	require.Eventually(t, func() bool {
		sess, err := env.state.GetSession(ctx, "s1")
		return err == nil && sess.Status == state.SessionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, env.relays.Sessions("r1"))

	agent, err = env.state.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, state.AgentCompleted, agent.Status)
}

func TestRelay_DisconnectFailsSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, env.state.CreateAgent(ctx, &state.Agent{ID: "a1", RelayID: "r1"}))
	require.NoError(t, env.state.CreateSession(ctx, &state.Session{
		ID: "s1", AgentID: "a1", RelayID: "r1", Status: state.SessionRunning,
	}))

	conn := registerRelay(t, ctx, env, "r1")
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	require.Eventually(t, func() bool {
		return !env.relays.IsOnline("r1")
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sess, err := env.state.GetSession(ctx, "s1")
		return err == nil && sess.Status == state.SessionFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		events, err := env.bus.Poll(ctx, eventstore.Query{Kinds: []string{event.RelayDown}})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	agent, err := env.state.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, state.AgentFailed, agent.Status)
}

func TestRelay_AgentOutputPersisted(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := registerRelay(t, ctx, env, "r1")
	emitFrame(t, ctx, conn, event.RelayAgentOutput, map[string]any{
		"agent_id": "a1", "session_id": "s1", "stream": "assistant", "seq": 1,
	})

	require.Eventually(t, func() bool {
		events, err := env.bus.Poll(ctx, eventstore.Query{Kinds: []string{event.RelayAgentOutput}})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	lines, err := env.streams.ListAfter(ctx, "a1", 0, 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "assistant", lines[0].Stream)
	require.Equal(t, "s1", lines[0].SessionID)
}
