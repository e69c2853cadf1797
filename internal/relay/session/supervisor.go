// Package session supervises the relay's agent subprocess: spawn under
// the sandbox policy, one active session at a time, one prompt per
// session, and clean termination.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/relay/bridge"
	"github.com/todoki/todoki/internal/relay/config"
)

// Emitter publishes events toward the server.
type Emitter interface {
	Emit(kind string, payload any)
}

// Supervisor owns at most one agent session for this relay.
type Supervisor struct {
	cfg     *config.Config
	emitter Emitter

	mu     sync.Mutex
	active *session
}

type session struct {
	id      string
	agentID string
	taskID  string
	bridge  *bridge.Bridge
	cmd     *exec.Cmd

	killOnce sync.Once
	kill     chan struct{}
	done     chan struct{}
}

// killNow fires the one-shot kill channel.
func (s *session) killNow() {
	s.killOnce.Do(func() { close(s.kill) })
}

// New creates a supervisor bound to the relay's configuration.
func New(cfg *config.Config, em Emitter) *Supervisor {
	return &Supervisor{cfg: cfg, emitter: em}
}

// ActiveSessionID returns the running session's id, or "".
func (s *Supervisor) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.id
}

// HandleCommand dispatches a server command. Implements the relay
// client's command handler.
func (s *Supervisor) HandleCommand(ctx context.Context, kind string, data json.RawMessage) {
	switch kind {
	case event.RelaySpawnRequested:
		s.handleSpawn(ctx, data)
	case event.RelayInputRequested:
		s.handleInput(ctx, data)
	case event.RelayStopRequested:
		s.handleStop(ctx, data)
	case event.PermissionResponded:
		s.handlePermissionResponse(data)
	default:
		slog.Debug("unhandled command", "kind", kind)
	}
}

type spawnRequest struct {
	RequestID string            `json:"request_id"`
	AgentID   string            `json:"agent_id"`
	SessionID string            `json:"session_id"`
	TaskID    string            `json:"task_id"`
	Workdir   string            `json:"workdir"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	Prompt    string            `json:"prompt"`
}

func (s *Supervisor) handleSpawn(ctx context.Context, data json.RawMessage) {
	var req spawnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("malformed spawn request", "error", err)
		return
	}
	fail := func(msg string) {
		slog.Warn("spawn failed", "session_id", req.SessionID, "error", msg)
		s.emitter.Emit(event.RelaySpawnFailed, map[string]any{
			"request_id": req.RequestID,
			"session_id": req.SessionID,
			"agent_id":   req.AgentID,
			"error":      msg,
		})
	}

	if req.SessionID == "" {
		fail("spawn request without session_id")
		return
	}
	if req.Command == "" {
		req.Command = s.cfg.AgentCmd
	}
	if req.Command == "" {
		fail("no agent command configured")
		return
	}

	workdir, err := ResolveWorkdir(req.Workdir)
	if err != nil {
		fail(err.Error())
		return
	}
	if err := CheckSafePaths(workdir, req.Workdir, s.cfg.SafePaths); err != nil {
		fail(err.Error())
		return
	}
	if err := CheckWorkdir(workdir); err != nil {
		fail(err.Error())
		return
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		fail("relay busy")
		return
	}
	// The bridge is part of the session from the moment it is visible:
	// command handlers that race the handshake find a bridge that
	// rejects calls instead of a nil pointer.
	sess := &session{
		id:      req.SessionID,
		agentID: req.AgentID,
		taskID:  req.TaskID,
		bridge:  bridge.New(req.AgentID, req.SessionID, req.TaskID, s.emitter),
		kill:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.active = sess
	s.mu.Unlock()

	if s.cfg.SetupScript != "" {
		if err := runSetupScript(workdir, req.SessionID, s.cfg.SetupScript, req.Env); err != nil {
			s.clear(sess)
			fail(fmt.Sprintf("setup script: %v", err))
			return
		}
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = workdir
	cmd.Env = mergedEnv(req.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.clear(sess)
		fail(fmt.Sprintf("stdin pipe: %v", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.clear(sess)
		fail(fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.clear(sess)
		fail(fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		s.clear(sess)
		fail(fmt.Sprintf("start agent: %v", err))
		return
	}
	go logStderr(req.SessionID, stderr)

	sess.cmd = cmd
	go s.watch(sess)

	if err := sess.bridge.Start(ctx, workdir, stdin, stdout); err != nil {
		sess.killNow()
		fail(fmt.Sprintf("agent handshake: %v", err))
		return
	}

	s.emitter.Emit(event.RelaySpawnCompleted, map[string]any{
		"request_id": req.RequestID,
		"session_id": req.SessionID,
		"agent_id":   req.AgentID,
	})
	slog.Info("agent session spawned",
		"session_id", req.SessionID, "agent_id", req.AgentID,
		"command", req.Command, "workdir", workdir)

	if req.Prompt != "" {
		go s.runPrompt(ctx, sess, req.Prompt)
	}
}

// runPrompt drives one turn. The subprocess exits after its turn: the
// kill channel fires once the prompt completes.
func (s *Supervisor) runPrompt(ctx context.Context, sess *session, text string) {
	stopReason, err := sess.bridge.Prompt(ctx, text)
	if err != nil {
		slog.Warn("prompt failed", "session_id", sess.id, "error", err)
	} else {
		s.emitter.Emit(event.RelayPromptCompleted, map[string]any{
			"session_id":  sess.id,
			"agent_id":    sess.agentID,
			"stop_reason": stopReason,
		})
	}
	sess.killNow()
}

func (s *Supervisor) handleInput(ctx context.Context, data json.RawMessage) {
	var req struct {
		SessionID string `json:"session_id"`
		Input     string `json:"input"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("malformed input request", "error", err)
		return
	}

	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil || (req.SessionID != "" && sess.id != req.SessionID) {
		slog.Warn("input for unknown session", "session_id", req.SessionID)
		return
	}
	s.runPrompt(ctx, sess, req.Input)
}

func (s *Supervisor) handleStop(ctx context.Context, data json.RawMessage) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("malformed stop request", "error", err)
		return
	}

	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil || (req.SessionID != "" && sess.id != req.SessionID) {
		slog.Debug("stop for unknown session", "session_id", req.SessionID)
		return
	}
	slog.Info("stopping session", "session_id", sess.id)
	// Ask the agent to end its turn first; the kill channel is the hard
	// stop for agents that ignore the cancellation.
	if err := sess.bridge.Cancel(ctx); err != nil {
		slog.Debug("cancel notification failed", "session_id", sess.id, "error", err)
	}
	sess.killNow()
}

func (s *Supervisor) handlePermissionResponse(data json.RawMessage) {
	var resp struct {
		RequestID string `json:"request_id"`
		Outcome   struct {
			Selected  string `json:"selected"`
			Cancelled bool   `json:"cancelled"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("malformed permission response", "error", err)
		return
	}

	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		slog.Warn("permission response with no active session", "request_id", resp.RequestID)
		return
	}
	delivered := sess.bridge.HandlePermissionResponse(resp.RequestID, bridge.Decision{
		Selected:  resp.Outcome.Selected,
		Cancelled: resp.Outcome.Cancelled,
	})
	if !delivered {
		slog.Warn("permission response did not match pending request",
			"request_id", resp.RequestID)
	}
}

// watch waits for the kill signal or natural exit and reports the
// terminal session status.
func (s *Supervisor) watch(sess *session) {
	exited := make(chan error, 1)
	go func() { exited <- sess.cmd.Wait() }()

	var waitErr error
	select {
	case <-sess.kill:
		_ = sess.cmd.Process.Kill()
		waitErr = <-exited
	case waitErr = <-exited:
	}

	code := exitCode(waitErr)
	status := "failed"
	if code == 0 {
		status = "completed"
	}
	s.clear(sess)
	close(sess.done)

	s.emitter.Emit(event.RelaySessionStatus, map[string]any{
		"session_id": sess.id,
		"agent_id":   sess.agentID,
		"status":     status,
		"exit_code":  code,
	})
	slog.Info("agent session ended",
		"session_id", sess.id, "status", status, "exit_code", code)
}

func (s *Supervisor) clear(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == sess {
		s.active = nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func logStderr(sessionID string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		slog.Debug("agent stderr", "session_id", sessionID, "line", sc.Text())
	}
}
