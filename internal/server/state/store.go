package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists state records in the shared SQLite database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- tasks ---

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskCreated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, goal, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Goal, t.Status, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var (
		t                    Task
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, goal, status, created_at, updated_at FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Goal, &t.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// --- agents ---

func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = AgentCreated
	}
	args, err := json.Marshal(orEmptySlice(a.Args))
	if err != nil {
		return fmt.Errorf("create agent: marshal args: %w", err)
	}
	env, err := json.Marshal(orEmptyMap(a.Env))
	if err != nil {
		return fmt.Errorf("create agent: marshal env: %w", err)
	}
	subs, err := json.Marshal(orEmptySlice(a.Subscriptions))
	if err != nil {
		return fmt.Errorf("create agent: marshal subscriptions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, task_id, relay_id, workdir, command, args, env,
		                     prompt, subscriptions, auto_trigger, last_cursor, status,
		                     created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.TaskID, a.RelayID, a.Workdir, a.Command, string(args), string(env),
		a.Prompt, string(subs), boolToInt(a.AutoTrigger), a.LastCursor, a.Status,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	rows, err := s.db.QueryContext(ctx, agentSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get agent: %w", err)
		}
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return scanAgent(rows)
}

// ListTriggerableAgents returns agents eligible for orchestration:
// auto-trigger enabled, still in created state, and not yet past the
// given cursor. Pattern matching against the event kind happens in the
// orchestrator.
func (s *Store) ListTriggerableAgents(ctx context.Context, cursor int64) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		agentSelect+` WHERE auto_trigger = 1 AND status = ? AND last_cursor < ?`,
		AgentCreated, cursor)
	if err != nil {
		return nil, fmt.Errorf("list triggerable agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list triggerable agents: %w", err)
	}
	return out, nil
}

// AdvanceAgentCursor moves the agent's acknowledged cursor forward,
// but only if it has not already reached the target. Returns false when
// another pass (or an earlier run) already claimed the event.
func (s *Store) AdvanceAgentCursor(ctx context.Context, id string, cursor int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_cursor = ?, updated_at = ?
		 WHERE id = ? AND last_cursor < ?`,
		cursor, fmtTime(time.Now().UTC()), id, cursor)
	if err != nil {
		return false, fmt.Errorf("advance agent cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance agent cursor: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SetAgentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

const agentSelect = `SELECT id, name, task_id, relay_id, workdir, command, args, env,
	prompt, subscriptions, auto_trigger, last_cursor, status, created_at, updated_at
	FROM agents`

func scanAgent(rows *sql.Rows) (*Agent, error) {
	var (
		a                    Agent
		args, env, subs      string
		autoTrigger          int
		createdAt, updatedAt string
	)
	err := rows.Scan(&a.ID, &a.Name, &a.TaskID, &a.RelayID, &a.Workdir, &a.Command,
		&args, &env, &a.Prompt, &subs, &autoTrigger, &a.LastCursor, &a.Status,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if err := json.Unmarshal([]byte(args), &a.Args); err != nil {
		return nil, fmt.Errorf("scan agent args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &a.Env); err != nil {
		return nil, fmt.Errorf("scan agent env: %w", err)
	}
	if err := json.Unmarshal([]byte(subs), &a.Subscriptions); err != nil {
		return nil, fmt.Errorf("scan agent subscriptions: %w", err)
	}
	a.AutoTrigger = autoTrigger != 0
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = SessionStarting
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, task_id, relay_id, status, exit_code, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentID, sess.TaskID, sess.RelayID, sess.Status,
		sess.ExitCode, fmtTime(sess.StartedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess      Session
		startedAt string
		endedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, task_id, relay_id, status, exit_code, started_at, ended_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.AgentID, &sess.TaskID, &sess.RelayID, &sess.Status,
			&sess.ExitCode, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// ActiveSessionForAgent returns the agent's most recent non-terminal
// session, used to route user input to the relay driving it.
func (s *Store) ActiveSessionForAgent(ctx context.Context, agentID string) (*Session, error) {
	var (
		sess      Session
		startedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, task_id, relay_id, status, exit_code, started_at
		 FROM sessions
		 WHERE agent_id = ? AND status IN (?, ?)
		 ORDER BY started_at DESC LIMIT 1`,
		agentID, SessionStarting, SessionRunning).
		Scan(&sess.ID, &sess.AgentID, &sess.TaskID, &sess.RelayID, &sess.Status,
			&sess.ExitCode, &startedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no active session for agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("active session for agent: %w", err)
	}
	sess.StartedAt = parseTime(startedAt)
	return &sess, nil
}

// UpdateSessionStatus records a relay-reported status transition,
// normalizing "exited" and stamping the end time on terminal states.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, exitCode *int64) error {
	status = NormalizeSessionStatus(status, exitCode)

	var endedAt any
	if TerminalSessionStatus(status) {
		endedAt = fmtTime(time.Now().UTC())
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, exit_code = ?, ended_at = COALESCE(?, ended_at)
		 WHERE id = ?`,
		status, exitCode, endedAt, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// FailRelaySessions marks every non-terminal session on a relay as
// failed, along with the owning agents, and returns the failed session
// ids. Used when a relay disconnects.
func (s *Store) FailRelaySessions(ctx context.Context, relayID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id FROM sessions
		 WHERE relay_id = ? AND status IN (?, ?)`,
		relayID, SessionStarting, SessionRunning)
	if err != nil {
		return nil, fmt.Errorf("fail relay sessions: %w", err)
	}
	var sessionIDs, agentIDs []string
	for rows.Next() {
		var sid, aid string
		if err := rows.Scan(&sid, &aid); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("fail relay sessions: %w", err)
		}
		sessionIDs = append(sessionIDs, sid)
		if aid != "" {
			agentIDs = append(agentIDs, aid)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("fail relay sessions: %w", err)
	}
	_ = rows.Close()

	now := fmtTime(time.Now().UTC())
	for _, sid := range sessionIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`,
			SessionFailed, now, sid); err != nil {
			return nil, fmt.Errorf("fail relay sessions: %w", err)
		}
	}
	for _, aid := range agentIDs {
		if err := s.SetAgentStatus(ctx, aid, AgentFailed); err != nil {
			return nil, err
		}
	}
	return sessionIDs, nil
}

// --- artifacts ---

// InsertArtifact records an artifact. Duplicate (type, url, agent_id)
// records are ignored; the bool reports whether a row was inserted.
func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (type, url, owner, repo, number,
		                                  agent_id, session_id, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Type, a.URL, a.Owner, a.Repo, a.Number,
		a.AgentID, a.SessionID, a.TaskID, fmtTime(a.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert artifact: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListArtifactsByTask(ctx context.Context, taskID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, url, owner, repo, number, agent_id, session_id, task_id, created_at
		 FROM artifacts WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		var (
			a         Artifact
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.URL, &a.Owner, &a.Repo, &a.Number,
			&a.AgentID, &a.SessionID, &a.TaskID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return out, nil
}

// --- helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
