// Package state holds the durable records the coordination plane keeps
// beside the event log: tasks, agents, sessions, and artifacts.
package state

import (
	"time"
)

// Task is a unit of user-submitted work that agents act on.
type Task struct {
	ID        string
	Goal      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is a registered coding agent: what to run, where, and which
// event kinds trigger it.
type Agent struct {
	ID            string
	Name          string
	TaskID        string
	RelayID       string
	Workdir       string
	Command       string
	Args          []string
	Env           map[string]string
	Prompt        string
	Subscriptions []string
	AutoTrigger   bool
	LastCursor    int64
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Session is one run of an agent subprocess on a relay.
type Session struct {
	ID        string
	AgentID   string
	TaskID    string
	RelayID   string
	Status    string
	ExitCode  *int64
	StartedAt time.Time
	EndedAt   *time.Time
}

// Artifact is an external object an agent produced, discovered in tool
// output (currently GitHub pull requests).
type Artifact struct {
	ID        int64
	Type      string
	URL       string
	Owner     string
	Repo      string
	Number    int64
	AgentID   string
	SessionID string
	TaskID    string
	CreatedAt time.Time
}

// Task statuses.
const (
	TaskCreated   = "created"
	TaskAssigned  = "assigned"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskArchived  = "archived"
)

// Agent statuses.
const (
	AgentCreated   = "created"
	AgentRunning   = "running"
	AgentCompleted = "completed"
	AgentFailed    = "failed"
)

// Session statuses.
const (
	SessionStarting  = "starting"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// NormalizeSessionStatus maps relay-reported statuses onto the canonical
// set. Relays may report "exited" for a clean subprocess exit; it counts
// as completed when the exit code is 0 and failed otherwise.
func NormalizeSessionStatus(status string, exitCode *int64) string {
	if status != "exited" {
		return status
	}
	if exitCode != nil && *exitCode == 0 {
		return SessionCompleted
	}
	return SessionFailed
}

// TerminalSessionStatus reports whether a session status ends the session.
func TerminalSessionStatus(status string) bool {
	switch status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// ArtifactGitHubPR is the artifact type for pull requests.
const ArtifactGitHubPR = "github_pr"
