package event

// Well-known event kinds. Kinds are dotted namespace identifiers; anything
// not listed here still flows through the bus verbatim, these constants just
// name the kinds the core itself emits or reacts to.
const (
	// Task lifecycle.
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
	TaskAssigned      = "task.assigned"
	TaskCompleted     = "task.completed"
	TaskFailed        = "task.failed"
	TaskArchived      = "task.archived"

	// Agent lifecycle and pipeline signals.
	AgentRegistered           = "agent.registered"
	AgentStarted              = "agent.started"
	AgentStopped              = "agent.stopped"
	AgentOutput               = "agent.output"
	AgentError                = "agent.error"
	AgentOutputBatch          = "agent.output_batch"
	AgentRequirementAnalyzed  = "agent.requirement_analyzed"
	AgentBusinessContextReady = "agent.business_context_ready"
	AgentCodeReviewRequested  = "agent.code_review_requested"
	AgentQATestPassed         = "agent.qa_test_passed"
	AgentQATestFailed         = "agent.qa_test_failed"

	// Relay plane.
	RelayUp                = "relay.up"
	RelayDown              = "relay.down"
	RelayAgentOutput       = "relay.agent_output"
	RelaySessionStatus     = "relay.session_status"
	RelayArtifact          = "relay.artifact"
	RelayPermissionRequest = "relay.permission_request"
	RelayPromptCompleted   = "relay.prompt_completed"
	RelaySpawnRequested    = "relay.spawn_requested"
	RelaySpawnCompleted    = "relay.spawn_completed"
	RelaySpawnFailed       = "relay.spawn_failed"
	RelayStopRequested     = "relay.stop_requested"
	RelayInputRequested    = "relay.input_requested"

	// Permission review.
	PermissionRequested = "permission.requested"
	PermissionResponded = "permission.responded"
	PermissionApproved  = "permission.approved"
	PermissionDenied    = "permission.denied"

	// Artifacts.
	ArtifactCreated        = "artifact.created"
	ArtifactGitHubPROpened = "artifact.github_pr_opened"
	ArtifactGitHubPRMerged = "artifact.github_pr_merged"

	// System plane.
	SystemRelayConnected    = "system.relay_connected"
	SystemRelayDisconnected = "system.relay_disconnected"
)

// CommandKinds are the server-to-relay command kinds a relay accepts even
// when the event's relay_id targeting would otherwise exclude it from a
// plain subscription.
var CommandKinds = []string{
	RelaySpawnRequested,
	RelayStopRequested,
	RelayInputRequested,
}

// IsCommandKind reports whether kind is a relay command kind.
func IsCommandKind(kind string) bool {
	for _, k := range CommandKinds {
		if k == kind {
			return true
		}
	}
	return false
}
