// Package bridge drives an agent subprocess over the ACP stdio
// protocol and converts its session updates into relay events.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/id"
)

// How long the bridge waits for a permission decision before allowing
// the call itself.
const defaultPermissionTimeout = 300 * time.Second

// Emitter publishes events toward the server.
type Emitter interface {
	Emit(kind string, payload any)
}

// Decision is the resolution of a pending permission request.
type Decision struct {
	Selected  string
	Cancelled bool
}

type batchMessage struct {
	Stream string          `json:"stream"`
	Seq    int64           `json:"seq"`
	Update json.RawMessage `json:"update"`
}

// Bridge is the ACP client side for one agent session. It emits
// relay.agent_output per update, batches into agent.output_batch, and
// routes permission callbacks through the relay's event channel.
type Bridge struct {
	AgentID   string
	SessionID string
	TaskID    string

	emitter Emitter

	conn       *acp.ClientSideConnection
	acpSession acp.SessionId

	permTimeout time.Duration

	// Seeded from wall-clock nanoseconds so seqs stay orderable across
	// sessions on the same relay.
	seq atomic.Int64

	mu        sync.Mutex
	batch     []batchMessage
	batchTag  string
	pendingID string
	pendingCh chan Decision
	seenPRs   map[string]struct{}
}

var _ acp.Client = (*Bridge)(nil)

// New creates a bridge for the given session.
func New(agentID, sessionID, taskID string, em Emitter) *Bridge {
	b := &Bridge{
		AgentID:     agentID,
		SessionID:   sessionID,
		TaskID:      taskID,
		emitter:     em,
		permTimeout: defaultPermissionTimeout,
		seenPRs:     make(map[string]struct{}),
	}
	b.seq.Store(time.Now().UnixNano())
	return b
}

// Start performs the ACP handshake over the subprocess's stdio:
// initialize, then new session rooted at workdir.
func (b *Bridge) Start(ctx context.Context, workdir string, stdin io.Writer, stdout io.Reader) error {
	b.conn = acp.NewClientSideConnection(b, stdin, stdout)

	if _, err := b.conn.Initialize(ctx, initializeRequest()); err != nil {
		return fmt.Errorf("acp initialize: %w", err)
	}

	resp, err := b.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        workdir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("acp new session: %w", err)
	}
	b.acpSession = resp.SessionId
	slog.Info("agent session established",
		"session_id", b.SessionID, "acp_session_id", string(resp.SessionId))
	return nil
}

// initializeRequest is the bridge's side of the ACP handshake. The fs
// capabilities must be advertised or the agent never calls the
// read_text_file/write_text_file methods the bridge serves.
func initializeRequest() acp.InitializeRequest {
	return acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "todoki-relay",
			Version: "1.0.0",
		},
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
	}
}

// Prompt sends one turn to the agent and blocks until it completes.
// The pending output batch is flushed on completion. Returns the
// agent's stop reason.
func (b *Bridge) Prompt(ctx context.Context, text string) (string, error) {
	if b.conn == nil {
		return "", fmt.Errorf("bridge not started")
	}
	resp, err := b.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: b.acpSession,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	b.Flush()
	if err != nil {
		return "", err
	}
	return string(resp.StopReason), nil
}

// Cancel asks the agent to stop the current turn. Cooperative; the
// supervisor's kill channel is the hard fallback.
func (b *Bridge) Cancel(ctx context.Context) error {
	if b.conn == nil {
		return fmt.Errorf("bridge not started")
	}
	return b.conn.Cancel(ctx, acp.CancelNotification{SessionId: b.acpSession})
}

// Flush publishes the buffered output batch, if any.
func (b *Bridge) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Bridge) flushLocked() {
	if len(b.batch) == 0 {
		return
	}
	payload := map[string]any{
		"agent_id":   b.AgentID,
		"session_id": b.SessionID,
		"stream":     b.batchTag,
		"messages":   b.batch,
	}
	if b.TaskID != "" {
		payload["task_id"] = b.TaskID
	}
	b.emitter.Emit(event.AgentOutputBatch, payload)
	b.batch = nil
}

// SessionUpdate converts an agent notification into a streamed
// relay.agent_output event and feeds the batch buffer.
func (b *Bridge) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	raw, err := json.Marshal(n.Update)
	if err != nil {
		return err
	}
	tag := streamTag(raw)
	if tag == "" {
		return nil
	}
	b.emitOutput(tag, raw)

	if u := n.Update.ToolCallUpdate; u != nil && u.RawOutput != nil {
		b.scanArtifacts(u.RawOutput)
	}
	return nil
}

// streamTag maps the update's discriminator onto the stream taxonomy
// consumers sort and render by.
func streamTag(update json.RawMessage) string {
	var disc struct {
		Kind string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(update, &disc); err != nil {
		return ""
	}
	switch disc.Kind {
	case "user_message_chunk":
		return "user"
	case "agent_message_chunk":
		return "assistant"
	case "agent_thought_chunk":
		return "thinking"
	case "tool_call":
		return "tool_use"
	case "tool_call_update":
		return "tool_result"
	case "plan":
		return "plan"
	case "available_commands_update", "current_mode_update":
		return "system"
	default:
		return ""
	}
}

func (b *Bridge) emitOutput(tag string, update json.RawMessage) {
	seq := b.seq.Add(1)
	payload := map[string]any{
		"agent_id":   b.AgentID,
		"session_id": b.SessionID,
		"stream":     tag,
		"seq":        seq,
		"update":     update,
	}
	if b.TaskID != "" {
		payload["task_id"] = b.TaskID
	}
	b.emitter.Emit(event.RelayAgentOutput, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.batchTag != tag {
		b.flushLocked()
		b.batchTag = tag
	}
	b.batch = append(b.batch, batchMessage{Stream: tag, Seq: seq, Update: update})
}

var prURLPattern = regexp.MustCompile(`https://github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/pull/(\d+)`)

// scanArtifacts looks for GitHub PR URLs in a tool result and emits a
// relay.artifact for each one not seen before in this session.
func (b *Bridge) scanArtifacts(rawOutput any) {
	var text string
	switch v := rawOutput.(type) {
	case string:
		text = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		text = string(data)
	}

	for _, m := range prURLPattern.FindAllStringSubmatch(text, -1) {
		url := m[0]
		b.mu.Lock()
		_, seen := b.seenPRs[url]
		if !seen {
			b.seenPRs[url] = struct{}{}
		}
		b.mu.Unlock()
		if seen {
			continue
		}
		number, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			continue
		}
		payload := map[string]any{
			"type":       "github_pr",
			"url":        url,
			"owner":      m[1],
			"repo":       m[2],
			"number":     number,
			"agent_id":   b.AgentID,
			"session_id": b.SessionID,
		}
		if b.TaskID != "" {
			payload["task_id"] = b.TaskID
		}
		b.emitter.Emit(event.RelayArtifact, payload)
		slog.Info("detected pull request artifact", "url", url, "session_id", b.SessionID)
	}
}

// RequestPermission forwards the agent's tool-use permission callback
// to the server and blocks for a decision. On timeout the call is
// allowed so an unattended relay cannot wedge a session.
func (b *Bridge) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	requestID := id.Generate()
	ch := make(chan Decision, 1)

	b.mu.Lock()
	if b.pendingCh != nil {
		slog.Warn("replacing outstanding permission request", "request_id", b.pendingID)
	}
	b.pendingID = requestID
	b.pendingCh = ch
	b.mu.Unlock()

	options := make([]map[string]any, len(p.Options))
	for i, o := range p.Options {
		options[i] = map[string]any{
			"option_id": string(o.OptionId),
			"name":      o.Name,
			"kind":      string(o.Kind),
		}
	}
	toolCall, _ := json.Marshal(p.ToolCall)

	payload := map[string]any{
		"request_id":   requestID,
		"agent_id":     b.AgentID,
		"session_id":   b.SessionID,
		"tool_call_id": string(p.ToolCall.ToolCallId),
		"options":      options,
		"tool_call":    json.RawMessage(toolCall),
	}
	if b.TaskID != "" {
		payload["task_id"] = b.TaskID
	}
	b.emitter.Emit(event.RelayPermissionRequest, payload)

	var d Decision
	select {
	case d = <-ch:
	case <-ctx.Done():
		b.clearPending(requestID)
		return cancelledResponse(), nil
	case <-time.After(b.permTimeout):
		slog.Warn("permission request timed out, allowing", "request_id", requestID)
		b.clearPending(requestID)
		return allowFallback(p.Options), nil
	}
	b.clearPending(requestID)

	if d.Cancelled || d.Selected == "" {
		return cancelledResponse(), nil
	}
	return selectedResponse(d.Selected), nil
}

// HandlePermissionResponse resolves the pending permission request if
// requestID matches it. Returns whether a decision was delivered.
func (b *Bridge) HandlePermissionResponse(requestID string, d Decision) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingID != requestID || b.pendingCh == nil {
		return false
	}
	b.pendingCh <- d
	b.pendingID = ""
	b.pendingCh = nil
	return true
}

func (b *Bridge) clearPending(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingID == requestID {
		b.pendingID = ""
		b.pendingCh = nil
	}
}

// allowFallback picks an allow option for a timed-out request:
// AllowAlways first so repeated timeouts stop prompting, then
// AllowOnce, then whatever the agent offered first.
func allowFallback(options []acp.PermissionOption) acp.RequestPermissionResponse {
	for _, o := range options {
		if o.Kind == acp.PermissionOptionKindAllowAlways {
			return selectedResponse(string(o.OptionId))
		}
	}
	for _, o := range options {
		if o.Kind == acp.PermissionOptionKindAllowOnce {
			return selectedResponse(string(o.OptionId))
		}
	}
	if len(options) > 0 {
		return selectedResponse(string(options[0].OptionId))
	}
	return cancelledResponse()
}

func selectedResponse(optionID string) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{
				OptionId: acp.PermissionOptionId(optionID),
			},
		},
	}
}

func cancelledResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}
