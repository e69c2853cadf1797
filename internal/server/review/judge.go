// Package review auto-decides agent permission requests with an AI
// judge, falling back to human review.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Judge decision values.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionManual  = "manual"
)

const (
	judgeTimeout   = 30 * time.Second
	judgeMaxTokens = 512
)

const judgeSystemPrompt = `You review tool-use permission requests from autonomous coding agents.
Given the request context, decide one of:
- "approve": the action is routine and safe for the agent's task (reading files, running tests, editing code in its working directory, opening pull requests).
- "reject": the action is clearly destructive or outside the agent's task (deleting unrelated data, exfiltrating secrets, touching paths outside the workspace).
- "manual": you are unsure; a human should decide.
Reply with exactly one JSON object: {"decision":"approve"|"reject"|"manual","reason":"...","risk_level":"low"|"medium"|"high"}.`

// Decision is the judge's verdict on a permission request.
type Decision struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	RiskLevel string `json:"risk_level,omitempty"`
}

// Context is everything the judge sees about a request.
type Context struct {
	RequestID string          `json:"request_id"`
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	ToolCall  json.RawMessage `json:"tool_call,omitempty"`
	Options   []Option        `json:"options,omitempty"`
	TaskGoal  string          `json:"task_goal,omitempty"`
	Workdir   string          `json:"workdir,omitempty"`
}

// Option is one permission choice offered by the agent. The field
// names mirror the relay's permission_request payload.
type Option struct {
	ID   string `json:"option_id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// MessagesClient captures the subset of the Anthropic SDK used by the
// judge. Satisfied by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Judge calls the Claude Messages API with deterministic sampling and a
// hard deadline, and parses the structured verdict.
type Judge struct {
	msg   MessagesClient
	model string
}

func NewJudge(msg MessagesClient, model string) (*Judge, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Judge{msg: msg, model: model}, nil
}

// NewJudgeFromAPIKey constructs a judge backed by the default Anthropic
// HTTP client.
func NewJudgeFromAPIKey(apiKey, model string) (*Judge, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewJudge(&ac.Messages, model)
}

// Review asks the judge to decide the request. Transport errors,
// timeouts, and malformed replies are returned as errors; the caller
// degrades them to manual review.
func (j *Judge) Review(ctx context.Context, rc Context) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, judgeTimeout)
	defer cancel()

	payload, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("marshal review context: %w", err)
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(j.model),
		MaxTokens:   judgeMaxTokens,
		Temperature: sdk.Float(0),
		System:      []sdk.TextBlockParam{{Text: judgeSystemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(string(payload))),
		},
	}

	msg, err := j.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("judge call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseDecision(text.String())
}

// parseDecision extracts the verdict object from the model's reply,
// tolerating surrounding prose and code fences.
func parseDecision(reply string) (*Decision, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in judge reply")
	}

	var d Decision
	if err := json.Unmarshal([]byte(reply[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("parse judge reply: %w", err)
	}
	switch d.Decision {
	case DecisionApprove, DecisionReject, DecisionManual:
		return &d, nil
	}
	return nil, fmt.Errorf("unknown judge decision %q", d.Decision)
}
