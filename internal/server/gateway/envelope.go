package gateway

import (
	"encoding/json"
	"time"

	"github.com/todoki/todoki/internal/event"
)

// Inbound envelopes (client -> server).
type inboundFrame struct {
	Type string          `json:"type"`
	Kind string          `json:"kind,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound envelopes (server -> client).
type subscribedFrame struct {
	Type   string   `json:"type"`
	Kinds  []string `json:"kinds"`
	Cursor int64    `json:"cursor"`
}

type registeredFrame struct {
	Type    string `json:"type"`
	RelayID string `json:"relay_id"`
}

type eventFrame struct {
	Type      string          `json:"type"`
	Cursor    int64           `json:"cursor"`
	Kind      string          `json:"kind"`
	Time      time.Time       `json:"time"`
	AgentID   string          `json:"agent_id"`
	SessionID *string         `json:"session_id"`
	TaskID    *string         `json:"task_id"`
	Data      json.RawMessage `json:"data"`
}

type replayCompleteFrame struct {
	Type   string `json:"type"`
	Cursor int64  `json:"cursor"`
	Count  int    `json:"count"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pingFrame struct {
	Type string `json:"type"`
}

func newEventFrame(e *event.Event) eventFrame {
	f := eventFrame{
		Type:    "event",
		Cursor:  e.Cursor,
		Kind:    e.Kind,
		Time:    e.Time,
		AgentID: e.AgentID,
		Data:    e.Data,
	}
	if e.SessionID != "" {
		f.SessionID = &e.SessionID
	}
	if e.TaskID != "" {
		f.TaskID = &e.TaskID
	}
	return f
}
