// Package event defines the event record shared by the server and relay
// sides of todoki, the well-known event kinds, and the wildcard matching
// rules used by subscriptions.
package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is the central record of the coordination plane. Every lifecycle
// fact, output line, permission request and artifact flows through the bus
// as an Event. The cursor is assigned by the event store at append time and
// is the sole basis for ordering and replay.
type Event struct {
	Cursor    int64           `json:"cursor"`
	Kind      string          `json:"kind"`
	Time      time.Time       `json:"time"`
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// DataMap decodes the event payload into a generic map. Returns an empty
// map when the payload is absent or malformed.
func (e *Event) DataMap() map[string]any {
	m := map[string]any{}
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &m)
	}
	return m
}

// MatchKind reports whether kind matches pattern. A pattern ending in "*"
// matches any kind beginning with the pattern's prefix (the "*" stripped);
// "*" alone matches everything; any other pattern matches exactly.
//
// Note "a.*" does NOT match "a": the prefix includes the dot.
func MatchKind(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(kind, prefix)
	}
	return pattern == kind
}

// MatchAny reports whether kind matches at least one of the patterns.
// An empty pattern list matches everything (an unfiltered subscription).
func MatchAny(patterns []string, kind string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchKind(p, kind) {
			return true
		}
	}
	return false
}
