// Package relaymgr tracks connected relays and their in-flight
// request/response traffic.
package relaymgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/todoki/todoki/internal/metrics"
)

// Relay describes a registered relay as reported in relay.up.
type Relay struct {
	ID          string
	Name        string
	Role        string
	SafePaths   []string
	Labels      []string
	Projects    []string
	SetupScript string
	ConnectedAt time.Time
}

// Conn represents a connected relay's duplex channel. SendFn is the
// gateway's serialized frame writer; the mutex guards against
// interleaved writes from concurrent senders.
type Conn struct {
	RelayID string
	SendFn  func(msg any) error
	mu      sync.Mutex
}

// Send writes a message to the relay.
func (c *Conn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SendFn == nil {
		return fmt.Errorf("connection closed")
	}
	return c.SendFn(msg)
}

type relayEntry struct {
	info     Relay
	conn     *Conn
	sessions map[string]struct{}
}

// Manager tracks connected relays. Thread-safe.
type Manager struct {
	mu     sync.RWMutex
	relays map[string]*relayEntry
}

func New() *Manager {
	return &Manager{relays: make(map[string]*relayEntry)}
}

// Register adds a relay. A reconnect by the same relay id replaces the
// connection and refreshes the registration info but preserves the
// active session set.
func (m *Manager) Register(info Relay, conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	if prev, ok := m.relays[info.ID]; ok {
		prev.info = info
		prev.conn = conn
		return
	}
	m.relays[info.ID] = &relayEntry{
		info:     info,
		conn:     conn,
		sessions: make(map[string]struct{}),
	}
	metrics.ActiveRelays.Inc()
}

// Unregister removes the relay only if conn is still its registered
// connection, so a stale connection's deferred cleanup cannot remove a
// newer replacement. Returns true if the relay was actually removed.
func (m *Manager) Unregister(relayID string, conn *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.relays[relayID]
	if !ok || entry.conn != conn {
		return false
	}
	delete(m.relays, relayID)
	metrics.ActiveRelays.Dec()
	return true
}

// Get returns the relay's connection, or nil if not connected.
func (m *Manager) Get(relayID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.relays[relayID]; ok {
		return entry.conn
	}
	return nil
}

// Info returns a copy of the relay's registration record.
func (m *Manager) Info(relayID string) (Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.relays[relayID]; ok {
		return entry.info, true
	}
	return Relay{}, false
}

// IsOnline reports whether the relay is currently connected.
func (m *Manager) IsOnline(relayID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[relayID]
	return ok
}

// AddSession records a session as active on the relay.
func (m *Manager) AddSession(relayID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.relays[relayID]; ok {
		entry.sessions[sessionID] = struct{}{}
	}
}

// RemoveSession drops a session from the relay's active set.
func (m *Manager) RemoveSession(relayID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.relays[relayID]; ok {
		delete(entry.sessions, sessionID)
	}
}

// Sessions returns the active session ids on a relay.
func (m *Manager) Sessions(relayID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.relays[relayID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.sessions))
	for id := range entry.sessions {
		out = append(out, id)
	}
	return out
}

// OwnerOfSession finds the relay a session is running on.
func (m *Manager) OwnerOfSession(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, entry := range m.relays {
		if _, ok := entry.sessions[sessionID]; ok {
			return id, true
		}
	}
	return "", false
}
