package relaymgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/todoki/todoki/internal/event"
)

const defaultCommandTimeout = 30 * time.Second

// PendingCommands tracks in-flight command request/response pairs. Used
// when the server sends a command (spawn/stop/input) to a relay and
// waits for the matching completion or failure event.
type PendingCommands struct {
	mu      sync.Mutex
	pending map[string]chan *event.Event // requestID -> response channel
}

func NewPendingCommands() *PendingCommands {
	return &PendingCommands{pending: make(map[string]chan *event.Event)}
}

// SendAndWait sends a command frame to a relay and waits for the event
// that resolves requestID. Returns an error if the context is cancelled,
// the relay is not connected, or the default timeout (30s) expires.
func (p *PendingCommands) SendAndWait(ctx context.Context, conn *Conn, requestID string, msg any) (*event.Event, error) {
	if conn == nil {
		return nil, fmt.Errorf("relay not connected")
	}

	// Enforce a default timeout so callers never hang on a stale
	// connection where the relay died but has not been unregistered yet.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandTimeout)
		defer cancel()
	}

	ch := make(chan *event.Event, 1)

	p.mu.Lock()
	p.pending[requestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	if err := conn.Send(msg); err != nil {
		return nil, fmt.Errorf("send to relay: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// Complete delivers a response event to the waiting goroutine.
// Returns true if a pending command was found and completed.
func (p *PendingCommands) Complete(requestID string, e *event.Event) bool {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	p.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- e:
		return true
	default:
		return false
	}
}

// PendingPermission links an outstanding permission request to the
// session that raised it.
type PendingPermission struct {
	SessionID string
	AgentID   string
	CreatedAt time.Time
}

// Relays give up on an undecided permission request after 300s, so an
// entry older than that can never be answered and is dropped.
const permissionDecisionWindow = 300 * time.Second

// PendingPermissions maps request ids to the sessions awaiting a
// decision. Entries are removed when a decision is published and
// expired once the relay-side decision window has passed.
type PendingPermissions struct {
	mu      sync.Mutex
	pending map[string]PendingPermission
}

func NewPendingPermissions() *PendingPermissions {
	return &PendingPermissions{pending: make(map[string]PendingPermission)}
}

func (p *PendingPermissions) Add(requestID string, perm PendingPermission) {
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked(time.Now())
	p.pending[requestID] = perm
}

func (p *PendingPermissions) Get(requestID string) (PendingPermission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	perm, ok := p.pending[requestID]
	if ok && time.Since(perm.CreatedAt) > permissionDecisionWindow {
		delete(p.pending, requestID)
		return PendingPermission{}, false
	}
	return perm, ok
}

// sweepLocked drops entries past the decision window. Caller holds mu.
func (p *PendingPermissions) sweepLocked(now time.Time) {
	for id, perm := range p.pending {
		if now.Sub(perm.CreatedAt) > permissionDecisionWindow {
			delete(p.pending, id)
		}
	}
}

// Remove deletes the entry, reporting whether it existed.
func (p *PendingPermissions) Remove(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[requestID]
	delete(p.pending, requestID)
	return ok
}
