package stream

import (
	"sync"
)

// hubBuffer is the per-watcher channel capacity. Watchers that fall
// behind lose frames; they can reconnect with after_id to catch up.
const hubBuffer = 256

// Hub fans stored lines out to live per-agent watchers.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan *Line]struct{} // agentID -> set
}

func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[chan *Line]struct{})}
}

// Publish delivers a line to every watcher of its agent. Best effort:
// full watcher channels are skipped.
func (h *Hub) Publish(l *Line) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.watchers[l.AgentID] {
		select {
		case ch <- l:
		default:
		}
	}
}

// Watch registers a live watcher for an agent. The returned cancel
// detaches the watcher and closes its channel.
func (h *Hub) Watch(agentID string) (<-chan *Line, func()) {
	ch := make(chan *Line, hubBuffer)

	h.mu.Lock()
	set, ok := h.watchers[agentID]
	if !ok {
		set = make(map[chan *Line]struct{})
		h.watchers[agentID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(h.watchers, agentID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
