// Package eventbus couples the durable event log with in-process fanout.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/metrics"
	"github.com/todoki/todoki/internal/server/eventstore"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind starts dropping deliveries and is told how
// many it missed; it recovers by polling from its last seen cursor.
const subscriberBuffer = 1024

// Delivery is one event handed to a subscriber. Lagged counts the
// deliveries dropped for this subscriber since its previous successful
// one; 0 means none were missed.
type Delivery struct {
	Event  *event.Event
	Lagged int64
}

// Bus persists events and broadcasts them to live subscribers.
// Broadcast is best effort; the log is the source of truth.
type Bus struct {
	store *eventstore.Store

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is a live feed of every event emitted after Subscribe.
// Filtering by kind is the consumer's job (event.MatchAny).
type Subscription struct {
	bus    *Bus
	ch     chan Delivery
	missed int64
	once   sync.Once
}

func New(store *eventstore.Store) *Bus {
	return &Bus{
		store: store,
		subs:  make(map[*Subscription]struct{}),
	}
}

// Emit appends the event to the log and broadcasts it. The event's
// Cursor and Time are set by the append.
func (b *Bus) Emit(ctx context.Context, e *event.Event) (int64, error) {
	cursor, err := b.store.Append(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("emit: %w", err)
	}
	b.broadcast(e)
	return cursor, nil
}

func (b *Bus) broadcast(e *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- Delivery{Event: e, Lagged: sub.missed}:
			sub.missed = 0
		default:
			sub.missed++
			metrics.BroadcastDroppedTotal.Inc()
		}
	}
}

// Subscribe registers a live subscriber. The caller must drain C and
// call Close when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus: b,
		ch:  make(chan Delivery, subscriberBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()

	metrics.BusSubscribers.Set(float64(n))
	return sub
}

// C is the delivery channel. It is closed when the subscription or the
// bus shuts down.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Close detaches the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		_, attached := s.bus.subs[s]
		delete(s.bus.subs, s)
		n := len(s.bus.subs)
		s.bus.mu.Unlock()

		if attached {
			close(s.ch)
		}
		metrics.BusSubscribers.Set(float64(n))
	})
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	metrics.BusSubscribers.Set(0)
}

// Poll reads historical events from the log. Kind patterns may contain
// wildcards; exact patterns are pushed down to SQL, wildcard patterns
// are matched in memory after the fetch.
func (b *Bus) Poll(ctx context.Context, q eventstore.Query) ([]*event.Event, error) {
	events, _, _, err := b.PollPage(ctx, q)
	return events, err
}

// PollPage reads one page from the log and reports where paging stands:
// the cursor to resume from and whether the log is exhausted up to the
// query bound. With wildcard patterns the returned slice may be shorter
// than the page even when more events remain, so replay loops must use
// next/done rather than the slice length.
func (b *Bus) PollPage(ctx context.Context, q eventstore.Query) (events []*event.Event, next int64, done bool, err error) {
	patterns := q.Kinds
	wild := hasWildcard(patterns)
	if wild {
		q.Kinds = nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = eventstore.DefaultLimit
	}
	if limit > eventstore.MaxLimit {
		limit = eventstore.MaxLimit
	}
	q.Limit = limit

	raw, err := b.store.Query(ctx, q)
	if err != nil {
		return nil, 0, false, err
	}

	next = q.From
	if len(raw) > 0 {
		next = raw[len(raw)-1].Cursor
	}
	done = len(raw) < limit

	if !wild {
		return raw, next, done, nil
	}
	filtered := raw[:0]
	for _, e := range raw {
		if event.MatchAny(patterns, e.Kind) {
			filtered = append(filtered, e)
		}
	}
	return filtered, next, done, nil
}

// LatestCursor reports the log's high-water mark.
func (b *Bus) LatestCursor(ctx context.Context) (int64, error) {
	return b.store.LatestCursor(ctx)
}

func hasWildcard(patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(p, "*") {
			return true
		}
	}
	return false
}
