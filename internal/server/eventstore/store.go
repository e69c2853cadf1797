// Package eventstore persists the append-only event log in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/metrics"
)

const (
	// DefaultLimit applies when a query does not specify one.
	DefaultLimit = 1000
	// MaxLimit caps any requested limit.
	MaxLimit = 10000
)

// Store is the durable event log. Cursors are allocated by SQLite
// (AUTOINCREMENT), so they are strictly monotonic and never reused even
// after pruning. Gaps are allowed.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Query selects events from the log. Cursor bounds are half-open on the
// low side: only events with cursor > From are returned. Kinds are exact
// names; wildcard expansion happens in callers before hitting the store.
type Query struct {
	From    int64
	To      int64 // 0 means no upper bound
	Kinds   []string
	AgentID string
	TaskID  string
	Limit   int
}

// Append inserts the event and returns its server-allocated cursor.
// The event's Cursor field is overwritten; Time defaults to now.
func (s *Store) Append(ctx context.Context, e *event.Event) (int64, error) {
	if e.Kind == "" {
		return 0, fmt.Errorf("append event: empty kind")
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data := []byte(e.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, time, agent_id, session_id, task_id, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Kind, e.Time.UTC().Format(time.RFC3339Nano),
		e.AgentID, e.SessionID, e.TaskID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	cursor, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event: last insert id: %w", err)
	}
	e.Cursor = cursor
	metrics.EventsAppendedTotal.WithLabelValues(e.Kind).Inc()
	return cursor, nil
}

// Query returns matching events ordered by ascending cursor.
func (s *Store) Query(ctx context.Context, q Query) ([]*event.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var sb strings.Builder
	sb.WriteString(`SELECT cursor, kind, time, agent_id, session_id, task_id, data
		FROM events WHERE cursor > ?`)
	args := []any{q.From}

	if q.To > 0 {
		sb.WriteString(" AND cursor <= ?")
		args = append(args, q.To)
	}
	if len(q.Kinds) > 0 {
		sb.WriteString(" AND kind IN (?" + strings.Repeat(",?", len(q.Kinds)-1) + ")")
		for _, k := range q.Kinds {
			args = append(args, k)
		}
	}
	if q.AgentID != "" {
		sb.WriteString(" AND agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.TaskID != "" {
		sb.WriteString(" AND task_id = ?")
		args = append(args, q.TaskID)
	}
	sb.WriteString(" ORDER BY cursor ASC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// LatestCursor returns the highest cursor ever allocated, or 0 when the
// log is empty. Pruning does not lower it.
func (s *Store) LatestCursor(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM sqlite_sequence WHERE name = 'events'`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest cursor: %w", err)
	}
	return seq.Int64, nil
}

// PruneBefore deletes events older than t and returns the count removed.
func (s *Store) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE time < ?`, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: rows affected: %w", err)
	}
	metrics.EventsPrunedTotal.Add(float64(n))
	return n, nil
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		e   event.Event
		ts  string
		raw string
	)
	if err := rows.Scan(&e.Cursor, &e.Kind, &ts, &e.AgentID, &e.SessionID, &e.TaskID, &raw); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("scan event time: %w", err)
	}
	e.Time = t
	e.Data = []byte(raw)
	return &e, nil
}
