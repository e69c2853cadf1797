// Package stream persists and fans out per-agent output lines.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Line is one stored agent output record. The autoincrement ID is the
// dedup key between historical replay and live delivery.
type Line struct {
	ID        int64           `json:"id"`
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists agent output lines in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert stores a line and returns its id.
func (s *Store) Insert(ctx context.Context, l *Line) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	data := []byte(l.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_stream (agent_id, session_id, stream, data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		l.AgentID, l.SessionID, l.Stream, string(data),
		l.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert stream line: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert stream line: last insert id: %w", err)
	}
	l.ID = id
	return id, nil
}

// ListAfter returns up to limit lines for an agent with id > afterID,
// in id order.
func (s *Store) ListAfter(ctx context.Context, agentID string, afterID int64, limit int) ([]*Line, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, session_id, stream, data, created_at
		 FROM agent_stream WHERE agent_id = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		agentID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stream lines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Line
	for rows.Next() {
		var (
			l         Line
			data      string
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.AgentID, &l.SessionID, &l.Stream, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stream line: %w", err)
		}
		l.Data = []byte(data)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			l.CreatedAt = t
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stream lines: %w", err)
	}
	return out, nil
}
