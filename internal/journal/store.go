// Package journal keeps an append-only SQLite record of status transitions
// and interventions. It is an audit trail for diagnostics: supervision
// state itself is never restored from it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"warden/internal/model"
)

const (
	KindTransition   = "transition"
	KindIntervention = "intervention"
)

type Event struct {
	EventID   string
	PID       int
	WindowID  string
	Kind      string
	Category  string
	Detail    string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod journal: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type transitionDetail struct {
	Name string               `json:"name,omitempty"`
	From model.InstanceStatus `json:"from"`
	To   model.InstanceStatus `json:"to"`
}

// RecordTransition appends one status-transition event.
func (s *Store) RecordTransition(ctx context.Context, pid int, name string, from, to model.InstanceStatus) error {
	detail, err := json.Marshal(transitionDetail{Name: name, From: from, To: to})
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	return s.insert(ctx, Event{
		EventID:  uuid.NewString(),
		PID:      pid,
		Kind:     KindTransition,
		Category: string(to.Kind),
		Detail:   string(detail),
	})
}

// RecordIntervention appends one intervention event, tagged with the
// classification's category.
func (s *Store) RecordIntervention(ctx context.Context, pid int, windowID string, kind model.InterventionType) error {
	return s.insert(ctx, Event{
		EventID:  uuid.NewString(),
		PID:      pid,
		WindowID: windowID,
		Kind:     KindIntervention,
		Category: string(kind.Category()),
		Detail:   string(kind),
	})
}

func (s *Store) insert(ctx context.Context, ev Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(event_id, pid, window_id, kind, category, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, ev.EventID, ev.PID, ev.WindowID, ev.Kind, ev.Category, ev.Detail, ts(createdAt))
	if err != nil {
		return fmt.Errorf("insert journal event: %w", err)
	}
	return nil
}

// RecentEvents lists the newest events, most recent first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, pid, window_id, kind, category, detail, created_at
FROM events
ORDER BY created_at DESC, event_id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []Event
	for rows.Next() {
		var ev Event
		var createdAt string
		if err := rows.Scan(&ev.EventID, &ev.PID, &ev.WindowID, &ev.Kind, &ev.Category, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse journal timestamp: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneBefore drops events older than cutoff and returns how many went.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
