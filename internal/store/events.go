package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventKind classifies an audit event.
type EventKind string

const (
	// KindCall is a rate-limit slot reservation made before a tool call is decided.
	KindCall EventKind = "call"
	// KindToolUsed records a tool call that was allowed to proceed.
	KindToolUsed EventKind = "tool_used"
	// KindDenied records a governance denial.
	KindDenied             EventKind = "denied"
	KindDlpScan            EventKind = "dlp_scan"
	KindEscalationIssued   EventKind = "escalation_issued"
	KindEscalationApproved EventKind = "escalation_approved"
	KindEscalationDenied   EventKind = "escalation_denied"
	KindEscalationConsumed EventKind = "escalation_consumed"
)

// Event is one append-only entry in the shared audit log.
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"ts"`
	Kind    EventKind `json:"kind"`
	Agent   string    `json:"agent,omitempty"`
	Session string    `json:"session,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Bucket  string    `json:"bucket,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// EventFilter selects events. Zero-valued fields do not filter.
// Since is inclusive, Until is exclusive.
type EventFilter struct {
	Kind   EventKind
	Agent  string
	Tool   string
	Bucket string
	Since  time.Time
	Until  time.Time
}

func (f EventFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Agent != "" {
		clauses = append(clauses, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Tool != "" {
		clauses = append(clauses, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Bucket != "" {
		clauses = append(clauses, "bucket = ?")
		args = append(args, f.Bucket)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, toNanos(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// AppendEvent appends a single event. ID and Time are filled in when empty.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (Event, error) {
	ev = normalizeEvent(ev)
	if err := insertEvent(ctx, s.db, ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// AppendIfUnder atomically counts events matching filter and appends ev only
// when the count is below limit. It returns the count observed before the
// append. Two concurrent callers can never both observe limit-1.
func (s *Store) AppendIfUnder(ctx context.Context, filter EventFilter, limit int, ev Event) (count int, appended bool, err error) {
	ev = normalizeEvent(ev)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	where, args := filter.where()
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("store: count events: %w", err)
	}
	if count >= limit {
		return count, false, nil
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return count, false, err
	}
	if err := tx.Commit(); err != nil {
		return count, false, fmt.Errorf("store: commit: %w", err)
	}
	return count, true, nil
}

// CountEvents returns the number of events matching filter.
func (s *Store) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	where, args := filter.where()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// Events returns events matching filter in append order.
func (s *Store) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, kind, agent, session, tool, bucket, detail FROM events"+where+" ORDER BY seq", args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev   Event
			ts   int64
			kind string
		)
		if err := rows.Scan(&ev.ID, &ts, &kind, &ev.Agent, &ev.Session, &ev.Tool, &ev.Bucket, &ev.Detail); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Time = fromNanos(ts)
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (id, ts, kind, agent, session, tool, bucket, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, toNanos(ev.Time), string(ev.Kind), ev.Agent, ev.Session, ev.Tool, ev.Bucket, ev.Detail)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

func normalizeEvent(ev Event) Event {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Time = ev.Time.UTC()
	return ev
}
