package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MarkToolSeen records that agent has used tool. It reports true when this
// call inserted the first record for the pair.
func (s *Store) MarkToolSeen(ctx context.Context, agent, tool string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tools_seen (agent, tool, first_seen) VALUES (?, ?, ?)`,
		agent, tool, toNanos(at))
	if err != nil {
		return false, fmt.Errorf("store: mark tool seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark tool seen: %w", err)
	}
	return n == 1, nil
}

// ToolSeen reports whether agent has a recorded use of tool.
func (s *Store) ToolSeen(ctx context.Context, agent, tool string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tools_seen WHERE agent = ? AND tool = ?`, agent, tool).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: tool seen: %w", err)
	}
	return true, nil
}
