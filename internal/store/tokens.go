package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenStatus represents the state of an approval token.
type TokenStatus string

const (
	StatusPending  TokenStatus = "pending"
	StatusApproved TokenStatus = "approved"
	StatusConsumed TokenStatus = "consumed"
	StatusExpired  TokenStatus = "expired"
	StatusDenied   TokenStatus = "denied"
)

// Token is a persisted approval token bound to one (tool, args hash) pair.
type Token struct {
	Token      string      `json:"token"`
	ToolName   string      `json:"tool_name"`
	ArgsHash   string      `json:"args_hash"`
	Agent      string      `json:"agent,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	IssuedAt   time.Time   `json:"issued_at"`
	TTL        int64       `json:"ttl_seconds"`
	Status     TokenStatus `json:"status"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// ExpiresAt returns the instant after which the token is no longer usable.
func (t Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.TTL) * time.Second)
}

// Expired reports whether the token has passed its deadline at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// EffectiveStatus folds time-driven expiry into the stored status.
// Only pending and approved tokens can expire.
func (t Token) EffectiveStatus(now time.Time) TokenStatus {
	if (t.Status == StatusPending || t.Status == StatusApproved) && t.Expired(now) {
		return StatusExpired
	}
	return t.Status
}

// InsertToken persists a new token.
func (s *Store) InsertToken(ctx context.Context, t Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, tool, args_hash, agent, reason, issued_at, ttl_seconds, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Token, t.ToolName, t.ArgsHash, t.Agent, t.Reason,
		toNanos(t.IssuedAt), t.TTL, toNanos(t.ExpiresAt()), string(t.Status))
	if err != nil {
		return fmt.Errorf("store: insert token: %w", err)
	}
	return nil
}

// GetToken looks up a token by value.
func (s *Store) GetToken(ctx context.Context, token string) (Token, error) {
	row := s.db.QueryRowContext(ctx, tokenSelect+` WHERE token = ?`, token)
	return scanToken(row)
}

// FindToken returns the most recently issued token to agent for
// (tool, argsHash) in the given status that has not expired at now.
func (s *Store) FindToken(ctx context.Context, agent, tool, argsHash string, status TokenStatus, now time.Time) (Token, error) {
	row := s.db.QueryRowContext(ctx,
		tokenSelect+` WHERE agent = ? AND tool = ? AND args_hash = ? AND status = ? AND expires_at > ? ORDER BY issued_at DESC LIMIT 1`,
		agent, tool, argsHash, string(status), toNanos(now))
	return scanToken(row)
}

// TransitionToken moves a token from one of the from states to to, provided
// it has not expired at now. The update is a single compare-and-swap
// statement: of several concurrent callers exactly one observes true.
func (s *Store) TransitionToken(ctx context.Context, token string, from []TokenStatus, to TokenStatus, now time.Time) (bool, error) {
	args := []any{string(to), toNanos(now), token}
	for _, st := range from {
		args = append(args, string(st))
	}
	args = append(args, toNanos(now))

	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET status = ?, resolved_at = ?
		 WHERE token = ? AND status IN (`+placeholders(len(from))+`) AND expires_at > ?`,
		args...)
	if err != nil {
		return false, fmt.Errorf("store: transition token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: transition token: %w", err)
	}
	return n == 1, nil
}

// ConsumeToken atomically moves an approved, unexpired token bound to
// (tool, argsHash) to consumed.
func (s *Store) ConsumeToken(ctx context.Context, token, tool, argsHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET status = ?, resolved_at = ?
		 WHERE token = ? AND tool = ? AND args_hash = ? AND status = ? AND expires_at > ?`,
		string(StatusConsumed), toNanos(now), token, tool, argsHash, string(StatusApproved), toNanos(now))
	if err != nil {
		return false, fmt.Errorf("store: consume token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: consume token: %w", err)
	}
	return n == 1, nil
}

// ListTokens returns tokens, optionally filtered by stored status, newest first.
func (s *Store) ListTokens(ctx context.Context, statuses ...TokenStatus) ([]Token, error) {
	query := tokenSelect
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY issued_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ExpireTokens marks every pending or approved token past its deadline as
// expired. Expiry is also evaluated at read time, so this is housekeeping only.
func (s *Store) ExpireTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET status = ?, resolved_at = ?
		 WHERE status IN (?, ?) AND expires_at <= ?`,
		string(StatusExpired), toNanos(now), string(StatusPending), string(StatusApproved), toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("store: expire tokens: %w", err)
	}
	return res.RowsAffected()
}

const tokenSelect = `SELECT token, tool, args_hash, agent, reason, issued_at, ttl_seconds, status, resolved_at FROM tokens`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (Token, error) {
	var (
		t        Token
		issued   int64
		status   string
		resolved sql.NullInt64
	)
	err := row.Scan(&t.Token, &t.ToolName, &t.ArgsHash, &t.Agent, &t.Reason, &issued, &t.TTL, &status, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("store: scan token: %w", err)
	}
	t.IssuedAt = fromNanos(issued)
	t.Status = TokenStatus(status)
	if resolved.Valid {
		r := fromNanos(resolved.Int64)
		t.ResolvedAt = &r
	}
	return t, nil
}
