// Package escalation decides when a tool call needs a human and manages the
// single-use approval tokens that let it through.
package escalation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/ppiankov/toolwarden/internal/store"
)

var (
	ErrTokenInvalid     = errors.New("approval token is not recognized")
	ErrTokenMismatch    = errors.New("approval token was issued for a different tool or arguments")
	ErrTokenExpired     = errors.New("approval token has expired")
	ErrTokenConsumed    = errors.New("approval token has already been consumed")
	ErrTokenNotApproved = errors.New("approval token is still pending review")
	ErrTokenDenied      = errors.New("approval token was denied")
)

// TokenStore is the persistence contract of the manager. Status changes must
// be compare-and-swap so that concurrent callers cannot both win.
type TokenStore interface {
	Secret(ctx context.Context) ([]byte, error)
	InsertToken(ctx context.Context, t store.Token) error
	GetToken(ctx context.Context, token string) (store.Token, error)
	FindToken(ctx context.Context, agent, tool, argsHash string, status store.TokenStatus, now time.Time) (store.Token, error)
	TransitionToken(ctx context.Context, token string, from []store.TokenStatus, to store.TokenStatus, now time.Time) (bool, error)
	ConsumeToken(ctx context.Context, token, tool, argsHash string, now time.Time) (bool, error)
	ListTokens(ctx context.Context, statuses ...store.TokenStatus) ([]store.Token, error)
	ExpireTokens(ctx context.Context, now time.Time) (int64, error)
	MarkToolSeen(ctx context.Context, agent, tool string, at time.Time) (bool, error)
	ToolSeen(ctx context.Context, agent, tool string) (bool, error)
}

// EventSink receives escalation audit events.
type EventSink interface {
	AppendEvent(ctx context.Context, ev store.Event) (store.Event, error)
}

// Manager issues and validates approval tokens.
type Manager struct {
	store  TokenStore
	events EventSink
	key    []byte
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEventSink routes escalation events somewhere other than the store.
func WithEventSink(s EventSink) Option {
	return func(m *Manager) { m.events = s }
}

const hashKeyInfo = "toolwarden/args-hash/v1"

// NewManager derives the argument-hash key from the store's master secret.
func NewManager(ctx context.Context, st TokenStore, opts ...Option) (*Manager, error) {
	secret, err := st.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("escalation: load secret: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hashKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("escalation: derive key: %w", err)
	}

	m := &Manager{store: st, key: key, now: time.Now, logger: zap.NewNop()}
	if sink, ok := st.(EventSink); ok {
		m.events = sink
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// HashArgs binds a token to exact argument content. It is a keyed hash, so
// argument values cannot be recovered or guessed from stored tokens.
func (m *Manager) HashArgs(args string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(args))
	return hex.EncodeToString(mac.Sum(nil))
}

// IsFirstTimeToolUse reports whether agent has never had tool allowed.
func (m *Manager) IsFirstTimeToolUse(ctx context.Context, agent, tool string) (bool, error) {
	seen, err := m.store.ToolSeen(ctx, agent, tool)
	if err != nil {
		return false, err
	}
	return !seen, nil
}

// RecordToolUse marks tool as used by agent and reports whether this was
// the first use.
func (m *Manager) RecordToolUse(ctx context.Context, agent, tool string) (bool, error) {
	return m.store.MarkToolSeen(ctx, agent, tool, m.now())
}

// GenerateApprovalToken creates a pending token for (tool, argsHash).
func (m *Manager) GenerateApprovalToken(ctx context.Context, tool, argsHash string, ttlSeconds int64, agent, reason string) (store.Token, error) {
	if ttlSeconds <= 0 {
		return store.Token{}, fmt.Errorf("escalation: ttl must be > 0, got %d", ttlSeconds)
	}
	t := store.Token{
		Token:    newTokenValue(),
		ToolName: tool,
		ArgsHash: argsHash,
		Agent:    agent,
		Reason:   reason,
		IssuedAt: m.now().UTC(),
		TTL:      ttlSeconds,
		Status:   store.StatusPending,
	}
	if err := m.store.InsertToken(ctx, t); err != nil {
		return store.Token{}, err
	}
	m.event(ctx, store.KindEscalationIssued, t, reason)
	m.logger.Info("approval token issued",
		zap.String("tool", tool),
		zap.String("agent", agent),
		zap.String("token", t.Token),
		zap.Time("expires_at", t.ExpiresAt()))
	return t, nil
}

// Outcome is the result of a human action on a token.
type Outcome struct {
	Success bool        `json:"success"`
	Detail  string      `json:"detail"`
	Token   store.Token `json:"token,omitempty"`
}

// ApproveToken moves a pending, unexpired token to approved. Failures are
// reported in the outcome rather than as errors; err is reserved for store
// failures.
func (m *Manager) ApproveToken(ctx context.Context, token string) (Outcome, error) {
	return m.resolve(ctx, token, []store.TokenStatus{store.StatusPending}, store.StatusApproved, store.KindEscalationApproved)
}

// DenyToken rejects a pending or approved token so it can never be consumed.
func (m *Manager) DenyToken(ctx context.Context, token string) (Outcome, error) {
	return m.resolve(ctx, token, []store.TokenStatus{store.StatusPending, store.StatusApproved}, store.StatusDenied, store.KindEscalationDenied)
}

func (m *Manager) resolve(ctx context.Context, token string, from []store.TokenStatus, to store.TokenStatus, kind store.EventKind) (Outcome, error) {
	now := m.now()
	t, err := m.store.GetToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Detail: fmt.Sprintf("token %s not found", token)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	ok, err := m.store.TransitionToken(ctx, token, from, to, now)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		// Re-read so the detail reflects whoever won.
		if cur, err := m.store.GetToken(ctx, token); err == nil {
			t = cur
		}
		return Outcome{Token: t, Detail: fmt.Sprintf("cannot mark token %s %s: it is %s", token, to, t.EffectiveStatus(now))}, nil
	}

	t.Status = to
	t.ResolvedAt = &now
	m.event(ctx, kind, t, "")
	m.logger.Info("approval token resolved", zap.String("token", token), zap.String("status", string(to)), zap.String("tool", t.ToolName))
	return Outcome{
		Success: true,
		Token:   t,
		Detail:  fmt.Sprintf("token %s %s for tool %q until %s", token, to, t.ToolName, t.ExpiresAt().Format(time.RFC3339)),
	}, nil
}

// HasApprovedToken returns the newest approved, unexpired token issued to
// agent for (tool, argsHash), if any.
func (m *Manager) HasApprovedToken(ctx context.Context, agent, tool, argsHash string) (store.Token, bool, error) {
	t, err := m.store.FindToken(ctx, agent, tool, argsHash, store.StatusApproved, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return store.Token{}, false, nil
	}
	if err != nil {
		return store.Token{}, false, err
	}
	return t, true, nil
}

// PendingToken returns the newest pending, unexpired token issued to agent
// for (tool, argsHash), so repeated blocked calls share one review.
func (m *Manager) PendingToken(ctx context.Context, agent, tool, argsHash string) (store.Token, bool, error) {
	t, err := m.store.FindToken(ctx, agent, tool, argsHash, store.StatusPending, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return store.Token{}, false, nil
	}
	if err != nil {
		return store.Token{}, false, err
	}
	return t, true, nil
}

// ConsumeApprovedToken spends an approved token. Of any number of concurrent
// callers for the same token, exactly one gets a nil error.
func (m *Manager) ConsumeApprovedToken(ctx context.Context, token, tool, argsHash string) error {
	now := m.now()
	ok, err := m.store.ConsumeToken(ctx, token, tool, argsHash, now)
	if err != nil {
		return err
	}
	if ok {
		m.event(ctx, store.KindEscalationConsumed, store.Token{Token: token, ToolName: tool}, "")
		return nil
	}
	if _, err := m.checkAt(ctx, token, tool, argsHash, now); err != nil {
		return err
	}
	// Approved a moment ago, consumed by someone else since.
	return ErrTokenConsumed
}

// CheckApprovalToken validates a token for (tool, argsHash) without
// consuming it. A nil error means the token is approved and usable.
func (m *Manager) CheckApprovalToken(ctx context.Context, token, tool, argsHash string) (store.Token, error) {
	return m.checkAt(ctx, token, tool, argsHash, m.now())
}

func (m *Manager) checkAt(ctx context.Context, token, tool, argsHash string, now time.Time) (store.Token, error) {
	t, err := m.store.GetToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return store.Token{}, ErrTokenInvalid
	}
	if err != nil {
		return store.Token{}, err
	}
	if t.ToolName != tool || !hmac.Equal([]byte(t.ArgsHash), []byte(argsHash)) {
		return t, ErrTokenMismatch
	}
	switch t.EffectiveStatus(now) {
	case store.StatusApproved:
		return t, nil
	case store.StatusPending:
		return t, ErrTokenNotApproved
	case store.StatusExpired:
		return t, ErrTokenExpired
	case store.StatusConsumed:
		return t, ErrTokenConsumed
	case store.StatusDenied:
		return t, ErrTokenDenied
	}
	return t, ErrTokenInvalid
}

// ListTokens returns tokens with time-driven expiry applied to Status.
// With no statuses every token is returned.
func (m *Manager) ListTokens(ctx context.Context, statuses ...store.TokenStatus) ([]store.Token, error) {
	all, err := m.store.ListTokens(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []store.Token
	for _, t := range all {
		t.Status = t.EffectiveStatus(now)
		if len(statuses) > 0 && !hasStatus(statuses, t.Status) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// PurgeExpired persists expiry for tokens past their deadline.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.store.ExpireTokens(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("expired approval tokens", zap.Int64("count", n))
	}
	return n, nil
}

func (m *Manager) event(ctx context.Context, kind store.EventKind, t store.Token, detail string) {
	if m.events == nil {
		return
	}
	if detail == "" {
		detail = "token=" + t.Token
	} else {
		detail = "token=" + t.Token + " " + detail
	}
	_, err := m.events.AppendEvent(ctx, store.Event{
		Time:   m.now(),
		Kind:   kind,
		Agent:  t.Agent,
		Tool:   t.ToolName,
		Detail: detail,
	})
	if err != nil {
		m.logger.Warn("failed to record escalation event", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func hasStatus(list []store.TokenStatus, s store.TokenStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
