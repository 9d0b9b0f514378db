package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/toolwarden/internal/store"
)

type policyHashKey struct{}

// WithPolicyHash attaches the hash of the policy in force to ctx so that
// mirrored entries record which policy produced them.
func WithPolicyHash(ctx context.Context, hash string) context.Context {
	return context.WithValue(ctx, policyHashKey{}, hash)
}

func policyHashFrom(ctx context.Context) string {
	h, _ := ctx.Value(policyHashKey{}).(string)
	return h
}

// Mirror is a store whose appends are also written to a journal. Reads go
// straight to the store. The store stays the source of truth: a journal
// write failure is logged and does not fail the append.
type Mirror struct {
	*store.Store
	journal *Journal
	logger  *zap.Logger
}

// NewMirror wraps st. A nil journal disables mirroring.
func NewMirror(st *store.Store, journal *Journal, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{Store: st, journal: journal, logger: logger}
}

// AppendEvent appends ev to the store and the journal.
func (m *Mirror) AppendEvent(ctx context.Context, ev store.Event) (store.Event, error) {
	ev, err := m.Store.AppendEvent(ctx, ev)
	if err != nil {
		return ev, err
	}
	m.record(ctx, ev)
	return ev, nil
}

// AppendIfUnder appends ev to the store when the filter count is below
// limit, and journals it only when it was appended.
func (m *Mirror) AppendIfUnder(ctx context.Context, filter store.EventFilter, limit int, ev store.Event) (int, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	count, appended, err := m.Store.AppendIfUnder(ctx, filter, limit, ev)
	if err != nil || !appended {
		return count, appended, err
	}
	m.record(ctx, ev)
	return count, appended, nil
}

func (m *Mirror) record(ctx context.Context, ev store.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(FromEvent(ev, policyHashFrom(ctx))); err != nil {
		m.logger.Warn("journal write failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
