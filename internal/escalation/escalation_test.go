package escalation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/ppiankov/toolwarden/internal/injection"
	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(context.Background(), st, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, st, clock
}

func issue(t *testing.T, m *Manager, tool, args string) store.Token {
	t.Helper()
	tok, err := m.GenerateApprovalToken(context.Background(), tool, m.HashArgs(args), 300, "bot1", "first use")
	if err != nil {
		t.Fatalf("GenerateApprovalToken failed: %v", err)
	}
	return tok
}

func TestTokenLifecycle(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	hash := m.HashArgs(`{"path":"/"}`)
	tok := issue(t, m, "delete-all", `{"path":"/"}`)

	if !strings.HasPrefix(tok.Token, tokenPrefix) {
		t.Errorf("expected token prefix %q, got %s", tokenPrefix, tok.Token)
	}
	if tok.Status != store.StatusPending {
		t.Errorf("expected pending, got %s", tok.Status)
	}
	if _, err := m.CheckApprovalToken(ctx, tok.Token, "delete-all", hash); !errors.Is(err, ErrTokenNotApproved) {
		t.Errorf("expected ErrTokenNotApproved, got %v", err)
	}
	if _, ok, _ := m.HasApprovedToken(ctx, "bot1", "delete-all", hash); ok {
		t.Error("pending token must not count as approved")
	}

	out, err := m.ApproveToken(ctx, tok.Token)
	if err != nil || !out.Success {
		t.Fatalf("ApproveToken: success=%v detail=%q err=%v", out.Success, out.Detail, err)
	}
	found, ok, err := m.HasApprovedToken(ctx, "bot1", "delete-all", hash)
	if err != nil || !ok || found.Token != tok.Token {
		t.Fatalf("HasApprovedToken = %v, %v, %v", found.Token, ok, err)
	}

	if err := m.ConsumeApprovedToken(ctx, tok.Token, "delete-all", hash); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if err := m.ConsumeApprovedToken(ctx, tok.Token, "delete-all", hash); !errors.Is(err, ErrTokenConsumed) {
		t.Errorf("second consume: expected ErrTokenConsumed, got %v", err)
	}

	events, err := st.Events(ctx, store.EventFilter{Tool: "delete-all"})
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind))
	}
	want := "escalation_issued,escalation_approved,escalation_consumed"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestApproveTwice(t *testing.T) {
	m, _, _ := newTestManager(t)
	tok := issue(t, m, "delete-all", "x")
	m.ApproveToken(context.Background(), tok.Token)

	out, err := m.ApproveToken(context.Background(), tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Error("expected second approval to fail")
	}
	if !strings.Contains(out.Detail, "it is approved") {
		t.Errorf("expected detail to name current status, got %q", out.Detail)
	}
}

func TestApproveNonexistent(t *testing.T) {
	m, _, _ := newTestManager(t)
	out, err := m.ApproveToken(context.Background(), "apv_missing")
	if err != nil {
		t.Fatal(err)
	}
	if out.Success || !strings.Contains(out.Detail, "not found") {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestApproveExpired(t *testing.T) {
	m, _, clock := newTestManager(t)
	tok := issue(t, m, "delete-all", "x")
	clock.Advance(301 * time.Second)

	out, err := m.ApproveToken(context.Background(), tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Fatal("expected approval of expired token to fail")
	}
	if !strings.Contains(out.Detail, "expired") {
		t.Errorf("expected expired in detail, got %q", out.Detail)
	}
}

func TestDeny(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	tok := issue(t, m, "delete-all", "x")
	m.ApproveToken(ctx, tok.Token)

	out, err := m.DenyToken(ctx, tok.Token)
	if err != nil || !out.Success {
		t.Fatalf("DenyToken: %+v %v", out, err)
	}
	if _, err := m.CheckApprovalToken(ctx, tok.Token, "delete-all", m.HashArgs("x")); !errors.Is(err, ErrTokenDenied) {
		t.Errorf("expected ErrTokenDenied, got %v", err)
	}
	if err := m.ConsumeApprovedToken(ctx, tok.Token, "delete-all", m.HashArgs("x")); !errors.Is(err, ErrTokenDenied) {
		t.Errorf("expected consume of denied token to fail with ErrTokenDenied, got %v", err)
	}
}

func TestCheckApprovalToken(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	tok := issue(t, m, "delete-all", "x")
	m.ApproveToken(ctx, tok.Token)

	tests := []struct {
		name  string
		token string
		tool  string
		args  string
		want  error
	}{
		{"valid", tok.Token, "delete-all", "x", nil},
		{"unknown token", "apv_nope", "delete-all", "x", ErrTokenInvalid},
		{"other tool", tok.Token, "search", "x", ErrTokenMismatch},
		{"other args", tok.Token, "delete-all", "y", ErrTokenMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CheckApprovalToken(ctx, tt.token, tt.tool, m.HashArgs(tt.args))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	clock.Advance(5 * time.Minute)
	if _, err := m.CheckApprovalToken(ctx, tok.Token, "delete-all", m.HashArgs("x")); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired at ttl boundary, got %v", err)
	}
	if err := m.ConsumeApprovedToken(ctx, tok.Token, "delete-all", m.HashArgs("x")); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected consume after expiry to fail, got %v", err)
	}
}

func TestConsumeMismatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	tok := issue(t, m, "delete-all", "x")
	m.ApproveToken(ctx, tok.Token)

	if err := m.ConsumeApprovedToken(ctx, tok.Token, "delete-all", m.HashArgs("other")); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("expected ErrTokenMismatch, got %v", err)
	}
	// Still usable with the right arguments.
	if err := m.ConsumeApprovedToken(ctx, tok.Token, "delete-all", m.HashArgs("x")); err != nil {
		t.Errorf("expected consume to succeed, got %v", err)
	}
}

func TestConcurrentConsume(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	tok := issue(t, m, "delete-all", "x")
	m.ApproveToken(ctx, tok.Token)
	hash := m.HashArgs("x")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.ConsumeApprovedToken(ctx, tok.Token, "delete-all", hash); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Errorf("expected exactly one successful consume, got %d", got)
	}
}

func TestListTokensAndPurge(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	a := issue(t, m, "delete-all", "a")
	issue(t, m, "delete-all", "b")
	m.ApproveToken(ctx, a.Token)

	pending, err := m.ListTokens(ctx, store.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending token, got %d", len(pending))
	}

	clock.Advance(time.Hour)
	expired, _ := m.ListTokens(ctx, store.StatusExpired)
	if len(expired) != 2 {
		t.Errorf("expected 2 expired tokens, got %d", len(expired))
	}
	n, err := m.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 tokens purged, got %d", n)
	}
}

func TestGenerateRejectsZeroTTL(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.GenerateApprovalToken(context.Background(), "x", "h", 0, "a", "r"); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestFirstTimeToolUse(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.IsFirstTimeToolUse(ctx, "bot1", "delete-all")
	if err != nil || !first {
		t.Fatalf("expected first use, got %v %v", first, err)
	}
	recorded, err := m.RecordToolUse(ctx, "bot1", "delete-all")
	if err != nil || !recorded {
		t.Fatalf("RecordToolUse = %v, %v", recorded, err)
	}
	first, _ = m.IsFirstTimeToolUse(ctx, "bot1", "delete-all")
	if first {
		t.Error("expected tool to be known after recording")
	}
	first, _ = m.IsFirstTimeToolUse(ctx, "bot2", "delete-all")
	if !first {
		t.Error("first use is tracked per agent")
	}
}

func TestHashArgs(t *testing.T) {
	m, _, _ := newTestManager(t)
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.String().Draw(rt, "a")
		b := rapid.String().Draw(rt, "b")
		if m.HashArgs(a) != m.HashArgs(a) {
			rt.Fatal("hash is not deterministic")
		}
		if a != b && m.HashArgs(a) == m.HashArgs(b) {
			rt.Fatalf("collision for %q and %q", a, b)
		}
	})
}

func TestHashArgsKeyedPerStore(t *testing.T) {
	m1, _, _ := newTestManager(t)
	m2, _, _ := newTestManager(t)
	if m1.HashArgs("x") == m2.HashArgs("x") {
		t.Error("expected different stores to derive different keys")
	}
	if strings.Contains(m1.HashArgs("secret-value"), "secret") {
		t.Error("hash leaks input")
	}
}

func TestClassifyInjectionSeverity(t *testing.T) {
	heuristic := func(rule string) injection.Match {
		return injection.Match{Kind: injection.KindHeuristic, Rule: rule, Source: injection.SourceRaw}
	}
	tests := []struct {
		name string
		res  injection.Result
		want Severity
	}{
		{"clean", injection.Result{Clean: true}, SeverityNone},
		{"decoded only", injection.Result{Clean: true, Candidates: []injection.Candidate{{Encoding: injection.EncBase64}}}, SeverityLow},
		{"fragment only", injection.Result{Clean: true, Candidates: []injection.Candidate{{Encoding: injection.EncBase64, Partial: true}}}, SeverityNone},
		{"one rule", injection.Result{Matches: []injection.Match{heuristic("override-ignore")}}, SeverityMedium},
		{"one rule two sources", injection.Result{Matches: []injection.Match{
			heuristic("override-ignore"),
			{Kind: injection.KindHeuristic, Rule: "override-ignore", Source: "base64"},
		}}, SeverityMedium},
		{"two rules", injection.Result{Matches: []injection.Match{heuristic("override-ignore"), heuristic("role-you-are-now")}}, SeverityHigh},
		{"policy plus heuristic", injection.Result{Matches: []injection.Match{
			heuristic("override-ignore"),
			{Kind: injection.KindPolicy, Rule: "custom", Source: injection.SourceRaw},
		}}, SeverityHigh},
		{"canary", injection.Result{Matches: []injection.Match{{Kind: injection.KindCanary, Rule: "canary-1"}}}, SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyInjectionSeverity(tt.res); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSeverityEscalates(t *testing.T) {
	p := &policy.Policy{Escalation: policy.EscalationConfig{EscalateOn: []string{"medium"}}}
	if !SeverityHigh.Escalates(p) {
		t.Error("high must always escalate")
	}
	if !SeverityMedium.Escalates(p) {
		t.Error("medium listed in escalate_on must escalate")
	}
	if SeverityLow.Escalates(p) || SeverityNone.Escalates(p) {
		t.Error("unlisted severities must not escalate")
	}
}

func TestRequiresFirstUseApproval(t *testing.T) {
	p := &policy.Policy{Escalation: policy.EscalationConfig{FirstUseTools: []string{"delete-*", "shell"}}}
	if !RequiresFirstUseApproval(p, "delete-all") {
		t.Error("expected glob match")
	}
	if RequiresFirstUseApproval(p, "search") {
		t.Error("unexpected match")
	}
	if RequiresFirstUseApproval(nil, "shell") {
		t.Error("nil policy requires nothing")
	}
}

func TestFormatReviewBlock(t *testing.T) {
	m, _, _ := newTestManager(t)
	tok := issue(t, m, "delete-all", `{"password":"hunter2"}`)
	block := FormatReviewBlock("first use of delete-all", tok)

	for _, want := range []string{"delete-all", tok.Token, "first use of delete-all", "toolwarden approve " + tok.Token} {
		if !strings.Contains(block, want) {
			t.Errorf("review block missing %q:\n%s", want, block)
		}
	}
	if strings.Contains(block, "hunter2") {
		t.Error("review block must not include arguments")
	}
}

func TestPendingToken(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	hash := m.HashArgs("x")

	if _, ok, _ := m.PendingToken(ctx, "bot1", "delete-all", hash); ok {
		t.Fatal("expected no pending token")
	}
	tok := issue(t, m, "delete-all", "x")
	got, ok, err := m.PendingToken(ctx, "bot1", "delete-all", hash)
	if err != nil || !ok || got.Token != tok.Token {
		t.Fatalf("PendingToken = %v, %v, %v", got.Token, ok, err)
	}

	clock.Advance(time.Hour)
	if _, ok, _ := m.PendingToken(ctx, "bot1", "delete-all", hash); ok {
		t.Error("expired token must not be returned as pending")
	}
}
