// Package ratelimit enforces fixed-window call limits per identity, counted
// through the shared event store so that concurrent processes observe the
// same counts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/toolwarden/internal/glob"
	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/store"
)

// Counter is the store contract the limiter relies on: an atomic
// count-then-append.
type Counter interface {
	AppendIfUnder(ctx context.Context, filter store.EventFilter, limit int, ev store.Event) (int, bool, error)
}

// Result is the outcome of CheckRateLimit.
type Result struct {
	Allowed  bool      `json:"allowed"`
	Detail   string    `json:"detail"`
	Rule     string    `json:"rule,omitempty"`
	Count    int       `json:"count,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	PolicyID string    `json:"policy_id,omitempty"`
	ResetAt  time.Time `json:"reset_at,omitempty"`
}

// MatchRule reports whether rule applies to a call of tool by userID.
func MatchRule(rule policy.RateLimitRule, userID, tool string) bool {
	if !glob.MatchAny(rule.Tools, tool) {
		return false
	}
	return len(rule.Users) == 0 || glob.MatchAny(rule.Users, userID)
}

// Bucket is the counter key for rule. Per-session rules count each session
// separately.
func Bucket(rule policy.RateLimitRule, session string) string {
	if rule.PerSession {
		return rule.Name + "/" + session
	}
	return rule.Name
}

// CheckRateLimit reserves one slot in every rule that applies to the call.
// The first rule whose window is already full denies the call; slots already
// reserved in earlier rules stay counted. Counts from previous windows never
// affect the current one.
func CheckRateLimit(ctx context.Context, c Counter, userID, session, tool string, p *policy.Policy, now time.Time) (Result, error) {
	matched := 0
	var last Result

	for _, rule := range p.RateLimits {
		if !MatchRule(rule, userID, tool) {
			continue
		}
		matched++

		start, end := WindowBounds(now, rule.WindowSeconds)
		bucket := Bucket(rule, session)
		filter := store.EventFilter{
			Kind:   store.KindCall,
			Agent:  userID,
			Bucket: bucket,
			Since:  start,
			Until:  end,
		}
		ev := store.Event{
			Time:    now,
			Kind:    store.KindCall,
			Agent:   userID,
			Session: session,
			Tool:    tool,
			Bucket:  bucket,
		}

		count, ok, err := c.AppendIfUnder(ctx, filter, rule.MaxCalls, ev)
		if err != nil {
			return Result{}, fmt.Errorf("rate limit %s: %w", rule.Name, err)
		}
		if !ok {
			return Result{
				Allowed: false,
				Rule:    rule.Name,
				Count:   count,
				Limit:   rule.MaxCalls,
				ResetAt: end,
				Detail: fmt.Sprintf("rate limit exceeded: %d/%d calls to %q in %ds window (resets %s)",
					count, rule.MaxCalls, rule.Name, rule.WindowSeconds, end.Format(time.RFC3339)),
				PolicyID: fmt.Sprintf("ratelimit.%s.%s_exceeded", userID, rule.Name),
			}, nil
		}
		last = Result{
			Allowed: true,
			Rule:    rule.Name,
			Count:   count + 1,
			Limit:   rule.MaxCalls,
			ResetAt: end,
		}
	}

	if matched == 0 {
		return Result{Allowed: true, Detail: "no rate limit applies"}, nil
	}
	last.Detail = fmt.Sprintf("within rate limits (%d rule(s), %q at %d/%d)", matched, last.Rule, last.Count, last.Limit)
	return last, nil
}
