package anomaly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/toolwarden/internal/ratelimit"
	"github.com/ppiankov/toolwarden/internal/store"
)

// EventSource is the read side of the audit log.
type EventSource interface {
	Events(ctx context.Context, filter store.EventFilter) ([]store.Event, error)
	CountEvents(ctx context.Context, filter store.EventFilter) (int, error)
}

// Baseline is an agent's historical tool usage. Values are immutable once
// built and may be shared between goroutines.
type Baseline struct {
	Agent             string    `json:"agent"`
	AvgCallsPerWindow float64   `json:"avg_calls_per_window"`
	ToolsSeen         []string  `json:"tools_seen"`
	TotalCalls        int       `json:"total_calls"`
	Windows           int       `json:"windows"`
	WindowSeconds     int64     `json:"window_seconds"`
	BuiltAt           time.Time `json:"built_at"`

	seen map[string]bool
}

// HasSeen reports whether the agent has used tool before.
func (b *Baseline) HasSeen(tool string) bool {
	return b.seen[tool]
}

// BuildBaseline reconstructs an agent's behavior from allowed tool calls.
// The average covers completed windows only, from the window of the first
// recorded call up to the window containing now. The tool set covers every
// recorded call.
func BuildBaseline(ctx context.Context, src EventSource, agent string, windowSeconds int64, now time.Time) (*Baseline, error) {
	if windowSeconds <= 0 {
		return nil, fmt.Errorf("build baseline: window must be > 0, got %d", windowSeconds)
	}
	events, err := src.Events(ctx, store.EventFilter{Kind: store.KindToolUsed, Agent: agent})
	if err != nil {
		return nil, fmt.Errorf("build baseline for %s: %w", agent, err)
	}

	curStart := ratelimit.WindowStart(now, windowSeconds)
	b := &Baseline{
		Agent:         agent,
		WindowSeconds: windowSeconds,
		BuiltAt:       now,
		seen:          make(map[string]bool),
	}

	var first time.Time
	for _, ev := range events {
		b.seen[ev.Tool] = true
		if !ev.Time.Before(curStart) {
			continue
		}
		b.TotalCalls++
		if first.IsZero() || ev.Time.Before(first) {
			first = ev.Time
		}
	}

	if b.TotalCalls > 0 {
		span := curStart.Sub(ratelimit.WindowStart(first, windowSeconds))
		b.Windows = int(span / (time.Duration(windowSeconds) * time.Second))
		if b.Windows < 1 {
			b.Windows = 1
		}
		b.AvgCallsPerWindow = float64(b.TotalCalls) / float64(b.Windows)
	}

	b.ToolsSeen = make([]string, 0, len(b.seen))
	for t := range b.seen {
		b.ToolsSeen = append(b.ToolsSeen, t)
	}
	sort.Strings(b.ToolsSeen)
	return b, nil
}

// CountCurrentWindowCalls counts the agent's allowed calls in the window
// containing now, using the same aligned windows as the rate limiter.
func CountCurrentWindowCalls(ctx context.Context, src EventSource, agent string, windowSeconds int64, now time.Time) (int, error) {
	start, end := ratelimit.WindowBounds(now, windowSeconds)
	n, err := src.CountEvents(ctx, store.EventFilter{
		Kind:  store.KindToolUsed,
		Agent: agent,
		Since: start,
		Until: end,
	})
	if err != nil {
		return 0, fmt.Errorf("count current window for %s: %w", agent, err)
	}
	return n, nil
}

// RecentTools lists the tools the agent used in the current window, oldest first.
func RecentTools(ctx context.Context, src EventSource, agent string, windowSeconds int64, now time.Time) ([]string, error) {
	start, end := ratelimit.WindowBounds(now, windowSeconds)
	events, err := src.Events(ctx, store.EventFilter{Kind: store.KindToolUsed, Agent: agent, Since: start, Until: end})
	if err != nil {
		return nil, fmt.Errorf("recent tools for %s: %w", agent, err)
	}
	tools := make([]string, len(events))
	for i, ev := range events {
		tools[i] = ev.Tool
	}
	return tools, nil
}
