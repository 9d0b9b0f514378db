// Package anomaly flags deviations from an agent's tool-usage baseline.
// Anomalies are advisory; the caller decides whether to escalate.
package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/toolwarden/internal/policy"
)

// Type classifies an anomaly.
type Type string

const (
	TypeNewTool        Type = "new-tool"
	TypeFrequencySpike Type = "frequency-spike"
	TypeUnusualPattern Type = "unusual-pattern"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is one deviation found for a call.
type Anomaly struct {
	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
	Rule     string   `json:"rule,omitempty"`
}

// HasSeverity reports whether any anomaly has severity s.
func HasSeverity(anomalies []Anomaly, s Severity) bool {
	for _, a := range anomalies {
		if a.Severity == s {
			return true
		}
	}
	return false
}

type cacheKey struct {
	agent  string
	window int64
}

// Detector caches baselines per agent. The cache map is replaced as a whole
// on clear, and entries are swapped in only when fully built, so readers
// observe either the previous or the rebuilt baseline.
type Detector struct {
	src    EventSource
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[cacheKey]*Baseline
}

// NewDetector creates a detector reading from src.
func NewDetector(src EventSource, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{src: src, logger: logger, cache: make(map[cacheKey]*Baseline)}
}

// ClearBaselineCache drops every cached baseline.
func (d *Detector) ClearBaselineCache() {
	d.mu.Lock()
	d.cache = make(map[cacheKey]*Baseline)
	d.mu.Unlock()
}

// Invalidate drops the cached baselines of one agent.
func (d *Detector) Invalidate(agent string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.cache {
		if k.agent == agent {
			delete(d.cache, k)
		}
	}
}

// Baseline returns the cached baseline for agent, rebuilding it when missing
// or older than ttl.
func (d *Detector) Baseline(ctx context.Context, agent string, windowSeconds int64, ttl time.Duration, now time.Time) (*Baseline, error) {
	key := cacheKey{agent: agent, window: windowSeconds}

	d.mu.RLock()
	b, ok := d.cache[key]
	d.mu.RUnlock()
	if ok && now.Sub(b.BuiltAt) < ttl && !now.Before(b.BuiltAt) {
		return b, nil
	}

	b, err := BuildBaseline(ctx, d.src, agent, windowSeconds, now)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[key] = b
	d.mu.Unlock()
	return b, nil
}

// DetectAnomalies compares a call against the agent's baseline.
// currentWindowCalls is the number of calls in the current window including
// this one. Rule evaluation errors are logged and skip only that rule.
func (d *Detector) DetectAnomalies(ctx context.Context, tool string, currentWindowCalls int, agent string, p *policy.Policy, now time.Time) ([]Anomaly, error) {
	cfg := p.Anomaly
	ttl := time.Duration(cfg.BaselineTTLSeconds) * time.Second

	b, err := d.Baseline(ctx, agent, cfg.WindowSeconds, ttl, now)
	if err != nil {
		return nil, err
	}

	var out []Anomaly

	if !b.HasSeen(tool) {
		out = append(out, Anomaly{
			Type:     TypeNewTool,
			Severity: SeverityMedium,
			Detail:   fmt.Sprintf("agent %q has not used tool %q before", agent, tool),
		})
	}

	// A sparse history makes any call look like a multiple of the average.
	if b.TotalCalls > 0 && b.AvgCallsPerWindow > 0 && currentWindowCalls >= cfg.SpikeFloor() {
		ratio := float64(currentWindowCalls) / b.AvgCallsPerWindow
		var sev Severity
		switch {
		case ratio > cfg.HighMultiplier:
			sev = SeverityHigh
		case ratio > cfg.SpikeMultiplier:
			sev = SeverityMedium
		}
		if sev != "" {
			out = append(out, Anomaly{
				Type:     TypeFrequencySpike,
				Severity: sev,
				Detail: fmt.Sprintf("%d calls in current %ds window is %.1fx the baseline average of %.2f",
					currentWindowCalls, cfg.WindowSeconds, ratio, b.AvgCallsPerWindow),
			})
		}
	}

	if len(cfg.Rules) > 0 {
		recent, err := RecentTools(ctx, d.src, agent, cfg.WindowSeconds, now)
		if err != nil {
			return nil, err
		}
		vars := map[string]any{
			"tool":          tool,
			"agent":         agent,
			"recent_tools":  recent,
			"tools_seen":    b.ToolsSeen,
			"current_calls": int64(currentWindowCalls),
			"avg_calls":     b.AvgCallsPerWindow,
		}
		for _, r := range cfg.Rules {
			hit, err := evalRule(r.Expression, vars)
			if err != nil {
				d.logger.Warn("anomaly rule skipped", zap.String("rule", r.Name), zap.Error(err))
				continue
			}
			if hit {
				out = append(out, Anomaly{
					Type:     TypeUnusualPattern,
					Severity: SeverityLow,
					Rule:     r.Name,
					Detail:   fmt.Sprintf("rule %q matched", r.Name),
				})
			}
		}
	}

	return out, nil
}

func evalRule(expr string, vars map[string]any) (bool, error) {
	prg, err := policy.CompileRule(expr)
	if err != nil {
		return false, err
	}
	val, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	hit, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T, want bool", val.Value())
	}
	return hit, nil
}
