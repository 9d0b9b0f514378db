package anomaly

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/store"
)

// t0 is aligned to a 300s window.
var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const window = int64(300)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *store.Store, agent, tool string, at time.Time) {
	t.Helper()
	_, err := s.AppendEvent(context.Background(), store.Event{Time: at, Kind: store.KindToolUsed, Agent: agent, Tool: tool})
	require.NoError(t, err)
}

// seedHistory records two search calls in each of the ten windows before t0.
func seedHistory(t *testing.T, s *store.Store, agent string) {
	t.Helper()
	for w := 1; w <= 10; w++ {
		start := t0.Add(-time.Duration(int64(w)*window) * time.Second)
		record(t, s, agent, "search", start.Add(10*time.Second))
		record(t, s, agent, "search", start.Add(20*time.Second))
	}
}

func anomalyPolicy() *policy.Policy {
	return &policy.Policy{
		Version: "1.0.0",
		Anomaly: policy.AnomalyConfig{
			WindowSeconds:      window,
			SpikeMultiplier:    1.5,
			HighMultiplier:     3.0,
			BaselineTTLSeconds: 60,
		},
	}
}

func TestBuildBaseline(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	record(t, s, "bot1", "read-file", t0.Add(5*time.Second))
	record(t, s, "bot2", "delete-all", t0.Add(-time.Hour))

	b, err := BuildBaseline(context.Background(), s, "bot1", window, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 20, b.TotalCalls, "current window calls are excluded from the average")
	assert.Equal(t, 10, b.Windows)
	assert.InDelta(t, 2.0, b.AvgCallsPerWindow, 1e-9)
	assert.Equal(t, []string{"read-file", "search"}, b.ToolsSeen)
	assert.True(t, b.HasSeen("read-file"))
	assert.False(t, b.HasSeen("delete-all"))
}

func TestBuildBaselineEmpty(t *testing.T) {
	s := newStore(t)
	b, err := BuildBaseline(context.Background(), s, "nobody", window, t0)
	require.NoError(t, err)
	assert.Zero(t, b.TotalCalls)
	assert.Zero(t, b.AvgCallsPerWindow)
	assert.Empty(t, b.ToolsSeen)
}

func TestBuildBaselineRejectsZeroWindow(t *testing.T) {
	_, err := BuildBaseline(context.Background(), newStore(t), "bot1", 0, t0)
	require.Error(t, err)
}

func TestCountCurrentWindowCalls(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	record(t, s, "bot1", "search", t0)
	record(t, s, "bot1", "search", t0.Add(299*time.Second))
	record(t, s, "bot1", "search", t0.Add(300*time.Second))

	n, err := CountCurrentWindowCalls(context.Background(), s, "bot1", window, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDetectAnomaliesNewTool(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	d := NewDetector(s, nil)

	got, err := d.DetectAnomalies(context.Background(), "delete-all", 1, "bot1", anomalyPolicy(), t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeNewTool, got[0].Type)
	assert.Equal(t, SeverityMedium, got[0].Severity)
}

func TestDetectAnomaliesFrequencySpike(t *testing.T) {
	tests := []struct {
		calls int
		want  Severity
	}{
		{2, ""},
		{3, ""}, // exactly 1.5x is not above the multiplier
		{4, SeverityMedium},
		{6, SeverityMedium}, // exactly 3x
		{7, SeverityHigh},
	}

	s := newStore(t)
	seedHistory(t, s, "bot1")
	d := NewDetector(s, nil)

	for _, tt := range tests {
		got, err := d.DetectAnomalies(context.Background(), "search", tt.calls, "bot1", anomalyPolicy(), t0.Add(time.Second))
		require.NoError(t, err)
		if tt.want == "" {
			assert.Empty(t, got, "calls=%d", tt.calls)
			continue
		}
		require.Len(t, got, 1, "calls=%d", tt.calls)
		assert.Equal(t, TypeFrequencySpike, got[0].Type)
		assert.Equal(t, tt.want, got[0].Severity, "calls=%d", tt.calls)
	}
}

func TestDetectAnomaliesNoHistoryNoSpike(t *testing.T) {
	d := NewDetector(newStore(t), nil)
	got, err := d.DetectAnomalies(context.Background(), "search", 50, "fresh", anomalyPolicy(), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeNewTool, got[0].Type, "only the new tool is flagged without a baseline")
}

func TestDetectAnomaliesSparseHistoryNoSpike(t *testing.T) {
	s := newStore(t)
	record(t, s, "idle", "search", t0.Add(-time.Hour))
	d := NewDetector(s, nil)
	ctx := context.Background()

	got, err := d.DetectAnomalies(ctx, "search", 1, "idle", anomalyPolicy(), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, got, "a single call after an idle hour is not a spike")

	got, err = d.DetectAnomalies(ctx, "search", 3, "idle", anomalyPolicy(), t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeFrequencySpike, got[0].Type)
	assert.Equal(t, SeverityHigh, got[0].Severity)

	p := anomalyPolicy()
	p.Anomaly.MinSpikeCalls = 1
	got, err = d.DetectAnomalies(ctx, "search", 1, "idle", p, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeFrequencySpike, got[0].Type)
}

func TestDetectAnomaliesRules(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	record(t, s, "bot1", "http-post", t0.Add(-time.Hour))
	record(t, s, "bot1", "read-file", t0.Add(-2*time.Hour))
	record(t, s, "bot1", "read-file", t0.Add(10*time.Second))

	p := anomalyPolicy()
	p.Anomaly.Rules = []policy.AnomalyRule{
		{Name: "post-after-read", Expression: "tool == 'http-post' && 'read-file' in recent_tools"},
		{Name: "busy", Expression: "current_calls > 100"},
		{Name: "broken", Expression: "recent_tools[10] == 'x'"},
	}
	d := NewDetector(s, nil)

	got, err := d.DetectAnomalies(context.Background(), "http-post", 1, "bot1", p, t0.Add(20*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeUnusualPattern, got[0].Type)
	assert.Equal(t, SeverityLow, got[0].Severity)
	assert.Equal(t, "post-after-read", got[0].Rule)
}

func TestBaselineCacheAndClear(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	d := NewDetector(s, nil)
	ctx := context.Background()
	p := anomalyPolicy()
	now := t0.Add(time.Second)

	got, err := d.DetectAnomalies(ctx, "deploy", 1, "bot1", p, now)
	require.NoError(t, err)
	require.Len(t, got, 1)

	record(t, s, "bot1", "deploy", now)

	got, err = d.DetectAnomalies(ctx, "deploy", 1, "bot1", p, now.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 1, "cached baseline is still used within its ttl")

	d.ClearBaselineCache()
	got, err = d.DetectAnomalies(ctx, "deploy", 1, "bot1", p, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBaselineExpiresAfterTTL(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	d := NewDetector(s, nil)
	ctx := context.Background()

	b1, err := d.Baseline(ctx, "bot1", window, time.Minute, t0)
	require.NoError(t, err)
	b2, err := d.Baseline(ctx, "bot1", window, time.Minute, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Same(t, b1, b2)

	b3, err := d.Baseline(ctx, "bot1", window, time.Minute, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.NotSame(t, b1, b3)
}

func TestInvalidateSingleAgent(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	seedHistory(t, s, "bot2")
	d := NewDetector(s, nil)
	ctx := context.Background()

	a1, err := d.Baseline(ctx, "bot1", window, time.Hour, t0)
	require.NoError(t, err)
	b1, err := d.Baseline(ctx, "bot2", window, time.Hour, t0)
	require.NoError(t, err)

	d.Invalidate("bot1")

	a2, err := d.Baseline(ctx, "bot1", window, time.Hour, t0)
	require.NoError(t, err)
	b2, err := d.Baseline(ctx, "bot2", window, time.Hour, t0)
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
	assert.Same(t, b1, b2)
}

func TestClearConcurrentWithReads(t *testing.T) {
	s := newStore(t)
	seedHistory(t, s, "bot1")
	d := NewDetector(s, nil)
	ctx := context.Background()
	p := anomalyPolicy()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b, err := d.Baseline(ctx, "bot1", window, time.Hour, t0)
			if assert.NoError(t, err) {
				assert.Equal(t, 20, b.TotalCalls, "readers never see a partial baseline")
			}
			_, err = d.DetectAnomalies(ctx, "search", 2, "bot1", p, t0)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			d.ClearBaselineCache()
		}()
	}
	wg.Wait()
}

func TestHasSeverity(t *testing.T) {
	list := []Anomaly{{Severity: SeverityLow}, {Severity: SeverityMedium}}
	assert.True(t, HasSeverity(list, SeverityMedium))
	assert.False(t, HasSeverity(list, SeverityHigh))
}
