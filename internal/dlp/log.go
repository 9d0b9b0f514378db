package dlp

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/toolwarden/internal/store"
)

// Appender is the store contract used to record scans.
type Appender interface {
	AppendEvent(ctx context.Context, ev store.Event) (store.Event, error)
}

// LogDlpScan appends a summary of res to the audit log. Only rule names and
// counts are written, never matched values.
func LogDlpScan(ctx context.Context, log Appender, agent, tool string, res ScanResult, now time.Time) (store.Event, error) {
	ev, err := log.AppendEvent(ctx, store.Event{
		Time:   now,
		Kind:   store.KindDlpScan,
		Agent:  agent,
		Tool:   tool,
		Detail: res.Summary,
	})
	if err != nil {
		return store.Event{}, fmt.Errorf("log dlp scan: %w", err)
	}
	return ev, nil
}
