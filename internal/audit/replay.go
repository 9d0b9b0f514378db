package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/toolwarden/internal/store"
)

// TimestampFormat is the layout used in journal timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ReplayFilter selects journal entries. Zero values do not filter.
type ReplayFilter struct {
	Agent string
	Tool  string
	Kind  string
	From  time.Time
	To    time.Time
}

// ReplaySummary counts replayed entries by outcome.
type ReplaySummary struct {
	Total          int    `json:"total"`
	CallCount      int    `json:"call_count"`
	AllowCount     int    `json:"allow_count"`
	DenyCount      int    `json:"deny_count"`
	EscalateCount  int    `json:"escalate_count"`
	ApproveCount   int    `json:"approve_count"`
	ConsumeCount   int    `json:"consume_count"`
	DlpScanCount   int    `json:"dlp_scan_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and their summary.
type ReplayResult struct {
	Agent   string        `json:"agent,omitempty"`
	Entries []Entry       `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the journal at path and returns entries matching filter.
// Malformed lines are skipped; use Verify to detect them.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{Agent: filter.Agent}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !filter.matches(entry) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return result, nil
}

func (f ReplayFilter) matches(e Entry) bool {
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

func updateSummary(s *ReplaySummary, e Entry) {
	s.Total++
	switch store.EventKind(e.Kind) {
	case store.KindCall:
		s.CallCount++
	case store.KindToolUsed:
		s.AllowCount++
	case store.KindDenied:
		s.DenyCount++
	case store.KindEscalationIssued:
		s.EscalateCount++
	case store.KindEscalationApproved:
		s.ApproveCount++
	case store.KindEscalationConsumed:
		s.ConsumeCount++
	case store.KindDlpScan:
		s.DlpScanCount++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
