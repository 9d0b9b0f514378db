package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ppiankov/toolwarden/internal/store"
)

// knownKinds are the event kinds a gateway journals.
var knownKinds = map[string]bool{
	string(store.KindCall):               true,
	string(store.KindToolUsed):           true,
	string(store.KindDenied):             true,
	string(store.KindDlpScan):            true,
	string(store.KindEscalationIssued):   true,
	string(store.KindEscalationApproved): true,
	string(store.KindEscalationDenied):   true,
	string(store.KindEscalationConsumed): true,
}

// VerifyResult is the outcome of checking a journal. On success Kinds counts
// entries by event kind and PolicyHashes lists each policy hash in the order
// it first took effect.
type VerifyResult struct {
	Valid        bool           `json:"valid"`
	Lines        int            `json:"lines"`
	Kinds        map[string]int `json:"kinds,omitempty"`
	PolicyHashes []string       `json:"policy_hashes,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorLine    int            `json:"error_line,omitempty"`
}

func (r VerifyResult) fail(line int, format string, args ...any) VerifyResult {
	return VerifyResult{Lines: r.Lines, Error: fmt.Sprintf(format, args...), ErrorLine: line}
}

// Verify walks the journal at path. Every line must be a complete entry of a
// known kind with an event id and a parseable timestamp, chained to the line
// before it. The first failure is reported.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	res := VerifyResult{Kinds: make(map[string]int)}
	seenPolicy := make(map[string]bool)
	prev := GenesisHash
	r := bufio.NewReaderSize(f, 64*1024)

	for n := 1; ; n++ {
		raw, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(raw) > 0 {
				return res.fail(n, "partial final line")
			}
			break
		}
		if err != nil {
			return res.fail(n, "read: %v", err)
		}
		line := bytes.TrimSuffix(raw, []byte("\n"))
		if len(line) > maxLineSize {
			return res.fail(n, "line exceeds %d bytes", maxLineSize)
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return res.fail(n, "parse error: %v", err)
		}
		if e.PrevHash != prev {
			if n == 1 {
				return res.fail(n, "first entry prev_hash is %q, expected genesis hash", e.PrevHash)
			}
			return res.fail(n, "hash mismatch: expected %s, got %s", prev, e.PrevHash)
		}
		if !knownKinds[e.Kind] {
			return res.fail(n, "unknown event kind %q", e.Kind)
		}
		if e.EventID == "" {
			return res.fail(n, "missing event_id")
		}
		if _, err := time.Parse(TimestampFormat, e.Timestamp); err != nil {
			return res.fail(n, "bad timestamp %q", e.Timestamp)
		}

		res.Lines = n
		res.Kinds[e.Kind]++
		if e.PolicyHash != "" && !seenPolicy[e.PolicyHash] {
			seenPolicy[e.PolicyHash] = true
			res.PolicyHashes = append(res.PolicyHashes, e.PolicyHash)
		}
		prev = HashLine(line)
	}

	res.Valid = true
	return res
}
