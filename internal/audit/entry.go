package audit

import (
	"github.com/ppiankov/toolwarden/internal/store"
)

// Entry is one line in the hash-chained JSONL journal. It mirrors a store
// event. All fields are plain strings so json.Marshal output is
// deterministic and hashing is reproducible.
type Entry struct {
	Timestamp  string `json:"ts"`
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"`
	Agent      string `json:"agent"`
	Session    string `json:"session,omitempty"`
	Tool       string `json:"tool"`
	Bucket     string `json:"bucket,omitempty"`
	Detail     string `json:"detail"`
	PolicyHash string `json:"policy_hash,omitempty"`
	PrevHash   string `json:"prev_hash"`
}

// FromEvent converts a store event into a journal entry.
func FromEvent(ev store.Event, policyHash string) Entry {
	e := Entry{
		EventID:    ev.ID,
		Kind:       string(ev.Kind),
		Agent:      ev.Agent,
		Session:    ev.Session,
		Tool:       ev.Tool,
		Bucket:     ev.Bucket,
		Detail:     ev.Detail,
		PolicyHash: policyHash,
	}
	if !ev.Time.IsZero() {
		e.Timestamp = ev.Time.UTC().Format(TimestampFormat)
	}
	return e
}
