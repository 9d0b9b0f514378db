package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prev_hash of the first entry in a journal.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const (
	maxLineSize = 1 << 20
	tailChunk   = 4096
)

// ErrTornTail is returned when the journal ends in a partial line, usually
// left by a writer that crashed mid-append. Appending after it would corrupt
// the next entry, so the journal must be repaired first.
var ErrTornTail = errors.New("audit: journal ends in a partial line")

// Journal is the append-only JSONL mirror of governance events. Each
// entry's prev_hash is the hash of the line before it.
//
// Several gateway processes may share one journal. Every append takes an
// exclusive lock on the file and reads the chain tail from disk under it, so
// no writer chains onto a hash another writer has already built on.
type Journal struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open journal: %w", err)
	}
	return &Journal{path: path, file: f}, nil
}

// Record appends e, filling PrevHash and, when empty, Timestamp and EventID.
// The line is synced before the file lock is released.
func (j *Journal) Record(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := lockFile(j.file); err != nil {
		return fmt.Errorf("audit: lock journal: %w", err)
	}
	defer unlockFile(j.file)

	prev, err := tailHash(j.file)
	if err != nil {
		return err
	}
	e.PrevHash = prev

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// tailHash returns the hash of the last line in f, reading backwards from
// the end, or GenesisHash for an empty file.
func tailHash(f *os.File) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("audit: stat journal: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return GenesisHash, nil
	}

	var last [1]byte
	if _, err := f.ReadAt(last[:], size-1); err != nil {
		return "", fmt.Errorf("audit: read journal tail: %w", err)
	}
	if last[0] != '\n' {
		return "", ErrTornTail
	}

	var line []byte
	buf := make([]byte, tailChunk)
	for off := size - 1; off > 0; {
		n := int64(len(buf))
		if n > off {
			n = off
		}
		off -= n
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return "", fmt.Errorf("audit: read journal tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			line = append(append([]byte(nil), buf[i+1:n]...), line...)
			break
		}
		line = append(append([]byte(nil), buf[:n]...), line...)
		if len(line) > maxLineSize {
			return "", fmt.Errorf("audit: last journal line exceeds %d bytes", maxLineSize)
		}
	}
	return HashLine(line), nil
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
