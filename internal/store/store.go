package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a token lookup has no result.
var ErrNotFound = errors.New("not found")

// Store is the shared append-only event log and approval token store.
// Every process that governs tool calls for the same agents opens the same
// database file. Counting and token transitions run inside IMMEDIATE
// transactions so concurrent processes serialize on the SQLite write lock.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath returns the default store location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolwarden", "state.db")
	}
	return filepath.Join(home, ".toolwarden", "state.db")
}

// Open opens (or creates) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection per process: in-process callers queue on the pool,
	// other processes queue on the SQLite lock.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			session TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS events_agent_window ON events (agent, kind, ts)`,
		`CREATE INDEX IF NOT EXISTS events_bucket_window ON events (agent, bucket, kind, ts)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			args_hash TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			issued_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			resolved_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS tokens_binding ON tokens (tool, args_hash, status)`,
		`CREATE TABLE IF NOT EXISTS tools_seen (
			agent TEXT NOT NULL,
			tool TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			PRIMARY KEY (agent, tool)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Secret returns the store-wide master secret, creating it on first use.
// All processes sharing the store derive the same keys from it.
func (s *Store) Secret(ctx context.Context) ([]byte, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("store: generate secret: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('master_secret', ?)`,
		hex.EncodeToString(raw[:])); err != nil {
		return nil, fmt.Errorf("store: write secret: %w", err)
	}

	var value string
	if err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'master_secret'`).Scan(&value); err != nil {
		return nil, fmt.Errorf("store: read secret: %w", err)
	}
	return hex.DecodeString(value)
}

func newEventID() string {
	return uuid.NewString()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
