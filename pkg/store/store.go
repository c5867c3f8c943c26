// Package store provides SQLite-backed persistence for knowledge records,
// conversation memories and extracted entities. Vector search runs inside
// SQLite through the sqlite-vec extension.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DimensionError reports an embedding whose length differs from the store.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

const schema = `
CREATE TABLE IF NOT EXISTS knowledge (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content TEXT NOT NULL,
    keywords TEXT NOT NULL DEFAULT '[]',
    category TEXT NOT NULL DEFAULT 'general',
    notes TEXT NOT NULL DEFAULT '',
    embedding BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge(category);

CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    summary TEXT NOT NULL,
    participants TEXT NOT NULL DEFAULT '[]',
    importance_initial INTEGER NOT NULL,
    importance_current INTEGER NOT NULL,
    is_fuzzy INTEGER NOT NULL DEFAULT 0,
    embedding BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    last_accessed INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_conversation ON memories(conversation_id);
CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance_current);

CREATE TABLE IF NOT EXISTS entities (
    user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    "key" TEXT NOT NULL,
    value TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'general',
    importance INTEGER NOT NULL DEFAULT 3,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed INTEGER NOT NULL,
    PRIMARY KEY (user_id, conversation_id, "key")
);

CREATE INDEX IF NOT EXISTS idx_entities_conversation ON entities(conversation_id, importance);
`

// SQLite is the SQLite-backed store. It is safe for concurrent use; writes
// are serialized through a single connection.
type SQLite struct {
	db  *sql.DB
	dim int
	now func() time.Time
}

// Option configures SQLite.
type Option func(*SQLite)

// WithClock overrides the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) {
		s.now = now
	}
}

// Open opens or creates the database at dsn and applies the schema. dim is
// the embedding dimension every stored vector must have.
func Open(ctx context.Context, dsn string, dim int, opts ...Option) (*SQLite, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	if path := filePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, dim: dim, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite-vec unavailable: %w", err)
	}
	return s, nil
}

// filePath returns the filesystem path of a plain or file: DSN, or "" for
// in-memory databases.
func filePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// Dimension returns the configured embedding dimension.
func (s *SQLite) Dimension() int {
	return s.dim
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// encodeVector serializes v as the little-endian float32 blob sqlite-vec
// expects.
func (s *SQLite) encodeVector(v []float32) ([]byte, error) {
	if len(v) != s.dim {
		return nil, &DimensionError{Want: s.dim, Got: len(v)}
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func decodeStrings(s string) ([]string, error) {
	var out []string
	if s == "" {
		return []string{}, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func unixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
