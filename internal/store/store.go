// Package store provides the local durable cache for conversation sync.
//
// Each device holds one embedded SQLite database with three tables:
// conversations, messages, and sync_metadata (one cursor row per user).
// The database runs in WAL mode so reads stay concurrent with the sync
// engine's writes.
//
// All mutation goes through idempotent upserts: applying the same row
// twice is a no-op beyond the timestamp. Multi-row application happens
// inside a single transaction (see WithTx) so a reader never observes a
// half-applied batch.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a row does not exist locally.
var ErrNotFound = errors.New("store: row not found")

// ErrQuotaExceeded is returned when the local database is out of space.
// It is a degraded-mode signal for the cache governor, not a fatal
// error: callers should prune and retry.
var ErrQuotaExceeded = errors.New("store: local storage quota exceeded")

// DB wraps the embedded SQLite connection holding the local cache.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in WAL mode for concurrent reads. If it does
// not exist it is created; call InitSchema before first use.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		pinned INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,

		-- 0 when the governor demoted this conversation to metadata-only;
		-- messages are re-fetched on explicit open
		full_history INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		attachments TEXT,  -- JSON array
		status TEXT NOT NULL DEFAULT 'pending',
		timestamp TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		deleted_by TEXT
	);

	-- One cursor row per user
	CREATE TABLE IF NOT EXISTS sync_metadata (
		user_id TEXT PRIMARY KEY,
		last_synced_at TEXT,
		last_sync_attempt_at TEXT,
		window_days INTEGER NOT NULL DEFAULT 30,
		max_conversations INTEGER NOT NULL DEFAULT 30,
		max_messages INTEGER NOT NULL DEFAULT 100
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user
	    ON conversations(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_deleted ON conversations(deleted_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
	    ON messages(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
	CREATE INDEX IF NOT EXISTS idx_messages_deleted ON messages(deleted_at);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Tx is a transaction over the local cache. It exposes the same row
// operations as DB; the reconciler uses it to apply a whole remote
// batch atomically.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single transaction. The transaction is rolled
// back if fn returns an error or panics, committed otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// classify maps low-level SQLite failures onto the store's error
// taxonomy. A full disk surfaces as ErrQuotaExceeded so the governor
// can degrade instead of failing the caller.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "disk I/O error") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

// sqlTimeLayout is fixed width: always UTC, always nine fractional
// digits. Variable-width encodings (RFC3339Nano drops trailing zeros)
// would break the lexicographic comparisons and ORDER BY clauses the
// queries rely on, since 'Z' sorts above '.'.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// marshalAttachments stores the attachment list as a JSON array string.
func marshalAttachments(attachments []string) (string, error) {
	if attachments == nil {
		attachments = []string{}
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attachments: %w", err)
	}
	return string(data), nil
}

func unmarshalAttachments(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil, nil
	}
	var attachments []string
	if err := json.Unmarshal([]byte(raw.String), &attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if len(attachments) == 0 {
		return nil, nil
	}
	return attachments, nil
}
