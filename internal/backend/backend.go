// Package backend is the persistent half of the storage core: a SQLite
// database holding one table per document store.
//
// Layout:
//   - doc_<store>: key TEXT PRIMARY KEY, record TEXT (canonical JSON)
//   - storage_meta: key/value pairs (stored schema version, per-store
//     auto-increment sequences)
//   - migration_history: append-only migration ledger
//
// Secondary indexes are SQLite expression indexes over
// json_extract(record, '$.<keyPath>'). Every cursor query tie-breaks on
// the primary key with binary collation so repeated iteration yields an
// identical sequence.
package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/satchel/internal/record"
)

const versionMetaKey = "schema_version"

// Sentinel errors surfaced by backend operations.
var (
	// ErrNotFound reports an absent record.
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a primary-key or unique-index collision.
	ErrConflict = errors.New("key conflict")
)

// DB wraps the single SQLite connection owned by one storage instance.
// All mutation goes through DB methods; the handle is never exposed for
// direct external mutation.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and prepares the meta
// tables. Idempotent.
//
// The connection is configured with WAL mode, NORMAL synchronous, a
// 5-second busy timeout, and foreign key enforcement. SQLite supports a
// single writer, so the pool is capped at one connection.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := ensureMetaTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure meta tables: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Path returns the filesystem path the database was opened at.
func (d *DB) Path() string {
	return d.path
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func ensureMetaTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS storage_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS migration_history (
			to_version INTEGER PRIMARY KEY,
			from_version INTEGER NOT NULL,
			applied_at TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO storage_meta (key, value) VALUES ('` + versionMetaKey + `', '0')`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute meta statement: %w", err)
		}
	}
	return nil
}

// Version reads the stored schema version marker.
func (d *DB) Version(ctx context.Context) (int, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM storage_meta WHERE key = ?`, versionMetaKey).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return version, nil
}

// SetVersion persists the stored schema version marker.
func (d *DB) SetVersion(ctx context.Context, version int) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO storage_meta (key, value) VALUES (?, ?)`,
		versionMetaKey, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// NextSequence returns the next auto-increment value for a store,
// persisting the counter so it survives restarts. Gaps after a crash are
// acceptable; the counter never repeats.
func (d *DB) NextSequence(ctx context.Context, store string) (int64, error) {
	key := "seq:" + store

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("next sequence: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM storage_meta WHERE key = ?`, key).Scan(&raw)
	var current int64
	switch {
	case err == nil:
		current, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("next sequence: parse %q: %w", raw, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	default:
		return 0, fmt.Errorf("next sequence: read: %w", err)
	}

	next := current + 1
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO storage_meta (key, value) VALUES (?, ?)`,
		key, strconv.FormatInt(next, 10))
	if err != nil {
		return 0, fmt.Errorf("next sequence: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("next sequence: commit: %w", err)
	}
	return next, nil
}

// MigrationEntry is one row of the append-only migration ledger.
type MigrationEntry struct {
	FromVersion int    `json:"fromVersion"`
	ToVersion   int    `json:"toVersion"`
	AppliedAt   string `json:"appliedAt"`
}

// AppendMigration records an applied migration. Replay-safe: re-recording
// an already-present target version is a no-op.
func (d *DB) AppendMigration(ctx context.Context, entry MigrationEntry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO migration_history (to_version, from_version, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(to_version) DO NOTHING
	`, entry.ToVersion, entry.FromVersion, entry.AppliedAt)
	if err != nil {
		return fmt.Errorf("append migration: %w", err)
	}
	return nil
}

// MigrationHistory returns the ledger in ascending target-version order.
// Returns an empty slice (not nil) when no migrations were applied.
func (d *DB) MigrationHistory(ctx context.Context) ([]MigrationEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT from_version, to_version, applied_at
		FROM migration_history
		ORDER BY to_version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query migration history: %w", err)
	}
	defer rows.Close()

	entries := []MigrationEntry{}
	for rows.Next() {
		var e MigrationEntry
		if err := rows.Scan(&e.FromVersion, &e.ToVersion, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration history: %w", err)
	}
	return entries, nil
}

// bindValue normalizes a probe value for SQL binding. json.Number must
// bind as a real number or SQLite's typed comparison against
// json_extract output would never match.
func bindValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// encodeRecord serializes a record for storage.
func encodeRecord(rec record.Record) (string, error) {
	data, err := record.MarshalCanonical(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(data), nil
}

// decodeRecord deserializes a stored row.
func decodeRecord(data string) (record.Record, error) {
	rec, err := record.Unmarshal([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// isConflict reports whether err is a SQLite uniqueness violation.
func isConflict(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
