package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/satchel/internal/record"
	"github.com/roach88/satchel/internal/schema"
)

func tableName(store string) string {
	return "doc_" + store
}

func indexName(store, index string) string {
	return "idx_" + store + "_" + index
}

// extractExpr builds the json_extract expression for a dotted keyPath.
// Key paths are validated against an identifier grammar at schema
// definition time, so interpolation here is safe.
func extractExpr(keyPath string) string {
	return "json_extract(record, '$." + keyPath + "')"
}

// EnsureStore creates the document table and its secondary indexes if
// absent. Existing stores are never dropped; a redefined store only gains
// missing indexes. Multi-entry indexes have no SQL representation (SQLite
// expression indexes cannot index array elements) and are served by
// primary-order scans at query time.
func (d *DB) EnsureStore(ctx context.Context, def schema.StoreDefinition) error {
	table := tableName(def.Name)

	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			key TEXT PRIMARY KEY,
			record TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create store %s: %w", def.Name, err)
	}

	for _, idx := range def.Indexes {
		if idx.MultiEntry {
			continue
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		_, err := d.db.ExecContext(ctx, `
			CREATE `+unique+`INDEX IF NOT EXISTS `+indexName(def.Name, idx.Name)+`
			ON `+table+` (`+extractExpr(idx.KeyPath)+`)`)
		if err != nil {
			return fmt.Errorf("create index %s on %s: %w", idx.Name, def.Name, err)
		}
	}
	return nil
}

// HasStore reports whether the document table for a store exists.
func (d *DB) HasStore(ctx context.Context, store string) (bool, error) {
	var name string
	err := d.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`,
		tableName(store)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check store %s: %w", store, err)
	}
	return true, nil
}

// Insert writes a new record. Fails with ErrConflict when the key or a
// unique index value already exists.
func (d *DB) Insert(ctx context.Context, store, key string, rec record.Record) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", store, err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO `+tableName(store)+` (key, record) VALUES (?, ?)`,
		key, encoded)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("insert into %s: key %q: %w", store, key, ErrConflict)
		}
		return fmt.Errorf("insert into %s: %w", store, err)
	}
	return nil
}

// Put writes a record, replacing any existing row with the same key.
func (d *DB) Put(ctx context.Context, store, key string, rec record.Record) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("put into %s: %w", store, err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+tableName(store)+` (key, record) VALUES (?, ?)`,
		key, encoded)
	if err != nil {
		return fmt.Errorf("put into %s: %w", store, err)
	}
	return nil
}

// Get retrieves a single record by primary key. Returns ErrNotFound when
// absent.
func (d *DB) Get(ctx context.Context, store, key string) (record.Record, error) {
	var encoded string
	err := d.db.QueryRowContext(ctx,
		`SELECT record FROM `+tableName(store)+` WHERE key = ?`,
		key).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", store, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", store, key, err)
	}
	return decodeRecord(encoded)
}

// Delete removes a record by primary key. Deleting an absent key is a
// no-op.
func (d *DB) Delete(ctx context.Context, store, key string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM `+tableName(store)+` WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", store, key, err)
	}
	return nil
}

// Clear removes every record in a store.
func (d *DB) Clear(ctx context.Context, store string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM `+tableName(store))
	if err != nil {
		return fmt.Errorf("clear %s: %w", store, err)
	}
	return nil
}

// Count returns the number of records in a store.
func (d *DB) Count(ctx context.Context, store string) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+tableName(store)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", store, err)
	}
	return count, nil
}
