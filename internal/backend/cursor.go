package backend

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/satchel/internal/record"
)

// KeyRange bounds a cursor over an index. Only takes precedence over
// Lower/Upper; a nil bound is unbounded. Bounds are inclusive.
type KeyRange struct {
	Only  any
	Lower any
	Upper any
}

// CursorPlan describes one cursor over a store.
type CursorPlan struct {
	// Store is the store name. The caller has already validated it
	// against the schema registry.
	Store string
	// IndexPath is the keyPath of the chosen index. Empty means primary
	// key order.
	IndexPath string
	// Range bounds the indexed value. Ignored when IndexPath is empty.
	Range *KeyRange
	// Descending reverses the iteration order.
	Descending bool
}

// Cursor is a lazy, ordered sequence of records produced by iterating a
// store or one of its indexes. Callers must Close it.
type Cursor struct {
	rows *sql.Rows
}

// OpenCursor starts iteration for the given plan. Order follows the
// chosen index's natural key order (primary key order when no index is
// given), tie-broken by primary key with binary collation for
// deterministic results.
func (d *DB) OpenCursor(ctx context.Context, plan CursorPlan) (*Cursor, error) {
	query := `SELECT key, record FROM ` + tableName(plan.Store)

	var args []any
	if plan.IndexPath != "" && plan.Range != nil {
		expr := extractExpr(plan.IndexPath)
		switch {
		case plan.Range.Only != nil:
			query += ` WHERE ` + expr + ` = ?`
			args = append(args, bindValue(plan.Range.Only))
		case plan.Range.Lower != nil && plan.Range.Upper != nil:
			query += ` WHERE ` + expr + ` >= ? AND ` + expr + ` <= ?`
			args = append(args, bindValue(plan.Range.Lower), bindValue(plan.Range.Upper))
		case plan.Range.Lower != nil:
			query += ` WHERE ` + expr + ` >= ?`
			args = append(args, bindValue(plan.Range.Lower))
		case plan.Range.Upper != nil:
			query += ` WHERE ` + expr + ` <= ?`
			args = append(args, bindValue(plan.Range.Upper))
		}
	}

	dir := "ASC"
	if plan.Descending {
		dir = "DESC"
	}
	if plan.IndexPath != "" {
		query += ` ORDER BY ` + extractExpr(plan.IndexPath) + ` ` + dir + `, key COLLATE BINARY ASC`
	} else {
		query += ` ORDER BY key COLLATE BINARY ` + dir
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("open cursor on %s: %w", plan.Store, err)
	}
	return &Cursor{rows: rows}, nil
}

// Next advances the cursor. Returns the record and true while records
// remain; (nil, false, nil) at exhaustion; a non-nil error aborts
// iteration.
func (c *Cursor) Next() (Row, bool, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return Row{}, false, fmt.Errorf("advance cursor: %w", err)
		}
		return Row{}, false, nil
	}

	var row Row
	var encoded string
	if err := c.rows.Scan(&row.Key, &encoded); err != nil {
		return Row{}, false, fmt.Errorf("scan cursor row: %w", err)
	}
	rec, err := decodeRecord(encoded)
	if err != nil {
		return Row{}, false, err
	}
	row.Record = rec
	return row, true, nil
}

// Close releases the cursor's underlying rows.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

// Row is one cursor step: a primary key and its decoded record.
type Row struct {
	Key    string
	Record record.Record
}
