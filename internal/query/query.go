// Package query drives cursor iteration to implement filtered, sorted,
// paginated reads, and applies the identical policy to cached slices so
// cache-served and backend-served results agree.
package query

import (
	"github.com/roach88/satchel/internal/backend"
	"github.com/roach88/satchel/internal/record"
)

// SortKey orders results by one field. Ties are broken by subsequent
// keys in list order; the sort is stable otherwise.
type SortKey struct {
	Field      string
	Descending bool
}

// Range bounds an indexed lookup: either an equality probe (Only) or an
// inclusive Lower/Upper pair, each side optional.
type Range struct {
	Only  any
	Lower any
	Upper any
}

// Options shape a read. The zero value returns everything in natural
// order.
type Options struct {
	// Index names a secondary index to iterate instead of the primary
	// key. Resolved against the schema by the storage core.
	Index string
	// Range bounds the indexed value. Requires Index.
	Range *Range
	// Filter drops records it returns false for. Filtered-out records do
	// not count toward Limit.
	Filter func(record.Record) bool
	// Sort is applied after collection.
	Sort []SortKey
	// Offset skips raw cursor positions before the filter is consulted.
	// This is deliberate, contract-level behavior: offset consumes
	// cursor positions, not filtered results.
	Offset int
	// Limit caps the number of records returned. Zero means unlimited.
	Limit int
	// Descending reverses cursor iteration order.
	Descending bool
	// ForceRefresh bypasses the read cache for this call.
	ForceRefresh bool
}

// Collect drains a cursor under the options' paging policy, then sorts.
// Per cursor step, in this exact order: a remaining offset consumes the
// position without inspecting the record; otherwise the filter runs, and
// only passing records count toward the limit. Iteration stops at the
// limit or at exhaustion.
func Collect(cur *backend.Cursor, opts *Options) ([]record.Record, error) {
	if opts == nil {
		opts = &Options{}
	}
	results, err := run(func() (record.Record, bool, error) {
		row, ok, err := cur.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		return row.Record, true, nil
	}, opts)
	if err != nil {
		return nil, err
	}
	sortRecords(results, opts.Sort)
	return results, nil
}

// ApplySlice runs the same policy over an in-memory slice, used when a
// read is served from the cache. The slice is expected in ascending
// cursor order; Descending walks it back to front, so results match
// Collect over the equivalent cursor.
func ApplySlice(records []record.Record, opts *Options) []record.Record {
	if opts == nil {
		opts = &Options{}
	}
	i := 0
	results, _ := run(func() (record.Record, bool, error) {
		if i >= len(records) {
			return nil, false, nil
		}
		rec := records[i]
		if opts.Descending {
			rec = records[len(records)-1-i]
		}
		i++
		return rec, true, nil
	}, opts)
	sortRecords(results, opts.Sort)
	return results
}

func run(next func() (record.Record, bool, error), opts *Options) ([]record.Record, error) {
	results := []record.Record{}
	remaining := opts.Offset

	for {
		rec, ok, err := next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return results, nil
		}

		if remaining > 0 {
			remaining--
			continue
		}
		if opts.Filter != nil && !opts.Filter(rec) {
			continue
		}
		results = append(results, rec)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			return results, nil
		}
	}
}
