package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/satchel/internal/backend"
	"github.com/roach88/satchel/internal/cache"
	"github.com/roach88/satchel/internal/query"
	"github.com/roach88/satchel/internal/record"
	"github.com/roach88/satchel/internal/schema"
)

// updatedAtField is stamped on every add and update.
const updatedAtField = "_updatedAt"

// Add inserts a new record and returns its primary key. When the record
// carries no value at the store's keyPath, a key is generated: the next
// persistent sequence for auto-increment stores (zero-padded so key
// order matches numeric order), a UUID otherwise. The generated key is
// written back into the record before storage.
func (c *Core) Add(ctx context.Context, store string, rec record.Record) (string, error) {
	db, err := c.handle()
	if err != nil {
		return "", err
	}
	def, err := c.resolveStore(store)
	if err != nil {
		return "", c.fail("add", store, err)
	}
	if rec == nil {
		return "", c.fail("add", store, fmt.Errorf("%w: nil record", ErrValidation))
	}

	rec = rec.Clone()
	key, ok := rec.KeyString(def.KeyPath)
	if !ok {
		if def.AutoIncrement {
			seq, err := db.NextSequence(ctx, store)
			if err != nil {
				return "", c.fail("add", store, err)
			}
			key = fmt.Sprintf("%012d", seq)
		} else {
			key = uuid.NewString()
		}
		rec.SetField(def.KeyPath, key)
	}
	rec[updatedAtField] = c.now().UTC().Format(time.RFC3339Nano)

	if err := db.Insert(ctx, store, key, rec); err != nil {
		return "", c.fail("add", store, err)
	}

	c.cache.Add(store, key, rec)
	return key, nil
}

// Get retrieves a record by primary key, consulting the cache first. A
// cache miss falls through to the backend without populating the cache.
// Absent records return (nil, nil). Records in the TTL cache store whose
// expiry has passed read as absent and are deleted opportunistically.
func (c *Core) Get(ctx context.Context, store, key string) (record.Record, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	if _, err := c.resolveStore(store); err != nil {
		return nil, c.fail("get", store, err)
	}

	if rec, ok := c.cache.Get(store, key); ok {
		if store == schema.CacheStore && c.expired(rec) {
			c.purgeExpiredRecord(ctx, db, key)
			return nil, nil
		}
		return rec, nil
	}

	rec, err := db.Get(ctx, store, key)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, c.fail("get", store, err)
	}
	if store == schema.CacheStore && c.expired(rec) {
		c.purgeExpiredRecord(ctx, db, key)
		return nil, nil
	}
	return rec, nil
}

// GetAll returns records under the options' filter, sort, and paging
// policy. With no index, no range, and ForceRefresh unset, a cached
// slice serves the read with the identical policy applied; otherwise a
// backend cursor drives the query. Full unfiltered reads populate the
// cache.
func (c *Core) GetAll(ctx context.Context, store string, opts *query.Options) ([]record.Record, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	def, err := c.resolveStore(store)
	if err != nil {
		return nil, c.fail("getAll", store, err)
	}
	if opts == nil {
		opts = &query.Options{}
	}

	ctx, cancel := c.queryCtx(ctx)
	defer cancel()

	cacheable := opts.Index == "" && opts.Range == nil
	if cacheable && !opts.ForceRefresh {
		if entries, ok := c.cache.GetAll(store); ok {
			records := make([]record.Record, 0, len(entries))
			for _, e := range entries {
				if store == schema.CacheStore && c.expired(e.Record) {
					c.purgeExpiredRecord(ctx, db, e.Key)
					continue
				}
				records = append(records, e.Record.Clone())
			}
			return query.ApplySlice(records, opts), nil
		}
	}

	results, err := c.collect(ctx, db, def, opts)
	if err != nil {
		return nil, c.fail("getAll", store, mapTimeout(err))
	}

	if store == schema.CacheStore {
		results = c.dropExpired(ctx, db, def, results)
	}

	// Only a full read in primary-key order may fill the cache: the
	// cached slice must stay in cursor order for later reads to agree.
	if cacheable && opts.Filter == nil && len(opts.Sort) == 0 &&
		opts.Offset == 0 && opts.Limit == 0 && !opts.Descending {
		entries := make([]cache.Entry, 0, len(results))
		for _, rec := range results {
			if key, ok := rec.KeyString(def.KeyPath); ok {
				entries = append(entries, cache.Entry{Key: key, Record: rec})
			}
		}
		c.cache.Fill(store, entries)
	}
	return results, nil
}

// QueryByIndex returns records whose indexed value equals the probe.
func (c *Core) QueryByIndex(ctx context.Context, store, index string, value any, opts *query.Options) ([]record.Record, error) {
	merged := cloneOptions(opts)
	merged.Index = index
	merged.Range = &query.Range{Only: value}
	return c.GetAll(ctx, store, merged)
}

// QueryByRange returns records whose indexed value lies in the
// inclusive [lower, upper] range. A nil bound is unbounded.
func (c *Core) QueryByRange(ctx context.Context, store, index string, lower, upper any, opts *query.Options) ([]record.Record, error) {
	merged := cloneOptions(opts)
	merged.Index = index
	merged.Range = &query.Range{Lower: lower, Upper: upper}
	return c.GetAll(ctx, store, merged)
}

// Update reads the current record, merges the patch over it, stamps the
// update timestamp, and writes the merged record back. Never a blind
// overwrite. The primary key field cannot be changed by a patch.
func (c *Core) Update(ctx context.Context, store, key string, patch record.Record) (string, error) {
	db, err := c.handle()
	if err != nil {
		return "", err
	}
	def, err := c.resolveStore(store)
	if err != nil {
		return "", c.fail("update", store, err)
	}

	current, err := db.Get(ctx, store, key)
	if errors.Is(err, backend.ErrNotFound) {
		return "", c.fail("update", store, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, store, key))
	}
	if err != nil {
		return "", c.fail("update", store, err)
	}

	merged := current.Merge(patch)
	merged.SetField(def.KeyPath, keyFieldValue(current, def.KeyPath))
	merged[updatedAtField] = c.now().UTC().Format(time.RFC3339Nano)

	if err := db.Put(ctx, store, key, merged); err != nil {
		return "", c.fail("update", store, err)
	}

	c.cache.Update(store, key, merged)
	return key, nil
}

// Delete removes a record by primary key. Deleting an absent key
// succeeds.
func (c *Core) Delete(ctx context.Context, store, key string) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	if _, err := c.resolveStore(store); err != nil {
		return c.fail("delete", store, err)
	}

	if err := db.Delete(ctx, store, key); err != nil {
		return c.fail("delete", store, err)
	}
	c.cache.Remove(store, key)
	return nil
}

// Clear removes every record in a store and drops its cache entry.
func (c *Core) Clear(ctx context.Context, store string) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	if _, err := c.resolveStore(store); err != nil {
		return c.fail("clear", store, err)
	}

	if err := db.Clear(ctx, store); err != nil {
		return c.fail("clear", store, err)
	}
	c.cache.Clear(store)
	return nil
}

// collect resolves the options into a cursor plan and drains it.
// Multi-entry indexes have no SQL representation, so their lookups scan
// in primary order and match any array element against the range.
func (c *Core) collect(ctx context.Context, db *backend.DB, def schema.StoreDefinition, opts *query.Options) ([]record.Record, error) {
	plan := backend.CursorPlan{Store: def.Name, Descending: opts.Descending}
	effective := opts

	if opts.Range != nil && opts.Index == "" {
		return nil, fmt.Errorf("%w: range requires an index", ErrValidation)
	}
	if opts.Index != "" {
		idx, ok := def.Index(opts.Index)
		if !ok {
			return nil, fmt.Errorf("%w: store %q has no index %q", ErrValidation, def.Name, opts.Index)
		}
		if idx.MultiEntry {
			effective = cloneOptions(opts)
			effective.Filter = multiEntryFilter(idx.KeyPath, opts.Range, opts.Filter)
		} else {
			plan.IndexPath = idx.KeyPath
			if opts.Range != nil {
				plan.Range = &backend.KeyRange{
					Only:  opts.Range.Only,
					Lower: opts.Range.Lower,
					Upper: opts.Range.Upper,
				}
			}
		}
	}

	cur, err := db.OpenCursor(ctx, plan)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	return query.Collect(cur, effective)
}

// multiEntryFilter matches records whose array field contains a value
// inside the range, composed ahead of the caller's own filter.
func multiEntryFilter(keyPath string, rng *query.Range, inner func(record.Record) bool) func(record.Record) bool {
	return func(rec record.Record) bool {
		if rng != nil && !multiEntryMatch(rec, keyPath, rng) {
			return false
		}
		return inner == nil || inner(rec)
	}
}

func multiEntryMatch(rec record.Record, keyPath string, rng *query.Range) bool {
	v, ok := rec.Field(keyPath)
	if !ok {
		return false
	}
	elems, ok := v.([]any)
	if !ok {
		elems = []any{v}
	}
	for _, elem := range elems {
		if rng.Only != nil {
			if query.ValueEqual(elem, rng.Only) {
				return true
			}
			continue
		}
		if inBounds(elem, rng) {
			return true
		}
	}
	return false
}

func inBounds(v any, rng *query.Range) bool {
	if rng.Lower != nil && query.CompareLoose(v, rng.Lower) < 0 {
		return false
	}
	if rng.Upper != nil && query.CompareLoose(v, rng.Upper) > 0 {
		return false
	}
	return true
}

func cloneOptions(opts *query.Options) *query.Options {
	if opts == nil {
		return &query.Options{}
	}
	clone := *opts
	return &clone
}

func keyFieldValue(rec record.Record, keyPath string) any {
	v, _ := rec.Field(keyPath)
	return v
}
