// Package cache keeps a per-store, bounded, most-recently-touched-first
// read cache synchronized with successful mutations. It is a best-effort
// accelerator, never a source of truth.
package cache

import (
	"sync"

	"github.com/roach88/satchel/internal/record"
)

// DefaultBound is the per-store entry cap when none is configured.
const DefaultBound = 100

// Entry pairs a primary key with its cached record.
type Entry struct {
	Key    string
	Record record.Record
}

// Cache holds one bounded slice of entries per store. Entries are
// created lazily when a full read populates them and destroyed on clear,
// disable, or close.
type Cache struct {
	mu      sync.Mutex
	bound   int
	enabled bool
	stores  map[string][]Entry
}

// New creates an enabled cache with the given per-store bound.
// Non-positive bounds fall back to DefaultBound.
func New(bound int) *Cache {
	if bound <= 0 {
		bound = DefaultBound
	}
	return &Cache{
		bound:   bound,
		enabled: true,
		stores:  make(map[string][]Entry),
	}
}

// Enabled reports whether the cache is serving reads.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled toggles the cache at runtime. Disabling drops every entry
// immediately.
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.stores = make(map[string][]Entry)
	}
}

// Get returns the cached record for a key. A miss does not touch the
// backend and does not populate the cache; population only happens
// through Fill and the mutation hooks, to bound staleness windows.
func (c *Cache) Get(store, key string) (record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil, false
	}
	for _, e := range c.stores[store] {
		if e.Key == key {
			return e.Record.Clone(), true
		}
	}
	return nil, false
}

// GetAll returns a copy of the cached slice for a store and whether a
// cache entry exists at all.
func (c *Cache) GetAll(store string) ([]Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil, false
	}
	entries, ok := c.stores[store]
	if !ok {
		return nil, false
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, true
}

// Fill populates the cache entry for a store from a full read. Result
// sets larger than the bound are not cached at all: serving a truncated
// slice would silently drop records from later reads.
func (c *Cache) Fill(store string, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || len(entries) > c.bound {
		return
	}
	copied := make([]Entry, len(entries))
	for i, e := range entries {
		copied[i] = Entry{Key: e.Key, Record: e.Record.Clone()}
	}
	c.stores[store] = copied
}

// Add prepends a newly created record and evicts the oldest entry past
// the bound. No-op until a read has created the store's cache entry.
func (c *Cache) Add(store, key string, rec record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	entries, ok := c.stores[store]
	if !ok {
		return
	}
	entries = append([]Entry{{Key: key, Record: rec.Clone()}}, entries...)
	if len(entries) > c.bound {
		entries = entries[:c.bound]
	}
	c.stores[store] = entries
}

// Update replaces the matching cached record in place.
func (c *Cache) Update(store, key string, rec record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	entries := c.stores[store]
	for i, e := range entries {
		if e.Key == key {
			entries[i].Record = rec.Clone()
			return
		}
	}
}

// Upsert replaces the matching cached record, or prepends the record
// when the key is new to a store whose cache entry exists. Backs writes
// that may either insert or overwrite, so a warmed slice never goes
// stale on the insert case. No-op until a read has created the store's
// cache entry.
func (c *Cache) Upsert(store, key string, rec record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	entries, ok := c.stores[store]
	if !ok {
		return
	}
	for i, e := range entries {
		if e.Key == key {
			entries[i].Record = rec.Clone()
			return
		}
	}
	entries = append([]Entry{{Key: key, Record: rec.Clone()}}, entries...)
	if len(entries) > c.bound {
		entries = entries[:c.bound]
	}
	c.stores[store] = entries
}

// Remove drops the matching cached record.
func (c *Cache) Remove(store, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	entries := c.stores[store]
	for i, e := range entries {
		if e.Key == key {
			c.stores[store] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Clear drops the entire cache entry for a store.
func (c *Cache) Clear(store string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stores, store)
}

// ClearAll drops every cache entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores = make(map[string][]Entry)
}

// Sizes returns the current entry count per cached store.
func (c *Cache) Sizes() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.stores))
	for store, entries := range c.stores {
		out[store] = len(entries)
	}
	return out
}
