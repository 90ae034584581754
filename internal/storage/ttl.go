package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/roach88/satchel/internal/backend"
	"github.com/roach88/satchel/internal/query"
	"github.com/roach88/satchel/internal/record"
	"github.com/roach88/satchel/internal/schema"
)

// PutCached writes a value into the TTL cache store under the given key.
// ttl is in seconds; zero or negative expires the entry immediately, so
// the next read sees it as absent.
func (c *Core) PutCached(ctx context.Context, key string, value any, ttlSeconds int64) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	if _, err := c.resolveStore(schema.CacheStore); err != nil {
		return c.fail("putCached", schema.CacheStore, err)
	}

	expires := c.now().UnixNano()
	if ttlSeconds > 0 {
		expires += ttlSeconds * int64(1e9)
	}
	rec := record.Record{
		"key":       key,
		"value":     value,
		"expiresAt": json.Number(strconv.FormatInt(expires, 10)),
	}

	if err := db.Put(ctx, schema.CacheStore, key, rec); err != nil {
		return c.fail("putCached", schema.CacheStore, err)
	}
	// Put is an upsert: a brand-new key must land in a warmed cache
	// slice too, not only overwrite an already-cached one.
	c.cache.Upsert(schema.CacheStore, key, rec)
	return nil
}

// GetCached returns the value stored under key, or (nil, false) when
// the entry is absent or expired. Expired entries are removed as a side
// effect of the read.
func (c *Core) GetCached(ctx context.Context, key string) (any, bool, error) {
	rec, err := c.Get(ctx, schema.CacheStore, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec["value"], true, nil
}

// PurgeExpired deletes every TTL entry whose expiry has passed and
// returns the number removed. Safe to run on any cadence.
func (c *Core) PurgeExpired(ctx context.Context) (int, error) {
	db, err := c.handle()
	if err != nil {
		return 0, err
	}
	def, err := c.resolveStore(schema.CacheStore)
	if err != nil {
		return 0, c.fail("purgeExpired", schema.CacheStore, err)
	}

	ctx, cancel := c.queryCtx(ctx)
	defer cancel()

	now := json.Number(strconv.FormatInt(c.now().UnixNano(), 10))
	cur, err := db.OpenCursor(ctx, backend.CursorPlan{
		Store:     schema.CacheStore,
		IndexPath: "expiresAt",
		Range:     &backend.KeyRange{Upper: now},
	})
	if err != nil {
		return 0, c.fail("purgeExpired", schema.CacheStore, mapTimeout(err))
	}
	stale, err := query.Collect(cur, nil)
	cur.Close()
	if err != nil {
		return 0, c.fail("purgeExpired", schema.CacheStore, mapTimeout(err))
	}

	purged := 0
	for _, rec := range stale {
		key, ok := rec.KeyString(def.KeyPath)
		if !ok {
			continue
		}
		if err := db.Delete(ctx, schema.CacheStore, key); err != nil {
			return purged, c.fail("purgeExpired", schema.CacheStore, err)
		}
		c.cache.Remove(schema.CacheStore, key)
		purged++
	}
	return purged, nil
}

// expired reports whether a TTL record's expiry is at or before now.
// Records without a parseable expiresAt never expire.
func (c *Core) expired(rec record.Record) bool {
	v, ok := rec["expiresAt"]
	if !ok {
		return false
	}
	var expires int64
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return false
		}
		expires = i
	case int64:
		expires = n
	case float64:
		expires = int64(n)
	default:
		return false
	}
	return expires <= c.now().UnixNano()
}

// purgeExpiredRecord removes a single stale TTL entry. Best effort: a
// failed delete only surfaces as an error event, the read that found
// the entry stale still reports it absent.
func (c *Core) purgeExpiredRecord(ctx context.Context, db *backend.DB, key string) {
	if err := db.Delete(ctx, schema.CacheStore, key); err != nil && !errors.Is(err, context.Canceled) {
		c.fail("purgeExpired", schema.CacheStore, err)
	}
	c.cache.Remove(schema.CacheStore, key)
}

// dropExpired filters stale TTL entries out of a result set, purging
// each as it goes.
func (c *Core) dropExpired(ctx context.Context, db *backend.DB, def schema.StoreDefinition, results []record.Record) []record.Record {
	live := results[:0]
	for _, rec := range results {
		if c.expired(rec) {
			if key, ok := rec.KeyString(def.KeyPath); ok {
				c.purgeExpiredRecord(ctx, db, key)
			}
			continue
		}
		live = append(live, rec)
	}
	return live
}
