// Package storage is the façade over the embedded, versioned storage
// layer. It owns the connection lifecycle and upgrade handling and
// exposes CRUD, query, transaction, and administrative operations to
// collaborators, emitting lifecycle and error events.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/satchel/internal/backend"
	"github.com/roach88/satchel/internal/cache"
	"github.com/roach88/satchel/internal/events"
	"github.com/roach88/satchel/internal/migrate"
	"github.com/roach88/satchel/internal/schema"
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateClosed ConnState = iota
	StateOpening
	StateUpgrading
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateUpgrading:
		return "upgrading"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config configures one storage instance.
type Config struct {
	// Path is the database file location.
	Path string
	// CacheSize bounds each store's cache entry. Zero means the default
	// bound of 100.
	CacheSize int
	// DisableCache starts the instance with the read cache off.
	DisableCache bool
	// QueryTimeout is the per-query deadline for GetAll and the index
	// queries. Zero disables the deadline.
	QueryTimeout time.Duration
	// Logger receives structured diagnostics. Nil falls back to
	// slog.Default.
	Logger *slog.Logger
}

// Core composes the schema registry, migration engine, cache, and
// backend behind the storage boundary. All shared state is mutated only
// from Core methods.
type Core struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	cache  *cache.Cache

	mu     sync.RWMutex
	state  ConnState
	db     *backend.DB
	reg    *schema.Registry
	engine *migrate.Engine

	dataMu         sync.Mutex
	dataMigrations map[int]migrate.DataFunc

	now func() time.Time
}

// New creates a storage core in the Closed state. Nothing touches the
// filesystem until Init.
func New(cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		cfg:            cfg,
		logger:         logger,
		bus:            events.NewBus(logger),
		cache:          cache.New(cfg.CacheSize),
		state:          StateClosed,
		dataMigrations: make(map[int]migrate.DataFunc),
		now:            time.Now,
	}
	if cfg.DisableCache {
		c.cache.SetEnabled(false)
	}
	return c
}

// State returns the current connection state.
func (c *Core) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe registers an event handler and returns an unsubscribe
// function.
func (c *Core) Subscribe(kind events.Kind, fn events.Handler) func() {
	return c.bus.Subscribe(kind, fn)
}

// RegisterDataMigration installs the data migration callback for a
// target schema version. Callbacks registered before Init run during the
// upgrade; later registrations apply to the next Init.
func (c *Core) RegisterDataMigration(version int, fn migrate.DataFunc) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.dataMigrations[version] = fn
}

// Init validates and registers the schema, opens the backend, and
// migrates it to the descriptor's latest version. Calling Init on an
// already-open core is a no-op.
//
// Structural and connection failures abort the call entirely: the core
// returns to Closed with the backend released.
func (c *Core) Init(ctx context.Context, desc *schema.Descriptor) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		if c.State() == StateOpen {
			return nil
		}
		return fmt.Errorf("%w: init while %s", ErrValidation, c.State())
	}
	c.state = StateOpening
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		if c.db != nil {
			c.db.Close()
			c.db = nil
		}
		c.state = StateClosed
		c.mu.Unlock()
		c.bus.Publish(events.Event{Kind: events.KindError, Op: "init", Err: err})
		return err
	}

	if desc == nil || len(desc.Versions) == 0 {
		return fail(&schema.Error{Message: "empty schema descriptor"})
	}
	if err := schema.ValidateDescriptor(desc); err != nil {
		return fail(err)
	}

	reg := schema.NewRegistry()
	if err := reg.DefineDescriptor(desc); err != nil {
		return fail(err)
	}
	reg.EnsureCacheStore()

	db, err := backend.Open(c.cfg.Path)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConnection, err))
	}

	c.mu.Lock()
	c.db = db
	c.reg = reg
	c.engine = migrate.NewEngine(db, reg)
	c.mu.Unlock()

	c.dataMu.Lock()
	for version, fn := range c.dataMigrations {
		c.engine.RegisterData(version, fn)
	}
	c.dataMu.Unlock()

	target := reg.LatestVersion()
	stored, err := db.Version(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConnection, err))
	}

	if stored < target {
		c.mu.Lock()
		c.state = StateUpgrading
		c.mu.Unlock()

		applied, err := c.engine.Apply(ctx, target)
		if err != nil {
			return fail(err)
		}
		if applied > 0 {
			c.bus.Publish(events.Event{
				Kind: events.KindMigration,
				Op:   "migrate",
				Detail: map[string]any{
					"fromVersion": stored,
					"toVersion":   target,
					"applied":     applied,
				},
			})
		}
	} else if stored > target {
		if _, err := c.engine.Apply(ctx, target); err != nil {
			return fail(err)
		}
	}

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("storage ready", "path", c.cfg.Path, "version", target)
	c.bus.Publish(events.Event{Kind: events.KindReady, Detail: map[string]any{"version": target}})
	return nil
}

// InitFromFile loads a YAML schema descriptor and calls Init.
func (c *Core) InitFromFile(ctx context.Context, path string) error {
	desc, err := schema.LoadDescriptor(path)
	if err != nil {
		return err
	}
	return c.Init(ctx, desc)
}

// Close releases the backend connection and drops every cache entry.
// Safe to call on an already-closed core.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	db := c.db
	c.db = nil
	c.mu.Unlock()

	err := db.Close()

	c.cache.ClearAll()
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.bus.Publish(events.Event{Kind: events.KindClosed})
	return err
}

// DeleteAll closes the core and removes the database file along with
// its WAL side files. The instance may be re-initialized afterwards.
func (c *Core) DeleteAll() error {
	if err := c.Close(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(c.cfg.Path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete database: %w", err)
		}
	}
	return nil
}

// SetCacheEnabled toggles the read cache at runtime. Disabling clears
// every entry immediately.
func (c *Core) SetCacheEnabled(enabled bool) {
	c.cache.SetEnabled(enabled)
}

// MigrationHistory returns the append-only migration ledger.
func (c *Core) MigrationHistory(ctx context.Context) ([]backend.MigrationEntry, error) {
	if _, err := c.handle(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	engine := c.engine
	c.mu.RUnlock()
	return engine.History(ctx)
}

// StoreInfo summarizes one store for DatabaseInfo.
type StoreInfo struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Info describes the open database.
type Info struct {
	Path         string         `json:"path"`
	Version      int            `json:"version"`
	Stores       []StoreInfo    `json:"stores"`
	CacheEnabled bool           `json:"cacheEnabled"`
	CacheSizes   map[string]int `json:"cacheSizes"`
}

// DatabaseInfo reports the schema version, per-store record counts, and
// cache state.
func (c *Core) DatabaseInfo(ctx context.Context) (*Info, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	version, err := db.Version(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	reg := c.reg
	c.mu.RUnlock()

	info := &Info{
		Path:         c.cfg.Path,
		Version:      version,
		CacheEnabled: c.cache.Enabled(),
		CacheSizes:   c.cache.Sizes(),
	}
	for _, name := range reg.StoreNames() {
		count, err := db.Count(ctx, name)
		if err != nil {
			return nil, err
		}
		info.Stores = append(info.Stores, StoreInfo{Name: name, Count: count})
	}
	return info, nil
}

// handle returns the backend when the core is Open; every CRUD, query,
// and transaction entry point fails fast through here otherwise.
func (c *Core) handle() (*backend.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateOpen {
		return nil, fmt.Errorf("%w (state=%s)", ErrNotInitialized, c.state)
	}
	return c.db, nil
}

// resolveStore looks a store up in the registry.
func (c *Core) resolveStore(name string) (schema.StoreDefinition, error) {
	c.mu.RLock()
	reg := c.reg
	c.mu.RUnlock()

	def, ok := reg.Store(name)
	if !ok {
		return schema.StoreDefinition{}, fmt.Errorf("%w: %q", ErrStoreNotFound, name)
	}
	return def, nil
}

// fail publishes an error event and returns the error unchanged. Every
// failure path at the storage boundary goes through here so the
// observability collaborator sees operation kind, store, and cause.
func (c *Core) fail(op, store string, err error) error {
	c.bus.Publish(events.Event{Kind: events.KindError, Op: op, Store: store, Err: err})
	return err
}

// queryCtx applies the configured per-query deadline.
func (c *Core) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.QueryTimeout)
}

// mapTimeout converts a deadline error from the logical wait into the
// storage taxonomy.
func mapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
