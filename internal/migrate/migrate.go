// Package migrate brings a database whose structural and data state
// reflects one schema version up to a newer one, version by version,
// recording each step in an append-only ledger.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/satchel/internal/backend"
	"github.com/roach88/satchel/internal/schema"
)

// DataFunc is a data migration callback for one target version. It runs
// after the structural changes for that version, against the live
// backend.
type DataFunc func(ctx context.Context, db *backend.DB) error

// Error reports a failed migration step. The stored version marker is
// left at the last fully-applied version, so the migration is retryable
// on the next init.
type Error struct {
	Version int
	Stage   string // "structural" | "data" | "ledger"
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration to v%d failed (%s): %v", e.Version, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrVersionTooNew reports a database whose stored version exceeds the
// registry's latest defined version.
var ErrVersionTooNew = errors.New("stored schema version exceeds defined schema")

// Engine applies ordered structural and data migrations.
type Engine struct {
	db  *backend.DB
	reg *schema.Registry

	mu   sync.Mutex
	data map[int]DataFunc

	now func() time.Time
}

// NewEngine creates a migration engine over the given backend and
// registry.
func NewEngine(db *backend.DB, reg *schema.Registry) *Engine {
	return &Engine{
		db:   db,
		reg:  reg,
		data: make(map[int]DataFunc),
		now:  time.Now,
	}
}

// RegisterData installs the data migration callback for a target
// version. Registering twice for the same version replaces the earlier
// callback.
func (e *Engine) RegisterData(version int, fn DataFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[version] = fn
}

func (e *Engine) dataFunc(version int) DataFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data[version]
}

// Apply migrates the database from its stored version up to
// targetVersion. For every integer version in (stored, target], in
// ascending order: create the version's missing stores and indexes
// (existing stores are never dropped), run the registered data migration
// if any, then append a ledger entry. The stored version marker advances
// to targetVersion only after every step succeeds; on failure it is
// pinned at the last fully-applied version and the error is returned.
//
// Returns the number of versions applied in this run. Already-current
// databases apply zero steps.
func (e *Engine) Apply(ctx context.Context, targetVersion int) (int, error) {
	stored, err := e.db.Version(ctx)
	if err != nil {
		return 0, err
	}

	if stored > targetVersion {
		return 0, fmt.Errorf("%w: stored=%d target=%d", ErrVersionTooNew, stored, targetVersion)
	}
	if stored == targetVersion {
		return 0, nil
	}

	applied := 0
	for v := stored + 1; v <= targetVersion; v++ {
		if err := e.applyStep(ctx, v); err != nil {
			// Pin the marker at the last fully-applied version so a
			// later init resumes here instead of replaying from stored.
			if markErr := e.db.SetVersion(ctx, v-1); markErr != nil {
				return applied, errors.Join(err, markErr)
			}
			return applied, err
		}
		applied++
	}

	if err := e.db.SetVersion(ctx, targetVersion); err != nil {
		return applied, err
	}
	return applied, nil
}

func (e *Engine) applyStep(ctx context.Context, version int) error {
	for _, def := range e.reg.StoresAt(version) {
		if err := e.db.EnsureStore(ctx, def); err != nil {
			return &Error{Version: version, Stage: "structural", Err: err}
		}
	}

	if fn := e.dataFunc(version); fn != nil {
		if err := fn(ctx, e.db); err != nil {
			return &Error{Version: version, Stage: "data", Err: err}
		}
	}

	entry := backend.MigrationEntry{
		FromVersion: version - 1,
		ToVersion:   version,
		AppliedAt:   e.now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.db.AppendMigration(ctx, entry); err != nil {
		return &Error{Version: version, Stage: "ledger", Err: err}
	}
	return nil
}

// History returns the migration ledger in ascending order.
func (e *Engine) History(ctx context.Context) ([]backend.MigrationEntry, error) {
	return e.db.MigrationHistory(ctx)
}
