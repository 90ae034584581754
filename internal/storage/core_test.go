package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/satchel/internal/events"
	"github.com/roach88/satchel/internal/schema"
)

func testDescriptor() *schema.Descriptor {
	return &schema.Descriptor{Versions: []schema.Version{
		{
			Version: 1,
			Stores: []schema.StoreDefinition{
				{
					Name:    "users",
					KeyPath: "id",
					Indexes: []schema.IndexDefinition{
						{Name: "by_email", KeyPath: "email", Unique: true},
						{Name: "by_age", KeyPath: "age"},
						{Name: "by_tag", KeyPath: "tags", MultiEntry: true},
					},
				},
				{Name: "notes", KeyPath: "id", AutoIncrement: true},
			},
		},
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClosedCore(t *testing.T) *Core {
	t.Helper()
	return New(Config{
		Path:   filepath.Join(t.TempDir(), "satchel.db"),
		Logger: quietLogger(),
	})
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c := newClosedCore(t)
	require.NoError(t, c.Init(context.Background(), testDescriptor()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLifecycleStates(t *testing.T) {
	c := newClosedCore(t)
	require.Equal(t, StateClosed, c.State())

	var ready, closed []events.Event
	c.Subscribe(events.KindReady, func(e events.Event) { ready = append(ready, e) })
	c.Subscribe(events.KindClosed, func(e events.Event) { closed = append(closed, e) })

	require.NoError(t, c.Init(context.Background(), testDescriptor()))
	require.Equal(t, StateOpen, c.State())
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].Detail["version"])

	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
	require.Len(t, closed, 1)
}

func TestInitTwiceIsNoOp(t *testing.T) {
	c := newTestCore(t)
	require.NoError(t, c.Init(context.Background(), testDescriptor()))
	require.Equal(t, StateOpen, c.State())
}

func TestOperationsFailFastWhenClosed(t *testing.T) {
	c := newClosedCore(t)
	ctx := context.Background()

	_, err := c.Add(ctx, "users", map[string]any{"id": "u1"})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.Get(ctx, "users", "u1")
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.GetAll(ctx, "users", nil)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, c.Delete(ctx, "users", "u1"), ErrNotInitialized)
	_, err = c.Transaction(ctx, []Operation{{Store: "users", Kind: OpCreate}})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.DatabaseInfo(ctx)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitRejectsInvalidDescriptor(t *testing.T) {
	c := newClosedCore(t)
	desc := &schema.Descriptor{Versions: []schema.Version{
		{Version: 1, Stores: []schema.StoreDefinition{{Name: "Bad-Name", KeyPath: "id"}}},
	}}
	require.Error(t, c.Init(context.Background(), desc))
	require.Equal(t, StateClosed, c.State())
}

func TestReopenPersistsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satchel.db")
	ctx := context.Background()

	c := New(Config{Path: path, Logger: quietLogger()})
	require.NoError(t, c.Init(ctx, testDescriptor()))
	_, err := c.Add(ctx, "users", map[string]any{"id": "u1", "email": "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2 := New(Config{Path: path, Logger: quietLogger()})
	require.NoError(t, c2.Init(ctx, testDescriptor()))
	defer c2.Close()

	rec, err := c2.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a@example.com", rec["email"])
}

func TestDeleteAllRemovesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satchel.db")
	ctx := context.Background()

	c := New(Config{Path: path, Logger: quietLogger()})
	require.NoError(t, c.Init(ctx, testDescriptor()))
	_, err := c.Add(ctx, "users", map[string]any{"id": "u1"})
	require.NoError(t, err)

	require.NoError(t, c.DeleteAll())
	require.Equal(t, StateClosed, c.State())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	// A fresh init starts empty.
	require.NoError(t, c.Init(ctx, testDescriptor()))
	defer c.Close()
	rec, err := c.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestUpgradeAddsStoreAndLedgerEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satchel.db")
	ctx := context.Background()

	c := New(Config{Path: path, Logger: quietLogger()})
	require.NoError(t, c.Init(ctx, testDescriptor()))
	require.NoError(t, c.Close())

	desc := testDescriptor()
	desc.Versions = append(desc.Versions, schema.Version{
		Version: 2,
		Stores: []schema.StoreDefinition{
			{Name: "projects", KeyPath: "id"},
		},
	})

	c2 := New(Config{Path: path, Logger: quietLogger()})
	var migrations []events.Event
	c2.Subscribe(events.KindMigration, func(e events.Event) { migrations = append(migrations, e) })
	require.NoError(t, c2.Init(ctx, desc))
	defer c2.Close()

	require.Len(t, migrations, 1)
	assert.Equal(t, 1, migrations[0].Detail["fromVersion"])
	assert.Equal(t, 2, migrations[0].Detail["toVersion"])

	// Stores from both versions are live.
	_, err := c2.Add(ctx, "projects", map[string]any{"id": "p1"})
	require.NoError(t, err)
	_, err = c2.Add(ctx, "users", map[string]any{"id": "u1"})
	require.NoError(t, err)

	history, err := c2.MigrationHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].ToVersion)
	assert.Equal(t, 2, history[1].ToVersion)
}

func TestInitFromFile(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(descPath, []byte(`
versions:
  - version: 1
    stores:
      - name: users
        keyPath: id
        indexes:
          - name: by_email
            keyPath: email
            unique: true
`), 0o644))

	c := New(Config{Path: filepath.Join(dir, "satchel.db"), Logger: quietLogger()})
	require.NoError(t, c.InitFromFile(context.Background(), descPath))
	defer c.Close()
	require.Equal(t, StateOpen, c.State())

	_, err := c.Add(context.Background(), "users", map[string]any{"id": "u1", "email": "a@b.c"})
	require.NoError(t, err)
}

func TestDatabaseInfo(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		_, err := c.Add(ctx, "users", map[string]any{"id": id, "email": id + "@example.com"})
		require.NoError(t, err)
	}

	info, err := c.DatabaseInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	assert.True(t, info.CacheEnabled)

	counts := map[string]int64{}
	for _, s := range info.Stores {
		counts[s.Name] = s.Count
	}
	assert.Equal(t, int64(2), counts["users"])
	assert.Equal(t, int64(0), counts["notes"])
	assert.Equal(t, int64(0), counts[schema.CacheStore])
}

func TestQueryTimeout(t *testing.T) {
	c := newTestCore(t)
	c.cfg.QueryTimeout = time.Nanosecond
	ctx := context.Background()

	_, err := c.Add(ctx, "users", map[string]any{"id": "u1"})
	require.NoError(t, err)

	_, err = c.GetAll(ctx, "users", nil)
	require.ErrorIs(t, err, ErrTimeout)
}
