package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/satchel/internal/schema"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		d, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		d.Close()
	}

	d, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer d.Close()

	// Meta tables survive repeated opens.
	for _, table := range []string{"storage_meta", "migration_history"} {
		var name string
		err := d.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	d := &DB{}
	if err := d.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestVersionMarker_DefaultsToZero(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	v, err := d.Version(ctx)
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if v != 0 {
		t.Errorf("fresh database version = %d, want 0", v)
	}

	if err := d.SetVersion(ctx, 3); err != nil {
		t.Fatalf("SetVersion() failed: %v", err)
	}
	v, err = d.Version(ctx)
	if err != nil {
		t.Fatalf("Version() after set failed: %v", err)
	}
	if v != 3 {
		t.Errorf("version = %d, want 3", v)
	}
}

func TestNextSequence_MonotonicAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := d.NextSequence(ctx, "users")
		if err != nil {
			t.Fatalf("NextSequence() failed: %v", err)
		}
		if got != want {
			t.Errorf("NextSequence() = %d, want %d", got, want)
		}
	}
	d.Close()

	d, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer d.Close()

	got, err := d.NextSequence(ctx, "users")
	if err != nil {
		t.Fatalf("NextSequence() after reopen failed: %v", err)
	}
	if got != 4 {
		t.Errorf("NextSequence() after reopen = %d, want 4", got)
	}

	// Independent per store.
	got, err = d.NextSequence(ctx, "lessons")
	if err != nil {
		t.Fatalf("NextSequence(lessons) failed: %v", err)
	}
	if got != 1 {
		t.Errorf("NextSequence(lessons) = %d, want 1", got)
	}
}

func TestEnsureStore_CreatesTableAndIndexes(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	def := schema.StoreDefinition{
		Name:    "users",
		KeyPath: "id",
		Indexes: []schema.IndexDefinition{
			{Name: "by_email", KeyPath: "email", Unique: true},
			{Name: "by_tag", KeyPath: "tags", MultiEntry: true},
		},
	}

	if err := d.EnsureStore(ctx, def); err != nil {
		t.Fatalf("EnsureStore() failed: %v", err)
	}
	// Idempotent.
	if err := d.EnsureStore(ctx, def); err != nil {
		t.Fatalf("second EnsureStore() failed: %v", err)
	}

	ok, err := d.HasStore(ctx, "users")
	if err != nil || !ok {
		t.Fatalf("HasStore() = %v, %v; want true, nil", ok, err)
	}

	var name string
	err = d.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_users_by_email'",
	).Scan(&name)
	if err != nil {
		t.Errorf("unique index not created: %v", err)
	}

	// Multi-entry indexes have no SQL representation.
	err = d.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_users_by_tag'",
	).Scan(&name)
	if err == nil {
		t.Error("multi-entry index should not exist as a SQL index")
	}
}
