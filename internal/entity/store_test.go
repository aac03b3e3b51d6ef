package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestStore_UpsertGetDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"station":"paint","version":2}`)
	if err := s.Upsert(ctx, "panels", "P-1", payload, 2); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec, err := s.Get(ctx, "panels", "P-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("version = %d, want 2", rec.Version)
	}
	if string(rec.Payload) != string(payload) {
		t.Errorf("payload = %s", rec.Payload)
	}

	// Overwrite replaces, not accumulates.
	if err := s.Upsert(ctx, "panels", "P-1", json.RawMessage(`{"station":"weld"}`), 3); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	rec, err = s.Get(ctx, "panels", "P-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("version = %d, want 3", rec.Version)
	}

	if err := s.Delete(ctx, "panels", "P-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "panels", "P-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	// Remote-delete resolutions apply unconditionally.
	if err := s.Delete(ctx, "panels", "P-1"); err != nil {
		t.Errorf("deleting a missing record should be a no-op, got %v", err)
	}
}

func TestStore_TablesAreIsolated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "panels", "X", json.RawMessage(`{}`), 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "inspections", "X", json.RawMessage(`{}`), 7); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get(ctx, "inspections", "X")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Version != 7 {
		t.Errorf("same id in another table leaked: version = %d", rec.Version)
	}
}
