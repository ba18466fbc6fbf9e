package storage

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if _, ok, err := store.LoadSnapshot("room-1"); err != nil || ok {
		t.Fatalf("expected no snapshot initially, got ok=%v err=%v", ok, err)
	}

	if err := store.SaveSnapshot("room-1", []byte(`{"clock":3}`)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	raw, ok, err := store.LoadSnapshot("room-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if !ok || string(raw) != `{"clock":3}` {
		t.Fatalf("unexpected snapshot: ok=%v raw=%q", ok, raw)
	}

	// Upsert replaces in place.
	if err := store.SaveSnapshot("room-1", []byte(`{"clock":7}`)); err != nil {
		t.Fatalf("SaveSnapshot (update) failed: %v", err)
	}
	raw, ok, err = store.LoadSnapshot("room-1")
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot after update failed: ok=%v err=%v", ok, err)
	}
	if string(raw) != `{"clock":7}` {
		t.Fatalf("expected updated snapshot, got %q", raw)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	store := openTestStore(t)

	if err := store.DeleteSnapshot("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SaveSnapshot("room-1", []byte(`{}`)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := store.DeleteSnapshot("room-1"); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	if _, ok, err := store.LoadSnapshot("room-1"); err != nil || ok {
		t.Fatalf("expected snapshot gone, got ok=%v err=%v", ok, err)
	}
}
