package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "kv.db"))

	if _, err := store.Get(ctx, "order:1"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := store.Set(ctx, "order:1", "a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "order:1", "b"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, err := store.Get(ctx, "order:1")
	if err != nil || value != "b" {
		t.Fatalf("unexpected value %q err=%v", value, err)
	}
	if err := store.Delete(ctx, "order:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "order:1"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kv.db")

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Set(ctx, "network:queue", "[]"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTestStore(t, path)
	value, err := second.Get(ctx, "network:queue")
	if err != nil || value != "[]" {
		t.Fatalf("value lost after reopen: %q err=%v", value, err)
	}
	if second.Path() != path {
		t.Fatalf("unexpected path %s", second.Path())
	}
}

func TestNilStoreGuards(t *testing.T) {
	var store *Store
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}
