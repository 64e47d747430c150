package memory

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

func TestKeyValueStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewKeyValueStore()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := store.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || got != "v2" {
		t.Fatalf("expected v2, got %q (%v)", got, err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete of missing key must succeed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestCacheStorageBuckets(t *testing.T) {
	ctx := context.Background()
	storage := NewCacheStorage()

	bucket, err := storage.Open(ctx, "static-v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := bucket.Match(ctx, "/app.js"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/javascript"}},
		Body:       io.NopCloser(strings.NewReader("console.log(1)")),
	}
	if err := bucket.Put(ctx, "/app.js", resp); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Тело исходного ответа остаётся читаемым после Put.
	if body, _ := io.ReadAll(resp.Body); string(body) != "console.log(1)" {
		t.Fatalf("original body consumed: %q", body)
	}

	for i := 0; i < 2; i++ {
		cached, err := bucket.Match(ctx, "/app.js")
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		body, _ := io.ReadAll(cached.Body)
		if string(body) != "console.log(1)" || cached.Header.Get("Content-Type") != "text/javascript" {
			t.Fatalf("unexpected cached response: %q %v", body, cached.Header)
		}
	}

	if _, err := storage.Open(ctx, "orders-v1"); err != nil {
		t.Fatalf("open second bucket: %v", err)
	}
	names, _ := storage.Names(ctx)
	if len(names) != 2 || names[0] != "orders-v1" {
		t.Fatalf("unexpected bucket names: %v", names)
	}
	if err := storage.Delete(ctx, "static-v1"); err != nil {
		t.Fatalf("delete bucket: %v", err)
	}
	reopened, _ := storage.Open(ctx, "static-v1")
	keys, _ := reopened.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected fresh bucket after delete, got %v", keys)
	}
}
