package memory

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// cacheStorageInMemory хранит бакеты кэша ответов в памяти процесса.
type cacheStorageInMemory struct {
	mu      sync.Mutex
	buckets map[string]*cacheBucketInMemory
}

// NewCacheStorage создаёт пустое хранилище бакетов.
func NewCacheStorage() domain.CacheStorage {
	return &cacheStorageInMemory{buckets: make(map[string]*cacheBucketInMemory)}
}

// Open возвращает бакет, создавая его при первом обращении.
func (s *cacheStorageInMemory) Open(_ context.Context, name string) (domain.CacheBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[name]
	if !ok {
		bucket = &cacheBucketInMemory{entries: make(map[string]domain.StoredResponse)}
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *cacheStorageInMemory) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, name)
	return nil
}

func (s *cacheStorageInMemory) Names(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type cacheBucketInMemory struct {
	mu      sync.RWMutex
	entries map[string]domain.StoredResponse
}

func (b *cacheBucketInMemory) Match(_ context.Context, key string) (*http.Response, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stored, ok := b.entries[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return stored.Response(), nil
}

func (b *cacheBucketInMemory) Put(_ context.Context, key string, resp *http.Response) error {
	stored, err := domain.CaptureResponse(resp)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = stored
	return nil
}

func (b *cacheBucketInMemory) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}

func (b *cacheBucketInMemory) Keys(context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
