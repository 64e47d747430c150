// Package redis хранит бакеты кэша ответов в Redis: набор имён бакетов и
// по одному hash на бакет.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const (
	keyNamespace = "fieldsync"
	bucketsKey   = keyNamespace + ":cache:buckets"
	bucketPrefix = keyNamespace + ":cache:bucket:"
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	SAdd(context.Context, string, ...any) *redis.IntCmd
	SRem(context.Context, string, ...any) *redis.IntCmd
	SMembers(context.Context, string) *redis.StringSliceCmd
	HGet(context.Context, string, string) *redis.StringCmd
	HSet(context.Context, string, ...any) *redis.IntCmd
	HDel(context.Context, string, ...string) *redis.IntCmd
	HKeys(context.Context, string) *redis.StringSliceCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// CacheStorage: domain.CacheStorage поверх Redis.
type CacheStorage struct {
	store cmdable
	raw   *redis.Client
}

var _ domain.CacheStorage = (*CacheStorage)(nil)

// New подключается к Redis по URL вида redis://host:port/db и проверяет доступность.
func New(ctx context.Context, rawURL string) (*CacheStorage, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &CacheStorage{store: raw, raw: raw}, nil
}

// Ping проверяет доступность Redis.
func (s *CacheStorage) Ping(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("redis client not initialized")
	}
	return s.store.Ping(ctx).Err()
}

// Close закрывает соединение.
func (s *CacheStorage) Close() error {
	if s == nil || s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

func (s *CacheStorage) Open(ctx context.Context, name string) (domain.CacheBucket, error) {
	if err := s.store.SAdd(ctx, bucketsKey, name).Err(); err != nil {
		return nil, fmt.Errorf("register cache bucket %s: %w", name, err)
	}
	return &cacheBucket{store: s.store, key: bucketPrefix + name}, nil
}

func (s *CacheStorage) Delete(ctx context.Context, name string) error {
	if err := s.store.Del(ctx, bucketPrefix+name).Err(); err != nil {
		return fmt.Errorf("delete cache bucket %s: %w", name, err)
	}
	if err := s.store.SRem(ctx, bucketsKey, name).Err(); err != nil {
		return fmt.Errorf("unregister cache bucket %s: %w", name, err)
	}
	return nil
}

func (s *CacheStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.store.SMembers(ctx, bucketsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list cache buckets: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

type cacheBucket struct {
	store cmdable
	key   string
}

func (b *cacheBucket) Match(ctx context.Context, key string) (*http.Response, error) {
	raw, err := b.store.HGet(ctx, b.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached response: %w", err)
	}
	var stored domain.StoredResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return stored.Response(), nil
}

func (b *cacheBucket) Put(ctx context.Context, key string, resp *http.Response) error {
	stored, err := domain.CaptureResponse(resp)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := b.store.HSet(ctx, b.key, key, string(raw)).Err(); err != nil {
		return fmt.Errorf("write cached response: %w", err)
	}
	return nil
}

func (b *cacheBucket) Delete(ctx context.Context, key string) error {
	if err := b.store.HDel(ctx, b.key, key).Err(); err != nil {
		return fmt.Errorf("delete cached response: %w", err)
	}
	return nil
}

func (b *cacheBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.store.HKeys(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached responses: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
