package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

type cacheRepository struct {
	db *sql.DB
}

// NewCacheStorage создаёт хранилище бакетов кэша ответов в таблицах cache_buckets и cache_responses.
func NewCacheStorage(store *Store) domain.CacheStorage {
	return &cacheRepository{db: store.db}
}

func (r *cacheRepository) Open(ctx context.Context, name string) (domain.CacheBucket, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO cache_buckets (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name); err != nil {
		return nil, fmt.Errorf("create cache bucket %s: %w", name, err)
	}
	return &cacheBucket{db: r.db, name: name}, nil
}

func (r *cacheRepository) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_buckets WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete cache bucket %s: %w", name, err)
	}
	return nil
}

func (r *cacheRepository) Names(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, r.db, `SELECT name FROM cache_buckets ORDER BY name`)
}

type cacheBucket struct {
	db   *sql.DB
	name string
}

func (b *cacheBucket) Match(ctx context.Context, key string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var raw []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT response FROM cache_responses WHERE bucket = $1 AND key = $2
	`, b.name, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("select cached response: %w", err)
	}

	var stored domain.StoredResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
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

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO cache_responses (bucket, key, response, stored_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (bucket, key) DO UPDATE
		SET response = EXCLUDED.response, stored_at = EXCLUDED.stored_at
	`, b.name, key, raw)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("cache bucket %s was deleted", b.name)
	}
	if err != nil {
		return fmt.Errorf("upsert cached response: %w", err)
	}
	return nil
}

func (b *cacheBucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, `
		DELETE FROM cache_responses WHERE bucket = $1 AND key = $2
	`, b.name, key); err != nil {
		return fmt.Errorf("delete cached response: %w", err)
	}
	return nil
}

func (b *cacheBucket) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, b.db, `SELECT key FROM cache_responses WHERE bucket = $1 ORDER BY key`, b.name)
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query strings: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		out = append(out, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strings: %w", err)
	}
	return out, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

var _ domain.CacheStorage = (*cacheRepository)(nil)
