package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fieldsync/internal/health"
	"github.com/vladislavdragonenkov/fieldsync/internal/storage/memory"
	"github.com/vladislavdragonenkov/fieldsync/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/fieldsync/internal/storage/redis"
	"github.com/vladislavdragonenkov/fieldsync/internal/storage/sqlite"
)

// runtimeDependencies: хранилища, выбранные конфигурацией, и их проверки здоровья.
type runtimeDependencies struct {
	store        domain.KeyValueStore
	cacheStorage domain.CacheStorage
	checkers     map[string]healthcheck.Checker
	closers      []func() error
}

// Close закрывает открытые хранилища в обратном порядке.
func (d *runtimeDependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище ключей и хранилище бакетов кэша.
// При ошибке уже открытые ресурсы закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *runtimeDependencies, err error) {
	deps = &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}
	defer func() {
		if err != nil {
			_ = deps.Close()
			deps = nil
		}
	}()

	var pg *postgres.Store
	openPostgres := func() (*postgres.Store, error) {
		if pg != nil {
			return pg, nil
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithLogger(logger.WithField("layer", "postgres")))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		deps.checkers["postgres"] = healthcheck.NewPingChecker("postgres", store.Ping, 0)
		pg = store
		return store, nil
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.store = memory.NewKeyValueStore()
	case StorageDriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		deps.checkers["sqlite"] = healthcheck.NewPingChecker("sqlite", store.Ping, 0)
		deps.store = store
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := openPostgres()
		if err != nil {
			return nil, err
		}
		deps.store = postgres.NewKeyValueStore(store)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.CacheDriver {
	case CacheDriverMemory, "":
		deps.cacheStorage = memory.NewCacheStorage()
	case CacheDriverRedis:
		storage, err := redisstore.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis cache storage: %w", err)
		}
		deps.closers = append(deps.closers, storage.Close)
		deps.checkers["redis"] = healthcheck.NewPingChecker("redis", storage.Ping, 0)
		deps.cacheStorage = storage
	case CacheDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres cache driver")
		}
		store, err := openPostgres()
		if err != nil {
			return nil, err
		}
		deps.cacheStorage = postgres.NewCacheStorage(store)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.CacheDriver)
	}

	logger.WithFields(log.Fields{
		"storage_driver": cfg.StorageDriver,
		"cache_driver":   cfg.CacheDriver,
	}).Info("storage initialized")
	return deps, nil
}
