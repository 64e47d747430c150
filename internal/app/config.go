package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix: префикс переменных окружения агента (FIELDSYNC_GRPC_ADDR и т.д.).
const EnvPrefix = "fieldsync"

// StorageDriver выбирает долговременное хранилище ключей.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverSQLite   StorageDriver = "sqlite"
	StorageDriverPostgres StorageDriver = "postgres"
)

// CacheDriver выбирает хранилище бакетов кэша ответов.
type CacheDriver string

const (
	CacheDriverMemory   CacheDriver = "memory"
	CacheDriverRedis    CacheDriver = "redis"
	CacheDriverPostgres CacheDriver = "postgres"
)

// Config описывает настройки запуска агента.
type Config struct {
	GRPCAddr string `envconfig:"GRPC_ADDR"`
	HTTPAddr string `envconfig:"HTTP_ADDR"`
	LogLevel string `envconfig:"LOG_LEVEL"`

	StorageDriver       StorageDriver `envconfig:"STORAGE_DRIVER"`
	SQLitePath          string        `envconfig:"SQLITE_PATH"`
	PostgresDSN         string        `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool          `envconfig:"POSTGRES_AUTO_MIGRATE"`

	CacheDriver  CacheDriver `envconfig:"CACHE_DRIVER"`
	RedisURL     string      `envconfig:"REDIS_URL"`
	CacheVersion string      `envconfig:"CACHE_VERSION"`
	// UpstreamURL: origin приложения: цель /proxy/* и база для precache.
	UpstreamURL string `envconfig:"UPSTREAM_URL"`

	ERPURL      string `envconfig:"ERP_URL"`
	ERPDatabase string `envconfig:"ERP_DATABASE"`
	ERPLogin    string `envconfig:"ERP_LOGIN"`
	ERPPassword string `envconfig:"ERP_PASSWORD"`

	ProbeURL          string        `envconfig:"PROBE_URL"`
	ProbeInterval     time.Duration `envconfig:"PROBE_INTERVAL"`
	QueuePollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL"`
	RetryMaxRetries   int           `envconfig:"RETRY_MAX_RETRIES"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY"`

	SyncBatchSize  int           `envconfig:"SYNC_BATCH_SIZE"`
	SyncStaleAfter time.Duration `envconfig:"SYNC_STALE_AFTER"`

	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	KafkaGroupID    string   `envconfig:"KAFKA_GROUP_ID"`
	KafkaMaxRetries int      `envconfig:"KAFKA_MAX_RETRIES"`

	EventOriginPatterns []string `envconfig:"EVENT_ORIGIN_PATTERNS"`
}

// DefaultConfig возвращает значения, которые LoadConfig переопределяет из окружения.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		HTTPAddr:            ":9090",
		LogLevel:            "info",
		StorageDriver:       StorageDriverSQLite,
		SQLitePath:          "data/fieldsync.db",
		PostgresAutoMigrate: true,
		CacheDriver:         CacheDriverMemory,
		UpstreamURL:         "http://localhost:8069",
		ERPURL:              "http://localhost:8069",
		ProbeInterval:       30 * time.Second,
		QueuePollInterval:   30 * time.Second,
		RetryMaxRetries:     3,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
		SyncBatchSize:       5,
		SyncStaleAfter:      5 * time.Minute,
		KafkaGroupID:        "fieldsync-agent",
		KafkaMaxRetries:     3,
	}
}

// LoadConfig читает FIELDSYNC_* поверх DefaultConfig и валидирует результат.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет сочетания драйверов и обязательные адреса.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("sqlite path is required for %s storage driver", c.StorageDriver)
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres dsn is required for %s storage driver", c.StorageDriver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.CacheDriver {
	case CacheDriverMemory:
	case CacheDriverRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis url is required for %s cache driver", c.CacheDriver)
		}
	case CacheDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres dsn is required for %s cache driver", c.CacheDriver)
		}
	default:
		return fmt.Errorf("unsupported cache driver %q", c.CacheDriver)
	}

	if _, err := absoluteURL(c.ERPURL); err != nil {
		return fmt.Errorf("erp url: %w", err)
	}
	if _, err := absoluteURL(c.UpstreamURL); err != nil {
		return fmt.Errorf("upstream url: %w", err)
	}
	if c.ProbeURL != "" {
		if _, err := absoluteURL(c.ProbeURL); err != nil {
			return fmt.Errorf("probe url: %w", err)
		}
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync batch size must be positive, got %d", c.SyncBatchSize)
	}
	if c.RetryMaxRetries < 0 {
		return fmt.Errorf("retry max retries must not be negative, got %d", c.RetryMaxRetries)
	}
	return nil
}

// HasERPCredentials сообщает, настроен ли автоматический вход в ERP.
func (c Config) HasERPCredentials() bool {
	return c.ERPLogin != "" && c.ERPPassword != ""
}

func absoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute url", raw)
	}
	return u, nil
}
