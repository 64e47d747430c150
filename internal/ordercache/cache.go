// Package ordercache хранит локальные записи заказов, журнал несинхронизированных
// правок и метаданные синхронизации поверх KeyValueStore.
package ordercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/storage/memory"
)

const (
	orderKeyPrefix = "order:"
	indexKey       = "order:index"
)

// Options задаёт параметры кэша.
type Options struct {
	Logger  *log.Entry
	Clock   func() time.Time
	Session domain.KeyValueStore
}

// Option настраивает Cache.
type Option func(*Options)

// WithLogger задаёт logger кэша.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithSessionStore задаёт хранилище сессионных данных о прогрессе отгрузки.
func WithSessionStore(store domain.KeyValueStore) Option {
	return func(opts *Options) {
		opts.Session = store
	}
}

// Cache: локальный кэш заказов. Единственный писатель OrderRecord.
type Cache struct {
	store   domain.KeyValueStore
	session domain.KeyValueStore
	logger  *log.Entry
	now     func() time.Time

	// mu сериализует read-modify-write записей и индекса.
	mu sync.Mutex

	subs *subscribers
}

// New создаёт кэш поверх долговременного хранилища.
func New(store domain.KeyValueStore, options ...Option) *Cache {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "order-cache")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Session == nil {
		opts.Session = memory.NewKeyValueStore()
	}

	return &Cache{
		store:   store,
		session: opts.Session,
		logger:  opts.Logger,
		now:     opts.Clock,
		subs:    newSubscribers(),
	}
}

func orderKey(id domain.OrderID) string {
	return orderKeyPrefix + strconv.FormatInt(id, 10)
}

// GetOrder возвращает копию записи или nil, если записи нет или она повреждена.
func (c *Cache) GetOrder(ctx context.Context, id domain.OrderID) (*domain.OrderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.load(ctx, id), nil
}

// load читает запись; ошибки чтения и разбора трактуются как отсутствие записи.
func (c *Cache) load(ctx context.Context, id domain.OrderID) *domain.OrderRecord {
	raw, err := c.store.Get(ctx, orderKey(id))
	if err != nil {
		if !errors.Is(err, domain.ErrKeyNotFound) {
			c.logger.WithError(err).WithField("order_id", id).Warn("order record read failed, treating as absent")
		}
		return nil
	}

	var record domain.OrderRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		c.logger.WithError(err).WithField("order_id", id).Warn("order record is corrupt, treating as absent")
		return nil
	}
	if record.Snapshot.Lines == nil {
		record.Snapshot.Lines = []domain.OrderLine{}
	}
	return &record
}

func (c *Cache) save(ctx context.Context, record *domain.OrderRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal order record: %w", err)
	}
	if err := c.store.Set(ctx, orderKey(record.Snapshot.Order.ID), string(payload)); err != nil {
		return fmt.Errorf("save order %d: %w", record.Snapshot.Order.ID, err)
	}
	return nil
}

// mutate выполняет read-modify-write записи под мьютексом, увеличивает ревизию
// и уведомляет подписчиков. При create=false отсутствующая запись даёт ErrOrderNotFound.
func (c *Cache) mutate(ctx context.Context, id domain.OrderID, create bool, fn func(*domain.OrderRecord) error) (*domain.OrderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	now := c.now()
	record := c.load(ctx, id)
	isNew := record == nil
	if isNew {
		if !create {
			c.mu.Unlock()
			return nil, fmt.Errorf("order %d: %w", id, domain.ErrOrderNotFound)
		}
		record = domain.NewOrderRecord(id, now)
	}

	if err := fn(record); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	record.Meta.Version = domain.RecordSchemaVersion
	record.Touch(now)

	if err := c.save(ctx, record); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if isNew {
		if err := c.addToIndex(ctx, id); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	snapshot := record.Clone()
	c.mu.Unlock()

	c.subs.notify(id, snapshot)
	return snapshot.Clone(), nil
}

// UpsertSnapshot сливает авторитетное состояние сервера в запись. Поверх строк
// повторно применяются последние несинхронизированные правки кода товара.
func (c *Cache) UpsertSnapshot(ctx context.Context, id domain.OrderID, order domain.OrderHeader, lines []domain.OrderLine) (*domain.OrderRecord, error) {
	return c.mutate(ctx, id, true, func(record *domain.OrderRecord) error {
		order.ID = id
		merged := make([]domain.OrderLine, len(lines))
		copy(merged, lines)
		for i := range merged {
			if update, ok := record.Pending.LatestProductUpdate(merged[i].ID); ok {
				applyProductCode(&merged[i], update.NewCode)
			}
		}
		record.Snapshot = domain.OrderSnapshot{Order: order, Lines: merged}
		return nil
	})
}

func applyProductCode(line *domain.OrderLine, code string) {
	line.ProductCode = code
	line.Name = domain.ReplaceBracketCode(line.Name, code)
}

// UpdateLineCode подставляет новый код товара в отображаемое имя строки.
func (c *Cache) UpdateLineCode(ctx context.Context, id domain.OrderID, lineID domain.LineID, newCode string) error {
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		line, ok := record.Snapshot.Line(lineID)
		if !ok {
			return fmt.Errorf("order %d line %d: %w", id, lineID, domain.ErrLineNotFound)
		}
		applyProductCode(line, newCode)
		return nil
	})
	return err
}

// SetSyncStatus меняет статус синхронизации. Вызывается только движком синхронизации.
func (c *Cache) SetSyncStatus(ctx context.Context, id domain.OrderID, status domain.SyncStatus) error {
	if !status.Valid() {
		return fmt.Errorf("sync status %q: %w", status, domain.ErrInvalidOperation)
	}
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		record.Meta.SyncStatus = status
		return nil
	})
	return err
}

// MarkSynced фиксирует успешную синхронизацию на момент at.
func (c *Cache) MarkSynced(ctx context.Context, id domain.OrderID, at time.Time) error {
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		syncedAt := at
		record.Meta.LastSyncedAt = &syncedAt
		record.Meta.SyncStatus = domain.SyncStatusSynced
		return nil
	})
	return err
}

// OrderIDs возвращает идентификаторы всех записей из индекса.
func (c *Cache) OrderIDs(ctx context.Context) ([]domain.OrderID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadIndex(ctx)
}

// GetAllOrderRecords возвращает все сохранённые записи (отладка и перебор).
// Повреждённые записи пропускаются.
func (c *Cache) GetAllOrderRecords(ctx context.Context) ([]*domain.OrderRecord, error) {
	ids, err := c.OrderIDs(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]*domain.OrderRecord, 0, len(ids))
	for _, id := range ids {
		if record := c.load(ctx, id); record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}

// ClearAll удаляет все записи вместе с индексом.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.loadIndex(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.store.Delete(ctx, orderKey(id)); err != nil {
			return fmt.Errorf("delete order %d: %w", id, err)
		}
	}
	if err := c.store.Delete(ctx, indexKey); err != nil {
		return fmt.Errorf("delete order index: %w", err)
	}
	c.logger.WithField("orders", len(ids)).Info("order cache cleared")
	return nil
}

func (c *Cache) loadIndex(ctx context.Context) ([]domain.OrderID, error) {
	raw, err := c.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return []domain.OrderID{}, nil
		}
		return nil, fmt.Errorf("read order index: %w", err)
	}
	var ids []domain.OrderID
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		c.logger.WithError(err).Warn("order index is corrupt, resetting")
		return []domain.OrderID{}, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (c *Cache) addToIndex(ctx context.Context, id domain.OrderID) error {
	ids, err := c.loadIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal order index: %w", err)
	}
	if err := c.store.Set(ctx, indexKey, string(payload)); err != nil {
		return fmt.Errorf("save order index: %w", err)
	}
	return nil
}
