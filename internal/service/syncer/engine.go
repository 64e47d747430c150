// Package syncer реализует двустороннюю синхронизацию локального кэша заказов с ERP:
// начальную загрузку, синхронизацию заказов, обнаружение и разрешение конфликтов
// и отправку журнала несинхронизированных правок.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/metrics"
)

const (
	lastSyncKey       = "sync:last"
	defaultBatchSize  = 5
	defaultStaleAfter = 5 * time.Minute
)

// State: состояние движка в рамках одного запуска.
type State string

const (
	StateIdle       State = "idle"
	StateSyncing    State = "syncing"
	StateSynced     State = "synced"
	StateConflicted State = "conflicted"
	StateFailed     State = "failed"
)

// OrderCache: операции локального кэша, которыми пользуется движок.
type OrderCache interface {
	GetOrder(ctx context.Context, id domain.OrderID) (*domain.OrderRecord, error)
	GetAllOrderRecords(ctx context.Context) ([]*domain.OrderRecord, error)
	OrderIDs(ctx context.Context) ([]domain.OrderID, error)
	UpsertSnapshot(ctx context.Context, id domain.OrderID, order domain.OrderHeader, lines []domain.OrderLine) (*domain.OrderRecord, error)
	QueueDeliveryUpdate(ctx context.Context, id domain.OrderID, lineID domain.LineID, newQty float64) (domain.DeliveryUpdate, error)
	GetPendingProductUpdates(ctx context.Context, id domain.OrderID) ([]domain.ProductUpdate, error)
	GetPendingDeliveryUpdates(ctx context.Context, id domain.OrderID) ([]domain.DeliveryUpdate, error)
	MarkProductUpdateSynced(ctx context.Context, id domain.OrderID, updateID string) error
	MarkDeliveryUpdateSynced(ctx context.Context, id domain.OrderID, updateID string) error
	ClearProductUpdate(ctx context.Context, id domain.OrderID, updateID string) error
	ClearDeliveryUpdate(ctx context.Context, id domain.OrderID, updateID string) error
	ClearSyncedEntries(ctx context.Context, id domain.OrderID) error
	SetSyncStatus(ctx context.Context, id domain.OrderID, status domain.SyncStatus) error
	MarkSynced(ctx context.Context, id domain.OrderID, at time.Time) error
}

// SyncOptions: параметры запуска Sync.
type SyncOptions struct {
	// OrderID ограничивает синхронизацию одним заказом.
	OrderID *domain.OrderID
	// Resolution local|server разрешает конфликты автоматически; пусто или manual — сохраняет их.
	Resolution domain.ConflictResolution
}

// SyncError: ошибка синхронизации конкретного заказа.
type SyncError struct {
	OrderID domain.OrderID `json:"orderId"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
}

func (e SyncError) Error() string {
	return fmt.Sprintf("order %d: %s", e.OrderID, e.Message)
}

func (e SyncError) Unwrap() error {
	return e.Err
}

// SyncResult: итог запуска синхронизации.
type SyncResult struct {
	Success      bool                  `json:"success"`
	Conflicts    []domain.SyncConflict `json:"conflicts"`
	SyncedOrders []domain.OrderID      `json:"syncedOrders"`
	Errors       []SyncError           `json:"errors"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Options задаёт параметры движка.
type Options struct {
	Logger     *log.Entry
	Clock      func() time.Time
	Metrics    *metrics.SyncMetrics
	Publisher  domain.EventPublisher
	BatchSize  int
	StaleAfter time.Duration
}

// Option настраивает Engine.
type Option func(*Options)

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithMetrics задаёт метрики синхронизации.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithPublisher задаёт получателя событий sync.completed.
func WithPublisher(publisher domain.EventPublisher) Option {
	return func(opts *Options) {
		opts.Publisher = publisher
	}
}

// WithBatchSize задаёт размер пакета заказов.
func WithBatchSize(size int) Option {
	return func(opts *Options) {
		opts.BatchSize = size
	}
}

// WithStaleAfter задаёт возраст последней синхронизации, после которого заказ устаревает.
func WithStaleAfter(interval time.Duration) Option {
	return func(opts *Options) {
		opts.StaleAfter = interval
	}
}

// Engine: движок синхронизации. Единственный писатель SyncStatus и LastSyncedAt.
type Engine struct {
	cache      OrderCache
	remote     domain.RemoteClient
	network    domain.ConnectivityObserver
	store      domain.KeyValueStore
	conflicts  *conflictStore
	logger     *log.Entry
	now        func() time.Time
	metrics    *metrics.SyncMetrics
	publisher  domain.EventPublisher
	batchSize  int
	staleAfter time.Duration

	running atomic.Bool
	stateMu sync.RWMutex
	state   State
}

// NewEngine создаёт движок синхронизации. store хранит набор конфликтов и время последней синхронизации.
func NewEngine(cache OrderCache, remote domain.RemoteClient, network domain.ConnectivityObserver, store domain.KeyValueStore, options ...Option) *Engine {
	opts := Options{BatchSize: defaultBatchSize, StaleAfter: defaultStaleAfter}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "sync-engine")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}

	return &Engine{
		cache:      cache,
		remote:     remote,
		network:    network,
		store:      store,
		conflicts:  newConflictStore(store, opts.Logger),
		logger:     opts.Logger,
		now:        opts.Clock,
		metrics:    opts.Metrics,
		publisher:  opts.Publisher,
		batchSize:  opts.BatchSize,
		staleAfter: opts.StaleAfter,
		state:      StateIdle,
	}
}

// State возвращает состояние последнего запуска.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(state State) {
	e.stateMu.Lock()
	e.state = state
	e.stateMu.Unlock()
}

// IsSyncing сообщает, выполняется ли синхронизация.
func (e *Engine) IsSyncing() bool {
	return e.running.Load()
}

// LastSyncTime возвращает время последней успешной синхронизации.
func (e *Engine) LastSyncTime(ctx context.Context) (time.Time, bool) {
	raw, err := e.store.Get(ctx, lastSyncKey)
	if err != nil {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		e.logger.WithError(err).Warn("Stored last sync time is malformed")
		return time.Time{}, false
	}
	return at, true
}

func (e *Engine) setLastSyncTime(ctx context.Context, at time.Time) {
	if err := e.store.Set(ctx, lastSyncKey, at.UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.WithError(err).Warn("Failed to persist last sync time")
	}
}

// Conflicts возвращает неразрешённые конфликты.
func (e *Engine) Conflicts(ctx context.Context) []domain.SyncConflict {
	return e.conflicts.active(ctx)
}

// AllConflicts возвращает все конфликты, включая разрешённые.
func (e *Engine) AllConflicts(ctx context.Context) []domain.SyncConflict {
	return e.conflicts.all(ctx)
}

// begin захватывает единственный слот синхронизации и проверяет связь и сессию.
func (e *Engine) begin() (func(), error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, domain.ErrSyncInProgress
	}
	release := func() { e.running.Store(false) }
	if err := e.ready(); err != nil {
		release()
		e.logger.WithError(err).Warn("Sync skipped")
		return nil, err
	}
	return release, nil
}

// ready проверяет связь и наличие авторизованной сессии ERP.
func (e *Engine) ready() error {
	if !e.network.Status().Online {
		return domain.ErrOffline
	}
	if e.remote == nil || !e.remote.IsAuthenticated() {
		return domain.ErrClientUnavailable
	}
	return nil
}

// Sync синхронизирует один заказ или все устаревшие. Ошибка возвращается только
// когда запуск невозможен (уже идёт, нет связи, нет сессии); ошибки заказов
// собираются в SyncResult.Errors.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (SyncResult, error) {
	release, err := e.begin()
	if err != nil {
		return SyncResult{}, err
	}
	defer release()

	e.setState(StateSyncing)
	e.metrics.SyncStarted()
	defer e.metrics.SyncFinished()

	ids, err := e.resolveOrderIDs(ctx, opts)
	if err != nil {
		e.setState(StateFailed)
		e.metrics.RecordRun(string(StateFailed))
		return SyncResult{}, err
	}

	e.logger.WithField("orders", len(ids)).Info("Sync started")
	result := newCollector()
	e.processBatches(ctx, ids, result, func(ctx context.Context, id domain.OrderID) {
		conflicts, err := e.syncOrder(ctx, id, opts.Resolution)
		result.addConflicts(conflicts)
		if err != nil {
			result.addError(id, err)
			return
		}
		if !hasUnresolved(conflicts) {
			result.addSynced(id)
		}
	})

	out := result.result(e.now())
	state := StateSynced
	switch {
	case !out.Success:
		state = StateFailed
	case hasUnresolved(out.Conflicts):
		state = StateConflicted
	}
	e.setState(state)
	e.metrics.RecordRun(string(state))
	if out.Success {
		e.setLastSyncTime(ctx, out.Timestamp)
	}

	e.logger.WithFields(log.Fields{
		"synced":    len(out.SyncedOrders),
		"conflicts": len(out.Conflicts),
		"errors":    len(out.Errors),
		"state":     state,
	}).Info("Sync finished")
	e.publishCompleted(ctx, "sync", out)
	return out, nil
}

func hasUnresolved(conflicts []domain.SyncConflict) bool {
	for _, conflict := range conflicts {
		if !conflict.Resolved {
			return true
		}
	}
	return false
}

// resolveOrderIDs возвращает заказ из опций или все устаревшие заказы кэша.
func (e *Engine) resolveOrderIDs(ctx context.Context, opts SyncOptions) ([]domain.OrderID, error) {
	if opts.OrderID != nil {
		return []domain.OrderID{*opts.OrderID}, nil
	}

	records, err := e.cache.GetAllOrderRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cached orders: %w", err)
	}
	now := e.now()
	ids := make([]domain.OrderID, 0, len(records))
	for _, record := range records {
		if e.isStale(record, now) {
			ids = append(ids, record.Snapshot.Order.ID)
		}
	}
	return ids, nil
}

func (e *Engine) isStale(record *domain.OrderRecord, now time.Time) bool {
	if record.Pending.UnsyncedCount() > 0 {
		return true
	}
	if record.Meta.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*record.Meta.LastSyncedAt) > e.staleAfter
}

// processBatches обрабатывает заказы пакетами по batchSize с ограниченным параллелизмом.
// Между пакетами проверяется связь; необработанные заказы получают ErrOffline.
func (e *Engine) processBatches(ctx context.Context, ids []domain.OrderID, result *collector, fn func(context.Context, domain.OrderID)) {
	for start := 0; start < len(ids); start += e.batchSize {
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if start > 0 && !e.network.Status().Online {
			e.logger.WithField("remaining", len(ids)-start).Warn("Connectivity lost, stopping sync")
			for _, id := range ids[start:] {
				result.addError(id, domain.ErrOffline)
			}
			return
		}
		if err := ctx.Err(); err != nil {
			for _, id := range ids[start:] {
				result.addError(id, err)
			}
			return
		}

		var g errgroup.Group
		g.SetLimit(e.batchSize)
		for _, id := range ids[start:end] {
			g.Go(func() error {
				fn(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// syncOrder выполняет двустороннюю синхронизацию одного заказа.
func (e *Engine) syncOrder(ctx context.Context, id domain.OrderID, resolution domain.ConflictResolution) ([]domain.SyncConflict, error) {
	started := e.now()
	defer func() { e.metrics.ObserveOrderDuration(e.now().Sub(started)) }()
	logger := e.logger.WithField("order_id", id)

	record, err := e.cache.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if record != nil {
		if err := e.cache.SetSyncStatus(ctx, id, domain.SyncStatusSyncing); err != nil {
			return nil, err
		}
	}

	order, lines, err := e.fetchOrder(ctx, id)
	if err != nil {
		e.markPending(ctx, id, record != nil)
		logger.WithError(err).Error("Order sync failed")
		return nil, err
	}

	conflicts := detectConflicts(record, order, lines, e.now())
	for _, conflict := range conflicts {
		e.metrics.RecordConflict(string(conflict.Type))
	}
	if retired, err := e.conflicts.retire(ctx, id, conflicts); err != nil {
		return conflicts, err
	} else if retired > 0 {
		logger.WithField("retired", retired).Info("Obsolete conflicts retired")
	}
	if len(conflicts) > 0 && !resolution.Automatic() {
		if err := e.conflicts.add(ctx, conflicts); err != nil {
			return conflicts, err
		}
		e.markPending(ctx, id, true)
		logger.WithField("conflicts", len(conflicts)).Warn("Conflicts require manual resolution")
		return conflicts, nil
	}

	pushedLocal := len(conflicts) > 0 && resolution == domain.ResolutionLocal
	for i := range conflicts {
		if err := e.applyResolution(ctx, conflicts[i], resolution); err != nil {
			e.markPending(ctx, id, true)
			logger.WithError(err).Error("Automatic conflict resolution failed")
			return conflicts, err
		}
		res := resolution
		conflicts[i].Resolved = true
		conflicts[i].Resolution = &res
	}
	if err := e.conflicts.add(ctx, conflicts); err != nil {
		return conflicts, err
	}

	if err := e.finishOrder(ctx, id, order, lines, pushedLocal); err != nil {
		e.markPending(ctx, id, true)
		logger.WithError(err).Error("Order sync failed")
		return conflicts, err
	}
	logger.Debug("Order synced")
	return conflicts, nil
}

// finishOrder отправляет журнал и перезаписывает снимок серверным состоянием.
// Если на сервер ничего не отправлялось, используются уже полученные данные.
func (e *Engine) finishOrder(ctx context.Context, id domain.OrderID, order domain.RemoteOrder, lines []domain.RemoteLine, refetch bool) error {
	pushed, err := e.pushPending(ctx, id)
	if err != nil {
		return err
	}
	if pushed > 0 || refetch {
		if order, lines, err = e.fetchOrder(ctx, id); err != nil {
			return err
		}
	}
	if _, err := e.cache.UpsertSnapshot(ctx, id, toOrderHeader(order), toOrderLines(lines)); err != nil {
		return err
	}
	if err := e.cache.ClearSyncedEntries(ctx, id); err != nil {
		return err
	}
	return e.cache.MarkSynced(ctx, id, e.now())
}

func (e *Engine) markPending(ctx context.Context, id domain.OrderID, exists bool) {
	if !exists {
		return
	}
	if err := e.cache.SetSyncStatus(ctx, id, domain.SyncStatusPending); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		e.logger.WithError(err).WithField("order_id", id).Warn("Failed to mark order pending")
	}
}

func (e *Engine) fetchOrder(ctx context.Context, id domain.OrderID) (domain.RemoteOrder, []domain.RemoteLine, error) {
	order, err := e.remote.ReadOrder(ctx, id)
	if err != nil {
		return domain.RemoteOrder{}, nil, fmt.Errorf("read order %d: %w", id, err)
	}
	lines, err := e.remote.GetOrderLines(ctx, id)
	if err != nil {
		return domain.RemoteOrder{}, nil, fmt.Errorf("read lines of order %d: %w", id, err)
	}
	return order, lines, nil
}

// pushPending отправляет несинхронизированные правки по одной, помечая каждую
// синхронизированной. Первая ошибка прерывает отправку по заказу.
func (e *Engine) pushPending(ctx context.Context, id domain.OrderID) (int, error) {
	pushed := 0

	products, err := e.cache.GetPendingProductUpdates(ctx, id)
	if err != nil {
		return pushed, err
	}
	for _, update := range products {
		if err := e.remote.UpdateProductCode(ctx, update.LineID, update.NewCode); err != nil {
			return pushed, fmt.Errorf("push product code for line %d: %w", update.LineID, err)
		}
		if err := e.cache.MarkProductUpdateSynced(ctx, id, update.ID); err != nil {
			return pushed, err
		}
		pushed++
		e.metrics.RecordLedgerPushed("product")
	}

	deliveries, err := e.cache.GetPendingDeliveryUpdates(ctx, id)
	if err != nil {
		return pushed, err
	}
	for _, update := range deliveries {
		if err := e.remote.UpdateLineQuantity(ctx, update.LineID, update.NewQty); err != nil {
			return pushed, fmt.Errorf("push quantity for line %d: %w", update.LineID, err)
		}
		if err := e.cache.MarkDeliveryUpdateSynced(ctx, id, update.ID); err != nil {
			return pushed, err
		}
		pushed++
		e.metrics.RecordLedgerPushed("delivery")
	}
	return pushed, nil
}

// applyResolution применяет решение к одному конфликту: server отбрасывает
// локальные правки по предмету конфликта, local отправляет локальное значение на сервер.
func (e *Engine) applyResolution(ctx context.Context, conflict domain.SyncConflict, resolution domain.ConflictResolution) error {
	if conflict.LineID == nil {
		// Шапка заказа локально не редактируется: серверное значение применится при перезаписи снимка.
		return nil
	}
	lineID := *conflict.LineID

	switch conflict.Type {
	case domain.ConflictLineModified:
		deliveries, err := e.cache.GetPendingDeliveryUpdates(ctx, conflict.OrderID)
		if err != nil {
			return err
		}
		if resolution == domain.ResolutionLocal && conflict.LocalData.Quantity != nil {
			if err := e.remote.UpdateLineQuantity(ctx, lineID, *conflict.LocalData.Quantity); err != nil {
				return fmt.Errorf("push local quantity for line %d: %w", lineID, err)
			}
		}
		for _, update := range deliveries {
			if update.LineID == lineID {
				if err := e.cache.ClearDeliveryUpdate(ctx, conflict.OrderID, update.ID); err != nil {
					return err
				}
			}
		}
	case domain.ConflictProductUpdated:
		products, err := e.cache.GetPendingProductUpdates(ctx, conflict.OrderID)
		if err != nil {
			return err
		}
		if resolution == domain.ResolutionLocal && conflict.LocalData.ProductCode != "" {
			if err := e.remote.UpdateProductCode(ctx, lineID, conflict.LocalData.ProductCode); err != nil {
				return fmt.Errorf("push local product code for line %d: %w", lineID, err)
			}
		}
		for _, update := range products {
			if update.LineID == lineID {
				if err := e.cache.ClearProductUpdate(ctx, conflict.OrderID, update.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ResolveConflict вручную разрешает конфликт. Когда у заказа не остаётся активных
// конфликтов, заказ досинхронизируется и получает новую отметку LastSyncedAt.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution domain.ConflictResolution) error {
	if !resolution.Automatic() {
		return fmt.Errorf("resolution %q: %w", resolution, domain.ErrInvalidOperation)
	}
	conflict, err := e.conflicts.get(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved {
		return nil
	}

	release, err := e.begin()
	if err != nil {
		return err
	}
	defer release()

	logger := e.logger.WithFields(log.Fields{"order_id": conflict.OrderID, "conflict_id": conflictID, "resolution": resolution})

	// Решение применяется к текущему расхождению, а не к снимку на момент обнаружения.
	record, err := e.cache.GetOrder(ctx, conflict.OrderID)
	if err != nil {
		return err
	}
	order, lines, err := e.fetchOrder(ctx, conflict.OrderID)
	if err != nil {
		logger.WithError(err).Warn("Conflict resolution deferred")
		return err
	}
	current := detectConflicts(record, order, lines, e.now())
	if _, err := e.conflicts.retire(ctx, conflict.OrderID, current); err != nil {
		return err
	}

	var (
		fresh  *domain.SyncConflict
		others []domain.SyncConflict
	)
	for i := range current {
		if fresh == nil && sameSubject(current[i], conflict) {
			fresh = &current[i]
			continue
		}
		others = append(others, current[i])
	}
	if err := e.conflicts.add(ctx, others); err != nil {
		return err
	}
	pushedLocal := false
	if fresh == nil {
		logger.Info("Conflict is obsolete, server state kept")
	} else {
		if err := e.applyResolution(ctx, *fresh, resolution); err != nil {
			logger.WithError(err).Error("Conflict resolution failed")
			return err
		}
		if err := e.conflicts.markResolved(ctx, conflictID, resolution); err != nil {
			return err
		}
		pushedLocal = resolution == domain.ResolutionLocal
		logger.Info("Conflict resolved")
	}

	if e.conflicts.hasActive(ctx, conflict.OrderID) {
		return nil
	}
	if err := e.finishOrder(ctx, conflict.OrderID, order, lines, pushedLocal); err != nil {
		e.markPending(ctx, conflict.OrderID, true)
		return err
	}
	return nil
}

// InitialDownSync загружает все открытые заказы. Сначала пишется шапка каждого
// заказа, затем подгружаются строки; сбой одного заказа не прерывает загрузку.
func (e *Engine) InitialDownSync(ctx context.Context) (SyncResult, error) {
	release, err := e.begin()
	if err != nil {
		return SyncResult{}, err
	}
	defer release()

	e.setState(StateSyncing)
	e.metrics.SyncStarted()
	defer e.metrics.SyncFinished()

	orders, err := e.remote.ListOpenOrders(ctx)
	if err != nil {
		e.setState(StateFailed)
		e.metrics.RecordRun(string(StateFailed))
		return SyncResult{}, fmt.Errorf("list open orders: %w", err)
	}
	e.logger.WithField("orders", len(orders)).Info("Initial download started")

	headers := make(map[domain.OrderID]domain.OrderHeader, len(orders))
	ids := make([]domain.OrderID, 0, len(orders))
	result := newCollector()
	for _, order := range orders {
		header := toOrderHeader(order)
		if err := e.writeBareSnapshot(ctx, header); err != nil {
			result.addError(order.ID, err)
			continue
		}
		headers[order.ID] = header
		ids = append(ids, order.ID)
	}

	e.processBatches(ctx, ids, result, func(ctx context.Context, id domain.OrderID) {
		logger := e.logger.WithField("order_id", id)
		lines, err := e.remote.GetOrderLines(ctx, id)
		if err == nil {
			_, err = e.cache.UpsertSnapshot(ctx, id, headers[id], toOrderLines(lines))
		}
		if err == nil {
			err = e.cache.MarkSynced(ctx, id, e.now())
		}
		if err != nil {
			if statusErr := e.cache.SetSyncStatus(ctx, id, domain.SyncStatusLocalOnly); statusErr != nil {
				logger.WithError(statusErr).Warn("Failed to mark order local-only")
			}
			logger.WithError(err).Error("Initial download of order failed")
			result.addError(id, err)
			return
		}
		result.addSynced(id)
	})

	out := result.result(e.now())
	state := StateSynced
	if !out.Success {
		state = StateFailed
	} else {
		e.setLastSyncTime(ctx, out.Timestamp)
	}
	e.setState(state)
	e.metrics.RecordRun(string(state))
	e.logger.WithFields(log.Fields{"synced": len(out.SyncedOrders), "errors": len(out.Errors)}).Info("Initial download finished")
	e.publishCompleted(ctx, "initial", out)
	return out, nil
}

// writeBareSnapshot пишет шапку заказа, сохраняя уже известные строки.
func (e *Engine) writeBareSnapshot(ctx context.Context, header domain.OrderHeader) error {
	lines := []domain.OrderLine{}
	existing, err := e.cache.GetOrder(ctx, header.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		lines = existing.Snapshot.Lines
	}
	if _, err := e.cache.UpsertSnapshot(ctx, header.ID, header, lines); err != nil {
		return err
	}
	return e.cache.SetSyncStatus(ctx, header.ID, domain.SyncStatusSyncing)
}

// SyncDeliveryChange: быстрый путь для одной правки количества. Правка сначала
// попадает в журнал; без связи или сессии она остаётся там до пакетной синхронизации.
// Ошибка ERP возвращается вызывающему.
func (e *Engine) SyncDeliveryChange(ctx context.Context, orderID domain.OrderID, lineID domain.LineID, newQty float64) error {
	logger := e.logger.WithFields(log.Fields{"order_id": orderID, "line_id": lineID})

	update, err := e.cache.QueueDeliveryUpdate(ctx, orderID, lineID, newQty)
	if err != nil {
		return err
	}
	if err := e.ready(); err != nil {
		logger.WithError(err).Warn("Delivery change deferred")
		return nil
	}

	if err := e.remote.UpdateLineQuantity(ctx, lineID, newQty); err != nil {
		logger.WithError(err).Error("Delivery change push failed")
		return fmt.Errorf("push quantity for line %d: %w", lineID, err)
	}
	e.metrics.RecordLedgerPushed("delivery")

	// Запись и более ранние правки той же строки больше не нужны.
	pending, err := e.cache.GetPendingDeliveryUpdates(ctx, orderID)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		if entry.LineID == lineID && !entry.Timestamp.After(update.Timestamp) {
			if err := e.cache.ClearDeliveryUpdate(ctx, orderID, entry.ID); err != nil {
				return err
			}
		}
	}

	order, lines, err := e.fetchOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := e.cache.UpsertSnapshot(ctx, orderID, toOrderHeader(order), toOrderLines(lines)); err != nil {
		return err
	}
	logger.Debug("Delivery change synced")
	return nil
}

// SyncAllPendingChanges отправляет журналы всех заказов. Сбой заказа фиксируется
// в результате и не останавливает обработку остальных.
func (e *Engine) SyncAllPendingChanges(ctx context.Context) (SyncResult, error) {
	release, err := e.begin()
	if err != nil {
		return SyncResult{}, err
	}
	defer release()

	e.setState(StateSyncing)
	e.metrics.SyncStarted()
	defer e.metrics.SyncFinished()

	ids, err := e.cache.OrderIDs(ctx)
	if err != nil {
		e.setState(StateFailed)
		e.metrics.RecordRun(string(StateFailed))
		return SyncResult{}, fmt.Errorf("list cached orders: %w", err)
	}

	result := newCollector()
	for i, id := range ids {
		if !e.network.Status().Online {
			e.logger.WithField("remaining", len(ids)-i).Warn("Connectivity lost, stopping pending push")
			for _, rest := range ids[i:] {
				result.addError(rest, domain.ErrOffline)
			}
			break
		}
		logger := e.logger.WithField("order_id", id)

		pushed, err := e.pushPending(ctx, id)
		if err == nil && pushed > 0 {
			var (
				order domain.RemoteOrder
				lines []domain.RemoteLine
			)
			if order, lines, err = e.fetchOrder(ctx, id); err == nil {
				if _, err = e.cache.UpsertSnapshot(ctx, id, toOrderHeader(order), toOrderLines(lines)); err == nil {
					err = e.cache.ClearSyncedEntries(ctx, id)
				}
			}
		}
		if err != nil {
			logger.WithError(err).Error("Pending changes push failed")
			result.addError(id, err)
			continue
		}
		if pushed > 0 {
			result.addSynced(id)
		}
	}

	out := result.result(e.now())
	state := StateSynced
	if !out.Success {
		state = StateFailed
	}
	e.setState(state)
	e.metrics.RecordRun(string(state))
	e.publishCompleted(ctx, "pending", out)
	return out, nil
}

func (e *Engine) publishCompleted(ctx context.Context, kind string, result SyncResult) {
	if e.publisher == nil {
		return
	}
	event := domain.Event{
		ID:   uuid.NewString(),
		Type: domain.EventSyncCompleted,
		Payload: map[string]any{
			"kind":         kind,
			"success":      result.Success,
			"syncedOrders": result.SyncedOrders,
			"conflicts":    len(result.Conflicts),
			"errors":       len(result.Errors),
		},
		Timestamp: result.Timestamp,
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.WithError(err).Warn("Failed to publish sync completion")
	}
}

// collector собирает результаты параллельной обработки заказов.
type collector struct {
	mu        sync.Mutex
	conflicts []domain.SyncConflict
	synced    []domain.OrderID
	errs      []SyncError
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) addConflicts(conflicts []domain.SyncConflict) {
	if len(conflicts) == 0 {
		return
	}
	c.mu.Lock()
	c.conflicts = append(c.conflicts, conflicts...)
	c.mu.Unlock()
}

func (c *collector) addSynced(id domain.OrderID) {
	c.mu.Lock()
	c.synced = append(c.synced, id)
	c.mu.Unlock()
}

func (c *collector) addError(id domain.OrderID, err error) {
	c.mu.Lock()
	c.errs = append(c.errs, SyncError{OrderID: id, Message: err.Error(), Err: err})
	c.mu.Unlock()
}

func (c *collector) result(now time.Time) SyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	synced := append([]domain.OrderID{}, c.synced...)
	sort.Slice(synced, func(i, j int) bool { return synced[i] < synced[j] })
	errs := append([]SyncError{}, c.errs...)
	sort.Slice(errs, func(i, j int) bool { return errs[i].OrderID < errs[j].OrderID })
	conflicts := append([]domain.SyncConflict{}, c.conflicts...)

	return SyncResult{
		Success:      len(errs) == 0,
		Conflicts:    conflicts,
		SyncedOrders: synced,
		Errors:       errs,
		Timestamp:    now,
	}
}
