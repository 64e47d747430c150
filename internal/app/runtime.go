package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/erp"
	healthcheck "github.com/vladislavdragonenkov/fieldsync/internal/health"
	"github.com/vladislavdragonenkov/fieldsync/internal/httpcache"
	"github.com/vladislavdragonenkov/fieldsync/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fieldsync/internal/metrics"
	"github.com/vladislavdragonenkov/fieldsync/internal/ordercache"
	"github.com/vladislavdragonenkov/fieldsync/internal/service/network"
	"github.com/vladislavdragonenkov/fieldsync/internal/service/syncer"
	"github.com/vladislavdragonenkov/fieldsync/internal/storage/memory"
	"github.com/vladislavdragonenkov/fieldsync/internal/transport/ws"
	"github.com/vladislavdragonenkov/fieldsync/internal/version"
)

// Теги фоновой синхронизации агента кэша.
const (
	SyncTagQueue   = "sync-queue"
	SyncTagOrders  = "sync-orders"
	SyncTagPending = "sync-pending"
)

// runtime связывает компоненты агента между собой.
type runtime struct {
	cfg      Config
	logger   *log.Entry
	now      func() time.Time
	registry *prometheus.Registry
	upstream *url.URL

	monitor  *network.Monitor
	cache    *ordercache.Cache
	queue    *network.QueueService
	worker   *network.Worker
	erp      *erp.Client
	engine   *syncer.Engine
	agent    *httpcache.Agent
	hub      *ws.Hub
	producer *kafka.Producer
	consumer *kafka.Consumer
	health   *healthcheck.Handler

	unsubscribe []func()
}

// newRuntime собирает компоненты поверх уже открытых хранилищ.
func newRuntime(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) (*runtime, error) {
	upstream, err := absoluteURL(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		registry: registry,
		upstream: upstream,
	}

	monitorOptions := []network.MonitorOption{network.WithMonitorLogger(logger.WithField("layer", "network-monitor"))}
	if cfg.ProbeURL != "" {
		monitorOptions = append(monitorOptions, network.WithProbe(cfg.ProbeURL, cfg.ProbeInterval, &http.Client{Timeout: 5 * time.Second}))
	}
	rt.monitor = network.NewMonitor(monitorOptions...)

	rt.cache = ordercache.New(deps.store,
		ordercache.WithLogger(logger.WithField("layer", "order-cache")),
		ordercache.WithSessionStore(memory.NewKeyValueStore()),
	)

	executor := network.NewHTTPExecutor(
		&http.Client{Timeout: 30 * time.Second},
		network.NewCircuitBreaker(5, 30*time.Second, logger.WithField("layer", "circuit-breaker")),
	)
	retry := network.DefaultRetryConfig()
	retry.MaxRetries = cfg.RetryMaxRetries
	retry.BaseDelay = cfg.RetryBaseDelay
	retry.MaxDelay = cfg.RetryMaxDelay
	rt.queue = network.NewQueueService(ctx, deps.store, executor, rt.monitor,
		network.WithQueueLogger(logger.WithField("layer", "network-queue")),
		network.WithQueueMetrics(metrics.NewQueueMetricsWithRegisterer(registry)),
		network.WithRetryConfig(retry),
	)
	rt.worker = network.NewWorker(rt.queue,
		network.WithPollInterval(cfg.QueuePollInterval),
		network.WithWorkerLogger(logger.WithField("layer", "queue-worker")),
	)

	rt.erp, err = erp.NewClient(cfg.ERPURL,
		erp.WithDatabase(cfg.ERPDatabase),
		erp.WithLogger(logger.WithField("layer", "erp")),
	)
	if err != nil {
		rt.queue.Close()
		return nil, fmt.Errorf("erp client: %w", err)
	}

	rt.hub = ws.NewHub(
		ws.WithLogger(logger.WithField("layer", "events")),
		ws.WithOriginPatterns(cfg.EventOriginPatterns...),
	)
	sinks := []domain.EventPublisher{rt.hub}
	if producer, err := initKafkaProducer(cfg.KafkaBrokers, logger); err == nil && producer != nil {
		rt.producer = producer
		sinks = append(sinks, producer)
	}
	publisher := newFanoutPublisher(sinks...)

	rt.engine = syncer.NewEngine(rt.cache, rt.erp, rt.monitor, deps.store,
		syncer.WithLogger(logger.WithField("layer", "syncer")),
		syncer.WithMetrics(metrics.NewSyncMetricsWithRegisterer(registry)),
		syncer.WithPublisher(publisher),
		syncer.WithBatchSize(cfg.SyncBatchSize),
		syncer.WithStaleAfter(cfg.SyncStaleAfter),
	)

	cacheVersion := cfg.CacheVersion
	if cacheVersion == "" {
		cacheVersion = version.GetVersion()
	}
	rt.agent = httpcache.NewAgent(httpcache.DefaultConfig(cacheVersion, upstream), deps.cacheStorage,
		httpcache.WithLogger(logger.WithField("layer", "cache-agent")),
		httpcache.WithMetrics(metrics.NewCacheMetricsWithRegisterer(registry)),
	)
	rt.agent.RegisterSync(SyncTagQueue, rt.drainQueue)
	rt.agent.RegisterSync(SyncTagOrders, rt.syncStaleOrders)
	rt.agent.RegisterSync(SyncTagPending, func(ctx context.Context) error {
		_, err := rt.engine.SyncAllPendingChanges(ctx)
		return err
	})

	if consumer, err := initOrderChangeConsumer(cfg, rt.producer, kafka.OrderSyncerFunc(rt.syncOrder), logger); err == nil {
		rt.consumer = consumer
	}

	rt.unsubscribe = append(rt.unsubscribe,
		networkEvents(ctx, rt.monitor, publisher, rt.now, logger),
		orderEvents(ctx, rt.cache, publisher, rt.now, logger),
	)

	rt.health = healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		rt.health.RegisterChecker(name, checker)
	}
	rt.health.RegisterChecker("network", healthcheck.NewConnectivityChecker(rt.monitor))
	rt.health.RegisterChecker("erp-session", healthcheck.NewSessionChecker(rt.erp.IsAuthenticated))

	return rt, nil
}

// drainQueue обрабатывает очередь и сообщает об ошибке, если операции остались.
func (rt *runtime) drainQueue(ctx context.Context) error {
	report := rt.queue.ProcessQueue(ctx)
	if report.Skipped {
		return nil
	}
	if report.Remaining > 0 {
		return fmt.Errorf("%d operations remain queued", report.Remaining)
	}
	return nil
}

// syncStaleOrders синхронизирует устаревшие и ожидающие заказы; конфликты
// остаются ручными.
func (rt *runtime) syncStaleOrders(ctx context.Context) error {
	result, err := rt.engine.Sync(ctx, syncer.SyncOptions{})
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%d orders failed to sync: %w", len(result.Errors), result.Errors[0])
	}
	return nil
}

// syncOrder синхронизирует один заказ по уведомлению ERP; ошибка заказа
// возвращается, чтобы consumer повторил сообщение или отправил его в DLQ.
func (rt *runtime) syncOrder(ctx context.Context, id domain.OrderID) error {
	result, err := rt.engine.Sync(ctx, syncer.SyncOptions{OrderID: &id})
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	return nil
}

// login входит в ERP и загружает открытые заказы. Ошибки не фатальны:
// агент продолжает работать из кэша.
func (rt *runtime) login(ctx context.Context) {
	if !rt.cfg.HasERPCredentials() {
		rt.logger.Info("erp credentials are not configured, remote sync stays unavailable until login")
		return
	}
	loginCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := rt.erp.Authenticate(loginCtx, rt.cfg.ERPLogin, rt.cfg.ERPPassword); err != nil {
		rt.logger.WithError(err).Warn("erp login failed, continuing in client-unavailable mode")
		return
	}
	result, err := rt.engine.InitialDownSync(ctx)
	if err != nil {
		rt.logger.WithError(err).Warn("initial down sync skipped")
		return
	}
	rt.logger.WithFields(log.Fields{
		"orders": len(result.SyncedOrders),
		"errors": len(result.Errors),
	}).Info("initial down sync finished")
}

// install наполняет статический бакет; без upstream агент остаётся в installing
// и отдаёт то, что уже есть в хранилище.
func (rt *runtime) install(ctx context.Context) {
	if err := rt.agent.Install(ctx); err != nil {
		rt.logger.WithError(err).Warn("cache agent install failed")
	}
}

// close освобождает ресурсы компонентов; хранилища закрывает runtimeDependencies.
func (rt *runtime) close() {
	for _, unsubscribe := range rt.unsubscribe {
		unsubscribe()
	}
	rt.unsubscribe = nil
	if rt.consumer != nil {
		if err := rt.consumer.Stop(); err != nil {
			rt.logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	rt.agent.Wait()
	rt.queue.Close()
	closeKafka(rt.producer, rt.logger)
}
