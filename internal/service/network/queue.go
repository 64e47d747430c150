package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/metrics"
)

const queueKey = "network:queue"

// OperationExecutor выполняет одну отложенную операцию.
type OperationExecutor interface {
	Execute(ctx context.Context, op domain.QueuedOperation) error
}

// OperationRequest: заявка на отложенную операцию; id, время и счётчик повторов
// назначает очередь.
type OperationRequest struct {
	Type     string
	URL      string
	Method   string
	Payload  []byte
	Headers  map[string]string
	Priority domain.Priority
	// MaxRetries nil означает значение из RetryConfig.
	MaxRetries *int
}

// ProcessReport: итог одного прохода по очереди.
type ProcessReport struct {
	Skipped   bool
	Executed  int
	Failed    int
	Dropped   int
	Remaining int
}

// QueueSnapshot: состояние очереди для диагностики.
type QueueSnapshot struct {
	Operations []domain.QueuedOperation
	Processing bool
}

type scheduleFunc func(delay time.Duration, fn func()) (stop func() bool)

func afterFunc(delay time.Duration, fn func()) func() bool {
	return time.AfterFunc(delay, fn).Stop
}

// QueueOption настраивает QueueService.
type QueueOption func(*QueueService)

// WithQueueLogger задаёт logger очереди.
func WithQueueLogger(logger *log.Entry) QueueOption {
	return func(s *QueueService) {
		s.logger = logger
	}
}

// WithQueueMetrics задаёт метрики очереди.
func WithQueueMetrics(m *metrics.QueueMetrics) QueueOption {
	return func(s *QueueService) {
		s.metrics = m
	}
}

// WithRetryConfig задаёт политику повторов для очереди.
func WithRetryConfig(cfg RetryConfig) QueueOption {
	return func(s *QueueService) {
		s.retry = cfg
	}
}

// WithQueueClock подменяет источник времени.
func WithQueueClock(clock func() time.Time) QueueOption {
	return func(s *QueueService) {
		s.now = clock
	}
}

// withScheduler подменяет планировщик отложенного прохода (для тестов).
func withScheduler(schedule scheduleFunc) QueueOption {
	return func(s *QueueService) {
		s.schedule = schedule
	}
}

// QueueService: долговременная очередь отложенных сетевых операций.
// Единственный владелец хранения QueuedOperation.
type QueueService struct {
	store    domain.KeyValueStore
	executor OperationExecutor
	observer domain.ConnectivityObserver
	retry    RetryConfig
	logger   *log.Entry
	metrics  *metrics.QueueMetrics
	now      func() time.Time
	schedule scheduleFunc
	validate *validator.Validate

	mu         sync.Mutex
	queue      []domain.QueuedOperation
	retryAt    time.Time
	stopRetry  func() bool
	processing atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewQueueService создаёт очередь и загружает сохранённые операции.
func NewQueueService(ctx context.Context, store domain.KeyValueStore, executor OperationExecutor, observer domain.ConnectivityObserver, options ...QueueOption) *QueueService {
	s := &QueueService{
		store:    store,
		executor: executor,
		observer: observer,
		retry:    DefaultRetryConfig(),
		now:      time.Now,
		schedule: afterFunc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		queue:    []domain.QueuedOperation{},
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "network-queue")
	}
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.load(ctx)
	return s
}

// Close отменяет запланированные повторные проходы.
func (s *QueueService) Close() {
	s.mu.Lock()
	if s.stopRetry != nil {
		s.stopRetry()
		s.stopRetry = nil
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *QueueService) load(ctx context.Context) {
	raw, err := s.store.Get(ctx, queueKey)
	if err != nil {
		if !errors.Is(err, domain.ErrKeyNotFound) {
			s.logger.WithError(err).Warn("Failed to load operation queue")
		}
		return
	}
	var ops []domain.QueuedOperation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		s.logger.WithError(err).Warn("Stored operation queue is malformed, discarding")
		return
	}
	s.queue = ops
	s.metrics.SetDepth(len(ops))
	s.logger.WithField("operations", len(ops)).Info("Operation queue restored")
}

// persistLocked сохраняет очередь целиком. Вызывается под s.mu.
func (s *QueueService) persistLocked(ctx context.Context) {
	s.metrics.SetDepth(len(s.queue))
	payload, err := json.Marshal(s.queue)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal operation queue")
		return
	}
	if err := s.store.Set(ctx, queueKey, string(payload)); err != nil {
		s.logger.WithError(err).Error("Failed to persist operation queue")
	}
}

// QueueOperation ставит операцию в очередь, сохраняет очередь и при наличии связи
// сразу запускает обработку. Возвращает идентификатор операции.
func (s *QueueService) QueueOperation(ctx context.Context, req OperationRequest) (string, error) {
	op := domain.QueuedOperation{
		ID:         uuid.NewString(),
		Type:       req.Type,
		URL:        req.URL,
		Method:     req.Method,
		Payload:    req.Payload,
		Headers:    req.Headers,
		Timestamp:  s.now(),
		MaxRetries: s.retry.MaxRetries,
		Priority:   req.Priority,
	}
	op.Method = op.NormalizedMethod()
	if op.Priority == "" {
		op.Priority = domain.PriorityNormal
	}
	if req.MaxRetries != nil {
		op.MaxRetries = *req.MaxRetries
	}
	if err := s.validate.Struct(op); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidOperation, err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, op)
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{
		"operation_id": op.ID,
		"type":         op.Type,
		"priority":     op.Priority,
	}).Debug("Operation queued")

	if s.observer.Status().Online {
		s.ProcessQueue(ctx)
	}
	return op.ID, nil
}

// ProcessQueue выполняет операции по приоритету, затем по времени постановки.
// Параллельные вызовы пропускаются. Ошибки операций наружу не возвращаются.
func (s *QueueService) ProcessQueue(ctx context.Context) ProcessReport {
	if !s.processing.CompareAndSwap(false, true) {
		return ProcessReport{Skipped: true}
	}
	defer s.processing.Store(false)

	report := ProcessReport{}
	if !s.observer.Status().Online {
		report.Remaining = s.Len()
		return report
	}

	for _, op := range s.ordered() {
		if !s.observer.Status().Online {
			s.logger.Info("Connectivity lost, stopping queue processing")
			break
		}
		if ctx.Err() != nil {
			break
		}

		opLogger := s.logger.WithFields(log.Fields{
			"operation_id": op.ID,
			"type":         op.Type,
			"attempt":      op.RetryCount + 1,
		})

		if err := s.executor.Execute(ctx, op); err != nil {
			report.Failed++
			s.metrics.RecordExecuted("failure")
			opLogger.WithError(err).Warn("Queued operation failed")
			if dropped := s.recordFailure(ctx, op.ID); dropped {
				report.Dropped++
				s.metrics.RecordDropped()
				opLogger.WithField("max_retries", op.MaxRetries).Error("Queued operation dropped after exhausting retries")
			}
			continue
		}

		report.Executed++
		s.metrics.RecordExecuted("success")
		s.remove(ctx, op.ID)
		opLogger.Debug("Queued operation executed")
	}

	report.Remaining = s.Len()
	return report
}

// ordered возвращает копию очереди в порядке исполнения.
func (s *QueueService) ordered() []domain.QueuedOperation {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := append([]domain.QueuedOperation(nil), s.queue...)
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority.Rank() != ops[j].Priority.Rank() {
			return ops[i].Priority.Rank() < ops[j].Priority.Rank()
		}
		return ops[i].Timestamp.Before(ops[j].Timestamp)
	})
	return ops
}

func (s *QueueService) remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.persistLocked(ctx)
			return
		}
	}
}

// recordFailure увеличивает RetryCount; при исчерпании MaxRetries удаляет операцию,
// иначе планирует повторный проход. Возвращает true, если операция удалена.
func (s *QueueService) recordFailure(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queue {
		if s.queue[i].ID != id {
			continue
		}
		s.queue[i].RetryCount++
		op := s.queue[i]
		if op.RetryCount >= op.MaxRetries {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.persistLocked(ctx)
			return true
		}
		s.persistLocked(ctx)
		s.scheduleRetryLocked(CalculateRetryDelay(op.RetryCount-1, s.retry))
		return false
	}
	return false
}

// scheduleRetryLocked держит не более одного отложенного прохода, выбирая ближайший.
func (s *QueueService) scheduleRetryLocked(delay time.Duration) {
	at := s.now().Add(delay)
	if s.stopRetry != nil && !s.retryAt.IsZero() && !at.Before(s.retryAt) {
		return
	}
	if s.stopRetry != nil {
		s.stopRetry()
	}
	s.retryAt = at
	s.metrics.RecordRetryScheduled()
	s.logger.WithField("delay", delay).Debug("Queue re-drain scheduled")
	s.stopRetry = s.schedule(delay, func() {
		s.mu.Lock()
		s.stopRetry = nil
		s.retryAt = time.Time{}
		s.mu.Unlock()
		// Идущий проход мог уже взять операции до истечения задержки: повторяем позже.
		if report := s.ProcessQueue(s.baseCtx); report.Skipped && s.baseCtx.Err() == nil {
			s.mu.Lock()
			s.scheduleRetryLocked(s.retry.BaseDelay)
			s.mu.Unlock()
		}
	})
}

// Len возвращает количество операций в очереди.
func (s *QueueService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Snapshot возвращает копию очереди в порядке исполнения.
func (s *QueueService) Snapshot() QueueSnapshot {
	return QueueSnapshot{Operations: s.ordered(), Processing: s.processing.Load()}
}

// AddNetworkListener подписывает listener на состояние сети.
func (s *QueueService) AddNetworkListener(listener func(domain.NetworkStatus)) func() {
	return s.observer.Subscribe(listener)
}

// IsConnectionGood проверяет качество текущего соединения.
func (s *QueueService) IsConnectionGood() bool {
	return IsConnectionGood(s.observer.Status())
}
