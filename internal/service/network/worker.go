package network

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const defaultPollInterval = 15 * time.Second

// WorkerOptions задаёт параметры воркера очереди.
type WorkerOptions struct {
	Logger       *log.Entry
	PollInterval time.Duration
}

// WorkerOption настраивает Worker.
type WorkerOption func(*WorkerOptions)

// WithWorkerLogger задаёт logger для воркера.
func WithWorkerLogger(logger *log.Entry) WorkerOption {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithPollInterval задаёт частоту проходов по очереди.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// Worker периодически обрабатывает очередь и сразу запускает проход при восстановлении связи.
type Worker struct {
	queue        *QueueService
	logger       *log.Entry
	pollInterval time.Duration
}

// NewWorker создаёт воркер очереди.
func NewWorker(queue *QueueService, options ...WorkerOption) *Worker {
	opts := WorkerOptions{PollInterval: defaultPollInterval}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "queue-worker")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	return &Worker{
		queue:        queue,
		logger:       logger,
		pollInterval: opts.PollInterval,
	}
}

// Run запускает цикл обработки до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	reconnected := make(chan struct{}, 1)
	var (
		mu        sync.Mutex
		wasOnline = true
	)
	unsubscribe := w.queue.AddNetworkListener(func(status domain.NetworkStatus) {
		mu.Lock()
		restored := !wasOnline && status.Online
		wasOnline = status.Online
		mu.Unlock()
		if !restored {
			return
		}
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.WithField("poll_interval", w.pollInterval).Info("Queue worker started")
	w.ProcessOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Queue worker stopped")
			return
		case <-reconnected:
			w.logger.Info("Connectivity restored, draining queue")
			w.ProcessOnce(ctx)
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один проход по очереди.
func (w *Worker) ProcessOnce(ctx context.Context) ProcessReport {
	report := w.queue.ProcessQueue(ctx)
	if report.Executed > 0 || report.Failed > 0 {
		w.logger.WithFields(log.Fields{
			"executed":  report.Executed,
			"failed":    report.Failed,
			"dropped":   report.Dropped,
			"remaining": report.Remaining,
		}).Info("Queue processed")
	}
	return report
}
