package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics содержит метрики движка синхронизации.
// Методы безопасны для nil-получателя.
type SyncMetrics struct {
	runs          *prometheus.CounterVec
	orderDuration prometheus.Histogram
	conflicts     *prometheus.CounterVec
	ledgerPushed  *prometheus.CounterVec
	activeSyncs   prometheus.Gauge
}

// NewSyncMetrics регистрирует метрики в DefaultRegisterer.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSyncMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fieldsync_sync_runs_total",
			Help: "Total number of sync invocations grouped by result.",
		}, []string{"result"}),
		orderDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "fieldsync_sync_order_duration_seconds",
			Help:    "Duration of a single order sync in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		conflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fieldsync_sync_conflicts_total",
			Help: "Total number of detected sync conflicts grouped by type.",
		}, []string{"type"}),
		ledgerPushed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fieldsync_sync_ledger_pushed_total",
			Help: "Total number of pending ledger entries pushed to the server grouped by kind.",
		}, []string{"kind"}),
		activeSyncs: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fieldsync_sync_in_flight",
			Help: "Whether a sync invocation is currently running.",
		}),
	}
}

// RecordRun учитывает завершённый запуск синхронизации (synced|conflicted|failed).
func (m *SyncMetrics) RecordRun(result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
}

// ObserveOrderDuration записывает время синхронизации одного заказа.
func (m *SyncMetrics) ObserveOrderDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.orderDuration.Observe(duration.Seconds())
}

// RecordConflict учитывает обнаруженный конфликт.
func (m *SyncMetrics) RecordConflict(conflictType string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(conflictType).Inc()
}

// RecordLedgerPushed учитывает отправленную на сервер запись журнала (product|delivery).
func (m *SyncMetrics) RecordLedgerPushed(kind string) {
	if m == nil {
		return
	}
	m.ledgerPushed.WithLabelValues(kind).Inc()
}

func (m *SyncMetrics) SyncStarted() {
	if m == nil {
		return
	}
	m.activeSyncs.Set(1)
}

func (m *SyncMetrics) SyncFinished() {
	if m == nil {
		return
	}
	m.activeSyncs.Set(0)
}
