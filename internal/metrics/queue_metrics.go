package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics содержит метрики очереди отложенных сетевых операций.
type QueueMetrics struct {
	depth          prometheus.Gauge
	executed       *prometheus.CounterVec
	dropped        prometheus.Counter
	retryScheduled prometheus.Counter
}

// NewQueueMetrics регистрирует метрики в DefaultRegisterer.
func NewQueueMetrics() *QueueMetrics {
	return NewQueueMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewQueueMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewQueueMetricsWithRegisterer(registerer prometheus.Registerer) *QueueMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &QueueMetrics{
		depth: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fieldsync_queue_depth",
			Help: "Current number of queued network operations.",
		}),
		executed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fieldsync_queue_executed_total",
			Help: "Total number of queued operation executions grouped by result.",
		}, []string{"result"}),
		dropped: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fieldsync_queue_dropped_total",
			Help: "Total number of queued operations dropped after exhausting retries.",
		}),
		retryScheduled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fieldsync_queue_retry_scheduled_total",
			Help: "Total number of delayed queue re-drains scheduled.",
		}),
	}
}

func (m *QueueMetrics) SetDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}

// RecordExecuted учитывает выполнение операции (success|failure).
func (m *QueueMetrics) RecordExecuted(result string) {
	if m == nil {
		return
	}
	m.executed.WithLabelValues(result).Inc()
}

func (m *QueueMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *QueueMetrics) RecordRetryScheduled() {
	if m == nil {
		return
	}
	m.retryScheduled.Inc()
}
