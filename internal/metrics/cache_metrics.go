package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics считает ответы слоя кэширования по стратегии и источнику.
type CacheMetrics struct {
	responses *prometheus.CounterVec
}

// NewCacheMetrics регистрирует метрики в DefaultRegisterer.
func NewCacheMetrics() *CacheMetrics {
	return NewCacheMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCacheMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewCacheMetricsWithRegisterer(registerer prometheus.Registerer) *CacheMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &CacheMetrics{
		responses: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fieldsync_cache_responses_total",
			Help: "Total number of intercepted responses grouped by strategy and source.",
		}, []string{"strategy", "source"}),
	}
}

// RecordResponse учитывает ответ; source — network|cache|stale|offline|passthrough.
func (m *CacheMetrics) RecordResponse(strategy, source string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strategy, source).Inc()
}
