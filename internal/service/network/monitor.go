package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const (
	goodConnectionRTT    = 1000 * time.Millisecond
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// EffectiveTypeForRTT классифицирует канал по времени отклика.
func EffectiveTypeForRTT(rtt time.Duration) domain.EffectiveType {
	switch {
	case rtt >= 2000*time.Millisecond:
		return domain.EffectiveTypeSlow2G
	case rtt >= 1400*time.Millisecond:
		return domain.EffectiveType2G
	case rtt >= 270*time.Millisecond:
		return domain.EffectiveType3G
	default:
		return domain.EffectiveType4G
	}
}

// MonitorOption настраивает Monitor.
type MonitorOption func(*Monitor)

// WithProbe включает периодическую проверку связи запросом к url.
func WithProbe(url string, interval time.Duration, client *http.Client) MonitorOption {
	return func(m *Monitor) {
		m.probeURL = url
		if interval > 0 {
			m.probeInterval = interval
		}
		if client != nil {
			m.client = client
		}
	}
}

// WithMonitorLogger задаёт logger монитора.
func WithMonitorLogger(logger *log.Entry) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMonitorClock подменяет источник времени.
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = clock
	}
}

// WithInitialOnline задаёт начальное состояние связи.
func WithInitialOnline(online bool) MonitorOption {
	return func(m *Monitor) {
		m.status.Online = online
	}
}

// Monitor отслеживает состояние сети. Реализует domain.ConnectivityObserver.
type Monitor struct {
	logger        *log.Entry
	now           func() time.Time
	probeURL      string
	probeInterval time.Duration
	client        *http.Client

	mu        sync.RWMutex
	status    domain.NetworkStatus
	nextID    uint64
	listeners map[uint64]func(domain.NetworkStatus)
}

// NewMonitor создаёт монитор; по умолчанию связь считается доступной.
func NewMonitor(options ...MonitorOption) *Monitor {
	m := &Monitor{
		now:           time.Now,
		probeInterval: defaultProbeInterval,
		client:        &http.Client{Timeout: defaultProbeTimeout},
		status:        domain.NetworkStatus{Online: true, EffectiveType: domain.EffectiveType4G},
		listeners:     make(map[uint64]func(domain.NetworkStatus)),
	}
	for _, option := range options {
		option(m)
	}
	if m.logger == nil {
		m.logger = log.WithField("component", "network-monitor")
	}
	m.status.CheckedAt = m.now()
	return m
}

// Status возвращает текущее состояние сети.
func (m *Monitor) Status() domain.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline сообщает, есть ли связь.
func (m *Monitor) IsOnline() bool {
	return m.Status().Online
}

// IsConnectionGood истинно, если связь есть, RTT меньше секунды и канал не slow-2g.
func (m *Monitor) IsConnectionGood() bool {
	return IsConnectionGood(m.Status())
}

// IsConnectionGood проверяет качество канала по снимку состояния.
func IsConnectionGood(status domain.NetworkStatus) bool {
	return status.Online && status.RTT < goodConnectionRTT && status.EffectiveType != domain.EffectiveTypeSlow2G
}

// Subscribe сразу вызывает listener с текущим состоянием, затем при каждом изменении.
func (m *Monitor) Subscribe(listener func(domain.NetworkStatus)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = listener
	current := m.status
	m.mu.Unlock()

	listener(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
		})
	}
}

// SetOnline применяет сигнал online/offline платформы.
func (m *Monitor) SetOnline(online bool) {
	m.update(true, func(status *domain.NetworkStatus) {
		status.Online = online
	})
}

// SetLinkQuality применяет подсказки о качестве канала (событие смены соединения).
func (m *Monitor) SetLinkQuality(rtt time.Duration, downlink float64) {
	m.update(true, func(status *domain.NetworkStatus) {
		status.RTT = rtt
		status.Downlink = downlink
		status.EffectiveType = EffectiveTypeForRTT(rtt)
	})
}

// update применяет изменение и уведомляет слушателей. Без force уведомление
// отправляется только при смене Online или EffectiveType.
func (m *Monitor) update(force bool, fn func(*domain.NetworkStatus)) {
	m.mu.Lock()
	previous := m.status
	fn(&m.status)
	m.status.CheckedAt = m.now()
	current := m.status
	changed := previous.Online != current.Online || previous.EffectiveType != current.EffectiveType
	listeners := make([]func(domain.NetworkStatus), 0, len(m.listeners))
	if force || changed {
		for _, listener := range m.listeners {
			listeners = append(listeners, listener)
		}
	}
	m.mu.Unlock()

	if previous.Online != current.Online {
		m.logger.WithField("online", current.Online).Info("Connectivity changed")
	}
	for _, listener := range listeners {
		listener(current)
	}
}

// Probe измеряет RTT запросом к probe URL и обновляет состояние.
func (m *Monitor) Probe(ctx context.Context) error {
	if m.probeURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	started := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.update(false, func(status *domain.NetworkStatus) { status.Online = false })
		return fmt.Errorf("probe %s: %w", m.probeURL, domain.ErrOffline)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	rtt := m.now().Sub(started)
	m.update(false, func(status *domain.NetworkStatus) {
		status.Online = true
		status.RTT = rtt
		status.EffectiveType = EffectiveTypeForRTT(rtt)
	})
	return nil
}

// Run периодически проверяет связь, пока не отменён ctx. Без probe URL сразу выходит.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		return
	}

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.logger.WithField("probe_url", m.probeURL).Info("Connectivity probe started")
	for {
		if err := m.Probe(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Debug("Connectivity probe failed")
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Connectivity probe stopped")
			return
		case <-ticker.C:
		}
	}
}

var _ domain.ConnectivityObserver = (*Monitor)(nil)
