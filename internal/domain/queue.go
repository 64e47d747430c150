package domain

import (
	"net/http"
	"time"
)

// Priority задаёт порядок исполнения отложенных операций.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank возвращает вес приоритета: меньше — раньше.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// QueuedOperation: отложенная сетевая операция в долговременной очереди.
type QueuedOperation struct {
	ID         string            `json:"id"`
	Type       string            `json:"type" validate:"required"`
	URL        string            `json:"url" validate:"required,url"`
	Method     string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Payload    []byte            `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries" validate:"gte=0"`
	Priority   Priority          `json:"priority" validate:"omitempty,oneof=high normal low"`
}

// NormalizedMethod возвращает HTTP-метод операции, по умолчанию POST.
func (op QueuedOperation) NormalizedMethod() string {
	if op.Method == "" {
		return http.MethodPost
	}
	return op.Method
}

// EffectiveType: класс качества канала в терминах Network Information API.
type EffectiveType string

const (
	EffectiveTypeSlow2G EffectiveType = "slow-2g"
	EffectiveType2G     EffectiveType = "2g"
	EffectiveType3G     EffectiveType = "3g"
	EffectiveType4G     EffectiveType = "4g"
)

// NetworkStatus: снимок состояния сети.
type NetworkStatus struct {
	Online        bool          `json:"online"`
	EffectiveType EffectiveType `json:"effectiveType,omitempty"`
	RTT           time.Duration `json:"rtt,omitempty"`
	Downlink      float64       `json:"downlink,omitempty"`
	CheckedAt     time.Time     `json:"checkedAt"`
}
