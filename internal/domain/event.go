package domain

import "time"

// EventType: тип уведомления для слоя представления.
type EventType string

const (
	EventOrderChanged   EventType = "order.changed"
	EventNetworkOnline  EventType = "network.online"
	EventNetworkOffline EventType = "network.offline"
	EventSyncCompleted  EventType = "sync.completed"
)

// Event: уведомление, публикуемое во внешние каналы (Kafka, WebSocket).
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	OrderID   OrderID        `json:"orderId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
