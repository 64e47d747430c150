package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "fieldsync.order.events"
	TopicSyncEvents      = "fieldsync.sync.events"
	TopicERPOrderChanges = "fieldsync.erp.order-changes"
	TopicDeadLetterQueue = "fieldsync.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// TopicFor возвращает topic для типа доменного события.
func TopicFor(eventType domain.EventType) string {
	switch eventType {
	case domain.EventOrderChanged:
		return TopicOrderEvents
	default:
		return TopicSyncEvents
	}
}

// OrderChangeMessage: уведомление ERP об изменении заказа на сервере.
type OrderChangeMessage struct {
	OrderID   domain.OrderID `json:"order_id"`
	WriteDate time.Time      `json:"write_date,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// ParseOrderChange парсит OrderChangeMessage из сообщения
func ParseOrderChange(message *sarama.ConsumerMessage) (*OrderChangeMessage, error) {
	var change OrderChangeMessage
	if err := json.Unmarshal(message.Value, &change); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order change: %w", err)
	}
	if change.OrderID <= 0 {
		return nil, fmt.Errorf("order change without order_id")
	}
	return &change, nil
}
