package httpcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// MessageType: тип управляющего сообщения агента.
type MessageType string

const (
	MessageSkipWaiting    MessageType = "SKIP_WAITING"
	MessageCacheOrderData MessageType = "CACHE_ORDER_DATA"
	MessageClearCache     MessageType = "CLEAR_CACHE"
	MessageGetCacheStatus MessageType = "GET_CACHE_STATUS"
)

// Message: управляющее сообщение. Data используется только CACHE_ORDER_DATA.
type Message struct {
	Type MessageType       `json:"type" validate:"required,oneof=SKIP_WAITING CACHE_ORDER_DATA CLEAR_CACHE GET_CACHE_STATUS"`
	Data *OrderDataPayload `json:"data,omitempty" validate:"required_if=Type CACHE_ORDER_DATA"`
}

// OrderDataPayload: запись для ручной вставки в бакет заказов.
type OrderDataPayload struct {
	OrderID domain.OrderID  `json:"orderId" validate:"required,gt=0"`
	Data    json.RawMessage `json:"data" validate:"required"`
}

// CacheStatus: структура кэша: имена бакетов и число записей в каждом.
type CacheStatus struct {
	State   State          `json:"state"`
	Buckets map[string]int `json:"buckets"`
}

var messageValidator = validator.New()

// OrderDataPath возвращает путь ресурса заказа, под которым хранится CACHE_ORDER_DATA.
func OrderDataPath(id domain.OrderID) string {
	return "/api/orders/" + strconv.FormatInt(id, 10)
}

// HandleMessage обрабатывает управляющее сообщение. GET_CACHE_STATUS возвращает
// CacheStatus, остальные типы — nil.
func (a *Agent) HandleMessage(ctx context.Context, msg Message) (any, error) {
	if err := messageValidator.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidOperation, err)
	}

	switch msg.Type {
	case MessageSkipWaiting:
		return nil, a.Activate(ctx)
	case MessageCacheOrderData:
		return nil, a.cacheOrderData(ctx, *msg.Data)
	case MessageClearCache:
		return nil, a.clearCache(ctx)
	case MessageGetCacheStatus:
		status, err := a.cacheStatus(ctx)
		if err != nil {
			return nil, err
		}
		return status, nil
	default:
		return nil, errors.New("unsupported message type")
	}
}

func (a *Agent) cacheOrderData(ctx context.Context, payload OrderDataPayload) error {
	key := a.cfg.resolve(OrderDataPath(payload.OrderID))
	header := http.Header{"Content-Type": []string{"application/json"}}
	if err := a.putBody(ctx, a.cfg.OrdersBucket(), key, http.StatusOK, header, payload.Data); err != nil {
		return fmt.Errorf("cache order %d: %w", payload.OrderID, err)
	}
	a.logger.WithField("order_id", payload.OrderID).Debug("Order data cached by message")
	return nil
}

func (a *Agent) clearCache(ctx context.Context) error {
	names, err := a.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list cache buckets: %w", err)
	}
	for _, name := range names {
		if err := a.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete cache bucket %s: %w", name, err)
		}
	}
	a.logger.WithField("buckets", len(names)).Info("All caches cleared")
	return nil
}

func (a *Agent) cacheStatus(ctx context.Context) (CacheStatus, error) {
	names, err := a.storage.Names(ctx)
	if err != nil {
		return CacheStatus{}, fmt.Errorf("list cache buckets: %w", err)
	}
	status := CacheStatus{State: a.State(), Buckets: make(map[string]int, len(names))}
	for _, name := range names {
		bucket, err := a.storage.Open(ctx, name)
		if err != nil {
			return CacheStatus{}, fmt.Errorf("open cache bucket %s: %w", name, err)
		}
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return CacheStatus{}, fmt.Errorf("list cache bucket %s: %w", name, err)
		}
		status.Buckets[name] = len(keys)
	}
	return status, nil
}
