package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// OrderSyncer синхронизирует один заказ с сервером.
type OrderSyncer interface {
	SyncOrder(ctx context.Context, id domain.OrderID) error
}

// OrderSyncerFunc адаптирует функцию к OrderSyncer.
type OrderSyncerFunc func(ctx context.Context, id domain.OrderID) error

func (f OrderSyncerFunc) SyncOrder(ctx context.Context, id domain.OrderID) error {
	return f(ctx, id)
}

// NewOrderChangeHandler возвращает обработчик topic'а изменений заказов ERP:
// каждое уведомление запускает синхронизацию заказа.
func NewOrderChangeHandler(syncer OrderSyncer) MessageHandler {
	logger := log.WithField("component", "erp-order-changes")
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		change, err := ParseOrderChange(message)
		if err != nil {
			return err
		}
		if err := syncer.SyncOrder(ctx, change.OrderID); err != nil {
			return fmt.Errorf("sync order %d: %w", change.OrderID, err)
		}
		logger.WithField("order_id", change.OrderID).Debug("Order synced after ERP change")
		return nil
	}
}
