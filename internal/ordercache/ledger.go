package ordercache

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// QueueProductUpdate добавляет в журнал несинхронизированную правку кода товара.
// Если строка уже есть в снимке, новый код сразу отражается в её имени.
func (c *Cache) QueueProductUpdate(ctx context.Context, id domain.OrderID, lineID domain.LineID, oldCode, newCode string) (domain.ProductUpdate, error) {
	var update domain.ProductUpdate
	_, err := c.mutate(ctx, id, true, func(record *domain.OrderRecord) error {
		update = domain.ProductUpdate{
			ID:        uuid.NewString(),
			LineID:    lineID,
			OldCode:   oldCode,
			NewCode:   newCode,
			Timestamp: c.now(),
		}
		record.Pending.ProductUpdates = append(record.Pending.ProductUpdates, update)
		if line, ok := record.Snapshot.Line(lineID); ok {
			applyProductCode(line, newCode)
		}
		if record.Meta.SyncStatus == domain.SyncStatusSynced {
			record.Meta.SyncStatus = domain.SyncStatusPending
		}
		return nil
	})
	if err != nil {
		return domain.ProductUpdate{}, err
	}
	return update, nil
}

// QueueDeliveryUpdate добавляет в журнал несинхронизированное количество по строке.
func (c *Cache) QueueDeliveryUpdate(ctx context.Context, id domain.OrderID, lineID domain.LineID, newQty float64) (domain.DeliveryUpdate, error) {
	var update domain.DeliveryUpdate
	_, err := c.mutate(ctx, id, true, func(record *domain.OrderRecord) error {
		update = domain.DeliveryUpdate{
			ID:        uuid.NewString(),
			LineID:    lineID,
			NewQty:    newQty,
			Timestamp: c.now(),
		}
		record.Pending.DeliveryUpdates = append(record.Pending.DeliveryUpdates, update)
		if record.Meta.SyncStatus == domain.SyncStatusSynced {
			record.Meta.SyncStatus = domain.SyncStatusPending
		}
		return nil
	})
	if err != nil {
		return domain.DeliveryUpdate{}, err
	}
	return update, nil
}

// GetPendingProductUpdates возвращает несинхронизированные правки кода в порядке добавления.
func (c *Cache) GetPendingProductUpdates(ctx context.Context, id domain.OrderID) ([]domain.ProductUpdate, error) {
	record, err := c.GetOrder(ctx, id)
	if err != nil || record == nil {
		return []domain.ProductUpdate{}, err
	}
	out := make([]domain.ProductUpdate, 0, len(record.Pending.ProductUpdates))
	for _, update := range record.Pending.ProductUpdates {
		if !update.Synced {
			out = append(out, update)
		}
	}
	return out, nil
}

// GetPendingDeliveryUpdates возвращает несинхронизированные правки количества в порядке добавления.
func (c *Cache) GetPendingDeliveryUpdates(ctx context.Context, id domain.OrderID) ([]domain.DeliveryUpdate, error) {
	record, err := c.GetOrder(ctx, id)
	if err != nil || record == nil {
		return []domain.DeliveryUpdate{}, err
	}
	out := make([]domain.DeliveryUpdate, 0, len(record.Pending.DeliveryUpdates))
	for _, update := range record.Pending.DeliveryUpdates {
		if !update.Synced {
			out = append(out, update)
		}
	}
	return out, nil
}

// MarkProductUpdateSynced помечает правку кода как принятую сервером.
func (c *Cache) MarkProductUpdateSynced(ctx context.Context, id domain.OrderID, updateID string) error {
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		for i := range record.Pending.ProductUpdates {
			if record.Pending.ProductUpdates[i].ID == updateID {
				record.Pending.ProductUpdates[i].Synced = true
				return nil
			}
		}
		return fmt.Errorf("product update %s: %w", updateID, domain.ErrInvalidOperation)
	})
	return err
}

// MarkDeliveryUpdateSynced помечает правку количества как принятую сервером.
func (c *Cache) MarkDeliveryUpdateSynced(ctx context.Context, id domain.OrderID, updateID string) error {
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		for i := range record.Pending.DeliveryUpdates {
			if record.Pending.DeliveryUpdates[i].ID == updateID {
				record.Pending.DeliveryUpdates[i].Synced = true
				return nil
			}
		}
		return fmt.Errorf("delivery update %s: %w", updateID, domain.ErrInvalidOperation)
	})
	return err
}

// ClearProductUpdate удаляет правку кода из журнала. Отсутствующая правка не ошибка.
func (c *Cache) ClearProductUpdate(ctx context.Context, id domain.OrderID, updateID string) error {
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		kept := record.Pending.ProductUpdates[:0]
		for _, update := range record.Pending.ProductUpdates {
			if update.ID != updateID {
				kept = append(kept, update)
			}
		}
		record.Pending.ProductUpdates = kept
		return nil
	})
	return err
}

// ClearDeliveryUpdate удаляет правку количества из журнала. Отсутствующая правка не ошибка.
func (c *Cache) ClearDeliveryUpdate(ctx context.Context, id domain.OrderID, updateID string) error {
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		kept := record.Pending.DeliveryUpdates[:0]
		for _, update := range record.Pending.DeliveryUpdates {
			if update.ID != updateID {
				kept = append(kept, update)
			}
		}
		record.Pending.DeliveryUpdates = kept
		return nil
	})
	return err
}

// ClearSyncedEntries удаляет из журнала все записи, уже принятые сервером.
func (c *Cache) ClearSyncedEntries(ctx context.Context, id domain.OrderID) error {
	_, err := c.mutate(ctx, id, false, func(record *domain.OrderRecord) error {
		products := record.Pending.ProductUpdates[:0]
		for _, update := range record.Pending.ProductUpdates {
			if !update.Synced {
				products = append(products, update)
			}
		}
		deliveries := record.Pending.DeliveryUpdates[:0]
		for _, update := range record.Pending.DeliveryUpdates {
			if !update.Synced {
				deliveries = append(deliveries, update)
			}
		}
		record.Pending.ProductUpdates = products
		record.Pending.DeliveryUpdates = deliveries
		return nil
	})
	return err
}
