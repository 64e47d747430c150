package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/ordercache"
)

// fanoutPublisher рассылает событие во все каналы; ошибка одного канала не мешает остальным.
type fanoutPublisher struct {
	sinks []domain.EventPublisher
}

func newFanoutPublisher(sinks ...domain.EventPublisher) *fanoutPublisher {
	out := &fanoutPublisher{}
	for _, sink := range sinks {
		if sink != nil {
			out.sinks = append(out.sinks, sink)
		}
	}
	return out
}

func (f *fanoutPublisher) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// networkEvents превращает смену online/offline в события network.online / network.offline.
// Повтор того же состояния (смена качества канала) событий не порождает.
func networkEvents(ctx context.Context, observer domain.ConnectivityObserver, publisher domain.EventPublisher, now func() time.Time, logger *log.Entry) func() {
	var (
		mu    sync.Mutex
		known bool
		last  bool
	)
	return observer.Subscribe(func(status domain.NetworkStatus) {
		mu.Lock()
		changed := !known || last != status.Online
		known, last = true, status.Online
		mu.Unlock()
		if !changed {
			return
		}

		eventType := domain.EventNetworkOffline
		if status.Online {
			eventType = domain.EventNetworkOnline
		}
		event := domain.Event{
			ID:        uuid.NewString(),
			Type:      eventType,
			Payload:   map[string]any{"effectiveType": string(status.EffectiveType)},
			Timestamp: now(),
		}
		if err := publisher.Publish(ctx, event); err != nil {
			logger.WithError(err).WithField("event_type", eventType).Warn("failed to publish network event")
		}
	})
}

// orderEvents публикует order.changed на каждое изменение записи в кэше заказов.
func orderEvents(ctx context.Context, cache *ordercache.Cache, publisher domain.EventPublisher, now func() time.Time, logger *log.Entry) func() {
	return cache.SubscribeAll(func(id domain.OrderID, record *domain.OrderRecord) {
		payload := map[string]any{}
		if record != nil {
			payload["syncStatus"] = string(record.Meta.SyncStatus)
			payload["revision"] = record.Meta.Revision
			payload["pending"] = record.Pending.UnsyncedCount()
		}
		event := domain.Event{
			ID:        uuid.NewString(),
			Type:      domain.EventOrderChanged,
			OrderID:   id,
			Payload:   payload,
			Timestamp: now(),
		}
		if err := publisher.Publish(ctx, event); err != nil {
			logger.WithError(err).WithField("order_id", id).Warn("failed to publish order event")
		}
	})
}
