package ordercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const (
	sessionKeyPrefix = "session:order:"
	sessionIndexKey  = "session:index"
)

// ProgressStatus: статус отгрузки строки или заказа в рамках сессии.
type ProgressStatus string

const (
	ProgressOpen    ProgressStatus = "open"
	ProgressPartial ProgressStatus = "partial"
	ProgressFull    ProgressStatus = "full"
)

// LineSession: отгруженное и целевое количество по строке.
type LineSession struct {
	Delivered float64 `json:"delivered"`
	Target    float64 `json:"target"`
}

// OrderSessionData: сессионные данные заказа; живут до EndSession.
type OrderSessionData struct {
	Lines map[domain.LineID]LineSession `json:"lines"`
}

// LineProgress: прогресс одной строки.
type LineProgress struct {
	LineID    domain.LineID  `json:"lineId"`
	Delivered float64        `json:"delivered"`
	Target    float64        `json:"target"`
	Status    ProgressStatus `json:"status"`
}

// OrderProgress: прогресс заказа целиком.
type OrderProgress struct {
	OrderID domain.OrderID `json:"orderId"`
	Status  ProgressStatus `json:"status"`
	Lines   []LineProgress `json:"lines"`
}

func sessionKey(id domain.OrderID) string {
	return sessionKeyPrefix + strconv.FormatInt(id, 10)
}

func lineStatus(delivered, target float64) ProgressStatus {
	switch {
	case delivered <= 0:
		return ProgressOpen
	case target > 0 && delivered >= target:
		return ProgressFull
	default:
		return ProgressPartial
	}
}

// DeliverLine прибавляет delta к отгруженному количеству строки и уведомляет подписчиков.
// Журнал правок не меняется.
func (c *Cache) DeliverLine(ctx context.Context, id domain.OrderID, lineID domain.LineID, delta float64) (LineSession, error) {
	return c.updateSession(ctx, id, lineID, func(current float64) float64 { return current + delta })
}

// SetDeliveredAbsolute задаёт отгруженное количество строки.
func (c *Cache) SetDeliveredAbsolute(ctx context.Context, id domain.OrderID, lineID domain.LineID, qty float64) (LineSession, error) {
	return c.updateSession(ctx, id, lineID, func(float64) float64 { return qty })
}

func (c *Cache) updateSession(ctx context.Context, id domain.OrderID, lineID domain.LineID, next func(float64) float64) (LineSession, error) {
	c.mu.Lock()
	record := c.load(ctx, id)
	if record == nil {
		c.mu.Unlock()
		return LineSession{}, fmt.Errorf("order %d: %w", id, domain.ErrOrderNotFound)
	}
	line, ok := record.Snapshot.Line(lineID)
	if !ok {
		c.mu.Unlock()
		return LineSession{}, fmt.Errorf("order %d line %d: %w", id, lineID, domain.ErrLineNotFound)
	}

	data := c.loadSession(ctx, id)
	entry := data.Lines[lineID]
	entry.Target = line.Quantity
	entry.Delivered = next(entry.Delivered)
	if entry.Delivered < 0 {
		entry.Delivered = 0
	}
	data.Lines[lineID] = entry

	if err := c.saveSession(ctx, id, data); err != nil {
		c.mu.Unlock()
		return LineSession{}, err
	}
	c.mu.Unlock()

	c.subs.notify(id, record)
	return entry, nil
}

// Progress вычисляет статус open/partial/full по строкам заказа.
// Цель строки берётся из текущего снимка.
func (c *Cache) Progress(ctx context.Context, id domain.OrderID) (OrderProgress, error) {
	record, err := c.GetOrder(ctx, id)
	if err != nil {
		return OrderProgress{}, err
	}
	if record == nil {
		return OrderProgress{}, fmt.Errorf("order %d: %w", id, domain.ErrOrderNotFound)
	}
	data := c.loadSession(ctx, id)

	progress := OrderProgress{OrderID: id, Lines: make([]LineProgress, 0, len(record.Snapshot.Lines))}
	var open, full int
	for _, line := range record.Snapshot.Lines {
		delivered := data.Lines[line.ID].Delivered
		status := lineStatus(delivered, line.Quantity)
		switch status {
		case ProgressOpen:
			open++
		case ProgressFull:
			full++
		}
		progress.Lines = append(progress.Lines, LineProgress{
			LineID:    line.ID,
			Delivered: delivered,
			Target:    line.Quantity,
			Status:    status,
		})
	}

	switch {
	case len(progress.Lines) == 0 || open == len(progress.Lines):
		progress.Status = ProgressOpen
	case full == len(progress.Lines):
		progress.Status = ProgressFull
	default:
		progress.Status = ProgressPartial
	}
	return progress, nil
}

// EndSession очищает все сессионные данные.
func (c *Cache) EndSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.loadSessionIndex(ctx)
	for _, id := range ids {
		if err := c.session.Delete(ctx, sessionKey(id)); err != nil {
			return fmt.Errorf("delete session for order %d: %w", id, err)
		}
	}
	if err := c.session.Delete(ctx, sessionIndexKey); err != nil {
		return fmt.Errorf("delete session index: %w", err)
	}
	return nil
}

func (c *Cache) loadSession(ctx context.Context, id domain.OrderID) OrderSessionData {
	data := OrderSessionData{Lines: map[domain.LineID]LineSession{}}
	raw, err := c.session.Get(ctx, sessionKey(id))
	if err != nil {
		return data
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data.Lines == nil {
		return OrderSessionData{Lines: map[domain.LineID]LineSession{}}
	}
	return data
}

func (c *Cache) saveSession(ctx context.Context, id domain.OrderID, data OrderSessionData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	if err := c.session.Set(ctx, sessionKey(id), string(payload)); err != nil {
		return fmt.Errorf("save session for order %d: %w", id, err)
	}

	ids := c.loadSessionIndex(ctx)
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	payload, err = json.Marshal(append(ids, id))
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	return c.session.Set(ctx, sessionIndexKey, string(payload))
}

func (c *Cache) loadSessionIndex(ctx context.Context) []domain.OrderID {
	raw, err := c.session.Get(ctx, sessionIndexKey)
	if err != nil {
		if !errors.Is(err, domain.ErrKeyNotFound) {
			c.logger.WithError(err).Warn("session index read failed")
		}
		return nil
	}
	var ids []domain.OrderID
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
