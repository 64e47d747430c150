// Package ws рассылает доменные события подключённым клиентам представления по WebSocket.
package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

// HubOption настраивает Hub.
type HubOption func(*Hub)

// WithLogger задаёт logger хаба.
func WithLogger(logger *log.Entry) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithOriginPatterns разрешает подключения с указанных origin.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) {
		h.originPatterns = patterns
	}
}

type client struct {
	orderID domain.OrderID
	send    chan domain.Event
}

// Hub: domain.EventPublisher, который рассылает события всем подписчикам.
// Клиент, не успевающий читать, отключается.
type Hub struct {
	logger         *log.Entry
	originPatterns []string

	mu      sync.RWMutex
	clients map[*client]struct{}
}

var _ domain.EventPublisher = (*Hub)(nil)

// NewHub создаёт пустой хаб.
func NewHub(options ...HubOption) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	for _, option := range options {
		option(h)
	}
	if h.logger == nil {
		h.logger = log.WithField("component", "ws-hub")
	}
	return h
}

// Clients возвращает число подключённых клиентов.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish ставит событие в очередь каждого подходящего клиента. События заказа
// получают клиенты без фильтра и клиенты, подписанные на этот заказ.
func (h *Hub) Publish(_ context.Context, event domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if c.orderID != 0 && event.OrderID != 0 && c.orderID != event.OrderID {
			continue
		}
		select {
		case c.send <- event:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("Slow websocket client disconnected")
		}
	}
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP принимает WebSocket-подключение. Параметр ?order=<id> оставляет
// только события этого заказа и общие события сети и синхронизации.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var orderID domain.OrderID
	if raw := r.URL.Query().Get("order"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid order id", http.StatusBadRequest)
			return
		}
		orderID = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	c := &client{orderID: orderID, send: make(chan domain.Event, clientBuffer)}
	h.register(c)
	defer h.unregister(c)

	// Клиент только читает; CloseRead обрабатывает управляющие кадры и отменяет ctx при закрытии.
	ctx := conn.CloseRead(r.Context())
	h.logger.WithField("order_id", orderID).Debug("Websocket client connected")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.logger.WithError(err).Debug("Websocket write failed")
				return
			}
		}
	}
}
