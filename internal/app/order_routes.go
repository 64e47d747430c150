package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/ordercache"
	"github.com/vladislavdragonenkov/fieldsync/internal/service/network"
)

// orderHandlers открывает HTTP-доступ к правкам заказа и очереди операций.
type orderHandlers struct {
	cache    *ordercache.Cache
	queue    *network.QueueService
	validate *validator.Validate
	logger   *log.Entry
}

type queueOperationRequest struct {
	Type       string            `json:"type" validate:"required"`
	URL        string            `json:"url" validate:"required,url"`
	Method     string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Priority   string            `json:"priority" validate:"omitempty,oneof=high normal low"`
	MaxRetries *int              `json:"maxRetries" validate:"omitempty,gte=0"`
}

type productUpdateRequest struct {
	OldCode string `json:"oldCode"`
	NewCode string `json:"newCode" validate:"required"`
}

type lineCodeRequest struct {
	Code string `json:"code" validate:"required"`
}

type deliverLineRequest struct {
	Delta *float64 `json:"delta" validate:"required"`
}

type deliveredRequest struct {
	Quantity *float64 `json:"quantity" validate:"required,gte=0"`
}

func newOrderHandlers(cache *ordercache.Cache, queue *network.QueueService, logger *log.Entry) *orderHandlers {
	return &orderHandlers{
		cache:    cache,
		queue:    queue,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *orderHandlers) mount(r chi.Router) {
	r.Post("/queue", h.queueOperation)
	r.Route("/orders/{orderID}", func(r chi.Router) {
		r.Get("/progress", h.progress)
		r.Route("/lines/{lineID}", func(r chi.Router) {
			r.Post("/product-updates", h.queueProductUpdate)
			r.Put("/code", h.updateLineCode)
			r.Post("/deliveries", h.deliverLine)
			r.Put("/delivered", h.setDelivered)
		})
	})
}

func (h *orderHandlers) queueOperation(w http.ResponseWriter, r *http.Request) {
	var req queueOperationRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.queue.QueueOperation(r.Context(), network.OperationRequest{
		Type:       req.Type,
		URL:        req.URL,
		Method:     req.Method,
		Payload:    []byte(req.Payload),
		Headers:    req.Headers,
		Priority:   domain.Priority(req.Priority),
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		h.fail(w, err, "queue operation failed")
		return
	}
	writeJSON(w, http.StatusAccepted, controlResponse{OK: true, Result: map[string]string{"id": id}})
}

func (h *orderHandlers) progress(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	progress, err := h.cache.Progress(r.Context(), orderID)
	if err != nil {
		h.fail(w, err, "order progress failed")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true, Result: progress})
}

func (h *orderHandlers) queueProductUpdate(w http.ResponseWriter, r *http.Request) {
	orderID, lineID, ok := linePath(w, r)
	if !ok {
		return
	}
	var req productUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	update, err := h.cache.QueueProductUpdate(r.Context(), orderID, lineID, req.OldCode, req.NewCode)
	if err != nil {
		h.fail(w, err, "product update failed")
		return
	}
	writeJSON(w, http.StatusCreated, controlResponse{OK: true, Result: update})
}

func (h *orderHandlers) updateLineCode(w http.ResponseWriter, r *http.Request) {
	orderID, lineID, ok := linePath(w, r)
	if !ok {
		return
	}
	var req lineCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.cache.UpdateLineCode(r.Context(), orderID, lineID, req.Code); err != nil {
		h.fail(w, err, "line code update failed")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true})
}

func (h *orderHandlers) deliverLine(w http.ResponseWriter, r *http.Request) {
	orderID, lineID, ok := linePath(w, r)
	if !ok {
		return
	}
	var req deliverLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.cache.DeliverLine(r.Context(), orderID, lineID, *req.Delta)
	if err != nil {
		h.fail(w, err, "deliver line failed")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true, Result: session})
}

func (h *orderHandlers) setDelivered(w http.ResponseWriter, r *http.Request) {
	orderID, lineID, ok := linePath(w, r)
	if !ok {
		return
	}
	var req deliveredRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.cache.SetDeliveredAbsolute(r.Context(), orderID, lineID, *req.Quantity)
	if err != nil {
		h.fail(w, err, "set delivered failed")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true, Result: session})
}

// decode читает и проверяет тело запроса; при ошибке ответ уже записан.
func (h *orderHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, controlResponse{Error: "malformed request: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, controlResponse{Error: err.Error()})
		return false
	}
	return true
}

func (h *orderHandlers) fail(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrLineNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOperation):
		status = http.StatusBadRequest
	default:
		h.logger.WithError(err).Error(msg)
	}
	writeJSON(w, status, controlResponse{Error: err.Error()})
}

func linePath(w http.ResponseWriter, r *http.Request) (domain.OrderID, domain.LineID, bool) {
	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return 0, 0, false
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return 0, 0, false
	}
	return orderID, domain.LineID(lineID), true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, controlResponse{Error: fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return id, true
}
