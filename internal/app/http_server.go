package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fieldsync/internal/health"
	"github.com/vladislavdragonenkov/fieldsync/internal/httpcache"
)

// maxControlBody ограничивает размер управляющего сообщения (данные заказа включительно).
const maxControlBody = 4 << 20

// routes собирает HTTP-маршруты агента.
func (rt *runtime) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	r.Handle("/healthz", rt.health)
	r.Get("/readyz", rt.health.ReadinessHandler)
	r.Get("/livez", healthcheck.LivenessHandler)

	r.Post("/control", controlHandler(rt.agent, rt.logger))
	r.Post("/sync/{tag}", backgroundSyncHandler(rt.agent, rt.logger))
	newOrderHandlers(rt.cache, rt.queue, rt.logger).mount(r)
	r.Get("/events", rt.hub.ServeHTTP)
	r.Handle("/proxy/*", http.StripPrefix("/proxy", rt.agent.ProxyHandler(rt.upstream)))
	return r
}

type controlResponse struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// controlHandler принимает управляющие сообщения агента кэша.
func controlHandler(agent *httpcache.Agent, logger *log.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg httpcache.Message
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, controlResponse{Error: "malformed message: " + err.Error()})
			return
		}

		result, err := agent.HandleMessage(r.Context(), msg)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrInvalidOperation) {
				status = http.StatusBadRequest
			} else {
				logger.WithError(err).WithField("message_type", msg.Type).Error("control message failed")
			}
			writeJSON(w, status, controlResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, controlResponse{OK: true, Result: result})
	}
}

// backgroundSyncHandler запускает зарегистрированную фоновую синхронизацию по тегу.
func backgroundSyncHandler(agent *httpcache.Agent, logger *log.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")
		if err := agent.BackgroundSync(r.Context(), tag); err != nil {
			logger.WithError(err).WithField("tag", tag).Warn("background sync failed")
			writeJSON(w, http.StatusServiceUnavailable, controlResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, controlResponse{OK: true})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
