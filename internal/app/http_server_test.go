package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/fieldsync/internal/health"
)

// newTestRuntime собирает агент на памяти поверх upstream.
func newTestRuntime(t *testing.T, upstream string) *runtime {
	t.Helper()

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverMemory
	cfg.UpstreamURL = upstream
	cfg.ERPURL = upstream
	logger := log.WithField("test", t.Name())

	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	require.NoError(t, err)
	rt, err := newRuntime(context.Background(), cfg, deps, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		rt.close()
		_ = deps.Close()
	})
	return rt
}

func newUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestControl_CacheOrderDataAndStatus(t *testing.T) {
	upstream, _ := newUpstream(t)
	rt := newTestRuntime(t, upstream.URL)
	handler := rt.routes()

	rec := postJSON(t, handler, "/control", `{"type":"CACHE_ORDER_DATA","data":{"orderId":42,"data":{"id":42}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = postJSON(t, handler, "/control", `{"type":"GET_CACHE_STATUS"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		OK     bool `json:"ok"`
		Result struct {
			State   string         `json:"state"`
			Buckets map[string]int `json:"buckets"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.True(t, body.OK)
	require.Equal(t, "installing", body.Result.State)

	ordersBucket := "fieldsync-orders-" + rt.agent.Config().Version
	require.Equal(t, 1, body.Result.Buckets[ordersBucket])
}

func TestControl_RejectsInvalidMessages(t *testing.T) {
	upstream, _ := newUpstream(t)
	handler := newTestRuntime(t, upstream.URL).routes()

	cases := map[string]string{
		"unknown type":       `{"type":"REBOOT"}`,
		"missing order data": `{"type":"CACHE_ORDER_DATA"}`,
		"unknown field":      `{"type":"CLEAR_CACHE","force":true}`,
		"malformed json":     `{"type":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := postJSON(t, handler, "/control", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestBackgroundSync_QueueTag(t *testing.T) {
	upstream, _ := newUpstream(t)
	handler := newTestRuntime(t, upstream.URL).routes()

	rec := postJSON(t, handler, "/sync/"+SyncTagQueue, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = postJSON(t, handler, "/sync/unknown-tag", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestProxy_ServesFromCacheWhenUpstreamGoesAway(t *testing.T) {
	upstream, hits := newUpstream(t)
	handler := newTestRuntime(t, upstream.URL).routes()

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/api/orders/42", nil))
		return rec
	}

	rec := get()
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"path":"/api/orders/42"}`, rec.Body.String())
	require.Equal(t, int32(1), hits.Load())

	upstream.Close()

	rec = get()
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"path":"/api/orders/42"}`, rec.Body.String())
}

func TestProbeEndpoints(t *testing.T) {
	upstream, _ := newUpstream(t)
	handler := newTestRuntime(t, upstream.URL).routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthcheck.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	// Без входа в ERP агент работает, но в режиме degraded.
	require.Equal(t, healthcheck.StatusDegraded, health.Status)
	require.Equal(t, healthcheck.StatusDegraded, health.Checks["erp-session"].Status)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fieldsync_queue_depth")
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	upstream, _ := newUpstream(t)
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.UpstreamURL = upstream.URL
	cfg.ERPURL = upstream.URL

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_AddressInUse(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	upstream, _ := newUpstream(t)
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverMemory
	cfg.GRPCAddr = lis.Addr().String()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.UpstreamURL = upstream.URL
	cfg.ERPURL = upstream.URL

	err = Run(context.Background(), cfg)
	require.ErrorContains(t, err, "address already in use")
}
