package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/metrics"
	"github.com/vladislavdragonenkov/fieldsync/internal/storage/memory"
)

type recordingExecutor struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]error
	onCall  func(op domain.QueuedOperation)
}

func (e *recordingExecutor) Execute(_ context.Context, op domain.QueuedOperation) error {
	e.mu.Lock()
	e.calls = append(e.calls, op.Type)
	err := e.failFor[op.Type]
	hook := e.onCall
	e.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	return err
}

type scheduled struct {
	delays []time.Duration
	fns    []func()
}

func (s *scheduled) schedule(delay time.Duration, fn func()) func() bool {
	s.delays = append(s.delays, delay)
	s.fns = append(s.fns, fn)
	return func() bool { return true }
}

type tickingClock struct {
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestQueue(t *testing.T, store domain.KeyValueStore, executor OperationExecutor, monitor *Monitor, sched *scheduled) *QueueService {
	t.Helper()
	clock := &tickingClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	q := NewQueueService(context.Background(), store, executor, monitor,
		WithQueueClock(clock.Now),
		WithRetryConfig(RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2}),
		WithQueueMetrics(metrics.NewQueueMetricsWithRegisterer(prometheus.NewRegistry())),
		withScheduler(sched.schedule),
	)
	t.Cleanup(q.Close)
	return q
}

func request(kind string, priority domain.Priority) OperationRequest {
	return OperationRequest{Type: kind, URL: "https://erp.example.com/api/" + kind, Method: http.MethodPost, Priority: priority}
}

func TestProcessQueueOrdersByPriorityThenTimestamp(t *testing.T) {
	ctx := context.Background()
	monitor := NewMonitor(WithInitialOnline(false))
	executor := &recordingExecutor{}
	q := newTestQueue(t, memory.NewKeyValueStore(), executor, monitor, &scheduled{})

	for _, req := range []OperationRequest{
		request("low-t1", domain.PriorityLow),
		request("high-t2", domain.PriorityHigh),
		request("normal-t3", domain.PriorityNormal),
	} {
		if _, err := q.QueueOperation(ctx, req); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	if len(executor.calls) != 0 {
		t.Fatalf("nothing must execute while offline, got %v", executor.calls)
	}

	monitor.SetOnline(true)
	report := q.ProcessQueue(ctx)

	want := []string{"high-t2", "normal-t3", "low-t1"}
	for i := range want {
		if executor.calls[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, executor.calls)
		}
	}
	if report.Executed != 3 || report.Remaining != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestQueueOperationProcessesImmediatelyWhenOnline(t *testing.T) {
	ctx := context.Background()
	executor := &recordingExecutor{}
	q := newTestQueue(t, memory.NewKeyValueStore(), executor, NewMonitor(), &scheduled{})

	id, err := q.QueueOperation(ctx, request("push", ""))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	if len(executor.calls) != 1 || q.Len() != 0 {
		t.Fatalf("expected immediate execution, calls=%v len=%d", executor.calls, q.Len())
	}
}

func TestQueueOperationValidation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, memory.NewKeyValueStore(), &recordingExecutor{}, NewMonitor(WithInitialOnline(false)), &scheduled{})

	negative := -1
	tests := []struct {
		name string
		req  OperationRequest
	}{
		{name: "missing url", req: OperationRequest{Type: "x"}},
		{name: "bad method", req: OperationRequest{Type: "x", URL: "https://a.example", Method: "TRACE"}},
		{name: "bad priority", req: OperationRequest{Type: "x", URL: "https://a.example", Priority: "urgent"}},
		{name: "negative retries", req: OperationRequest{Type: "x", URL: "https://a.example", MaxRetries: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.QueueOperation(ctx, tt.req); !errors.Is(err, domain.ErrInvalidOperation) {
				t.Fatalf("expected ErrInvalidOperation, got %v", err)
			}
		})
	}
	if q.Len() != 0 {
		t.Fatalf("invalid operations must not be queued, got %d", q.Len())
	}
}

func TestProcessQueueRetriesThenDrops(t *testing.T) {
	ctx := context.Background()
	monitor := NewMonitor(WithInitialOnline(false))
	executor := &recordingExecutor{failFor: map[string]error{"flaky": errors.New("503")}}
	sched := &scheduled{}
	q := newTestQueue(t, memory.NewKeyValueStore(), executor, monitor, sched)

	if _, err := q.QueueOperation(ctx, request("flaky", domain.PriorityNormal)); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := q.QueueOperation(ctx, request("ok", domain.PriorityLow)); err != nil {
		t.Fatalf("queue: %v", err)
	}
	monitor.SetOnline(true)

	first := q.ProcessQueue(ctx)
	if first.Failed != 1 || first.Executed != 1 || first.Remaining != 1 {
		t.Fatalf("failure must not stop the drain: %+v", first)
	}
	if len(sched.delays) != 1 || sched.delays[0] != time.Second {
		t.Fatalf("expected one re-drain after 1s, got %v", sched.delays)
	}
	if op := q.Snapshot().Operations[0]; op.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", op.RetryCount)
	}

	q.ProcessQueue(ctx)
	third := q.ProcessQueue(ctx)
	if third.Dropped != 1 || third.Remaining != 0 {
		t.Fatalf("expected drop after max retries: %+v", third)
	}
}

func TestScheduledRedrainRunsQueue(t *testing.T) {
	ctx := context.Background()
	executor := &recordingExecutor{failFor: map[string]error{"flaky": errors.New("503")}}
	sched := &scheduled{}
	q := newTestQueue(t, memory.NewKeyValueStore(), executor, NewMonitor(), sched)

	if _, err := q.QueueOperation(ctx, request("flaky", "")); err != nil {
		t.Fatalf("queue: %v", err)
	}
	executor.mu.Lock()
	executor.failFor = nil
	executor.mu.Unlock()

	sched.fns[0]()
	if q.Len() != 0 {
		t.Fatalf("scheduled re-drain should have executed the operation, len=%d", q.Len())
	}
}

func TestScheduledRedrainRearmsWhenDrainIsRunning(t *testing.T) {
	ctx := context.Background()
	monitor := NewMonitor(WithInitialOnline(false))
	executor := &recordingExecutor{failFor: map[string]error{"flaky": errors.New("503")}}
	sched := &scheduled{}
	q := newTestQueue(t, memory.NewKeyValueStore(), executor, monitor, sched)

	if _, err := q.QueueOperation(ctx, request("flaky", "")); err != nil {
		t.Fatalf("queue: %v", err)
	}
	monitor.SetOnline(true)
	q.ProcessQueue(ctx)
	if len(sched.fns) != 1 {
		t.Fatalf("expected one scheduled re-drain, got %d", len(sched.fns))
	}

	// Таймер срабатывает посреди прохода: его проход пропускается.
	fired := false
	executor.mu.Lock()
	executor.failFor = map[string]error{"flaky": errors.New("503")}
	executor.onCall = func(domain.QueuedOperation) {
		if !fired {
			fired = true
			sched.fns[0]()
		}
	}
	executor.mu.Unlock()
	q.ProcessQueue(ctx)

	if len(sched.delays) < 2 {
		t.Fatalf("skipped re-drain must be re-armed, delays=%v", sched.delays)
	}

	executor.mu.Lock()
	executor.failFor = nil
	executor.onCall = nil
	executor.mu.Unlock()
	sched.fns[len(sched.fns)-1]()
	if q.Len() != 0 {
		t.Fatalf("re-armed drain should have executed the operation, len=%d", q.Len())
	}
}

func TestProcessQueueStopsWhenConnectivityDrops(t *testing.T) {
	ctx := context.Background()
	monitor := NewMonitor(WithInitialOnline(false))
	executor := &recordingExecutor{}
	executor.onCall = func(domain.QueuedOperation) { monitor.SetOnline(false) }
	q := newTestQueue(t, memory.NewKeyValueStore(), executor, monitor, &scheduled{})

	for _, kind := range []string{"a", "b", "c"} {
		if _, err := q.QueueOperation(ctx, request(kind, "")); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	monitor.SetOnline(true)
	report := q.ProcessQueue(ctx)

	if report.Executed != 1 || report.Remaining != 2 {
		t.Fatalf("expected drain to stop after first op: %+v", report)
	}
}

func TestProcessQueueIsReentrancyGuarded(t *testing.T) {
	ctx := context.Background()
	monitor := NewMonitor(WithInitialOnline(false))
	executor := &recordingExecutor{}
	var nested ProcessReport
	var q *QueueService
	executor.onCall = func(domain.QueuedOperation) { nested = q.ProcessQueue(ctx) }
	q = newTestQueue(t, memory.NewKeyValueStore(), executor, monitor, &scheduled{})

	if _, err := q.QueueOperation(ctx, request("a", "")); err != nil {
		t.Fatalf("queue: %v", err)
	}
	monitor.SetOnline(true)
	q.ProcessQueue(ctx)

	if !nested.Skipped {
		t.Fatalf("nested drain must be skipped: %+v", nested)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKeyValueStore()
	offline := NewMonitor(WithInitialOnline(false))

	first := newTestQueue(t, store, &recordingExecutor{}, offline, &scheduled{})
	if _, err := first.QueueOperation(ctx, request("persisted", domain.PriorityHigh)); err != nil {
		t.Fatalf("queue: %v", err)
	}

	restored := newTestQueue(t, store, &recordingExecutor{}, offline, &scheduled{})
	ops := restored.Snapshot().Operations
	if len(ops) != 1 || ops[0].Type != "persisted" || ops[0].Priority != domain.PriorityHigh {
		t.Fatalf("unexpected restored queue: %+v", ops)
	}
}

func TestMalformedStoredQueueIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKeyValueStore()
	if err := store.Set(ctx, queueKey, "[{broken"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	q := newTestQueue(t, store, &recordingExecutor{}, NewMonitor(WithInitialOnline(false)), &scheduled{})
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestHTTPExecutor(t *testing.T) {
	var gotBody, gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeader = r.Header.Get("X-Device")
		if r.URL.Path == "/fail" {
			http.Error(w, "upstream broke", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	executor := NewHTTPExecutor(server.Client(), nil)
	op := domain.QueuedOperation{
		Type:    "push",
		URL:     server.URL + "/ok",
		Method:  http.MethodPut,
		Payload: []byte(`{"qty":2}`),
		Headers: map[string]string{"X-Device": "tablet-7"},
	}
	if err := executor.Execute(context.Background(), op); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotBody != `{"qty":2}` || gotHeader != "tablet-7" {
		t.Fatalf("unexpected request body=%q header=%q", gotBody, gotHeader)
	}

	op.URL = server.URL + "/fail"
	err := executor.Execute(context.Background(), op)
	var remote *domain.RemoteError
	if !errors.As(err, &remote) || remote.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected RemoteError 502, got %v", err)
	}
}
