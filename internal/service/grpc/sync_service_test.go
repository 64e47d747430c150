package grpcsvc_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/fieldsync/internal/service/grpc"
	"github.com/vladislavdragonenkov/fieldsync/internal/service/network"
	"github.com/vladislavdragonenkov/fieldsync/internal/service/syncer"
)

const bufSize = 1024 * 1024

type stubEngine struct {
	mu          sync.Mutex
	syncOpts    []syncer.SyncOptions
	deliveries  []float64
	resolved    []string
	syncErr     error
	resolveErr  error
	conflicts   []domain.SyncConflict
	allConflict []domain.SyncConflict
}

func (e *stubEngine) Sync(_ context.Context, opts syncer.SyncOptions) (syncer.SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncOpts = append(e.syncOpts, opts)
	if e.syncErr != nil {
		return syncer.SyncResult{}, e.syncErr
	}
	return syncer.SyncResult{Success: true, SyncedOrders: []domain.OrderID{42}, Timestamp: time.Unix(0, 0).UTC()}, nil
}

func (e *stubEngine) InitialDownSync(context.Context) (syncer.SyncResult, error) {
	return syncer.SyncResult{Success: true, SyncedOrders: []domain.OrderID{1, 2}}, nil
}

func (e *stubEngine) SyncAllPendingChanges(context.Context) (syncer.SyncResult, error) {
	return syncer.SyncResult{}, domain.ErrOffline
}

func (e *stubEngine) SyncDeliveryChange(_ context.Context, _ domain.OrderID, _ domain.LineID, qty float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveries = append(e.deliveries, qty)
	return nil
}

func (e *stubEngine) Conflicts(context.Context) []domain.SyncConflict    { return e.conflicts }
func (e *stubEngine) AllConflicts(context.Context) []domain.SyncConflict { return e.allConflict }
func (e *stubEngine) State() syncer.State                                { return syncer.StateIdle }

func (e *stubEngine) ResolveConflict(_ context.Context, id string, _ domain.ConflictResolution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolved = append(e.resolved, id)
	return e.resolveErr
}

type stubOrders map[domain.OrderID]*domain.OrderRecord

func (s stubOrders) GetOrder(_ context.Context, id domain.OrderID) (*domain.OrderRecord, error) {
	return s[id], nil
}

type stubQueue struct{}

func (stubQueue) Snapshot() network.QueueSnapshot {
	return network.QueueSnapshot{Operations: []domain.QueuedOperation{{ID: "op-1", Type: "update"}}}
}

func newTestClient(t *testing.T, engine *stubEngine) *grpcsvc.SyncServiceClient {
	t.Helper()
	listener := bufconn.Listen(bufSize)
	logger := loggerForTests()

	record := domain.NewOrderRecord(42, time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	record.Snapshot.Order.Name = "S00042"
	service := grpcsvc.NewSyncService(engine, stubOrders{42: record}, stubQueue{}, logger)

	server := grpc.NewServer()
	grpcsvc.RegisterSyncServiceServer(server, service)
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	//nolint:staticcheck // grpc.Dial is required for bufconn testing
	conn, err := grpc.Dial("bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return grpcsvc.NewSyncServiceClient(conn)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestSyncPassesOptions(t *testing.T) {
	engine := &stubEngine{}
	client := newTestClient(t, engine)

	resp, err := client.Call(context.Background(), grpcsvc.MethodSync, mustStruct(t, map[string]any{"orderId": 42, "resolution": "server"}))
	require.NoError(t, err)
	require.True(t, resp.AsMap()["success"].(bool))

	require.Len(t, engine.syncOpts, 1)
	require.NotNil(t, engine.syncOpts[0].OrderID)
	require.Equal(t, domain.OrderID(42), *engine.syncOpts[0].OrderID)
	require.Equal(t, domain.ResolutionServer, engine.syncOpts[0].Resolution)
}

func TestSyncValidationAndErrorMapping(t *testing.T) {
	engine := &stubEngine{syncErr: domain.ErrSyncInProgress}
	client := newTestClient(t, engine)
	ctx := context.Background()

	_, err := client.Call(ctx, grpcsvc.MethodSync, mustStruct(t, map[string]any{"resolution": "whatever"}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Call(ctx, grpcsvc.MethodSync, nil)
	require.Equal(t, codes.Aborted, status.Code(err))

	_, err = client.Call(ctx, grpcsvc.MethodSyncAllPendingChanges, nil)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestSyncDeliveryChangeAcceptsZeroQuantity(t *testing.T) {
	engine := &stubEngine{}
	client := newTestClient(t, engine)
	ctx := context.Background()

	_, err := client.Call(ctx, grpcsvc.MethodSyncDeliveryChange, mustStruct(t, map[string]any{"orderId": 42, "lineId": 1, "quantity": 0}))
	require.NoError(t, err)
	require.Equal(t, []float64{0}, engine.deliveries)

	_, err = client.Call(ctx, grpcsvc.MethodSyncDeliveryChange, mustStruct(t, map[string]any{"orderId": 42, "lineId": 1}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestConflictsAndResolve(t *testing.T) {
	engine := &stubEngine{
		conflicts:   []domain.SyncConflict{{ID: "c-1", Type: domain.ConflictLineModified, OrderID: 42}},
		allConflict: []domain.SyncConflict{{ID: "c-1"}, {ID: "c-0", Resolved: true}},
		resolveErr:  nil,
	}
	client := newTestClient(t, engine)
	ctx := context.Background()

	resp, err := client.Call(ctx, grpcsvc.MethodListConflicts, nil)
	require.NoError(t, err)
	require.Len(t, resp.AsMap()["conflicts"], 1)

	resp, err = client.Call(ctx, grpcsvc.MethodListConflicts, mustStruct(t, map[string]any{"includeResolved": true}))
	require.NoError(t, err)
	require.Len(t, resp.AsMap()["conflicts"], 2)

	_, err = client.Call(ctx, grpcsvc.MethodResolveConflict, mustStruct(t, map[string]any{"conflictId": "c-1", "resolution": "manual"}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Call(ctx, grpcsvc.MethodResolveConflict, mustStruct(t, map[string]any{"conflictId": "c-1", "resolution": "local"}))
	require.NoError(t, err)
	require.Equal(t, []string{"c-1"}, engine.resolved)

	engine.resolveErr = domain.ErrConflictNotFound
	_, err = client.Call(ctx, grpcsvc.MethodResolveConflict, mustStruct(t, map[string]any{"conflictId": "c-9", "resolution": "local"}))
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestGetOrderAndQueueStatus(t *testing.T) {
	client := newTestClient(t, &stubEngine{})
	ctx := context.Background()

	resp, err := client.Call(ctx, grpcsvc.MethodGetOrder, mustStruct(t, map[string]any{"orderId": 42}))
	require.NoError(t, err)
	snapshot := resp.AsMap()["snapshot"].(map[string]any)
	order := snapshot["order"].(map[string]any)
	require.Equal(t, "S00042", order["name"])

	_, err = client.Call(ctx, grpcsvc.MethodGetOrder, mustStruct(t, map[string]any{"orderId": 7}))
	require.Equal(t, codes.NotFound, status.Code(err))

	resp, err = client.Call(ctx, grpcsvc.MethodQueueStatus, nil)
	require.NoError(t, err)
	require.Equal(t, float64(1), resp.AsMap()["length"])
	require.Equal(t, "idle", resp.AsMap()["syncState"])
}

func TestInitialDownSync(t *testing.T) {
	client := newTestClient(t, &stubEngine{})

	resp, err := client.Call(context.Background(), grpcsvc.MethodInitialDownSync, nil)
	require.NoError(t, err)
	require.Len(t, resp.AsMap()["syncedOrders"], 2)
}
