// Package grpcsvc открывает движок синхронизации, кэш заказов и очередь по gRPC.
package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/service/network"
	"github.com/vladislavdragonenkov/fieldsync/internal/service/syncer"
)

// SyncEngine: операции движка синхронизации, доступные по gRPC.
type SyncEngine interface {
	Sync(ctx context.Context, opts syncer.SyncOptions) (syncer.SyncResult, error)
	InitialDownSync(ctx context.Context) (syncer.SyncResult, error)
	SyncAllPendingChanges(ctx context.Context) (syncer.SyncResult, error)
	SyncDeliveryChange(ctx context.Context, orderID domain.OrderID, lineID domain.LineID, newQty float64) error
	Conflicts(ctx context.Context) []domain.SyncConflict
	AllConflicts(ctx context.Context) []domain.SyncConflict
	ResolveConflict(ctx context.Context, conflictID string, resolution domain.ConflictResolution) error
	State() syncer.State
}

// OrderReader читает записи локального кэша.
type OrderReader interface {
	GetOrder(ctx context.Context, id domain.OrderID) (*domain.OrderRecord, error)
}

// QueueInspector отдаёт состояние очереди операций.
type QueueInspector interface {
	Snapshot() network.QueueSnapshot
}

// SyncService реализует SyncServiceServer.
type SyncService struct {
	engine   SyncEngine
	orders   OrderReader
	queue    QueueInspector
	logger   *log.Entry
	validate *validator.Validate
}

var _ SyncServiceServer = (*SyncService)(nil)

// NewSyncService конструирует сервис с зависимостями.
func NewSyncService(engine SyncEngine, orders OrderReader, queue QueueInspector, logger *log.Entry) *SyncService {
	if logger == nil {
		logger = log.New().WithField("component", "sync-service")
	}
	return &SyncService{
		engine:   engine,
		orders:   orders,
		queue:    queue,
		logger:   logger,
		validate: validator.New(),
	}
}

type syncRequest struct {
	OrderID    *int64 `json:"orderId" validate:"omitempty,gt=0"`
	Resolution string `json:"resolution" validate:"omitempty,oneof=manual local server"`
}

type deliveryChangeRequest struct {
	OrderID  int64    `json:"orderId" validate:"required,gt=0"`
	LineID   int64    `json:"lineId" validate:"required,gt=0"`
	Quantity *float64 `json:"quantity" validate:"required,gte=0"`
}

type listConflictsRequest struct {
	IncludeResolved bool `json:"includeResolved"`
}

type resolveConflictRequest struct {
	ConflictID string `json:"conflictId" validate:"required"`
	Resolution string `json:"resolution" validate:"required,oneof=local server"`
}

type getOrderRequest struct {
	OrderID int64 `json:"orderId" validate:"required,gt=0"`
}

// Sync запускает синхронизацию всех или одного заказа.
func (s *SyncService) Sync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req syncRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	opts := syncer.SyncOptions{Resolution: domain.ConflictResolution(req.Resolution)}
	if req.OrderID != nil {
		id := *req.OrderID
		opts.OrderID = &id
	}
	result, err := s.engine.Sync(ctx, opts)
	if err != nil {
		return nil, s.toStatus(MethodSync, err)
	}
	return encode(result)
}

// InitialDownSync загружает открытые заказы с сервера.
func (s *SyncService) InitialDownSync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	result, err := s.engine.InitialDownSync(ctx)
	if err != nil {
		return nil, s.toStatus(MethodInitialDownSync, err)
	}
	return encode(result)
}

// SyncAllPendingChanges отправляет все несинхронизированные правки.
func (s *SyncService) SyncAllPendingChanges(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	result, err := s.engine.SyncAllPendingChanges(ctx)
	if err != nil {
		return nil, s.toStatus(MethodSyncAllPendingChanges, err)
	}
	return encode(result)
}

// SyncDeliveryChange записывает и сразу отправляет правку количества.
func (s *SyncService) SyncDeliveryChange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req deliveryChangeRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SyncDeliveryChange(ctx, req.OrderID, req.LineID, *req.Quantity); err != nil {
		return nil, s.toStatus(MethodSyncDeliveryChange, err)
	}
	return encode(map[string]any{"accepted": true})
}

// ListConflicts возвращает активные конфликты, а с includeResolved — все.
func (s *SyncService) ListConflicts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listConflictsRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	conflicts := s.engine.Conflicts(ctx)
	if req.IncludeResolved {
		conflicts = s.engine.AllConflicts(ctx)
	}
	if conflicts == nil {
		conflicts = []domain.SyncConflict{}
	}
	return encode(map[string]any{"conflicts": conflicts})
}

// ResolveConflict разрешает конфликт локальным или серверным значением.
func (s *SyncService) ResolveConflict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req resolveConflictRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.engine.ResolveConflict(ctx, req.ConflictID, domain.ConflictResolution(req.Resolution)); err != nil {
		return nil, s.toStatus(MethodResolveConflict, err)
	}
	return encode(map[string]any{"resolved": true})
}

// GetOrder возвращает запись локального кэша.
func (s *SyncService) GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getOrderRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	record, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, s.toStatus(MethodGetOrder, err)
	}
	if record == nil {
		return nil, status.Error(codes.NotFound, domain.ErrOrderNotFound.Error())
	}
	return encode(record)
}

// QueueStatus возвращает длину и содержимое очереди операций.
func (s *SyncService) QueueStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snapshot := s.queue.Snapshot()
	operations := snapshot.Operations
	if operations == nil {
		operations = []domain.QueuedOperation{}
	}
	return encode(map[string]any{
		"length":     len(operations),
		"processing": snapshot.Processing,
		"operations": operations,
		"syncState":  s.engine.State(),
	})
}

// decode переводит Struct в типизированный запрос и валидирует его.
func (s *SyncService) decode(in *structpb.Struct, out any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := s.validate.Struct(out); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// encode переводит значение в Struct через его JSON-представление.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus сопоставляет доменные ошибки с кодами gRPC.
func (s *SyncService) toStatus(method string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, domain.ErrSyncInProgress):
		code = codes.Aborted
	case errors.Is(err, domain.ErrOffline), errors.Is(err, domain.ErrClientUnavailable):
		code = codes.Unavailable
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrConflictNotFound), errors.Is(err, domain.ErrLineNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInvalidOperation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrRemote):
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	if code == codes.Internal || code == codes.FailedPrecondition {
		s.logger.WithError(err).WithField("method", method).Error("Sync service call failed")
	}
	return status.Error(code, fmt.Sprintf("%s: %v", method, err))
}
