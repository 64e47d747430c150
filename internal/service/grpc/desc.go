package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса синхронизации.
const ServiceName = "fieldsync.v1.SyncService"

// Имена методов SyncService.
const (
	MethodSync                  = "Sync"
	MethodInitialDownSync       = "InitialDownSync"
	MethodSyncAllPendingChanges = "SyncAllPendingChanges"
	MethodSyncDeliveryChange    = "SyncDeliveryChange"
	MethodListConflicts         = "ListConflicts"
	MethodResolveConflict       = "ResolveConflict"
	MethodGetOrder              = "GetOrder"
	MethodQueueStatus           = "QueueStatus"
)

// SyncServiceServer: серверная сторона SyncService. Запросы и ответы передаются
// как google.protobuf.Struct с JSON-совместимыми полями.
type SyncServiceServer interface {
	Sync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InitialDownSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncAllPendingChanges(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncDeliveryChange(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConflicts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveConflict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueueStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(SyncServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(SyncServiceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// SyncServiceDesc описывает SyncService для grpc.Server.RegisterService.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodSync, SyncServiceServer.Sync),
		unaryHandler(MethodInitialDownSync, SyncServiceServer.InitialDownSync),
		unaryHandler(MethodSyncAllPendingChanges, SyncServiceServer.SyncAllPendingChanges),
		unaryHandler(MethodSyncDeliveryChange, SyncServiceServer.SyncDeliveryChange),
		unaryHandler(MethodListConflicts, SyncServiceServer.ListConflicts),
		unaryHandler(MethodResolveConflict, SyncServiceServer.ResolveConflict),
		unaryHandler(MethodGetOrder, SyncServiceServer.GetOrder),
		unaryHandler(MethodQueueStatus, SyncServiceServer.QueueStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldsync/v1/sync.proto",
}

// RegisterSyncServiceServer регистрирует реализацию на сервере.
func RegisterSyncServiceServer(registrar grpc.ServiceRegistrar, srv SyncServiceServer) {
	registrar.RegisterService(&SyncServiceDesc, srv)
}

// SyncServiceClient: клиентская сторона SyncService.
type SyncServiceClient struct {
	conn grpc.ClientConnInterface
}

// NewSyncServiceClient создаёт клиента поверх соединения.
func NewSyncServiceClient(conn grpc.ClientConnInterface) *SyncServiceClient {
	return &SyncServiceClient{conn: conn}
}

// Call вызывает метод name с запросом req.
func (c *SyncServiceClient) Call(ctx context.Context, name string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+name, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
