// Package app собирает агент синхронизации: хранилища, кэш заказов, очередь,
// движок синхронизации, агент кэша ответов и внешние интерфейсы (gRPC, HTTP, Kafka).
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcsvc "github.com/vladislavdragonenkov/fieldsync/internal/service/grpc"
)

const shutdownTimeout = 5 * time.Second

// Run запускает агент и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	rt, err := newRuntime(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	return rt.serve(ctx)
}

// newGRPCServer регистрирует SyncService, health и reflection; метрики идут в реестр агента.
func (rt *runtime) newGRPCServer() (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := rt.registry.Register(grpcMetrics); err != nil {
		rt.logger.WithError(err).Warn("failed to register grpc metrics")
	}
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	service := grpcsvc.NewSyncService(rt.engine, rt.cache, rt.queue, rt.logger.WithField("layer", "grpc"))
	grpcsvc.RegisterSyncServiceServer(server, service)
	grpcMetrics.InitializeMetrics(server)
	reflection.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server, healthServer
}

// serve поднимает серверы и фоновые циклы в одной errgroup и останавливает их вместе.
func (rt *runtime) serve(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", rt.cfg.GRPCAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", rt.cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	grpcServer, healthServer := rt.newGRPCServer()
	httpServer := &http.Server{Handler: rt.routes(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		rt.logger.Infof("HTTP сервер слушает %s (/control, /events, /proxy, /metrics, /healthz)", httpLis.Addr())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		rt.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rt.worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rt.install(gctx)
		rt.login(gctx)
		return nil
	})
	if rt.consumer != nil {
		if err := rt.consumer.Start(gctx); err != nil {
			rt.logger.WithError(err).Warn("failed to start kafka consumer")
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.Shutdown()
		stopGRPC(grpcServer, rt.logger)
		shutdownHTTP(httpServer, rt.logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// stopGRPC пытается остановиться штатно и обрывает соединения по таймауту.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
