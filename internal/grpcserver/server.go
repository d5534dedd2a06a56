package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/stone-check/internal/classifier"
)

// ServiceName is the health service name reported for the inference service.
const ServiceName = "stonecheck.v1.Inference"

// Server exposes grpc.health.v1.Health for orchestrator probes.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds a server that reports ServiceName as SERVING. The mode is only
// logged; demo fallback is still a healthy process.
func New(mode classifier.Mode, logger *zap.Logger) *Server {
	logger = logger.Named("grpc")

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(logger)))
	healthpb.RegisterHealthServer(gs, hs)

	logger.Info("health service registered", zap.String("service", ServiceName), zap.String("mode", string(mode)))
	return &Server{grpc: gs, health: hs, logger: logger}
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls. If ctx
// expires first the server is stopped hard.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpc.Stop()
		<-done
	}
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("latency", time.Since(start)),
		}
		if err != nil {
			logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return resp, err
	}
}
