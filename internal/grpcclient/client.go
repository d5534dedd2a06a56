package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/stone-check/internal/logging"
)

// HealthProbe queries a grpc.health.v1.Health endpoint.
type HealthProbe struct {
	client healthpb.HealthClient
	logger *zap.Logger
}

// DialHealth returns a ready-to-use probe for the service at addr. Extra dial
// options are appended after the insecure transport credentials.
func DialHealth(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*HealthProbe, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_health", "", err)
		logger.Error("failed to dial health endpoint", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &HealthProbe{client: healthpb.NewHealthClient(conn), logger: logger}, conn, nil
}

// Check reports whether service is SERVING.
func (p *HealthProbe) Check(ctx context.Context, service string) (bool, error) {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.check_health", "", err)
		p.logger.Error("health check failed", zap.Error(wrapped), zap.String("service", service))
		return false, wrapped
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
