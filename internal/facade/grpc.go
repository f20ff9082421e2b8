package facade

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"go.ocapkernel.dev/kernel/internal/kernelerrors"
)

// GRPCServer hosts the gRPC standard health-checking protocol against the
// kernel daemon, so an orchestrator can probe liveness/readiness the same
// way it would any other cluster-managed service. The domain operations
// themselves (launchSubcluster, queueMessage, ...) are served over the
// JSON-RPC façade in jsonrpc.go; there is no generated protobuf service for
// them, since this repo has no protoc step.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
}

func NewGRPCServer(logger *slog.Logger) *GRPCServer {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			kernelerrors.UnaryServerInterceptor(logger),
			kernelerrors.InternalErrorInterceptor(logger),
		),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)

	return &GRPCServer{server: srv, health: healthSrv}
}

// SetServing flips the daemon's reported health, e.g. to NOT_SERVING while
// the dispatcher is in safe mode.
func (g *GRPCServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !serving {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
}

func (g *GRPCServer) Serve(listener net.Listener) error {
	return g.server.Serve(listener)
}

func (g *GRPCServer) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.server.Stop()
	}
}
