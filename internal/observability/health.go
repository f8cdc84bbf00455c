package observability

import (
	"context"
	"net"

	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard gRPC health service for a node. The empty
// service name reports overall process health; each role registers its own
// name.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	log    logging.Logger
}

// NewHealthServer builds the health gRPC server. collector may be nil.
func NewHealthServer(collector *NodeCollector, log logging.Logger) *HealthServer {
	if log == nil {
		log = logging.Noop()
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(collector.UnaryServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return &HealthServer{server: server, health: hs, log: log}
}

// SetServing marks service as serving or not serving.
func (h *HealthServer) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, st)
}

// Serve accepts connections on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info(context.Background(), "serving gRPC health", logging.String("addr", lis.Addr().String()))
	return h.server.Serve(lis)
}

// Stop marks every service as not serving and stops the server gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
