package admin

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"vclocknet/internal/node"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "vclocknet.Node"

// Health serves the standard gRPC health protocol for a node.
type Health struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
	logger *zap.Logger
}

// NewHealth creates a health server reporting NOT_SERVING until the node
// is Running.
func NewHealth(logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Health{
		server: grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server)
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetState implements node.StateListener.
func (h *Health) SetState(s node.State) {
	if s == node.Running {
		h.set(healthpb.HealthCheckResponse_SERVING)
		return
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Start binds addr and serves in the background.
func (h *Health) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin grpc listen on %s: %w", addr, err)
	}
	h.lis = lis

	go func() {
		if err := h.server.Serve(lis); err != nil {
			h.logger.Error("admin grpc server", zap.Error(err))
		}
	}()
	h.logger.Info("admin grpc listening", zap.Stringer("addr", lis.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (h *Health) Addr() net.Addr {
	if h.lis == nil {
		return nil
	}
	return h.lis.Addr()
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
