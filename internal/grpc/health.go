package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"marketplace/dashboard/internal/session"
)

// SessionService reports SERVING only while an admin session is active.
const SessionService = "dashboard.session"

// Health publishes the session controller's state through the standard
// grpc.health.v1 service. The overall status turns SERVING once startup
// has resolved the session either way.
type Health struct {
	server *health.Server
}

func NewHealth() *Health {
	h := &Health{server: health.NewServer()}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Update(state session.State) {
	overall := healthpb.HealthCheckResponse_SERVING
	if state.Phase == session.Unknown {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", overall)

	sess := healthpb.HealthCheckResponse_NOT_SERVING
	if state.IsAuthenticated {
		sess = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(SessionService, sess)
}

// Shutdown flips every service to NOT_SERVING ahead of a graceful stop.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

func NewServer(h *Health, logger *slog.Logger) *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(NewLoggingUnaryInterceptor(logger)))
	healthpb.RegisterHealthServer(srv, h.server)
	return srv
}

func NewLoggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
