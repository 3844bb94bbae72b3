package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/signcast/internal/metrics"
	"github.com/matt-riley/signcast/internal/middleware"
)

// PlayerHealthService is the gRPC health service name that tracks the player.
const PlayerHealthService = "signcast.player"

const defaultHealthInterval = time.Second

// Readiness reports whether the player has entered a mode.
type Readiness interface {
	Ready() bool
}

// HealthReporter mirrors player readiness into a gRPC health server. It is a
// supervised service; when Serve returns every service reads NOT_SERVING.
type HealthReporter struct {
	health   *health.Server
	player   Readiness
	interval time.Duration
}

// NewHealthReporter polls player every interval. Non-positive intervals use
// one second.
func NewHealthReporter(player Readiness, interval time.Duration) *HealthReporter {
	if player == nil {
		panic("player is nil")
	}
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	h := &HealthReporter{
		health:   health.NewServer(),
		player:   player,
		interval: interval,
	}
	h.health.SetServingStatus(PlayerHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Serve updates the player status until ctx is cancelled.
func (h *HealthReporter) Serve(ctx context.Context) error {
	h.health.Resume()
	h.update()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			h.update()
		}
	}
}

func (h *HealthReporter) String() string { return "grpc-health" }

func (h *HealthReporter) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.player.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(PlayerHealthService, status)
}

// NewGRPCServer returns a gRPC server exposing the health service with
// tracing, request logging and, when m is non-nil, request metrics.
func NewGRPCServer(reporter *HealthReporter, m *metrics.Metrics, logger *slog.Logger) *grpc.Server {
	unary := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(logger)}
	var stream []grpc.StreamServerInterceptor
	if m != nil {
		unary = append(unary, m.UnaryServerInterceptor())
		stream = append(stream, m.StreamServerInterceptor())
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	healthpb.RegisterHealthServer(srv, reporter.health)
	return srv
}
