package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthReporter publishes engine availability over the gRPC health
// protocol. The empty service name reports the process itself; each engine
// name reports SERVING only while its adapter is registered and available.
type HealthReporter struct {
	server   *health.Server
	registry *engine.Registry
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthReporter creates a reporter whose statuses start as NOT_SERVING
// for every engine until the first Refresh.
func NewHealthReporter(registry *engine.Registry, interval time.Duration, log *slog.Logger) *HealthReporter {
	h := &HealthReporter{
		server:   health.NewServer(),
		registry: registry,
		interval: interval,
		logger:   log.With("component", "health"),
	}
	for _, e := range domain.Engines() {
		h.server.SetServingStatus(string(e), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// Server returns the health service implementation.
func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// Refresh probes every engine once and updates the published statuses.
func (h *HealthReporter) Refresh(ctx context.Context) {
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	availability := h.registry.Availability(ctx)
	for _, e := range domain.Engines() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if availability[e] {
			status = healthpb.HealthCheckResponse_SERVING
		}
		h.server.SetServingStatus(string(e), status)
	}
	h.logger.Debug("engine health refreshed", "availability", availability)
}

// Start refreshes now and then on every interval until Shutdown.
func (h *HealthReporter) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.Refresh(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Refresh(ctx)
			}
		}
	}()
}

// Shutdown stops refreshing and reports every service as NOT_SERVING.
func (h *HealthReporter) Shutdown() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.server.Shutdown()
}

// NewGRPCServer returns a gRPC server exposing the health service and
// server reflection.
func NewGRPCServer(h *HealthReporter, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.Server())
	reflection.Register(s)
	return s
}
