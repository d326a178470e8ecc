package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall ("")
// status.
const ServiceName = "eventpoller.Poller"

// NewGRPCServer creates a gRPC server with standard interceptors, registers
// hs as the health service plus reflection, and returns it ready to serve.
func NewGRPCServer(hs *health.Server, logger *slog.Logger) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
		),
	)

	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv
}

// HealthReporter mirrors the scheduler's state into a gRPC health server.
type HealthReporter struct {
	hs    *health.Server
	sched SchedulerState
}

// NewHealthReporter returns a reporter for sched. The health server starts
// NOT_SERVING until the first Sync.
func NewHealthReporter(hs *health.Server, sched SchedulerState) *HealthReporter {
	r := &HealthReporter{hs: hs, sched: sched}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Sync sets SERVING while the scheduler runs and NOT_SERVING otherwise.
func (r *HealthReporter) Sync() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if r.sched != nil && r.sched.Running() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.set(status)
	return status
}

// Run calls Sync every interval until ctx is done, then marks the service
// NOT_SERVING.
func (r *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	r.Sync()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.set(healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			r.Sync()
		}
	}
}

func (r *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	r.hs.SetServingStatus("", status)
	r.hs.SetServingStatus(ServiceName, status)
}
