// Package server exposes the poller's operational surfaces: a small JSON
// HTTP API over the store and a gRPC health service that follows the
// scheduler.
package server

import (
	"log/slog"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/store"
)

// SchedulerState is the part of the scheduler the ops surfaces report on.
type SchedulerState interface {
	Running() bool
}

// OpsServer serves health, stats and subject maintenance endpoints.
type OpsServer struct {
	store   store.Store
	sched   SchedulerState
	logger  *slog.Logger
	started time.Time
}

// NewOpsServer returns an OpsServer backed by s. sched may be nil when no
// scheduler runs in this process.
func NewOpsServer(s store.Store, sched SchedulerState, logger *slog.Logger) *OpsServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsServer{store: s, sched: sched, logger: logger, started: time.Now()}
}

func (s *OpsServer) schedulerRunning() bool {
	return s.sched != nil && s.sched.Running()
}
