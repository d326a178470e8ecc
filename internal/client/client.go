// Package client talks to a running poller's operational surfaces: the
// HTTP/JSON ops API and the gRPC health service.
package client

import (
	"context"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// OpsClient is what the CLI needs from a running poller.
type OpsClient interface {
	Health(ctx context.Context) (*Health, error)
	Stats(ctx context.Context) (*model.Stats, error)
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
	Reinstate(ctx context.Context, id string) (*model.Subject, error)
	Close() error
}

// Health is the ops API's health report.
type Health struct {
	Status    string `json:"status"`
	Scheduler string `json:"scheduler"`
	Uptime    string `json:"uptime"`
}

// OK reports whether the poller is up and its scheduler running.
func (h *Health) OK() bool {
	return h != nil && h.Status == "ok"
}

const defaultTimeout = 10 * time.Second
