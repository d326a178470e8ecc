// Package archive periodically exports recorded events to object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultSettle holds the window end back from the clock. created_at is
// stamped at transaction start, so a row can commit with a timestamp
// slightly in the past.
const defaultSettle = time.Minute

// Clock is implemented by sources that stamp created_at themselves. Window
// ends are then read from the source so application clock skew cannot
// leave rows behind a window that was already exported.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// Scheduler exports the events created since its last successful run on a
// fixed interval. A failed window is retried, widened, on the next tick.
type Scheduler struct {
	src      Source
	dest     Destination
	prefix   string
	interval time.Duration
	settle   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that archives src to dest under prefix
// every interval. The first window covers the interval before Start.
func NewScheduler(src Source, dest Destination, prefix string, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		src:      src,
		dest:     dest,
		prefix:   prefix,
		interval: interval,
		settle:   defaultSettle,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins periodic archiving. It archives once immediately, then on
// each tick.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current export (if any) to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("archive failed", "err", err)
	}
}

// RunOnce archives the window from the last successful run until now.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end, err := s.windowEnd(ctx)
	if err != nil {
		return err
	}
	start := s.last
	if start.IsZero() {
		start = end.Add(-s.interval)
	}
	if !end.After(start) {
		return nil
	}

	var buf bytes.Buffer
	sum, err := ExportJSONL(ctx, s.src, start, end, &buf)
	if err != nil {
		return err
	}
	key := ObjectKey(s.prefix, start)
	if err := s.dest.Write(ctx, key, buf.Bytes()); err != nil {
		return err
	}
	s.last = end

	s.logger.Info("archive completed", "key", key, "events", sum.Events,
		"enrichments", sum.Enrichments, "bytes", buf.Len())
	return nil
}

func (s *Scheduler) windowEnd(ctx context.Context) (time.Time, error) {
	now := s.now()
	if c, ok := s.src.(Clock); ok {
		var err error
		if now, err = c.Now(ctx); err != nil {
			return time.Time{}, fmt.Errorf("reading source clock: %w", err)
		}
	}
	return now.UTC().Add(-s.settle), nil
}
