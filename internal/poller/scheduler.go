package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/store"
)

// Runner runs one poll cycle.
type Runner interface {
	Run(ctx context.Context, subj *model.Subject) (*CycleResult, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Tiers config.Tiers
	// Workers bounds the concurrent cycles of each tier.
	Workers int
	// BatchLimit bounds the subjects claimed per tick and tier.
	BatchLimit int
	// Lease is how long a claimed subject stays invisible to other ticks.
	Lease  time.Duration
	Logger *slog.Logger
}

// TierRun summarizes one tick of one tier.
type TierRun struct {
	Tier      model.Tier
	Selected  int
	Succeeded int
	Failed    int
}

// Scheduler drives one polling loop per tier. Tiers tick independently and
// concurrently; within a tick, due subjects fan out to a bounded pool.
type Scheduler struct {
	store  store.Store
	runner Runner
	opts   SchedulerOptions
	logger *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler claiming subjects from s and polling
// them with runner.
func NewScheduler(s store.Store, runner Runner, opts SchedulerOptions) *Scheduler {
	if opts.Tiers == nil {
		opts.Tiers = config.DefaultTiers()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: s, runner: runner, opts: opts, logger: logger}
}

// Start launches the tier loops. Each runs a tick immediately, then on its
// own ticker, until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	for _, tier := range model.Tiers() {
		sched, ok := s.opts.Tiers[tier]
		if !ok {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, tier, sched.Tick)
		}()
	}
	s.logger.Info("scheduler started", "workers", s.opts.Workers, "batch_limit", s.opts.BatchLimit)
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
	s.logger.Info("scheduler stopped")
}

// Running reports whether the tier loops are active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) loop(ctx context.Context, tier model.Tier, tick time.Duration) {
	s.tick(ctx, tier)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, tier)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, tier model.Tier) {
	run, err := s.RunTier(ctx, tier)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("tier tick failed", "tier", tier.String(), "err", err)
		}
		return
	}
	if run.Selected > 0 {
		s.logger.Info("tier tick completed", "tier", tier.String(),
			"selected", run.Selected, "succeeded", run.Succeeded, "failed", run.Failed)
	}
}

// RunTier claims the due subjects of tier and polls them on the worker
// pool. A failing subject is logged and never affects the others; the
// returned error is only for the claim itself.
func (s *Scheduler) RunTier(ctx context.Context, tier model.Tier) (TierRun, error) {
	run := TierRun{Tier: tier}
	subjects, err := s.store.SelectDue(ctx, tier, s.opts.BatchLimit, s.opts.Lease)
	if err != nil {
		return run, err
	}
	run.Selected = len(subjects)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		failed    atomic.Int64
		sem       = make(chan struct{}, s.opts.Workers)
	)
	for _, subj := range subjects {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			if _, err := s.runner.Run(ctx, subj); err != nil {
				failed.Add(1)
				s.logger.Warn("poll cycle failed", "subject_id", subj.ID, "tier", tier.String(), "err", err)
				return
			}
			succeeded.Add(1)
		}()
	}
	wg.Wait()

	run.Succeeded = int(succeeded.Load())
	run.Failed = int(failed.Load())
	return run, nil
}
