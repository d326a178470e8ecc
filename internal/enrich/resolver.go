// Package enrich fetches per-commit detail for the events that carry
// commits and turns it into enrichment records.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/feed"
	"github.com/alfredjeanlab/eventpoller/internal/model"
)

const (
	defaultCallTimeout  = 15 * time.Second
	defaultRetryBackoff = 250 * time.Millisecond
)

// Options configures a Resolver.
type Options struct {
	Strategy Strategy

	// Retries is the number of extra attempts per commit after the first.
	Retries      int
	RetryBackoff time.Duration

	// CallTimeout bounds each attempt for a single commit.
	CallTimeout time.Duration

	// MaxCommits caps the commits taken from one push payload (0 is unbounded).
	MaxCommits int

	// StoreDiffBytes bounds the diff fragment kept on each record.
	StoreDiffBytes int

	Cache  Cache
	Logger *slog.Logger
}

// Failure is one commit that could not be enriched.
type Failure struct {
	SHA string
	Err error
}

// Result is the outcome of enriching one event.
type Result struct {
	Eligible  bool
	Shape     Shape
	Attempted int
	Records   []*model.EnrichmentRecord
	Failures  []Failure
}

// Status is the processing status the enrichment outcome implies.
func (r *Result) Status() model.ProcessingStatus {
	switch {
	case !r.Eligible:
		return model.StatusPending
	case len(r.Failures) == 0:
		return model.StatusEnriched
	case len(r.Records) > 0:
		return model.StatusFailedPartial
	default:
		return model.StatusFailed
	}
}

// Err reports the failed commits as a *PartialError, or nil.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PartialError{Attempted: r.Attempted, Failures: r.Failures}
}

// Resolver enriches eligible events one commit at a time.
type Resolver struct {
	rest    Fetcher
	graphql Fetcher
	opts    Options
	logger  *slog.Logger
}

// NewResolver creates a resolver over the two fetch strategies.
func NewResolver(rest, graphql Fetcher, opts Options) *Resolver {
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{rest: rest, graphql: graphql, opts: opts, logger: logger}
}

// Enrich fetches detail for every commit ev carries. Failures of single
// commits are collected on the result and never stop their siblings; the
// parent event is never failed by enrichment.
func (r *Resolver) Enrich(ctx context.Context, token string, ev *model.RawEvent) *Result {
	item, err := ev.Item()
	if err != nil {
		r.logger.Warn("skipping enrichment for undecodable payload",
			"event_id", ev.ID, "err", err)
		return &Result{}
	}
	shape, refs, err := Extract(item, r.opts.MaxCommits)
	if err != nil {
		r.logger.Warn("skipping enrichment for undecodable payload",
			"event_id", ev.ID, "err", err)
		return &Result{}
	}
	if shape == ShapeNone {
		return &Result{}
	}

	res := &Result{Eligible: true, Shape: shape, Attempted: len(refs)}
	fetcher := r.opts.Strategy.pick(shape, r.rest, r.graphql)
	for _, ref := range refs {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{SHA: ref.SHA, Err: ctx.Err()})
			continue
		}
		d, err := r.resolve(ctx, fetcher, token, ref)
		if err != nil {
			r.logger.Warn("commit enrichment failed",
				"event_id", ev.ID, "sha", ref.SHA, "repo", ref.Owner+"/"+ref.Repo, "err", err)
			res.Failures = append(res.Failures, Failure{SHA: ref.SHA, Err: err})
			continue
		}
		res.Records = append(res.Records, model.NewEnrichmentRecord(ev.ID, d, r.opts.StoreDiffBytes))
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, fetcher Fetcher, token string, ref CommitRef) (*model.CommitDetail, error) {
	if r.opts.Cache != nil {
		d, ok, err := r.opts.Cache.Get(ctx, ref)
		if err != nil {
			r.logger.Debug("enrichment cache read failed", "sha", ref.SHA, "err", err)
		} else if ok {
			return d, nil
		}
	}

	d, err := r.fetchWithRetry(ctx, fetcher, token, ref)
	if err != nil {
		return nil, err
	}
	if d.SHA == "" {
		d.SHA = ref.SHA
	}

	if r.opts.Cache != nil {
		if err := r.opts.Cache.Set(ctx, ref, d); err != nil {
			r.logger.Debug("enrichment cache write failed", "sha", ref.SHA, "err", err)
		}
	}
	return d, nil
}

func (r *Resolver) fetchWithRetry(ctx context.Context, fetcher Fetcher, token string, ref CommitRef) (*model.CommitDetail, error) {
	backoff := r.opts.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		d, err := fetcher.FetchCommit(callCtx, token, ref)
		cancel()
		if err == nil {
			return d, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// retryable reports whether another attempt could succeed. Rejected
// credentials and exhausted rate limits will not recover within a cycle.
func retryable(err error) bool {
	if errors.Is(err, feed.ErrCredentialInvalid) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *feed.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited() {
			return false
		}
		if apiErr.StatusCode == 404 || apiErr.StatusCode == 422 {
			return false
		}
	}
	return true
}
