// Package poller runs poll cycles for subjects and schedules them by tier.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/enrich"
	"github.com/alfredjeanlab/eventpoller/internal/feed"
	"github.com/alfredjeanlab/eventpoller/internal/idgen"
	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/normalize"
	"github.com/alfredjeanlab/eventpoller/internal/queue"
	"github.com/alfredjeanlab/eventpoller/internal/store"
)

var (
	// ErrPersistence wraps any store failure that aborted a cycle.
	ErrPersistence = errors.New("persistence failed")

	// ErrPublish is the queue's publish failure.
	ErrPublish = queue.ErrPublish
)

// Feed is the part of the upstream client a cycle uses.
type Feed interface {
	FetchProfile(ctx context.Context, token string) (*model.Profile, error)
	FetchActivity(ctx context.Context, login, token, cacheTag string, cursor int64) (*feed.ActivityPage, error)
}

// Enricher resolves per-commit detail for one event.
type Enricher interface {
	Enrich(ctx context.Context, token string, ev *model.RawEvent) *enrich.Result
}

// CycleOptions wires a Cycle.
type CycleOptions struct {
	Store     store.Store
	Feed      Feed
	Enricher  Enricher
	Publisher queue.Publisher
	Tiers     config.Tiers
	Normalize normalize.Options
	Logger    *slog.Logger

	// Leased is set when subjects arrive claimed by SelectDue. A failed
	// cycle then gives the lease back; an unleased cycle never touches it.
	Leased bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// CycleResult describes what one cycle did.
type CycleResult struct {
	CycleID   string
	SubjectID string
	Unchanged bool
	Fetched   int
	New       int
	Published int
	Partial   int
	Cursor    int64
	NextDue   time.Time
}

// Cycle runs one poll cycle for one subject.
type Cycle struct {
	store     store.Store
	feed      Feed
	enricher  Enricher
	publisher queue.Publisher
	tiers     config.Tiers
	normalize normalize.Options
	logger    *slog.Logger
	leased    bool
	now       func() time.Time
}

// NewCycle creates a Cycle from opts.
func NewCycle(opts CycleOptions) *Cycle {
	c := &Cycle{
		store:     opts.Store,
		feed:      opts.Feed,
		enricher:  opts.Enricher,
		publisher: opts.Publisher,
		tiers:     opts.Tiers,
		normalize: opts.Normalize,
		logger:    opts.Logger,
		leased:    opts.Leased,
		now:       opts.Now,
	}
	if c.tiers == nil {
		c.tiers = config.DefaultTiers()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Run polls subj once: resolve its login if unknown, fetch its feed
// conditionally, then record, enrich, normalize, publish and mark every
// new item in ascending order, and finally advance its polling state.
//
// Any upstream, persistence or publish error aborts the cycle before the
// state advances, so the next cycle sees the same items again. A rejected
// credential flags the subject for attention instead.
func (c *Cycle) Run(ctx context.Context, subj *model.Subject) (*CycleResult, error) {
	res := &CycleResult{CycleID: idgen.CycleID(), SubjectID: subj.ID, Cursor: subj.Cursor}
	logger := c.logger.With("subject_id", subj.ID, "tier", subj.Tier.String(), "cycle_id", res.CycleID)

	err := c.run(ctx, subj, res, logger)
	if err == nil {
		logger.Debug("cycle completed",
			"fetched", res.Fetched, "new", res.New, "published", res.Published,
			"unchanged", res.Unchanged, "cursor", res.Cursor, "next_due", res.NextDue)
		return res, nil
	}

	// State must be written even when the cycle was canceled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if errors.Is(err, feed.ErrCredentialInvalid) {
		logger.Warn("credential rejected, subject needs attention", "err", err)
		if merr := c.store.MarkCredentialInvalid(cleanupCtx, subj.ID, err.Error()); merr != nil {
			logger.Error("failed to flag subject", "err", merr)
		}
		return res, err
	}
	if !c.leased {
		return res, err
	}
	if rerr := c.store.ReleaseLease(cleanupCtx, subj.ID); rerr != nil {
		logger.Error("failed to release lease", "err", rerr)
	}
	return res, err
}

func (c *Cycle) run(ctx context.Context, subj *model.Subject, res *CycleResult, logger *slog.Logger) error {
	login := subj.Username
	if login == "" {
		profile, err := c.feed.FetchProfile(ctx, subj.AccessToken)
		if err != nil {
			return err
		}
		if err := c.store.SetProfile(ctx, subj.ID, profile); err != nil {
			return persistence("set profile", err)
		}
		login = profile.Login
		logger.Info("resolved subject login", "login", login)
	}

	page, err := c.feed.FetchActivity(ctx, login, subj.AccessToken, subj.CacheTag, subj.Cursor)
	if err != nil {
		return err
	}

	cursor, tag := subj.Cursor, subj.CacheTag
	if page.Unchanged {
		res.Unchanged = true
	} else {
		tag = page.CacheTag
		items := newerThan(page.Items, subj.Cursor, logger)
		res.Fetched = len(page.Items)
		for _, it := range items {
			if err := c.process(ctx, subj, it.item, res, logger); err != nil {
				return err
			}
			cursor = max(cursor, it.id)
		}
	}

	adv := model.StateAdvance{
		SubjectID:    subj.ID,
		PrevCursor:   subj.Cursor,
		PrevCacheTag: subj.CacheTag,
		Cursor:       cursor,
		CacheTag:     tag,
		Interval:     c.tiers.Interval(subj.Tier),
		Now:          c.now().UTC(),
	}
	if err := c.store.AdvanceState(ctx, adv); err != nil {
		return persistence("advance state", err)
	}
	res.Cursor = cursor
	res.NextDue = adv.NextScheduledAt()
	return nil
}

type numbered struct {
	id   int64
	item *model.FeedItem
}

// newerThan keeps the items above cursor, sorted by ascending id.
func newerThan(items []*model.FeedItem, cursor int64, logger *slog.Logger) []numbered {
	var out []numbered
	for _, item := range items {
		id, err := item.NumericID()
		if err != nil {
			logger.Warn("skipping feed item with malformed id", "err", err)
			continue
		}
		if id <= cursor {
			continue
		}
		out = append(out, numbered{id: id, item: item})
	}
	slices.SortFunc(out, func(a, b numbered) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// process carries one item from recording to publication. Items recorded
// and published by an earlier cycle are skipped; items recorded but never
// published resume where that cycle stopped.
func (c *Cycle) process(ctx context.Context, subj *model.Subject, item *model.FeedItem, res *CycleResult, logger *slog.Logger) error {
	ev, err := item.ToRawEvent(subj.ID)
	if err != nil {
		return err
	}
	inserted, err := c.store.RecordEvent(ctx, ev)
	if err != nil {
		return persistence("record event", err)
	}
	if !inserted && ev.PublishedAt != nil {
		return nil
	}
	if inserted {
		res.New++
	}
	logger = logger.With("event_id", ev.UpstreamID, "event_type", ev.Type)

	var records []*model.EnrichmentRecord
	if inserted || ev.Status == model.StatusPending {
		result := c.enricher.Enrich(ctx, subj.AccessToken, ev)
		if result.Eligible {
			if err := c.saveEnrichment(ctx, ev, result); err != nil {
				return err
			}
			if perr := result.Err(); perr != nil {
				res.Partial++
				logger.Warn("event enrichment incomplete", "status", ev.Status.String(), "err", perr)
			}
		}
		records = result.Records
	} else {
		records, err = c.store.ListEnrichments(ctx, ev.ID)
		if err != nil {
			return persistence("list enrichments", err)
		}
	}

	msg, err := normalize.Normalize(ev, records, c.normalize)
	if err != nil {
		return fmt.Errorf("normalize event %d: %w", ev.UpstreamID, err)
	}
	if err := c.publisher.Publish(ctx, msg); err != nil {
		if !errors.Is(err, ErrPublish) {
			err = fmt.Errorf("%w: %w", ErrPublish, err)
		}
		return err
	}
	if err := c.store.MarkPublished(ctx, ev.ID, c.now().UTC()); err != nil {
		return persistence("mark published", err)
	}
	res.Published++
	return nil
}

// saveEnrichment stores the records and the resulting status atomically.
func (c *Cycle) saveEnrichment(ctx context.Context, ev *model.RawEvent, result *enrich.Result) error {
	status := result.Status()
	err := c.store.RunInTransaction(ctx, func(tx store.Store) error {
		for _, rec := range result.Records {
			if err := tx.RecordEnrichment(ctx, ev.ID, rec); err != nil {
				return err
			}
		}
		return tx.SetEventStatus(ctx, ev.ID, status)
	})
	if err != nil {
		return persistence("record enrichment", err)
	}
	ev.Status = status
	return nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
