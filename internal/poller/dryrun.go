package poller

import (
	"context"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/store"
)

// DryRunStore wraps a store so that reads pass through and writes are
// discarded. Every event looks new, so a dry-run cycle shows what a real
// cycle would publish without changing any state.
type DryRunStore struct {
	store.Store
}

// NewDryRunStore wraps s.
func NewDryRunStore(s store.Store) *DryRunStore {
	return &DryRunStore{Store: s}
}

func (d *DryRunStore) SetProfile(context.Context, string, *model.Profile) error { return nil }

func (d *DryRunStore) MarkCredentialInvalid(context.Context, string, string) error { return nil }

func (d *DryRunStore) Reinstate(context.Context, string) error { return nil }

func (d *DryRunStore) ReleaseLease(context.Context, string) error { return nil }

func (d *DryRunStore) AdvanceState(context.Context, model.StateAdvance) error { return nil }

func (d *DryRunStore) RecordEvent(_ context.Context, ev *model.RawEvent) (bool, error) {
	if err := model.ValidateRawEvent(ev); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DryRunStore) SetEventStatus(context.Context, int64, model.ProcessingStatus) error {
	return nil
}

func (d *DryRunStore) MarkPublished(context.Context, int64, time.Time) error { return nil }

func (d *DryRunStore) RecordEnrichment(context.Context, int64, *model.EnrichmentRecord) error {
	return nil
}

func (d *DryRunStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(d)
}

// Close leaves the wrapped store open; its owner closes it.
func (d *DryRunStore) Close() error { return nil }
