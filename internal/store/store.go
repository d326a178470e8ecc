package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

var (
	// ErrNotFound is returned when a subject or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned by AdvanceState when the subject's cursor
	// or cache tag no longer matches the values the cycle started from.
	ErrStateConflict = errors.New("polling state changed concurrently")
)

// Store defines the persistence interface for polling subjects and the
// events mirrored for them.
type Store interface {
	// Subjects
	SelectDue(ctx context.Context, tier model.Tier, limit int, lease time.Duration) ([]*model.Subject, error)
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
	ListSubjects(ctx context.Context, filter model.SubjectFilter) ([]*model.Subject, error)
	SetProfile(ctx context.Context, id string, profile *model.Profile) error
	MarkCredentialInvalid(ctx context.Context, id, reason string) error
	Reinstate(ctx context.Context, id string) error
	ReleaseLease(ctx context.Context, id string) error
	AdvanceState(ctx context.Context, adv model.StateAdvance) error

	// Events
	RecordEvent(ctx context.Context, ev *model.RawEvent) (bool, error)
	SetEventStatus(ctx context.Context, eventID int64, status model.ProcessingStatus) error
	MarkPublished(ctx context.Context, eventID int64, at time.Time) error
	// ListEventsCreatedBetween pages through events created in [from, to)
	// in (created_at, id) order, starting after the event afterID created at
	// from. Pass afterID 0 for the first page.
	ListEventsCreatedBetween(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]*model.RawEvent, error)

	// Enrichment
	RecordEnrichment(ctx context.Context, eventID int64, rec *model.EnrichmentRecord) error
	ListEnrichments(ctx context.Context, eventID int64) ([]*model.EnrichmentRecord, error)

	Stats(ctx context.Context) (*model.Stats, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
