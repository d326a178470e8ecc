package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/feed"
	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Store. failOn makes the named operation
// return the given error.
type memStore struct {
	mu          sync.Mutex
	subjects    map[string]*model.Subject
	events      map[string]*model.RawEvent
	enrichments map[int64][]*model.EnrichmentRecord
	nextID      int64
	advances    []model.StateAdvance
	released    []string
	flagged     map[string]string
	failOn      map[string]error
}

func newMemStore(subjects ...*model.Subject) *memStore {
	s := &memStore{
		subjects:    map[string]*model.Subject{},
		events:      map[string]*model.RawEvent{},
		enrichments: map[int64][]*model.EnrichmentRecord{},
		flagged:     map[string]string{},
		failOn:      map[string]error{},
	}
	for _, subj := range subjects {
		s.subjects[subj.ID] = subj
	}
	return s
}

func (s *memStore) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failOn[op]
}

func (s *memStore) setFail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

func eventKey(subjectID string, upstreamID int64) string {
	return fmt.Sprintf("%s/%d", subjectID, upstreamID)
}

func (s *memStore) SelectDue(ctx context.Context, tier model.Tier, limit int, lease time.Duration) ([]*model.Subject, error) {
	if err := s.fail("SelectDue"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Subject
	for _, subj := range s.subjects {
		if subj.Tier != tier || subj.NeedsAttention || subj.LeaseUntil != nil {
			continue
		}
		if len(out) == limit {
			break
		}
		until := time.Now().Add(lease)
		subj.LeaseUntil = &until
		cp := *subj
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subj, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, store.ErrNotFound)
	}
	cp := *subj
	return &cp, nil
}

func (s *memStore) ListSubjects(ctx context.Context, filter model.SubjectFilter) ([]*model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Subject
	for _, subj := range s.subjects {
		if filter.Tier != 0 && subj.Tier != filter.Tier {
			continue
		}
		cp := *subj
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) SetProfile(ctx context.Context, id string, p *model.Profile) error {
	if err := s.fail("SetProfile"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[id].Username = p.Login
	return nil
}

func (s *memStore) MarkCredentialInvalid(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged[id] = reason
	s.subjects[id].NeedsAttention = true
	s.subjects[id].LeaseUntil = nil
	return nil
}

func (s *memStore) Reinstate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flagged, id)
	s.subjects[id].NeedsAttention = false
	return nil
}

func (s *memStore) ReleaseLease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	s.subjects[id].LeaseUntil = nil
	return nil
}

func (s *memStore) AdvanceState(ctx context.Context, adv model.StateAdvance) error {
	if err := s.fail("AdvanceState"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	subj := s.subjects[adv.SubjectID]
	if subj.Cursor != adv.PrevCursor || subj.CacheTag != adv.PrevCacheTag {
		return fmt.Errorf("subject %s: %w", adv.SubjectID, store.ErrStateConflict)
	}
	s.advances = append(s.advances, adv)
	subj.Cursor = max(subj.Cursor, adv.Cursor)
	subj.CacheTag = adv.CacheTag
	if next := adv.NextScheduledAt(); next.After(subj.NextScheduledAt) {
		subj.NextScheduledAt = next
	}
	subj.PollingInterval = adv.Interval
	subj.LeaseUntil = nil
	now := adv.Now
	subj.LastPolledAt = &now
	return nil
}

func (s *memStore) RecordEvent(ctx context.Context, ev *model.RawEvent) (bool, error) {
	if err := s.fail("RecordEvent"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(ev.SubjectID, ev.UpstreamID)
	if existing, ok := s.events[key]; ok {
		ev.ID = existing.ID
		ev.Status = existing.Status
		ev.PublishedAt = existing.PublishedAt
		return false, nil
	}
	s.nextID++
	ev.ID = s.nextID
	cp := *ev
	s.events[key] = &cp
	return true, nil
}

func (s *memStore) byID(id int64) *model.RawEvent {
	for _, ev := range s.events {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

func (s *memStore) SetEventStatus(ctx context.Context, eventID int64, status model.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.byID(eventID)
	if ev == nil {
		return store.ErrNotFound
	}
	ev.Status = status
	return nil
}

func (s *memStore) MarkPublished(ctx context.Context, eventID int64, at time.Time) error {
	if err := s.fail("MarkPublished"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.byID(eventID)
	if ev == nil {
		return store.ErrNotFound
	}
	ev.PublishedAt = &at
	if ev.Status == model.StatusPending || ev.Status == model.StatusEnriched {
		ev.Status = model.StatusPublished
	}
	return nil
}

func (s *memStore) ListEventsCreatedBetween(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]*model.RawEvent, error) {
	return nil, nil
}

func (s *memStore) RecordEnrichment(ctx context.Context, eventID int64, rec *model.EnrichmentRecord) error {
	if err := s.fail("RecordEnrichment"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrichments[eventID] = append(s.enrichments[eventID], rec)
	return nil
}

func (s *memStore) ListEnrichments(ctx context.Context, eventID int64) ([]*model.EnrichmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrichments[eventID], nil
}

func (s *memStore) Stats(ctx context.Context) (*model.Stats, error) {
	return &model.Stats{}, nil
}

func (s *memStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *memStore) Close() error { return nil }

func (s *memStore) event(subjectID string, upstreamID int64) *model.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventKey(subjectID, upstreamID)]
	if !ok {
		return nil
	}
	cp := *ev
	return &cp
}

func (s *memStore) subject(id string) model.Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.subjects[id]
}

// fakeFeed serves a fixed page per login.
type fakeFeed struct {
	mu         sync.Mutex
	profile    *model.Profile
	profileErr error
	page       *feed.ActivityPage
	err        error
	requests   []activityRequest
}

type activityRequest struct {
	login, cacheTag string
	cursor          int64
}

func (f *fakeFeed) FetchProfile(ctx context.Context, token string) (*model.Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profile, nil
}

func (f *fakeFeed) FetchActivity(ctx context.Context, login, token, cacheTag string, cursor int64) (*feed.ActivityPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, activityRequest{login, cacheTag, cursor})
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

// feedItem builds a feed item; commits makes it a push event.
func feedItem(id int64, commits ...string) *model.FeedItem {
	typ := "WatchEvent"
	payload := map[string]any{"action": "started"}
	if len(commits) > 0 {
		typ = model.EventTypePush
		list := make([]map[string]any, len(commits))
		for i, sha := range commits {
			list[i] = map[string]any{"sha": sha, "message": "msg " + sha}
		}
		payload = map[string]any{"ref": "refs/heads/main", "commits": list}
	}
	rawPayload, _ := json.Marshal(payload)
	item := &model.FeedItem{
		ID:        fmt.Sprint(id),
		Type:      typ,
		Actor:     model.Actor{Login: "ada"},
		Repo:      model.Repo{Name: "octo/widgets"},
		Payload:   rawPayload,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, int(id%60), 0, time.UTC),
	}
	item.Raw, _ = json.Marshal(item)
	return item
}

// fakePublisher records published summaries and can be made to fail.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []*model.SummaryMessage
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, msg *model.SummaryMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) eventIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		ids[i] = m.EventID
	}
	return ids
}
