package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Upstream event types the poller treats specially.
const (
	EventTypePush        = "PushEvent"
	EventTypePullRequest = "PullRequestEvent"
)

// ProcessingStatus tracks a raw event through enrichment and publishing.
type ProcessingStatus string

const (
	StatusPending       ProcessingStatus = "pending"
	StatusEnriched      ProcessingStatus = "enriched"
	StatusFailedPartial ProcessingStatus = "failed_partial"
	StatusFailed        ProcessingStatus = "failed"
	StatusPublished     ProcessingStatus = "published"
)

// String returns the string representation of the status.
func (s ProcessingStatus) String() string {
	return string(s)
}

// IsValid reports whether s is a known status.
func (s ProcessingStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusEnriched, StatusFailedPartial, StatusFailed, StatusPublished:
		return true
	}
	return false
}

// FeedItem is one entry of the upstream activity feed as returned by the
// list endpoint.
type FeedItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     Actor           `json:"actor"`
	Repo      Repo            `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`

	// Raw is the complete upstream object, persisted verbatim.
	Raw json.RawMessage `json:"-"`
}

// Actor identifies who performed an upstream event.
type Actor struct {
	Login string `json:"login"`
}

// Repo identifies the repository an upstream event belongs to.
type Repo struct {
	Name string `json:"name"`
}

// NumericID parses the upstream identifier, which is a decimal string.
func (f *FeedItem) NumericID() (int64, error) {
	id, err := strconv.ParseInt(f.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse event id %q: %w", f.ID, err)
	}
	return id, nil
}

// RepoOwnerName splits the repository name into owner and name.
func (f *FeedItem) RepoOwnerName() (owner, name string, ok bool) {
	return SplitRepoName(f.Repo.Name)
}

// ToRawEvent converts the item into the row recorded for subjectID.
func (f *FeedItem) ToRawEvent(subjectID string) (*RawEvent, error) {
	id, err := f.NumericID()
	if err != nil {
		return nil, err
	}
	payload := f.Raw
	if len(payload) == 0 {
		if payload, err = json.Marshal(f); err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", f.ID, err)
		}
	}
	return &RawEvent{
		SubjectID:  subjectID,
		UpstreamID: id,
		Type:       f.Type,
		OccurredAt: f.CreatedAt.UTC(),
		RepoName:   f.Repo.Name,
		ActorLogin: f.Actor.Login,
		Payload:    payload,
		Status:     StatusPending,
	}, nil
}

// RawEvent is the persisted copy of one upstream feed item.
type RawEvent struct {
	ID          int64            `json:"id"`
	SubjectID   string           `json:"subject_id"`
	UpstreamID  int64            `json:"upstream_id"`
	Type        string           `json:"event_type"`
	OccurredAt  time.Time        `json:"occurred_at"`
	RepoName    string           `json:"repo_name,omitempty"`
	ActorLogin  string           `json:"actor_login,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
	Status      ProcessingStatus `json:"processing_status"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Item decodes the stored payload back into a FeedItem.
func (e *RawEvent) Item() (*FeedItem, error) {
	var item FeedItem
	if err := json.Unmarshal(e.Payload, &item); err != nil {
		return nil, fmt.Errorf("decode payload of event %d: %w", e.UpstreamID, err)
	}
	item.Raw = e.Payload
	return &item, nil
}

// SplitRepoName splits "owner/name". ok is false for anything else.
func SplitRepoName(full string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}
