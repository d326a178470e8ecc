package model

import (
	"fmt"
	"strings"
	"time"
)

// ProviderGitHub is the only feed provider the poller currently mirrors.
const ProviderGitHub = "github"

// Tier is the polling priority class of a subject. Lower values are polled
// more often.
type Tier int

const (
	TierActive  Tier = 1
	TierRegular Tier = 2
	TierDormant Tier = 3
)

// Tiers returns every tier ordered from most to least frequently polled.
func Tiers() []Tier {
	return []Tier{TierActive, TierRegular, TierDormant}
}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierActive:
		return "active"
	case TierRegular:
		return "regular"
	case TierDormant:
		return "dormant"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	return t >= TierActive && t <= TierDormant
}

// ParseTier accepts a tier name ("active") or its numeric priority ("1").
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "1":
		return TierActive, nil
	case "regular", "2":
		return TierRegular, nil
	case "dormant", "3":
		return TierDormant, nil
	}
	return 0, fmt.Errorf("unknown tier %q (must be active, regular or dormant)", s)
}

// Subject is one polled (user, provider) pair together with its polling state.
type Subject struct {
	ID              string        `json:"subject_id"`
	Provider        string        `json:"provider"`
	AccessToken     string        `json:"-"`
	Username        string        `json:"username,omitempty"`
	Cursor          int64         `json:"last_event_cursor"`
	CacheTag        string        `json:"cache_tag,omitempty"`
	Tier            Tier          `json:"priority_tier"`
	NextScheduledAt time.Time     `json:"next_scheduled_at"`
	PollingInterval time.Duration `json:"polling_interval"`
	LeaseUntil      *time.Time    `json:"lease_until,omitempty"`
	NeedsAttention  bool          `json:"needs_attention,omitempty"`
	AttentionReason string        `json:"attention_reason,omitempty"`
	LastPolledAt    *time.Time    `json:"last_polled_at,omitempty"`
}

// Profile is the upstream identity resolved from a subject's credential.
type Profile struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Bio   string `json:"bio,omitempty"`
}

// SubjectFilter narrows ListSubjects results.
type SubjectFilter struct {
	Tier          Tier // zero means all tiers
	AttentionOnly bool
	Limit         int
}

// StateAdvance is the single atomic write that closes a successful poll
// cycle. PrevCursor and PrevCacheTag are the values the cycle started from
// and act as an optimistic-concurrency token.
type StateAdvance struct {
	SubjectID    string
	PrevCursor   int64
	PrevCacheTag string
	Cursor       int64
	CacheTag     string
	Interval     time.Duration
	Now          time.Time
}

// NextScheduledAt is the earliest time the subject becomes due again.
func (a StateAdvance) NextScheduledAt() time.Time {
	return a.Now.Add(a.Interval)
}
