package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// TierSchedule is the cadence of one tier: Interval is how long a subject
// waits after a successful poll, Tick how often the tier looks for due
// subjects.
type TierSchedule struct {
	Interval time.Duration
	Tick     time.Duration
}

// Tiers maps every tier to its schedule.
type Tiers map[model.Tier]TierSchedule

// DefaultTiers returns the built-in cadence.
func DefaultTiers() Tiers {
	return Tiers{
		model.TierActive:  {Interval: 30 * time.Second, Tick: 30 * time.Second},
		model.TierRegular: {Interval: time.Hour, Tick: time.Minute},
		model.TierDormant: {Interval: 6 * time.Hour, Tick: 5 * time.Minute},
	}
}

// Interval returns the polling interval of tier t.
func (ts Tiers) Interval(t model.Tier) time.Duration {
	return ts[t].Interval
}

// Validate requires a positive schedule for every tier and that more active
// tiers are never polled less often than less active ones.
func (ts Tiers) Validate() error {
	var prev time.Duration
	for _, t := range model.Tiers() {
		s, ok := ts[t]
		if !ok {
			return fmt.Errorf("tiers: missing schedule for %s", t)
		}
		if s.Interval <= 0 || s.Tick <= 0 {
			return fmt.Errorf("tiers: %s interval and tick must be positive", t)
		}
		if s.Interval < prev {
			return fmt.Errorf("tiers: %s interval %s is shorter than a more active tier (%s)", t, s.Interval, prev)
		}
		prev = s.Interval
	}
	return nil
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type tierFileEntry struct {
	Interval duration `toml:"interval"`
	Tick     duration `toml:"tick"`
}

type tierFile struct {
	Active  *tierFileEntry `toml:"active"`
	Regular *tierFileEntry `toml:"regular"`
	Dormant *tierFileEntry `toml:"dormant"`
}

// LoadTiers reads cadence overrides from a TOML file such as
//
//	[active]
//	interval = "15s"
//	tick = "15s"
//
// Tiers or keys missing from the file keep their defaults.
func LoadTiers(path string) (Tiers, error) {
	var f tierFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("load tiers file %s: %w", path, err)
	}
	ts := DefaultTiers()
	for tier, entry := range map[model.Tier]*tierFileEntry{
		model.TierActive:  f.Active,
		model.TierRegular: f.Regular,
		model.TierDormant: f.Dormant,
	} {
		if entry == nil {
			continue
		}
		s := ts[tier]
		if entry.Interval.Duration != 0 {
			s.Interval = entry.Interval.Duration
		}
		if entry.Tick.Duration != 0 {
			s.Tick = entry.Tick.Duration
		}
		ts[tier] = s
	}
	if err := ts.Validate(); err != nil {
		return nil, fmt.Errorf("load tiers file %s: %w", path, err)
	}
	return ts, nil
}
