package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/facility-hub/facility-hub/internal/domain/conflict"
)

// CutoffConfig is the weekly-planning submission deadline.
type CutoffConfig struct {
	Weekday string `toml:"weekday"`
	// Time is HH:MM in the policy timezone.
	Time string `toml:"time"`
}

// Policy holds the booking rules operators tune without redeploying.
// Source: TOML file named by POLICY_FILE.
type Policy struct {
	Timezone             string       `toml:"timezone"`
	WeekStart            string       `toml:"week_start"`
	WeeklyCutoff         CutoffConfig `toml:"weekly_cutoff"`
	MonthlyHorizonMonths int          `toml:"monthly_horizon_months"`
	SlotMinutes          int          `toml:"slot_minutes"`
	// AutoApprove is an optional boolean expression over the booking request.
	AutoApprove string `toml:"auto_approve"`
	// SnapshotHorizonDays limits snapshots to bookings ending within the last N days. 0 keeps all.
	SnapshotHorizonDays int `toml:"snapshot_horizon_days"`
}

func DefaultPolicy() *Policy {
	return &Policy{
		Timezone:             "UTC",
		WeekStart:            "monday",
		WeeklyCutoff:         CutoffConfig{Weekday: "thursday", Time: "17:00"},
		MonthlyHorizonMonths: 3,
		SlotMinutes:          60,
		SnapshotHorizonDays:  30,
	}
}

// LoadPolicy reads a TOML policy file. Missing keys keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Validate() error {
	if _, err := p.ConflictPolicy(); err != nil {
		return err
	}
	if p.SlotMinutes <= 0 {
		return fmt.Errorf("slot_minutes must be positive")
	}
	if p.MonthlyHorizonMonths <= 0 {
		return fmt.Errorf("monthly_horizon_months must be positive")
	}
	if p.SnapshotHorizonDays < 0 {
		return fmt.Errorf("snapshot_horizon_days must not be negative")
	}
	return nil
}

func (p *Policy) SlotDuration() time.Duration {
	return time.Duration(p.SlotMinutes) * time.Minute
}

func (p *Policy) SnapshotHorizon() time.Duration {
	return time.Duration(p.SnapshotHorizonDays) * 24 * time.Hour
}

// ConflictPolicy converts the calendar settings for the conflict detector.
func (p *Policy) ConflictPolicy() (conflict.Policy, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return conflict.Policy{}, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	weekStart, err := parseWeekday(p.WeekStart)
	if err != nil {
		return conflict.Policy{}, err
	}
	cutoffDay, err := parseWeekday(p.WeeklyCutoff.Weekday)
	if err != nil {
		return conflict.Policy{}, err
	}
	at, err := time.Parse("15:04", p.WeeklyCutoff.Time)
	if err != nil {
		return conflict.Policy{}, fmt.Errorf("invalid weekly cutoff time %q", p.WeeklyCutoff.Time)
	}
	return conflict.Policy{
		Location:             loc,
		WeekStart:            weekStart,
		CutoffWeekday:        cutoffDay,
		CutoffHour:           at.Hour(),
		CutoffMinute:         at.Minute(),
		MonthlyHorizonMonths: p.MonthlyHorizonMonths,
	}, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
