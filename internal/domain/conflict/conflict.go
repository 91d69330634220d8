// Package conflict decides whether a proposed booking interval is legal for a
// machine. Rules run in a fixed order: machine status, slot overlap, then the
// lead-time rule of the booking mode.
package conflict

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
)

// Policy holds the calendar parameters of the lead-time rules.
type Policy struct {
	Location *time.Location
	// WeekStart is the first day of a planning week.
	WeekStart time.Weekday
	// Weekly-planning requests for a week close at this weekday and time
	// during the preceding week.
	CutoffWeekday time.Weekday
	CutoffHour    int
	CutoffMinute  int
	// MonthlyHorizonMonths bounds how far ahead monthly-provisional bookings may start.
	MonthlyHorizonMonths int
}

// DefaultPolicy closes each week on the preceding Thursday at 17:00 UTC.
func DefaultPolicy() Policy {
	return Policy{
		Location:             time.UTC,
		WeekStart:            time.Monday,
		CutoffWeekday:        time.Thursday,
		CutoffHour:           17,
		MonthlyHorizonMonths: 3,
	}
}

// Request describes a proposed reservation.
type Request struct {
	Machine       *machine.Machine
	Interval      booking.Interval
	Mode          booking.Mode
	Justification string
	// Existing holds the machine's bookings. Only active ones are considered.
	Existing []*booking.Booking
	// Exclude skips one booking, used when a booking is being rescheduled.
	Exclude uuid.UUID
	Now     time.Time
}

// Detector evaluates booking requests against a Policy.
type Detector struct {
	policy Policy
}

func NewDetector(policy Policy) *Detector {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Detector{policy: policy}
}

func (d *Detector) Policy() Policy {
	return d.policy
}

// Check returns nil when the request is legal, otherwise the first rule it breaks.
func (d *Detector) Check(req Request) error {
	if req.Machine == nil {
		return apperror.New(apperror.KindNotFound, "machine not found")
	}
	if err := req.Interval.Validate(); err != nil {
		return apperror.Wrap(apperror.KindInvalidArgument, err, "invalid interval")
	}
	if err := booking.ValidateMode(req.Mode); err != nil {
		return apperror.Wrap(apperror.KindInvalidArgument, err, "invalid mode")
	}
	if !req.Machine.Bookable() {
		return apperror.New(apperror.KindMachineUnavailable, "machine %s is %s", req.Machine.ID, req.Machine.Status)
	}
	if blocking := FindOverlap(req.Interval, req.Existing, req.Exclude); blocking != nil {
		return apperror.SlotConflict(blocking.BookingID, blocking.Interval.Start, blocking.Interval.End)
	}
	return d.CheckLeadTime(req.Mode, req.Interval, req.Justification, req.Now)
}

// FindOverlap returns the earliest active booking that overlaps interval.
func FindOverlap(interval booking.Interval, existing []*booking.Booking, exclude uuid.UUID) *booking.Booking {
	var hits []*booking.Booking
	for _, b := range existing {
		if b == nil || !b.Status.IsActive() {
			continue
		}
		if exclude != uuid.Nil && b.BookingID == exclude {
			continue
		}
		if interval.Overlaps(b.Interval) {
			hits = append(hits, b)
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Interval.Start.Before(hits[j].Interval.Start)
	})
	return hits[0]
}

// CheckLeadTime applies the mode-specific advance-notice rule.
func (d *Detector) CheckLeadTime(mode booking.Mode, interval booking.Interval, justification string, now time.Time) error {
	if interval.Start.Before(now) {
		return apperror.New(apperror.KindLeadTimeViolation, "interval starts in the past")
	}
	switch mode {
	case booking.ModeWeeklyPlanning:
		target := d.WeekStart(interval.Start)
		if !target.After(d.WeekStart(now)) {
			return apperror.New(apperror.KindLeadTimeViolation, "weekly planning must target a later week")
		}
		cutoff := d.Cutoff(target)
		if !now.Before(cutoff) {
			return apperror.New(apperror.KindLeadTimeViolation, "weekly planning for week of %s closed at %s",
				target.Format("2006-01-02"), cutoff.Format(time.RFC3339))
		}
		return nil
	case booking.ModeSameWeekExceptional:
		if booking.NormalizeJustification(justification) == "" {
			return apperror.New(apperror.KindLeadTimeViolation, "same-week exceptional booking requires a justification")
		}
		nextWeek := d.WeekStart(now).AddDate(0, 0, 7)
		if !interval.Start.Before(nextWeek) {
			return apperror.New(apperror.KindLeadTimeViolation, "same-week exceptional booking must start this week")
		}
		return nil
	case booking.ModeMonthlyProvisional:
		horizon := now.In(d.policy.Location).AddDate(0, d.policy.MonthlyHorizonMonths, 0)
		if !interval.Start.Before(horizon) {
			return apperror.New(apperror.KindLeadTimeViolation, "monthly provisional booking must start before %s",
				horizon.Format(time.RFC3339))
		}
		return nil
	default:
		return apperror.New(apperror.KindInvalidArgument, "invalid mode %q", mode)
	}
}

// WeekStart returns midnight of the first day of the planning week containing t.
func (d *Detector) WeekStart(t time.Time) time.Time {
	local := t.In(d.policy.Location)
	offset := (int(local.Weekday()) - int(d.policy.WeekStart) + 7) % 7
	y, m, day := local.Date()
	return time.Date(y, m, day-offset, 0, 0, 0, 0, d.policy.Location)
}

// Cutoff returns the submission deadline for the week starting at weekStart.
func (d *Detector) Cutoff(weekStart time.Time) time.Time {
	prev := weekStart.In(d.policy.Location).AddDate(0, 0, -7)
	offset := (int(d.policy.CutoffWeekday) - int(d.policy.WeekStart) + 7) % 7
	y, m, day := prev.Date()
	return time.Date(y, m, day+offset, d.policy.CutoffHour, d.policy.CutoffMinute, 0, 0, d.policy.Location)
}
