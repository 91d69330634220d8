package booking

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

// Mode selects the lead-time and approval rules applied to a booking.
type Mode string

const (
	ModeWeeklyPlanning      Mode = "weekly-planning"
	ModeSameWeekExceptional Mode = "same-week-exceptional"
	ModeMonthlyProvisional  Mode = "monthly-provisional"
)

// Status represents the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// ActiveStatuses hold a slot on the machine.
var ActiveStatuses = []Status{StatusPending, StatusApproved}

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusCancelled, StatusCompleted},
}

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusApproved
}

func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusCompleted
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Validate() error {
	if i.Start.IsZero() || i.End.IsZero() {
		return errors.New("interval start and end are required")
	}
	if !i.End.After(i.Start) {
		return errors.New("interval end must be after start")
	}
	return nil
}

// Overlaps reports whether the two intervals share positive length.
// Touching intervals (one ends where the other starts) do not overlap.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// Booking reserves one machine for one interval on behalf of one user.
type Booking struct {
	ID            int64      `json:"id"`
	BookingID     uuid.UUID  `json:"bookingId"`
	OwnerID       uuid.UUID  `json:"ownerId"`
	MachineID     string     `json:"machineId"`
	CategoryID    string     `json:"categoryId"`
	Mode          Mode       `json:"mode"`
	Interval      Interval   `json:"interval"`
	Status        Status     `json:"status"`
	Cost          int64      `json:"cost"`
	RatePerSlot   int64      `json:"ratePerSlot"`
	Justification string     `json:"justification,omitempty"`
	RequestID     *string    `json:"requestId,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	DecidedBy     *string    `json:"decidedBy,omitempty"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}

// TransitionTo moves the booking to status to, or fails with INVALID_TRANSITION.
func (b *Booking) TransitionTo(to Status, at time.Time) error {
	if !CanTransition(b.Status, to) {
		return apperror.New(apperror.KindInvalidTransition, "booking %s cannot move from %s to %s", b.BookingID, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = at
	return nil
}

func ValidateMode(mode Mode) error {
	switch mode {
	case ModeWeeklyPlanning, ModeSameWeekExceptional, ModeMonthlyProvisional:
		return nil
	default:
		return errors.New("invalid booking mode")
	}
}

func ValidateStatus(status Status) error {
	switch status {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusCompleted:
		return nil
	default:
		return errors.New("invalid booking status")
	}
}

// Slots counts the billable slots in d, rounding a partial slot up.
func Slots(d, slot time.Duration) int64 {
	if d <= 0 || slot <= 0 {
		return 0
	}
	n := int64(d / slot)
	if d%slot != 0 {
		n++
	}
	return n
}

// Cost prices an interval at rate tokens per slot. A product beyond the
// int64 range can never be afforded and is reported as insufficient tokens.
func Cost(rate int64, interval Interval, slot time.Duration) (int64, error) {
	if rate < 0 {
		return 0, apperror.New(apperror.KindInvalidArgument, "negative token rate %d", rate)
	}
	slots := Slots(interval.Duration(), slot)
	if rate > 0 && slots > math.MaxInt64/rate {
		return 0, apperror.New(apperror.KindInsufficientTokens, "%d slots at %d tokens exceed the token range", slots, rate)
	}
	return rate * slots, nil
}

// NormalizeJustification trims surrounding whitespace.
func NormalizeJustification(s string) string {
	return strings.TrimSpace(s)
}
