// Package apperror defines the error kinds surfaced by the booking engine.
package apperror

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an engine error.
type Kind string

const (
	KindMachineUnavailable  Kind = "MACHINE_UNAVAILABLE"
	KindSlotConflict        Kind = "SLOT_CONFLICT"
	KindLeadTimeViolation   Kind = "LEAD_TIME_VIOLATION"
	KindInsufficientTokens  Kind = "INSUFFICIENT_TOKENS"
	KindLedgerInvariant     Kind = "LEDGER_INVARIANT_VIOLATION"
	KindIdentifierExhausted Kind = "IDENTIFIER_SPACE_EXHAUSTED"
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindNotFound            Kind = "NOT_FOUND"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindTransient           Kind = "TRANSIENT_FAILURE"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindInUse               Kind = "IN_USE"
	KindInternal            Kind = "INTERNAL"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrMachineUnavailable  = &Error{Kind: KindMachineUnavailable}
	ErrSlotConflict        = &Error{Kind: KindSlotConflict}
	ErrLeadTimeViolation   = &Error{Kind: KindLeadTimeViolation}
	ErrInsufficientTokens  = &Error{Kind: KindInsufficientTokens}
	ErrLedgerInvariant     = &Error{Kind: KindLedgerInvariant}
	ErrIdentifierExhausted = &Error{Kind: KindIdentifierExhausted}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrTransient           = &Error{Kind: KindTransient}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrInUse               = &Error{Kind: KindInUse}
)

// Conflict identifies the booking that blocks a proposed interval.
type Conflict struct {
	BookingID uuid.UUID `json:"bookingId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Error is the engine error type.
type Error struct {
	Kind     Kind
	Message  string
	Conflict *Conflict
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// SlotConflict builds a SLOT_CONFLICT error naming the blocking booking.
func SlotConflict(bookingID uuid.UUID, start, end time.Time) *Error {
	return &Error{
		Kind:     KindSlotConflict,
		Message:  fmt.Sprintf("interval overlaps booking %s [%s, %s)", bookingID, start.Format(time.RFC3339), end.Format(time.RFC3339)),
		Conflict: &Conflict{BookingID: bookingID, Start: start, End: end},
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsBusinessRule reports whether err is a rule outcome rather than a glitch.
func IsBusinessRule(err error) bool {
	switch KindOf(err) {
	case KindMachineUnavailable, KindSlotConflict, KindLeadTimeViolation, KindInsufficientTokens,
		KindIdentifierExhausted, KindInvalidTransition, KindNotFound, KindUnauthorized,
		KindInvalidArgument, KindInUse:
		return true
	default:
		return false
	}
}
