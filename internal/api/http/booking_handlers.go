package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	appBooking "github.com/facility-hub/facility-hub/internal/application/booking"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
)

type bookingCreateRequest struct {
	MachineID     string       `json:"machineId"`
	Mode          booking.Mode `json:"mode"`
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	Justification string       `json:"justification,omitempty"`
}

type bookingReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type bookingRescheduleRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// idempotencyHeader carries the client's request token for create.
const idempotencyHeader = "Idempotency-Key"

func (s *Server) createBooking(w http.ResponseWriter, r *http.Request) {
	var req bookingCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	input := appBooking.CreateInput{
		MachineID:     req.MachineID,
		Mode:          req.Mode,
		Interval:      booking.Interval{Start: req.Start, End: req.End},
		Justification: req.Justification,
	}
	if key := r.Header.Get(idempotencyHeader); key != "" {
		input.RequestID = &key
	}
	auth := actor(r)
	b, err := s.bookingSvc.Create(r.Context(), auth.Actor(), input)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	s.syncSvc.ApplyBooking(auth.ClientID(), b)
	respondJSON(w, http.StatusCreated, b)
}

func (s *Server) listBookings(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	filter := booking.Filter{MachineID: optionalQuery(r, "machineId")}
	if v := optionalQuery(r, "status"); v != nil {
		st := booking.Status(*v)
		filter.Status = &st
	}
	if v := optionalQuery(r, "mode"); v != nil {
		m := booking.Mode(*v)
		filter.Mode = &m
	}
	if v := optionalQuery(r, "ownerId"); v != nil {
		id, err := uuid.Parse(*v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid ownerId")
			return
		}
		filter.OwnerID = &id
	}
	if v := optionalQuery(r, "endAfter"); v != nil {
		t, err := time.Parse(time.RFC3339, *v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "endAfter must be RFC3339")
			return
		}
		filter.EndAfter = &t
	}
	list, err := s.bookingSvc.List(r.Context(), filter, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"bookings": list, "limit": limit, "offset": offset})
}

func (s *Server) getBooking(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "bookingId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid bookingId")
		return
	}
	b, err := s.bookingSvc.Get(r.Context(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// bookingTransition adapts the lifecycle operations that take an optional reason.
func (s *Server) bookingTransition(op func(r *http.Request, id uuid.UUID, reason string) (*booking.Booking, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "bookingId")
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid bookingId")
			return
		}
		var req bookingReasonRequest
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		b, err := op(r, id, req.Reason)
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}
		s.syncSvc.ApplyBooking(actor(r).ClientID(), b)
		respondJSON(w, http.StatusOK, b)
	}
}

func (s *Server) approveBooking(w http.ResponseWriter, r *http.Request) {
	s.bookingTransition(func(r *http.Request, id uuid.UUID, _ string) (*booking.Booking, error) {
		return s.bookingSvc.Approve(r.Context(), actor(r).Actor(), id)
	})(w, r)
}

func (s *Server) rejectBooking(w http.ResponseWriter, r *http.Request) {
	s.bookingTransition(func(r *http.Request, id uuid.UUID, reason string) (*booking.Booking, error) {
		return s.bookingSvc.Reject(r.Context(), actor(r).Actor(), id, reason)
	})(w, r)
}

func (s *Server) cancelBooking(w http.ResponseWriter, r *http.Request) {
	s.bookingTransition(func(r *http.Request, id uuid.UUID, reason string) (*booking.Booking, error) {
		return s.bookingSvc.Cancel(r.Context(), actor(r).Actor(), id, reason)
	})(w, r)
}

func (s *Server) completeBooking(w http.ResponseWriter, r *http.Request) {
	s.bookingTransition(func(r *http.Request, id uuid.UUID, _ string) (*booking.Booking, error) {
		return s.bookingSvc.Complete(r.Context(), actor(r).Actor(), id)
	})(w, r)
}

func (s *Server) rescheduleBooking(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "bookingId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid bookingId")
		return
	}
	var req bookingRescheduleRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	auth := actor(r)
	b, err := s.bookingSvc.Reschedule(r.Context(), auth.Actor(), id, booking.Interval{Start: req.Start, End: req.End})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	s.syncSvc.ApplyBooking(auth.ClientID(), b)
	respondJSON(w, http.StatusOK, b)
}
