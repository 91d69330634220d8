package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter controls booking listing.
type Filter struct {
	OwnerID   *uuid.UUID
	MachineID *string
	Status    *Status
	Mode      *Mode
	// EndAfter keeps bookings whose interval ends after the given time.
	EndAfter *time.Time
}

// Repository defines persistence for bookings.
type Repository interface {
	Create(ctx context.Context, booking *Booking) error
	Update(ctx context.Context, booking *Booking) error
	GetByID(ctx context.Context, bookingID uuid.UUID) (*Booking, error)
	// GetForUpdate reads the booking and holds it until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, bookingID uuid.UUID) (*Booking, error)
	GetByRequestID(ctx context.Context, ownerID uuid.UUID, requestID string) (*Booking, error)
	// ListActiveForMachine returns pending and approved bookings on the machine.
	ListActiveForMachine(ctx context.Context, machineID string) ([]*Booking, error)
	ListElapsed(ctx context.Context, status Status, endedBy time.Time, limit int) ([]*Booking, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Booking, error)
	CountByMachine(ctx context.Context, machineID string) (int, error)
}
