package machine

import (
	"errors"
	"time"
)

// Status represents the operational state of a machine.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusInUse       Status = "in-use"
	StatusMaintenance Status = "maintenance"
	StatusRetired     Status = "retired"
)

// Machine is a single bookable resource.
type Machine struct {
	ID         string    `json:"id"`
	CategoryID string    `json:"categoryId"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Bookable reports whether new bookings may target the machine.
func (m *Machine) Bookable() bool {
	return m.Status == StatusAvailable
}

func (m *Machine) Clone() *Machine {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}

func ValidateStatus(status Status) error {
	switch status {
	case StatusAvailable, StatusInUse, StatusMaintenance, StatusRetired:
		return nil
	default:
		return errors.New("invalid machine status")
	}
}
