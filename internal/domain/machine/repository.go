package machine

import "context"

// Filter controls machine listing.
type Filter struct {
	CategoryID *string
	Status     *Status
}

// Repository defines persistence for machines.
type Repository interface {
	Create(ctx context.Context, machine *Machine) error
	Update(ctx context.Context, machine *Machine) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*Machine, error)
	// GetForUpdate reads the machine and holds it until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Machine, error)
	List(ctx context.Context, filter Filter) ([]*Machine, error)
	ListIDsByCategory(ctx context.Context, categoryID string) ([]string, error)
	CountByCategory(ctx context.Context, categoryID string) (int, error)
}
