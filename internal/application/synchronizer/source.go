package synchronizer

import (
	"context"
	"time"

	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/store"
)

// Snapshot is a point-in-time copy of the catalog and the bookings a client
// displays. A snapshot is never mutated once published to a view.
type Snapshot struct {
	Version    uint64               `json:"version"`
	TakenAt    time.Time            `json:"takenAt"`
	Categories []*category.Category `json:"categories"`
	Machines   []*machine.Machine   `json:"machines"`
	Bookings   []*booking.Booking   `json:"bookings"`
}

// Source loads a complete snapshot from the system of record.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

const defaultPageSize = 500

// StoreSource reads snapshots through one read-only unit of work, so a
// snapshot never contains half of a concurrent write.
type StoreSource struct {
	st       store.Store
	horizon  time.Duration
	pageSize int
	now      func() time.Time
}

// NewStoreSource returns a source that keeps bookings ending within horizon
// of now. A zero horizon keeps every booking.
func NewStoreSource(st store.Store, horizon time.Duration) *StoreSource {
	return &StoreSource{
		st:       st,
		horizon:  horizon,
		pageSize: defaultPageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *StoreSource) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: s.now()}
	filter := booking.Filter{}
	if s.horizon > 0 {
		since := snap.TakenAt.Add(-s.horizon)
		filter.EndAfter = &since
	}
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		if snap.Categories, err = repos.Categories().List(ctx); err != nil {
			return err
		}
		if snap.Machines, err = repos.Machines().List(ctx, machine.Filter{}); err != nil {
			return err
		}
		for offset := 0; ; offset += s.pageSize {
			page, err := repos.Bookings().List(ctx, filter, s.pageSize, offset)
			if err != nil {
				return err
			}
			snap.Bookings = append(snap.Bookings, page...)
			if len(page) < s.pageSize {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if snap.Categories == nil {
		snap.Categories = []*category.Category{}
	}
	if snap.Machines == nil {
		snap.Machines = []*machine.Machine{}
	}
	if snap.Bookings == nil {
		snap.Bookings = []*booking.Booking{}
	}
	return snap, nil
}
