// Package store declares the unit-of-work boundary over the data store.
package store

import (
	"context"

	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/identifier"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/session"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// Repositories groups the collections reachable inside one unit of work.
type Repositories interface {
	Categories() category.Repository
	Machines() machine.Repository
	Users() user.Repository
	Bookings() booking.Repository
	Audit() audit.Repository
	Sessions() session.Repository
	Sequences() identifier.SequenceRepository
}

// Func is the body of a unit of work.
type Func func(ctx context.Context, repos Repositories) error

// Store runs units of work against the system of record.
//
// WithinTx commits everything fn wrote if and only if fn returns nil. Read gives
// fn a consistent read-only view; writes through it fail. Errors caused by the
// store itself (timeouts, lost connections, lost leadership) are reported as
// apperror.KindTransient. The store never retries on its own.
type Store interface {
	Read(ctx context.Context, fn Func) error
	WithinTx(ctx context.Context, fn Func) error
}
