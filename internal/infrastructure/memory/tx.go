package memory

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/identifier"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/session"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// overlay stages writes over a base map. A nil entry marks a delete.
type overlay[K comparable, V any] struct {
	staged map[K]*V
}

func (o *overlay[K, V]) lookup(base map[K]V, key K) (V, bool) {
	if v, ok := o.staged[key]; ok {
		if v == nil {
			var zero V
			return zero, false
		}
		return *v, true
	}
	v, ok := base[key]
	return v, ok
}

func (o *overlay[K, V]) put(key K, v V) {
	if o.staged == nil {
		o.staged = map[K]*V{}
	}
	o.staged[key] = &v
}

func (o *overlay[K, V]) remove(key K) {
	if o.staged == nil {
		o.staged = map[K]*V{}
	}
	o.staged[key] = nil
}

func (o *overlay[K, V]) each(base map[K]V, fn func(K, V)) {
	for k, v := range base {
		if _, ok := o.staged[k]; ok {
			continue
		}
		fn(k, v)
	}
	for k, v := range o.staged {
		if v != nil {
			fn(k, *v)
		}
	}
}

// txn is one unit of work. It implements store.Repositories.
type txn struct {
	st       *Store
	readOnly bool
	// locked is set when the caller already holds st.mu for reading.
	locked bool

	ops       []Op
	allocated int64

	categories overlay[string, category.Category]
	machines   overlay[string, machine.Machine]
	users      overlay[uuid.UUID, userRecord]
	bookings   overlay[uuid.UUID, booking.Booking]
	sessions   overlay[string, sessionRecord]
	sequences  map[string]int
	audit      []audit.AuditLog
}

func newTxn(st *Store, readOnly bool) *txn {
	return &txn{st: st, readOnly: readOnly, sequences: map[string]int{}}
}

// view runs fn with the committed snapshot.
func (t *txn) view(fn func(s *snapshot)) {
	if !t.locked {
		t.st.mu.RLock()
		defer t.st.mu.RUnlock()
	}
	fn(&t.st.s)
}

func (t *txn) writable() error {
	if t.readOnly {
		return apperror.New(apperror.KindInternal, "write attempted in a read-only unit of work")
	}
	return nil
}

// nextID reserves a row id. Writers are serialized, so ids drawn here are
// the ones the snapshot would hand out on apply.
func (t *txn) nextID() int64 {
	t.allocated++
	var base int64
	t.view(func(s *snapshot) { base = s.NextRowID })
	return base + t.allocated
}

func (t *txn) stage(collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "encode "+collection)
	}
	t.ops = append(t.ops, Op{Collection: collection, Key: key, Value: data})
	return nil
}

func (t *txn) stageDelete(collection, key string) {
	t.ops = append(t.ops, Op{Collection: collection, Key: key, Delete: true})
}

func (t *txn) Categories() category.Repository          { return categoryRepo{t} }
func (t *txn) Machines() machine.Repository             { return machineRepo{t} }
func (t *txn) Users() user.Repository                   { return userRepo{t} }
func (t *txn) Bookings() booking.Repository             { return bookingRepo{t} }
func (t *txn) Audit() audit.Repository                  { return auditRepo{t} }
func (t *txn) Sessions() session.Repository             { return sessionRepo{t} }
func (t *txn) Sequences() identifier.SequenceRepository { return sequenceRepo{t} }

// pageWindow clamps limit and offset against total.
func pageWindow(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}

func sortBookings(out []*booking.Booking) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Interval.Start.Equal(out[j].Interval.Start) {
			return out[i].Interval.Start.Before(out[j].Interval.Start)
		}
		return out[i].BookingID.String() < out[j].BookingID.String()
	})
}
