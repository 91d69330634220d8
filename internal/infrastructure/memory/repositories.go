package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/conflict"
	"github.com/facility-hub/facility-hub/internal/domain/ledger"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/session"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

type categoryRepo struct{ t *txn }

func (r categoryRepo) get(id string) (category.Category, bool) {
	var c category.Category
	var ok bool
	r.t.view(func(s *snapshot) { c, ok = r.t.categories.lookup(s.Categories, id) })
	return c, ok
}

func (r categoryRepo) Create(_ context.Context, c *category.Category) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(c.ID); ok {
		return apperror.New(apperror.KindInUse, "category %s already exists", c.ID)
	}
	v := *c.Clone()
	if err := r.t.stage(CollectionCategories, v.ID, v); err != nil {
		return err
	}
	r.t.categories.put(v.ID, v)
	return nil
}

func (r categoryRepo) Update(_ context.Context, c *category.Category) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(c.ID); !ok {
		return apperror.New(apperror.KindNotFound, "category %s not found", c.ID)
	}
	v := *c.Clone()
	if err := r.t.stage(CollectionCategories, v.ID, v); err != nil {
		return err
	}
	r.t.categories.put(v.ID, v)
	return nil
}

func (r categoryRepo) Delete(ctx context.Context, id string) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(id); !ok {
		return apperror.New(apperror.KindNotFound, "category %s not found", id)
	}
	n, err := machineRepo(r).CountByCategory(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperror.New(apperror.KindInUse, "category %s still has %d machines", id, n)
	}
	r.t.stageDelete(CollectionCategories, id)
	r.t.categories.remove(id)
	return nil
}

func (r categoryRepo) GetByID(_ context.Context, id string) (*category.Category, error) {
	c, ok := r.get(id)
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (r categoryRepo) List(_ context.Context) ([]*category.Category, error) {
	var out []*category.Category
	r.t.view(func(s *snapshot) {
		r.t.categories.each(s.Categories, func(_ string, c category.Category) {
			out = append(out, c.Clone())
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r categoryRepo) ListIDs(ctx context.Context) ([]string, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

type machineRepo struct{ t *txn }

func (r machineRepo) get(id string) (machine.Machine, bool) {
	var m machine.Machine
	var ok bool
	r.t.view(func(s *snapshot) { m, ok = r.t.machines.lookup(s.Machines, id) })
	return m, ok
}

func (r machineRepo) Create(_ context.Context, m *machine.Machine) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(m.ID); ok {
		return apperror.New(apperror.KindInUse, "machine %s already exists", m.ID)
	}
	if _, ok := categoryRepo(r).get(m.CategoryID); !ok {
		return apperror.New(apperror.KindNotFound, "category %s not found", m.CategoryID)
	}
	v := *m
	if err := r.t.stage(CollectionMachines, v.ID, v); err != nil {
		return err
	}
	r.t.machines.put(v.ID, v)
	return nil
}

func (r machineRepo) Update(_ context.Context, m *machine.Machine) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(m.ID); !ok {
		return apperror.New(apperror.KindNotFound, "machine %s not found", m.ID)
	}
	v := *m
	if err := r.t.stage(CollectionMachines, v.ID, v); err != nil {
		return err
	}
	r.t.machines.put(v.ID, v)
	return nil
}

func (r machineRepo) Delete(ctx context.Context, id string) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(id); !ok {
		return apperror.New(apperror.KindNotFound, "machine %s not found", id)
	}
	n, err := bookingRepo(r).CountByMachine(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperror.New(apperror.KindInUse, "machine %s is referenced by %d bookings", id, n)
	}
	r.t.stageDelete(CollectionMachines, id)
	r.t.machines.remove(id)
	return nil
}

func (r machineRepo) GetByID(_ context.Context, id string) (*machine.Machine, error) {
	m, ok := r.get(id)
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// GetForUpdate needs no lock of its own: writers are already serialized.
func (r machineRepo) GetForUpdate(ctx context.Context, id string) (*machine.Machine, error) {
	return r.GetByID(ctx, id)
}

func (r machineRepo) List(_ context.Context, filter machine.Filter) ([]*machine.Machine, error) {
	var out []*machine.Machine
	r.t.view(func(s *snapshot) {
		r.t.machines.each(s.Machines, func(_ string, m machine.Machine) {
			if filter.CategoryID != nil && m.CategoryID != *filter.CategoryID {
				return
			}
			if filter.Status != nil && m.Status != *filter.Status {
				return
			}
			v := m
			out = append(out, &v)
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r machineRepo) ListIDsByCategory(ctx context.Context, categoryID string) ([]string, error) {
	list, err := r.List(ctx, machine.Filter{CategoryID: &categoryID})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (r machineRepo) CountByCategory(ctx context.Context, categoryID string) (int, error) {
	ids, err := r.ListIDsByCategory(ctx, categoryID)
	return len(ids), err
}

type userRepo struct{ t *txn }

func (r userRepo) get(id uuid.UUID) (userRecord, bool) {
	var u userRecord
	var ok bool
	r.t.view(func(s *snapshot) { u, ok = r.t.users.lookup(s.Users, id) })
	return u, ok
}

func (r userRepo) findByUsername(username string) (userRecord, bool) {
	var found userRecord
	var ok bool
	r.t.view(func(s *snapshot) {
		r.t.users.each(s.Users, func(_ uuid.UUID, u userRecord) {
			if !ok && u.Username == username {
				found, ok = u, true
			}
		})
	})
	return found, ok
}

func (r userRepo) Create(_ context.Context, u *user.User) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(u.UserID); ok {
		return apperror.New(apperror.KindInUse, "user %s already exists", u.UserID)
	}
	if _, ok := r.findByUsername(u.Username); ok {
		return apperror.New(apperror.KindInUse, "username %s is taken", u.Username)
	}
	if err := ledger.CheckInvariant(u); err != nil {
		return err
	}
	if u.ID == 0 {
		u.ID = r.t.nextID()
	}
	return r.put(u)
}

func (r userRepo) Update(_ context.Context, u *user.User) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	prev, ok := r.get(u.UserID)
	if !ok {
		return apperror.New(apperror.KindNotFound, "user %s not found", u.UserID)
	}
	if other, taken := r.findByUsername(u.Username); taken && other.UserID != u.UserID {
		return apperror.New(apperror.KindInUse, "username %s is taken", u.Username)
	}
	if err := ledger.CheckInvariant(u); err != nil {
		return err
	}
	u.ID = prev.ID
	return r.put(u)
}

func (r userRepo) put(u *user.User) error {
	rec := toUserRecord(u)
	if err := r.t.stage(CollectionUsers, u.UserID.String(), rec); err != nil {
		return err
	}
	r.t.users.put(u.UserID, rec)
	return nil
}

func (r userRepo) GetByID(_ context.Context, userID uuid.UUID) (*user.User, error) {
	rec, ok := r.get(userID)
	if !ok {
		return nil, nil
	}
	return rec.toUser(), nil
}

// GetForUpdate needs no lock of its own: writers are already serialized.
func (r userRepo) GetForUpdate(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	return r.GetByID(ctx, userID)
}

func (r userRepo) GetByUsername(_ context.Context, username string) (*user.User, error) {
	rec, ok := r.findByUsername(user.NormalizeUsername(username))
	if !ok {
		return nil, nil
	}
	return rec.toUser(), nil
}

func (r userRepo) List(_ context.Context, filter user.Filter, limit, offset int) ([]*user.User, error) {
	var all []*user.User
	r.t.view(func(s *snapshot) {
		r.t.users.each(s.Users, func(_ uuid.UUID, rec userRecord) {
			if filter.Role != nil && rec.Role != *filter.Role {
				return
			}
			if filter.Username != nil && !strings.Contains(rec.Username, strings.ToLower(*filter.Username)) {
				return
			}
			all = append(all, rec.toUser())
		})
	})
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	start, end := pageWindow(len(all), limit, offset)
	return all[start:end], nil
}

func (r userRepo) Count(_ context.Context) (int, error) {
	n := 0
	r.t.view(func(s *snapshot) {
		r.t.users.each(s.Users, func(uuid.UUID, userRecord) { n++ })
	})
	return n, nil
}

type bookingRepo struct{ t *txn }

func (r bookingRepo) get(id uuid.UUID) (booking.Booking, bool) {
	var b booking.Booking
	var ok bool
	r.t.view(func(s *snapshot) { b, ok = r.t.bookings.lookup(s.Bookings, id) })
	return b, ok
}

func (r bookingRepo) all(match func(booking.Booking) bool) []*booking.Booking {
	var out []*booking.Booking
	r.t.view(func(s *snapshot) {
		r.t.bookings.each(s.Bookings, func(_ uuid.UUID, b booking.Booking) {
			if match(b) {
				out = append(out, b.Clone())
			}
		})
	})
	return out
}

func (r bookingRepo) forMachine(machineID string, match func(booking.Booking) bool) []*booking.Booking {
	var out []*booking.Booking
	r.t.view(func(s *snapshot) {
		for id := range s.ByMachine[machineID] {
			if _, staged := r.t.bookings.staged[id]; staged {
				continue
			}
			if b, ok := s.Bookings[id]; ok && b.MachineID == machineID && match(b) {
				out = append(out, b.Clone())
			}
		}
	})
	for _, b := range r.t.bookings.staged {
		if b != nil && b.MachineID == machineID && match(*b) {
			out = append(out, b.Clone())
		}
	}
	return out
}

// checkSlot enforces that no two active bookings on a machine overlap.
func (r bookingRepo) checkSlot(b *booking.Booking) error {
	if !b.Status.IsActive() {
		return nil
	}
	active := r.forMachine(b.MachineID, func(other booking.Booking) bool { return other.Status.IsActive() })
	if hit := conflict.FindOverlap(b.Interval, active, b.BookingID); hit != nil {
		return apperror.SlotConflict(hit.BookingID, hit.Interval.Start, hit.Interval.End)
	}
	return nil
}

func (r bookingRepo) Create(_ context.Context, b *booking.Booking) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.get(b.BookingID); ok {
		return apperror.New(apperror.KindInUse, "booking %s already exists", b.BookingID)
	}
	if b.RequestID != nil {
		dup := r.all(func(o booking.Booking) bool {
			return o.OwnerID == b.OwnerID && o.RequestID != nil && *o.RequestID == *b.RequestID
		})
		if len(dup) > 0 {
			return apperror.New(apperror.KindInUse, "request %s already produced booking %s", *b.RequestID, dup[0].BookingID)
		}
	}
	if err := r.checkSlot(b); err != nil {
		return err
	}
	if b.ID == 0 {
		b.ID = r.t.nextID()
	}
	return r.put(b)
}

func (r bookingRepo) Update(_ context.Context, b *booking.Booking) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	prev, ok := r.get(b.BookingID)
	if !ok {
		return apperror.New(apperror.KindNotFound, "booking %s not found", b.BookingID)
	}
	if err := r.checkSlot(b); err != nil {
		return err
	}
	b.ID = prev.ID
	return r.put(b)
}

func (r bookingRepo) put(b *booking.Booking) error {
	v := *b.Clone()
	if err := r.t.stage(CollectionBookings, v.BookingID.String(), v); err != nil {
		return err
	}
	r.t.bookings.put(v.BookingID, v)
	return nil
}

func (r bookingRepo) GetByID(_ context.Context, bookingID uuid.UUID) (*booking.Booking, error) {
	b, ok := r.get(bookingID)
	if !ok {
		return nil, nil
	}
	return b.Clone(), nil
}

func (r bookingRepo) GetForUpdate(ctx context.Context, bookingID uuid.UUID) (*booking.Booking, error) {
	return r.GetByID(ctx, bookingID)
}

func (r bookingRepo) GetByRequestID(_ context.Context, ownerID uuid.UUID, requestID string) (*booking.Booking, error) {
	found := r.all(func(b booking.Booking) bool {
		return b.OwnerID == ownerID && b.RequestID != nil && *b.RequestID == requestID
	})
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func (r bookingRepo) ListActiveForMachine(_ context.Context, machineID string) ([]*booking.Booking, error) {
	out := r.forMachine(machineID, func(b booking.Booking) bool { return b.Status.IsActive() })
	sortBookings(out)
	return out, nil
}

func (r bookingRepo) ListElapsed(_ context.Context, status booking.Status, endedBy time.Time, limit int) ([]*booking.Booking, error) {
	out := r.all(func(b booking.Booking) bool {
		return b.Status == status && !b.Interval.End.After(endedBy)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Interval.End.Equal(out[j].Interval.End) {
			return out[i].Interval.End.Before(out[j].Interval.End)
		}
		return out[i].BookingID.String() < out[j].BookingID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r bookingRepo) List(_ context.Context, filter booking.Filter, limit, offset int) ([]*booking.Booking, error) {
	match := func(b booking.Booking) bool {
		if filter.OwnerID != nil && b.OwnerID != *filter.OwnerID {
			return false
		}
		if filter.Status != nil && b.Status != *filter.Status {
			return false
		}
		if filter.Mode != nil && b.Mode != *filter.Mode {
			return false
		}
		if filter.EndAfter != nil && !b.Interval.End.After(*filter.EndAfter) {
			return false
		}
		return true
	}
	var out []*booking.Booking
	if filter.MachineID != nil {
		out = r.forMachine(*filter.MachineID, match)
	} else {
		out = r.all(match)
	}
	sortBookings(out)
	start, end := pageWindow(len(out), limit, offset)
	return out[start:end], nil
}

func (r bookingRepo) CountByMachine(_ context.Context, machineID string) (int, error) {
	return len(r.forMachine(machineID, func(booking.Booking) bool { return true })), nil
}

type sessionRepo struct{ t *txn }

func (r sessionRepo) Create(_ context.Context, s *session.Session) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	var exists bool
	r.t.view(func(snap *snapshot) { _, exists = r.t.sessions.lookup(snap.Sessions, s.TokenHash) })
	if exists {
		return apperror.New(apperror.KindInUse, "session token already registered")
	}
	if s.ID == 0 {
		s.ID = r.t.nextID()
	}
	rec := sessionRecord{Session: *s, TokenHash: s.TokenHash}
	if err := r.t.stage(CollectionSessions, s.TokenHash, rec); err != nil {
		return err
	}
	r.t.sessions.put(s.TokenHash, rec)
	return nil
}

func (r sessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*session.Session, error) {
	var rec sessionRecord
	var ok bool
	r.t.view(func(s *snapshot) { rec, ok = r.t.sessions.lookup(s.Sessions, tokenHash) })
	if !ok {
		return nil, nil
	}
	return rec.toSession(), nil
}

func (r sessionRepo) DeleteByTokenHash(_ context.Context, tokenHash string) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	r.t.stageDelete(CollectionSessions, tokenHash)
	r.t.sessions.remove(tokenHash)
	return nil
}

func (r sessionRepo) UpdateLastSeen(_ context.Context, sessionID uuid.UUID, at time.Time) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	var found *sessionRecord
	r.t.view(func(s *snapshot) {
		r.t.sessions.each(s.Sessions, func(_ string, rec sessionRecord) {
			if rec.SessionID == sessionID {
				v := rec
				found = &v
			}
		})
	})
	if found == nil {
		return nil
	}
	seen := at.UTC()
	found.LastSeenAt = &seen
	if err := r.t.stage(CollectionSessions, found.TokenHash, *found); err != nil {
		return err
	}
	r.t.sessions.put(found.TokenHash, *found)
	return nil
}

func (r sessionRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	if err := r.t.writable(); err != nil {
		return 0, err
	}
	var expired []string
	r.t.view(func(s *snapshot) {
		r.t.sessions.each(s.Sessions, func(key string, rec sessionRecord) {
			if rec.IsExpired(now) {
				expired = append(expired, key)
			}
		})
	})
	sort.Strings(expired)
	for _, key := range expired {
		r.t.stageDelete(CollectionSessions, key)
		r.t.sessions.remove(key)
	}
	return len(expired), nil
}

type sequenceRepo struct{ t *txn }

func (r sequenceRepo) Current(_ context.Context, namespace string) (int, error) {
	if v, ok := r.t.sequences[namespace]; ok {
		return v, nil
	}
	var v int
	r.t.view(func(s *snapshot) { v = s.Sequences[namespace] })
	return v, nil
}

func (r sequenceRepo) Advance(ctx context.Context, namespace string, seq int) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	cur, _ := r.Current(ctx, namespace)
	if seq <= cur {
		return nil
	}
	if err := r.t.stage(CollectionSequences, namespace, seq); err != nil {
		return err
	}
	r.t.sequences[namespace] = seq
	return nil
}

type auditRepo struct{ t *txn }

func (r auditRepo) Create(_ context.Context, entry *audit.AuditLog) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if entry.AuditID == uuid.Nil {
		entry.AuditID = uuid.New()
	}
	if entry.ID == 0 {
		entry.ID = r.t.nextID()
	}
	if err := r.t.stage(CollectionAudit, entry.AuditID.String(), entry); err != nil {
		return err
	}
	r.t.audit = append(r.t.audit, *entry)
	return nil
}

func (r auditRepo) entries(match func(*audit.AuditLog) bool) []*audit.AuditLog {
	var out []*audit.AuditLog
	add := func(l audit.AuditLog) {
		if match(&l) {
			v := l
			out = append(out, &v)
		}
	}
	r.t.view(func(s *snapshot) {
		for _, l := range s.Audit {
			add(l)
		}
	})
	for _, l := range r.t.audit {
		add(l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r auditRepo) GetByID(_ context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	found := r.entries(func(l *audit.AuditLog) bool { return l.AuditID == auditID })
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func (r auditRepo) Query(_ context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	logs := r.entries(func(l *audit.AuditLog) bool {
		if filter.EntityType != nil && l.EntityType != *filter.EntityType {
			return false
		}
		if filter.EntityID != nil && l.EntityID != *filter.EntityID {
			return false
		}
		if filter.Action != nil && l.Action != *filter.Action {
			return false
		}
		if filter.Actor != nil && l.Actor != *filter.Actor {
			return false
		}
		if filter.RiskLevel != nil && l.RiskLevel != *filter.RiskLevel {
			return false
		}
		if filter.StartTime != nil && l.CreatedAt.Before(*filter.StartTime) {
			return false
		}
		if filter.EndTime != nil && l.CreatedAt.After(*filter.EndTime) {
			return false
		}
		for _, tag := range filter.Tags {
			if !l.HasTag(tag) {
				return false
			}
		}
		if cursor != nil {
			if l.CreatedAt.After(cursor.CreatedAt) {
				return false
			}
			if l.CreatedAt.Equal(cursor.CreatedAt) && l.ID >= cursor.ID {
				return false
			}
		}
		return true
	})
	if len(logs) > limit {
		logs = logs[:limit]
	}
	var next *audit.Cursor
	if len(logs) == limit {
		last := logs[len(logs)-1]
		next = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return logs, next, nil
}

func (r auditRepo) GetByEntityID(_ context.Context, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	return r.entries(func(l *audit.AuditLog) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}
