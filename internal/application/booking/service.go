package booking

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	domain "github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/domain/conflict"
	"github.com/facility-hub/facility-hub/internal/domain/ledger"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/domain/user"
	"github.com/facility-hub/facility-hub/internal/infrastructure/keylock"
	"github.com/facility-hub/facility-hub/internal/infrastructure/metrics"
)

// Config tunes the lifecycle manager.
type Config struct {
	// Slot is the billing granularity. Defaults to one hour.
	Slot         time.Duration
	ApprovalRule *ApprovalRule
	Now          func() time.Time
}

// Service is the only writer of bookings. Every operation runs as one unit of
// work: the conflict check, the ledger change, the booking write and its audit
// entry commit together or not at all.
type Service struct {
	st       store.Store
	detector *conflict.Detector
	auditSvc *appAudit.Service
	feed     changefeed.Publisher
	locks    *keylock.Locker
	metrics  *metrics.Metrics
	slot     time.Duration
	rule     *ApprovalRule
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a booking service.
func NewService(
	st store.Store,
	detector *conflict.Detector,
	auditSvc *appAudit.Service,
	feed changefeed.Publisher,
	locks *keylock.Locker,
	m *metrics.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	if cfg.Slot <= 0 {
		cfg.Slot = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if feed == nil {
		feed = changefeed.Nop{}
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Service{
		st:       st,
		detector: detector,
		auditSvc: auditSvc,
		feed:     feed,
		locks:    locks,
		metrics:  m,
		slot:     cfg.Slot,
		rule:     cfg.ApprovalRule,
		now:      cfg.Now,
		logger:   logger.With().Str("service", "booking").Logger(),
	}
}

// CreateInput defines booking creation input.
type CreateInput struct {
	MachineID     string
	Mode          domain.Mode
	Interval      domain.Interval
	Justification string
	// RequestID makes a retried create return the booking of the first attempt.
	RequestID *string
}

func machineKey(id string) string    { return "machine:" + id }
func userKey(id uuid.UUID) string    { return "user:" + id.String() }
func bookingKey(id uuid.UUID) string { return "booking:" + id.String() }

func normalize(i domain.Interval) domain.Interval {
	return domain.Interval{Start: i.Start.UTC(), End: i.End.UTC()}
}

func requirePerson(actor user.Actor) error {
	if actor.UserID == uuid.Nil || user.ValidateRole(actor.Role) != nil {
		return apperror.New(apperror.KindUnauthorized, "bookings are made by a signed-in user")
	}
	return nil
}

func requireAdmin(actor user.Actor) error {
	if !actor.IsAdmin() {
		return apperror.New(apperror.KindUnauthorized, "%s may not decide on bookings", actor.Role)
	}
	return nil
}

func requireOwnerOrAdmin(actor user.Actor, b *domain.Booking) error {
	if actor.IsAdmin() || (actor.UserID != uuid.Nil && actor.UserID == b.OwnerID) {
		return nil
	}
	return apperror.New(apperror.KindUnauthorized, "only the owner or an administrator may change booking %s", b.BookingID)
}

func requireAdminOrSystem(actor user.Actor) error {
	if actor.IsAdmin() || actor.IsSystem() {
		return nil
	}
	return apperror.New(apperror.KindUnauthorized, "%s may not complete bookings", actor.Role)
}

// Create reserves a slot and its tokens for the acting user.
func (s *Service) Create(ctx context.Context, actor user.Actor, input CreateInput) (*domain.Booking, error) {
	b, created, err := s.create(ctx, actor, input)
	s.metrics.BookingOp("create", err)
	if err != nil {
		s.fail(ctx, "create", actor, actor.UserID, err)
		return nil, err
	}
	if !created {
		s.logger.Debug().Str("bookingId", b.BookingID.String()).Msg("create replayed by request id")
		return b, nil
	}
	s.metrics.Tokens("reserved", b.Cost)
	s.logger.Info().
		Str("bookingId", b.BookingID.String()).
		Str("machineId", b.MachineID).
		Str("status", string(b.Status)).
		Int64("cost", b.Cost).
		Msg("booking created")
	s.publish(ctx, b, changefeed.ChangeInsert, true)
	return b, nil
}

func (s *Service) create(ctx context.Context, actor user.Actor, input CreateInput) (*domain.Booking, bool, error) {
	if err := requirePerson(actor); err != nil {
		return nil, false, err
	}
	if err := domain.ValidateMode(input.Mode); err != nil {
		return nil, false, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid mode")
	}
	interval := normalize(input.Interval)
	if err := interval.Validate(); err != nil {
		return nil, false, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid interval")
	}
	var requestID *string
	if input.RequestID != nil {
		if v := strings.TrimSpace(*input.RequestID); v != "" {
			requestID = &v
		}
	}

	unlock, err := s.locks.LockAll(ctx, machineKey(input.MachineID), userKey(actor.UserID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		result  *domain.Booking
		created bool
	)
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		now := s.now()
		if requestID != nil {
			prior, err := repos.Bookings().GetByRequestID(ctx, actor.UserID, *requestID)
			if err != nil {
				return err
			}
			if prior != nil {
				result = prior
				return nil
			}
		}

		m, err := repos.Machines().GetForUpdate(ctx, input.MachineID)
		if err != nil {
			return err
		}
		if m == nil {
			return apperror.New(apperror.KindNotFound, "machine %s not found", input.MachineID)
		}
		existing, err := repos.Bookings().ListActiveForMachine(ctx, m.ID)
		if err != nil {
			return err
		}
		if err := s.detector.Check(conflict.Request{
			Machine:       m,
			Interval:      interval,
			Mode:          input.Mode,
			Justification: input.Justification,
			Existing:      existing,
			Now:           now,
		}); err != nil {
			return err
		}

		cat, err := repos.Categories().GetByID(ctx, m.CategoryID)
		if err != nil {
			return err
		}
		if cat == nil {
			return apperror.New(apperror.KindNotFound, "category %s not found", m.CategoryID)
		}
		owner, err := repos.Users().GetForUpdate(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if owner == nil {
			return apperror.New(apperror.KindNotFound, "user %s not found", actor.UserID)
		}

		b := &domain.Booking{
			BookingID:     uuid.New(),
			OwnerID:       owner.UserID,
			MachineID:     m.ID,
			CategoryID:    cat.ID,
			Mode:          input.Mode,
			Interval:      interval,
			Status:        domain.StatusPending,
			RatePerSlot:   cat.TokenCost,
			Justification: domain.NormalizeJustification(input.Justification),
			RequestID:     requestID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if b.Cost, err = domain.Cost(cat.TokenCost, interval, s.slot); err != nil {
			return err
		}
		if err := ledger.Reserve(owner, b.Cost); err != nil {
			return err
		}
		owner.UpdatedAt = now

		entry := &audit.AuditEntry{
			EntityType: audit.EntityTypeBooking,
			EntityID:   b.BookingID.String(),
			Action:     audit.ActionCreate,
			Actor:      actor.Username,
			ActorRole:  string(actor.Role),
			At:         now,
		}
		approve, err := s.rule.Approves(b, string(actor.Role), owner.TokensRemaining)
		if err != nil {
			s.logger.Warn().Err(err).Str("rule", s.rule.String()).Msg("approval rule failed, booking stays pending")
			approve = false
		}
		if approve {
			decidedBy := "rule"
			b.Status = domain.StatusApproved
			b.DecidedBy = &decidedBy
			b.DecidedAt = &now
			entry.Reason = "auto-approved: " + s.rule.String()
		}
		entry.NewValues = b

		if err := repos.Users().Update(ctx, owner); err != nil {
			return err
		}
		if err := repos.Bookings().Create(ctx, b); err != nil {
			return err
		}
		if _, err := s.auditSvc.Record(ctx, repos.Audit(), entry); err != nil {
			return err
		}
		result = b
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// transition describes one status change.
type transition struct {
	op        string
	to        domain.Status
	action    audit.Action
	reason    string
	release   bool
	decision  bool
	authorize func(actor user.Actor, b *domain.Booking) error
	// check runs after the status change has been validated.
	check func(b *domain.Booking, now time.Time) error
}

// Approve confirms a pending booking. Tokens stay reserved.
func (s *Service) Approve(ctx context.Context, actor user.Actor, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.transition(ctx, actor, bookingID, transition{
		op:       "approve",
		to:       domain.StatusApproved,
		action:   audit.ActionApprove,
		decision: true,
		authorize: func(actor user.Actor, _ *domain.Booking) error {
			return requireAdmin(actor)
		},
	})
}

// Reject declines a pending booking and refunds its cost.
func (s *Service) Reject(ctx context.Context, actor user.Actor, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	return s.transition(ctx, actor, bookingID, transition{
		op:       "reject",
		to:       domain.StatusRejected,
		action:   audit.ActionReject,
		reason:   strings.TrimSpace(reason),
		release:  true,
		decision: true,
		authorize: func(actor user.Actor, _ *domain.Booking) error {
			return requireAdmin(actor)
		},
	})
}

// Cancel withdraws a pending or approved booking and refunds its cost.
func (s *Service) Cancel(ctx context.Context, actor user.Actor, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	return s.transition(ctx, actor, bookingID, transition{
		op:        "cancel",
		to:        domain.StatusCancelled,
		action:    audit.ActionCancel,
		reason:    strings.TrimSpace(reason),
		release:   true,
		authorize: requireOwnerOrAdmin,
	})
}

// Complete closes an approved booking whose interval has ended.
func (s *Service) Complete(ctx context.Context, actor user.Actor, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.transition(ctx, actor, bookingID, transition{
		op:     "complete",
		to:     domain.StatusCompleted,
		action: audit.ActionComplete,
		authorize: func(actor user.Actor, _ *domain.Booking) error {
			return requireAdminOrSystem(actor)
		},
		check: func(b *domain.Booking, now time.Time) error {
			if now.Before(b.Interval.End) {
				return apperror.New(apperror.KindInvalidTransition, "booking %s has not ended yet", b.BookingID)
			}
			return nil
		},
	})
}

func (s *Service) transition(ctx context.Context, actor user.Actor, bookingID uuid.UUID, tr transition) (*domain.Booking, error) {
	var ownerID uuid.UUID
	b, err := s.applyTransition(ctx, actor, bookingID, tr, &ownerID)
	s.metrics.BookingOp(tr.op, err)
	if err != nil {
		s.fail(ctx, tr.op, actor, ownerID, err)
		return nil, err
	}
	if tr.release {
		s.metrics.Tokens("released", b.Cost)
	}
	s.logger.Info().
		Str("bookingId", b.BookingID.String()).
		Str("status", string(b.Status)).
		Str("actor", actor.Username).
		Msg("booking " + tr.op)
	s.publish(ctx, b, changefeed.ChangeUpdate, tr.release)
	return b, nil
}

func (s *Service) applyTransition(ctx context.Context, actor user.Actor, bookingID uuid.UUID, tr transition, ownerID *uuid.UUID) (*domain.Booking, error) {
	unlock, err := s.locks.Lock(ctx, bookingKey(bookingID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *domain.Booking
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		now := s.now()
		b, err := repos.Bookings().GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if b == nil {
			return apperror.New(apperror.KindNotFound, "booking %s not found", bookingID)
		}
		*ownerID = b.OwnerID
		if err := tr.authorize(actor, b); err != nil {
			return err
		}
		before := b.Clone()
		if err := b.TransitionTo(tr.to, now); err != nil {
			return err
		}
		if tr.check != nil {
			if err := tr.check(b, now); err != nil {
				return err
			}
		}
		if tr.decision {
			decidedBy := actor.Username
			b.DecidedBy = &decidedBy
			b.DecidedAt = &now
		}
		if tr.reason != "" {
			reason := tr.reason
			b.Reason = &reason
		}

		if tr.release {
			owner, err := repos.Users().GetForUpdate(ctx, b.OwnerID)
			if err != nil {
				return err
			}
			if owner == nil {
				return apperror.New(apperror.KindLedgerInvariant, "owner %s of booking %s is missing", b.OwnerID, b.BookingID)
			}
			if err := ledger.Release(owner, b.Cost); err != nil {
				return err
			}
			owner.UpdatedAt = now
			if err := repos.Users().Update(ctx, owner); err != nil {
				return err
			}
		}

		if err := repos.Bookings().Update(ctx, b); err != nil {
			return err
		}
		if _, err := s.auditSvc.Record(ctx, repos.Audit(), &audit.AuditEntry{
			EntityType: audit.EntityTypeBooking,
			EntityID:   b.BookingID.String(),
			Action:     tr.action,
			Actor:      actor.Username,
			ActorRole:  string(actor.Role),
			OldValues:  map[string]interface{}{"status": before.Status},
			NewValues:  b,
			Reason:     tr.reason,
			At:         now,
		}); err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reschedule moves a pending booking to a new interval on the same machine.
// The cost is recomputed at the rate captured when the booking was created and
// only the difference is reserved or released.
func (s *Service) Reschedule(ctx context.Context, actor user.Actor, bookingID uuid.UUID, interval domain.Interval) (*domain.Booking, error) {
	var ownerID uuid.UUID
	b, delta, err := s.reschedule(ctx, actor, bookingID, normalize(interval), &ownerID)
	s.metrics.BookingOp("reschedule", err)
	if err != nil {
		s.fail(ctx, "reschedule", actor, ownerID, err)
		return nil, err
	}
	if delta > 0 {
		s.metrics.Tokens("reserved", delta)
	} else {
		s.metrics.Tokens("released", -delta)
	}
	s.logger.Info().
		Str("bookingId", b.BookingID.String()).
		Str("interval", b.Interval.String()).
		Int64("delta", delta).
		Msg("booking rescheduled")
	s.publish(ctx, b, changefeed.ChangeUpdate, delta != 0)
	return b, nil
}

func (s *Service) reschedule(ctx context.Context, actor user.Actor, bookingID uuid.UUID, interval domain.Interval, ownerID *uuid.UUID) (*domain.Booking, int64, error) {
	if err := interval.Validate(); err != nil {
		return nil, 0, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid interval")
	}
	current, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, 0, err
	}
	*ownerID = current.OwnerID

	unlock, err := s.locks.LockAll(ctx, bookingKey(bookingID), machineKey(current.MachineID), userKey(current.OwnerID))
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	var (
		result *domain.Booking
		delta  int64
	)
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		now := s.now()
		b, err := repos.Bookings().GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if b == nil {
			return apperror.New(apperror.KindNotFound, "booking %s not found", bookingID)
		}
		if err := requireOwnerOrAdmin(actor, b); err != nil {
			return err
		}
		if b.Status != domain.StatusPending {
			return apperror.New(apperror.KindInvalidTransition, "booking %s is %s; only pending bookings can be rescheduled", b.BookingID, b.Status)
		}
		m, err := repos.Machines().GetForUpdate(ctx, b.MachineID)
		if err != nil {
			return err
		}
		existing, err := repos.Bookings().ListActiveForMachine(ctx, b.MachineID)
		if err != nil {
			return err
		}
		if err := s.detector.Check(conflict.Request{
			Machine:       m,
			Interval:      interval,
			Mode:          b.Mode,
			Justification: b.Justification,
			Existing:      existing,
			Exclude:       b.BookingID,
			Now:           now,
		}); err != nil {
			return err
		}

		newCost, err := domain.Cost(b.RatePerSlot, interval, s.slot)
		if err != nil {
			return err
		}
		delta = newCost - b.Cost
		if delta != 0 {
			owner, err := repos.Users().GetForUpdate(ctx, b.OwnerID)
			if err != nil {
				return err
			}
			if owner == nil {
				return apperror.New(apperror.KindLedgerInvariant, "owner %s of booking %s is missing", b.OwnerID, b.BookingID)
			}
			if delta > 0 {
				err = ledger.Reserve(owner, delta)
			} else {
				err = ledger.Release(owner, -delta)
			}
			if err != nil {
				return err
			}
			owner.UpdatedAt = now
			if err := repos.Users().Update(ctx, owner); err != nil {
				return err
			}
		}

		before := b.Clone()
		b.Interval = interval
		b.Cost = newCost
		b.UpdatedAt = now
		if err := repos.Bookings().Update(ctx, b); err != nil {
			return err
		}
		if _, err := s.auditSvc.Record(ctx, repos.Audit(), &audit.AuditEntry{
			EntityType: audit.EntityTypeBooking,
			EntityID:   b.BookingID.String(),
			Action:     audit.ActionReschedule,
			Actor:      actor.Username,
			ActorRole:  string(actor.Role),
			OldValues:  map[string]interface{}{"interval": before.Interval, "cost": before.Cost},
			NewValues:  b,
			At:         now,
		}); err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result, delta, nil
}

// Get returns one booking.
func (s *Service) Get(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	var b *domain.Booking
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		b, err = repos.Bookings().GetByID(ctx, bookingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, apperror.New(apperror.KindNotFound, "booking %s not found", bookingID)
	}
	return b, nil
}

// List returns bookings ordered by start time.
func (s *Service) List(ctx context.Context, filter domain.Filter, limit, offset int) ([]*domain.Booking, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var out []*domain.Booking
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		out, err = repos.Bookings().List(ctx, filter, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*domain.Booking{}
	}
	return out, nil
}

// CompleteElapsed completes approved bookings that ended by now, as the
// system actor. It returns how many were completed.
func (s *Service) CompleteElapsed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var due []*domain.Booking
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		due, err = repos.Bookings().ListElapsed(ctx, domain.StatusApproved, s.now(), limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	done := 0
	var firstErr error
	for _, b := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Complete(ctx, user.SystemActor(), b.BookingID); err != nil {
			switch apperror.KindOf(err) {
			case apperror.KindInvalidTransition, apperror.KindNotFound:
				// moved on since the listing
			default:
				if firstErr == nil {
					firstErr = err
				}
			}
			continue
		}
		done++
	}
	s.metrics.Swept(done)
	return done, firstErr
}

// fail logs err at the level its kind deserves and records ledger anomalies.
func (s *Service) fail(ctx context.Context, op string, actor user.Actor, ownerID uuid.UUID, err error) {
	kind := apperror.KindOf(err)
	switch kind {
	case apperror.KindLedgerInvariant:
		s.auditSvc.RecordAnomaly(ctx, actor, ownerID, err)
		return
	case apperror.KindTransient:
		s.logger.Warn().Err(err).Str("op", op).Msg("booking operation failed transiently")
	case apperror.KindInternal:
		s.logger.Error().Err(err).Str("op", op).Msg("booking operation failed")
	default:
		s.logger.Debug().Err(err).Str("op", op).Str("kind", string(kind)).Msg("booking operation refused")
	}
}

// publish announces a committed change. Feed errors never fail the operation.
func (s *Service) publish(ctx context.Context, b *domain.Booking, change changefeed.ChangeType, ledgerTouched bool) {
	ctx = context.WithoutCancel(ctx)
	at := s.now()
	events := []changefeed.Event{
		{Collection: changefeed.CollectionBookings, ChangeType: change, EntityID: b.BookingID.String(), At: at},
		{Collection: changefeed.CollectionAudit, ChangeType: changefeed.ChangeInsert, At: at},
	}
	if ledgerTouched {
		events = append(events, changefeed.Event{Collection: changefeed.CollectionUsers, ChangeType: changefeed.ChangeUpdate, EntityID: b.OwnerID.String(), At: at})
	}
	for _, ev := range events {
		if err := s.feed.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("collection", string(ev.Collection)).Msg("failed to publish change event")
		}
	}
}
