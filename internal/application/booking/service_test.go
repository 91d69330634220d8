package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	domain "github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed/mocks"
	"github.com/facility-hub/facility-hub/internal/domain/conflict"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/domain/user"
	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
)

// Tuesday; the following Monday is 2026-01-12 and its weekly cutoff is Thursday 2026-01-08 17:00.
var now = time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)

var nextMonday = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)

type fixture struct {
	st    *memory.Store
	svc   *Service
	alice *user.User
	admin *user.User
}

func (f *fixture) actor(u *user.User) user.Actor {
	return user.ActorFor(u)
}

func (f *fixture) user(t *testing.T, id uuid.UUID) *user.User {
	t.Helper()
	var u *user.User
	require.NoError(t, f.st.Read(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		var err error
		u, err = repos.Users().GetByID(ctx, id)
		return err
	}))
	require.NotNil(t, u)
	return u
}

func (f *fixture) history(t *testing.T, bookingID uuid.UUID) []*audit.AuditLog {
	t.Helper()
	var logs []*audit.AuditLog
	require.NoError(t, f.st.Read(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		var err error
		logs, err = repos.Audit().GetByEntityID(ctx, audit.EntityTypeBooking, bookingID.String())
		return err
	}))
	return logs
}

func newFixture(t *testing.T, feed changefeed.Publisher, rule *ApprovalRule) *fixture {
	t.Helper()
	st := memory.New()
	alice := &user.User{UserID: uuid.New(), Username: "alice", Role: user.RoleRequester, TokensGiven: 10, TokensRemaining: 10, CreatedAt: now}
	admin := &user.User{UserID: uuid.New(), Username: "admin", Role: user.RoleFacilityAdmin, TokensGiven: 100, TokensRemaining: 100, CreatedAt: now}
	err := st.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		if err := repos.Categories().Create(ctx, &category.Category{ID: "C01", Name: "3D printers", TokenCost: 2, CreatedAt: now}); err != nil {
			return err
		}
		for _, m := range []*machine.Machine{
			{ID: "C01M01", CategoryID: "C01", Name: "Prusa", Status: machine.StatusAvailable, CreatedAt: now},
			{ID: "C01M02", CategoryID: "C01", Name: "Ultimaker", Status: machine.StatusMaintenance, CreatedAt: now},
		} {
			if err := repos.Machines().Create(ctx, m); err != nil {
				return err
			}
		}
		if err := repos.Users().Create(ctx, alice); err != nil {
			return err
		}
		return repos.Users().Create(ctx, admin)
	})
	require.NoError(t, err)

	logger := zerolog.Nop()
	svc := NewService(
		st,
		conflict.NewDetector(conflict.DefaultPolicy()),
		appAudit.NewService(st, logger, []byte("secret")),
		feed,
		nil,
		nil,
		Config{Slot: time.Hour, ApprovalRule: rule, Now: func() time.Time { return now }},
		logger,
	)
	return &fixture{st: st, svc: svc, alice: alice, admin: admin}
}

func weekly(machineID string, startHour, hours int) CreateInput {
	start := nextMonday.Add(time.Duration(startHour) * time.Hour)
	return CreateInput{
		MachineID: machineID,
		Mode:      domain.ModeWeeklyPlanning,
		Interval:  domain.Interval{Start: start, End: start.Add(time.Duration(hours) * time.Hour)},
	}
}

func TestScenarioBCreateReservesTokens(t *testing.T) {
	f := newFixture(t, nil, nil)

	b, err := f.svc.Create(context.Background(), f.actor(f.alice), weekly("C01M01", 9, 2))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, b.Status)
	assert.Equal(t, int64(4), b.Cost)
	assert.Equal(t, int64(2), b.RatePerSlot)

	u := f.user(t, f.alice.UserID)
	assert.Equal(t, int64(4), u.TokensConsumed)
	assert.Equal(t, int64(6), u.TokensRemaining)

	logs := f.history(t, b.BookingID)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.ActionCreate, logs[0].Action)
	assert.NotEmpty(t, logs[0].Signature)
}

func TestScenarioCOverlapLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, nil, nil)
	first, err := f.svc.Create(context.Background(), f.actor(f.alice), weekly("C01M01", 9, 2))
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), f.actor(f.alice), weekly("C01M01", 10, 2))
	require.ErrorIs(t, err, apperror.ErrSlotConflict)
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	require.NotNil(t, appErr.Conflict)
	assert.Equal(t, first.BookingID, appErr.Conflict.BookingID)
	assert.True(t, first.Interval.Start.Equal(appErr.Conflict.Start))

	assert.Equal(t, int64(6), f.user(t, f.alice.UserID).TokensRemaining)

	// touching intervals are fine
	_, err = f.svc.Create(context.Background(), f.actor(f.alice), weekly("C01M01", 11, 1))
	require.NoError(t, err)
}

func TestScenarioDRejectRefunds(t *testing.T) {
	f := newFixture(t, nil, nil)
	b, err := f.svc.Create(context.Background(), f.actor(f.alice), weekly("C01M01", 9, 2))
	require.NoError(t, err)

	rejected, err := f.svc.Reject(context.Background(), f.actor(f.admin), b.BookingID, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.Reason)
	assert.Equal(t, "maintenance window", *rejected.Reason)

	u := f.user(t, f.alice.UserID)
	assert.Equal(t, int64(0), u.TokensConsumed)
	assert.Equal(t, int64(10), u.TokensRemaining)

	rejects := 0
	for _, l := range f.history(t, b.BookingID) {
		if l.Action == audit.ActionReject {
			rejects++
			assert.Equal(t, "maintenance window", l.Reason)
		}
	}
	assert.Equal(t, 1, rejects)
}

func TestScenarioEMissingJustification(t *testing.T) {
	f := newFixture(t, nil, nil)
	start := now.Add(2 * time.Hour)
	_, err := f.svc.Create(context.Background(), f.actor(f.alice), CreateInput{
		MachineID:     "C01M01",
		Mode:          domain.ModeSameWeekExceptional,
		Interval:      domain.Interval{Start: start, End: start.Add(time.Hour)},
		Justification: "   ",
	})
	require.ErrorIs(t, err, apperror.ErrLeadTimeViolation)
	u := f.user(t, f.alice.UserID)
	assert.Equal(t, int64(0), u.TokensConsumed)
	assert.Equal(t, int64(10), u.TokensRemaining)

	b, err := f.svc.Create(context.Background(), f.actor(f.alice), CreateInput{
		MachineID:     "C01M01",
		Mode:          domain.ModeSameWeekExceptional,
		Interval:      domain.Interval{Start: start, End: start.Add(time.Hour)},
		Justification: "thesis deadline",
	})
	require.NoError(t, err)
	assert.Equal(t, "thesis deadline", b.Justification)
}

func TestCreateFailures(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M02", 9, 1))
	assert.ErrorIs(t, err, apperror.ErrMachineUnavailable)

	_, err = f.svc.Create(ctx, f.actor(f.alice), weekly("C09M01", 9, 1))
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 0, 6))
	assert.ErrorIs(t, err, apperror.ErrInsufficientTokens)

	_, err = f.svc.Create(ctx, user.SystemActor(), weekly("C01M01", 9, 1))
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	in := weekly("C01M01", 9, 1)
	in.Interval.End = in.Interval.Start
	_, err = f.svc.Create(ctx, f.actor(f.alice), in)
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)

	in = weekly("C01M01", 9, 1)
	in.Mode = "someday"
	_, err = f.svc.Create(ctx, f.actor(f.alice), in)
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)

	assert.Equal(t, int64(10), f.user(t, f.alice.UserID).TokensRemaining)
}

func TestCreateRejectsCostBeyondTokenRange(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		if err := repos.Categories().Create(ctx, &category.Category{ID: "C02", Name: "Lasers", TokenCost: 1 << 62, CreatedAt: now}); err != nil {
			return err
		}
		return repos.Machines().Create(ctx, &machine.Machine{ID: "C02M01", CategoryID: "C02", Name: "Epilog", Status: machine.StatusAvailable, CreatedAt: now})
	}))

	for _, hours := range []int{4, 3} {
		_, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C02M01", 9, hours))
		assert.ErrorIs(t, err, apperror.ErrInsufficientTokens)
		assert.NotErrorIs(t, err, apperror.ErrLedgerInvariant)
	}

	alice := f.user(t, f.alice.UserID)
	assert.Equal(t, int64(10), alice.TokensRemaining)
	assert.Equal(t, int64(0), alice.TokensConsumed)

	var anomalies []*audit.AuditLog
	require.NoError(t, f.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		anomalies, err = repos.Audit().GetByEntityID(ctx, audit.EntityTypeLedger, f.alice.UserID.String())
		return err
	}))
	assert.Empty(t, anomalies)
}

func TestCreateIsIdempotentPerRequestID(t *testing.T) {
	f := newFixture(t, nil, nil)
	in := weekly("C01M01", 9, 2)
	token := "req-1"
	in.RequestID = &token

	first, err := f.svc.Create(context.Background(), f.actor(f.alice), in)
	require.NoError(t, err)
	again, err := f.svc.Create(context.Background(), f.actor(f.alice), in)
	require.NoError(t, err)
	assert.Equal(t, first.BookingID, again.BookingID)
	assert.Equal(t, int64(6), f.user(t, f.alice.UserID).TokensRemaining)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	b, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 9, 2))
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, f.actor(f.alice), b.BookingID)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	approved, err := f.svc.Approve(ctx, f.actor(f.admin), b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "admin", *approved.DecidedBy)
	assert.Equal(t, int64(6), f.user(t, f.alice.UserID).TokensRemaining)

	_, err = f.svc.Reject(ctx, f.actor(f.admin), b.BookingID, "late")
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	_, err = f.svc.Complete(ctx, user.SystemActor(), b.BookingID)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition, "interval has not ended")

	cancelled, err := f.svc.Cancel(ctx, f.actor(f.alice), b.BookingID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(10), f.user(t, f.alice.UserID).TokensRemaining)

	_, err = f.svc.Cancel(ctx, f.actor(f.alice), b.BookingID, "")
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	_, err = f.svc.Approve(ctx, f.actor(f.admin), uuid.New())
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestCancelRequiresOwnerOrAdmin(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	b, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 9, 1))
	require.NoError(t, err)

	stranger := user.Actor{UserID: uuid.New(), Username: "bob", Role: user.RoleRequester}
	_, err = f.svc.Cancel(ctx, stranger, b.BookingID, "")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	_, err = f.svc.Cancel(ctx, f.actor(f.admin), b.BookingID, "room closed")
	require.NoError(t, err)
}

func TestRefundUsesRateCapturedAtCreation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	b, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 9, 2))
	require.NoError(t, err)

	require.NoError(t, f.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		c, err := repos.Categories().GetByID(ctx, "C01")
		if err != nil {
			return err
		}
		c.TokenCost = 5
		return repos.Categories().Update(ctx, c)
	}))

	_, err = f.svc.Cancel(ctx, f.actor(f.alice), b.BookingID, "")
	require.NoError(t, err)
	u := f.user(t, f.alice.UserID)
	assert.Equal(t, int64(0), u.TokensConsumed)
	assert.Equal(t, int64(10), u.TokensRemaining)
}

func TestCompleteElapsed(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	b, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 9, 1))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, f.actor(f.admin), b.BookingID)
	require.NoError(t, err)

	later := nextMonday.Add(12 * time.Hour)
	f.svc.now = func() time.Time { return later }

	n, err := f.svc.CompleteElapsed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(2), f.user(t, f.alice.UserID).TokensConsumed)

	n, err = f.svc.CompleteElapsed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	first, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 9, 2))
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 14, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.user(t, f.alice.UserID).TokensRemaining)

	moved, err := f.svc.Reschedule(ctx, f.actor(f.alice), first.BookingID, weekly("", 10, 1).Interval)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Cost)
	assert.Equal(t, int64(6), f.user(t, f.alice.UserID).TokensRemaining)

	_, err = f.svc.Reschedule(ctx, f.actor(f.alice), first.BookingID, weekly("", 14, 1).Interval)
	assert.ErrorIs(t, err, apperror.ErrSlotConflict)

	_, err = f.svc.Reschedule(ctx, f.actor(f.alice), first.BookingID, weekly("", 16, 8).Interval)
	assert.ErrorIs(t, err, apperror.ErrInsufficientTokens)
	assert.Equal(t, int64(6), f.user(t, f.alice.UserID).TokensRemaining)

	_, err = f.svc.Approve(ctx, f.actor(f.admin), second.BookingID)
	require.NoError(t, err)
	_, err = f.svc.Reschedule(ctx, f.actor(f.alice), second.BookingID, weekly("", 18, 1).Interval)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	actions := map[audit.Action]int{}
	for _, l := range f.history(t, first.BookingID) {
		actions[l.Action]++
	}
	assert.Equal(t, 1, actions[audit.ActionReschedule])
}

func TestAutoApprovalRule(t *testing.T) {
	rule, err := NewApprovalRule("role == 'facility-admin' || hours <= 1")
	require.NoError(t, err)
	f := newFixture(t, nil, rule)
	ctx := context.Background()

	short, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 9, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, short.Status)

	long, err := f.svc.Create(ctx, f.actor(f.alice), weekly("C01M01", 10, 2))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, long.Status)

	start := nextMonday.AddDate(0, 0, 14)
	monthly, err := f.svc.Create(ctx, f.actor(f.admin), CreateInput{
		MachineID: "C01M01",
		Mode:      domain.ModeMonthlyProvisional,
		Interval:  domain.Interval{Start: start, End: start.Add(time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, monthly.Status)
}

func TestLedgerAnomalyIsAuditedSeparately(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	// A booking whose cost was never reserved: releasing it would drive consumed negative.
	orphan := &domain.Booking{
		BookingID:  uuid.New(),
		OwnerID:    f.alice.UserID,
		MachineID:  "C01M01",
		CategoryID: "C01",
		Mode:       domain.ModeWeeklyPlanning,
		Interval:   weekly("", 9, 2).Interval,
		Status:     domain.StatusPending,
		Cost:       4,
		CreatedAt:  now,
	}
	require.NoError(t, f.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, orphan)
	}))

	_, err := f.svc.Reject(ctx, f.actor(f.admin), orphan.BookingID, "")
	require.ErrorIs(t, err, apperror.ErrLedgerInvariant)

	got, err := f.svc.Get(ctx, orphan.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	var logs []*audit.AuditLog
	require.NoError(t, f.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		logs, err = repos.Audit().GetByEntityID(ctx, audit.EntityTypeLedger, f.alice.UserID.String())
		return err
	}))
	require.Len(t, logs, 1)
	assert.Equal(t, audit.ActionAnomaly, logs[0].Action)
	assert.Equal(t, audit.RiskLevelCritical, logs[0].RiskLevel)
	assert.True(t, logs[0].HasTag(audit.TagAnomaly))
}

func TestConcurrentCreatesOnOneSlot(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	requesters := make([]*user.User, 10)
	require.NoError(t, f.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		for i := range requesters {
			u := &user.User{UserID: uuid.New(), Username: "req" + string(rune('a'+i)), Role: user.RoleRequester, TokensGiven: 10, TokensRemaining: 10, CreatedAt: now}
			if err := repos.Users().Create(ctx, u); err != nil {
				return err
			}
			requesters[i] = u
		}
		return nil
	}))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []uuid.UUID
		conflicts int
	)
	for _, u := range requesters {
		wg.Add(1)
		go func(u *user.User) {
			defer wg.Done()
			_, err := f.svc.Create(ctx, user.ActorFor(u), weekly("C01M01", 9, 2))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded = append(succeeded, u.UserID)
			case apperror.KindOf(err) == apperror.KindSlotConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u)
	}
	wg.Wait()

	require.Len(t, succeeded, 1)
	assert.Equal(t, len(requesters)-1, conflicts)
	for _, u := range requesters {
		got := f.user(t, u.UserID)
		if u.UserID == succeeded[0] {
			assert.Equal(t, int64(6), got.TokensRemaining)
		} else {
			assert.Equal(t, int64(10), got.TokensRemaining)
		}
	}
}

func TestCommittedChangesArePublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mocks.NewMockPublisher(ctrl)
	feed.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev changefeed.Event) error {
		assert.NotEmpty(t, ev.Collection)
		return nil
	}).Times(3)

	f := newFixture(t, feed, nil)
	_, err := f.svc.Create(context.Background(), f.actor(f.alice), weekly("C01M01", 9, 2))
	require.NoError(t, err)

	// refused operations publish nothing
	_, err = f.svc.Create(context.Background(), f.actor(f.alice), weekly("C01M01", 9, 2))
	require.Error(t, err)
}

func TestApprovalRuleRejectsGarbage(t *testing.T) {
	_, err := NewApprovalRule("role ==")
	assert.Error(t, err)

	rule, err := NewApprovalRule("")
	require.NoError(t, err)
	assert.Nil(t, rule)
}
