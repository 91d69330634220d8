package synchronizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed/mocks"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
	"github.com/facility-hub/facility-hub/internal/infrastructure/metrics"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Load(ctx context.Context) (*Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	snap := *args.Get(0).(*Snapshot)
	return &snap, args.Error(1)
}

type blockingSource struct {
	gate chan struct{}
}

func (b *blockingSource) Load(ctx context.Context) (*Snapshot, error) {
	<-b.gate
	return &Snapshot{}, nil
}

func snapshotWith(machines ...string) *Snapshot {
	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for _, id := range machines {
		snap.Machines = append(snap.Machines, &machine.Machine{ID: id, CategoryID: "C01", Status: machine.StatusAvailable})
	}
	return snap
}

func newService(t *testing.T, source Source, feed changefeed.Subscriber, size int) *Service {
	t.Helper()
	svc, err := NewService(source, feed, size, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func TestRefreshInstallsSnapshot(t *testing.T) {
	source := &mockSource{}
	source.On("Load", mock.Anything).Return(snapshotWith("C01M01"), nil)
	svc := newService(t, source, nil, 0)

	_, ok := svc.Snapshot("c1")
	assert.False(t, ok)

	snap, err := svc.Refresh(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, snap.Machines, 1)
	assert.Equal(t, uint64(1), snap.Version)

	got, ok := svc.Snapshot("c1")
	require.True(t, ok)
	assert.Same(t, snap, got)

	again, err := svc.Refresh(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again.Version)
	assert.Equal(t, snap.Machines[0].ID, again.Machines[0].ID)
	source.AssertNumberOfCalls(t, "Load", 2)

	_, err = svc.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

func TestRefreshFailureKeepsPreviousView(t *testing.T) {
	source := &mockSource{}
	source.On("Load", mock.Anything).Return(snapshotWith("C01M01"), nil).Once()
	source.On("Load", mock.Anything).Return(nil, apperror.New(apperror.KindTransient, "store unavailable")).Once()
	svc := newService(t, source, nil, 0)

	first, err := svc.Refresh(context.Background(), "c1")
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), "c1")
	assert.ErrorIs(t, err, apperror.ErrTransient)

	got, ok := svc.Snapshot("c1")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRefreshInterruptedByContext(t *testing.T) {
	source := &blockingSource{gate: make(chan struct{})}
	defer close(source.gate)
	svc := newService(t, source, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Refresh(ctx, "c1")
	assert.ErrorIs(t, err, apperror.ErrTransient)
}

type countingSource struct {
	loads atomic.Int64
}

func (c *countingSource) Load(context.Context) (*Snapshot, error) {
	c.loads.Add(1)
	time.Sleep(time.Millisecond)
	return &Snapshot{TakenAt: time.Now().UTC()}, nil
}

func TestConcurrentRefreshesEndOnNewestVersion(t *testing.T) {
	source := &countingSource{}
	svc := newService(t, source, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(context.Background(), "c1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, ok := svc.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, svc.version.Load(), got.Version)
	assert.Equal(t, uint64(source.loads.Load()), got.Version)
}

func TestViewKeepsNewestSnapshot(t *testing.T) {
	v := &view{}
	newer := &Snapshot{Version: 5}
	older := &Snapshot{Version: 3}

	assert.Same(t, newer, v.set(newer))
	assert.Same(t, newer, v.set(older))
	same := &Snapshot{Version: 5}
	assert.Same(t, same, v.set(same))
}

func TestRefreshAllLoadsOnce(t *testing.T) {
	source := &mockSource{}
	source.On("Load", mock.Anything).Return(snapshotWith("C01M01", "C01M02"), nil)
	svc := newService(t, source, nil, 0)

	require.NoError(t, svc.RefreshAll(context.Background(), TriggerFeed))
	source.AssertNotCalled(t, "Load", mock.Anything)

	for _, id := range []string{"a", "b", "c"} {
		svc.Open(id)
	}
	require.NoError(t, svc.RefreshAll(context.Background(), TriggerFeed))
	source.AssertNumberOfCalls(t, "Load", 1)

	a, ok := svc.Snapshot("a")
	require.True(t, ok)
	c, ok := svc.Snapshot("c")
	require.True(t, ok)
	assert.Same(t, a, c)
	assert.Len(t, a.Machines, 2)
}

func TestViewsAreBounded(t *testing.T) {
	source := &mockSource{}
	source.On("Load", mock.Anything).Return(snapshotWith(), nil)
	svc := newService(t, source, nil, 2)

	for _, id := range []string{"a", "b", "c"} {
		_, err := svc.Refresh(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, svc.Clients())
	_, ok := svc.Snapshot("a")
	assert.False(t, ok)

	svc.Close("b")
	assert.Equal(t, 1, svc.Clients())
}

func TestApplyBooking(t *testing.T) {
	existing := &booking.Booking{BookingID: uuid.New(), MachineID: "C01M01", Status: booking.StatusPending}
	base := snapshotWith("C01M01")
	base.Bookings = []*booking.Booking{existing}
	source := &mockSource{}
	source.On("Load", mock.Anything).Return(base, nil)
	svc := newService(t, source, nil, 0)

	before, err := svc.Refresh(context.Background(), "c1")
	require.NoError(t, err)

	approved := existing.Clone()
	approved.Status = booking.StatusApproved
	svc.ApplyBooking("c1", approved)
	fresh := &booking.Booking{BookingID: uuid.New(), MachineID: "C01M01", Status: booking.StatusPending}
	svc.ApplyBooking("c1", fresh)
	svc.ApplyBooking("unknown", fresh)

	after, ok := svc.Snapshot("c1")
	require.True(t, ok)
	require.Len(t, after.Bookings, 2)
	assert.Equal(t, booking.StatusApproved, after.Bookings[0].Status)
	assert.Equal(t, fresh.BookingID, after.Bookings[1].BookingID)
	assert.Equal(t, booking.StatusPending, before.Bookings[0].Status)
	assert.Len(t, before.Bookings, 1)
}

func TestStartRefreshesOnRelevantEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mocks.NewMockSubscriber(ctrl)
	handlers := make(chan changefeed.Handler, 1)
	unsubscribed := make(chan struct{})
	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, h changefeed.Handler) (func(), error) {
		handlers <- h
		return func() { close(unsubscribed) }, nil
	})

	source := &mockSource{}
	source.On("Load", mock.Anything).Return(snapshotWith("C01M01"), nil)
	svc := newService(t, source, feed, 0)
	svc.Open("c1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	handler := <-handlers
	handler(ctx, changefeed.Event{Collection: changefeed.CollectionAudit, ChangeType: changefeed.ChangeInsert})
	handler(ctx, changefeed.Event{Collection: changefeed.CollectionBookings, ChangeType: changefeed.ChangeUpdate})

	assert.Eventually(t, func() bool {
		_, ok := svc.Snapshot("c1")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	<-unsubscribed
	source.AssertNumberOfCalls(t, "Load", 1)
}

func TestStartSubscribeError(t *testing.T) {
	ctrl := gomock.NewController(t)
	feed := mocks.NewMockSubscriber(ctrl)
	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(nil, errors.New("no connection"))

	svc := newService(t, &mockSource{}, feed, 0)
	assert.Error(t, svc.Start(context.Background()))
}

func TestStoreSourcePagesWithinHorizon(t *testing.T) {
	st := memory.New()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		if err := repos.Categories().Create(ctx, &category.Category{ID: "C01", Name: "Printers", TokenCost: 1}); err != nil {
			return err
		}
		if err := repos.Machines().Create(ctx, &machine.Machine{ID: "C01M01", CategoryID: "C01", Name: "Prusa", Status: machine.StatusAvailable}); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			start := now.Add(time.Duration(i*2) * time.Hour)
			if err := repos.Bookings().Create(ctx, &booking.Booking{
				BookingID: uuid.New(),
				MachineID: "C01M01",
				OwnerID:   uuid.New(),
				Mode:      booking.ModeWeeklyPlanning,
				Interval:  booking.Interval{Start: start, End: start.Add(time.Hour)},
				Status:    booking.StatusPending,
			}); err != nil {
				return err
			}
		}
		old := now.AddDate(0, 0, -40)
		return repos.Bookings().Create(ctx, &booking.Booking{
			BookingID: uuid.New(),
			MachineID: "C01M01",
			OwnerID:   uuid.New(),
			Mode:      booking.ModeWeeklyPlanning,
			Interval:  booking.Interval{Start: old, End: old.Add(time.Hour)},
			Status:    booking.StatusCompleted,
		})
	}))

	source := NewStoreSource(st, 30*24*time.Hour)
	source.pageSize = 2
	source.now = func() time.Time { return now }

	snap, err := source.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Categories, 1)
	assert.Len(t, snap.Machines, 1)
	assert.Len(t, snap.Bookings, 5)
	assert.Equal(t, now, snap.TakenAt)

	all, err := NewStoreSource(st, 0).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, all.Bookings, 6)
}
