package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

var base = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *Store) *user.User {
	t.Helper()
	u := &user.User{UserID: uuid.New(), Username: "alice", Role: user.RoleRequester, TokensGiven: 100, TokensRemaining: 100, CreatedAt: base}
	err := st.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		if err := repos.Categories().Create(ctx, &category.Category{ID: "C01", Name: "Printers", TokenCost: 2}); err != nil {
			return err
		}
		if err := repos.Machines().Create(ctx, &machine.Machine{ID: "C01M01", CategoryID: "C01", Name: "P1", Status: machine.StatusAvailable}); err != nil {
			return err
		}
		return repos.Users().Create(ctx, u)
	})
	require.NoError(t, err)
	return u
}

func newBooking(owner uuid.UUID, start time.Time, hours int) *booking.Booking {
	return &booking.Booking{
		BookingID: uuid.New(),
		OwnerID:   owner,
		MachineID: "C01M01",
		Mode:      booking.ModeWeeklyPlanning,
		Interval:  booking.Interval{Start: start, End: start.Add(time.Duration(hours) * time.Hour)},
		Status:    booking.StatusPending,
		CreatedAt: base,
	}
}

func TestWithinTxCommitsAndRollsBack(t *testing.T) {
	st := New()
	u := seed(t, st)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		if err := repos.Bookings().Create(ctx, newBooking(u.UserID, base, 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		count, err = repos.Bookings().CountByMachine(ctx, "C01M01")
		return err
	}))
	assert.Equal(t, 0, count)

	b := newBooking(u.UserID, base, 1)
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, b)
	}))
	require.NoError(t, st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		got, err := repos.Bookings().GetByID(ctx, b.BookingID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, b.ID, got.ID)
		assert.NotZero(t, got.ID)
		return nil
	}))
}

func TestTxSeesItsOwnWrites(t *testing.T) {
	st := New()
	u := seed(t, st)

	err := st.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		b := newBooking(u.UserID, base, 2)
		require.NoError(t, repos.Bookings().Create(ctx, b))
		active, err := repos.Bookings().ListActiveForMachine(ctx, "C01M01")
		require.NoError(t, err)
		require.Len(t, active, 1)

		b.Status = booking.StatusCancelled
		require.NoError(t, repos.Bookings().Update(ctx, b))
		active, err = repos.Bookings().ListActiveForMachine(ctx, "C01M01")
		require.NoError(t, err)
		assert.Empty(t, active)
		return nil
	})
	require.NoError(t, err)
}

func TestActiveOverlapRejected(t *testing.T) {
	st := New()
	u := seed(t, st)
	ctx := context.Background()

	first := newBooking(u.UserID, base, 2)
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, first)
	}))

	err := st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, newBooking(u.UserID, base.Add(time.Hour), 2))
	})
	require.Error(t, err)
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindSlotConflict, appErr.Kind)
	require.NotNil(t, appErr.Conflict)
	assert.Equal(t, first.BookingID, appErr.Conflict.BookingID)

	// A touching interval is not an overlap.
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, newBooking(u.UserID, base.Add(2*time.Hour), 1))
	}))
}

func TestLedgerInvariantEnforcedOnWrite(t *testing.T) {
	st := New()
	u := seed(t, st)

	err := st.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		got, err := repos.Users().GetForUpdate(ctx, u.UserID)
		require.NoError(t, err)
		got.TokensConsumed = 10
		return repos.Users().Update(ctx, got)
	})
	assert.Equal(t, apperror.KindLedgerInvariant, apperror.KindOf(err))
}

func TestDeleteGuards(t *testing.T) {
	st := New()
	u := seed(t, st)
	ctx := context.Background()

	err := st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Categories().Delete(ctx, "C01")
	})
	assert.Equal(t, apperror.KindInUse, apperror.KindOf(err))

	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, newBooking(u.UserID, base, 1))
	}))
	err = st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Machines().Delete(ctx, "C01M01")
	})
	assert.Equal(t, apperror.KindInUse, apperror.KindOf(err))

	err = st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Machines().Delete(ctx, "C09M01")
	})
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestReadRejectsWrites(t *testing.T) {
	st := New()
	err := st.Read(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		return repos.Categories().Create(ctx, &category.Category{ID: "C01", Name: "x"})
	})
	assert.Equal(t, apperror.KindInternal, apperror.KindOf(err))
}

func TestCancelledContextIsTransient(t *testing.T) {
	st := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return nil
	})
	assert.Equal(t, apperror.KindTransient, apperror.KindOf(err))
}

func TestSequencesOnlyMoveForward(t *testing.T) {
	st := New()
	ctx := context.Background()
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		require.NoError(t, repos.Sequences().Advance(ctx, "category", 5))
		return repos.Sequences().Advance(ctx, "category", 3)
	}))
	require.NoError(t, st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		cur, err := repos.Sequences().Current(ctx, "category")
		require.NoError(t, err)
		assert.Equal(t, 5, cur)
		return nil
	}))
}

func TestConcurrentWritersSerialize(t *testing.T) {
	st := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
				cur, err := repos.Sequences().Current(ctx, "counter")
				if err != nil {
					return err
				}
				return repos.Sequences().Advance(ctx, "counter", cur+1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		cur, err := repos.Sequences().Current(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, 50, cur)
		return nil
	}))
}

func TestMarshalRoundTrip(t *testing.T) {
	st := New()
	u := seed(t, st)
	ctx := context.Background()
	b := newBooking(u.UserID, base, 1)
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, b)
	}))

	data, err := st.Marshal()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Unmarshal(data))
	require.NoError(t, restored.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		active, err := repos.Bookings().ListActiveForMachine(ctx, "C01M01")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, b.BookingID, active[0].BookingID)

		got, err := repos.Users().GetByUsername(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, u.UserID, got.UserID)
		return nil
	}))

	assert.Error(t, restored.Unmarshal(nil))
}

type recordingJournal struct {
	batches []Batch
	err     error
}

func (j *recordingJournal) Append(b Batch) error {
	if j.err != nil {
		return j.err
	}
	j.batches = append(j.batches, b)
	return nil
}

func TestJournalAndReplay(t *testing.T) {
	j := &recordingJournal{}
	st := New(WithJournal(j))
	u := seed(t, st)
	ctx := context.Background()
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Bookings().Create(ctx, newBooking(u.UserID, base, 1))
	}))
	require.Len(t, j.batches, 2)

	replica := New()
	for _, b := range j.batches {
		require.NoError(t, replica.Restore(b))
		// Replaying the same batch again is a no-op.
		require.NoError(t, replica.Restore(b))
	}
	assert.Equal(t, st.Stats(), replica.Stats())

	want, err := st.Marshal()
	require.NoError(t, err)
	got, err := replica.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestJournalFailureAppliesNothing(t *testing.T) {
	j := &recordingJournal{err: errors.New("disk full")}
	st := New(WithJournal(j))
	err := st.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		return repos.Categories().Create(ctx, &category.Category{ID: "C01", Name: "x"})
	})
	assert.Equal(t, apperror.KindTransient, apperror.KindOf(err))
	assert.Equal(t, 0, st.Stats()[CollectionCategories])
}

type failingCommitter struct{}

func (failingCommitter) Commit(context.Context, Batch) error {
	return errors.New("not the leader")
}

func TestCommitterFailureIsTransient(t *testing.T) {
	st := New()
	st.SetCommitter(failingCommitter{})
	err := st.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		return repos.Categories().Create(ctx, &category.Category{ID: "C01", Name: "x"})
	})
	assert.Equal(t, apperror.KindTransient, apperror.KindOf(err))
	assert.Equal(t, 0, st.Stats()[CollectionCategories])
}

func TestAuditQueryPagination(t *testing.T) {
	st := New()
	ctx := context.Background()
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		for i := 0; i < 5; i++ {
			entry, err := audit.NewAuditLog(&audit.AuditEntry{
				EntityType: audit.EntityTypeBooking,
				EntityID:   "b",
				Action:     audit.ActionCreate,
				Actor:      "alice",
				At:         base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
			require.NoError(t, repos.Audit().Create(ctx, entry))
		}
		return nil
	}))

	var pages [][]*audit.AuditLog
	require.NoError(t, st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var cursor *audit.Cursor
		for {
			logs, next, err := repos.Audit().Query(ctx, audit.QueryFilter{}, cursor, 2)
			require.NoError(t, err)
			if len(logs) > 0 {
				pages = append(pages, logs)
			}
			if next == nil {
				return nil
			}
			cursor = next
		}
	}))

	var seen []time.Time
	for _, page := range pages {
		for _, l := range page {
			seen = append(seen, l.CreatedAt)
		}
	}
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i-1].After(seen[i]), "newest first")
	}
}
