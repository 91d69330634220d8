package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
)

// BookingRepository implements booking.Repository.
type BookingRepository struct {
	q querier
}

func NewBookingRepository(q querier) *BookingRepository {
	return &BookingRepository{q: q}
}

const bookingColumns = `id, booking_id, owner_id, machine_id, category_id, mode, starts_at, ends_at, status, cost, rate_per_slot, justification, request_id, reason, decided_by, decided_at, created_at, updated_at`

const activeStatuses = `('pending','approved')`

func (r *BookingRepository) Create(ctx context.Context, b *booking.Booking) error {
	return r.guardOverlap(ctx, b, func() error {
		row := r.q.QueryRow(ctx, `
			INSERT INTO bookings
			(booking_id, owner_id, machine_id, category_id, mode, starts_at, ends_at, status, cost, rate_per_slot, justification, request_id, reason, decided_by, decided_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			RETURNING id
		`, b.BookingID, b.OwnerID, b.MachineID, b.CategoryID, b.Mode, b.Interval.Start, b.Interval.End, b.Status, b.Cost, b.RatePerSlot, b.Justification, b.RequestID, b.Reason, b.DecidedBy, b.DecidedAt, b.CreatedAt, b.UpdatedAt)
		return row.Scan(&b.ID)
	})
}

func (r *BookingRepository) Update(ctx context.Context, b *booking.Booking) error {
	var affected int64
	err := r.guardOverlap(ctx, b, func() error {
		tag, err := r.q.Exec(ctx, `
			UPDATE bookings
			SET starts_at=$1, ends_at=$2, status=$3, cost=$4, justification=$5, reason=$6, decided_by=$7, decided_at=$8, updated_at=$9
			WHERE booking_id=$10
		`, b.Interval.Start, b.Interval.End, b.Status, b.Cost, b.Justification, b.Reason, b.DecidedBy, b.DecidedAt, b.UpdatedAt, b.BookingID)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperror.New(apperror.KindNotFound, "booking %s not found", b.BookingID)
	}
	return nil
}

// guardOverlap runs write for an active booking under a savepoint. When the
// exclusion constraint rejects it, the savepoint is rolled back and the
// blocking booking is read so the conflict can name it.
func (r *BookingRepository) guardOverlap(ctx context.Context, b *booking.Booking, write func() error) error {
	if !b.Status.IsActive() {
		return translate(write())
	}
	if _, err := r.q.Exec(ctx, `SAVEPOINT booking_overlap`); err != nil {
		return translate(err)
	}
	err := write()
	if err == nil {
		_, err = r.q.Exec(ctx, `RELEASE SAVEPOINT booking_overlap`)
		return translate(err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23P01" {
		return translate(err)
	}
	if _, rbErr := r.q.Exec(ctx, `ROLLBACK TO SAVEPOINT booking_overlap`); rbErr != nil {
		return translate(err)
	}
	var (
		blockingID uuid.UUID
		start, end time.Time
	)
	scanErr := r.q.QueryRow(ctx, `
		SELECT booking_id, starts_at, ends_at FROM bookings
		WHERE machine_id=$1 AND booking_id<>$2 AND status IN `+activeStatuses+`
		AND starts_at < $4 AND ends_at > $3
		ORDER BY starts_at
		LIMIT 1
	`, b.MachineID, b.BookingID, b.Interval.Start, b.Interval.End).Scan(&blockingID, &start, &end)
	if scanErr != nil {
		return translate(err)
	}
	return apperror.SlotConflict(blockingID, start.UTC(), end.UTC())
}

func (r *BookingRepository) GetByID(ctx context.Context, bookingID uuid.UUID) (*booking.Booking, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE booking_id=$1`, bookingID)
	return scanBooking(row)
}

func (r *BookingRepository) GetForUpdate(ctx context.Context, bookingID uuid.UUID) (*booking.Booking, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE booking_id=$1 FOR UPDATE`, bookingID)
	return scanBooking(row)
}

func (r *BookingRepository) GetByRequestID(ctx context.Context, ownerID uuid.UUID, requestID string) (*booking.Booking, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE owner_id=$1 AND request_id=$2`, ownerID, requestID)
	return scanBooking(row)
}

func (r *BookingRepository) ListActiveForMachine(ctx context.Context, machineID string) ([]*booking.Booking, error) {
	return r.collect(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE machine_id=$1 AND status IN `+activeStatuses+`
		ORDER BY starts_at, booking_id
	`, machineID)
}

func (r *BookingRepository) ListElapsed(ctx context.Context, status booking.Status, endedBy time.Time, limit int) ([]*booking.Booking, error) {
	return r.collect(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status=$1 AND ends_at <= $2
		ORDER BY ends_at, booking_id
		LIMIT $3
	`, status, endedBy, limit)
}

func (r *BookingRepository) List(ctx context.Context, filter booking.Filter, limit, offset int) ([]*booking.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings`
	args := []interface{}{}
	idx := 1
	if filter.OwnerID != nil {
		query += " WHERE owner_id=$" + itoa(idx)
		args = append(args, *filter.OwnerID)
		idx++
	}
	if filter.MachineID != nil {
		query += addWhere(query) + " machine_id=$" + itoa(idx)
		args = append(args, *filter.MachineID)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.Mode != nil {
		query += addWhere(query) + " mode=$" + itoa(idx)
		args = append(args, *filter.Mode)
		idx++
	}
	if filter.EndAfter != nil {
		query += addWhere(query) + " ends_at > $" + itoa(idx)
		args = append(args, *filter.EndAfter)
		idx++
	}
	query += " ORDER BY starts_at, booking_id LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)
	return r.collect(ctx, query, args...)
}

func (r *BookingRepository) CountByMachine(ctx context.Context, machineID string) (int, error) {
	var count int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM bookings WHERE machine_id=$1`, machineID).Scan(&count); err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func (r *BookingRepository) collect(ctx context.Context, query string, args ...interface{}) ([]*booking.Booking, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []*booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, translate(rows.Err())
}

func scanBooking(row pgx.Row) (*booking.Booking, error) {
	var b booking.Booking
	if err := row.Scan(&b.ID, &b.BookingID, &b.OwnerID, &b.MachineID, &b.CategoryID, &b.Mode, &b.Interval.Start, &b.Interval.End, &b.Status, &b.Cost, &b.RatePerSlot, &b.Justification, &b.RequestID, &b.Reason, &b.DecidedBy, &b.DecidedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	b.Interval.Start = b.Interval.Start.UTC()
	b.Interval.End = b.Interval.End.UTC()
	return &b, nil
}
