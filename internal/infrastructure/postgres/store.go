package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/identifier"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/session"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// Store implements store.Store on PostgreSQL.
//
// Units of work run at READ COMMITTED; writers serialize on the rows they
// lock with GetForUpdate, and the bookings exclusion constraint backs the
// no-overlap rule. Reads run in a REPEATABLE READ read-only transaction.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, timeout time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		pool:    pool,
		timeout: timeout,
		logger:  logger.With().Str("component", "postgres").Logger(),
	}
}

func (s *Store) Read(ctx context.Context, fn store.Func) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) WithinTx(ctx context.Context, fn store.Func) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn store.Func) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		return fn(ctx, repositories{q: tx})
	})
	if err == nil {
		return nil
	}
	err = translate(err)
	s.logger.Debug().Err(err).Msg("unit of work rolled back")
	return err
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return translate(s.pool.Ping(ctx))
}

type repositories struct {
	q querier
}

func (r repositories) Categories() category.Repository          { return NewCategoryRepository(r.q) }
func (r repositories) Machines() machine.Repository             { return NewMachineRepository(r.q) }
func (r repositories) Users() user.Repository                   { return NewUserRepository(r.q) }
func (r repositories) Bookings() booking.Repository             { return NewBookingRepository(r.q) }
func (r repositories) Audit() audit.Repository                  { return NewAuditRepository(r.q) }
func (r repositories) Sessions() session.Repository             { return NewSessionRepository(r.q) }
func (r repositories) Sequences() identifier.SequenceRepository { return NewSequenceRepository(r.q) }
