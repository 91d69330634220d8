package postgres

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

// NewPool creates a pgx connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, config)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// translate maps driver errors onto engine error kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperror.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.KindTransient, err, "database operation interrupted")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return apperror.Wrap(apperror.KindTransient, err, "database contention")
		case "23P01":
			return apperror.Wrap(apperror.KindSlotConflict, err, "interval overlaps an active booking")
		case "23505":
			return apperror.Wrap(apperror.KindInUse, err, "duplicate "+pgErr.ConstraintName)
		case "23503":
			return apperror.Wrap(apperror.KindInUse, err, "referenced by "+pgErr.TableName)
		case "23514":
			if pgErr.ConstraintName == "users_ledger_chk" {
				return apperror.Wrap(apperror.KindLedgerInvariant, err, "token ledger constraint violated")
			}
			return apperror.Wrap(apperror.KindInvalidArgument, err, "check "+pgErr.ConstraintName)
		}
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") {
			return apperror.Wrap(apperror.KindTransient, err, "database unavailable")
		}
		return apperror.Wrap(apperror.KindInternal, err, "database error")
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperror.Wrap(apperror.KindTransient, err, "database unavailable")
	}
	return err
}

func addWhere(query string) string {
	if strings.Contains(query, " WHERE ") {
		return " AND"
	}
	return " WHERE"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
