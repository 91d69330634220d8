package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
)

// MachineRepository implements machine.Repository.
type MachineRepository struct {
	q querier
}

func NewMachineRepository(q querier) *MachineRepository {
	return &MachineRepository{q: q}
}

const machineColumns = `id, category_id, name, status, created_at, updated_at`

func (r *MachineRepository) Create(ctx context.Context, m *machine.Machine) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO machines (`+machineColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.ID, m.CategoryID, m.Name, m.Status, m.CreatedAt, m.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return apperror.New(apperror.KindNotFound, "category %s not found", m.CategoryID)
	}
	return translate(err)
}

func (r *MachineRepository) Update(ctx context.Context, m *machine.Machine) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE machines SET name=$1, status=$2, updated_at=$3
		WHERE id=$4
	`, m.Name, m.Status, m.UpdatedAt, m.ID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindNotFound, "machine %s not found", m.ID)
	}
	return nil
}

func (r *MachineRepository) Delete(ctx context.Context, id string) error {
	var bookings int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM bookings WHERE machine_id=$1`, id).Scan(&bookings); err != nil {
		return translate(err)
	}
	if bookings > 0 {
		return apperror.New(apperror.KindInUse, "machine %s is referenced by %d bookings", id, bookings)
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM machines WHERE id=$1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindNotFound, "machine %s not found", id)
	}
	return nil
}

func (r *MachineRepository) GetByID(ctx context.Context, id string) (*machine.Machine, error) {
	row := r.q.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=$1`, id)
	return scanMachine(row)
}

func (r *MachineRepository) GetForUpdate(ctx context.Context, id string) (*machine.Machine, error) {
	row := r.q.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=$1 FOR UPDATE`, id)
	return scanMachine(row)
}

func (r *MachineRepository) List(ctx context.Context, filter machine.Filter) ([]*machine.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines`
	args := []interface{}{}
	idx := 1
	if filter.CategoryID != nil {
		query += " WHERE category_id=$" + itoa(idx)
		args = append(args, *filter.CategoryID)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
	}
	query += " ORDER BY id"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []*machine.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, translate(rows.Err())
}

func (r *MachineRepository) ListIDsByCategory(ctx context.Context, categoryID string) ([]string, error) {
	rows, err := r.q.Query(ctx, `SELECT id FROM machines WHERE category_id=$1 ORDER BY id`, categoryID)
	if err != nil {
		return nil, translate(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, translate(err)
}

func (r *MachineRepository) CountByCategory(ctx context.Context, categoryID string) (int, error) {
	var count int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM machines WHERE category_id=$1`, categoryID).Scan(&count); err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func scanMachine(row pgx.Row) (*machine.Machine, error) {
	var m machine.Machine
	if err := row.Scan(&m.ID, &m.CategoryID, &m.Name, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &m, nil
}
