package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/category"
)

// CategoryRepository implements category.Repository.
type CategoryRepository struct {
	q querier
}

func NewCategoryRepository(q querier) *CategoryRepository {
	return &CategoryRepository{q: q}
}

const categoryColumns = `id, name, token_cost, capabilities, created_at, updated_at`

func (r *CategoryRepository) Create(ctx context.Context, c *category.Category) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO categories (`+categoryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.Name, c.TokenCost, capabilitiesOf(c), c.CreatedAt, c.UpdatedAt)
	return translate(err)
}

func (r *CategoryRepository) Update(ctx context.Context, c *category.Category) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE categories SET name=$1, token_cost=$2, capabilities=$3, updated_at=$4
		WHERE id=$5
	`, c.Name, c.TokenCost, capabilitiesOf(c), c.UpdatedAt, c.ID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindNotFound, "category %s not found", c.ID)
	}
	return nil
}

func (r *CategoryRepository) Delete(ctx context.Context, id string) error {
	var machines int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM machines WHERE category_id=$1`, id).Scan(&machines); err != nil {
		return translate(err)
	}
	if machines > 0 {
		return apperror.New(apperror.KindInUse, "category %s still has %d machines", id, machines)
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM categories WHERE id=$1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindNotFound, "category %s not found", id)
	}
	return nil
}

func (r *CategoryRepository) GetByID(ctx context.Context, id string) (*category.Category, error) {
	row := r.q.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id=$1`, id)
	return scanCategory(row)
}

func (r *CategoryRepository) List(ctx context.Context) ([]*category.Category, error) {
	rows, err := r.q.Query(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY id`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []*category.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, translate(rows.Err())
}

func (r *CategoryRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx, `SELECT id FROM categories ORDER BY id`)
	if err != nil {
		return nil, translate(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, translate(err)
}

func capabilitiesOf(c *category.Category) []string {
	if c.Capabilities == nil {
		return []string{}
	}
	return c.Capabilities
}

func scanCategory(row pgx.Row) (*category.Category, error) {
	var c category.Category
	if err := row.Scan(&c.ID, &c.Name, &c.TokenCost, &c.Capabilities, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &c, nil
}
