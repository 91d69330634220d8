package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// UserRepository implements user.Repository.
type UserRepository struct {
	q querier
}

func NewUserRepository(q querier) *UserRepository {
	return &UserRepository{q: q}
}

const userColumns = `id, user_id, username, password_hash, role, tokens_given, tokens_consumed, tokens_remaining, created_at, updated_at`

func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	row := r.q.QueryRow(ctx, `
		INSERT INTO users
		(user_id, username, password_hash, role, tokens_given, tokens_consumed, tokens_remaining, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, u.UserID, u.Username, u.PasswordHash, u.Role, u.TokensGiven, u.TokensConsumed, u.TokensRemaining, u.CreatedAt, u.UpdatedAt)
	return translate(row.Scan(&u.ID))
}

func (r *UserRepository) Update(ctx context.Context, u *user.User) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE users
		SET username=$1, password_hash=$2, role=$3, tokens_given=$4, tokens_consumed=$5, tokens_remaining=$6, updated_at=$7
		WHERE user_id=$8
	`, u.Username, u.PasswordHash, u.Role, u.TokensGiven, u.TokensConsumed, u.TokensRemaining, u.UpdatedAt, u.UserID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindNotFound, "user %s not found", u.UserID)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, userID)
	return scanUser(row)
}

func (r *UserRepository) GetForUpdate(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1 FOR UPDATE`, userID)
	return scanUser(row)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, user.NormalizeUsername(username))
	return scanUser(row)
}

func (r *UserRepository) List(ctx context.Context, filter user.Filter, limit, offset int) ([]*user.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	args := []interface{}{}
	idx := 1
	if filter.Role != nil {
		query += " WHERE role=$" + itoa(idx)
		args = append(args, *filter.Role)
		idx++
	}
	if filter.Username != nil {
		query += addWhere(query) + " username LIKE $" + itoa(idx)
		args = append(args, "%"+user.NormalizeUsername(*filter.Username)+"%")
		idx++
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var users []*user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, translate(rows.Err())
}

func (r *UserRepository) Count(ctx context.Context) (int, error) {
	row := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM users`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func scanUser(row pgx.Row) (*user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.UserID, &u.Username, &u.PasswordHash, &u.Role, &u.TokensGiven, &u.TokensConsumed, &u.TokensRemaining, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &u, nil
}
