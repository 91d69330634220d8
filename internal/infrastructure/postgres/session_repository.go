package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/facility-hub/facility-hub/internal/domain/session"
)

// SessionRepository implements session.Repository.
type SessionRepository struct {
	q querier
}

func NewSessionRepository(q querier) *SessionRepository {
	return &SessionRepository{q: q}
}

func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	row := r.q.QueryRow(ctx, `
		INSERT INTO sessions
		(session_id, token_hash, user_id, created_at, expires_at, last_seen_at, user_agent, ip_address)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, s.SessionID, s.TokenHash, s.UserID, s.CreatedAt, s.ExpiresAt, s.LastSeenAt, s.UserAgent, s.IPAddress)
	return translate(row.Scan(&s.ID))
}

func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*session.Session, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, session_id, token_hash, user_id, created_at, expires_at, last_seen_at, user_agent, ip_address
		FROM sessions WHERE token_hash=$1
	`, tokenHash)
	return scanSession(row)
}

func (r *SessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM sessions WHERE token_hash=$1`, tokenHash)
	return translate(err)
}

func (r *SessionRepository) UpdateLastSeen(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	_, err := r.q.Exec(ctx, `UPDATE sessions SET last_seen_at=$1 WHERE session_id=$2`, at.UTC(), sessionID)
	return translate(err)
}

func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.q.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, translate(err)
	}
	return int(res.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	if err := row.Scan(&s.ID, &s.SessionID, &s.TokenHash, &s.UserID, &s.CreatedAt, &s.ExpiresAt, &s.LastSeenAt, &s.UserAgent, &s.IPAddress); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &s, nil
}
