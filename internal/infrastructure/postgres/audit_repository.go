package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/facility-hub/facility-hub/internal/domain/audit"
)

// AuditRepository implements audit.Repository.
type AuditRepository struct {
	q querier
}

func NewAuditRepository(q querier) *AuditRepository {
	return &AuditRepository{q: q}
}

const auditColumns = `id, audit_id, entity_type, entity_id, action, actor, actor_role, old_values, new_values, reason, risk_level, tags, signature, created_at`

func (r *AuditRepository) Create(ctx context.Context, entry *audit.AuditLog) error {
	if entry.AuditID == uuid.Nil {
		entry.AuditID = uuid.New()
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO audit_logs
		(audit_id, entity_type, entity_id, action, actor, actor_role, old_values, new_values, reason, risk_level, tags, signature, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, entry.AuditID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor, entry.ActorRole, entry.OldValues, entry.NewValues, entry.Reason, entry.RiskLevel, tags, entry.Signature, entry.CreatedAt)
	return translate(row.Scan(&entry.ID))
}

func (r *AuditRepository) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	row := r.q.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE audit_id=$1`, auditID)
	return scanAudit(row)
}

func (r *AuditRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	args := []interface{}{}
	idx := 1
	if filter.EntityType != nil {
		query += " WHERE entity_type=$" + itoa(idx)
		args = append(args, *filter.EntityType)
		idx++
	}
	if filter.EntityID != nil {
		query += addWhere(query) + " entity_id=$" + itoa(idx)
		args = append(args, *filter.EntityID)
		idx++
	}
	if filter.Action != nil {
		query += addWhere(query) + " action=$" + itoa(idx)
		args = append(args, *filter.Action)
		idx++
	}
	if filter.Actor != nil {
		query += addWhere(query) + " actor=$" + itoa(idx)
		args = append(args, *filter.Actor)
		idx++
	}
	if filter.RiskLevel != nil {
		query += addWhere(query) + " risk_level=$" + itoa(idx)
		args = append(args, *filter.RiskLevel)
		idx++
	}
	if filter.StartTime != nil {
		query += addWhere(query) + " created_at >= $" + itoa(idx)
		args = append(args, *filter.StartTime)
		idx++
	}
	if filter.EndTime != nil {
		query += addWhere(query) + " created_at <= $" + itoa(idx)
		args = append(args, *filter.EndTime)
		idx++
	}
	if len(filter.Tags) > 0 {
		query += addWhere(query) + " tags @> $" + itoa(idx)
		args = append(args, filter.Tags)
		idx++
	}
	if cursor != nil {
		query += addWhere(query) + " (created_at, id) < ($" + itoa(idx) + ", $" + itoa(idx+1) + ")"
		args = append(args, cursor.CreatedAt, cursor.ID)
		idx += 2
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT $" + itoa(idx)
	args = append(args, limit)

	logs, err := r.collect(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *audit.Cursor
	if len(logs) == limit {
		last := logs[len(logs)-1]
		nextCursor = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	return logs, nextCursor, nil
}

func (r *AuditRepository) GetByEntityID(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	return r.collect(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE entity_type=$1 AND entity_id=$2 ORDER BY created_at DESC, id DESC
	`, entityType, entityID)
}

func (r *AuditRepository) collect(ctx context.Context, query string, args ...interface{}) ([]*audit.AuditLog, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var logs []*audit.AuditLog
	for rows.Next() {
		log, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, translate(rows.Err())
}

func scanAudit(row pgx.Row) (*audit.AuditLog, error) {
	var log audit.AuditLog
	if err := row.Scan(&log.ID, &log.AuditID, &log.EntityType, &log.EntityID, &log.Action, &log.Actor, &log.ActorRole, &log.OldValues, &log.NewValues, &log.Reason, &log.RiskLevel, &log.Tags, &log.Signature, &log.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &log, nil
}
