package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// Service handles audit log operations
type Service struct {
	st      store.Store
	logger  zerolog.Logger
	signKey []byte
}

// NewService creates a new audit service
func NewService(st store.Store, logger zerolog.Logger, signKey []byte) *Service {
	return &Service{
		st:      st,
		signKey: signKey,
		logger:  logger.With().Str("service", "audit").Logger(),
	}
}

// Record appends entry through repo, inside the caller's unit of work.
func (s *Service) Record(ctx context.Context, repo audit.Repository, entry *audit.AuditEntry) (*audit.AuditLog, error) {
	auditLog, err := audit.NewAuditLog(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}

	if len(s.signKey) > 0 {
		sig, err := audit.SignAuditLog(auditLog, s.signKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign audit log: %w", err)
		}
		auditLog.Signature = sig
	}

	if err := repo.Create(ctx, auditLog); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("auditId", auditLog.AuditID.String()).
		Str("entityType", string(auditLog.EntityType)).
		Str("entityId", auditLog.EntityID).
		Str("action", string(auditLog.Action)).
		Str("actor", auditLog.Actor).
		Str("riskLevel", string(auditLog.RiskLevel)).
		Msg("audit log staged")

	if auditLog.RiskLevel == audit.RiskLevelHigh || auditLog.RiskLevel == audit.RiskLevelCritical {
		s.logger.Warn().
			Str("auditId", auditLog.AuditID.String()).
			Str("entityType", string(auditLog.EntityType)).
			Str("entityId", auditLog.EntityID).
			Str("action", string(auditLog.Action)).
			Str("actor", auditLog.Actor).
			Str("riskLevel", string(auditLog.RiskLevel)).
			Msg("high-risk operation detected")
	}

	return auditLog, nil
}

// RecordAnomaly writes a ledger anomaly in its own unit of work, so it
// survives the rollback of the operation that tripped it.
func (s *Service) RecordAnomaly(ctx context.Context, actor user.Actor, userID uuid.UUID, cause error) {
	s.logger.Error().Err(cause).
		Bool("anomaly", true).
		Str("userId", userID.String()).
		Str("actor", actor.Username).
		Msg("ledger invariant violated")

	entry := &audit.AuditEntry{
		EntityType: audit.EntityTypeLedger,
		EntityID:   userID.String(),
		Action:     audit.ActionAnomaly,
		Actor:      actor.Username,
		ActorRole:  string(actor.Role),
		Reason:     cause.Error(),
		Tags:       []string{audit.TagAnomaly},
		At:         time.Now().UTC(),
	}
	err := s.st.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context, repos store.Repositories) error {
		_, err := s.Record(ctx, repos.Audit(), entry)
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).Bool("anomaly", true).Str("userId", userID.String()).Msg("failed to record ledger anomaly")
	}
}

// QueryParams represents query parameters for audit logs
type QueryParams struct {
	EntityType *string
	EntityID   *string
	Action     *string
	Actor      *string
	RiskLevel  *string
	StartTime  *time.Time
	EndTime    *time.Time
	Tags       []string
	Cursor     *string
	Limit      int
}

// QueryResult represents the result of an audit log query
type QueryResult struct {
	Logs       []*audit.AuditLog `json:"logs"`
	Pagination Pagination        `json:"pagination"`
}

// Pagination holds pagination information
type Pagination struct {
	Cursor  *string `json:"cursor,omitempty"`
	HasMore bool    `json:"hasMore"`
	Count   int     `json:"count"`
}

func requireAdmin(actor user.Actor) error {
	if !actor.IsAdmin() {
		return apperror.New(apperror.KindUnauthorized, "audit access requires an administrator")
	}
	return nil
}

// Query retrieves audit logs based on parameters
func (s *Service) Query(ctx context.Context, actor user.Actor, params QueryParams) (*QueryResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	var cursor *audit.Cursor
	if params.Cursor != nil && *params.Cursor != "" {
		c, err := decodeCursor(*params.Cursor)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid cursor")
		}
		cursor = c
	}

	filter := audit.QueryFilter{
		EntityID:  params.EntityID,
		Actor:     params.Actor,
		StartTime: params.StartTime,
		EndTime:   params.EndTime,
		Tags:      params.Tags,
	}
	if params.EntityType != nil {
		et := audit.EntityType(*params.EntityType)
		filter.EntityType = &et
	}
	if params.Action != nil {
		a := audit.Action(*params.Action)
		filter.Action = &a
	}
	if params.RiskLevel != nil {
		rl := audit.RiskLevel(*params.RiskLevel)
		filter.RiskLevel = &rl
	}

	var (
		logs       []*audit.AuditLog
		nextCursor *audit.Cursor
	)
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		logs, nextCursor, err = repos.Audit().Query(ctx, filter, cursor, params.Limit)
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query audit logs")
		return nil, err
	}
	if logs == nil {
		logs = []*audit.AuditLog{}
	}

	result := &QueryResult{
		Logs: logs,
		Pagination: Pagination{
			Count:   len(logs),
			HasMore: nextCursor != nil,
		},
	}

	if nextCursor != nil {
		encoded, err := encodeCursor(nextCursor)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode cursor")
		} else {
			result.Pagination.Cursor = &encoded
		}
	}

	return result, nil
}

// GetByID retrieves an audit log by its ID
func (s *Service) GetByID(ctx context.Context, actor user.Actor, auditID uuid.UUID) (*audit.AuditLog, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var log *audit.AuditLog
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		log, err = repos.Audit().GetByID(ctx, auditID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, apperror.New(apperror.KindNotFound, "audit log %s not found", auditID)
	}
	return log, nil
}

// GetEntityHistory retrieves the complete audit history for an entity
func (s *Service) GetEntityHistory(ctx context.Context, actor user.Actor, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var logs []*audit.AuditLog
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		logs, err = repos.Audit().GetByEntityID(ctx, entityType, entityID)
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("entityType", string(entityType)).
			Str("entityId", entityID).
			Msg("failed to get entity history")
		return nil, err
	}
	return logs, nil
}

// VerifyResult reports the signature check of one entry.
type VerifyResult struct {
	AuditID  uuid.UUID `json:"auditId"`
	Verified bool      `json:"verified"`
	Message  string    `json:"message"`
}

// VerifyIntegrity verifies the signature of an audit log entry
func (s *Service) VerifyIntegrity(ctx context.Context, actor user.Actor, auditID uuid.UUID) (*VerifyResult, error) {
	if len(s.signKey) == 0 {
		return nil, apperror.New(apperror.KindInvalidArgument, "audit signing is not configured")
	}
	log, err := s.GetByID(ctx, actor, auditID)
	if err != nil {
		return nil, err
	}
	verified, err := audit.VerifyAuditLogSignature(log, s.signKey)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}

	result := &VerifyResult{
		AuditID:  auditID,
		Verified: verified,
	}
	if verified {
		result.Message = "Audit log integrity verified"
	} else {
		result.Message = "Audit log signature mismatch - possible tampering detected"
		s.logger.Warn().
			Str("auditId", auditID.String()).
			Msg("audit log signature verification failed")
	}
	return result, nil
}

// encodeCursor encodes a cursor to base64 string
func encodeCursor(c *audit.Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// decodeCursor decodes a base64 string to cursor
func decodeCursor(s string) (*audit.Cursor, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}

	var c audit.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	return &c, nil
}
