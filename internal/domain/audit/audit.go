package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityType represents the type of entity being audited
type EntityType string

const (
	EntityTypeCategory EntityType = "CATEGORY"
	EntityTypeMachine  EntityType = "MACHINE"
	EntityTypeUser     EntityType = "USER"
	EntityTypeBooking  EntityType = "BOOKING"
	EntityTypeLedger   EntityType = "LEDGER"
	EntityTypeSession  EntityType = "SESSION"
)

// Action represents the type of action being audited
type Action string

const (
	ActionCreate     Action = "CREATE"
	ActionUpdate     Action = "UPDATE"
	ActionDelete     Action = "DELETE"
	ActionApprove    Action = "APPROVE"
	ActionReject     Action = "REJECT"
	ActionCancel     Action = "CANCEL"
	ActionComplete   Action = "COMPLETE"
	ActionReschedule Action = "RESCHEDULE"
	ActionGrant      Action = "GRANT"
	ActionAnomaly    Action = "ANOMALY"
	ActionLogin      Action = "LOGIN"
	ActionLogout     Action = "LOGOUT"
)

// TagAnomaly marks entries written for ledger invariant violations.
const TagAnomaly = "anomaly"

// RiskLevel represents the risk classification of an operation
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// AuditLog is an append-only record of one state-changing action.
type AuditLog struct {
	ID         int64           `json:"id"`
	AuditID    uuid.UUID       `json:"auditId"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     Action          `json:"action"`
	Actor      string          `json:"actor"`
	ActorRole  string          `json:"actorRole,omitempty"`
	OldValues  json.RawMessage `json:"oldValues,omitempty"`
	NewValues  json.RawMessage `json:"newValues,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	RiskLevel  RiskLevel       `json:"riskLevel"`
	Tags       []string        `json:"tags,omitempty"`
	Signature  []byte          `json:"signature,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// HasTag reports whether the entry carries tag.
func (l *AuditLog) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AuditEntry is the input for creating an audit log.
type AuditEntry struct {
	EntityType EntityType
	EntityID   string
	Action     Action
	Actor      string
	ActorRole  string
	OldValues  interface{}
	NewValues  interface{}
	Reason     string
	Tags       []string
	At         time.Time
}

// QueryFilter represents filters for querying audit logs
type QueryFilter struct {
	EntityType *EntityType
	EntityID   *string
	Action     *Action
	Actor      *string
	RiskLevel  *RiskLevel
	StartTime  *time.Time
	EndTime    *time.Time
	Tags       []string
}

// Cursor represents a pagination cursor for audit logs
type Cursor struct {
	CreatedAt time.Time `json:"ts"`
	ID        int64     `json:"id"`
}

// Repository defines the interface for audit log persistence
type Repository interface {
	// Create appends a new audit log entry
	Create(ctx context.Context, entry *AuditLog) error

	// GetByID retrieves an audit log by its audit ID
	GetByID(ctx context.Context, auditID uuid.UUID) (*AuditLog, error)

	// Query retrieves audit logs newest first with cursor-based pagination
	Query(ctx context.Context, filter QueryFilter, cursor *Cursor, limit int) ([]*AuditLog, *Cursor, error)

	// GetByEntityID retrieves all audit logs for a specific entity
	GetByEntityID(ctx context.Context, entityType EntityType, entityID string) ([]*AuditLog, error)
}

// DetermineRiskLevel determines the risk level based on entity type and action
func DetermineRiskLevel(entityType EntityType, action Action) RiskLevel {
	if action == ActionAnomaly {
		return RiskLevelCritical
	}
	if entityType == EntityTypeUser || entityType == EntityTypeLedger {
		return RiskLevelHigh
	}
	if action == ActionDelete {
		return RiskLevelHigh
	}
	if entityType == EntityTypeCategory || entityType == EntityTypeMachine {
		return RiskLevelMedium
	}
	return RiskLevelLow
}

// NewAuditLog creates a new AuditLog from an AuditEntry
func NewAuditLog(entry *AuditEntry) (*AuditLog, error) {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	log := &AuditLog{
		AuditID:    uuid.New(),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Actor:      entry.Actor,
		ActorRole:  entry.ActorRole,
		Reason:     entry.Reason,
		Tags:       entry.Tags,
		RiskLevel:  DetermineRiskLevel(entry.EntityType, entry.Action),
		CreatedAt:  at.UTC(),
	}

	if entry.OldValues != nil {
		data, err := json.Marshal(entry.OldValues)
		if err != nil {
			return nil, err
		}
		log.OldValues = data
	}
	if entry.NewValues != nil {
		data, err := json.Marshal(entry.NewValues)
		if err != nil {
			return nil, err
		}
		log.NewValues = data
	}

	return log, nil
}
