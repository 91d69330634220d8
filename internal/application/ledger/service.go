package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	domain "github.com/facility-hub/facility-hub/internal/domain/ledger"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/domain/user"
	"github.com/facility-hub/facility-hub/internal/infrastructure/keylock"
	"github.com/facility-hub/facility-hub/internal/infrastructure/metrics"
)

// Service exposes token balances and allowance grants.
type Service struct {
	st       store.Store
	auditSvc *appAudit.Service
	feed     changefeed.Publisher
	locks    *keylock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewService creates a ledger service. locks must be the locker shared with the
// booking service so grants and reservations on one user are serialized.
func NewService(st store.Store, auditSvc *appAudit.Service, feed changefeed.Publisher, locks *keylock.Locker, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if feed == nil {
		feed = changefeed.Nop{}
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Service{
		st:       st,
		auditSvc: auditSvc,
		feed:     feed,
		locks:    locks,
		metrics:  m,
		logger:   logger.With().Str("service", "ledger").Logger(),
	}
}

// Account is the balance of one user.
type Account struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	domain.Balance
}

func requireSelfOrAdmin(actor user.Actor, userID uuid.UUID) error {
	if actor.IsAdmin() || actor.IsSystem() || actor.UserID == userID {
		return nil
	}
	return apperror.New(apperror.KindUnauthorized, "balance of another user requires an administrator")
}

func (s *Service) load(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	var u *user.User
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		u, err = repos.Users().GetByID(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperror.New(apperror.KindNotFound, "user %s not found", userID)
	}
	return u, nil
}

// Balance returns the given, consumed and remaining tokens of userID.
func (s *Service) Balance(ctx context.Context, actor user.Actor, userID uuid.UUID) (*Account, error) {
	if err := requireSelfOrAdmin(actor, userID); err != nil {
		return nil, err
	}
	u, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckInvariant(u); err != nil {
		s.auditSvc.RecordAnomaly(ctx, actor, userID, err)
		return nil, err
	}
	return &Account{UserID: u.UserID, Username: u.Username, Balance: domain.BalanceOf(u)}, nil
}

// CanAfford reports whether userID could pay cost right now. The answer is
// advisory; only a reservation inside a booking operation is binding.
func (s *Service) CanAfford(ctx context.Context, actor user.Actor, userID uuid.UUID, cost int64) (bool, error) {
	if cost < 0 {
		return false, apperror.New(apperror.KindInvalidArgument, "cost must not be negative")
	}
	acct, err := s.Balance(ctx, actor, userID)
	if err != nil {
		return false, err
	}
	return acct.Remaining >= cost, nil
}

// Grant raises the allowance of userID by delta tokens.
func (s *Service) Grant(ctx context.Context, actor user.Actor, userID uuid.UUID, delta int64, reason string) (*Account, error) {
	if !actor.IsAdmin() {
		return nil, apperror.New(apperror.KindUnauthorized, "granting tokens requires an administrator")
	}
	unlock, err := s.locks.Lock(ctx, "user:"+userID.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	var acct *Account
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		u, err := repos.Users().GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return apperror.New(apperror.KindNotFound, "user %s not found", userID)
		}
		before := domain.BalanceOf(u)
		if err := domain.Grant(u, delta); err != nil {
			return err
		}
		u.UpdatedAt = time.Now().UTC()
		if err := repos.Users().Update(ctx, u); err != nil {
			return err
		}
		acct = &Account{UserID: u.UserID, Username: u.Username, Balance: domain.BalanceOf(u)}
		_, err = s.auditSvc.Record(ctx, repos.Audit(), &audit.AuditEntry{
			EntityType: audit.EntityTypeLedger,
			EntityID:   userID.String(),
			Action:     audit.ActionGrant,
			Actor:      actor.Username,
			ActorRole:  string(actor.Role),
			OldValues:  before,
			NewValues:  acct.Balance,
			Reason:     reason,
			At:         u.UpdatedAt,
		})
		return err
	})
	if err != nil {
		if apperror.KindOf(err) == apperror.KindLedgerInvariant {
			s.auditSvc.RecordAnomaly(ctx, actor, userID, err)
		}
		return nil, err
	}

	s.metrics.Tokens("granted", delta)
	s.logger.Info().
		Str("userId", userID.String()).
		Int64("delta", delta).
		Int64("remaining", acct.Remaining).
		Str("actor", actor.Username).
		Msg("tokens granted")

	ctx = context.WithoutCancel(ctx)
	at := time.Now().UTC()
	for _, ev := range []changefeed.Event{
		{Collection: changefeed.CollectionUsers, ChangeType: changefeed.ChangeUpdate, EntityID: userID.String(), At: at},
		{Collection: changefeed.CollectionAudit, ChangeType: changefeed.ChangeInsert, At: at},
	} {
		if err := s.feed.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("collection", string(ev.Collection)).Msg("failed to publish change event")
		}
	}
	return acct, nil
}
