package user

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	domain "github.com/facility-hub/facility-hub/internal/domain/user"
)

// Service handles user management.
type Service struct {
	st       store.Store
	auditSvc *appAudit.Service
	feed     changefeed.Publisher
	logger   zerolog.Logger
}

// NewService creates a user service.
func NewService(st store.Store, auditSvc *appAudit.Service, feed changefeed.Publisher, logger zerolog.Logger) *Service {
	if feed == nil {
		feed = changefeed.Nop{}
	}
	return &Service{
		st:       st,
		auditSvc: auditSvc,
		feed:     feed,
		logger:   logger.With().Str("service", "user").Logger(),
	}
}

// CreateInput defines user creation input.
type CreateInput struct {
	Username string
	Password string
	Role     domain.Role
	Tokens   int64
}

func (in CreateInput) validate() (string, error) {
	username := domain.NormalizeUsername(in.Username)
	if err := domain.ValidateUsername(username); err != nil {
		return "", apperror.Wrap(apperror.KindInvalidArgument, err, "invalid user")
	}
	if err := domain.ValidatePassword(in.Password, username); err != nil {
		return "", apperror.Wrap(apperror.KindInvalidArgument, err, "invalid user")
	}
	if err := domain.ValidateRole(in.Role); err != nil {
		return "", apperror.Wrap(apperror.KindInvalidArgument, err, "invalid user")
	}
	if in.Tokens < 0 {
		return "", apperror.New(apperror.KindInvalidArgument, "initial tokens must not be negative")
	}
	return username, nil
}

func newUser(username, password string, role domain.Role, tokens int64) (*domain.User, error) {
	hash, err := domain.HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &domain.User{
		UserID:          uuid.New(),
		Username:        username,
		PasswordHash:    hash,
		Role:            role,
		TokensGiven:     tokens,
		TokensRemaining: tokens,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Bootstrap creates the first institution administrator. It fails once any
// user exists.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (*domain.User, error) {
	input := CreateInput{Username: username, Password: password, Role: domain.RoleInstitutionAdmin}
	name, err := input.validate()
	if err != nil {
		return nil, err
	}
	u, err := newUser(name, password, domain.RoleInstitutionAdmin, 0)
	if err != nil {
		return nil, err
	}
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		n, err := repos.Users().Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.New(apperror.KindInUse, "users already exist")
		}
		if err := repos.Users().Create(ctx, u); err != nil {
			return err
		}
		return s.record(ctx, repos, domain.SystemActor(), u.UserID, audit.ActionCreate, nil, u)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("userId", u.UserID.String()).Str("username", u.Username).Msg("bootstrap administrator created")
	s.publish(ctx, changefeed.ChangeInsert, u.UserID)
	return u, nil
}

// Create adds a user with an initial token allowance. Administrator roles can
// only be handed out by an institution administrator.
func (s *Service) Create(ctx context.Context, actor domain.Actor, input CreateInput) (*domain.User, error) {
	if !actor.IsAdmin() {
		return nil, apperror.New(apperror.KindUnauthorized, "creating users requires an administrator")
	}
	if input.Role.IsAdmin() && actor.Role != domain.RoleInstitutionAdmin {
		return nil, apperror.New(apperror.KindUnauthorized, "only an institution administrator can create administrators")
	}
	username, err := input.validate()
	if err != nil {
		return nil, err
	}
	u, err := newUser(username, input.Password, input.Role, input.Tokens)
	if err != nil {
		return nil, err
	}
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		if err := repos.Users().Create(ctx, u); err != nil {
			return err
		}
		return s.record(ctx, repos, actor, u.UserID, audit.ActionCreate, nil, u)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("userId", u.UserID.String()).Str("username", u.Username).Str("role", string(u.Role)).Msg("user created")
	s.publish(ctx, changefeed.ChangeInsert, u.UserID)
	return u, nil
}

// ChangeRole assigns role to userID. Operations already in flight keep the
// role they were authorized with.
func (s *Service) ChangeRole(ctx context.Context, actor domain.Actor, userID uuid.UUID, role domain.Role) (*domain.User, error) {
	if actor.Role != domain.RoleInstitutionAdmin {
		return nil, apperror.New(apperror.KindUnauthorized, "changing roles requires an institution administrator")
	}
	if err := domain.ValidateRole(role); err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid role")
	}
	if userID == actor.UserID && role != domain.RoleInstitutionAdmin {
		return nil, apperror.New(apperror.KindInvalidArgument, "cannot demote yourself")
	}
	var updated *domain.User
	err := s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		u, err := repos.Users().GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return apperror.New(apperror.KindNotFound, "user %s not found", userID)
		}
		before := map[string]string{"role": string(u.Role)}
		u.Role = role
		u.UpdatedAt = time.Now().UTC()
		if err := repos.Users().Update(ctx, u); err != nil {
			return err
		}
		updated = u
		return s.record(ctx, repos, actor, u.UserID, audit.ActionUpdate, before, map[string]string{"role": string(role)})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("userId", userID.String()).Str("role", string(role)).Str("actor", actor.Username).Msg("user role changed")
	s.publish(ctx, changefeed.ChangeUpdate, userID)
	return updated, nil
}

// SetPassword replaces the password of userID. Users may change their own;
// an institution administrator may change anyone's.
func (s *Service) SetPassword(ctx context.Context, actor domain.Actor, userID uuid.UUID, password string) error {
	if actor.UserID != userID && actor.Role != domain.RoleInstitutionAdmin {
		return apperror.New(apperror.KindUnauthorized, "cannot change another user's password")
	}
	err := s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		u, err := repos.Users().GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return apperror.New(apperror.KindNotFound, "user %s not found", userID)
		}
		if err := domain.ValidatePassword(password, u.Username); err != nil {
			return apperror.Wrap(apperror.KindInvalidArgument, err, "invalid password")
		}
		hash, err := domain.HashPassword(password)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		u.UpdatedAt = time.Now().UTC()
		if err := repos.Users().Update(ctx, u); err != nil {
			return err
		}
		return s.record(ctx, repos, actor, u.UserID, audit.ActionUpdate, nil, map[string]bool{"passwordChanged": true})
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("userId", userID.String()).Str("actor", actor.Username).Msg("password changed")
	return nil
}

func (s *Service) Get(ctx context.Context, actor domain.Actor, userID uuid.UUID) (*domain.User, error) {
	if !actor.IsAdmin() && actor.UserID != userID {
		return nil, apperror.New(apperror.KindUnauthorized, "cannot read another user")
	}
	var u *domain.User
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

func (s *Service) List(ctx context.Context, actor domain.Actor, filter domain.Filter, limit, offset int) ([]*domain.User, error) {
	if !actor.IsAdmin() {
		return nil, apperror.New(apperror.KindUnauthorized, "listing users requires an administrator")
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.User
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		out, err = repos.Users().List(ctx, filter, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*domain.User{}
	}
	return out, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		n, err = repos.Users().Count(ctx)
		return err
	})
	return n, err
}

func (s *Service) record(ctx context.Context, repos store.Repositories, actor domain.Actor, userID uuid.UUID, action audit.Action, before, after interface{}) error {
	_, err := s.auditSvc.Record(ctx, repos.Audit(), &audit.AuditEntry{
		EntityType: audit.EntityTypeUser,
		EntityID:   userID.String(),
		Action:     action,
		Actor:      actor.Username,
		ActorRole:  string(actor.Role),
		OldValues:  before,
		NewValues:  after,
		At:         time.Now().UTC(),
	})
	return err
}

func (s *Service) publish(ctx context.Context, change changefeed.ChangeType, userID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	at := time.Now().UTC()
	for _, ev := range []changefeed.Event{
		{Collection: changefeed.CollectionUsers, ChangeType: change, EntityID: userID.String(), At: at},
		{Collection: changefeed.CollectionAudit, ChangeType: changefeed.ChangeInsert, At: at},
	} {
		if err := s.feed.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("collection", string(ev.Collection)).Msg("failed to publish change event")
		}
	}
}
