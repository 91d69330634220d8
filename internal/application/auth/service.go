package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	domainSession "github.com/facility-hub/facility-hub/internal/domain/session"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	domainUser "github.com/facility-hub/facility-hub/internal/domain/user"
)

// Service handles authentication.
type Service struct {
	st         store.Store
	auditSvc   *appAudit.Service
	sessionTTL time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService creates an auth service.
func NewService(st store.Store, auditSvc *appAudit.Service, sessionTTL time.Duration, logger zerolog.Logger) *Service {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Service{
		st:         st,
		auditSvc:   auditSvc,
		sessionTTL: sessionTTL,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("service", "auth").Logger(),
	}
}

// LoginResult contains login response.
type LoginResult struct {
	User    *domainUser.User
	Session *domainSession.Session
	Token   string
}

var errBadCredentials = apperror.New(apperror.KindUnauthorized, "invalid username or password")

// Login authenticates a user and creates a session.
func (s *Service) Login(ctx context.Context, username, password string, userAgent, ipAddress *string) (*LoginResult, error) {
	username = domainUser.NormalizeUsername(username)
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	var result *LoginResult
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		u, err := repos.Users().GetByUsername(ctx, username)
		if err != nil {
			return err
		}
		if u == nil || !domainUser.VerifyPassword(u.PasswordHash, password) {
			return errBadCredentials
		}
		now := s.now()
		sess := &domainSession.Session{
			SessionID:  uuid.New(),
			TokenHash:  hashToken(token),
			UserID:     u.UserID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.sessionTTL),
			LastSeenAt: &now,
			UserAgent:  userAgent,
			IPAddress:  ipAddress,
		}
		if err := repos.Sessions().Create(ctx, sess); err != nil {
			return err
		}
		result = &LoginResult{User: u, Session: sess, Token: token}
		return s.record(ctx, repos, u, sess, audit.ActionLogin)
	})
	if err != nil {
		if apperror.KindOf(err) == apperror.KindUnauthorized {
			s.logger.Info().Str("username", username).Msg("login rejected")
		}
		return nil, err
	}

	s.logger.Info().Str("userId", result.User.UserID.String()).Msg("user login")
	return result, nil
}

// Authenticate validates a session token and returns the user behind it. The
// role returned is the one stored now, not the one at login.
func (s *Service) Authenticate(ctx context.Context, token string) (*domainUser.User, *domainSession.Session, error) {
	if token == "" {
		return nil, nil, apperror.New(apperror.KindUnauthorized, "missing token")
	}
	tokenHash := hashToken(token)

	var (
		u    *domainUser.User
		sess *domainSession.Session
	)
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		sess, err = repos.Sessions().GetByTokenHash(ctx, tokenHash)
		if err != nil {
			return err
		}
		if sess == nil {
			return apperror.New(apperror.KindUnauthorized, "session not found")
		}
		u, err = repos.Users().GetByID(ctx, sess.UserID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	if sess.IsExpired(now) {
		if err := s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
			return repos.Sessions().DeleteByTokenHash(ctx, tokenHash)
		}); err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sess.SessionID.String()).Msg("failed to drop expired session")
		}
		return nil, nil, apperror.New(apperror.KindUnauthorized, "session expired")
	}
	if u == nil {
		return nil, nil, apperror.New(apperror.KindUnauthorized, "user no longer exists")
	}

	if err := s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return repos.Sessions().UpdateLastSeen(ctx, sess.SessionID, now)
	}); err != nil {
		s.logger.Debug().Err(err).Str("sessionId", sess.SessionID.String()).Msg("failed to touch session")
	}
	return u, sess, nil
}

// Logout deletes a session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	tokenHash := hashToken(token)
	return s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		sess, err := repos.Sessions().GetByTokenHash(ctx, tokenHash)
		if err != nil || sess == nil {
			return err
		}
		if err := repos.Sessions().DeleteByTokenHash(ctx, tokenHash); err != nil {
			return err
		}
		u, err := repos.Users().GetByID(ctx, sess.UserID)
		if err != nil || u == nil {
			return err
		}
		return s.record(ctx, repos, u, sess, audit.ActionLogout)
	})
}

func (s *Service) record(ctx context.Context, repos store.Repositories, u *domainUser.User, sess *domainSession.Session, action audit.Action) error {
	if s.auditSvc == nil {
		return nil
	}
	_, err := s.auditSvc.Record(ctx, repos.Audit(), &audit.AuditEntry{
		EntityType: audit.EntityTypeSession,
		EntityID:   sess.SessionID.String(),
		Action:     action,
		Actor:      u.Username,
		ActorRole:  string(u.Role),
		At:         s.now(),
	})
	return err
}

// PurgeExpired removes every session that expired before now.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	var n int
	err := s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		n, err = repos.Sessions().DeleteExpired(ctx, s.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("expired sessions purged")
	}
	return n, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
