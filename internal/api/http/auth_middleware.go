package httpapi

import (
	"net/http"
	"strings"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r, s.sessionCookieName)
		u, sess, err := s.authSvc.Authenticate(r.Context(), token)
		if err != nil {
			if apperror.KindOf(err) == apperror.KindTransient {
				s.respondAppError(w, r, err)
				return
			}
			respondError(w, http.StatusUnauthorized, string(apperror.KindUnauthorized), err.Error())
			return
		}
		ctx := withAuthUser(r.Context(), &AuthUser{
			UserID:    u.UserID,
			Username:  u.Username,
			Role:      u.Role,
			SessionID: sess.SessionID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request, cookieName string) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

// actor returns the authenticated caller. Routes behind requireAuth always have one.
func actor(r *http.Request) *AuthUser {
	return authUserFromContext(r.Context())
}
