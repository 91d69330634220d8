package httpapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/user"
)

type authContextKey string

const authUserKey authContextKey = "authUser"

// AuthUser represents the authenticated user in context.
type AuthUser struct {
	UserID    uuid.UUID
	Username  string
	Role      user.Role
	SessionID uuid.UUID
}

// Actor is the identity passed to services. The role is the one read when the
// request was authenticated.
func (u AuthUser) Actor() user.Actor {
	return user.Actor{UserID: u.UserID, Username: u.Username, Role: u.Role}
}

// ClientID keys the caller's synchronizer view.
func (u AuthUser) ClientID() string {
	return u.SessionID.String()
}

func withAuthUser(ctx context.Context, u *AuthUser) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, authUserKey, u)
}

func authUserFromContext(ctx context.Context) *AuthUser {
	val := ctx.Value(authUserKey)
	if v, ok := val.(*AuthUser); ok {
		return v
	}
	return nil
}
