package user

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role represents a user role.
type Role string

const (
	RoleRequester        Role = "requester"
	RoleFacilityAdmin    Role = "facility-admin"
	RoleInstitutionAdmin Role = "institution-admin"

	// RoleSystem is carried only by the engine's own background actor.
	RoleSystem Role = "system"
)

// IsAdmin reports whether the role may decide on bookings.
func (r Role) IsAdmin() bool {
	return r == RoleFacilityAdmin || r == RoleInstitutionAdmin
}

// User is a person who books machines against a token budget.
type User struct {
	ID              int64     `json:"id"`
	UserID          uuid.UUID `json:"userId"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"-"`
	Role            Role      `json:"role"`
	TokensGiven     int64     `json:"tokensGiven"`
	TokensConsumed  int64     `json:"tokensConsumed"`
	TokensRemaining int64     `json:"tokensRemaining"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}

// Actor is the already-authenticated identity behind an operation.
type Actor struct {
	UserID   uuid.UUID
	Username string
	Role     Role
}

// SystemActor identifies work the engine performs on its own.
func SystemActor() Actor {
	return Actor{Username: "system", Role: RoleSystem}
}

func (a Actor) IsAdmin() bool {
	return a.Role.IsAdmin()
}

func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

// ActorFor builds the actor for u.
func ActorFor(u *User) Actor {
	return Actor{UserID: u.UserID, Username: u.Username, Role: u.Role}
}

func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{2,30}[A-Za-z0-9]$`)

func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if !usernamePattern.MatchString(username) {
		return errors.New("username must be 4-32 chars, start with a letter, and contain only letters, digits, '.', '_' or '-'")
	}
	return nil
}

func ValidatePassword(password string, username string) error {
	if len(password) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return errors.New("password must include upper, lower, digit, and special character")
	}
	if username != "" && strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		return errors.New("password must not contain username")
	}
	return nil
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifyPassword(hash string, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidateRole accepts the roles a person can hold.
func ValidateRole(role Role) error {
	switch role {
	case RoleRequester, RoleFacilityAdmin, RoleInstitutionAdmin:
		return nil
	default:
		return errors.New("invalid role")
	}
}
