// Package ledger applies token balance changes to a user record.
//
// Every function keeps TokensRemaining == TokensGiven - TokensConsumed and
// refuses to leave any of the three negative. Callers persist the mutated user
// in the same transaction as the booking change that caused it.
package ledger

import (
	"math"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// Balance is a read-only view of a user's tokens.
type Balance struct {
	Given     int64 `json:"given"`
	Consumed  int64 `json:"consumed"`
	Remaining int64 `json:"remaining"`
}

func BalanceOf(u *user.User) Balance {
	return Balance{Given: u.TokensGiven, Consumed: u.TokensConsumed, Remaining: u.TokensRemaining}
}

// CanAfford reports whether u has at least cost tokens left.
func CanAfford(u *user.User, cost int64) bool {
	return cost >= 0 && u.TokensRemaining >= cost
}

// Reserve charges cost to u.
func Reserve(u *user.User, cost int64) error {
	if err := CheckInvariant(u); err != nil {
		return err
	}
	if cost < 0 {
		return apperror.New(apperror.KindLedgerInvariant, "negative reservation %d for user %s", cost, u.UserID)
	}
	if !CanAfford(u, cost) {
		return apperror.New(apperror.KindInsufficientTokens, "cost %d exceeds remaining balance %d", cost, u.TokensRemaining)
	}
	u.TokensConsumed += cost
	u.TokensRemaining = u.TokensGiven - u.TokensConsumed
	return nil
}

// Release refunds cost previously reserved for u.
func Release(u *user.User, cost int64) error {
	if err := CheckInvariant(u); err != nil {
		return err
	}
	if cost < 0 {
		return apperror.New(apperror.KindLedgerInvariant, "negative release %d for user %s", cost, u.UserID)
	}
	if cost > u.TokensConsumed {
		return apperror.New(apperror.KindLedgerInvariant, "release %d exceeds consumed %d for user %s", cost, u.TokensConsumed, u.UserID)
	}
	u.TokensConsumed -= cost
	u.TokensRemaining = u.TokensGiven - u.TokensConsumed
	return nil
}

// Grant raises u's allowance by delta.
func Grant(u *user.User, delta int64) error {
	if delta <= 0 {
		return apperror.New(apperror.KindInvalidArgument, "grant must be positive")
	}
	if err := CheckInvariant(u); err != nil {
		return err
	}
	if u.TokensGiven > math.MaxInt64-delta {
		return apperror.New(apperror.KindLedgerInvariant, "grant %d overflows allowance for user %s", delta, u.UserID)
	}
	u.TokensGiven += delta
	u.TokensRemaining = u.TokensGiven - u.TokensConsumed
	return nil
}

// CheckInvariant verifies the stored balance is self-consistent.
func CheckInvariant(u *user.User) error {
	if u.TokensGiven < 0 || u.TokensConsumed < 0 || u.TokensRemaining < 0 {
		return apperror.New(apperror.KindLedgerInvariant, "negative balance field for user %s (given=%d consumed=%d remaining=%d)",
			u.UserID, u.TokensGiven, u.TokensConsumed, u.TokensRemaining)
	}
	if u.TokensRemaining != u.TokensGiven-u.TokensConsumed {
		return apperror.New(apperror.KindLedgerInvariant, "remaining %d != given %d - consumed %d for user %s",
			u.TokensRemaining, u.TokensGiven, u.TokensConsumed, u.UserID)
	}
	return nil
}
