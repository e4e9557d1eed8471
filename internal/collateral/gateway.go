// Package collateral is the boundary to the external collateral holder
// ("Buffer") that keeps each user's pooled shares split into available and
// protected partitions.
package collateral

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Operation names a gateway call, used for authorization, metrics and fault injection
type Operation string

// Gateway operations
const (
	OpGetBalance      Operation = "get_balance"
	OpGetValues       Operation = "get_values"
	OpSharesForAmount Operation = "shares_for_amount"
	OpLockShares      Operation = "lock_shares"
	OpUnlockShares    Operation = "unlock_shares"
	OpDebitAvailable  Operation = "debit_available"
	OpDebitProtected  Operation = "debit_protected"
)

var (
	ErrUnauthorized          = errors.New("collateral: unauthorized caller")
	ErrInvalidAmount         = errors.New("collateral: invalid amount")
	ErrInsufficientAvailable = errors.New("collateral: insufficient available shares")
	ErrInsufficientProtected = errors.New("collateral: insufficient protected shares")
	ErrUnavailable           = errors.New("collateral: collaborator unavailable")
)

// Balance is a user's share position
type Balance struct {
	AvailableShares decimal.Decimal `json:"available_shares"`
	ProtectedShares decimal.Decimal `json:"protected_shares"`
	TotalDeposited  decimal.Decimal `json:"total_deposited"`
	LastDepositTS   int64           `json:"last_deposit_ts"`
	Version         uint64          `json:"version"`
}

// Values is a user's position in token units
type Values struct {
	Available decimal.Decimal `json:"available_value"`
	Protected decimal.Decimal `json:"protected_value"`
	Total     decimal.Decimal `json:"total_value"`
}

// LockResult is returned by lock and unlock
type LockResult struct {
	SharesLocked decimal.Decimal `json:"shares_locked"`
	NewAvailable decimal.Decimal `json:"new_available"`
	NewProtected decimal.Decimal `json:"new_protected"`
}

// WithdrawResult is returned by both debit operations
type WithdrawResult struct {
	SharesBurned        decimal.Decimal   `json:"shares_burned"`
	AmountsReceived     []decimal.Decimal `json:"amounts_received"`
	NewAvailableBalance decimal.Decimal   `json:"new_available_balance"`
	FromProtected       bool              `json:"from_protected"`
}

// Gateway is the contract-level interface to the collateral holder.
// caller is the identity the call is made under; the holder enforces the
// same rules as Authorize.
type Gateway interface {
	GetBalance(ctx context.Context, user string) (*Balance, error)
	GetValues(ctx context.Context, user string) (*Values, error)
	SharesForAmount(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	LockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (*LockResult, error)
	UnlockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (*LockResult, error)
	DebitAvailable(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (*WithdrawResult, error)
	DebitProtected(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (*WithdrawResult, error)
}

// Authorize is the trust predicate for mutating gateway calls. Lock and
// debit-from-available act on the user's own funds and need the user;
// unlock and debit-from-protected touch collateral and need the engine.
func Authorize(op Operation, caller, user, engine string) error {
	switch op {
	case OpLockShares, OpDebitAvailable:
		if caller != "" && caller == user {
			return nil
		}
	case OpUnlockShares, OpDebitProtected:
		if caller != "" && caller == engine {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("%w: %s by %q for %q", ErrUnauthorized, op, caller, user)
}
