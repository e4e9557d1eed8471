package collateral

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEngine = "engine"
	testUser   = "alice"
	testShop   = "shop"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Authorize(OpLockShares, testUser, testUser, testEngine))
	assert.NoError(t, Authorize(OpDebitAvailable, testUser, testUser, testEngine))
	assert.ErrorIs(t, Authorize(OpLockShares, "mallory", testUser, testEngine), ErrUnauthorized)
	assert.ErrorIs(t, Authorize(OpDebitAvailable, testEngine, testUser, testEngine), ErrUnauthorized)

	assert.NoError(t, Authorize(OpUnlockShares, testEngine, testUser, testEngine))
	assert.NoError(t, Authorize(OpDebitProtected, testEngine, testUser, testEngine))
	assert.ErrorIs(t, Authorize(OpUnlockShares, testUser, testUser, testEngine), ErrUnauthorized)
	assert.ErrorIs(t, Authorize(OpDebitProtected, testUser, testUser, testEngine), ErrUnauthorized)

	assert.ErrorIs(t, Authorize(OpUnlockShares, "", testUser, ""), ErrUnauthorized)
	assert.NoError(t, Authorize(OpGetBalance, "", testUser, testEngine))
}

func TestMemoryLockUnlock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testEngine)
	m.SetBalance(testUser, dec(1000), dec(0))

	res, err := m.LockShares(ctx, testUser, testUser, dec(300))
	require.NoError(t, err)
	assert.True(t, res.NewAvailable.Equal(dec(700)))
	assert.True(t, res.NewProtected.Equal(dec(300)))

	_, err = m.LockShares(ctx, testUser, testUser, dec(701))
	assert.ErrorIs(t, err, ErrInsufficientAvailable)

	_, err = m.UnlockShares(ctx, testUser, testUser, dec(10))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = m.UnlockShares(ctx, testEngine, testUser, dec(301))
	assert.ErrorIs(t, err, ErrInsufficientProtected)

	res, err = m.UnlockShares(ctx, testEngine, testUser, dec(100))
	require.NoError(t, err)
	assert.True(t, res.NewAvailable.Equal(dec(800)))
	assert.True(t, res.NewProtected.Equal(dec(200)))

	_, err = m.LockShares(ctx, testUser, testUser, dec(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	bal, err := m.GetBalance(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), bal.Version)
}

func TestMemoryDebits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testEngine)
	m.SetBalance(testUser, dec(50), dec(250))

	_, err := m.DebitAvailable(ctx, testUser, testUser, dec(100), testShop)
	assert.ErrorIs(t, err, ErrInsufficientAvailable)

	_, err = m.DebitProtected(ctx, testUser, testUser, dec(100), testShop)
	assert.ErrorIs(t, err, ErrUnauthorized)

	res, err := m.DebitProtected(ctx, testEngine, testUser, dec(100), testShop)
	require.NoError(t, err)
	assert.True(t, res.FromProtected)
	assert.True(t, res.SharesBurned.Equal(dec(100)))

	bal, err := m.GetBalance(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, bal.ProtectedShares.Equal(dec(150)))
	assert.True(t, bal.AvailableShares.Equal(dec(50)))
	assert.True(t, m.Transferred(testShop).Equal(dec(100)))
}

func TestMemorySharesForAmountUsesVaultRate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testEngine)

	shares, err := m.SharesForAmount(ctx, dec(1000))
	require.NoError(t, err)
	assert.True(t, shares.Equal(dec(1000)), "empty vault converts 1:1")

	m.SetExchangeRate(dec(10000), dec(1000))
	shares, err = m.SharesForAmount(ctx, dec(1000))
	require.NoError(t, err)
	assert.True(t, shares.Equal(dec(100)))

	// yield accrued: each share is now worth more, so fewer are needed, rounded up
	m.SetExchangeRate(dec(10500), dec(1000))
	shares, err = m.SharesForAmount(ctx, dec(1000))
	require.NoError(t, err)
	assert.True(t, shares.Equal(dec(96)))

	_, err = m.SharesForAmount(ctx, dec(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMemoryGetValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testEngine)
	m.SetExchangeRate(dec(10000), dec(1000))
	m.SetBalance(testUser, dec(700), dec(300))

	vals, err := m.GetValues(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, vals.Available.Equal(dec(7000)))
	assert.True(t, vals.Protected.Equal(dec(3000)))
	assert.True(t, vals.Total.Equal(dec(10000)))
}

func TestMemoryDeposit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testEngine)

	shares, err := m.Deposit(testUser, dec(500))
	require.NoError(t, err)
	assert.True(t, shares.Equal(dec(500)))

	bal, err := m.GetBalance(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, bal.AvailableShares.Equal(dec(500)))
	assert.True(t, bal.TotalDeposited.Equal(dec(500)))
	assert.NotZero(t, bal.LastDepositTS)
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testEngine)
	m.SetBalance(testUser, dec(1000), dec(0))

	boom := errors.New("boom")
	m.FailOn(OpLockShares, boom)

	_, err := m.LockShares(ctx, testUser, testUser, dec(10))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.CallCount(OpLockShares))

	bal, err := m.GetBalance(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, bal.AvailableShares.Equal(dec(1000)), "failed call must not mutate")

	m.ClearFailures()
	_, err = m.LockShares(ctx, testUser, testUser, dec(10))
	assert.NoError(t, err)
	assert.Len(t, m.Calls(), 3)
}
