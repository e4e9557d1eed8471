package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"installment-service/internal/apperrors"
	"installment-service/internal/collateral"
	"installment-service/internal/lock"
	"installment-service/internal/models"
	"installment-service/internal/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

// newCollectFixture sets up 10 tokens per share and a 3000 plan in three
// installments of 1000, locking 300 of alice's 1000 shares.
func newCollectFixture(t *testing.T) (*fixture, string) {
	t.Helper()

	f := newFixture(t)
	f.gateway.SetExchangeRate(dec(10000), dec(1000))
	f.gateway.SetBalance(alice, dec(1000), dec(0))
	id := f.createPlan(t, 3000, 3)
	return f, id
}

func TestCollectFromAvailable(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)

	res, err := f.collect(id, 1)
	require.NoError(t, err)
	require.NotNil(t, res.PaymentSource)
	assert.Equal(t, models.PaymentSourceAvailable, *res.PaymentSource)
	assert.True(t, res.SharesUsed.Equal(dec(100)))

	plan := f.plan(t, id)
	// floor(100 * 300 / 3000) = 10
	assert.True(t, plan.ProtectedShares.Equal(dec(290)))
	assert.Equal(t, models.PlanStatusActive, plan.Status)
	inst := plan.Installments[0]
	assert.Equal(t, models.InstallmentStatusPaid, inst.Status)
	require.NotNil(t, inst.PaidAt)
	assert.True(t, inst.PaidAt.Equal(f.clock.Now()))
	require.NotNil(t, inst.PaymentSource)
	assert.Equal(t, models.PaymentSourceAvailable, *inst.PaymentSource)

	bal := f.balance(t)
	assert.True(t, bal.AvailableShares.Equal(dec(600)))
	assert.True(t, bal.ProtectedShares.Equal(dec(300)))
	assert.True(t, f.gateway.Transferred(shop).Equal(dec(1000)))
	assert.Zero(t, f.gateway.CallCount(collateral.OpDebitProtected))

	require.Len(t, f.publisher.paid, 1)
	event := f.publisher.paid[0]
	assert.Equal(t, models.EventTypeInstallmentPaid, event.EventType)
	assert.Equal(t, 1, event.InstallmentNumber)
	assert.True(t, event.SharesUsed.Equal(dec(100)))
}

// available=50, protected=300 after the lock: the debit comes out of protected
func TestCollectFallsBackToProtected(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetExchangeRate(dec(10000), dec(1000))
	f.gateway.SetBalance(alice, dec(350), dec(0))
	id := f.createPlan(t, 3000, 3)
	f.clock.Advance(day)

	res, err := f.collect(id, 1)
	require.NoError(t, err)
	require.NotNil(t, res.PaymentSource)
	assert.Equal(t, models.PaymentSourceProtected, *res.PaymentSource)

	plan := f.plan(t, id)
	assert.True(t, plan.ProtectedShares.Equal(dec(200)))
	requireProtectedInvariant(t, plan)

	bal := f.balance(t)
	assert.True(t, bal.AvailableShares.Equal(dec(50)))
	assert.True(t, bal.ProtectedShares.Equal(dec(200)))
	assert.Zero(t, f.gateway.CallCount(collateral.OpDebitAvailable))
	assert.Equal(t, 1, f.gateway.CallCount(collateral.OpDebitProtected))

	calls := f.gateway.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, engineID, last.Caller)
}

// both partitions below shares_needed: default, persisted, no debit attempted
func TestCollectDefault(t *testing.T) {
	f, id := newCollectFixture(t)
	f.gateway.SetBalance(alice, dec(50), dec(50))
	f.clock.Advance(day)

	res, err := f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	require.NotNil(t, res)
	assert.Nil(t, res.PaymentSource)
	assert.Equal(t, models.PlanStatusDefaulted, res.PlanStatus)

	plan := f.plan(t, id)
	assert.Equal(t, models.PlanStatusDefaulted, plan.Status)
	assert.Equal(t, models.InstallmentStatusFailed, plan.Installments[0].Status)
	assert.Nil(t, plan.Installments[0].PaidAt)
	assert.Nil(t, plan.Installments[0].PaymentSource)
	assert.True(t, plan.ProtectedShares.Equal(dec(300)))

	assert.Zero(t, f.gateway.CallCount(collateral.OpDebitAvailable))
	assert.Zero(t, f.gateway.CallCount(collateral.OpDebitProtected))

	require.Len(t, f.publisher.failed, 1)
	assert.Equal(t, models.EventTypeInstallmentFailed, f.publisher.failed[0].EventType)
	assert.Nil(t, f.publisher.failed[0].PaymentSource)
	assert.True(t, f.publisher.failed[0].SharesUsed.IsZero())

	_, err = f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyPaid)
}

func TestCollectAllCompletesAndUnlocksOnce(t *testing.T) {
	f, id := newCollectFixture(t)

	for n := 1; n <= 3; n++ {
		f.clock.Advance(day)
		_, err := f.collect(id, n)
		require.NoError(t, err)
		requireProtectedInvariant(t, f.plan(t, id))
	}

	plan := f.plan(t, id)
	assert.Equal(t, models.PlanStatusCompleted, plan.Status)
	assert.True(t, plan.ProtectedShares.IsZero())
	assert.True(t, plan.AllPaid())

	require.Equal(t, 1, f.gateway.CallCount(collateral.OpUnlockShares))
	var unlock collateral.Call
	for _, c := range f.gateway.Calls() {
		if c.Op == collateral.OpUnlockShares {
			unlock = c
		}
	}
	// 300 - 3*10 left on the plan at completion
	assert.True(t, unlock.Shares.Equal(dec(270)))
	assert.Equal(t, engineID, unlock.Caller)

	bal := f.balance(t)
	assert.True(t, bal.ProtectedShares.Equal(dec(30)))
	assert.True(t, bal.AvailableShares.Equal(dec(670)))
}

func TestCollectCompletionUnlockFailureThenRelease(t *testing.T) {
	f, id := newCollectFixture(t)
	ctx := context.Background()

	for n := 1; n <= 2; n++ {
		f.clock.Advance(day)
		_, err := f.collect(id, n)
		require.NoError(t, err)
	}

	f.gateway.FailOn(collateral.OpUnlockShares, errors.New("holder unavailable"))
	f.clock.Advance(day)
	res, err := f.collect(id, 3)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusCompleted, res.PlanStatus)
	assert.True(t, res.ProtectedShares.Equal(dec(270)))

	_, err = f.engine.ReleaseCollateral(ctx, alice, id)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = f.engine.ReleaseCollateral(ctx, engineID, id)
	assert.ErrorIs(t, err, apperrors.ErrBufferContract)
	assert.True(t, f.plan(t, id).ProtectedShares.Equal(dec(270)))

	f.gateway.ClearFailures()
	plan, err := f.engine.ReleaseCollateral(ctx, engineID, id)
	require.NoError(t, err)
	assert.True(t, plan.ProtectedShares.IsZero())
	assert.True(t, f.plan(t, id).ProtectedShares.IsZero())

	// nothing left to release
	_, err = f.engine.ReleaseCollateral(ctx, engineID, id)
	require.NoError(t, err)
	assert.Equal(t, 3, f.gateway.CallCount(collateral.OpUnlockShares))
}

func TestReleaseCollateralRequiresCompletedPlan(t *testing.T) {
	f, id := newCollectFixture(t)

	_, err := f.engine.ReleaseCollateral(context.Background(), engineID, id)
	assert.ErrorIs(t, err, apperrors.ErrPlanNotActive)
	assert.Zero(t, f.gateway.CallCount(collateral.OpUnlockShares))
}

func TestDefaultedPlanNeverCompletes(t *testing.T) {
	f, id := newCollectFixture(t)
	f.gateway.SetBalance(alice, dec(50), dec(50))
	f.clock.Advance(day)

	_, err := f.collect(id, 1)
	require.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	f.gateway.SetBalance(alice, dec(1000), dec(300))
	for n := 2; n <= 3; n++ {
		f.clock.Advance(day)
		_, err := f.collect(id, n)
		require.NoError(t, err)
	}

	plan := f.plan(t, id)
	assert.Equal(t, models.PlanStatusDefaulted, plan.Status)
	assert.Equal(t, models.InstallmentStatusPaid, plan.Installments[2].Status)
	assert.Zero(t, f.gateway.CallCount(collateral.OpUnlockShares))

	_, err = f.engine.ReleaseCollateral(context.Background(), engineID, id)
	assert.ErrorIs(t, err, apperrors.ErrPlanNotActive)
}

func TestCollectFailedDebitFallsThrough(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)
	f.gateway.FailOn(collateral.OpDebitAvailable, collateral.ErrInsufficientAvailable)

	res, err := f.collect(id, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSourceProtected, *res.PaymentSource)
	assert.Equal(t, 1, f.gateway.CallCount(collateral.OpDebitAvailable))
	assert.True(t, f.plan(t, id).ProtectedShares.Equal(dec(200)))
}

func TestCollectBothDebitsFailDefaults(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)
	f.gateway.FailOn(collateral.OpDebitAvailable, collateral.ErrInsufficientAvailable)
	f.gateway.FailOn(collateral.OpDebitProtected, collateral.ErrInsufficientProtected)

	_, err := f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Equal(t, models.PlanStatusDefaulted, f.plan(t, id).Status)
}

func TestCollectPreconditions(t *testing.T) {
	f, id := newCollectFixture(t)
	ctx := context.Background()

	_, err := f.collect("PLN-missing", 1)
	assert.ErrorIs(t, err, apperrors.ErrPlanNotFound)

	_, err = f.engine.CollectInstallment(ctx, "mallory", &CollectRequest{PlanID: id, InstallmentNumber: 1})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = f.collect(id, 0)
	assert.ErrorIs(t, err, apperrors.ErrInstallmentNotFound)
	_, err = f.collect(id, 4)
	assert.ErrorIs(t, err, apperrors.ErrInstallmentNotFound)

	_, err = f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotDueYet)

	f.clock.Advance(day)
	_, err = f.collect(id, 2)
	assert.ErrorIs(t, err, apperrors.ErrNotDueYet)

	_, err = f.collect(id, 1)
	require.NoError(t, err)
	_, err = f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyPaid)

	assert.Equal(t, 1, f.gateway.CallCount(collateral.OpDebitAvailable))
}

func TestCollectAbortLeavesNoChange(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)
	before := f.plan(t, id)

	f.gateway.FailOn(collateral.OpGetBalance, errors.New("holder unavailable"))
	_, err := f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrBufferContract)

	assert.Equal(t, before, f.plan(t, id))
	assert.Zero(t, f.gateway.CallCount(collateral.OpDebitAvailable))
	assert.Empty(t, f.publisher.paid)
	assert.Empty(t, f.publisher.failed)
}

func TestCollectByAutomationIdentity(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)

	res, err := f.engine.CollectInstallment(context.Background(), collectorID, &CollectRequest{
		PlanID:            id,
		InstallmentNumber: 1,
		MerchantOverride:  "marketplace",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSourceAvailable, *res.PaymentSource)
	assert.True(t, f.gateway.Transferred("marketplace").Equal(dec(1000)))
	assert.True(t, f.gateway.Transferred(shop).IsZero())

	calls := f.gateway.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, collateral.OpDebitAvailable, last.Op)
	assert.Equal(t, alice, last.Caller)
}

func TestCollectCommitFailureAfterDebit(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)
	f.store.FailNextCommit(errors.New("connection reset"))

	_, err := f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrInternal)

	// the debit happened at the holder but the plan is unchanged
	assert.Equal(t, 1, f.gateway.CallCount(collateral.OpDebitAvailable))
	assert.Equal(t, models.InstallmentStatusPending, f.plan(t, id).Installments[0].Status)
	assert.Empty(t, f.publisher.paid)
}

// lostReplyGateway applies a debit at the holder and then reports a transport
// failure, as a timeout after the holder committed would.
type lostReplyGateway struct {
	*collateral.Memory
}

func (g lostReplyGateway) DebitAvailable(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (*collateral.WithdrawResult, error) {
	if _, err := g.Memory.DebitAvailable(ctx, caller, user, shares, to); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: POST /debit/available: read timeout", collateral.ErrUnavailable)
}

func TestCollectUnknownDebitOutcomeDoesNotFallThrough(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)
	before := f.plan(t, id)
	flagged := testutil.ToFloat64(util.CollateralReconciliationRequired)

	engine := NewPaymentEngine(f.store, lostReplyGateway{f.gateway}, lock.NewKeyedMutex(), f.publisher, Config{
		EngineIdentity: engineID,
		Now:            f.clock.Now,
	})
	_, err := engine.CollectInstallment(context.Background(), alice, &CollectRequest{PlanID: id, InstallmentNumber: 1})
	assert.ErrorIs(t, err, apperrors.ErrDebitOutcomeUnknown)
	assert.NotErrorIs(t, err, apperrors.ErrBufferContract)

	// paid exactly once, nothing recorded
	assert.True(t, f.gateway.Transferred(shop).Equal(dec(1000)))
	assert.Equal(t, 1, f.gateway.CallCount(collateral.OpDebitAvailable))
	assert.Zero(t, f.gateway.CallCount(collateral.OpDebitProtected))
	assert.Equal(t, before, f.plan(t, id))
	assert.Empty(t, f.publisher.paid)
	assert.Empty(t, f.publisher.failed)
	assert.Equal(t, flagged+1, testutil.ToFloat64(util.CollateralReconciliationRequired))
}

func TestCollectUnknownProtectedDebitAborts(t *testing.T) {
	f, id := newCollectFixture(t)
	f.clock.Advance(day)
	f.gateway.FailOn(collateral.OpDebitAvailable, collateral.ErrInsufficientAvailable)
	f.gateway.FailOn(collateral.OpDebitProtected, collateral.ErrUnavailable)

	_, err := f.collect(id, 1)
	assert.ErrorIs(t, err, apperrors.ErrDebitOutcomeUnknown)

	plan := f.plan(t, id)
	assert.Equal(t, models.PlanStatusActive, plan.Status)
	assert.Equal(t, models.InstallmentStatusPending, plan.Installments[0].Status)
	assert.Empty(t, f.publisher.failed)
}
