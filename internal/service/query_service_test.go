package service

import (
	"context"
	"errors"
	"testing"

	"installment-service/internal/apperrors"
	"installment-service/internal/collateral"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNextDue(t *testing.T) {
	f, id := newCollectFixture(t)
	ctx := context.Background()

	next, err := f.queries.GetNextDue(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, next, "nothing is due before the first due date")

	f.clock.Advance(2 * day)
	next, err = f.queries.GetNextDue(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Number)

	_, err = f.collect(id, 1)
	require.NoError(t, err)
	next, err = f.queries.GetNextDue(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Number)

	_, err = f.collect(id, 2)
	require.NoError(t, err)
	next, err = f.queries.GetNextDue(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, next, "installment 3 is not due yet")

	_, err = f.queries.GetNextDue(ctx, "PLN-missing")
	assert.ErrorIs(t, err, apperrors.ErrPlanNotFound)
}

func TestGetNextDueSkipsFailed(t *testing.T) {
	f, id := newCollectFixture(t)
	ctx := context.Background()
	f.clock.Advance(2 * day)

	f.gateway.SetBalance(alice, dec(0), dec(0))
	_, err := f.collect(id, 1)
	require.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	next, err := f.queries.GetNextDue(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Number)
}

func TestGetPlanSummary(t *testing.T) {
	f, id := newCollectFixture(t)
	ctx := context.Background()

	summary, err := f.queries.GetPlanSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, summary.Plan.PlanID)
	assert.True(t, summary.AvailableValue.Equal(dec(7000)))
	assert.True(t, summary.ProtectedValue.Equal(dec(3000)))

	f.gateway.FailOn(collateral.OpGetValues, errors.New("holder unavailable"))
	_, err = f.queries.GetPlanSummary(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrBufferContract)

	_, err = f.queries.GetPlanSummary(ctx, "PLN-missing")
	assert.ErrorIs(t, err, apperrors.ErrPlanNotFound)
}

func TestGetUserPlansInCreationOrder(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetBalance(alice, dec(10000), dec(0))
	ctx := context.Background()

	first := f.createPlan(t, 1000, 2)
	second := f.createPlan(t, 2000, 4)

	ids, err := f.queries.GetUserPlans(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, ids)

	plan, err := f.queries.GetPlan(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.InstallmentsCount)

	ids, err = f.queries.GetUserPlans(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
