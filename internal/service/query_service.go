package service

import (
	"context"

	"installment-service/internal/collateral"
	"installment-service/internal/models"
	"installment-service/internal/store"
	"installment-service/internal/util"
)

// QueryService serves read-only plan projections
type QueryService struct {
	store   store.PlanStore
	gateway collateral.Gateway
	cfg     Config
}

// NewQueryService creates a new query service
func NewQueryService(store store.PlanStore, gateway collateral.Gateway, cfg Config) *QueryService {
	return &QueryService{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
	}
}

// GetPlan returns the full plan
func (q *QueryService) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	ctx, span := util.StartSpan(ctx, "QueryService.GetPlan")
	defer span.End()

	plan, err := q.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, storeError(err)
	}
	return plan, nil
}

// GetUserPlans returns the user's plan ids in creation order
func (q *QueryService) GetUserPlans(ctx context.Context, user string) ([]string, error) {
	ctx, span := util.StartSpan(ctx, "QueryService.GetUserPlans")
	defer span.End()

	ids, err := q.store.GetUserPlans(ctx, user)
	if err != nil {
		return nil, storeError(err)
	}
	return ids, nil
}

// GetNextDue returns the lowest-numbered pending installment that is already
// due, or nil when there is none.
func (q *QueryService) GetNextDue(ctx context.Context, planID string) (*models.Installment, error) {
	plan, err := q.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	now := q.cfg.now()
	for i := range plan.Installments {
		inst := plan.Installments[i]
		if inst.Status == models.InstallmentStatusPending && !inst.DueDate.After(now) {
			return &inst, nil
		}
	}
	return nil, nil
}

// GetPlanSummary returns the plan with the owner's live collateral values
func (q *QueryService) GetPlanSummary(ctx context.Context, planID string) (*models.PlanSummary, error) {
	plan, err := q.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	values, err := q.gateway.GetValues(ctx, plan.User)
	if err != nil {
		return nil, gatewayError(err)
	}

	return &models.PlanSummary{
		Plan:           plan,
		AvailableValue: values.Available,
		ProtectedValue: values.Protected,
	}, nil
}
