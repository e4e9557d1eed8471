package store

import (
	"context"
	"errors"
	"fmt"

	"installment-service/internal/models"
)

var (
	// ErrPlanNotFound is returned when no plan has the requested id
	ErrPlanNotFound = errors.New("plan not found")
	// ErrCommitFailed wraps a failure to commit a plan transaction
	ErrCommitFailed = errors.New("commit failed")
)

// PlanTx is the set of writes performed atomically within one plan operation
type PlanTx interface {
	// NextPlanID reads, increments and writes back the plan counter
	NextPlanID(ctx context.Context) (string, error)
	InsertPlan(ctx context.Context, plan *models.Plan) error
	AppendUserPlan(ctx context.Context, user, planID string) error
	// GetPlanForUpdate loads a plan and holds it until the transaction ends
	GetPlanForUpdate(ctx context.Context, planID string) (*models.Plan, error)
	UpdatePlan(ctx context.Context, plan *models.Plan) error
}

// PlanStore persists plans, the per-user plan index and the plan counter
type PlanStore interface {
	// RunInTx runs fn in a transaction, committing only when fn returns nil
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx PlanTx) error) error
	GetPlan(ctx context.Context, planID string) (*models.Plan, error)
	// GetUserPlans returns a user's plan ids in creation order
	GetUserPlans(ctx context.Context, user string) ([]string, error)
}

// FormatPlanID renders a counter value as a plan id
func FormatPlanID(counter int64) string {
	return fmt.Sprintf("PLN-%016x", counter)
}
