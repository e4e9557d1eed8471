package service

import (
	"context"
	"errors"
	"time"

	"installment-service/internal/apperrors"
	"installment-service/internal/collateral"
	"installment-service/internal/models"
	"installment-service/internal/store"
)

// Config holds the identities and limits shared by the plan services
type Config struct {
	// EngineIdentity is the caller identity the collateral holder trusts for
	// unlocks and protected debits.
	EngineIdentity string
	// AutomationIdentities may trigger collection for any plan.
	AutomationIdentities []string
	// MaxLTVBps caps total_amount relative to total collateral value.
	MaxLTVBps int64
	// IdempotencyTTL is how long a create idempotency key is remembered.
	IdempotencyTTL time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c Config) isAutomation(caller string) bool {
	for _, id := range c.AutomationIdentities {
		if id != "" && id == caller {
			return true
		}
	}
	return false
}

// EventPublisher delivers plan events to external monitoring
type EventPublisher interface {
	PublishPlanCreated(ctx context.Context, event *models.PlanCreatedEvent) error
	PublishInstallmentPaid(ctx context.Context, event *models.InstallmentPaidEvent) error
	PublishInstallmentFailed(ctx context.Context, event *models.InstallmentPaidEvent) error
}

// IdempotencyStore remembers which plan a create idempotency key produced
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// authorize runs the collateral trust predicate before a gateway call
func (c Config) authorize(op collateral.Operation, caller, user string) error {
	if err := collateral.Authorize(op, caller, user, c.EngineIdentity); err != nil {
		return apperrors.Wrap(apperrors.ErrUnauthorized, err)
	}
	return nil
}

// gatewayError maps a collateral failure onto the error taxonomy
func gatewayError(err error) error {
	switch {
	case errors.Is(err, collateral.ErrUnauthorized):
		return apperrors.Wrap(apperrors.ErrUnauthorized, err)
	case errors.Is(err, collateral.ErrInvalidAmount):
		return apperrors.Wrap(apperrors.ErrInvalidShares, err)
	default:
		return apperrors.Wrap(apperrors.ErrBufferContract, err)
	}
}

// storeError maps a store failure onto the error taxonomy
func storeError(err error) error {
	if errors.Is(err, store.ErrPlanNotFound) {
		return apperrors.Wrap(apperrors.ErrPlanNotFound, err)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrInternal, err)
}
