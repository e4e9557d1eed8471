package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"installment-service/internal/apperrors"
	"installment-service/internal/collateral"
	"installment-service/internal/lock"
	"installment-service/internal/models"
	"installment-service/internal/store"
	"installment-service/internal/units"
	"installment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentEngine collects installments through the available/protected waterfall
type PaymentEngine struct {
	store     store.PlanStore
	gateway   collateral.Gateway
	locker    lock.Locker
	publisher EventPublisher
	cfg       Config
	logger    *zap.Logger
}

// NewPaymentEngine creates a new payment engine
func NewPaymentEngine(
	store store.PlanStore,
	gateway collateral.Gateway,
	locker lock.Locker,
	publisher EventPublisher,
	cfg Config,
) *PaymentEngine {
	return &PaymentEngine{
		store:     store,
		gateway:   gateway,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// CollectRequest identifies the installment to collect
type CollectRequest struct {
	PlanID            string
	InstallmentNumber int
	// MerchantOverride receives the payment instead of the plan's merchant
	MerchantOverride string
}

// CollectResult is the outcome of one collection
type CollectResult struct {
	PlanID            string                `json:"plan_id"`
	InstallmentNumber int                   `json:"installment_number"`
	PaymentSource     *models.PaymentSource `json:"payment_source"`
	SharesUsed        decimal.Decimal       `json:"shares_used"`
	ProtectedShares   decimal.Decimal       `json:"protected_shares"`
	PlanStatus        models.PlanStatus     `json:"plan_status"`
}

// CollectInstallment pays one due installment from available shares, falling
// back to protected shares, and defaults the plan when neither suffices. The
// default is persisted and reported as ErrInsufficientFunds alongside the result.
func (e *PaymentEngine) CollectInstallment(ctx context.Context, caller string, req *CollectRequest) (*CollectResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentEngine.CollectInstallment",
		attribute.String("plan_id", req.PlanID),
		attribute.Int("installment", req.InstallmentNumber))
	defer span.End()

	start := time.Now()
	defer func() {
		util.CollectionLatency.Observe(time.Since(start).Seconds())
	}()

	plan, err := e.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, storeError(err)
	}
	if caller == "" || (caller != plan.User && !e.cfg.isAutomation(caller)) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized,
			fmt.Errorf("caller %q cannot collect plan %s", caller, plan.PlanID))
	}

	unlock, err := e.locker.Lock(ctx, lock.UserKey(plan.User))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	defer unlock()

	var (
		result *CollectResult
		moved  bool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.PlanTx) error {
		plan, err := tx.GetPlanForUpdate(ctx, req.PlanID)
		if err != nil {
			return err
		}
		result, moved, err = e.collect(ctx, plan, req)
		if err != nil {
			return err
		}
		return tx.UpdatePlan(ctx, plan)
	})
	if err != nil {
		if moved {
			util.CollateralReconciliationRequired.Inc()
			e.logger.Error("Collateral moved but plan update was not persisted",
				zap.String("plan_id", req.PlanID),
				zap.Int("installment", req.InstallmentNumber),
				zap.Error(err))
		}
		return nil, storeError(err)
	}

	e.publishOutcome(ctx, result)

	if result.PaymentSource == nil {
		return result, apperrors.ErrInsufficientFunds
	}
	return result, nil
}

// collect runs the waterfall against plan, mutating it in place. moved
// reports whether any collateral changed hands at the holder.
func (e *PaymentEngine) collect(ctx context.Context, plan *models.Plan, req *CollectRequest) (*CollectResult, bool, error) {
	inst, ok := plan.Installment(req.InstallmentNumber)
	if !ok {
		return nil, false, apperrors.ErrInstallmentNotFound
	}
	if inst.Status != models.InstallmentStatusPending {
		return nil, false, apperrors.ErrAlreadyPaid
	}
	now := e.cfg.now()
	if inst.DueDate.After(now) {
		return nil, false, apperrors.ErrNotDueYet
	}

	merchant := plan.Merchant
	if req.MerchantOverride != "" {
		merchant = req.MerchantOverride
	}

	sharesNeeded, err := e.gateway.SharesForAmount(ctx, inst.Amount)
	if err != nil {
		return nil, false, gatewayError(err)
	}
	if _, err := units.Check(sharesNeeded); err != nil || !sharesNeeded.IsPositive() {
		return nil, false, apperrors.ErrInvalidShares
	}

	balance, err := e.gateway.GetBalance(ctx, plan.User)
	if err != nil {
		return nil, false, gatewayError(err)
	}

	// Both outcomes are computed before any debit so that an arithmetic
	// failure aborts while nothing has moved yet.
	proportional, err := units.MulDiv(sharesNeeded, plan.TotalShares, plan.TotalAmount)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrInvalidShares, err)
	}
	afterAvailable, err := units.SubFloorZero(plan.ProtectedShares, proportional)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrInvalidShares, err)
	}
	afterProtected, err := units.SubFloorZero(plan.ProtectedShares, sharesNeeded)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrInvalidShares, err)
	}

	var source *models.PaymentSource
	if balance.AvailableShares.GreaterThanOrEqual(sharesNeeded) {
		paid, err := e.debit(ctx, collateral.OpDebitAvailable, plan, sharesNeeded, merchant)
		if err != nil {
			return nil, false, err
		}
		if paid {
			src := models.PaymentSourceAvailable
			source = &src
			plan.ProtectedShares = afterAvailable
		}
	}
	if source == nil && balance.ProtectedShares.GreaterThanOrEqual(sharesNeeded) {
		paid, err := e.debit(ctx, collateral.OpDebitProtected, plan, sharesNeeded, merchant)
		if err != nil {
			return nil, false, err
		}
		if paid {
			src := models.PaymentSourceProtected
			source = &src
			plan.ProtectedShares = afterProtected
		}
	}

	plan.UpdatedAt = now
	result := &CollectResult{
		PlanID:            plan.PlanID,
		InstallmentNumber: inst.Number,
		SharesUsed:        decimal.Zero,
	}

	if source == nil {
		inst.Status = models.InstallmentStatusFailed
		plan.Status = models.PlanStatusDefaulted
		util.InstallmentsDefaultedTotal.Inc()
		e.logger.Warn("Installment defaulted",
			zap.String("plan_id", plan.PlanID),
			zap.Int("installment", inst.Number),
			zap.String("shares_needed", sharesNeeded.String()),
			zap.String("available_shares", balance.AvailableShares.String()),
			zap.String("protected_shares", balance.ProtectedShares.String()))
	} else {
		paidAt := now
		inst.Status = models.InstallmentStatusPaid
		inst.PaidAt = &paidAt
		inst.PaymentSource = source
		result.PaymentSource = source
		result.SharesUsed = sharesNeeded
		util.InstallmentsCollectedTotal.WithLabelValues(string(*source)).Inc()

		if plan.AllPaid() {
			plan.Status = models.PlanStatusCompleted
			util.PlansCompletedTotal.Inc()
			e.releaseRemaining(ctx, plan)
		}
	}

	result.ProtectedShares = plan.ProtectedShares
	result.PlanStatus = plan.Status
	return result, source != nil, nil
}

// debit attempts one waterfall tier. paid is false when the holder rejected
// the debit outright, which moves the waterfall down a tier. Any other failure
// leaves it unknown whether shares moved, so the collection is aborted and
// flagged for reconciliation instead of risking a second debit.
func (e *PaymentEngine) debit(ctx context.Context, op collateral.Operation, plan *models.Plan, shares decimal.Decimal, to string) (paid bool, err error) {
	caller := plan.User
	if op == collateral.OpDebitProtected {
		caller = e.cfg.EngineIdentity
	}

	if err := e.cfg.authorize(op, caller, plan.User); err != nil {
		e.logger.Warn("Debit not authorized, moving down the waterfall",
			zap.String("plan_id", plan.PlanID),
			zap.String("op", string(op)),
			zap.Error(err))
		return false, nil
	}

	if op == collateral.OpDebitProtected {
		_, err = e.gateway.DebitProtected(ctx, caller, plan.User, shares, to)
	} else {
		_, err = e.gateway.DebitAvailable(ctx, caller, plan.User, shares, to)
	}
	switch {
	case err == nil:
		return true, nil
	case rejected(err):
		e.logger.Warn("Debit rejected, moving down the waterfall",
			zap.String("plan_id", plan.PlanID),
			zap.String("op", string(op)),
			zap.String("shares", shares.String()),
			zap.Error(err))
		return false, nil
	default:
		util.CollateralReconciliationRequired.Inc()
		e.logger.Error("Debit outcome unknown, aborting collection",
			zap.String("plan_id", plan.PlanID),
			zap.String("op", string(op)),
			zap.String("shares", shares.String()),
			zap.String("to", to),
			zap.Error(err))
		return false, apperrors.Wrap(apperrors.ErrDebitOutcomeUnknown, err)
	}
}

// rejected reports whether the holder definitively refused a debit
func rejected(err error) bool {
	return errors.Is(err, collateral.ErrInsufficientAvailable) ||
		errors.Is(err, collateral.ErrInsufficientProtected) ||
		errors.Is(err, collateral.ErrUnauthorized) ||
		errors.Is(err, collateral.ErrInvalidAmount)
}

// releaseRemaining unlocks whatever collateral a completed plan still holds.
// On failure the shares stay recorded on the plan for ReleaseCollateral.
func (e *PaymentEngine) releaseRemaining(ctx context.Context, plan *models.Plan) {
	if !plan.ProtectedShares.IsPositive() {
		return
	}
	if err := e.unlock(ctx, plan); err != nil {
		e.logger.Error("Failed to release collateral of completed plan",
			zap.String("plan_id", plan.PlanID),
			zap.String("protected_shares", plan.ProtectedShares.String()),
			zap.Error(err))
		return
	}
	plan.ProtectedShares = decimal.Zero
}

func (e *PaymentEngine) unlock(ctx context.Context, plan *models.Plan) error {
	if err := e.cfg.authorize(collateral.OpUnlockShares, e.cfg.EngineIdentity, plan.User); err != nil {
		return err
	}
	if _, err := e.gateway.UnlockShares(ctx, e.cfg.EngineIdentity, plan.User, plan.ProtectedShares); err != nil {
		return gatewayError(err)
	}
	return nil
}

// ReleaseCollateral retries the final unlock of a completed plan
func (e *PaymentEngine) ReleaseCollateral(ctx context.Context, caller, planID string) (*models.Plan, error) {
	ctx, span := util.StartSpan(ctx, "PaymentEngine.ReleaseCollateral", attribute.String("plan_id", planID))
	defer span.End()

	if caller == "" || caller != e.cfg.EngineIdentity {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized,
			fmt.Errorf("caller %q cannot release collateral", caller))
	}

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, storeError(err)
	}

	unlock, err := e.locker.Lock(ctx, lock.UserKey(plan.User))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	defer unlock()

	released := decimal.Zero
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.PlanTx) error {
		current, err := tx.GetPlanForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		plan = current
		if current.Status != models.PlanStatusCompleted {
			return apperrors.ErrPlanNotActive.WithDetails(map[string]string{"status": string(current.Status)})
		}
		if !current.ProtectedShares.IsPositive() {
			return nil
		}
		if err := e.unlock(ctx, current); err != nil {
			return err
		}
		released = current.ProtectedShares
		current.ProtectedShares = decimal.Zero
		current.UpdatedAt = e.cfg.now()
		return tx.UpdatePlan(ctx, current)
	})
	if err != nil {
		if errors.Is(err, store.ErrCommitFailed) && released.IsPositive() {
			util.CollateralReconciliationRequired.Inc()
			e.logger.Error("Collateral unlocked but plan update was not persisted",
				zap.String("plan_id", planID),
				zap.String("shares", released.String()),
				zap.Error(err))
		}
		return nil, storeError(err)
	}

	if released.IsPositive() {
		e.logger.Info("Released collateral of completed plan",
			zap.String("plan_id", planID),
			zap.String("shares", released.String()))
	}
	return plan, nil
}

func (e *PaymentEngine) publishOutcome(ctx context.Context, result *CollectResult) {
	event := &models.InstallmentPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeInstallmentPaid,
			Timestamp: e.cfg.now(),
		},
		PlanID:            result.PlanID,
		InstallmentNumber: result.InstallmentNumber,
		PaymentSource:     result.PaymentSource,
		SharesUsed:        result.SharesUsed,
	}

	var err error
	if result.PaymentSource == nil {
		event.EventType = models.EventTypeInstallmentFailed
		err = e.publisher.PublishInstallmentFailed(ctx, event)
	} else {
		err = e.publisher.PublishInstallmentPaid(ctx, event)
	}
	if err != nil {
		e.logger.Error("Failed to publish installment event",
			zap.String("plan_id", result.PlanID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}
