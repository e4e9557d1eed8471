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
	"go.uber.org/zap"
)

// DefaultMaxLTVBps allows borrowing up to the full collateral value
const DefaultMaxLTVBps = 10000

// PlanService validates and creates installment plans
type PlanService struct {
	store       store.PlanStore
	gateway     collateral.Gateway
	locker      lock.Locker
	publisher   EventPublisher
	idempotency IdempotencyStore
	cfg         Config
	logger      *zap.Logger
}

// NewPlanService creates a new plan service. idempotency may be nil.
func NewPlanService(
	store store.PlanStore,
	gateway collateral.Gateway,
	locker lock.Locker,
	publisher EventPublisher,
	idempotency IdempotencyStore,
	cfg Config,
) *PlanService {
	if cfg.MaxLTVBps <= 0 {
		cfg.MaxLTVBps = DefaultMaxLTVBps
	}
	return &PlanService{
		store:       store,
		gateway:     gateway,
		locker:      locker,
		publisher:   publisher,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// CreatePlanRequest describes a financed purchase
type CreatePlanRequest struct {
	User              string
	Merchant          string
	TotalAmount       decimal.Decimal
	InstallmentsCount int
	DueDates          []time.Time
	// IdempotencyKey makes retries of the same request return the first plan
	IdempotencyKey string
}

// CreatePlan validates the request, locks collateral for it and persists the plan
func (s *PlanService) CreatePlan(ctx context.Context, caller string, req *CreatePlanRequest) (string, error) {
	ctx, span := util.StartSpan(ctx, "PlanService.CreatePlan")
	defer span.End()

	if err := s.validateRequest(caller, req); err != nil {
		s.reject(err)
		return "", err
	}

	unlock, err := s.locker.Lock(ctx, lock.UserKey(req.User))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, err)
	}
	defer unlock()

	idemKey := ""
	if req.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = fmt.Sprintf("create:%s:%s", req.User, req.IdempotencyKey)
		existing, err := s.idempotency.GetIdempotencyKey(ctx, idemKey)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrInternal, fmt.Errorf("failed to check idempotency: %w", err))
		}
		if existing != "" {
			s.logger.Info("Duplicate plan request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("plan_id", existing))
			return existing, nil
		}
	}

	shares, err := s.checkCollateral(ctx, req)
	if err != nil {
		s.reject(err)
		return "", err
	}

	installments, err := BuildSchedule(req.TotalAmount, req.DueDates)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidAmount, err)
	}

	if err := s.cfg.authorize(collateral.OpLockShares, req.User, req.User); err != nil {
		return "", err
	}
	locked, err := s.gateway.LockShares(ctx, req.User, req.User, shares)
	if err != nil {
		if errors.Is(err, collateral.ErrInsufficientAvailable) {
			s.reject(apperrors.ErrInsufficientAvailable)
			return "", apperrors.Wrap(apperrors.ErrInsufficientAvailable, err)
		}
		return "", gatewayError(err)
	}

	now := s.cfg.now()
	plan := &models.Plan{
		User:              req.User,
		Merchant:          req.Merchant,
		TotalAmount:       req.TotalAmount,
		TotalShares:       shares,
		InstallmentsCount: req.InstallmentsCount,
		Installments:      installments,
		ProtectedShares:   shares,
		Status:            models.PlanStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.PlanTx) error {
		id, err := tx.NextPlanID(ctx)
		if err != nil {
			return err
		}
		plan.PlanID = id
		for i := range plan.Installments {
			plan.Installments[i].PlanID = id
		}
		if err := tx.InsertPlan(ctx, plan); err != nil {
			return err
		}
		return tx.AppendUserPlan(ctx, req.User, id)
	})
	if err != nil {
		s.compensateLock(ctx, req.User, shares, err)
		util.PlansRejectedTotal.WithLabelValues("db_error").Inc()
		return "", storeError(err)
	}

	util.PlansCreatedTotal.Inc()
	s.logger.Info("Plan created",
		zap.String("plan_id", plan.PlanID),
		zap.String("user", plan.User),
		zap.String("total_amount", plan.TotalAmount.String()),
		zap.String("shares_locked", shares.String()),
		zap.String("new_available", locked.NewAvailable.String()),
		zap.String("new_protected", locked.NewProtected.String()))

	if idemKey != "" {
		if err := s.idempotency.SetIdempotencyKey(ctx, idemKey, plan.PlanID, s.cfg.IdempotencyTTL); err != nil {
			s.logger.Error("Failed to store idempotency key", zap.String("plan_id", plan.PlanID), zap.Error(err))
		}
	}

	event := &models.PlanCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePlanCreated,
			Timestamp: now,
		},
		PlanID:            plan.PlanID,
		User:              plan.User,
		Merchant:          plan.Merchant,
		TotalAmount:       plan.TotalAmount,
		InstallmentsCount: plan.InstallmentsCount,
		SharesLocked:      shares,
	}
	if err := s.publisher.PublishPlanCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish plan_new event", zap.String("plan_id", plan.PlanID), zap.Error(err))
	}

	return plan.PlanID, nil
}

// validateRequest runs the input checks that need no collaborator
func (s *PlanService) validateRequest(caller string, req *CreatePlanRequest) error {
	if caller == "" || caller != req.User {
		return apperrors.Wrap(apperrors.ErrUnauthorized,
			fmt.Errorf("caller %q cannot create plans for %q", caller, req.User))
	}
	if _, err := units.Check(req.TotalAmount); err != nil || !req.TotalAmount.IsPositive() {
		return apperrors.ErrInvalidAmount
	}
	if req.InstallmentsCount < 1 || req.InstallmentsCount > models.MaxInstallments {
		return apperrors.ErrInvalidInstallments
	}
	if len(req.DueDates) != req.InstallmentsCount {
		return apperrors.ErrDatesMismatch
	}
	now := s.cfg.now()
	for i, due := range req.DueDates {
		if !due.After(now) {
			return apperrors.ErrInvalidDueDate.WithDetails(map[string]int{"installment": i + 1})
		}
	}
	return nil
}

// checkCollateral verifies collateral sufficiency and converts the amount to shares
func (s *PlanService) checkCollateral(ctx context.Context, req *CreatePlanRequest) (decimal.Decimal, error) {
	values, err := s.gateway.GetValues(ctx, req.User)
	if err != nil {
		return decimal.Zero, gatewayError(err)
	}

	if req.TotalAmount.GreaterThan(values.Total) {
		return decimal.Zero, apperrors.ErrInsufficientCollateral
	}

	maxLoan, err := units.MulDiv(values.Total, decimal.NewFromInt(s.cfg.MaxLTVBps), units.BPSDivisor)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.ErrInvalidShares, err)
	}
	if req.TotalAmount.GreaterThan(maxLoan) {
		return decimal.Zero, apperrors.ErrExceedsMaxLTV
	}

	if req.TotalAmount.GreaterThan(values.Available) {
		return decimal.Zero, apperrors.ErrInsufficientAvailable
	}

	shares, err := s.gateway.SharesForAmount(ctx, req.TotalAmount)
	if err != nil {
		return decimal.Zero, gatewayError(err)
	}
	if _, err := units.Check(shares); err != nil || !shares.IsPositive() {
		return decimal.Zero, apperrors.ErrInvalidShares
	}
	return shares, nil
}

// compensateLock gives back shares locked for a plan that was never persisted
func (s *PlanService) compensateLock(ctx context.Context, user string, shares decimal.Decimal, cause error) {
	s.logger.Error("Plan persistence failed after collateral lock, unlocking",
		zap.String("user", user),
		zap.String("shares", shares.String()),
		zap.Error(cause))

	if err := s.cfg.authorize(collateral.OpUnlockShares, s.cfg.EngineIdentity, user); err != nil {
		s.logger.Error("Compensating unlock not authorized", zap.Error(err))
		util.CollateralReconciliationRequired.Inc()
		return
	}
	if _, err := s.gateway.UnlockShares(context.WithoutCancel(ctx), s.cfg.EngineIdentity, user, shares); err != nil {
		s.logger.Error("Compensating unlock failed",
			zap.String("user", user),
			zap.String("shares", shares.String()),
			zap.Error(err))
		util.CollateralReconciliationRequired.Inc()
	}
}

func (s *PlanService) reject(err error) {
	var appErr *apperrors.AppError
	reason := "unknown"
	if errors.As(err, &appErr) {
		reason = string(appErr.Code)
	}
	util.PlansRejectedTotal.WithLabelValues(reason).Inc()
}

// BuildSchedule splits total across the due dates: every installment gets
// total div n and the last one also takes the remainder.
func BuildSchedule(total decimal.Decimal, dueDates []time.Time) ([]models.Installment, error) {
	n := decimal.NewFromInt(int64(len(dueDates)))
	q, r, err := units.QuoRem(total, n)
	if err != nil {
		return nil, err
	}

	installments := make([]models.Installment, len(dueDates))
	for i, due := range dueDates {
		amount := q
		if i == len(dueDates)-1 {
			if amount, err = units.Add(q, r); err != nil {
				return nil, err
			}
		}
		installments[i] = models.Installment{
			Number:  i + 1,
			Amount:  amount,
			DueDate: due.UTC(),
			Status:  models.InstallmentStatusPending,
		}
	}
	return installments, nil
}
