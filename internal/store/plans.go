package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"installment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const planColumns = `plan_id, user_id, merchant, total_amount, total_shares, installments_count,
	protected_shares, status, created_at, updated_at`

const installmentColumns = `plan_id, number, amount, due_date, paid_at, payment_source, status`

// RunInTx runs fn inside a database transaction
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx PlanTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx, forUpdate: s.forUpdate}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return nil
}

// GetPlan retrieves a plan with its installments
func (s *Store) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	return loadPlan(ctx, s.db, planID, "")
}

// GetUserPlans retrieves the plan ids of a user in creation order
func (s *Store) GetUserPlans(ctx context.Context, user string) ([]string, error) {
	ids := []string{}
	err := s.db.SelectContext(ctx, &ids,
		s.db.Rebind("SELECT plan_id FROM user_plans WHERE user_id = ? ORDER BY position"), user)
	if err != nil {
		return nil, fmt.Errorf("failed to list user plans: %w", err)
	}
	return ids, nil
}

type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

func loadPlan(ctx context.Context, q queryer, planID, suffix string) (*models.Plan, error) {
	var plan models.Plan
	err := sqlx.GetContext(ctx, q, &plan,
		q.Rebind("SELECT "+planColumns+" FROM plans WHERE plan_id = ?"+suffix), planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}

	err = sqlx.SelectContext(ctx, q, &plan.Installments,
		q.Rebind("SELECT "+installmentColumns+" FROM installments WHERE plan_id = ? ORDER BY number"), planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load installments of %s: %w", planID, err)
	}
	return &plan, nil
}

type sqlTx struct {
	tx        *sqlx.Tx
	forUpdate string
}

func (t *sqlTx) NextPlanID(ctx context.Context) (string, error) {
	var current int64
	err := t.tx.GetContext(ctx, &current,
		"SELECT value FROM plan_counter WHERE id = 1"+t.forUpdate)
	if err != nil {
		return "", fmt.Errorf("failed to read plan counter: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		t.tx.Rebind("UPDATE plan_counter SET value = ? WHERE id = 1"), current+1)
	if err != nil {
		return "", fmt.Errorf("failed to advance plan counter: %w", err)
	}

	return FormatPlanID(current), nil
}

func (t *sqlTx) InsertPlan(ctx context.Context, plan *models.Plan) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (:plan_id, :user_id, :merchant, :total_amount, :total_shares, :installments_count,
			:protected_shares, :status, :created_at, :updated_at)`, plan)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	for i := range plan.Installments {
		inst := plan.Installments[i]
		inst.PlanID = plan.PlanID
		_, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO installments (`+installmentColumns+`)
			VALUES (:plan_id, :number, :amount, :due_date, :paid_at, :payment_source, :status)`, inst)
		if err != nil {
			return fmt.Errorf("failed to insert installment %d: %w", inst.Number, err)
		}
	}
	return nil
}

func (t *sqlTx) AppendUserPlan(ctx context.Context, user, planID string) error {
	var next int
	err := t.tx.GetContext(ctx, &next,
		t.tx.Rebind("SELECT COALESCE(MAX(position), 0) + 1 FROM user_plans WHERE user_id = ?"), user)
	if err != nil {
		return fmt.Errorf("failed to read user plan index: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		t.tx.Rebind("INSERT INTO user_plans (user_id, position, plan_id) VALUES (?, ?, ?)"),
		user, next, planID)
	if err != nil {
		return fmt.Errorf("failed to append user plan: %w", err)
	}
	return nil
}

func (t *sqlTx) GetPlanForUpdate(ctx context.Context, planID string) (*models.Plan, error) {
	return loadPlan(ctx, t.tx, planID, t.forUpdate)
}

func (t *sqlTx) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE plans SET protected_shares = :protected_shares, status = :status, updated_at = :updated_at
		WHERE plan_id = :plan_id`, plan)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, plan.PlanID)
	}

	for i := range plan.Installments {
		inst := plan.Installments[i]
		inst.PlanID = plan.PlanID
		_, err := t.tx.NamedExecContext(ctx, `
			UPDATE installments SET paid_at = :paid_at, payment_source = :payment_source, status = :status
			WHERE plan_id = :plan_id AND number = :number`, inst)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Number, err)
		}
	}
	return nil
}
