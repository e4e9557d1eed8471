package store

import (
	"context"
	"fmt"
	"sync"

	"installment-service/internal/models"
)

// MemoryStore is a PlanStore kept in process memory. Transactions are
// serialized and staged, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu         sync.RWMutex
	plans      map[string]*models.Plan
	userPlans  map[string][]string
	counter    int64
	commitErrs []error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:     make(map[string]*models.Plan),
		userPlans: make(map[string][]string),
	}
}

// FailNextCommit makes the next transaction commit fail with err
func (m *MemoryStore) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErrs = append(m.commitErrs, err)
}

// RunInTx runs fn against a staged view and applies it when fn succeeds
func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx PlanTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:     m,
		plans:     make(map[string]*models.Plan),
		userPlans: make(map[string][]string),
		counter:   m.counter,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if len(m.commitErrs) > 0 {
		err := m.commitErrs[0]
		m.commitErrs = m.commitErrs[1:]
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	for id, plan := range tx.plans {
		m.plans[id] = plan
	}
	for user, ids := range tx.userPlans {
		m.userPlans[user] = append(m.userPlans[user], ids...)
	}
	m.counter = tx.counter
	return nil
}

// GetPlan returns a copy of the stored plan
func (m *MemoryStore) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, ok := m.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return plan.Clone(), nil
}

// GetUserPlans returns the user's plan ids in creation order
func (m *MemoryStore) GetUserPlans(ctx context.Context, user string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, len(m.userPlans[user]))
	copy(ids, m.userPlans[user])
	return ids, nil
}

type memTx struct {
	store     *MemoryStore
	plans     map[string]*models.Plan
	userPlans map[string][]string
	counter   int64
}

func (t *memTx) NextPlanID(ctx context.Context) (string, error) {
	id := FormatPlanID(t.counter)
	t.counter++
	return id, nil
}

func (t *memTx) InsertPlan(ctx context.Context, plan *models.Plan) error {
	if _, ok := t.lookup(plan.PlanID); ok {
		return fmt.Errorf("plan %s already exists", plan.PlanID)
	}
	t.plans[plan.PlanID] = plan.Clone()
	return nil
}

func (t *memTx) AppendUserPlan(ctx context.Context, user, planID string) error {
	t.userPlans[user] = append(t.userPlans[user], planID)
	return nil
}

func (t *memTx) GetPlanForUpdate(ctx context.Context, planID string) (*models.Plan, error) {
	plan, ok := t.lookup(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return plan.Clone(), nil
}

func (t *memTx) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	if _, ok := t.lookup(plan.PlanID); !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, plan.PlanID)
	}
	t.plans[plan.PlanID] = plan.Clone()
	return nil
}

func (t *memTx) lookup(planID string) (*models.Plan, bool) {
	if plan, ok := t.plans[planID]; ok {
		return plan, true
	}
	plan, ok := t.store.plans[planID]
	return plan, ok
}
