package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"installment-service/internal/collateral"
	"installment-service/internal/lock"
	"installment-service/internal/models"
	"installment-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	engineID    = "bridge"
	collectorID = "collector"
	alice       = "alice"
	shop        = "shop"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []*models.PlanCreatedEvent
	paid    []*models.InstallmentPaidEvent
	failed  []*models.InstallmentPaidEvent
}

func (p *recordingPublisher) PublishPlanCreated(ctx context.Context, event *models.PlanCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, event)
	return nil
}

func (p *recordingPublisher) PublishInstallmentPaid(ctx context.Context, event *models.InstallmentPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, event)
	return nil
}

func (p *recordingPublisher) PublishInstallmentFailed(ctx context.Context, event *models.InstallmentPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memoryIdempotency) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = value.(string)
	return nil
}

type fixture struct {
	clock     *testClock
	store     *store.MemoryStore
	gateway   *collateral.Memory
	publisher *recordingPublisher
	idem      *memoryIdempotency
	plans     *PlanService
	engine    *PaymentEngine
	queries   *QueryService
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		clock:     &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		store:     store.NewMemoryStore(),
		gateway:   collateral.NewMemory(engineID),
		publisher: &recordingPublisher{},
		idem:      &memoryIdempotency{keys: make(map[string]string)},
	}
	cfg := Config{
		EngineIdentity:       engineID,
		AutomationIdentities: []string{collectorID},
		IdempotencyTTL:       time.Hour,
		Now:                  f.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	locker := lock.NewKeyedMutex()
	f.plans = NewPlanService(f.store, f.gateway, locker, f.publisher, f.idem, cfg)
	f.engine = NewPaymentEngine(f.store, f.gateway, locker, f.publisher, cfg)
	f.queries = NewQueryService(f.store, f.gateway, cfg)
	return f
}

// dueDates returns n dates one day apart, starting a day from now
func (f *fixture) dueDates(n int) []time.Time {
	dates := make([]time.Time, n)
	for i := range dates {
		dates[i] = f.clock.Now().Add(time.Duration(i+1) * 24 * time.Hour)
	}
	return dates
}

func (f *fixture) createPlan(t *testing.T, total int64, count int) string {
	t.Helper()

	id, err := f.plans.CreatePlan(context.Background(), alice, &CreatePlanRequest{
		User:              alice,
		Merchant:          shop,
		TotalAmount:       dec(total),
		InstallmentsCount: count,
		DueDates:          f.dueDates(count),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) collect(planID string, number int) (*CollectResult, error) {
	return f.engine.CollectInstallment(context.Background(), alice, &CollectRequest{
		PlanID:            planID,
		InstallmentNumber: number,
	})
}

func (f *fixture) plan(t *testing.T, planID string) *models.Plan {
	t.Helper()

	plan, err := f.store.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	return plan
}

func (f *fixture) balance(t *testing.T) *collateral.Balance {
	t.Helper()

	bal, err := f.gateway.GetBalance(context.Background(), alice)
	require.NoError(t, err)
	return bal
}

// requireProtectedInvariant checks 0 <= protected_shares <= total_shares
func requireProtectedInvariant(t *testing.T, plan *models.Plan) {
	t.Helper()
	require.False(t, plan.ProtectedShares.IsNegative(), "protected_shares below zero")
	require.True(t, plan.ProtectedShares.LessThanOrEqual(plan.TotalShares), "protected_shares above total_shares")
}
