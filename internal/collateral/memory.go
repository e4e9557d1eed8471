package collateral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"installment-service/internal/units"

	"github.com/shopspring/decimal"
)

// Call records one gateway invocation made against a Memory gateway
type Call struct {
	Op     Operation
	Caller string
	User   string
	To     string
	Shares decimal.Decimal
	Amount decimal.Decimal
}

// Memory is an in-process collateral holder with settable balances and a
// settable exchange rate. It enforces the same preconditions as the real
// holder and records every call, which makes waterfall outcomes deterministic.
type Memory struct {
	mu       sync.Mutex
	engine   string
	balances map[string]*Balance
	// vault totals; an empty vault converts 1:1
	totalManaged decimal.Decimal
	totalShares  decimal.Decimal
	transfers    map[string]decimal.Decimal
	failures     map[Operation]error
	calls        []Call
}

// NewMemory creates an empty in-memory gateway that trusts engine for
// unlock and debit-from-protected
func NewMemory(engine string) *Memory {
	return &Memory{
		engine:       engine,
		balances:     make(map[string]*Balance),
		totalManaged: decimal.Zero,
		totalShares:  decimal.Zero,
		transfers:    make(map[string]decimal.Decimal),
		failures:     make(map[Operation]error),
	}
}

// SetBalance overwrites a user's share partitions
func (m *Memory) SetBalance(user string, available, protected decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(user)
	bal.AvailableShares = available
	bal.ProtectedShares = protected
	bal.Version++
}

// SetExchangeRate sets the vault totals used for share/token conversion
func (m *Memory) SetExchangeRate(totalManaged, totalShares decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalManaged = totalManaged
	m.totalShares = totalShares
}

// Deposit mints shares for amount at the current rate and credits them as available
func (m *Memory) Deposit(user string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	shares := amount
	if !m.totalShares.IsZero() && !m.totalManaged.IsZero() {
		var err error
		shares, err = units.MulDiv(amount, m.totalShares, m.totalManaged)
		if err != nil {
			return decimal.Zero, err
		}
	}

	bal := m.balanceLocked(user)
	bal.AvailableShares = bal.AvailableShares.Add(shares)
	bal.TotalDeposited = bal.TotalDeposited.Add(amount)
	bal.LastDepositTS = time.Now().Unix()
	bal.Version++

	m.totalManaged = m.totalManaged.Add(amount)
	m.totalShares = m.totalShares.Add(shares)
	return shares, nil
}

// FailOn makes every subsequent call of op return err until cleared
func (m *Memory) FailOn(op Operation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// ClearFailures removes all injected failures
func (m *Memory) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[Operation]error)
}

// Calls returns a copy of the recorded calls
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was invoked
func (m *Memory) CallCount(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Transferred returns the token value sent to a recipient so far
func (m *Memory) Transferred(to string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.transfers[to]; ok {
		return v
	}
	return decimal.Zero
}

// GetBalance returns the user's share position
func (m *Memory) GetBalance(ctx context.Context, user string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpGetBalance, User: user}); err != nil {
		return nil, err
	}
	bal := *m.balanceLocked(user)
	return &bal, nil
}

// GetValues returns the user's position in token units
func (m *Memory) GetValues(ctx context.Context, user string) (*Values, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpGetValues, User: user}); err != nil {
		return nil, err
	}

	bal := m.balanceLocked(user)
	total, err := units.Add(bal.AvailableShares, bal.ProtectedShares)
	if err != nil {
		return nil, err
	}
	totalValue, err := m.valueOf(total)
	if err != nil {
		return nil, err
	}
	availableValue, err := m.valueOf(bal.AvailableShares)
	if err != nil {
		return nil, err
	}
	protectedValue, err := units.Sub(totalValue, availableValue)
	if err != nil {
		return nil, err
	}
	return &Values{Available: availableValue, Protected: protectedValue, Total: totalValue}, nil
}

// SharesForAmount converts a token amount to shares, rounding up
func (m *Memory) SharesForAmount(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpSharesForAmount, Amount: amount}); err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if m.totalShares.IsZero() || m.totalManaged.IsZero() {
		return amount, nil
	}
	return units.MulDivCeil(amount, m.totalShares, m.totalManaged)
}

// LockShares moves shares from available to protected
func (m *Memory) LockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (*LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpLockShares, Caller: caller, User: user, Shares: shares}); err != nil {
		return nil, err
	}
	if err := Authorize(OpLockShares, caller, user, m.engine); err != nil {
		return nil, err
	}
	if !shares.IsPositive() {
		return nil, ErrInvalidAmount
	}

	bal := m.balanceLocked(user)
	if bal.AvailableShares.LessThan(shares) {
		return nil, ErrInsufficientAvailable
	}
	bal.AvailableShares = bal.AvailableShares.Sub(shares)
	bal.ProtectedShares = bal.ProtectedShares.Add(shares)
	bal.Version++

	return &LockResult{SharesLocked: shares, NewAvailable: bal.AvailableShares, NewProtected: bal.ProtectedShares}, nil
}

// UnlockShares moves shares from protected back to available
func (m *Memory) UnlockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (*LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpUnlockShares, Caller: caller, User: user, Shares: shares}); err != nil {
		return nil, err
	}
	if err := Authorize(OpUnlockShares, caller, user, m.engine); err != nil {
		return nil, err
	}
	if !shares.IsPositive() {
		return nil, ErrInvalidAmount
	}

	bal := m.balanceLocked(user)
	if bal.ProtectedShares.LessThan(shares) {
		return nil, ErrInsufficientProtected
	}
	bal.ProtectedShares = bal.ProtectedShares.Sub(shares)
	bal.AvailableShares = bal.AvailableShares.Add(shares)
	bal.Version++

	return &LockResult{SharesLocked: shares, NewAvailable: bal.AvailableShares, NewProtected: bal.ProtectedShares}, nil
}

// DebitAvailable burns available shares and pays their value to to
func (m *Memory) DebitAvailable(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (*WithdrawResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpDebitAvailable, Caller: caller, User: user, To: to, Shares: shares}); err != nil {
		return nil, err
	}
	if err := Authorize(OpDebitAvailable, caller, user, m.engine); err != nil {
		return nil, err
	}
	return m.withdrawLocked(user, shares, to, false)
}

// DebitProtected burns protected shares and pays their value to to
func (m *Memory) DebitProtected(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (*WithdrawResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpDebitProtected, Caller: caller, User: user, To: to, Shares: shares}); err != nil {
		return nil, err
	}
	if err := Authorize(OpDebitProtected, caller, user, m.engine); err != nil {
		return nil, err
	}
	return m.withdrawLocked(user, shares, to, true)
}

func (m *Memory) withdrawLocked(user string, shares decimal.Decimal, to string, fromProtected bool) (*WithdrawResult, error) {
	if !shares.IsPositive() {
		return nil, ErrInvalidAmount
	}

	value, err := m.valueOf(shares)
	if err != nil {
		return nil, err
	}

	bal := m.balanceLocked(user)
	if fromProtected {
		if bal.ProtectedShares.LessThan(shares) {
			return nil, ErrInsufficientProtected
		}
		bal.ProtectedShares = bal.ProtectedShares.Sub(shares)
	} else {
		if bal.AvailableShares.LessThan(shares) {
			return nil, ErrInsufficientAvailable
		}
		bal.AvailableShares = bal.AvailableShares.Sub(shares)
	}
	bal.Version++

	if !m.totalShares.IsZero() {
		m.totalShares = m.totalShares.Sub(shares)
		m.totalManaged = m.totalManaged.Sub(value)
	}
	m.transfers[to] = m.transfers[to].Add(value)

	return &WithdrawResult{
		SharesBurned:        shares,
		AmountsReceived:     []decimal.Decimal{value},
		NewAvailableBalance: bal.AvailableShares,
		FromProtected:       fromProtected,
	}, nil
}

// valueOf converts shares to tokens, rounding down
func (m *Memory) valueOf(shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.IsZero() {
		return decimal.Zero, nil
	}
	if m.totalShares.IsZero() || m.totalManaged.IsZero() {
		return shares, nil
	}
	return units.MulDiv(shares, m.totalManaged, m.totalShares)
}

func (m *Memory) balanceLocked(user string) *Balance {
	bal, ok := m.balances[user]
	if !ok {
		bal = &Balance{
			AvailableShares: decimal.Zero,
			ProtectedShares: decimal.Zero,
			TotalDeposited:  decimal.Zero,
		}
		m.balances[user] = bal
	}
	return bal
}

func (m *Memory) record(c Call) error {
	m.calls = append(m.calls, c)
	if err, ok := m.failures[c.Op]; ok {
		return fmt.Errorf("%s: %w", c.Op, err)
	}
	return nil
}
