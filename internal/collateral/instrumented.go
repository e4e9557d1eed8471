package collateral

import (
	"context"
	"time"

	"installment-service/internal/util"

	"github.com/shopspring/decimal"
)

// Instrumented records latency, failures and a span for every call to next
type Instrumented struct {
	next Gateway
}

// NewInstrumented wraps a Gateway with metrics and tracing
func NewInstrumented(next Gateway) *Instrumented {
	return &Instrumented{next: next}
}

func observe(ctx context.Context, op Operation) (context.Context, func(error)) {
	ctx, span := util.StartSpan(ctx, "Collateral."+string(op))
	start := time.Now()
	return ctx, func(err error) {
		util.CollateralCallLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		if err != nil {
			util.CollateralCallFailures.WithLabelValues(string(op)).Inc()
		}
		util.EndSpan(span, err)
	}
}

func (i *Instrumented) GetBalance(ctx context.Context, user string) (bal *Balance, err error) {
	ctx, done := observe(ctx, OpGetBalance)
	defer func() { done(err) }()
	return i.next.GetBalance(ctx, user)
}

func (i *Instrumented) GetValues(ctx context.Context, user string) (vals *Values, err error) {
	ctx, done := observe(ctx, OpGetValues)
	defer func() { done(err) }()
	return i.next.GetValues(ctx, user)
}

func (i *Instrumented) SharesForAmount(ctx context.Context, amount decimal.Decimal) (shares decimal.Decimal, err error) {
	ctx, done := observe(ctx, OpSharesForAmount)
	defer func() { done(err) }()
	return i.next.SharesForAmount(ctx, amount)
}

func (i *Instrumented) LockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (res *LockResult, err error) {
	ctx, done := observe(ctx, OpLockShares)
	defer func() { done(err) }()
	return i.next.LockShares(ctx, caller, user, shares)
}

func (i *Instrumented) UnlockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (res *LockResult, err error) {
	ctx, done := observe(ctx, OpUnlockShares)
	defer func() { done(err) }()
	return i.next.UnlockShares(ctx, caller, user, shares)
}

func (i *Instrumented) DebitAvailable(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (res *WithdrawResult, err error) {
	ctx, done := observe(ctx, OpDebitAvailable)
	defer func() { done(err) }()
	return i.next.DebitAvailable(ctx, caller, user, shares, to)
}

func (i *Instrumented) DebitProtected(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (res *WithdrawResult, err error) {
	ctx, done := observe(ctx, OpDebitProtected)
	defer func() { done(err) }()
	return i.next.DebitProtected(ctx, caller, user, shares, to)
}
