package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePlanCreated        = "plan_new"
	EventTypeInstallmentPaid    = "inst_paid"
	EventTypeInstallmentFailed  = "inst_failed"
	EventTypeCollectInstallment = "collect_installment"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PlanCreatedEvent published when a plan is created and its collateral locked
type PlanCreatedEvent struct {
	BaseEvent
	PlanID            string          `json:"plan_id"`
	User              string          `json:"user"`
	Merchant          string          `json:"merchant"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	InstallmentsCount int             `json:"installments_count"`
	SharesLocked      decimal.Decimal `json:"shares_locked"`
}

// InstallmentPaidEvent published after every collection attempt that reached
// the waterfall. EventType is inst_failed and PaymentSource is nil on default.
type InstallmentPaidEvent struct {
	BaseEvent
	PlanID            string          `json:"plan_id"`
	InstallmentNumber int             `json:"installment_number"`
	PaymentSource     *PaymentSource  `json:"payment_source"`
	SharesUsed        decimal.Decimal `json:"shares_used"`
}

// CollectInstallmentCommand asks the collection worker to collect one installment
type CollectInstallmentCommand struct {
	BaseEvent
	PlanID            string `json:"plan_id"`
	InstallmentNumber int    `json:"installment_number"`
	MerchantOverride  string `json:"merchant_override,omitempty"`
}
