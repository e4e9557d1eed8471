package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxInstallments is the upper bound on installments per plan
const MaxInstallments = 12

// PlanStatus is the lifecycle state of a plan
type PlanStatus string

// Plan statuses
const (
	PlanStatusActive    PlanStatus = "ACTIVE"
	PlanStatusCompleted PlanStatus = "COMPLETED"
	PlanStatusDefaulted PlanStatus = "DEFAULTED"
)

// InstallmentStatus is the collection state of a single installment
type InstallmentStatus string

// Installment statuses
const (
	InstallmentStatusPending InstallmentStatus = "PENDING"
	InstallmentStatusPaid    InstallmentStatus = "PAID"
	InstallmentStatusFailed  InstallmentStatus = "FAILED"
)

// PaymentSource tells which share partition paid an installment
type PaymentSource string

// Payment sources
const (
	PaymentSourceAvailable PaymentSource = "AVAILABLE"
	PaymentSourceProtected PaymentSource = "PROTECTED"
)

// Installment represents one scheduled payment of a plan
type Installment struct {
	PlanID        string            `db:"plan_id" json:"-"`
	Number        int               `db:"number" json:"number"`
	Amount        decimal.Decimal   `db:"amount" json:"amount"`
	DueDate       time.Time         `db:"due_date" json:"due_date"`
	PaidAt        *time.Time        `db:"paid_at" json:"paid_at,omitempty"`
	PaymentSource *PaymentSource    `db:"payment_source" json:"payment_source,omitempty"`
	Status        InstallmentStatus `db:"status" json:"status"`
}

// Plan represents one financed purchase backed by locked shares
type Plan struct {
	PlanID            string          `db:"plan_id" json:"plan_id"`
	User              string          `db:"user_id" json:"user"`
	Merchant          string          `db:"merchant" json:"merchant"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	TotalShares       decimal.Decimal `db:"total_shares" json:"total_shares"`
	InstallmentsCount int             `db:"installments_count" json:"installments_count"`
	Installments      []Installment   `db:"-" json:"installments"`
	ProtectedShares   decimal.Decimal `db:"protected_shares" json:"protected_shares"`
	Status            PlanStatus      `db:"status" json:"status"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Installment returns the installment with the given 1-based number
func (p *Plan) Installment(number int) (*Installment, bool) {
	if number < 1 || number > len(p.Installments) {
		return nil, false
	}
	inst := &p.Installments[number-1]
	if inst.Number != number {
		return nil, false
	}
	return inst, true
}

// AllPaid reports whether every installment has been paid
func (p *Plan) AllPaid() bool {
	for i := range p.Installments {
		if p.Installments[i].Status != InstallmentStatusPaid {
			return false
		}
	}
	return len(p.Installments) > 0
}

// Clone returns a deep copy of the plan
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Installments = make([]Installment, len(p.Installments))
	for i, inst := range p.Installments {
		if inst.PaidAt != nil {
			t := *inst.PaidAt
			inst.PaidAt = &t
		}
		if inst.PaymentSource != nil {
			s := *inst.PaymentSource
			inst.PaymentSource = &s
		}
		cp.Installments[i] = inst
	}
	return &cp
}

// PlanSummary is a plan together with the owner's live collateral values
type PlanSummary struct {
	Plan           *Plan           `json:"plan"`
	AvailableValue decimal.Decimal `json:"available_value"`
	ProtectedValue decimal.Decimal `json:"protected_value"`
}
