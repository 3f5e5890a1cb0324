package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
)

type Method string

const (
	MethodCard        Method = "CARD"
	MethodMobileMoney Method = "MOBILE_MONEY"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInitiated Status = "INITIATED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Settled reports whether the provider has given a definitive answer.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HoldsOrder reports whether a payment in this status keeps its order from
// opening another one. Only a failed attempt frees the order for a retry.
func (s Status) HoldsOrder() bool {
	return s != StatusFailed
}

func ParseOutcomeStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Settled()
}

type Payment struct {
	ID                    string
	OrderID               string
	Amount                decimal.Decimal
	Method                Method
	Status                Status
	ProviderTransactionID string
	PayerPhone            string
	FailureReason         string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func NewPayment(id, orderID string, amount decimal.Decimal, method Method, now time.Time) Payment {
	return Payment{
		ID:        id,
		OrderID:   orderID,
		Amount:    amount,
		Method:    method,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Outcome is a provider's definitive answer for one transaction. Amount is
// optional; when present it must agree with the recorded payment.
type Outcome struct {
	ProviderTransactionID string
	Status                Status
	Amount                *decimal.Decimal
	Reason                string
}

func (o Outcome) Validate() error {
	if o.ProviderTransactionID == "" {
		return apperr.Validation("providerTransactionId is required")
	}
	if !o.Status.Settled() {
		return apperr.Validation("outcome status must be COMPLETED or FAILED, got %q", o.Status)
	}
	return nil
}

// Matches compares a provider-reported amount with the payment. Mobile money
// only moves whole units, so both sides are rounded before comparing.
func (p Payment) Matches(amount decimal.Decimal) bool {
	if p.Method == MethodMobileMoney {
		return p.Amount.Round(0).Equal(amount.Round(0))
	}
	return p.Amount.Equal(amount)
}

// Initiated records the provider's correlation id once the gateway accepted
// the request. Card sessions stay PENDING until the payer completes checkout.
func (p *Payment) Initiated(providerID string, now time.Time) {
	p.ProviderTransactionID = providerID
	if p.Method == MethodMobileMoney {
		p.Status = StatusInitiated
	}
	p.UpdatedAt = now
}

// Settle applies a definitive outcome. It reports false when the payment was
// already settled, leaving it untouched.
func (p *Payment) Settle(o Outcome, now time.Time) bool {
	if p.Status.Settled() {
		return false
	}
	p.Status = o.Status
	if o.Status == StatusFailed {
		p.FailureReason = o.Reason
	}
	p.UpdatedAt = now
	return true
}

// Fail marks an intent whose gateway call never succeeded.
func (p *Payment) Fail(reason string, now time.Time) {
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = now
}
