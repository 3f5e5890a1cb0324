package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentSettled = "payment.settled"
	EventPaymentFailed  = "payment.failed"
)

type PaymentSettled struct {
	PaymentID             string          `json:"paymentId"`
	OrderID               string          `json:"orderId"`
	Amount                decimal.Decimal `json:"amount"`
	Method                Method          `json:"method"`
	ProviderTransactionID string          `json:"providerTransactionId"`
	SettledAt             time.Time       `json:"settledAt"`
}

type PaymentFailed struct {
	PaymentID             string    `json:"paymentId"`
	OrderID               string    `json:"orderId"`
	Method                Method    `json:"method"`
	ProviderTransactionID string    `json:"providerTransactionId,omitempty"`
	Reason                string    `json:"reason"`
	FailedAt              time.Time `json:"failedAt"`
}
