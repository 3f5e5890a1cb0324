package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
)

type OrderCreated struct {
	OrderID     string          `json:"orderId"`
	PatientID   string          `json:"patientId"`
	PharmacyID  string          `json:"pharmacyId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Items       []CreatedItem   `json:"items"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type CreatedItem struct {
	MedicationID string          `json:"medicationId"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
}

type OrderStatusChanged struct {
	OrderID   string      `json:"orderId"`
	PatientID string      `json:"patientId"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	ChangedAt time.Time   `json:"changedAt"`
}

func NewOrderCreated(o Order) OrderCreated {
	items := make([]CreatedItem, 0, len(o.Items))
	for _, i := range o.Items {
		items = append(items, CreatedItem{MedicationID: i.MedicationID, Quantity: i.Quantity, Price: i.Price})
	}
	return OrderCreated{
		OrderID:     o.ID,
		PatientID:   o.PatientID,
		PharmacyID:  o.PharmacyID,
		TotalAmount: o.TotalAmount,
		Items:       items,
		CreatedAt:   o.CreatedAt,
	}
}
