package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
)

type Order struct {
	ID             string
	PatientID      string
	PharmacyID     string
	PrescriptionID *string
	Items          []OrderItem
	TotalAmount    decimal.Decimal
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OrderItem struct {
	ID             string
	OrderID        string
	MedicationID   string
	MedicationName string
	Quantity       int
	Price          decimal.Decimal
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (i OrderItem) Validate() error {
	switch {
	case i.MedicationID == "":
		return apperr.Validation("item medicationId is required")
	case i.Quantity <= 0:
		return apperr.Validation("item %s quantity must be greater than 0", i.MedicationID)
	case !i.Price.IsPositive():
		return apperr.Validation("item %s price must be greater than 0", i.MedicationID)
	case !i.Price.Equal(i.Price.Round(2)):
		return apperr.Validation("item %s price has more than two decimal places", i.MedicationID)
	}
	return nil
}

func Total(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// NewOrder validates the items and fixes the total as the sum of the price
// snapshots. Items get the order id stamped on them.
func NewOrder(id, patientID, pharmacyID string, prescriptionID *string, items []OrderItem, now time.Time) (Order, error) {
	if patientID == "" {
		return Order{}, apperr.Validation("patientId is required")
	}
	if pharmacyID == "" {
		return Order{}, apperr.Validation("pharmacyId is required")
	}
	if len(items) == 0 {
		return Order{}, apperr.Validation("order must contain at least one item")
	}
	owned := make([]OrderItem, len(items))
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return Order{}, err
		}
		item.OrderID = id
		owned[i] = item
	}
	return Order{
		ID:             id,
		PatientID:      patientID,
		PharmacyID:     pharmacyID,
		PrescriptionID: prescriptionID,
		Items:          owned,
		TotalAmount:    Total(owned),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// TransitionTo moves the order to next. Once the order is terminal it reports
// false without error, so a cancel racing a payment converges instead of
// failing. A live order asked for its current status is an invalid transition.
func (o *Order) TransitionTo(next OrderStatus, now time.Time) (bool, error) {
	if !next.Valid() {
		return false, apperr.Validation("unknown status %q", next)
	}
	if o.Status.Terminal() {
		return false, nil
	}
	if !CanTransition(o.Status, next) {
		return false, apperr.InvalidTransition("order %s cannot move from %s to %s", o.ID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return true, nil
}
