package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
)

type Key struct {
	PharmacyID   string
	MedicationID string
}

func (k Key) String() string { return k.PharmacyID + "/" + k.MedicationID }

// Less orders keys so multi-key work always locks in the same order.
func (k Key) Less(o Key) bool {
	if k.PharmacyID != o.PharmacyID {
		return k.PharmacyID < o.PharmacyID
	}
	return k.MedicationID < o.MedicationID
}

type Batch struct {
	ID           string
	PharmacyID   string
	MedicationID string
	Quantity     int
	ExpiryDate   *time.Time
	Price        decimal.Decimal
	CreatedAt    time.Time
}

func (b Batch) Key() Key { return Key{PharmacyID: b.PharmacyID, MedicationID: b.MedicationID} }

func (b Batch) Validate() error {
	switch {
	case b.PharmacyID == "" || b.MedicationID == "":
		return apperr.Validation("batch requires pharmacy and medication")
	case b.Quantity < 0:
		return apperr.Validation("batch quantity must not be negative")
	case b.Price.IsNegative():
		return apperr.Validation("batch price must not be negative")
	}
	return nil
}

// SortFIFO orders batches oldest first: earliest expiry, batches without expiry
// last, then insertion time, then id.
func SortFIFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return true
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return false
		case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		default:
			return a.ID < b.ID
		}
	})
}

func Available(batches []Batch) int {
	total := 0
	for _, b := range batches {
		total += b.Quantity
	}
	return total
}

type Take struct {
	BatchID  string
	Quantity int
}

// PlanFIFO walks batches in the given order and debits each until quantity is
// covered. The batches must already be FIFO ordered.
func PlanFIFO(batches []Batch, quantity int) ([]Take, error) {
	if quantity <= 0 {
		return nil, apperr.Validation("allocation quantity must be positive, got %d", quantity)
	}
	if avail := Available(batches); avail < quantity {
		key := Key{}
		if len(batches) > 0 {
			key = batches[0].Key()
		}
		return nil, apperr.InsufficientStock("%s: requested %d, available %d", key, quantity, avail)
	}

	takes := make([]Take, 0, 1)
	left := quantity
	for _, b := range batches {
		if left == 0 {
			break
		}
		if b.Quantity <= 0 {
			continue
		}
		n := min(b.Quantity, left)
		takes = append(takes, Take{BatchID: b.ID, Quantity: n})
		left -= n
	}
	return takes, nil
}
