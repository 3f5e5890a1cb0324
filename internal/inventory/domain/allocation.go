package domain

import "time"

// Allocation records exactly how much of one batch was debited for one order
// item, so cancellation can credit the same batch back.
type Allocation struct {
	ID           string
	OrderID      string
	OrderItemID  string
	BatchID      string
	PharmacyID   string
	MedicationID string
	Quantity     int
	CreatedAt    time.Time
	RestoredAt   *time.Time
}

func (a Allocation) Restored() bool { return a.RestoredAt != nil }

func (a Allocation) Key() Key { return Key{PharmacyID: a.PharmacyID, MedicationID: a.MedicationID} }
