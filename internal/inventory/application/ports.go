package application

import (
	"context"
	"time"

	"github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
)

// Repository methods that mutate or lock must run inside a transaction opened by
// the ledger's txn.Manager.
type Repository interface {
	InsertBatch(ctx context.Context, b domain.Batch) error
	// LockBatches returns the key's batches with stock, FIFO ordered, locked
	// against concurrent allocation until the transaction ends.
	LockBatches(ctx context.Context, key domain.Key) ([]domain.Batch, error)
	AvailableQuantity(ctx context.Context, key domain.Key) (int, error)
	Debit(ctx context.Context, batchID string, quantity int) error
	Credit(ctx context.Context, batchID string, quantity int) error
	SaveAllocations(ctx context.Context, allocs []domain.Allocation) error
	// LockAllocations returns the order's allocations locked for restoration.
	LockAllocations(ctx context.Context, orderID string) ([]domain.Allocation, error)
	LockAllocationsByID(ctx context.Context, ids []string) ([]domain.Allocation, error)
	MarkRestored(ctx context.Context, ids []string, at time.Time) error
}
