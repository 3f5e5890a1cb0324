package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

// Repository keeps batches and allocations in maps. Row locking is provided by
// txn.MemoryManager, which runs one transaction at a time; every mutation
// registers its undo step with the transaction.
type Repository struct {
	mu          sync.Mutex
	batches     map[string]domain.Batch
	allocations map[string]domain.Allocation
	allocOrder  []string
}

func NewRepository() *Repository {
	return &Repository{
		batches:     make(map[string]domain.Batch),
		allocations: make(map[string]domain.Allocation),
	}
}

func (r *Repository) InsertBatch(ctx context.Context, b domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[b.ID]; ok {
		return apperr.Validation("batch %s already exists", b.ID)
	}
	r.batches[b.ID] = b
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		delete(r.batches, b.ID)
		r.mu.Unlock()
	})
	return nil
}

func (r *Repository) LockBatches(_ context.Context, key domain.Key) ([]domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Batch, 0)
	for _, b := range r.batches {
		if b.Key() == key && b.Quantity > 0 {
			out = append(out, b)
		}
	}
	domain.SortFIFO(out)
	return out, nil
}

func (r *Repository) AvailableQuantity(_ context.Context, key domain.Key) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, b := range r.batches {
		if b.Key() == key {
			total += b.Quantity
		}
	}
	return total, nil
}

func (r *Repository) Debit(ctx context.Context, batchID string, quantity int) error {
	return r.adjust(ctx, batchID, -quantity)
}

func (r *Repository) Credit(ctx context.Context, batchID string, quantity int) error {
	return r.adjust(ctx, batchID, quantity)
}

func (r *Repository) adjust(ctx context.Context, batchID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return apperr.NotFound("batch %s not found", batchID)
	}
	if b.Quantity+delta < 0 {
		return apperr.ConcurrencyConflict(nil, "batch %s would go negative", batchID)
	}
	b.Quantity += delta
	r.batches[batchID] = b
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		b := r.batches[batchID]
		b.Quantity -= delta
		r.batches[batchID] = b
		r.mu.Unlock()
	})
	return nil
}

func (r *Repository) SaveAllocations(ctx context.Context, allocs []domain.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range allocs {
		r.allocations[a.ID] = a
		r.allocOrder = append(r.allocOrder, a.ID)
	}
	n := len(allocs)
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		for _, a := range allocs {
			delete(r.allocations, a.ID)
		}
		r.allocOrder = r.allocOrder[:len(r.allocOrder)-n]
		r.mu.Unlock()
	})
	return nil
}

func (r *Repository) LockAllocations(_ context.Context, orderID string) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Allocation
	for _, id := range r.allocOrder {
		if a := r.allocations[id]; a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Repository) LockAllocationsByID(_ context.Context, ids []string) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Allocation, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.allocations[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Repository) MarkRestored(ctx context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		a := r.allocations[id]
		a.RestoredAt = &at
		r.allocations[id] = a
	}
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		for _, id := range ids {
			a := r.allocations[id]
			a.RestoredAt = nil
			r.allocations[id] = a
		}
		r.mu.Unlock()
	})
	return nil
}

// Batch returns a copy of one batch; ok is false when it does not exist.
func (r *Repository) Batch(id string) (domain.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	return b, ok
}

// Allocations returns every allocation recorded for an order.
func (r *Repository) Allocations(orderID string) []domain.Allocation {
	out, _ := r.LockAllocations(context.Background(), orderID)
	return out
}
