package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

type Repository struct {
	mu       sync.RWMutex
	payments map[string]domain.Payment
}

func NewRepository() *Repository {
	return &Repository{payments: make(map[string]domain.Payment)}
}

func (r *Repository) Create(ctx context.Context, p domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; ok {
		return apperr.Validation("payment %s already exists", p.ID)
	}
	for _, other := range r.payments {
		if other.OrderID == p.OrderID && other.Status.HoldsOrder() {
			return apperr.InvalidOrderState("order %s already has payment %s in %s", p.OrderID, other.ID, other.Status)
		}
	}
	r.payments[p.ID] = p
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		delete(r.payments, p.ID)
		r.mu.Unlock()
	})
	return nil
}

func (r *Repository) Update(ctx context.Context, p domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.payments[p.ID]
	if !ok {
		return apperr.NotFound("payment %s not found", p.ID)
	}
	if p.ProviderTransactionID != "" {
		for id, other := range r.payments {
			if id != p.ID && other.ProviderTransactionID == p.ProviderTransactionID {
				return apperr.Validation("provider transaction %s already recorded", p.ProviderTransactionID)
			}
		}
	}
	r.payments[p.ID] = p
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		r.payments[p.ID] = prev
		r.mu.Unlock()
	})
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[id]
	if !ok {
		return domain.Payment{}, apperr.NotFound("payment %s not found", id)
	}
	return p, nil
}

func (r *Repository) GetByProviderIDForUpdate(_ context.Context, providerTransactionID string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.payments {
		if providerTransactionID != "" && p.ProviderTransactionID == providerTransactionID {
			return p, nil
		}
	}
	return domain.Payment{}, apperr.NotFound("payment for provider transaction %s not found", providerTransactionID)
}

func (r *Repository) ListStale(_ context.Context, method domain.Method, status domain.Status, before time.Time, limit int) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.Method == method && p.Status == status && p.ProviderTransactionID != "" && p.UpdatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
