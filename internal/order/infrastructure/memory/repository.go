package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

type Repository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

func NewRepository() *Repository {
	return &Repository{orders: make(map[string]domain.Order)}
}

func (r *Repository) Create(ctx context.Context, o domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return apperr.Validation("order %s already exists", o.ID)
	}
	r.orders[o.ID] = clone(o)
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		delete(r.orders, o.ID)
		r.mu.Unlock()
	})
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, apperr.NotFound("order %s not found", id)
	}
	return clone(o), nil
}

func (r *Repository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.Get(ctx, id)
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return apperr.NotFound("order %s not found", id)
	}
	prev := o
	o.Status = status
	o.UpdatedAt = updatedAt
	r.orders[id] = o
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		r.orders[id] = prev
		r.mu.Unlock()
	})
	return nil
}

func clone(o domain.Order) domain.Order {
	items := make([]domain.OrderItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}
