package application

import (
	"context"
	"time"

	invapp "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/application"
	invdomain "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
)

type OrderRepository interface {
	// Create inserts the order and its items.
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	// GetForUpdate loads the order header and locks it until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, updatedAt time.Time) error
}

type Inventory interface {
	Available(ctx context.Context, key invdomain.Key) (int, error)
	Allocate(ctx context.Context, req invapp.AllocateRequest) ([]invdomain.Allocation, error)
	RestoreOrder(ctx context.Context, orderID string) (int, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, msg outbox.Message)
}
