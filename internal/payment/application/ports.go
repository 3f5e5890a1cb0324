package application

import (
	"context"
	"time"

	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/checkout"
	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/mobilemoney"
	orderdomain "github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
)

type PaymentRepository interface {
	Create(ctx context.Context, p domain.Payment) error
	Update(ctx context.Context, p domain.Payment) error
	Get(ctx context.Context, id string) (domain.Payment, error)
	GetByProviderIDForUpdate(ctx context.Context, providerTransactionID string) (domain.Payment, error)
	ListStale(ctx context.Context, method domain.Method, status domain.Status, before time.Time, limit int) ([]domain.Payment, error)
}

type Orders interface {
	GetOrder(ctx context.Context, id string) (orderdomain.Order, error)
	AdvanceToCompleted(ctx context.Context, id string) (bool, error)
}

type CardGateway interface {
	CreateSession(ctx context.Context, in checkout.SessionRequest) (checkout.Session, error)
	Session(ctx context.Context, id string) (checkout.SessionState, error)
}

type MobileMoneyGateway interface {
	NormalizePhone(raw string) (string, error)
	InitiatePush(ctx context.Context, in mobilemoney.PushRequest) (mobilemoney.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (mobilemoney.StatusResult, error)
	InitiatePayout(ctx context.Context, in mobilemoney.PayoutRequest) (mobilemoney.PayoutResponse, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, msg outbox.Message)
}
