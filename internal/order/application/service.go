package application

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/pharmacy-order-engine/internal/catalog"
	invapp "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/application"
	invdomain "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/metrics"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/retry"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

type CreateOrderInput struct {
	PatientID      string
	PharmacyID     string
	PrescriptionID *string
	Items          []ItemInput
}

type ItemInput struct {
	MedicationID string
	Quantity     int
	Price        decimal.Decimal
}

type Dependencies struct {
	Orders    OrderRepository
	Catalog   catalog.Reader
	Inventory Inventory
	Events    EventPublisher
	Tx        txn.Manager
	Metrics   *metrics.Metrics
}

type Service struct {
	log       *slog.Logger
	repo      OrderRepository
	catalog   catalog.Reader
	inventory Inventory
	events    EventPublisher
	tx        txn.Manager
	metrics   *metrics.Metrics
	retry     retry.Config
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithRetry(cfg retry.Config) Option { return func(s *Service) { s.retry = cfg } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func NewService(log *slog.Logger, deps Dependencies, opts ...Option) *Service {
	s := &Service{
		log:       log,
		repo:      deps.Orders,
		catalog:   deps.Catalog,
		inventory: deps.Inventory,
		events:    deps.Events,
		tx:        deps.Tx,
		metrics:   deps.Metrics,
		retry:     retry.DefaultConfig(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

// CreateOrder checks references and stock, then inserts the order, its items and
// their stock allocations in one transaction. A lost allocation race reruns the
// whole transaction.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	now := s.now()
	orderID := s.newID()
	items := make([]domain.OrderItem, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, domain.OrderItem{
			ID:           s.newID(),
			MedicationID: it.MedicationID,
			Quantity:     it.Quantity,
			Price:        it.Price,
		})
	}
	order, err := domain.NewOrder(orderID, in.PatientID, in.PharmacyID, in.PrescriptionID, items, now)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.checkReferences(ctx, order); err != nil {
		return domain.Order{}, err
	}
	if err := s.checkStock(ctx, order); err != nil {
		s.metrics.AllocationFailures.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return domain.Order{}, err
	}

	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.repo.Create(ctx, order); err != nil {
				return err
			}
			for _, item := range allocationOrder(order.Items) {
				if _, err := s.inventory.Allocate(ctx, invapp.AllocateRequest{
					OrderID:      order.ID,
					OrderItemID:  item.ID,
					PharmacyID:   order.PharmacyID,
					MedicationID: item.MedicationID,
					Quantity:     item.Quantity,
				}); err != nil {
					return err
				}
			}
			s.events.Publish(ctx, outbox.Message{
				AggregateType: "order",
				AggregateID:   order.ID,
				Type:          domain.EventOrderCreated,
				Payload:       domain.NewOrderCreated(order),
			})
			return nil
		})
	}, retry.If(apperr.IsConflict), retry.OnRetry(func(attempt int, err error, wait time.Duration) {
		s.log.Warn("order create conflict, retrying", "order_id", order.ID, "attempt", attempt, "wait", wait, "err", err)
	}))
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.OrdersCreated.Inc()
	s.log.Info("order created", "order_id", order.ID, "patient_id", order.PatientID, "pharmacy_id", order.PharmacyID,
		"total", order.TotalAmount.StringFixed(2), "items", len(order.Items))
	return order, nil
}

func (s *Service) checkReferences(ctx context.Context, o domain.Order) error {
	ok, err := s.catalog.PatientExists(ctx, o.PatientID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("patient %s not found", o.PatientID)
	}

	ph, err := s.catalog.Pharmacy(ctx, o.PharmacyID)
	if err != nil {
		return err
	}
	if !ph.Active {
		return apperr.Validation("pharmacy %s is not accepting orders", o.PharmacyID)
	}

	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.MedicationID)
	}
	meds, err := s.catalog.Medications(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := meds[id]; !ok {
			return apperr.NotFound("medication %s not found", id)
		}
	}
	return nil
}

// checkStock fails fast before the transaction. The ledger re-checks under lock.
func (s *Service) checkStock(ctx context.Context, o domain.Order) error {
	requested := make(map[string]int)
	for _, it := range o.Items {
		requested[it.MedicationID] += it.Quantity
	}
	meds := make([]string, 0, len(requested))
	for id := range requested {
		meds = append(meds, id)
	}
	sort.Strings(meds)

	for _, med := range meds {
		avail, err := s.inventory.Available(ctx, invdomain.Key{PharmacyID: o.PharmacyID, MedicationID: med})
		if err != nil {
			return err
		}
		if want := requested[med]; want > avail {
			return apperr.InsufficientStock("medication %s: requested %d, available %d", med, want, avail)
		}
	}
	return nil
}

// allocationOrder sorts items by medication so concurrent orders lock batch sets
// in the same order.
func allocationOrder(items []domain.OrderItem) []domain.OrderItem {
	out := make([]domain.OrderItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MedicationID < out[j].MedicationID })
	return out
}

// GetOrder returns the order with items and their medication names.
func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.MedicationID)
	}
	meds, err := s.catalog.Medications(ctx, ids)
	if err != nil {
		return domain.Order{}, err
	}
	for i := range o.Items {
		o.Items[i].MedicationName = meds[o.Items[i].MedicationID].Name
	}
	return o, nil
}

type TransitionResult struct {
	Order   domain.Order
	From    domain.OrderStatus
	Changed bool
}

// UpdateStatus applies one transition from the status table. Moving into
// CANCELLED credits back the batches recorded in the order's allocations.
func (s *Service) UpdateStatus(ctx context.Context, id string, next domain.OrderStatus) (TransitionResult, error) {
	return s.transition(ctx, id, next, nil)
}

// CancelOrder is UpdateStatus(CANCELLED) restricted to PENDING and PROCESSING
// orders. Cancelling a cancelled order is a no-op.
func (s *Service) CancelOrder(ctx context.Context, id string) (TransitionResult, error) {
	return s.transition(ctx, id, domain.StatusCancelled, func(o domain.Order) error {
		if o.Status == domain.StatusCancelled || o.Status.Cancellable() {
			return nil
		}
		return apperr.InvalidOrderState("order %s is %s and can no longer be cancelled", o.ID, o.Status)
	})
}

// AdvanceToCompleted walks a paid order to COMPLETED. It reports false when the
// order is already terminal, for example cancelled while the payment was in
// flight.
func (s *Service) AdvanceToCompleted(ctx context.Context, id string) (bool, error) {
	advanced := false
	err := s.run(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		for _, step := range domain.PathToCompleted(o.Status) {
			res, err := s.apply(ctx, o, step)
			if err != nil {
				return err
			}
			o = res.Order
			advanced = advanced || res.Changed
		}
		return nil
	})
	return advanced, err
}

func (s *Service) transition(ctx context.Context, id string, next domain.OrderStatus, guard func(domain.Order) error) (TransitionResult, error) {
	if !next.Valid() {
		return TransitionResult{}, apperr.Validation("unknown status %q", next)
	}
	var res TransitionResult
	err := s.run(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}
		res, err = s.apply(ctx, o, next)
		return err
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if !res.Changed {
		s.log.Info("order status unchanged", "order_id", id, "status", res.Order.Status, "requested", next)
	}
	return res, nil
}

// apply must run inside a transaction holding the order lock.
func (s *Service) apply(ctx context.Context, o domain.Order, next domain.OrderStatus) (TransitionResult, error) {
	from := o.Status
	changed, err := o.TransitionTo(next, s.now())
	if err != nil || !changed {
		return TransitionResult{Order: o, From: from}, err
	}

	if next == domain.StatusCancelled {
		if _, err := s.inventory.RestoreOrder(ctx, o.ID); err != nil {
			return TransitionResult{}, err
		}
	}
	if err := s.repo.UpdateStatus(ctx, o.ID, o.Status, o.UpdatedAt); err != nil {
		return TransitionResult{}, err
	}
	s.events.Publish(ctx, outbox.Message{
		AggregateType: "order",
		AggregateID:   o.ID,
		Type:          domain.EventOrderStatusChanged,
		Payload: domain.OrderStatusChanged{
			OrderID:   o.ID,
			PatientID: o.PatientID,
			From:      from,
			To:        o.Status,
			ChangedAt: o.UpdatedAt,
		},
	})
	txn.AfterCommit(ctx, func(context.Context) {
		s.metrics.OrderTransitions.WithLabelValues(string(from), string(o.Status)).Inc()
		s.log.Info("order status changed", "order_id", o.ID, "from", from, "to", o.Status)
	})
	return TransitionResult{Order: o, From: from, Changed: true}, nil
}

func (s *Service) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if txn.Active(ctx) {
		return s.tx.WithinTx(ctx, fn)
	}
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, fn)
	}, retry.If(apperr.IsConflict))
}
