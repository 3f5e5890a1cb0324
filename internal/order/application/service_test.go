package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/pharmacy-order-engine/internal/catalog"
	catalogmem "github.com/dmehra2102/pharmacy-order-engine/internal/catalog/memory"
	invapp "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/application"
	invdomain "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	invmem "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/infrastructure/memory"
	"github.com/dmehra2102/pharmacy-order-engine/internal/order/application"
	"github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	ordermem "github.com/dmehra2102/pharmacy-order-engine/internal/order/infrastructure/memory"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/logging"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

type fixture struct {
	svc     *application.Service
	orders  *ordermem.Repository
	stock   *invmem.Repository
	ledger  *invapp.Ledger
	catalog *catalogmem.Catalog
	events  *outbox.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.Nop()
	tx := txn.NewMemoryManager()
	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }

	cat := catalogmem.New()
	cat.AddPatient("pat-1")
	cat.AddPharmacy(catalog.Pharmacy{ID: "ph-1", Name: "Riverside", Active: true})
	cat.AddPharmacy(catalog.Pharmacy{ID: "ph-closed", Name: "Closed", Active: false})
	cat.AddMedication(catalog.Medication{ID: "amoxicillin", Name: "Amoxicillin 500mg"})
	cat.AddMedication(catalog.Medication{ID: "insulin", Name: "Insulin Glargine"})

	stock := invmem.NewRepository()
	ledger := invapp.NewLedger(log, stock, tx, invapp.WithIDGenerator(ids))
	orders := ordermem.NewRepository()
	events := outbox.NewMemoryStore(3)

	svc := application.NewService(log, application.Dependencies{
		Orders:    orders,
		Catalog:   cat,
		Inventory: ledger,
		Events:    outbox.NewPublisher(log, events, "test"),
		Tx:        tx,
	}, application.WithIDGenerator(ids))

	return &fixture{svc: svc, orders: orders, stock: stock, ledger: ledger, catalog: cat, events: events}
}

func (f *fixture) addStock(t *testing.T, id, med string, qty int) {
	t.Helper()
	_, err := f.ledger.AddBatch(context.Background(), invdomain.Batch{
		ID: id, PharmacyID: "ph-1", MedicationID: med, Quantity: qty,
		Price: decimal.NewFromInt(100), CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, e := range f.events.Events() {
		out = append(out, e.Type)
	}
	return out
}

func input(items ...application.ItemInput) application.CreateOrderInput {
	return application.CreateOrderInput{PatientID: "pat-1", PharmacyID: "ph-1", Items: items}
}

func line(med string, qty int, price string) application.ItemInput {
	return application.ItemInput{MedicationID: med, Quantity: qty, Price: decimal.RequireFromString(price)}
}

func TestCreateOrderPersistsItemsAllocationsAndEvent(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 5)
	f.addStock(t, "ins-1", "insulin", 2)

	o, err := f.svc.CreateOrder(context.Background(), input(line("insulin", 1, "12000.00"), line("amoxicillin", 3, "200.00")))
	require.NoError(t, err)

	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("12600")))
	assert.Equal(t, domain.StatusPending, o.Status)

	stored, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 2)
	assert.True(t, stored.TotalAmount.Equal(domain.Total(stored.Items)))

	allocs := f.stock.Allocations(o.ID)
	require.Len(t, allocs, 2)
	amox, _ := f.stock.Batch("amox-1")
	ins, _ := f.stock.Batch("ins-1")
	assert.Equal(t, 2, amox.Quantity)
	assert.Equal(t, 1, ins.Quantity)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderCreated, events[0].Type)
	var payload domain.OrderCreated
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, o.ID, payload.OrderID)
}

func TestCreateOrderInsufficientStockLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 5)
	f.addStock(t, "ins-1", "insulin", 1)

	_, err := f.svc.CreateOrder(context.Background(), input(line("amoxicillin", 2, "10"), line("insulin", 2, "10")))
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)

	amox, _ := f.stock.Batch("amox-1")
	assert.Equal(t, 5, amox.Quantity)
	assert.Empty(t, f.events.Events())
}

func TestCreateOrderSumsDuplicateLinesForStockCheck(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 5)

	_, err := f.svc.CreateOrder(context.Background(), input(line("amoxicillin", 3, "10"), line("amoxicillin", 3, "10")))
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
}

func TestCreateOrderReferenceChecks(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 5)

	cases := []struct {
		name string
		in   application.CreateOrderInput
		want error
	}{
		{"unknown_patient", application.CreateOrderInput{PatientID: "ghost", PharmacyID: "ph-1", Items: []application.ItemInput{line("amoxicillin", 1, "1")}}, apperr.ErrNotFound},
		{"unknown_pharmacy", application.CreateOrderInput{PatientID: "pat-1", PharmacyID: "ph-x", Items: []application.ItemInput{line("amoxicillin", 1, "1")}}, apperr.ErrNotFound},
		{"inactive_pharmacy", application.CreateOrderInput{PatientID: "pat-1", PharmacyID: "ph-closed", Items: []application.ItemInput{line("amoxicillin", 1, "1")}}, apperr.ErrValidation},
		{"unknown_medication", input(line("unobtainium", 1, "1")), apperr.ErrNotFound},
		{"zero_quantity", input(line("amoxicillin", 0, "1")), apperr.ErrValidation},
		{"zero_price", input(line("amoxicillin", 1, "0")), apperr.ErrValidation},
		{"no_items", input(), apperr.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCancelRestoresExactAllocations(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 4)
	f.addStock(t, "amox-2", "amoxicillin", 10)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, input(line("amoxicillin", 6, "10")))
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(ctx, input(line("amoxicillin", 5, "10")))
	require.NoError(t, err)

	res, err := f.svc.CancelOrder(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StatusCancelled, res.Order.Status)

	b1, _ := f.stock.Batch("amox-1")
	b2, _ := f.stock.Batch("amox-2")
	assert.Equal(t, 4, b1.Quantity)
	assert.Equal(t, 5, b2.Quantity)

	res, err = f.svc.CancelOrder(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	b1, _ = f.stock.Batch("amox-1")
	assert.Equal(t, 4, b1.Quantity)

	assert.Equal(t, []string{
		domain.EventOrderCreated, domain.EventOrderCreated, domain.EventOrderStatusChanged,
	}, f.eventTypes())
}

func TestCancelRejectedOnceShipped(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 4)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, input(line("amoxicillin", 1, "10")))
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.StatusProcessing)
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.StatusShipped)
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, o.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidOrderState)

	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.StatusCancelled)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	b, _ := f.stock.Batch("amox-1")
	assert.Equal(t, 3, b.Quantity)
}

func TestUpdateStatusViaTableCancelRestores(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 4)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, input(line("amoxicillin", 3, "10")))
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.StatusProcessing)
	require.NoError(t, err)
	res, err := f.svc.UpdateStatus(ctx, o.ID, domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, res.From)

	b, _ := f.stock.Batch("amox-1")
	assert.Equal(t, 4, b.Quantity)

	res, err = f.svc.UpdateStatus(ctx, o.ID, domain.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.StatusCancelled, res.Order.Status)
}

func TestUpdateStatusRejectsRepeatOnLiveOrder(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 4)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, input(line("amoxicillin", 1, "10")))
	require.NoError(t, err)
	res, err := f.svc.UpdateStatus(ctx, o.ID, domain.StatusProcessing)
	require.NoError(t, err)
	require.True(t, res.Changed)

	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.StatusProcessing)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, []string{domain.EventOrderCreated, domain.EventOrderStatusChanged}, f.eventTypes())
}

func TestUpdateStatusUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateStatus(context.Background(), "missing", domain.StatusProcessing)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAdvanceToCompleted(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 4)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, input(line("amoxicillin", 1, "10")))
	require.NoError(t, err)

	advanced, err := f.svc.AdvanceToCompleted(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, advanced)
	got, _ := f.orders.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	advanced, err = f.svc.AdvanceToCompleted(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestAdvanceToCompletedSkipsCancelledOrder(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 4)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, input(line("amoxicillin", 1, "10")))
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)

	advanced, err := f.svc.AdvanceToCompleted(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, advanced)
	got, _ := f.orders.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestGetOrderResolvesMedicationNames(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "ins-1", "insulin", 4)

	o, err := f.svc.CreateOrder(context.Background(), input(line("insulin", 1, "99.90")))
	require.NoError(t, err)

	got, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Insulin Glargine", got.Items[0].MedicationName)
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, "amox-1", "amoxicillin", 10)

	var (
		wg     sync.WaitGroup
		ok     atomic.Int64
		failed atomic.Int64
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(context.Background(), input(line("amoxicillin", 3, "10")))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, apperr.ErrInsufficientStock):
				failed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), ok.Load())
	assert.Equal(t, int64(9), failed.Load())
	b, _ := f.stock.Batch("amox-1")
	assert.Equal(t, 1, b.Quantity)
}
