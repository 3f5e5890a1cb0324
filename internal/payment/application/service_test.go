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
	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/checkout"
	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/mobilemoney"
	invapp "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/application"
	invdomain "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	invmem "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/infrastructure/memory"
	orderapp "github.com/dmehra2102/pharmacy-order-engine/internal/order/application"
	orderdomain "github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	ordermem "github.com/dmehra2102/pharmacy-order-engine/internal/order/infrastructure/memory"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/application"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/domain"
	paymem "github.com/dmehra2102/pharmacy-order-engine/internal/payment/infrastructure/memory"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/logging"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/retry"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

type fakeCard struct {
	mu       sync.Mutex
	requests []checkout.SessionRequest
	create   func(in checkout.SessionRequest) (checkout.Session, error)
	session  func(id string) (checkout.SessionState, error)
}

func (f *fakeCard) CreateSession(_ context.Context, in checkout.SessionRequest) (checkout.Session, error) {
	f.mu.Lock()
	f.requests = append(f.requests, in)
	f.mu.Unlock()
	if f.create != nil {
		return f.create(in)
	}
	return checkout.Session{ID: "cs_" + in.OrderID, RedirectURL: "https://checkout.test/" + in.OrderID, OrderID: in.OrderID}, nil
}

func (f *fakeCard) Session(_ context.Context, id string) (checkout.SessionState, error) {
	if f.session != nil {
		return f.session(id)
	}
	return checkout.SessionState{ID: id}, nil
}

type fakeMobile struct {
	pushes  atomic.Int32
	push    func(in mobilemoney.PushRequest) (mobilemoney.PushResponse, error)
	query   func(id string) (mobilemoney.StatusResult, error)
	payouts []mobilemoney.PayoutRequest
}

func (f *fakeMobile) NormalizePhone(raw string) (string, error) {
	return mobilemoney.NormalizePhone(raw, mobilemoney.DefaultCountryCode)
}

func (f *fakeMobile) InitiatePush(_ context.Context, in mobilemoney.PushRequest) (mobilemoney.PushResponse, error) {
	n := f.pushes.Add(1)
	if f.push != nil {
		return f.push(in)
	}
	return mobilemoney.PushResponse{CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n), CustomerMessage: "Success. Request accepted for processing"}, nil
}

func (f *fakeMobile) QueryStatus(_ context.Context, id string) (mobilemoney.StatusResult, error) {
	if f.query != nil {
		return f.query(id)
	}
	return mobilemoney.StatusResult{CheckoutRequestID: id, Pending: true}, nil
}

func (f *fakeMobile) InitiatePayout(_ context.Context, in mobilemoney.PayoutRequest) (mobilemoney.PayoutResponse, error) {
	f.payouts = append(f.payouts, in)
	return mobilemoney.PayoutResponse{ConversationID: "AG_1", OriginatorConversationID: in.ConversationID}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *application.Service
	orders   *orderapp.Service
	payments *paymem.Repository
	card     *fakeCard
	mobile   *fakeMobile
	events   *outbox.MemoryStore
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.Nop()
	tx := txn.NewMemoryManager()
	events := outbox.NewMemoryStore(3)
	publisher := outbox.NewPublisher(log, events, "test")

	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }

	cat := catalogmem.New()
	cat.AddPatient("pat-1")
	cat.AddPharmacy(catalog.Pharmacy{ID: "ph-1", Name: "Riverside", Active: true})
	cat.AddMedication(catalog.Medication{ID: "amoxicillin", Name: "Amoxicillin 500mg"})
	cat.AddMedication(catalog.Medication{ID: "insulin", Name: "Insulin Glargine"})

	stock := invmem.NewRepository()
	ledger := invapp.NewLedger(log, stock, tx, invapp.WithIDGenerator(ids))
	for _, b := range []invdomain.Batch{
		{ID: "amox-1", PharmacyID: "ph-1", MedicationID: "amoxicillin", Quantity: 50, Price: decimal.NewFromInt(200), CreatedAt: time.Now()},
		{ID: "ins-1", PharmacyID: "ph-1", MedicationID: "insulin", Quantity: 10, Price: decimal.NewFromInt(12000), CreatedAt: time.Now()},
	} {
		_, err := ledger.AddBatch(context.Background(), b)
		require.NoError(t, err)
	}

	orders := orderapp.NewService(log, orderapp.Dependencies{
		Orders:    ordermem.NewRepository(),
		Catalog:   cat,
		Inventory: ledger,
		Events:    publisher,
		Tx:        tx,
	}, orderapp.WithIDGenerator(ids))

	clk := &clock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
	var paySeq atomic.Int64
	payments := paymem.NewRepository()
	card := &fakeCard{}
	mobile := &fakeMobile{}
	svc := application.NewService(log, application.Dependencies{
		Payments:    payments,
		Orders:      orders,
		Card:        card,
		MobileMoney: mobile,
		Events:      publisher,
		Tx:          tx,
	},
		application.WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 1}),
		application.WithClock(clk.Now),
		application.WithIDGenerator(func() string { return fmt.Sprintf("pay-%d", paySeq.Add(1)) }),
		application.WithStaleAfter(time.Minute),
	)

	return &fixture{svc: svc, orders: orders, payments: payments, card: card, mobile: mobile, events: events, clock: clk}
}

// placeOrder creates the reference order: one insulin pen and three packs of
// amoxicillin, 12,600 in total.
func (f *fixture) placeOrder(t *testing.T) orderdomain.Order {
	t.Helper()
	o, err := f.orders.CreateOrder(context.Background(), orderapp.CreateOrderInput{
		PatientID:  "pat-1",
		PharmacyID: "ph-1",
		Items: []orderapp.ItemInput{
			{MedicationID: "insulin", Quantity: 1, Price: decimal.RequireFromString("12000.00")},
			{MedicationID: "amoxicillin", Quantity: 3, Price: decimal.RequireFromString("200.00")},
		},
	})
	require.NoError(t, err)
	require.True(t, o.TotalAmount.Equal(decimal.NewFromInt(12600)))
	return o
}

func (f *fixture) startMobileMoney(t *testing.T, o orderdomain.Order) application.MobileMoneyResult {
	t.Helper()
	res, err := f.svc.InitiateMobileMoney(context.Background(), application.MobileMoneyInput{
		OrderID: o.ID, Phone: "0712 345 678", Amount: o.TotalAmount,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) orderStatus(t *testing.T, id string) orderdomain.OrderStatus {
	t.Helper()
	o, err := f.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func (f *fixture) eventsOfType(typ string) []outbox.Event {
	var out []outbox.Event
	for _, e := range f.events.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestInitiateCardOpensSessionFromOrderItems(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)

	res, err := f.svc.InitiateCard(context.Background(), application.CardInput{OrderID: o.ID, TotalAmount: decimal.RequireFromString("12600.00")})
	require.NoError(t, err)

	assert.Equal(t, "pay-1", res.PaymentID)
	assert.Equal(t, "cs_"+o.ID, res.SessionID)
	assert.Equal(t, "https://checkout.test/"+o.ID, res.RedirectURL)

	require.Len(t, f.card.requests, 1)
	req := f.card.requests[0]
	assert.Equal(t, "pay-1", req.IdempotencyKey)
	require.Len(t, req.Items, 2)
	names := []string{req.Items[0].Name, req.Items[1].Name}
	assert.ElementsMatch(t, []string{"Insulin Glargine", "Amoxicillin 500mg"}, names)

	p, err := f.svc.GetPayment(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, domain.MethodCard, p.Method)
	assert.Equal(t, res.SessionID, p.ProviderTransactionID)
	assert.Equal(t, orderdomain.StatusPending, f.orderStatus(t, o.ID))
}

func TestInitiateRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	cancelled := f.placeOrder(t)
	_, err := f.orders.CancelOrder(context.Background(), cancelled.ID)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   application.MobileMoneyInput
		want error
	}{
		{"amount_mismatch", application.MobileMoneyInput{OrderID: o.ID, Phone: "0712345678", Amount: decimal.NewFromInt(12000)}, apperr.ErrAmountMismatch},
		{"unknown_order", application.MobileMoneyInput{OrderID: "missing", Phone: "0712345678", Amount: decimal.NewFromInt(12600)}, apperr.ErrNotFound},
		{"terminal_order", application.MobileMoneyInput{OrderID: cancelled.ID, Phone: "0712345678", Amount: decimal.NewFromInt(12600)}, apperr.ErrInvalidOrderState},
		{"bad_phone", application.MobileMoneyInput{OrderID: o.ID, Phone: "12345", Amount: decimal.NewFromInt(12600)}, apperr.ErrInvalidPhone},
		{"missing_phone", application.MobileMoneyInput{OrderID: o.ID, Amount: decimal.NewFromInt(12600)}, apperr.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.InitiateMobileMoney(context.Background(), tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, f.mobile.pushes.Load())

	_, err = f.svc.InitiateCard(context.Background(), application.CardInput{OrderID: o.ID, TotalAmount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, apperr.ErrAmountMismatch)
	assert.Empty(t, f.card.requests)
}

func TestInitiateMobileMoneyAwaitsConfirmation(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)

	var got mobilemoney.PushRequest
	f.mobile.push = func(in mobilemoney.PushRequest) (mobilemoney.PushResponse, error) {
		got = in
		return mobilemoney.PushResponse{CheckoutRequestID: "ws_CO_1"}, nil
	}
	res := f.startMobileMoney(t, o)

	assert.Equal(t, application.AwaitingConfirmation, res.Status)
	assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)
	assert.Equal(t, "254712345678", got.Phone)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(12600)))
	assert.LessOrEqual(t, len(got.Reference), 12)

	p, err := f.svc.GetPayment(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, p.Status)
	assert.Equal(t, "254712345678", p.PayerPhone)
	assert.Equal(t, orderdomain.StatusPending, f.orderStatus(t, o.ID))
}

func TestInitiateMobileMoneyRetriesNetworkErrors(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)

	f.mobile.push = func(mobilemoney.PushRequest) (mobilemoney.PushResponse, error) {
		if f.mobile.pushes.Load() == 1 {
			return mobilemoney.PushResponse{}, apperr.GatewayNetwork(errors.New("connection reset"), "push")
		}
		return mobilemoney.PushResponse{CheckoutRequestID: "ws_CO_retry"}, nil
	}
	res := f.startMobileMoney(t, o)
	assert.Equal(t, "ws_CO_retry", res.CheckoutRequestID)
	assert.EqualValues(t, 2, f.mobile.pushes.Load())
}

func TestGatewayFailureMarksIntentFailed(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)

	f.mobile.push = func(mobilemoney.PushRequest) (mobilemoney.PushResponse, error) {
		return mobilemoney.PushResponse{}, apperr.GatewayRejected(nil, "invalid shortcode")
	}
	_, err := f.svc.InitiateMobileMoney(context.Background(), application.MobileMoneyInput{OrderID: o.ID, Phone: "0712345678", Amount: o.TotalAmount})
	require.ErrorIs(t, err, apperr.ErrGatewayRejected)
	assert.EqualValues(t, 1, f.mobile.pushes.Load(), "rejections are not retried")

	p, err := f.svc.GetPayment(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Contains(t, p.FailureReason, "invalid shortcode")

	failed := f.eventsOfType(domain.EventPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, orderdomain.StatusPending, f.orderStatus(t, o.ID))
}

func TestOrderTakesOnePaymentAtATime(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	f.startMobileMoney(t, o)

	_, err := f.svc.InitiateMobileMoney(context.Background(), application.MobileMoneyInput{OrderID: o.ID, Phone: "0712345678", Amount: o.TotalAmount})
	require.ErrorIs(t, err, apperr.ErrInvalidOrderState)
	_, err = f.svc.InitiateCard(context.Background(), application.CardInput{OrderID: o.ID, TotalAmount: o.TotalAmount})
	require.ErrorIs(t, err, apperr.ErrInvalidOrderState)
	assert.EqualValues(t, 1, f.mobile.pushes.Load())
	assert.Empty(t, f.card.requests)

	// concurrent initiations on a fresh order open exactly one payment
	fresh := f.placeOrder(t)
	var (
		wg      sync.WaitGroup
		opened  atomic.Int32
		blocked atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.InitiateMobileMoney(context.Background(), application.MobileMoneyInput{OrderID: fresh.ID, Phone: "0712345678", Amount: fresh.TotalAmount})
			switch {
			case err == nil:
				opened.Add(1)
			case errors.Is(err, apperr.ErrInvalidOrderState):
				blocked.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, opened.Load())
	assert.EqualValues(t, 7, blocked.Load())
}

func TestFailedPaymentFreesOrderForRetry(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)

	f.mobile.push = func(mobilemoney.PushRequest) (mobilemoney.PushResponse, error) {
		return mobilemoney.PushResponse{}, apperr.GatewayRejected(nil, "invalid shortcode")
	}
	_, err := f.svc.InitiateMobileMoney(context.Background(), application.MobileMoneyInput{OrderID: o.ID, Phone: "0712345678", Amount: o.TotalAmount})
	require.ErrorIs(t, err, apperr.ErrGatewayRejected)

	f.mobile.push = nil
	started := f.startMobileMoney(t, o)
	assert.Equal(t, "pay-2", started.PaymentID)

	_, err = f.svc.Reconcile(context.Background(), domain.Outcome{ProviderTransactionID: started.CheckoutRequestID, Status: domain.StatusCompleted})
	require.NoError(t, err)

	// a completed payment still holds the order
	err = f.payments.Create(context.Background(), domain.NewPayment("pay-late", o.ID, o.TotalAmount, domain.MethodCard, f.clock.Now()))
	require.ErrorIs(t, err, apperr.ErrInvalidOrderState)
}

func TestReconcileCompletesOrder(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started := f.startMobileMoney(t, o)

	res, err := f.svc.Reconcile(context.Background(), domain.Outcome{
		ProviderTransactionID: started.CheckoutRequestID,
		Status:                domain.StatusCompleted,
		Amount:                amount("12600"),
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.OrderAdvanced)
	assert.Equal(t, domain.StatusCompleted, res.Payment.Status)
	assert.Equal(t, orderdomain.StatusCompleted, f.orderStatus(t, o.ID))

	settled := f.eventsOfType(domain.EventPaymentSettled)
	require.Len(t, settled, 1)
	var payload domain.PaymentSettled
	require.NoError(t, json.Unmarshal(settled[0].Payload, &payload))
	assert.Equal(t, o.ID, payload.OrderID)
	assert.True(t, payload.Amount.Equal(decimal.NewFromInt(12600)))
	assert.Equal(t, o.ID, settled[0].Headers[outbox.HeaderPartitionKey])

	again, err := f.svc.Reconcile(context.Background(), domain.Outcome{ProviderTransactionID: started.CheckoutRequestID, Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Len(t, f.eventsOfType(domain.EventPaymentSettled), 1)
}

func TestReconcileConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started := f.startMobileMoney(t, o)

	var (
		wg      sync.WaitGroup
		changed atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Reconcile(context.Background(), domain.Outcome{ProviderTransactionID: started.CheckoutRequestID, Status: domain.StatusCompleted})
			if assert.NoError(t, err) && res.Changed {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, changed.Load())
	assert.Len(t, f.eventsOfType(domain.EventPaymentSettled), 1)
	assert.Equal(t, orderdomain.StatusCompleted, f.orderStatus(t, o.ID))
}

func TestReconcileRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started := f.startMobileMoney(t, o)

	_, err := f.svc.Reconcile(context.Background(), domain.Outcome{
		ProviderTransactionID: started.CheckoutRequestID,
		Status:                domain.StatusCompleted,
		Amount:                amount("12000"),
	})
	require.ErrorIs(t, err, apperr.ErrAmountMismatch)

	p, err := f.svc.GetPayment(context.Background(), started.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, application.ReasonAmountMismatch, p.FailureReason)
	assert.Equal(t, orderdomain.StatusPending, f.orderStatus(t, o.ID))
	assert.Empty(t, f.eventsOfType(domain.EventPaymentSettled))
	assert.Len(t, f.eventsOfType(domain.EventPaymentFailed), 1)

	// a correct replay cannot settle a rejected payment
	res, err := f.svc.Reconcile(context.Background(), domain.Outcome{
		ProviderTransactionID: started.CheckoutRequestID,
		Status:                domain.StatusCompleted,
		Amount:                amount("12600"),
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.StatusFailed, res.Payment.Status)
}

func TestAmountMismatchSurvivesStatusPolling(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started := f.startMobileMoney(t, o)

	_, err := f.svc.Reconcile(context.Background(), domain.Outcome{
		ProviderTransactionID: started.CheckoutRequestID,
		Status:                domain.StatusCompleted,
		Amount:                amount("1"),
	})
	require.ErrorIs(t, err, apperr.ErrAmountMismatch)

	var queried atomic.Int32
	f.mobile.query = func(id string) (mobilemoney.StatusResult, error) {
		queried.Add(1)
		return mobilemoney.StatusResult{CheckoutRequestID: id, Success: true, ResultCode: "0"}, nil
	}
	f.clock.Advance(5 * time.Minute)

	n, err := f.svc.PollStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, queried.Load(), "a rejected payment is no longer polled")

	res, err := f.svc.SyncStatus(context.Background(), started.PaymentID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.StatusFailed, res.Payment.Status)

	assert.Equal(t, orderdomain.StatusPending, f.orderStatus(t, o.ID))
	assert.Empty(t, f.eventsOfType(domain.EventPaymentSettled))
}

func TestReconcileFailureLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started := f.startMobileMoney(t, o)

	res, err := f.svc.Reconcile(context.Background(), domain.Outcome{
		ProviderTransactionID: started.CheckoutRequestID,
		Status:                domain.StatusFailed,
		Reason:                "Request cancelled by user",
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.OrderAdvanced)
	assert.Equal(t, "Request cancelled by user", res.Payment.FailureReason)
	assert.Equal(t, orderdomain.StatusPending, f.orderStatus(t, o.ID))
	assert.Len(t, f.eventsOfType(domain.EventPaymentFailed), 1)
}

func TestReconcileDoesNotReviveCancelledOrder(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started := f.startMobileMoney(t, o)
	_, err := f.orders.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)

	res, err := f.svc.Reconcile(context.Background(), domain.Outcome{ProviderTransactionID: started.CheckoutRequestID, Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.OrderAdvanced)
	assert.Equal(t, orderdomain.StatusCancelled, f.orderStatus(t, o.ID))
}

func TestReconcileValidatesOutcome(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Reconcile(context.Background(), domain.Outcome{Status: domain.StatusCompleted})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Reconcile(context.Background(), domain.Outcome{ProviderTransactionID: "ws_CO_x", Status: domain.StatusInitiated})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Reconcile(context.Background(), domain.Outcome{ProviderTransactionID: "ws_CO_unknown", Status: domain.StatusCompleted})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSyncStatusMobileMoney(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started := f.startMobileMoney(t, o)

	res, err := f.svc.SyncStatus(context.Background(), started.PaymentID)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.False(t, res.Changed)

	f.mobile.query = func(id string) (mobilemoney.StatusResult, error) {
		return mobilemoney.StatusResult{CheckoutRequestID: id, Success: true, ResultCode: "0"}, nil
	}
	res, err = f.svc.SyncStatus(context.Background(), started.PaymentID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StatusCompleted, res.Payment.Status)
	assert.Equal(t, orderdomain.StatusCompleted, f.orderStatus(t, o.ID))
}

func TestSyncStatusCard(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t)
	started, err := f.svc.InitiateCard(context.Background(), application.CardInput{OrderID: o.ID, TotalAmount: o.TotalAmount})
	require.NoError(t, err)

	f.card.session = func(id string) (checkout.SessionState, error) {
		return checkout.SessionState{ID: id, OrderID: o.ID, Paid: true, Amount: decimal.NewFromInt(12600)}, nil
	}
	res, err := f.svc.SyncStatus(context.Background(), started.PaymentID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.OrderAdvanced)

	res, err = f.svc.SyncStatus(context.Background(), started.PaymentID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestPollStaleSettlesOverduePayments(t *testing.T) {
	f := newFixture(t)
	first := f.startMobileMoney(t, f.placeOrder(t))
	second := f.startMobileMoney(t, f.placeOrder(t))

	f.mobile.query = func(id string) (mobilemoney.StatusResult, error) {
		switch id {
		case first.CheckoutRequestID:
			return mobilemoney.StatusResult{CheckoutRequestID: id, Success: true}, nil
		case second.CheckoutRequestID:
			return mobilemoney.StatusResult{CheckoutRequestID: id, ResultCode: "1032", ResultDesc: "Request cancelled by user"}, nil
		}
		return mobilemoney.StatusResult{}, apperr.NotFound("unknown %s", id)
	}

	n, err := f.svc.PollStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is overdue yet")

	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.PollStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := f.svc.GetPayment(context.Background(), second.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, "Request cancelled by user", p.FailureReason)

	n, err = f.svc.PollStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPayout(t *testing.T) {
	tests := []struct {
		name string
		in   application.PayoutInput
		want error
	}{
		{"zero_amount", application.PayoutInput{Phone: "0712345678", CommandType: "BusinessPayment"}, apperr.ErrValidation},
		{"unknown_command", application.PayoutInput{Phone: "0712345678", Amount: decimal.NewFromInt(10), CommandType: "Lottery"}, apperr.ErrValidation},
		{"bad_phone", application.PayoutInput{Phone: "abc", Amount: decimal.NewFromInt(10), CommandType: "BusinessPayment"}, apperr.ErrInvalidPhone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Payout(context.Background(), tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, f.mobile.payouts)
		})
	}

	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.svc.Payout(context.Background(), application.PayoutInput{
			Phone: "+254 712 345 678", Amount: decimal.NewFromInt(500), Remarks: "refund", CommandType: "BusinessPayment",
		})
		require.NoError(t, err)
		require.Len(t, f.mobile.payouts, 1)
		assert.Equal(t, "254712345678", f.mobile.payouts[0].Phone)
		assert.Equal(t, "pay-1", f.mobile.payouts[0].ConversationID)
		assert.Equal(t, "pay-1", resp.OriginatorConversationID)
	})
}

type countingPoller struct {
	calls atomic.Int32
}

func (p *countingPoller) PollStale(context.Context) (int, error) {
	if p.calls.Add(1)%2 == 0 {
		return 0, errors.New("provider down")
	}
	return 1, nil
}

func TestPollerRunsUntilCancelled(t *testing.T) {
	svc := &countingPoller{}
	p := application.NewPoller(logging.Nop(), svc, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return svc.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
