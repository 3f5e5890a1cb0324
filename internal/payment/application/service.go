package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/checkout"
	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/mobilemoney"
	orderdomain "github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/metrics"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/retry"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

// AwaitingConfirmation is reported while the payer has a prompt on the handset.
const AwaitingConfirmation = "awaiting confirmation"

// ReasonAmountMismatch is the failure reason recorded when a provider reports
// an amount other than the one the payment was opened for.
const ReasonAmountMismatch = "amount_mismatch"

type Dependencies struct {
	Payments    PaymentRepository
	Orders      Orders
	Card        CardGateway
	MobileMoney MobileMoneyGateway
	Events      EventPublisher
	Tx          txn.Manager
	Metrics     *metrics.Metrics
}

type Service struct {
	log        *slog.Logger
	payments   PaymentRepository
	orders     Orders
	card       CardGateway
	mobile     MobileMoneyGateway
	events     EventPublisher
	tx         txn.Manager
	metrics    *metrics.Metrics
	retry      retry.Config
	staleAfter time.Duration
	pollBatch  int
	now        func() time.Time
	newID      func() string
}

type Option func(*Service)

func WithRetry(cfg retry.Config) Option { return func(s *Service) { s.retry = cfg } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// WithStaleAfter sets how long a payment may wait for its callback before the
// poller queries the provider.
func WithStaleAfter(d time.Duration) Option { return func(s *Service) { s.staleAfter = d } }

func NewService(log *slog.Logger, deps Dependencies, opts ...Option) *Service {
	s := &Service{
		log:        log,
		payments:   deps.Payments,
		orders:     deps.Orders,
		card:       deps.Card,
		mobile:     deps.MobileMoney,
		events:     deps.Events,
		tx:         deps.Tx,
		metrics:    deps.Metrics,
		retry:      retry.DefaultConfig(),
		staleAfter: 2 * time.Minute,
		pollBatch:  50,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

type CardInput struct {
	OrderID     string
	TotalAmount decimal.Decimal
}

type CardResult struct {
	PaymentID   string
	SessionID   string
	RedirectURL string
}

type MobileMoneyInput struct {
	OrderID string
	Phone   string
	Amount  decimal.Decimal
}

type MobileMoneyResult struct {
	PaymentID         string
	CheckoutRequestID string
	Status            string
	CustomerMessage   string
}

type ReconcileResult struct {
	Payment       domain.Payment
	Changed       bool
	OrderAdvanced bool
	// Pending is set by SyncStatus when the provider has no answer yet.
	Pending bool
}

type PayoutInput struct {
	Phone       string
	Amount      decimal.Decimal
	Remarks     string
	Occasion    string
	CommandType string
}

// InitiateCard records a payment intent, opens a hosted checkout session for
// the order's items and stores the session id for later reconciliation.
func (s *Service) InitiateCard(ctx context.Context, in CardInput) (CardResult, error) {
	order, err := s.payableOrder(ctx, in.OrderID, in.TotalAmount)
	if err != nil {
		return CardResult{}, err
	}

	p := domain.NewPayment(s.newID(), order.ID, order.TotalAmount, domain.MethodCard, s.now())
	if err := s.payments.Create(ctx, p); err != nil {
		return CardResult{}, err
	}

	items := make([]checkout.LineItem, 0, len(order.Items))
	for _, it := range order.Items {
		name := it.MedicationName
		if name == "" {
			name = it.MedicationID
		}
		items = append(items, checkout.LineItem{Name: name, UnitPrice: it.Price, Quantity: it.Quantity})
	}

	sess, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) (checkout.Session, error) {
		return s.card.CreateSession(ctx, checkout.SessionRequest{OrderID: order.ID, IdempotencyKey: p.ID, Items: items})
	}, retry.If(apperr.Retryable), s.logRetry("create_session", p.ID))
	if err != nil {
		s.failIntent(ctx, p, err)
		return CardResult{}, err
	}

	p.Initiated(sess.ID, s.now())
	if err := s.payments.Update(ctx, p); err != nil {
		return CardResult{}, err
	}
	s.log.Info("card payment initiated", "payment_id", p.ID, "order_id", order.ID, "session_id", sess.ID, "amount", p.Amount.StringFixed(2))
	return CardResult{PaymentID: p.ID, SessionID: sess.ID, RedirectURL: sess.RedirectURL}, nil
}

// InitiateMobileMoney records a payment intent and asks the provider to prompt
// the payer. The outcome arrives later through Reconcile.
func (s *Service) InitiateMobileMoney(ctx context.Context, in MobileMoneyInput) (MobileMoneyResult, error) {
	if strings.TrimSpace(in.Phone) == "" {
		return MobileMoneyResult{}, apperr.Validation("phoneNumber is required")
	}
	phone, err := s.mobile.NormalizePhone(in.Phone)
	if err != nil {
		return MobileMoneyResult{}, err
	}
	order, err := s.payableOrder(ctx, in.OrderID, in.Amount)
	if err != nil {
		return MobileMoneyResult{}, err
	}

	p := domain.NewPayment(s.newID(), order.ID, order.TotalAmount, domain.MethodMobileMoney, s.now())
	p.PayerPhone = phone
	if err := s.payments.Create(ctx, p); err != nil {
		return MobileMoneyResult{}, err
	}

	resp, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) (mobilemoney.PushResponse, error) {
		return s.mobile.InitiatePush(ctx, mobilemoney.PushRequest{
			Phone:       phone,
			Amount:      order.TotalAmount,
			Reference:   accountReference(order.ID),
			Description: "Pharmacy order",
		})
	}, retry.If(apperr.Retryable), s.logRetry("push", p.ID))
	if err != nil {
		s.failIntent(ctx, p, err)
		return MobileMoneyResult{}, err
	}

	p.Initiated(resp.CheckoutRequestID, s.now())
	if err := s.payments.Update(ctx, p); err != nil {
		return MobileMoneyResult{}, err
	}
	s.log.Info("mobile money payment initiated", "payment_id", p.ID, "order_id", order.ID, "checkout_request_id", resp.CheckoutRequestID)
	return MobileMoneyResult{
		PaymentID:         p.ID,
		CheckoutRequestID: resp.CheckoutRequestID,
		Status:            AwaitingConfirmation,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

func (s *Service) payableOrder(ctx context.Context, orderID string, amount decimal.Decimal) (orderdomain.Order, error) {
	if orderID == "" {
		return orderdomain.Order{}, apperr.Validation("orderId is required")
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return orderdomain.Order{}, err
	}
	if order.Status.Terminal() {
		return orderdomain.Order{}, apperr.InvalidOrderState("order %s is %s and cannot be paid", order.ID, order.Status)
	}
	if !amount.Equal(order.TotalAmount) {
		return orderdomain.Order{}, apperr.AmountMismatch("amount %s does not match order total %s", amount.StringFixed(2), order.TotalAmount.StringFixed(2))
	}
	return order, nil
}

// failIntent records a gateway failure on the intent row. The order is left
// alone; retrying or cancelling is the caller's decision.
func (s *Service) failIntent(ctx context.Context, p domain.Payment, cause error) {
	if errors.Is(cause, apperr.ErrGatewayAuth) {
		s.log.Error("payment gateway rejected credentials", "payment_id", p.ID, "method", p.Method, "err", cause)
	} else {
		s.log.Warn("payment initiation failed", "payment_id", p.ID, "method", p.Method, "err", cause)
	}

	ctx = context.WithoutCancel(ctx)
	p.Fail(cause.Error(), s.now())
	if err := s.payments.Update(ctx, p); err != nil {
		s.log.Error("record failed payment intent", "payment_id", p.ID, "err", err)
		return
	}
	s.publishFailed(ctx, p)
}

// Reconcile applies a provider outcome. Replaying an outcome for a settled
// payment is a no-op. A completed payment walks its order to COMPLETED unless
// the order already reached a terminal state.
func (s *Service) Reconcile(ctx context.Context, out domain.Outcome) (ReconcileResult, error) {
	if err := out.Validate(); err != nil {
		return ReconcileResult{}, err
	}

	var (
		res      ReconcileResult
		mismatch error
	)
	err := s.run(ctx, func(ctx context.Context) error {
		res, mismatch = ReconcileResult{}, nil
		p, err := s.payments.GetByProviderIDForUpdate(ctx, out.ProviderTransactionID)
		if err != nil {
			return err
		}
		if p.Status.Settled() {
			res.Payment = p
			if p.Status != out.Status {
				s.log.Warn("conflicting outcome for settled payment", "payment_id", p.ID, "status", p.Status, "reported", out.Status)
			}
			return nil
		}

		if out.Status == domain.StatusCompleted {
			if err := s.checkAmounts(ctx, p, out); err != nil {
				if !errors.Is(err, apperr.ErrAmountMismatch) {
					return err
				}
				// the rejection is stored so a later status query cannot settle it.
				mismatch = err
				p.Fail(ReasonAmountMismatch, s.now())
				if err := s.payments.Update(ctx, p); err != nil {
					return err
				}
				res.Payment = p
				s.publishFailed(ctx, p)
				return nil
			}
		}

		p.Settle(out, s.now())
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		res.Payment = p
		res.Changed = true

		if out.Status != domain.StatusCompleted {
			s.publishFailed(ctx, p)
			return nil
		}

		advanced, err := s.orders.AdvanceToCompleted(ctx, p.OrderID)
		if err != nil {
			return err
		}
		res.OrderAdvanced = advanced
		if !advanced {
			txn.AfterCommit(ctx, func(context.Context) {
				s.log.Warn("payment settled for order that can no longer advance", "payment_id", p.ID, "order_id", p.OrderID)
			})
		}
		s.events.Publish(ctx, outbox.Message{
			AggregateType: "payment",
			AggregateID:   p.ID,
			PartitionKey:  p.OrderID,
			Type:          domain.EventPaymentSettled,
			Payload: domain.PaymentSettled{
				PaymentID:             p.ID,
				OrderID:               p.OrderID,
				Amount:                p.Amount,
				Method:                p.Method,
				ProviderTransactionID: p.ProviderTransactionID,
				SettledAt:             p.UpdatedAt,
			},
		})
		return nil
	})

	if err == nil {
		err = mismatch
	}
	s.metrics.Reconciliations.WithLabelValues(reconcileOutcome(res, err)).Inc()
	if err != nil {
		if errors.Is(err, apperr.ErrAmountMismatch) {
			s.log.Error("payment amount mismatch", "provider_transaction_id", out.ProviderTransactionID, "err", err)
		}
		return ReconcileResult{}, err
	}
	if res.Changed {
		s.log.Info("payment reconciled", "payment_id", res.Payment.ID, "order_id", res.Payment.OrderID,
			"status", res.Payment.Status, "order_advanced", res.OrderAdvanced)
	}
	return res, nil
}

func (s *Service) checkAmounts(ctx context.Context, p domain.Payment, out domain.Outcome) error {
	if out.Amount != nil && !p.Matches(*out.Amount) {
		return apperr.AmountMismatch("provider reported %s for payment %s of %s", out.Amount.String(), p.ID, p.Amount.StringFixed(2))
	}
	order, err := s.orders.GetOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if !p.Amount.Equal(order.TotalAmount) {
		return apperr.AmountMismatch("payment %s of %s does not match order total %s", p.ID, p.Amount.StringFixed(2), order.TotalAmount.StringFixed(2))
	}
	return nil
}

func reconcileOutcome(res ReconcileResult, err error) string {
	switch {
	case errors.Is(err, apperr.ErrAmountMismatch):
		return "amount_mismatch"
	case err != nil:
		return "error"
	case !res.Changed:
		return "duplicate"
	default:
		return strings.ToLower(string(res.Payment.Status))
	}
}

func (s *Service) publishFailed(ctx context.Context, p domain.Payment) {
	s.events.Publish(ctx, outbox.Message{
		AggregateType: "payment",
		AggregateID:   p.ID,
		PartitionKey:  p.OrderID,
		Type:          domain.EventPaymentFailed,
		Payload: domain.PaymentFailed{
			PaymentID:             p.ID,
			OrderID:               p.OrderID,
			Method:                p.Method,
			ProviderTransactionID: p.ProviderTransactionID,
			Reason:                p.FailureReason,
			FailedAt:              p.UpdatedAt,
		},
	})
}

// CallbackOutcome translates a parsed push-payment callback into a
// reconciliation outcome.
func CallbackOutcome(cb mobilemoney.CallbackResult) domain.Outcome {
	out := domain.Outcome{ProviderTransactionID: cb.CheckoutRequestID, Status: domain.StatusFailed, Reason: cb.ResultDesc}
	if cb.Success {
		out.Status = domain.StatusCompleted
		out.Amount = cb.Amount
		out.Reason = ""
	}
	return out
}

// SyncStatus asks the provider for a payment that has not heard back and
// reconciles any definitive answer.
func (s *Service) SyncStatus(ctx context.Context, paymentID string) (ReconcileResult, error) {
	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if p.Status.Settled() {
		return ReconcileResult{Payment: p}, nil
	}
	if p.ProviderTransactionID == "" {
		return ReconcileResult{}, apperr.InvalidOrderState("payment %s was never accepted by the provider", p.ID)
	}

	var out domain.Outcome
	switch p.Method {
	case domain.MethodMobileMoney:
		st, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) (mobilemoney.StatusResult, error) {
			return s.mobile.QueryStatus(ctx, p.ProviderTransactionID)
		}, retry.If(apperr.Retryable), s.logRetry("query", p.ID))
		if err != nil {
			return ReconcileResult{}, err
		}
		if st.Pending {
			return ReconcileResult{Payment: p, Pending: true}, nil
		}
		out = domain.Outcome{ProviderTransactionID: p.ProviderTransactionID, Status: domain.StatusFailed, Reason: st.ResultDesc}
		if st.Success {
			out.Status = domain.StatusCompleted
		}
	case domain.MethodCard:
		st, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) (checkout.SessionState, error) {
			return s.card.Session(ctx, p.ProviderTransactionID)
		}, retry.If(apperr.Retryable), s.logRetry("get_session", p.ID))
		if err != nil {
			return ReconcileResult{}, err
		}
		switch {
		case st.Paid:
			out = domain.Outcome{ProviderTransactionID: p.ProviderTransactionID, Status: domain.StatusCompleted}
			if !st.Amount.IsZero() {
				amount := st.Amount
				out.Amount = &amount
			}
		case st.Failed:
			out = domain.Outcome{ProviderTransactionID: p.ProviderTransactionID, Status: domain.StatusFailed, Reason: "checkout session expired"}
		default:
			return ReconcileResult{Payment: p, Pending: true}, nil
		}
	default:
		return ReconcileResult{}, fmt.Errorf("payment %s has unknown method %q", p.ID, p.Method)
	}

	return s.Reconcile(ctx, out)
}

// PollStale queries the provider for payments whose callback is overdue and
// returns how many were settled.
func (s *Service) PollStale(ctx context.Context) (int, error) {
	before := s.now().Add(-s.staleAfter)
	settled := 0
	for _, target := range []struct {
		method domain.Method
		status domain.Status
	}{
		{domain.MethodMobileMoney, domain.StatusInitiated},
		{domain.MethodCard, domain.StatusPending},
	} {
		stale, err := s.payments.ListStale(ctx, target.method, target.status, before, s.pollBatch)
		if err != nil {
			return settled, err
		}
		for _, p := range stale {
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			res, err := s.SyncStatus(ctx, p.ID)
			if err != nil {
				s.log.Warn("payment status query failed", "payment_id", p.ID, "method", p.Method, "err", err)
				continue
			}
			if res.Changed {
				settled++
			}
		}
	}
	return settled, nil
}

// Payout sends a business payment to a subscriber. The conversation id is fixed
// before the first attempt so provider-side retries are recognised.
func (s *Service) Payout(ctx context.Context, in PayoutInput) (mobilemoney.PayoutResponse, error) {
	if !in.Amount.IsPositive() {
		return mobilemoney.PayoutResponse{}, apperr.Validation("amount must be greater than 0")
	}
	if !slices.Contains(mobilemoney.CommandTypes, in.CommandType) {
		return mobilemoney.PayoutResponse{}, apperr.Validation("commandType must be one of %s", strings.Join(mobilemoney.CommandTypes, ", "))
	}
	phone, err := s.mobile.NormalizePhone(in.Phone)
	if err != nil {
		return mobilemoney.PayoutResponse{}, err
	}

	conversationID := s.newID()
	resp, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) (mobilemoney.PayoutResponse, error) {
		return s.mobile.InitiatePayout(ctx, mobilemoney.PayoutRequest{
			ConversationID: conversationID,
			Phone:          phone,
			Amount:         in.Amount,
			Remarks:        in.Remarks,
			Occasion:       in.Occasion,
			CommandType:    in.CommandType,
		})
	}, retry.If(apperr.Retryable), s.logRetry("payout", conversationID))
	if err != nil {
		if errors.Is(err, apperr.ErrGatewayAuth) {
			s.log.Error("payout gateway rejected credentials", "conversation_id", conversationID, "err", err)
		}
		return mobilemoney.PayoutResponse{}, err
	}
	s.log.Info("payout accepted", "conversation_id", resp.ConversationID, "originator_conversation_id", conversationID,
		"amount", in.Amount.StringFixed(2), "command", in.CommandType)
	return resp, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return s.payments.Get(ctx, id)
}

func (s *Service) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if txn.Active(ctx) {
		return s.tx.WithinTx(ctx, fn)
	}
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, fn)
	}, retry.If(apperr.IsConflict))
}

func (s *Service) logRetry(op, id string) retry.Option {
	return retry.OnRetry(func(attempt int, err error, wait time.Duration) {
		s.log.Warn("gateway call failed, retrying", "operation", op, "id", id, "attempt", attempt, "wait", wait, "err", err)
	})
}

// accountReference fits the order id into the provider's 12 character field.
func accountReference(orderID string) string {
	ref := strings.ReplaceAll(orderID, "-", "")
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return ref
}
