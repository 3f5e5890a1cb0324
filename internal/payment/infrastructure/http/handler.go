package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/checkout"
	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/mobilemoney"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/application"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/httpx"
)

// SignatureHeader carries the card provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

const maxCallbackBytes = 64 << 10

type PaymentService interface {
	InitiateCard(ctx context.Context, in application.CardInput) (application.CardResult, error)
	InitiateMobileMoney(ctx context.Context, in application.MobileMoneyInput) (application.MobileMoneyResult, error)
	Reconcile(ctx context.Context, out domain.Outcome) (application.ReconcileResult, error)
	SyncStatus(ctx context.Context, paymentID string) (application.ReconcileResult, error)
	GetPayment(ctx context.Context, id string) (domain.Payment, error)
	Payout(ctx context.Context, in application.PayoutInput) (mobilemoney.PayoutResponse, error)
}

type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (checkout.WebhookResult, error)
}

type Handler struct {
	log         *slog.Logger
	service     PaymentService
	webhooks    WebhookVerifier
	tracer      trace.Tracer
	idempotency func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithIdempotency guards payment initiation with the given middleware.
func WithIdempotency(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.idempotency = mw }
}

func NewHandler(log *slog.Logger, service PaymentService, webhooks WebhookVerifier, opts ...Option) *Handler {
	h := &Handler{
		log:      log,
		service:  service,
		webhooks: webhooks,
		tracer:   otel.Tracer("payment-http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type cardReq struct {
	OrderID     string            `json:"orderId" validate:"required"`
	TotalAmount decimal.Decimal   `json:"totalAmount" validate:"gt=0"`
	Items       []cardItemRequest `json:"items,omitempty" validate:"omitempty,dive"`
}

type cardItemRequest struct {
	MedicationID string          `json:"medicationId" validate:"required"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	Price        decimal.Decimal `json:"price" validate:"gt=0"`
}

type mobileMoneyReq struct {
	OrderID     string          `json:"orderId" validate:"required"`
	PhoneNumber string          `json:"phoneNumber" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
}

type reconcileReq struct {
	ProviderTransactionID string           `json:"providerTransactionId" validate:"required"`
	Status                string           `json:"status" validate:"required"`
	Amount                *decimal.Decimal `json:"amount,omitempty"`
	Reason                string           `json:"reason,omitempty"`
}

type payoutReq struct {
	PhoneNumber string          `json:"phoneNumber" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Remarks     string          `json:"remarks" validate:"required,max=100"`
	Occasion    string          `json:"occasion,omitempty" validate:"max=100"`
	CommandType string          `json:"commandType" validate:"required"`
}

type cardResp struct {
	RedirectURL string `json:"redirectUrl"`
	PaymentID   string `json:"paymentId"`
}

type mobileMoneyResp struct {
	Status            string `json:"status"`
	PaymentID         string `json:"paymentId"`
	CheckoutRequestID string `json:"checkoutRequestId"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
}

type reconcileResp struct {
	PaymentID     string `json:"paymentId"`
	Status        string `json:"status"`
	Changed       bool   `json:"changed"`
	OrderAdvanced bool   `json:"orderAdvanced"`
	Pending       bool   `json:"pending,omitempty"`
}

type paymentResp struct {
	ID                    string          `json:"id"`
	OrderID               string          `json:"orderId"`
	Amount                decimal.Decimal `json:"amount"`
	Method                string          `json:"method"`
	Status                string          `json:"status"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	FailureReason         string          `json:"failureReason,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

type payoutResp struct {
	ConversationID           string `json:"conversationId"`
	OriginatorConversationID string `json:"originatorConversationId"`
	ResponseDescription      string `json:"responseDescription,omitempty"`
}

// callbackAck is the body the mobile-money provider expects from a callback
// endpoint. Anything else makes it retry.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts the handler's routes on an existing router so several
// handlers can share one server.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.idempotency != nil {
			r.Use(h.idempotency)
		}
		r.Post("/payments/card", h.initiateCard)
		r.Post("/payments/mobile-money", h.initiateMobileMoney)
	})
	r.Post("/payments/card/webhook", h.cardWebhook)
	r.Post("/payments/mobile-money/callback", h.mobileMoneyCallback)
	r.Post("/payments/reconcile", h.reconcile)
	r.Get("/payments/{id}", h.getPayment)
	r.Post("/payments/{id}/query", h.queryStatus)
	r.Post("/payouts", h.payout)
}

func (h *Handler) initiateCard(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "InitiateCardPayment")
	defer span.End()

	var req cardReq
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	if len(req.Items) > 0 {
		sum := decimal.Zero
		for _, it := range req.Items {
			sum = sum.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
		if !sum.Equal(req.TotalAmount) {
			h.fail(w, span, apperr.AmountMismatch("items add up to %s, totalAmount is %s", sum.StringFixed(2), req.TotalAmount.StringFixed(2)))
			return
		}
	}
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	res, err := h.service.InitiateCard(ctx, application.CardInput{OrderID: req.OrderID, TotalAmount: req.TotalAmount})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("payment.id", res.PaymentID))
	httpx.WriteJSON(w, http.StatusOK, cardResp{RedirectURL: res.RedirectURL, PaymentID: res.PaymentID})
}

func (h *Handler) initiateMobileMoney(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "InitiateMobileMoneyPayment")
	defer span.End()

	var req mobileMoneyReq
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	res, err := h.service.InitiateMobileMoney(ctx, application.MobileMoneyInput{
		OrderID: req.OrderID,
		Phone:   req.PhoneNumber,
		Amount:  req.Amount,
	})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("payment.id", res.PaymentID))
	httpx.WriteJSON(w, http.StatusOK, mobileMoneyResp{
		Status:            res.Status,
		PaymentID:         res.PaymentID,
		CheckoutRequestID: res.CheckoutRequestID,
		CustomerMessage:   res.CustomerMessage,
	})
}

func (h *Handler) cardWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CardWebhook")
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.fail(w, span, apperr.Validation("read webhook body: %v", err))
		return
	}
	ev, err := h.webhooks.ParseWebhook(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("webhook.event_id", ev.EventID), attribute.String("webhook.type", ev.Type))
	if ev.Ignored {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	out := domain.Outcome{ProviderTransactionID: ev.Session.ID}
	switch {
	case ev.Session.Paid:
		out.Status = domain.StatusCompleted
		if !ev.Session.Amount.IsZero() {
			amount := ev.Session.Amount
			out.Amount = &amount
		}
	case ev.Session.Failed:
		out.Status = domain.StatusFailed
		out.Reason = ev.Type
	default:
		// completed but the funds have not cleared; the async event follows.
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if _, err := h.service.Reconcile(ctx, out); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			h.log.Warn("webhook for unknown checkout session", "session_id", ev.Session.ID, "event_id", ev.EventID)
			httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// mobileMoneyCallback always acknowledges. Outcomes that could not be applied
// are logged and picked up again by the status poller.
func (h *Handler) mobileMoneyCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MobileMoneyCallback")
	defer span.End()

	ack := callbackAck{ResultCode: 0, ResultDesc: "Accepted"}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.log.Warn("read mobile money callback", "err", err)
		httpx.WriteJSON(w, http.StatusOK, ack)
		return
	}
	cb, err := mobilemoney.ParseCallback(raw)
	if err != nil {
		span.RecordError(err)
		h.log.Warn("malformed mobile money callback", "err", err)
		httpx.WriteJSON(w, http.StatusOK, ack)
		return
	}
	span.SetAttributes(attribute.String("payment.provider_id", cb.CheckoutRequestID), attribute.Int("callback.result_code", cb.ResultCode))

	if _, err := h.service.Reconcile(ctx, application.CallbackOutcome(cb)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		h.log.Error("apply mobile money callback", "checkout_request_id", cb.CheckoutRequestID, "err", err)
	}
	httpx.WriteJSON(w, http.StatusOK, ack)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReconcilePayment")
	defer span.End()

	var req reconcileReq
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	status, ok := domain.ParseOutcomeStatus(req.Status)
	if !ok {
		h.fail(w, span, apperr.Validation("status must be COMPLETED or FAILED, got %q", req.Status))
		return
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		h.fail(w, span, apperr.Validation("amount must be greater than 0"))
		return
	}
	span.SetAttributes(attribute.String("payment.provider_id", req.ProviderTransactionID))

	res, err := h.service.Reconcile(ctx, domain.Outcome{
		ProviderTransactionID: req.ProviderTransactionID,
		Status:                status,
		Amount:                req.Amount,
		Reason:                req.Reason,
	})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toReconcileResp(res))
}

func (h *Handler) queryStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "QueryPaymentStatus")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("payment.id", id))
	res, err := h.service.SyncStatus(ctx, id)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toReconcileResp(res))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetPayment")
	defer span.End()

	p, err := h.service.GetPayment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResp{
		ID:                    p.ID,
		OrderID:               p.OrderID,
		Amount:                p.Amount,
		Method:                string(p.Method),
		Status:                string(p.Status),
		ProviderTransactionID: p.ProviderTransactionID,
		FailureReason:         p.FailureReason,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	})
}

func (h *Handler) payout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Payout")
	defer span.End()

	var req payoutReq
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	resp, err := h.service.Payout(ctx, application.PayoutInput{
		Phone:       req.PhoneNumber,
		Amount:      req.Amount,
		Remarks:     req.Remarks,
		Occasion:    req.Occasion,
		CommandType: req.CommandType,
	})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, payoutResp{
		ConversationID:           resp.ConversationID,
		OriginatorConversationID: resp.OriginatorConversationID,
		ResponseDescription:      resp.ResponseDescription,
	})
}

func (h *Handler) fail(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	httpx.WriteError(w, h.log, err)
}

func toReconcileResp(res application.ReconcileResult) reconcileResp {
	return reconcileResp{
		PaymentID:     res.Payment.ID,
		Status:        string(res.Payment.Status),
		Changed:       res.Changed,
		OrderAdvanced: res.OrderAdvanced,
		Pending:       res.Pending,
	}
}
