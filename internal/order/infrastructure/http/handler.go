package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/pharmacy-order-engine/internal/order/application"
	"github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/httpx"
)

// PatientHeader carries the authenticated patient id set by the gateway in
// front of this service.
const PatientHeader = "X-Patient-ID"

type OrderService interface {
	CreateOrder(ctx context.Context, in application.CreateOrderInput) (domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	UpdateStatus(ctx context.Context, id string, next domain.OrderStatus) (application.TransitionResult, error)
	CancelOrder(ctx context.Context, id string) (application.TransitionResult, error)
}

type Handler struct {
	log         *slog.Logger
	service     OrderService
	tracer      trace.Tracer
	idempotency func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithIdempotency guards order creation with the given middleware.
func WithIdempotency(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.idempotency = mw }
}

func NewHandler(log *slog.Logger, service OrderService, opts ...Option) *Handler {
	h := &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("order-http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type createOrderReq struct {
	PharmacyID     string        `json:"pharmacyId" validate:"required"`
	PrescriptionID *string       `json:"prescriptionId,omitempty"`
	Items          []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type itemRequest struct {
	MedicationID string          `json:"medicationId" validate:"required"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	Price        decimal.Decimal `json:"price" validate:"gt=0"`
}

type updateStatusReq struct {
	Status string `json:"status" validate:"required"`
}

type createOrderResp struct {
	OrderID     string          `json:"orderId"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

type orderResp struct {
	ID             string          `json:"id"`
	PatientID      string          `json:"patientId"`
	PharmacyID     string          `json:"pharmacyId"`
	PrescriptionID *string         `json:"prescriptionId,omitempty"`
	Status         string          `json:"status"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Items          []itemResp      `json:"items"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type itemResp struct {
	ID             string          `json:"id"`
	MedicationID   string          `json:"medicationId"`
	MedicationName string          `json:"medicationName,omitempty"`
	Quantity       int             `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Subtotal       decimal.Decimal `json:"subtotal"`
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
		r.Use(requirePatient(h.log))
		if h.idempotency != nil {
			r.With(h.idempotency).Post("/orders", h.createOrder)
		} else {
			r.Post("/orders", h.createOrder)
		}
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
	})
	r.Put("/orders/{id}/status", h.updateStatus)
}

func requirePatient(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(PatientHeader) == "" {
				httpx.WriteError(w, log, apperr.New(apperr.CodeUnauthorized, "missing %s header", PatientHeader))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}

	in := application.CreateOrderInput{
		PatientID:      r.Header.Get(PatientHeader),
		PharmacyID:     req.PharmacyID,
		PrescriptionID: req.PrescriptionID,
		Items:          make([]application.ItemInput, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, application.ItemInput{MedicationID: it.MedicationID, Quantity: it.Quantity, Price: it.Price})
	}
	span.SetAttributes(attribute.String("patient.id", in.PatientID), attribute.String("pharmacy.id", in.PharmacyID))

	o, err := h.service.CreateOrder(ctx, in)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	httpx.WriteJSON(w, http.StatusCreated, createOrderResp{
		OrderID:     o.ID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount,
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	id := chi.URLParam(r, "id")
	o, err := h.service.GetOrder(ctx, id)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	// other patients' orders are reported as absent.
	if o.PatientID != r.Header.Get(PatientHeader) {
		h.fail(w, span, apperr.NotFound("order %s not found", id))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateOrderStatus")
	defer span.End()

	var req updateStatusReq
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	next, ok := domain.ParseStatus(req.Status)
	if !ok {
		h.fail(w, span, apperr.Validation("unknown status %q", req.Status))
		return
	}

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("order.id", id), attribute.String("order.status", string(next)))
	if _, err := h.service.UpdateStatus(ctx, id, next); err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	id := chi.URLParam(r, "id")
	o, err := h.service.GetOrder(ctx, id)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	if o.PatientID != r.Header.Get(PatientHeader) {
		h.fail(w, span, apperr.NotFound("order %s not found", id))
		return
	}

	res, err := h.service.CancelOrder(ctx, id)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"orderId": res.Order.ID,
		"status":  res.Order.Status,
		"changed": res.Changed,
	})
}

func (h *Handler) fail(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	httpx.WriteError(w, h.log, err)
}

func toOrderResp(o domain.Order) orderResp {
	items := make([]itemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemResp{
			ID:             it.ID,
			MedicationID:   it.MedicationID,
			MedicationName: it.MedicationName,
			Quantity:       it.Quantity,
			Price:          it.Price,
			Subtotal:       it.Subtotal(),
		})
	}
	return orderResp{
		ID:             o.ID,
		PatientID:      o.PatientID,
		PharmacyID:     o.PharmacyID,
		PrescriptionID: o.PrescriptionID,
		Status:         string(o.Status),
		TotalAmount:    o.TotalAmount,
		Items:          items,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}
