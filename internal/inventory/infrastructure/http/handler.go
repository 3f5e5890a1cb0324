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

	"github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/httpx"
)

type Ledger interface {
	AddBatch(ctx context.Context, b domain.Batch) (domain.Batch, error)
	Available(ctx context.Context, key domain.Key) (int, error)
}

// Handler exposes stock intake to pharmacy back-office tooling.
type Handler struct {
	log    *slog.Logger
	ledger Ledger
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, ledger Ledger) *Handler {
	return &Handler{log: log, ledger: ledger, tracer: otel.Tracer("inventory-http")}
}

type addBatchReq struct {
	PharmacyID   string          `json:"pharmacyId" validate:"required"`
	MedicationID string          `json:"medicationId" validate:"required"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	ExpiryDate   *time.Time      `json:"expiryDate,omitempty"`
	Price        decimal.Decimal `json:"price"`
}

type batchResp struct {
	ID           string          `json:"id"`
	PharmacyID   string          `json:"pharmacyId"`
	MedicationID string          `json:"medicationId"`
	Quantity     int             `json:"quantity"`
	ExpiryDate   *time.Time      `json:"expiryDate,omitempty"`
	Price        decimal.Decimal `json:"price"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type availableResp struct {
	PharmacyID   string `json:"pharmacyId"`
	MedicationID string `json:"medicationId"`
	Available    int    `json:"available"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/inventory/batches", h.addBatch)
	r.Get("/inventory/{pharmacyId}/{medicationId}", h.available)
}

func (h *Handler) addBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AddInventoryBatch")
	defer span.End()

	var req addBatchReq
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("pharmacy.id", req.PharmacyID), attribute.String("medication.id", req.MedicationID))

	b, err := h.ledger.AddBatch(ctx, domain.Batch{
		PharmacyID:   req.PharmacyID,
		MedicationID: req.MedicationID,
		Quantity:     req.Quantity,
		ExpiryDate:   req.ExpiryDate,
		Price:        req.Price,
	})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, batchResp{
		ID:           b.ID,
		PharmacyID:   b.PharmacyID,
		MedicationID: b.MedicationID,
		Quantity:     b.Quantity,
		ExpiryDate:   b.ExpiryDate,
		Price:        b.Price,
		CreatedAt:    b.CreatedAt,
	})
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AvailableStock")
	defer span.End()

	key := domain.Key{PharmacyID: chi.URLParam(r, "pharmacyId"), MedicationID: chi.URLParam(r, "medicationId")}
	n, err := h.ledger.Available(ctx, key)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, availableResp{PharmacyID: key.PharmacyID, MedicationID: key.MedicationID, Available: n})
}

func (h *Handler) fail(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	httpx.WriteError(w, h.log, err)
}
