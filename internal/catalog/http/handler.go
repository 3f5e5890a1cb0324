package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/pharmacy-order-engine/internal/catalog"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/httpx"
)

type Pharmacies interface {
	Pharmacy(ctx context.Context, id string) (catalog.Pharmacy, error)
	InvalidatePharmacy(ctx context.Context, id string) error
}

// Handler serves pharmacy lookups and lets back-office tooling drop a cached
// pharmacy after editing it, so a deactivation takes effect before the TTL.
type Handler struct {
	log        *slog.Logger
	pharmacies Pharmacies
	tracer     trace.Tracer
}

func NewHandler(log *slog.Logger, pharmacies Pharmacies) *Handler {
	return &Handler{log: log, pharmacies: pharmacies, tracer: otel.Tracer("catalog-http")}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/pharmacies/{pharmacyId}", h.get)
	r.Post("/admin/pharmacies/{pharmacyId}/invalidate", h.invalidate)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetPharmacy")
	defer span.End()

	id := chi.URLParam(r, "pharmacyId")
	span.SetAttributes(attribute.String("pharmacy.id", id))
	p, err := h.pharmacies.Pharmacy(ctx, id)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "InvalidatePharmacy")
	defer span.End()

	id := chi.URLParam(r, "pharmacyId")
	span.SetAttributes(attribute.String("pharmacy.id", id))
	if err := h.pharmacies.InvalidatePharmacy(ctx, id); err != nil {
		h.fail(w, span, err)
		return
	}
	h.log.Info("pharmacy cache invalidated", "pharmacy_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	httpx.WriteError(w, h.log, err)
}
