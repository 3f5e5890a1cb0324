package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pharmacy"

type Metrics struct {
	OrdersCreated      prometheus.Counter
	OrderTransitions   *prometheus.CounterVec
	AllocationFailures *prometheus.CounterVec
	GatewayRequests    *prometheus.CounterVec
	GatewayLatency     *prometheus.HistogramVec
	Reconciliations    *prometheus.CounterVec
	OutboxDispatched   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "created_total",
			Help: "Orders persisted with their stock allocations.",
		}),
		OrderTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "transitions_total",
			Help: "Order status transitions applied.",
		}, []string{"from", "to"}),
		AllocationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inventory", Name: "allocation_failures_total",
			Help: "Allocation attempts rejected by the ledger.",
		}, []string{"reason"}),
		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "requests_total",
			Help: "Calls made to payment providers.",
		}, []string{"gateway", "operation", "outcome"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "request_duration_seconds",
			Help:    "Payment provider call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"gateway", "operation"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "payments", Name: "reconciliations_total",
			Help: "Provider outcomes applied to payments.",
		}, []string{"outcome"}),
		OutboxDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "dispatched_total",
			Help: "Outbox events handed to the broker.",
		}, []string{"outcome"}),
	}
}

// NewNop registers against a private registry; used by tests and by callers that
// do not expose metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) ObserveGateway(gateway, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GatewayRequests.WithLabelValues(gateway, operation, outcome).Inc()
	m.GatewayLatency.WithLabelValues(gateway, operation).Observe(time.Since(start).Seconds())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
