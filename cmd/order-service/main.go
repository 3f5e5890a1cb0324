package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	cataloghttp "github.com/dmehra2102/pharmacy-order-engine/internal/catalog/http"
	"github.com/dmehra2102/pharmacy-order-engine/internal/config"
	"github.com/dmehra2102/pharmacy-order-engine/internal/engine"
	invhttp "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/infrastructure/http"
	orderhttp "github.com/dmehra2102/pharmacy-order-engine/internal/order/infrastructure/http"
	payhttp "github.com/dmehra2102/pharmacy-order-engine/internal/payment/infrastructure/http"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/idempotency"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/logging"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/metrics"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/shutdown"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/tracing"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logging.New("order-service", "development", "info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.App.Name, cfg.App.Env, cfg.App.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "order-service", cfg.Tracing.Endpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()

	eng, err := engine.New(ctx, log, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer eng.Close()

	// Kafka producer for the outbox relay
	writer := outbox.NewKafkaWriter(cfg.Kafka.Brokers)
	defer writer.Close()

	dispatch := outbox.NewDispatcher(log, writer, cfg.Kafka.EventsTopic, outbox.WithTopics(cfg.Kafka.Topics))
	relay := outbox.NewRelay(log, eng.Outbox, dispatch, "order-service-relay",
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithLease(cfg.Outbox.Lease),
		outbox.WithMetrics(eng.Metrics),
	)

	idem := idempotency.Middleware(log, eng.Idempotency)
	orders := orderhttp.NewHandler(log, eng.Orders, orderhttp.WithIdempotency(idem))
	payments := payhttp.NewHandler(log, eng.Payments, eng.Checkout, payhttp.WithIdempotency(idem))
	stock := invhttp.NewHandler(log, eng.Ledger)
	pharmacies := cataloghttp.NewHandler(log, eng.Catalog)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(prometheus.DefaultGatherer))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, hcancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer hcancel()
		if err := eng.Healthy(hctx); err != nil {
			log.Warn("health check failed", "err", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	orders.Register(r)
	payments.Register(r)
	stock.Register(r)
	pharmacies.Register(r)

	srv := &http.Server{
		Addr:         cfg.App.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info("http listening", "addr", cfg.App.HTTPAddr)
	err = shutdown.Run(ctx, log,
		shutdown.HTTPServer("http", srv, 10*time.Second),
		shutdown.Task{Name: "outbox-relay", Run: relay.Run},
	)
	if err != nil {
		log.Error("order-service stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("order-service shutdown complete")
}
