package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmehra2102/pharmacy-order-engine/internal/config"
	"github.com/dmehra2102/pharmacy-order-engine/internal/engine"
	payapp "github.com/dmehra2102/pharmacy-order-engine/internal/payment/application"
	paykafka "github.com/dmehra2102/pharmacy-order-engine/internal/payment/infrastructure/kafka"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/logging"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/shutdown"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/tracing"
)

// payment-reconciler applies provider callbacks that arrive over Kafka and
// polls providers for intents that never heard back.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logging.New("payment-reconciler", "development", "info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New("payment-reconciler", cfg.App.Env, cfg.App.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "payment-reconciler", cfg.Tracing.Endpoint, log)
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

	reader := paykafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.CallbacksTopic, cfg.Kafka.Group)
	consumer := paykafka.NewConsumer(log, reader, eng.Payments, eng.Idempotency, paykafka.WithRetry(cfg.Retry))
	poller := payapp.NewPoller(log, eng.Payments, cfg.Poller.Interval)

	err = shutdown.Run(ctx, log,
		shutdown.Task{Name: "callback-consumer", Run: consumer.Run},
		shutdown.Task{Name: "status-poller", Run: poller.Run},
	)
	if err != nil {
		log.Error("payment-reconciler stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("payment-reconciler shutdown complete")
}
