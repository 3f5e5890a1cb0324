// Package engine wires the order, inventory and payment services onto their
// postgres, redis and gateway backends. Both binaries start from here.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/pharmacy-order-engine/internal/catalog"
	catalogpg "github.com/dmehra2102/pharmacy-order-engine/internal/catalog/postgres"
	"github.com/dmehra2102/pharmacy-order-engine/internal/config"
	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/checkout"
	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/mobilemoney"
	invapp "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/application"
	invpg "github.com/dmehra2102/pharmacy-order-engine/internal/inventory/infrastructure/postgres"
	orderapp "github.com/dmehra2102/pharmacy-order-engine/internal/order/application"
	orderpg "github.com/dmehra2102/pharmacy-order-engine/internal/order/infrastructure/postgres"
	payapp "github.com/dmehra2102/pharmacy-order-engine/internal/payment/application"
	paypg "github.com/dmehra2102/pharmacy-order-engine/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/pharmacy-order-engine/migrations"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/cache"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/idempotency"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/metrics"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/outbox"
	pg "github.com/dmehra2102/pharmacy-order-engine/pkg/postgres"
)

type Engine struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Metrics     *metrics.Metrics
	Outbox      *pg.OutboxStore
	Idempotency *idempotency.Store
	Catalog     *catalog.Cached
	Ledger      *invapp.Ledger
	Orders      *orderapp.Service
	Payments    *payapp.Service
	Checkout    *checkout.Client
	MobileMoney *mobilemoney.Client
}

// New connects to postgres and redis, runs migrations when configured and
// builds every service. Close releases the connections.
func New(ctx context.Context, log *slog.Logger, cfg *config.Config, reg prometheus.Registerer) (*Engine, error) {
	pool, err := pg.Open(ctx, log, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.MigrateOnStart {
		if err := pg.Migrate(log, pool, migrations.FS); err != nil {
			pool.Close()
			return nil, err
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	m := metrics.New(reg)
	tx := pg.NewTxManager(pool)
	store := pg.NewOutboxStore(pool, cfg.Outbox.MaxRetries)
	events := outbox.NewPublisher(log, store, cfg.App.Name)

	cat := catalog.NewCached(log, catalogpg.NewRepository(pool),
		cache.NewRedis[catalog.Pharmacy](rdb, "pharmacy:", cfg.Cache.PharmacyTTL))

	ledger := invapp.NewLedger(log, invpg.NewRepository(log, pool), tx,
		invapp.WithRetry(cfg.Retry), invapp.WithMetrics(m))

	orders := orderapp.NewService(log, orderapp.Dependencies{
		Orders:    orderpg.NewRepository(log, pool),
		Catalog:   cat,
		Inventory: ledger,
		Events:    events,
		Tx:        tx,
		Metrics:   m,
	}, orderapp.WithRetry(cfg.Retry))

	card := checkout.New(log, cfg.Checkout, checkout.WithMetrics(m))
	mobile, err := mobilemoney.New(log, cfg.MobileMoney, mobilemoney.WithMetrics(m))
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	payments := payapp.NewService(log, payapp.Dependencies{
		Payments:    paypg.NewRepository(log, pool),
		Orders:      orders,
		Card:        card,
		MobileMoney: mobile,
		Events:      events,
		Tx:          tx,
		Metrics:     m,
	}, payapp.WithRetry(cfg.Retry), payapp.WithStaleAfter(cfg.Poller.StaleAfter))

	return &Engine{
		Pool:        pool,
		Redis:       rdb,
		Metrics:     m,
		Outbox:      store,
		Idempotency: idempotency.NewStore(rdb, cfg.Idempotency.TTL),
		Catalog:     cat,
		Ledger:      ledger,
		Orders:      orders,
		Payments:    payments,
		Checkout:    card,
		MobileMoney: mobile,
	}, nil
}

func (e *Engine) Close() {
	_ = e.Redis.Close()
	e.Pool.Close()
}

// Healthy pings both stores.
func (e *Engine) Healthy(ctx context.Context) error {
	if err := e.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := e.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
