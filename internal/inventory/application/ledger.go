package application

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/metrics"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/retry"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

type AllocateRequest struct {
	OrderID      string
	OrderItemID  string
	PharmacyID   string
	MedicationID string
	Quantity     int
}

func (r AllocateRequest) Key() domain.Key {
	return domain.Key{PharmacyID: r.PharmacyID, MedicationID: r.MedicationID}
}

type Ledger struct {
	log     *slog.Logger
	repo    Repository
	tx      txn.Manager
	metrics *metrics.Metrics
	retry   retry.Config
	now     func() time.Time
	newID   func() string
}

type Option func(*Ledger)

func WithRetry(cfg retry.Config) Option { return func(l *Ledger) { l.retry = cfg } }
func WithClock(now func() time.Time) Option     { return func(l *Ledger) { l.now = now } }
func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }
func WithIDGenerator(fn func() string) Option   { return func(l *Ledger) { l.newID = fn } }

func NewLedger(log *slog.Logger, repo Repository, tx txn.Manager, opts ...Option) *Ledger {
	l := &Ledger{
		log:   log,
		repo:  repo,
		tx:    tx,
		retry: retry.DefaultConfig(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.NewNop()
	}
	return l
}

func (l *Ledger) AddBatch(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	if err := b.Validate(); err != nil {
		return domain.Batch{}, err
	}
	if b.ID == "" {
		b.ID = l.newID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = l.now()
	}
	if err := l.repo.InsertBatch(ctx, b); err != nil {
		return domain.Batch{}, err
	}
	l.log.Info("inventory batch added", "batch_id", b.ID, "key", b.Key().String(), "quantity", b.Quantity)
	return b, nil
}

func (l *Ledger) Available(ctx context.Context, key domain.Key) (int, error) {
	return l.repo.AvailableQuantity(ctx, key)
}

// Allocate debits quantity from the key's batches oldest first and records one
// Allocation per batch touched. Concurrent allocations on the same key are
// serialized by the batch locks.
func (l *Ledger) Allocate(ctx context.Context, req AllocateRequest) ([]domain.Allocation, error) {
	var out []domain.Allocation
	err := l.run(ctx, func(ctx context.Context) error {
		allocs, err := l.allocate(ctx, req)
		out = allocs
		return err
	})
	if err != nil {
		l.metrics.AllocationFailures.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}
	return out, nil
}

func (l *Ledger) allocate(ctx context.Context, req AllocateRequest) ([]domain.Allocation, error) {
	batches, err := l.repo.LockBatches(ctx, req.Key())
	if err != nil {
		return nil, err
	}
	takes, err := domain.PlanFIFO(batches, req.Quantity)
	if err != nil {
		return nil, err
	}

	now := l.now()
	allocs := make([]domain.Allocation, 0, len(takes))
	for _, t := range takes {
		if err := l.repo.Debit(ctx, t.BatchID, t.Quantity); err != nil {
			return nil, err
		}
		allocs = append(allocs, domain.Allocation{
			ID:           l.newID(),
			OrderID:      req.OrderID,
			OrderItemID:  req.OrderItemID,
			BatchID:      t.BatchID,
			PharmacyID:   req.PharmacyID,
			MedicationID: req.MedicationID,
			Quantity:     t.Quantity,
			CreatedAt:    now,
		})
	}
	if err := l.repo.SaveAllocations(ctx, allocs); err != nil {
		return nil, err
	}
	l.log.Debug("stock allocated", "order_id", req.OrderID, "key", req.Key().String(), "quantity", req.Quantity, "batches", len(allocs))
	return allocs, nil
}

// Restore credits each allocation's batch by the recorded quantity. Allocations
// already restored are skipped, so repeating the call changes nothing.
func (l *Ledger) Restore(ctx context.Context, allocs []domain.Allocation) (int, error) {
	ids := make([]string, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.ID)
	}
	var restored int
	err := l.run(ctx, func(ctx context.Context) error {
		locked, err := l.repo.LockAllocationsByID(ctx, ids)
		if err != nil {
			return err
		}
		restored, err = l.restore(ctx, locked)
		return err
	})
	return restored, err
}

// RestoreOrder restores every allocation recorded for orderID.
func (l *Ledger) RestoreOrder(ctx context.Context, orderID string) (int, error) {
	var restored int
	err := l.run(ctx, func(ctx context.Context) error {
		locked, err := l.repo.LockAllocations(ctx, orderID)
		if err != nil {
			return err
		}
		restored, err = l.restore(ctx, locked)
		return err
	})
	if err == nil && restored > 0 {
		l.log.Info("order stock restored", "order_id", orderID, "allocations", restored)
	}
	return restored, err
}

func (l *Ledger) restore(ctx context.Context, allocs []domain.Allocation) (int, error) {
	pending := make([]domain.Allocation, 0, len(allocs))
	for _, a := range allocs {
		if !a.Restored() {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		ki, kj := pending[i].Key(), pending[j].Key()
		if ki != kj {
			return ki.Less(kj)
		}
		return pending[i].BatchID < pending[j].BatchID
	})

	ids := make([]string, 0, len(pending))
	for _, a := range pending {
		if err := l.repo.Credit(ctx, a.BatchID, a.Quantity); err != nil {
			return 0, err
		}
		ids = append(ids, a.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := l.repo.MarkRestored(ctx, ids, l.now()); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// run joins an open transaction, or opens one and retries it on lost races.
func (l *Ledger) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if txn.Active(ctx) {
		return l.tx.WithinTx(ctx, fn)
	}
	return retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.tx.WithinTx(ctx, fn)
	}, retry.If(apperr.IsConflict), retry.OnRetry(func(attempt int, err error, wait time.Duration) {
		l.log.Warn("ledger conflict, retrying", "attempt", attempt, "wait", wait, "err", err)
	}))
}
