package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/pharmacy-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	pg "github.com/dmehra2102/pharmacy-order-engine/pkg/postgres"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) InsertBatch(ctx context.Context, b domain.Batch) error {
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO inventory_batches (id, pharmacy_id, medication_id, quantity, expiry_date, price, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		b.ID, b.PharmacyID, b.MedicationID, b.Quantity, b.ExpiryDate, b.Price, b.CreatedAt)
	return pg.MapError(err)
}

func (r *Repository) LockBatches(ctx context.Context, key domain.Key) ([]domain.Batch, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, pharmacy_id, medication_id, quantity, expiry_date, price, created_at
		FROM inventory_batches
		WHERE pharmacy_id = $1 AND medication_id = $2 AND quantity > 0
		ORDER BY expiry_date ASC NULLS LAST, created_at ASC, id ASC
		FOR UPDATE`, key.PharmacyID, key.MedicationID)
	if err != nil {
		return nil, pg.MapError(err)
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.PharmacyID, &b.MedicationID, &b.Quantity, &b.ExpiryDate, &b.Price, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, pg.MapError(rows.Err())
}

func (r *Repository) AvailableQuantity(ctx context.Context, key domain.Key) (int, error) {
	var total int
	err := pg.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM inventory_batches
		WHERE pharmacy_id = $1 AND medication_id = $2`, key.PharmacyID, key.MedicationID).Scan(&total)
	return total, err
}

func (r *Repository) Debit(ctx context.Context, batchID string, quantity int) error {
	ct, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE inventory_batches SET quantity = quantity - $2, updated_at = now()
		WHERE id = $1 AND quantity >= $2`, batchID, quantity)
	if err != nil {
		return pg.MapError(err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.ConcurrencyConflict(nil, "batch %s changed during allocation", batchID)
	}
	return nil
}

func (r *Repository) Credit(ctx context.Context, batchID string, quantity int) error {
	ct, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE inventory_batches SET quantity = quantity + $2, updated_at = now() WHERE id = $1`, batchID, quantity)
	if err != nil {
		return pg.MapError(err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("batch %s not found", batchID)
	}
	return nil
}

func (r *Repository) SaveAllocations(ctx context.Context, allocs []domain.Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(allocs))
	for _, a := range allocs {
		rows = append(rows, []any{a.ID, a.OrderID, a.OrderItemID, a.BatchID, a.PharmacyID, a.MedicationID, a.Quantity, a.CreatedAt})
	}
	_, err := pg.Conn(ctx, r.pool).CopyFrom(ctx,
		pgx.Identifier{"inventory_allocations"},
		[]string{"id", "order_id", "order_item_id", "batch_id", "pharmacy_id", "medication_id", "quantity", "created_at"},
		pgx.CopyFromRows(rows))
	return pg.MapError(err)
}

const allocationColumns = `id, order_id, order_item_id, batch_id, pharmacy_id, medication_id, quantity, created_at, restored_at`

func (r *Repository) LockAllocations(ctx context.Context, orderID string) ([]domain.Allocation, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+allocationColumns+` FROM inventory_allocations
		WHERE order_id = $1 ORDER BY created_at, id FOR UPDATE`, orderID)
	if err != nil {
		return nil, pg.MapError(err)
	}
	return scanAllocations(rows)
}

func (r *Repository) LockAllocationsByID(ctx context.Context, ids []string) ([]domain.Allocation, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+allocationColumns+` FROM inventory_allocations
		WHERE id = ANY($1) ORDER BY created_at, id FOR UPDATE`, ids)
	if err != nil {
		return nil, pg.MapError(err)
	}
	return scanAllocations(rows)
}

func (r *Repository) MarkRestored(ctx context.Context, ids []string, at time.Time) error {
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE inventory_allocations SET restored_at = $2 WHERE id = ANY($1) AND restored_at IS NULL`, ids, at)
	return pg.MapError(err)
}

func scanAllocations(rows pgx.Rows) ([]domain.Allocation, error) {
	defer rows.Close()
	var out []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		if err := rows.Scan(&a.ID, &a.OrderID, &a.OrderItemID, &a.BatchID, &a.PharmacyID, &a.MedicationID, &a.Quantity, &a.CreatedAt, &a.RestoredAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, pg.MapError(rows.Err())
}
