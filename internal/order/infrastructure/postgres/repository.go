package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/pharmacy-order-engine/internal/order/domain"
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

func (r *Repository) Create(ctx context.Context, o domain.Order) error {
	q := pg.Conn(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO orders (id, patient_id, pharmacy_id, prescription_id, total_amount, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.PatientID, o.PharmacyID, o.PrescriptionID, o.TotalAmount, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return pg.MapError(err)
	}

	batch := &pgx.Batch{}
	for pos, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (id, order_id, medication_id, quantity, price, position)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			item.ID, o.ID, item.MedicationID, item.Quantity, item.Price, pos)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return pg.MapError(err)
	}
	return nil
}

const orderColumns = `id, patient_id, pharmacy_id, prescription_id, total_amount, status, created_at, updated_at`

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	q := pg.Conn(ctx, r.pool)
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id), id)
	if err != nil {
		return domain.Order{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, order_id, medication_id, quantity, price FROM order_items
		WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.MedicationID, &it.Quantity, &it.Price); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (r *Repository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id), id)
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, updatedAt time.Time) error {
	ct, err := pg.Conn(ctx, r.pool).Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, id, status, updatedAt)
	if err != nil {
		return pg.MapError(err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("order %s not found", id)
	}
	return nil
}

func scanOrder(row pgx.Row, id string) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.PatientID, &o.PharmacyID, &o.PrescriptionID, &o.TotalAmount, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return domain.Order{}, pg.MapError(err)
	}
	return o, nil
}
