package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/domain"
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

const paymentColumns = `id, order_id, amount, method, status, provider_transaction_id, payer_phone, failure_reason, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, p domain.Payment) error {
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.OrderID, p.Amount, p.Method, p.Status, nullable(p.ProviderTransactionID),
		nullable(p.PayerPhone), nullable(p.FailureReason), p.CreatedAt, p.UpdatedAt)
	return mapWriteError(err, p)
}

func (r *Repository) Update(ctx context.Context, p domain.Payment) error {
	ct, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE payments
		SET status = $2, provider_transaction_id = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1`,
		p.ID, p.Status, nullable(p.ProviderTransactionID), nullable(p.FailureReason), p.UpdatedAt)
	if err != nil {
		return mapWriteError(err, p)
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("payment %s not found", p.ID)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Payment, error) {
	row := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, apperr.NotFound("payment %s not found", id)
	}
	return p, err
}

// GetByProviderIDForUpdate locks the payment row so concurrent callbacks for
// the same transaction reconcile one after the other.
func (r *Repository) GetByProviderIDForUpdate(ctx context.Context, providerTransactionID string) (domain.Payment, error) {
	row := pg.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE provider_transaction_id = $1
		FOR UPDATE`, providerTransactionID)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, apperr.NotFound("payment for provider transaction %s not found", providerTransactionID)
	}
	return p, pg.MapError(err)
}

func (r *Repository) ListStale(ctx context.Context, method domain.Method, status domain.Status, before time.Time, limit int) ([]domain.Payment, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE method = $1 AND status = $2 AND provider_transaction_id IS NOT NULL AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`, method, status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p                          domain.Payment
		providerID, phone, failure *string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &p.Status, &providerID, &phone, &failure, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Payment{}, err
	}
	p.ProviderTransactionID = deref(providerID)
	p.PayerPhone = deref(phone)
	p.FailureReason = deref(failure)
	return p, nil
}

func mapWriteError(err error, p domain.Payment) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			if pgErr.ConstraintName == "payments_order_open_idx" {
				return apperr.InvalidOrderState("order %s already has an open or completed payment", p.OrderID)
			}
			return apperr.Validation("provider transaction %s already recorded", p.ProviderTransactionID)
		case pgerrcode.ForeignKeyViolation:
			return apperr.NotFound("order %s not found", p.OrderID)
		}
	}
	return pg.MapError(err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
