package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/pharmacy-order-engine/internal/catalog"
	pg "github.com/dmehra2102/pharmacy-order-engine/pkg/postgres"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) PatientExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *Repository) Pharmacy(ctx context.Context, id string) (catalog.Pharmacy, error) {
	var p catalog.Pharmacy
	err := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT id, name, active FROM pharmacies WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Pharmacy{}, catalog.PharmacyNotFound(id)
	}
	return p, err
}

func (r *Repository) Medications(ctx context.Context, ids []string) (map[string]catalog.Medication, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `SELECT id, name FROM medications WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	meds, err := pgx.CollectRows(rows, pgx.RowToStructByPos[catalog.Medication])
	if err != nil {
		return nil, err
	}
	out := make(map[string]catalog.Medication, len(meds))
	for _, m := range meds {
		out[m.ID] = m
	}
	return out, nil
}
