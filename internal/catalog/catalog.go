// Package catalog resolves the reference data an order points at: patients,
// pharmacies and medications. It has no transactional behaviour of its own.
package catalog

import (
	"context"
	"log/slog"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/cache"
)

type Pharmacy struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Medication struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Reader interface {
	PatientExists(ctx context.Context, id string) (bool, error)
	Pharmacy(ctx context.Context, id string) (Pharmacy, error)
	// Medications returns the known subset of ids keyed by id.
	Medications(ctx context.Context, ids []string) (map[string]Medication, error)
}

// Cached puts a TTL cache in front of pharmacy lookups.
type Cached struct {
	Reader
	log   *slog.Logger
	cache cache.Cache[Pharmacy]
}

func NewCached(log *slog.Logger, inner Reader, c cache.Cache[Pharmacy]) *Cached {
	return &Cached{Reader: inner, log: log, cache: c}
}

func (c *Cached) Pharmacy(ctx context.Context, id string) (Pharmacy, error) {
	if p, ok, err := c.cache.Get(ctx, id); err != nil {
		c.log.Warn("pharmacy cache read failed", "pharmacy_id", id, "err", err)
	} else if ok {
		return p, nil
	}

	p, err := c.Reader.Pharmacy(ctx, id)
	if err != nil {
		return Pharmacy{}, err
	}
	if err := c.cache.Set(ctx, id, p); err != nil {
		c.log.Warn("pharmacy cache write failed", "pharmacy_id", id, "err", err)
	}
	return p, nil
}

// InvalidatePharmacy drops a cached pharmacy after it changes upstream.
func (c *Cached) InvalidatePharmacy(ctx context.Context, id string) error {
	return c.cache.Delete(ctx, id)
}

func PharmacyNotFound(id string) error {
	return apperr.NotFound("pharmacy %s not found", id)
}
