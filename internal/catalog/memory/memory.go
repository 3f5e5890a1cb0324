package memory

import (
	"context"
	"sync"

	"github.com/dmehra2102/pharmacy-order-engine/internal/catalog"
)

type Catalog struct {
	mu          sync.RWMutex
	patients    map[string]bool
	pharmacies  map[string]catalog.Pharmacy
	medications map[string]catalog.Medication
	// PharmacyLookups counts uncached pharmacy reads.
	PharmacyLookups int
}

func New() *Catalog {
	return &Catalog{
		patients:    make(map[string]bool),
		pharmacies:  make(map[string]catalog.Pharmacy),
		medications: make(map[string]catalog.Medication),
	}
}

func (c *Catalog) AddPatient(id string) {
	c.mu.Lock()
	c.patients[id] = true
	c.mu.Unlock()
}

func (c *Catalog) AddPharmacy(p catalog.Pharmacy) {
	c.mu.Lock()
	c.pharmacies[p.ID] = p
	c.mu.Unlock()
}

func (c *Catalog) AddMedication(m catalog.Medication) {
	c.mu.Lock()
	c.medications[m.ID] = m
	c.mu.Unlock()
}

func (c *Catalog) PatientExists(_ context.Context, id string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patients[id], nil
}

func (c *Catalog) Pharmacy(_ context.Context, id string) (catalog.Pharmacy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PharmacyLookups++
	p, ok := c.pharmacies[id]
	if !ok {
		return catalog.Pharmacy{}, catalog.PharmacyNotFound(id)
	}
	return p, nil
}

func (c *Catalog) Medications(_ context.Context, ids []string) (map[string]catalog.Medication, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]catalog.Medication, len(ids))
	for _, id := range ids {
		if m, ok := c.medications[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}
