package txn

import (
	"context"
	"sync"
)

// MemoryManager serializes transactions over in-memory stores with one lock.
// Stores register undo steps through OnRollback so a failed unit of work leaves
// no trace.
type MemoryManager struct {
	mu sync.Mutex
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

func (m *MemoryManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if Active(ctx) {
		return fn(ctx)
	}

	m.mu.Lock()
	txCtx, st := Begin(ctx)
	committed := false
	defer func() {
		if !committed {
			st.RolledBack()
		}
		m.mu.Unlock()
		if committed {
			st.Committed(ctx)
		}
	}()

	if err = fn(txCtx); err != nil {
		return err
	}
	committed = true
	return nil
}
