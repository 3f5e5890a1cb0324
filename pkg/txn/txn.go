// Package txn defines the unit-of-work boundary shared by every repository.
//
// A Manager opens a transaction and stores its state in the context. Nested
// WithinTx calls join the outer transaction. Work that must only happen once the
// outermost transaction has committed (publishing events) is queued with
// AfterCommit; undo steps for stores without native rollback are queued with
// OnRollback.
package txn

import (
	"context"
	"sync"
)

type Manager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type stateKey struct{}

type State struct {
	mu          sync.Mutex
	afterCommit []func(context.Context)
	onRollback  []func()
}

func Begin(ctx context.Context) (context.Context, *State) {
	st := &State{}
	return context.WithValue(ctx, stateKey{}, st), st
}

func FromContext(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(stateKey{}).(*State)
	return st, ok
}

func Active(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}

// AfterCommit queues fn to run after the outermost transaction commits. Outside a
// transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	st, ok := FromContext(ctx)
	if !ok {
		fn(ctx)
		return
	}
	st.mu.Lock()
	st.afterCommit = append(st.afterCommit, fn)
	st.mu.Unlock()
}

// OnRollback queues an undo step. It is a no-op outside a transaction.
func OnRollback(ctx context.Context, fn func()) {
	st, ok := FromContext(ctx)
	if !ok {
		return
	}
	st.mu.Lock()
	st.onRollback = append(st.onRollback, fn)
	st.mu.Unlock()
}

// Committed runs the after-commit hooks in registration order. The context passed
// in should be detached from the transaction.
func (s *State) Committed(ctx context.Context) {
	s.mu.Lock()
	hooks := s.afterCommit
	s.afterCommit, s.onRollback = nil, nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

// RolledBack runs the undo steps newest first and drops pending after-commit hooks.
func (s *State) RolledBack() {
	s.mu.Lock()
	undo := s.onRollback
	s.afterCommit, s.onRollback = nil, nil
	s.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
