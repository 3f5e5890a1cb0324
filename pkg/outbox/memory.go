package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an Appender and Store over a slice, for tests and local runs.
type MemoryStore struct {
	mu         sync.Mutex
	events     []Event
	nextID     int64
	maxRetries int
	now        func() time.Time
}

func NewMemoryStore(maxRetries int) *MemoryStore {
	return &MemoryStore{maxRetries: maxRetries, now: time.Now}
}

func (s *MemoryStore) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.Status = StatusPending
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) LockBatch(_ context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	until := now.Add(lease)
	var out []Event
	for i := range s.events {
		if len(out) == batchSize {
			break
		}
		e := &s.events[i]
		expired := e.Status == StatusInProgress && e.LeaseUntil != nil && e.LeaseUntil.Before(now)
		if e.Status != StatusPending && !expired {
			continue
		}
		e.Status = StatusInProgress
		e.RelayID = relayID
		e.LeaseUntil = &until
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e := s.find(id); e != nil {
			e.Status = StatusSent
		}
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil {
		return nil
	}
	e.RetryCount++
	e.LastError = &errMsg
	e.RelayID, e.LeaseUntil = "", nil
	e.Status = StatusPending
	if e.RetryCount >= s.maxRetries {
		e.Status = StatusFailed
	}
	return nil
}

func (s *MemoryStore) ExtendLease(_ context.Context, relayID string, ids []int64, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.now().Add(lease)
	for _, id := range ids {
		if e := s.find(id); e != nil && e.RelayID == relayID {
			e.LeaseUntil = &until
		}
	}
	return nil
}

// Events returns a copy of every stored event ordered by id.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) find(id int64) *Event {
	for i := range s.events {
		if s.events[i].ID == id {
			return &s.events[i]
		}
	}
	return nil
}
