package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// ExecutionStore is an in-memory implementation of domain.ExecutionStore.
type ExecutionStore struct {
	mu    sync.RWMutex
	data  map[string]*domain.ExecutionRecord // keyed by idempotency key
	order []string
}

// NewExecutionStore creates an empty execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{data: make(map[string]*domain.ExecutionRecord)}
}

// Insert adds a record. At most one pending record may exist per strategy.
func (s *ExecutionStore) Insert(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[rec.IdempotencyKey]; exists {
		return domain.ErrAlreadyExists
	}
	if rec.Outcome == domain.OutcomePending {
		for _, r := range s.data {
			if r.StrategyID == rec.StrategyID && r.Outcome == domain.OutcomePending {
				return domain.ErrPendingExecution
			}
		}
	}

	c := cloneRecord(rec)
	s.data[rec.IdempotencyKey] = &c
	s.order = append(s.order, rec.IdempotencyKey)
	return nil
}

// GetByKey returns the record with the given idempotency key.
func (s *ExecutionStore) GetByKey(_ context.Context, key string) (domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[key]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	return cloneRecord(*r), nil
}

// Update replaces a record, matched by idempotency key.
func (s *ExecutionStore) Update(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[rec.IdempotencyKey]; !ok {
		return domain.ErrNotFound
	}
	c := cloneRecord(rec)
	s.data[rec.IdempotencyKey] = &c
	return nil
}

// ListByStrategy returns a strategy's records in insertion order.
func (s *ExecutionStore) ListByStrategy(_ context.Context, strategyID string) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ExecutionRecord
	for _, key := range s.order {
		if r := s.data[key]; r.StrategyID == strategyID {
			out = append(out, cloneRecord(*r))
		}
	}
	return out, nil
}

// ListPending returns every pending record in insertion order.
func (s *ExecutionStore) ListPending(_ context.Context) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ExecutionRecord
	for _, key := range s.order {
		if r := s.data[key]; r.Outcome == domain.OutcomePending {
			out = append(out, cloneRecord(*r))
		}
	}
	return out, nil
}

func cloneRecord(r domain.ExecutionRecord) domain.ExecutionRecord {
	c := r
	c.Sequence = clonePtr(r.Sequence)
	c.LeaderPosition = clonePtr(r.LeaderPosition)
	return c
}
