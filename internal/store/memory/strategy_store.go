// Package memory provides in-process implementations of the domain stores.
// They back the paper mode and the package tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// StrategyStore is an in-memory implementation of domain.StrategyStore.
type StrategyStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Strategy
	now  func() time.Time
}

// NewStrategyStore creates an empty strategy store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		data: make(map[string]*domain.Strategy),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create adds a strategy. Returns ErrAlreadyExists if the id is taken.
func (s *StrategyStore) Create(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[st.ID]; exists {
		return domain.ErrAlreadyExists
	}
	c := cloneStrategy(st)
	s.data[st.ID] = &c
	return nil
}

// Get returns a strategy by id. Soft-deleted strategies are not found.
func (s *StrategyStore) Get(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.data[id]
	if !ok || st.DeletedAt != nil {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return cloneStrategy(*st), nil
}

// ListByOwner returns an owner's strategies, newest first.
func (s *StrategyStore) ListByOwner(_ context.Context, owner string, opts domain.ListOpts) ([]domain.Strategy, error) {
	s.mu.RLock()
	var out []domain.Strategy
	for _, st := range s.data {
		if st.Owner != owner || st.DeletedAt != nil {
			continue
		}
		if opts.Since != nil && st.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && st.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, cloneStrategy(*st))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, opts), nil
}

// ListByStatus returns all strategies with the given status ordered by id.
func (s *StrategyStore) ListByStatus(_ context.Context, status domain.StrategyStatus) ([]domain.Strategy, error) {
	s.mu.RLock()
	var out []domain.Strategy
	for _, st := range s.data {
		if st.Status == status && st.DeletedAt == nil {
			out = append(out, cloneStrategy(*st))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActive returns every active strategy ordered by id.
func (s *StrategyStore) ListActive(ctx context.Context) ([]domain.Strategy, error) {
	return s.ListByStatus(ctx, domain.StatusActive)
}

// CompareAndSwapStatus atomically moves a strategy from expected to next.
func (s *StrategyStore) CompareAndSwapStatus(_ context.Context, id string, expected, next domain.StrategyStatus, patch domain.StatusPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data[id]
	if !ok || st.DeletedAt != nil {
		return false, domain.ErrNotFound
	}
	if st.Status != expected {
		return false, nil
	}

	st.Status = next
	if patch.ClearTrigger {
		st.TriggeredPrice = nil
	}
	if patch.TriggeredPrice != nil {
		v := *patch.TriggeredPrice
		st.TriggeredPrice = &v
	}
	if patch.ClearHighWaterMark {
		st.HighWaterMark = nil
	}
	if patch.HighWaterMark != nil {
		v := *patch.HighWaterMark
		st.HighWaterMark = &v
	}
	if patch.BumpGeneration {
		st.Generation++
	}
	st.UpdatedAt = s.now()
	return true, nil
}

// RecordEvaluation stores the evaluated sample while the strategy is active.
// The high-water mark only ever rises.
func (s *StrategyStore) RecordEvaluation(_ context.Context, id string, price float64, at time.Time, hwm *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data[id]
	if !ok || st.DeletedAt != nil {
		return domain.ErrNotFound
	}
	if st.Status != domain.StatusActive {
		return nil
	}

	p := price
	ts := at
	st.LastEvaluatedPrice = &p
	st.LastEvaluatedAt = &ts
	if hwm != nil && (st.HighWaterMark == nil || *hwm > *st.HighWaterMark) {
		v := *hwm
		st.HighWaterMark = &v
	}
	return nil
}

// SoftDelete hides a strategy from reads.
func (s *StrategyStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data[id]
	if !ok || st.DeletedAt != nil {
		return domain.ErrNotFound
	}
	ts := at
	st.DeletedAt = &ts
	return nil
}

func cloneStrategy(st domain.Strategy) domain.Strategy {
	c := st
	c.TriggerPrice = clonePtr(st.TriggerPrice)
	c.TrailingDistance = clonePtr(st.TrailingDistance)
	c.HighWaterMark = clonePtr(st.HighWaterMark)
	c.AllocationRatio = clonePtr(st.AllocationRatio)
	c.TriggeredPrice = clonePtr(st.TriggeredPrice)
	c.LastEvaluatedPrice = clonePtr(st.LastEvaluatedPrice)
	c.LastEvaluatedAt = clonePtr(st.LastEvaluatedAt)
	c.DeletedAt = clonePtr(st.DeletedAt)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
