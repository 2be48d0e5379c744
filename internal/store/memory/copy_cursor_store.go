package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// CopyCursorStore is an in-memory implementation of domain.CopyCursorStore.
type CopyCursorStore struct {
	mu   sync.RWMutex
	data map[string]domain.CopyCursor
}

// NewCopyCursorStore creates an empty cursor store.
func NewCopyCursorStore() *CopyCursorStore {
	return &CopyCursorStore{data: make(map[string]domain.CopyCursor)}
}

// GetCursor returns the cursor for a strategy or ErrNotFound.
func (s *CopyCursorStore) GetCursor(_ context.Context, strategyID string) (domain.CopyCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[strategyID]
	if !ok {
		return domain.CopyCursor{}, domain.ErrNotFound
	}
	return c, nil
}

// SaveCursor stores c unless a cursor with a higher sequence is already
// present.
func (s *CopyCursorStore) SaveCursor(_ context.Context, c domain.CopyCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.data[c.StrategyID]; ok && cur.LastSeenSequence > c.LastSeenSequence {
		return nil
	}
	s.data[c.StrategyID] = c
	return nil
}
