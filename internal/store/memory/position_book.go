package memory

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// PositionBook holds the latest snapshot per leader. It implements both
// domain.PositionCache and domain.PositionSource. Older sequences never
// replace newer ones.
type PositionBook struct {
	mu    sync.RWMutex
	snaps map[string]domain.PositionSnapshot
}

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{snaps: make(map[string]domain.PositionSnapshot)}
}

// SetSnapshot stores snap unless an equal or newer sequence is held.
func (b *PositionBook) SetSnapshot(_ context.Context, snap domain.PositionSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.snaps[snap.Leader]; ok && cur.Sequence >= snap.Sequence {
		return nil
	}
	positions := make(map[string]decimal.Decimal, len(snap.Positions))
	for k, v := range snap.Positions {
		positions[k] = v
	}
	snap.Positions = positions
	b.snaps[snap.Leader] = snap
	return nil
}

// GetSnapshot returns the latest snapshot for leader.
func (b *PositionBook) GetSnapshot(_ context.Context, leader string) (domain.PositionSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap, ok := b.snaps[leader]
	if !ok {
		return domain.PositionSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

// LatestSnapshot implements domain.PositionSource.
func (b *PositionBook) LatestSnapshot(ctx context.Context, leader string) (domain.PositionSnapshot, error) {
	return b.GetSnapshot(ctx, leader)
}
