package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

type pricePoint struct {
	price float64
	at    time.Time
}

// PriceBook is an in-process domain.PriceCache.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[domain.MarketKey]pricePoint
}

// NewPriceBook creates an empty PriceBook.
func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[domain.MarketKey]pricePoint)}
}

// SetPrice stores the latest price for key.
func (b *PriceBook) SetPrice(_ context.Context, key domain.MarketKey, price float64, ts time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[key] = pricePoint{price: price, at: ts}
	return nil
}

// GetPrice returns the latest price for key or domain.ErrNotFound.
func (b *PriceBook) GetPrice(_ context.Context, key domain.MarketKey) (float64, time.Time, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[key]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.at, nil
}

var _ domain.PriceCache = (*PriceBook)(nil)
