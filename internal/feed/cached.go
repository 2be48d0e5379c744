// Package feed supplies prices to the strategy engine and ingests price and
// leader position updates into the caches the engine reads.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// CachedPriceFeed implements domain.PriceFeed over a domain.PriceCache.
// Missing or stale entries are reported as domain.ErrFeedUnavailable so the
// engine marks the group stale for the tick.
type CachedPriceFeed struct {
	cache  domain.PriceCache
	maxAge time.Duration
	now    func() time.Time
}

// NewCachedPriceFeed creates a feed that rejects prices older than maxAge.
// A non-positive maxAge disables the age check.
func NewCachedPriceFeed(cache domain.PriceCache, maxAge time.Duration) *CachedPriceFeed {
	return &CachedPriceFeed{
		cache:  cache,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// GetPrice returns the cached price for (token, market).
func (f *CachedPriceFeed) GetPrice(ctx context.Context, token, market string) (domain.PriceSample, error) {
	key := domain.MarketKey{Token: token, Market: market}
	price, at, err := f.cache.GetPrice(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PriceSample{}, fmt.Errorf("%w: no price for %s", domain.ErrFeedUnavailable, key)
	}
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("%w: %s: %v", domain.ErrFeedUnavailable, key, err)
	}
	if f.maxAge > 0 {
		if age := f.now().Sub(at); age > f.maxAge {
			return domain.PriceSample{}, fmt.Errorf("%w: price for %s is %s old", domain.ErrFeedUnavailable, key, age.Round(time.Millisecond))
		}
	}
	return domain.PriceSample{Token: token, Market: market, Price: price, At: at}, nil
}

var _ domain.PriceFeed = (*CachedPriceFeed)(nil)
