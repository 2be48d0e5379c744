package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest prices per (token, market).
type PriceCache interface {
	SetPrice(ctx context.Context, key MarketKey, price float64, ts time.Time) error
	GetPrice(ctx context.Context, key MarketKey) (float64, time.Time, error)
}

// PositionCache stores the latest leader position snapshots.
type PositionCache interface {
	SetSnapshot(ctx context.Context, snap PositionSnapshot) error
	GetSnapshot(ctx context.Context, leader string) (PositionSnapshot, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
