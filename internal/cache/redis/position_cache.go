package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// setIfNewerLua replaces the snapshot only when its sequence is strictly
// greater than the stored one. KEYS[1] snapshot hash; ARGV[1] sequence;
// ARGV[2] JSON body.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'body', ARGV[2])
return 1
`

type snapshotJSON struct {
	Leader     string                     `json:"leader"`
	Sequence   int64                      `json:"sequence"`
	Positions  map[string]decimal.Decimal `json:"positions"`
	ObservedAt time.Time                  `json:"observed_at"`
}

// PositionCache stores the latest leader position snapshot per wallet at
// "positions:{leader}". It implements both domain.PositionCache and
// domain.PositionSource, so a position indexer can write snapshots that the
// copy-trade replicator reads.
type PositionCache struct {
	rdb      *redis.Client
	setNewer *redis.Script
}

// NewPositionCache creates a PositionCache backed by c.
func NewPositionCache(c *Client) *PositionCache {
	return &PositionCache{
		rdb:      c.Underlying(),
		setNewer: redis.NewScript(setIfNewerLua),
	}
}

func positionKey(leader string) string {
	return "positions:" + leader
}

// SetSnapshot stores snap unless a snapshot with an equal or higher
// sequence is already cached.
func (pc *PositionCache) SetSnapshot(ctx context.Context, snap domain.PositionSnapshot) error {
	body, err := json.Marshal(snapshotJSON{
		Leader:     snap.Leader,
		Sequence:   snap.Sequence,
		Positions:  snap.Positions,
		ObservedAt: snap.ObservedAt,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.Leader, err)
	}
	if err := pc.setNewer.Run(ctx, pc.rdb, []string{positionKey(snap.Leader)}, snap.Sequence, body).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Leader, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot for leader or domain.ErrNotFound.
func (pc *PositionCache) GetSnapshot(ctx context.Context, leader string) (domain.PositionSnapshot, error) {
	body, err := pc.rdb.HGet(ctx, positionKey(leader), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PositionSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PositionSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", leader, err)
	}

	var sj snapshotJSON
	if err := json.Unmarshal(body, &sj); err != nil {
		return domain.PositionSnapshot{}, fmt.Errorf("redis: decode snapshot %s: %w", leader, err)
	}
	return domain.PositionSnapshot{
		Leader:     sj.Leader,
		Sequence:   sj.Sequence,
		Positions:  sj.Positions,
		ObservedAt: sj.ObservedAt,
	}, nil
}

// LatestSnapshot implements domain.PositionSource.
func (pc *PositionCache) LatestSnapshot(ctx context.Context, leader string) (domain.PositionSnapshot, error) {
	return pc.GetSnapshot(ctx, leader)
}

var (
	_ domain.PositionCache  = (*PositionCache)(nil)
	_ domain.PositionSource = (*PositionCache)(nil)
)
