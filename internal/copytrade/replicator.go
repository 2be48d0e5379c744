// Package copytrade mirrors a leader wallet's position changes onto follower
// strategies.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/idkey"
	"github.com/alanyoungcy/triggerbot/internal/observability"
)

// ClipPolicy decides what happens when a mirrored order exceeds the
// follower's capacity.
type ClipPolicy string

const (
	// ClipToCapacity shrinks the order to what the follower can fund.
	ClipToCapacity ClipPolicy = "clip"
	// RejectOverCapacity records a permanent failure for the sequence and
	// submits nothing.
	RejectOverCapacity ClipPolicy = "reject"
)

// Config holds the replication settings.
type Config struct {
	LotSize        decimal.Decimal
	ClipPolicy     ClipPolicy
	MirrorExisting bool
}

// Replicator derives mirror orders from leader snapshots. It keeps one
// cursor per strategy holding the last replicated sequence and the leader
// position at that sequence; the cursor only moves once the mirror order has
// settled.
type Replicator struct {
	positions  domain.PositionSource
	cursors    domain.CopyCursorStore
	executions domain.ExecutionStore
	capacity   domain.CapacityChecker
	cfg        Config
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewReplicator creates a Replicator. capacity may be nil, in which case
// mirrored sizes are never clipped.
func NewReplicator(
	positions domain.PositionSource,
	cursors domain.CopyCursorStore,
	executions domain.ExecutionStore,
	capacity domain.CapacityChecker,
	cfg Config,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Replicator {
	if !cfg.LotSize.IsPositive() {
		cfg.LotSize = decimal.New(1, -6)
	}
	if cfg.ClipPolicy == "" {
		cfg.ClipPolicy = ClipToCapacity
	}
	if metrics == nil {
		metrics = observability.Discard()
	}
	return &Replicator{
		positions:  positions,
		cursors:    cursors,
		executions: executions,
		capacity:   capacity,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "copytrade")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns a mirror trigger when the leader has moved past the
// strategy's cursor, or nil when there is nothing to mirror.
func (r *Replicator) Evaluate(ctx context.Context, s domain.Strategy, sample domain.PriceSample) (*domain.Trigger, error) {
	if s.Kind != domain.KindCopyTrade || s.AllocationRatio == nil {
		return nil, fmt.Errorf("copytrade: strategy %s is not a copy trade", s.ID)
	}
	log := r.logger.With(slog.String("strategy_id", s.ID), slog.String("leader", s.CopyTrader))

	snap, err := r.positions.LatestSnapshot(ctx, s.CopyTrader)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("copytrade: leader snapshot: %w", err)
	}
	leaderPos := snap.Position(s.Token)

	cur, err := r.cursors.GetCursor(ctx, s.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if !r.cfg.MirrorExisting {
			log.Info("baseline established", slog.Int64("sequence", snap.Sequence))
			r.skip("baseline")
			return nil, r.advance(ctx, s, snap.Sequence, leaderPos)
		}
		cur = domain.CopyCursor{StrategyID: s.ID, Leader: s.CopyTrader, LastSeenSequence: -1, Position: decimal.Zero}
	case err != nil:
		return nil, fmt.Errorf("copytrade: cursor: %w", err)
	}

	if snap.Sequence <= cur.LastSeenSequence {
		return nil, nil
	}

	delta := leaderPos.Sub(cur.Position)
	if delta.IsZero() {
		r.skip("no_change")
		return nil, r.advance(ctx, s, snap.Sequence, leaderPos)
	}

	side := domain.SideBuy
	if delta.IsNegative() {
		side = domain.SideSell
	}
	size := r.floorLot(delta.Abs().Mul(decimal.NewFromFloat(*s.AllocationRatio)))

	if r.capacity != nil && size.IsPositive() {
		max, bounded, err := r.capacity.MaxOrderSize(ctx, s.Owner, s.Token, side)
		if err != nil {
			return nil, fmt.Errorf("copytrade: capacity: %w", err)
		}
		if bounded && size.GreaterThan(max) {
			if r.cfg.ClipPolicy == RejectOverCapacity {
				return nil, r.reject(ctx, s, snap, side, size, sample.Price, leaderPos, max)
			}
			log.Info("mirror size clipped to capacity",
				slog.String("size", size.String()),
				slog.String("capacity", max.String()),
			)
			size = r.floorLot(max)
		}
	}

	if !size.IsPositive() {
		r.skip("below_lot")
		return nil, r.advance(ctx, s, snap.Sequence, leaderPos)
	}

	r.metrics.Mirrors.Inc()
	log.Info("leader change to mirror",
		slog.Int64("sequence", snap.Sequence),
		slog.String("side", string(side)),
		slog.String("size", size.String()),
	)
	return &domain.Trigger{
		Strategy:      s,
		ObservedPrice: sample.Price,
		ObservedAt:    sample.At,
		Mirror: &domain.MirrorOrder{
			Sequence:       snap.Sequence,
			Side:           side,
			Size:           size,
			LeaderPosition: leaderPos,
		},
	}, nil
}

// Commit advances the cursor past a settled mirror order.
func (r *Replicator) Commit(ctx context.Context, t domain.Trigger) error {
	if t.Mirror == nil {
		return nil
	}
	return r.advance(ctx, t.Strategy, t.Mirror.Sequence, t.Mirror.LeaderPosition)
}

// Committed reports whether the cursor has already passed sequence.
func (r *Replicator) Committed(ctx context.Context, strategyID string, sequence int64) (bool, error) {
	cur, err := r.cursors.GetCursor(ctx, strategyID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cur.LastSeenSequence >= sequence, nil
}

func (r *Replicator) advance(ctx context.Context, s domain.Strategy, seq int64, pos decimal.Decimal) error {
	err := r.cursors.SaveCursor(ctx, domain.CopyCursor{
		StrategyID:       s.ID,
		Leader:           s.CopyTrader,
		LastSeenSequence: seq,
		Position:         pos,
		UpdatedAt:        r.now(),
	})
	if err != nil {
		return fmt.Errorf("copytrade: save cursor: %w", err)
	}
	return nil
}

// reject stores a permanent failure for the sequence and moves the cursor
// past it. The strategy stays active.
func (r *Replicator) reject(ctx context.Context, s domain.Strategy, snap domain.PositionSnapshot, side domain.OrderSide,
	size decimal.Decimal, price float64, leaderPos, capacity decimal.Decimal) error {
	r.skip("over_capacity")
	reason := fmt.Sprintf("mirror size %s exceeds follower capacity %s", size, capacity)
	r.logger.Warn("mirror rejected",
		slog.String("strategy_id", s.ID),
		slog.Int64("sequence", snap.Sequence),
		slog.String("reason", reason),
	)

	if r.executions != nil {
		now := r.now()
		seq := snap.Sequence
		pos := leaderPos
		err := r.executions.Insert(ctx, domain.ExecutionRecord{
			StrategyID:           s.ID,
			IdempotencyKey:       idkey.ForSequence(s.ID, seq),
			TriggerPriceObserved: price,
			Sequence:             &seq,
			LeaderPosition:       &pos,
			Side:                 side,
			Size:                 size,
			Outcome:              domain.OutcomePermanentFailure,
			FailureReason:        reason,
			SubmittedAt:          now,
			UpdatedAt:            now,
		})
		if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("copytrade: record rejection: %w", err)
		}
	}
	return r.advance(ctx, s, snap.Sequence, leaderPos)
}

func (r *Replicator) floorLot(v decimal.Decimal) decimal.Decimal {
	return v.Div(r.cfg.LotSize).Floor().Mul(r.cfg.LotSize)
}

func (r *Replicator) skip(reason string) {
	r.metrics.MirrorSkips.WithLabelValues(reason).Inc()
}
