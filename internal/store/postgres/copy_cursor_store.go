package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// CopyCursorStore implements domain.CopyCursorStore using PostgreSQL.
type CopyCursorStore struct {
	pool *pgxpool.Pool
}

// NewCopyCursorStore creates a CopyCursorStore backed by pool.
func NewCopyCursorStore(pool *pgxpool.Pool) *CopyCursorStore {
	return &CopyCursorStore{pool: pool}
}

// GetCursor returns the replication cursor of a copy_trade strategy.
func (s *CopyCursorStore) GetCursor(ctx context.Context, strategyID string) (domain.CopyCursor, error) {
	const query = `
		SELECT strategy_id, leader, last_seen_sequence, position::text, updated_at
		FROM copy_cursors WHERE strategy_id = $1`

	var c domain.CopyCursor
	var pos string
	err := s.pool.QueryRow(ctx, query, strategyID).Scan(&c.StrategyID, &c.Leader, &c.LastSeenSequence, &pos, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CopyCursor{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CopyCursor{}, fmt.Errorf("postgres: get cursor %s: %w", strategyID, err)
	}
	if c.Position, err = decimal.NewFromString(pos); err != nil {
		return domain.CopyCursor{}, fmt.Errorf("postgres: parse cursor position %s: %w", strategyID, err)
	}
	return c, nil
}

// SaveCursor upserts c. The WHERE clause on the conflict branch keeps the
// sequence from ever moving backwards.
func (s *CopyCursorStore) SaveCursor(ctx context.Context, c domain.CopyCursor) error {
	const query = `
		INSERT INTO copy_cursors (strategy_id, leader, last_seen_sequence, position, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (strategy_id) DO UPDATE SET
			leader             = EXCLUDED.leader,
			last_seen_sequence = EXCLUDED.last_seen_sequence,
			position           = EXCLUDED.position,
			updated_at         = EXCLUDED.updated_at
		WHERE copy_cursors.last_seen_sequence <= EXCLUDED.last_seen_sequence`

	if _, err := s.pool.Exec(ctx, query, c.StrategyID, c.Leader, c.LastSeenSequence, c.Position.String(), c.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: save cursor %s: %w", c.StrategyID, err)
	}
	return nil
}

var _ domain.CopyCursorStore = (*CopyCursorStore)(nil)
