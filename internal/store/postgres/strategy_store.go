package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL. Status
// changes are conditional UPDATEs so concurrent engines and API calls
// arbitrate through the row itself.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, owner, token, market, kind, side, size::text,
	trigger_price, trailing_distance, high_water_mark, rearm, copy_trader, allocation_ratio,
	generation, status, triggered_price, last_evaluated_price, last_evaluated_at,
	created_at, updated_at, deleted_at`

// Create inserts s. A duplicate id returns domain.ErrAlreadyExists.
func (st *StrategyStore) Create(ctx context.Context, s domain.Strategy) error {
	const query = `
		INSERT INTO strategies (
			id, owner, token, market, kind, side, size,
			trigger_price, trailing_distance, high_water_mark, rearm, copy_trader, allocation_ratio,
			generation, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::numeric,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17
		)`

	_, err := st.pool.Exec(ctx, query,
		s.ID, s.Owner, s.Token, s.Market, string(s.Kind), string(s.Side), s.Size.String(),
		s.TriggerPrice, s.TrailingDistance, s.HighWaterMark, s.Rearm, s.CopyTrader, s.AllocationRatio,
		s.Generation, string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if _, dup := uniqueViolation(err); dup {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create strategy %s: %w", s.ID, err)
	}
	return nil
}

// Get returns a strategy that has not been soft-deleted.
func (st *StrategyStore) Get(ctx context.Context, id string) (domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies WHERE id = $1 AND deleted_at IS NULL`
	s, err := scanStrategy(st.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Strategy{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return s, nil
}

// ListByOwner returns an owner's strategies, newest first.
func (st *StrategyStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies
		WHERE owner = $1 AND deleted_at IS NULL ORDER BY id DESC`
	args := []any{owner}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return st.list(ctx, "list strategies by owner", query, args...)
}

// ListByStatus returns every strategy in status ordered by id.
func (st *StrategyStore) ListByStatus(ctx context.Context, status domain.StrategyStatus) ([]domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies
		WHERE status = $1 AND deleted_at IS NULL ORDER BY id`
	return st.list(ctx, "list strategies by status", query, string(status))
}

// ListActive returns every active strategy ordered by id.
func (st *StrategyStore) ListActive(ctx context.Context) ([]domain.Strategy, error) {
	return st.ListByStatus(ctx, domain.StatusActive)
}

// CompareAndSwapStatus moves id from expected to next in a single
// conditional UPDATE.
func (st *StrategyStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.StrategyStatus, patch domain.StatusPatch) (bool, error) {
	const query = `
		UPDATE strategies SET
			status          = $3,
			triggered_price = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($5::double precision, triggered_price) END,
			high_water_mark = CASE WHEN $8::boolean THEN $6::double precision ELSE COALESCE($6::double precision, high_water_mark) END,
			generation      = generation + CASE WHEN $7::boolean THEN 1 ELSE 0 END,
			updated_at      = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`

	tag, err := st.pool.Exec(ctx, query,
		id, string(expected), string(next),
		patch.ClearTrigger && patch.TriggeredPrice == nil, patch.TriggeredPrice,
		patch.HighWaterMark, patch.BumpGeneration, patch.ClearHighWaterMark,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: cas strategy %s %s->%s: %w", id, expected, next, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, st.exists(ctx, id)
}

// RecordEvaluation stores the last sample of an active strategy and raises
// its high-water mark with GREATEST so the mark never decreases.
func (st *StrategyStore) RecordEvaluation(ctx context.Context, id string, price float64, at time.Time, hwm *float64) error {
	const query = `
		UPDATE strategies SET
			last_evaluated_price = $2,
			last_evaluated_at    = $3,
			high_water_mark      = CASE
				WHEN $4::double precision IS NULL THEN high_water_mark
				ELSE GREATEST(COALESCE(high_water_mark, $4::double precision), $4::double precision)
			END
		WHERE id = $1 AND status = 'active' AND deleted_at IS NULL`

	tag, err := st.pool.Exec(ctx, query, id, price, at, hwm)
	if err != nil {
		return fmt.Errorf("postgres: record evaluation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return st.exists(ctx, id)
	}
	return nil
}

// SoftDelete marks a strategy deleted.
func (st *StrategyStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE strategies SET deleted_at = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := st.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("postgres: soft delete strategy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// exists returns domain.ErrNotFound when id is missing or deleted and nil
// otherwise.
func (st *StrategyStore) exists(ctx context.Context, id string) error {
	var ok bool
	err := st.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM strategies WHERE id = $1 AND deleted_at IS NULL)`, id,
	).Scan(&ok)
	if err != nil {
		return fmt.Errorf("postgres: check strategy %s: %w", id, err)
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

func (st *StrategyStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Strategy, error) {
	rows, err := st.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

func scanStrategy(row pgx.Row) (domain.Strategy, error) {
	var (
		s                  domain.Strategy
		kind, side, status string
		size               string
	)
	err := row.Scan(
		&s.ID, &s.Owner, &s.Token, &s.Market, &kind, &side, &size,
		&s.TriggerPrice, &s.TrailingDistance, &s.HighWaterMark, &s.Rearm, &s.CopyTrader, &s.AllocationRatio,
		&s.Generation, &status, &s.TriggeredPrice, &s.LastEvaluatedPrice, &s.LastEvaluatedAt,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.Kind = domain.StrategyKind(kind)
	s.Side = domain.OrderSide(side)
	s.Status = domain.StrategyStatus(status)
	if s.Size, err = decimal.NewFromString(size); err != nil {
		return domain.Strategy{}, fmt.Errorf("parse size %q: %w", size, err)
	}
	return s, nil
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
