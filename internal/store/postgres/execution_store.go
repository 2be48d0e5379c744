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

// pendingIndex is the partial unique index allowing one pending record per
// strategy.
const pendingIndex = "execution_records_one_pending"

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore backed by pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `idempotency_key, strategy_id, trigger_price_observed, sequence,
	leader_position::text, side, size::text, attempt_count, outcome, tx_signature, failure_reason,
	submitted_at, updated_at`

// Insert appends rec. The primary key rejects a reused idempotency key with
// domain.ErrAlreadyExists; the partial index rejects a second pending record
// with domain.ErrPendingExecution.
func (s *ExecutionStore) Insert(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		INSERT INTO execution_records (
			idempotency_key, strategy_id, trigger_price_observed, sequence, leader_position,
			side, size, attempt_count, outcome, tx_signature, failure_reason, submitted_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		rec.IdempotencyKey, rec.StrategyID, rec.TriggerPriceObserved, rec.Sequence, decimalArg(rec.LeaderPosition),
		string(rec.Side), rec.Size.String(), rec.AttemptCount, string(rec.Outcome),
		rec.TxSignature, rec.FailureReason, rec.SubmittedAt, rec.UpdatedAt,
	)
	if constraint, dup := uniqueViolation(err); dup {
		if constraint == pendingIndex {
			return domain.ErrPendingExecution
		}
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.IdempotencyKey, err)
	}
	return nil
}

// GetByKey returns the record for an idempotency key.
func (s *ExecutionStore) GetByKey(ctx context.Context, key string) (domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_records WHERE idempotency_key = $1`
	rec, err := scanExecution(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution %s: %w", key, err)
	}
	return rec, nil
}

// Update writes the mutable fields of rec.
func (s *ExecutionStore) Update(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		UPDATE execution_records SET
			attempt_count  = $2,
			outcome        = $3,
			tx_signature   = $4,
			failure_reason = $5,
			updated_at     = $6
		WHERE idempotency_key = $1`

	tag, err := s.pool.Exec(ctx, query,
		rec.IdempotencyKey, rec.AttemptCount, string(rec.Outcome), rec.TxSignature, rec.FailureReason, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update execution %s: %w", rec.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByStrategy returns a strategy's records oldest first.
func (s *ExecutionStore) ListByStrategy(ctx context.Context, strategyID string) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_records
		WHERE strategy_id = $1 ORDER BY submitted_at, idempotency_key`
	return s.list(ctx, "list executions by strategy", query, strategyID)
}

// ListPending returns every pending record oldest first.
func (s *ExecutionStore) ListPending(ctx context.Context) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_records
		WHERE outcome = 'pending' ORDER BY submitted_at`
	return s.list(ctx, "list pending executions", query)
}

func (s *ExecutionStore) list(ctx context.Context, op, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var (
		rec           domain.ExecutionRecord
		leaderPos     *string
		side, outcome string
		size          string
	)
	err := row.Scan(
		&rec.IdempotencyKey, &rec.StrategyID, &rec.TriggerPriceObserved, &rec.Sequence,
		&leaderPos, &side, &size, &rec.AttemptCount, &outcome, &rec.TxSignature, &rec.FailureReason,
		&rec.SubmittedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.Side = domain.OrderSide(side)
	rec.Outcome = domain.ExecutionOutcome(outcome)
	if rec.Size, err = decimal.NewFromString(size); err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("parse size %q: %w", size, err)
	}
	if leaderPos != nil {
		d, err := decimal.NewFromString(*leaderPos)
		if err != nil {
			return domain.ExecutionRecord{}, fmt.Errorf("parse leader position %q: %w", *leaderPos, err)
		}
		rec.LeaderPosition = &d
	}
	return rec, nil
}

// decimalArg renders an optional decimal as a nullable numeric text value.
func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
