package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StatusPatch carries the fields written together with a status transition.
// Nil fields are left unchanged.
type StatusPatch struct {
	TriggeredPrice *float64
	HighWaterMark  *float64
	// ClearTrigger resets triggered_price; used when re-arming.
	ClearTrigger bool
	// ClearHighWaterMark drops the trailing mark so the next observed price
	// seeds it again. HighWaterMark wins when both are set.
	ClearHighWaterMark bool
	BumpGeneration     bool
}

// StrategyStore persists strategies. CompareAndSwapStatus is the only way a
// status changes and must be atomic against concurrent writers.
type StrategyStore interface {
	Create(ctx context.Context, s Strategy) error
	Get(ctx context.Context, id string) (Strategy, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Strategy, error)
	ListByStatus(ctx context.Context, status StrategyStatus) ([]Strategy, error)
	// ListActive returns every active strategy ordered by id.
	ListActive(ctx context.Context) ([]Strategy, error)
	// CompareAndSwapStatus moves id from expected to next and applies patch.
	// It returns false, nil when the current status is not expected.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next StrategyStatus, patch StatusPatch) (bool, error)
	// RecordEvaluation stores the last evaluated sample and raises the
	// high-water mark to hwm when given. It is a no-op unless the strategy is
	// still active.
	RecordEvaluation(ctx context.Context, id string, price float64, at time.Time, hwm *float64) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// ExecutionStore persists execution records. Insert fails with
// ErrAlreadyExists on a duplicate idempotency key and ErrPendingExecution
// when the strategy already has a pending record.
type ExecutionStore interface {
	Insert(ctx context.Context, rec ExecutionRecord) error
	GetByKey(ctx context.Context, key string) (ExecutionRecord, error)
	Update(ctx context.Context, rec ExecutionRecord) error
	ListByStrategy(ctx context.Context, strategyID string) ([]ExecutionRecord, error)
	ListPending(ctx context.Context) ([]ExecutionRecord, error)
}

// CopyCursorStore persists copy-trade replication cursors. SaveCursor never
// moves LastSeenSequence backwards.
type CopyCursorStore interface {
	GetCursor(ctx context.Context, strategyID string) (CopyCursor, error)
	SaveCursor(ctx context.Context, c CopyCursor) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
