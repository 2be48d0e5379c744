package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionOutcome is the settlement state of an execution attempt.
type ExecutionOutcome string

const (
	OutcomePending          ExecutionOutcome = "pending"
	OutcomeConfirmed        ExecutionOutcome = "confirmed"
	OutcomePermanentFailure ExecutionOutcome = "permanent_failure"
)

// ExecutionRecord is the durable trace of one trigger's submission. The
// idempotency key is unique across all records.
type ExecutionRecord struct {
	StrategyID           string           `json:"strategy_id"`
	IdempotencyKey       string           `json:"idempotency_key"`
	TriggerPriceObserved float64          `json:"trigger_price_observed"`
	Sequence             *int64           `json:"sequence,omitempty"`
	LeaderPosition       *decimal.Decimal `json:"leader_position,omitempty"`
	Side                 OrderSide        `json:"side"`
	Size                 decimal.Decimal  `json:"size"`
	AttemptCount         int              `json:"attempt_count"`
	Outcome              ExecutionOutcome `json:"outcome"`
	TxSignature          string           `json:"tx_signature,omitempty"`
	FailureReason        string           `json:"failure_reason,omitempty"`
	SubmittedAt          time.Time        `json:"submitted_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Settled reports whether the record reached a final outcome.
func (r ExecutionRecord) Settled() bool {
	return r.Outcome != OutcomePending
}

// Receipt is the ledger's acknowledgement of a submitted order.
type Receipt struct {
	Signature   string
	FillPrice   float64
	ConfirmedAt time.Time
	// Duplicate is set when the ledger recognised the idempotency key and
	// returned the original result instead of executing again.
	Duplicate bool
}

// OrderInstruction is the payload handed to the ledger submitter.
type OrderInstruction struct {
	StrategyID     string          `json:"strategy_id"`
	Owner          string          `json:"owner"`
	Token          string          `json:"token"`
	Market         string          `json:"market"`
	Kind           StrategyKind    `json:"kind"`
	Side           OrderSide       `json:"side"`
	Size           decimal.Decimal `json:"size"`
	ReferencePrice float64         `json:"reference_price"`
	CopyTrader     string          `json:"copy_trader,omitempty"`
	Sequence       *int64          `json:"sequence,omitempty"`
	ProgramID      string          `json:"program_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Accounts       []string        `json:"accounts"`
	Signature      string          `json:"signature,omitempty"`
}

// MirrorOrder is the replicated order derived from a leader position change.
type MirrorOrder struct {
	Sequence       int64
	Side           OrderSide
	Size           decimal.Decimal
	LeaderPosition decimal.Decimal
}

// Trigger is a fired strategy together with the sample that fired it.
type Trigger struct {
	Strategy      Strategy
	ObservedPrice float64
	ObservedAt    time.Time
	Mirror        *MirrorOrder
}

// Side returns the order side for the trigger.
func (t Trigger) Side() OrderSide {
	if t.Mirror != nil {
		return t.Mirror.Side
	}
	return t.Strategy.Side
}

// Size returns the order size for the trigger.
func (t Trigger) Size() decimal.Decimal {
	if t.Mirror != nil {
		return t.Mirror.Size
	}
	return t.Strategy.Size
}
