package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceFeed supplies the current price of a token in a market. Failures
// should wrap ErrFeedUnavailable.
type PriceFeed interface {
	GetPrice(ctx context.Context, token, market string) (PriceSample, error)
}

// LedgerSubmitter submits orders to the ledger. Submit must be idempotent on
// idempotencyKey: a repeated key returns the original receipt. Failures are
// classified with *SubmissionError.
type LedgerSubmitter interface {
	Submit(ctx context.Context, instr OrderInstruction, idempotencyKey string) (Receipt, error)
}

// ReceiptLookup resolves the ledger outcome of a previously submitted key.
type ReceiptLookup interface {
	Lookup(ctx context.Context, idempotencyKey string) (Receipt, bool, error)
}

// PositionSource reports the latest known holdings of a leader wallet.
type PositionSource interface {
	LatestSnapshot(ctx context.Context, leader string) (PositionSnapshot, error)
}

// CapacityChecker bounds the order size a follower wallet can fund. bounded
// is false when the wallet has no known limit for the token and side.
type CapacityChecker interface {
	MaxOrderSize(ctx context.Context, wallet, token string, side OrderSide) (max decimal.Decimal, bounded bool, err error)
}

// InstructionSigner attaches the engine's signature to an instruction.
type InstructionSigner interface {
	Sign(instr *OrderInstruction) error
}
