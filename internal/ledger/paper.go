// Package ledger holds the LedgerSubmitter implementations: an in-process
// paper venue and an HTTP client for a remote order gateway.
package ledger

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// PaperSubmitter simulates a ledger that deduplicates by idempotency key.
// Holdings are tracked only for wallets given a balance with SetBalance;
// selling more than the holding fails permanently.
type PaperSubmitter struct {
	mu       sync.Mutex
	receipts map[string]domain.Receipt
	orders   []domain.OrderInstruction
	balances map[string]decimal.Decimal // wallet|token -> holding
	script   []error
	calls    int
	now      func() time.Time
	logger   *slog.Logger
}

// NewPaperSubmitter creates a paper venue with no tracked balances.
func NewPaperSubmitter(logger *slog.Logger) *PaperSubmitter {
	return &PaperSubmitter{
		receipts: make(map[string]domain.Receipt),
		balances: make(map[string]decimal.Decimal),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "paper_ledger")),
	}
}

// FailNext queues errors returned by the next Submit calls, in order.
func (p *PaperSubmitter) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, errs...)
}

// SetBalance sets the tracked holding of token for wallet.
func (p *PaperSubmitter) SetBalance(wallet, token string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[wallet+"|"+token] = amount
}

// Balance returns the tracked holding and whether one is tracked.
func (p *PaperSubmitter) Balance(wallet, token string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.balances[wallet+"|"+token]
	return b, ok
}

// Submit executes instr once per idempotency key. A repeated key returns the
// original receipt marked Duplicate.
func (p *PaperSubmitter) Submit(ctx context.Context, instr domain.OrderInstruction, idempotencyKey string) (domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, domain.Transient("context done", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	if r, ok := p.receipts[idempotencyKey]; ok {
		r.Duplicate = true
		return r, nil
	}
	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		return domain.Receipt{}, err
	}
	if !instr.Size.IsPositive() {
		return domain.Receipt{}, domain.Permanent("invalid instruction: size must be positive", nil)
	}

	bk := instr.Owner + "|" + instr.Token
	if held, tracked := p.balances[bk]; tracked {
		switch instr.Side {
		case domain.SideSell:
			if held.LessThan(instr.Size) {
				return domain.Receipt{}, domain.Permanent("insufficient balance", nil)
			}
			p.balances[bk] = held.Sub(instr.Size)
		case domain.SideBuy:
			p.balances[bk] = held.Add(instr.Size)
		}
	}

	sum := sha256.Sum256([]byte(idempotencyKey))
	r := domain.Receipt{
		Signature:   base58.Encode(sum[:]),
		FillPrice:   instr.ReferencePrice,
		ConfirmedAt: p.now(),
	}
	p.receipts[idempotencyKey] = r
	p.orders = append(p.orders, instr)

	p.logger.Info("paper order filled",
		slog.String("strategy_id", instr.StrategyID),
		slog.String("side", string(instr.Side)),
		slog.String("size", instr.Size.String()),
		slog.Float64("price", instr.ReferencePrice),
	)
	return r, nil
}

// Lookup returns the receipt recorded under key.
func (p *PaperSubmitter) Lookup(_ context.Context, idempotencyKey string) (domain.Receipt, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.receipts[idempotencyKey]
	return r, ok, nil
}

// MaxOrderSize reports the tracked holding for sells. Buys are unbounded.
func (p *PaperSubmitter) MaxOrderSize(_ context.Context, wallet, token string, side domain.OrderSide) (decimal.Decimal, bool, error) {
	if side != domain.SideSell {
		return decimal.Zero, false, nil
	}
	b, ok := p.Balance(wallet, token)
	return b, ok, nil
}

// Orders returns the executed instructions in order.
func (p *PaperSubmitter) Orders() []domain.OrderInstruction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OrderInstruction, len(p.orders))
	copy(out, p.orders)
	return out
}

// Calls returns the number of Submit calls, including failed and duplicate
// ones.
func (p *PaperSubmitter) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
