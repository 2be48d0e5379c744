package executor

import (
	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// BuildInstruction assembles the order instruction for a trigger. Accounts
// lists the owner, token and market, plus the leader for copy trades.
func BuildInstruction(t domain.Trigger, idempotencyKey, programID string) domain.OrderInstruction {
	s := t.Strategy
	accounts := []string{s.Owner, s.Token, s.Market}
	if s.CopyTrader != "" {
		accounts = append(accounts, s.CopyTrader)
	}

	instr := domain.OrderInstruction{
		StrategyID:     s.ID,
		Owner:          s.Owner,
		Token:          s.Token,
		Market:         s.Market,
		Kind:           s.Kind,
		Side:           t.Side(),
		Size:           t.Size(),
		ReferencePrice: t.ObservedPrice,
		CopyTrader:     s.CopyTrader,
		ProgramID:      programID,
		IdempotencyKey: idempotencyKey,
		Accounts:       accounts,
	}
	if t.Mirror != nil {
		seq := t.Mirror.Sequence
		instr.Sequence = &seq
	}
	return instr
}
