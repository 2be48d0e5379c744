package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot is a leader's holdings at a point in the leader's
// activity sequence. Sequence increases with every position change.
type PositionSnapshot struct {
	Leader     string
	Sequence   int64
	Positions  map[string]decimal.Decimal
	ObservedAt time.Time
}

// Position returns the leader's holding of token, zero when absent.
func (s PositionSnapshot) Position(token string) decimal.Decimal {
	if s.Positions == nil {
		return decimal.Zero
	}
	return s.Positions[token]
}

// CopyCursor is the replication progress of one copy_trade strategy.
type CopyCursor struct {
	StrategyID       string
	Leader           string
	LastSeenSequence int64
	Position         decimal.Decimal
	UpdatedAt        time.Time
}

// PriceSample is one price observation for a (token, market) pair.
type PriceSample struct {
	Token  string
	Market string
	Price  float64
	At     time.Time
}
