package strategy

import (
	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// Rule is the price condition for one strategy kind. Rules are pure: they
// never touch the store and return the same Decision for the same input.
type Rule interface {
	Kind() domain.StrategyKind
	Evaluate(s domain.Strategy, price float64) Decision
}

// Decision is the outcome of evaluating one strategy against one sample.
type Decision struct {
	Fire bool
	// HighWaterMark is the ratcheted mark to persist; nil for kinds that do
	// not track one.
	HighWaterMark *float64
}
