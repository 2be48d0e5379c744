package strategy

import (
	"github.com/alanyoungcy/triggerbot/internal/domain"
)

type stopLossRule struct{}

func (stopLossRule) Kind() domain.StrategyKind { return domain.KindStopLoss }

// Evaluate fires when the price falls to or below the trigger price.
func (stopLossRule) Evaluate(s domain.Strategy, price float64) Decision {
	if s.TriggerPrice == nil {
		return Decision{}
	}
	return Decision{Fire: price <= *s.TriggerPrice}
}

type takeProfitRule struct{}

func (takeProfitRule) Kind() domain.StrategyKind { return domain.KindTakeProfit }

// Evaluate fires when the price rises to or above the trigger price.
func (takeProfitRule) Evaluate(s domain.Strategy, price float64) Decision {
	if s.TriggerPrice == nil {
		return Decision{}
	}
	return Decision{Fire: price >= *s.TriggerPrice}
}

type trailingStopRule struct{}

func (trailingStopRule) Kind() domain.StrategyKind { return domain.KindTrailingStop }

// Evaluate ratchets the high-water mark up to price first, then fires when
// price has retraced the trailing distance from the mark. The first sample
// seeds the mark.
func (trailingStopRule) Evaluate(s domain.Strategy, price float64) Decision {
	if s.TrailingDistance == nil {
		return Decision{}
	}
	hwm := price
	if s.HighWaterMark != nil && *s.HighWaterMark > hwm {
		hwm = *s.HighWaterMark
	}
	return Decision{
		Fire:          price <= hwm*(1-*s.TrailingDistance),
		HighWaterMark: &hwm,
	}
}
