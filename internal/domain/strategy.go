package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind identifies which trigger rule a strategy follows.
type StrategyKind string

const (
	KindStopLoss     StrategyKind = "stop_loss"
	KindTakeProfit   StrategyKind = "take_profit"
	KindTrailingStop StrategyKind = "trailing_stop"
	KindCopyTrade    StrategyKind = "copy_trade"
)

// Valid reports whether k is one of the known kinds.
func (k StrategyKind) Valid() bool {
	switch k {
	case KindStopLoss, KindTakeProfit, KindTrailingStop, KindCopyTrade:
		return true
	}
	return false
}

// StrategyStatus tracks the strategy lifecycle.
type StrategyStatus string

const (
	StatusActive    StrategyStatus = "active"
	StatusTriggered StrategyStatus = "triggered"
	StatusExecuted  StrategyStatus = "executed"
	StatusFailed    StrategyStatus = "failed"
	StatusCancelled StrategyStatus = "cancelled"
)

// Terminal reports whether no automatic transition leaves s.
func (s StrategyStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a strategy may move from one status to
// another. triggered -> active is the re-arm path for trailing stops and
// copy trades; failed -> active is only reachable through an explicit owner
// reactivation.
func CanTransition(from, to StrategyStatus) bool {
	switch from {
	case StatusActive:
		return to == StatusTriggered || to == StatusCancelled
	case StatusTriggered:
		return to == StatusExecuted || to == StatusFailed || to == StatusActive
	case StatusFailed:
		return to == StatusActive
	}
	return false
}

// OrderSide indicates whether an order buys or sells the token.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// MarketKey groups strategies that share one price sample per tick.
type MarketKey struct {
	Token  string
	Market string
}

func (k MarketKey) String() string {
	return k.Token + "/" + k.Market
}

// Strategy is one user-defined monitoring rule. The kind-specific fields are
// nil unless the kind requires them; construct through NewStrategy so the
// combination is always valid.
type Strategy struct {
	ID     string          `json:"id"`
	Owner  string          `json:"owner"`
	Token  string          `json:"token"`
	Market string          `json:"market"`
	Kind   StrategyKind    `json:"kind"`
	Side   OrderSide       `json:"side,omitempty"`
	Size   decimal.Decimal `json:"size"`

	TriggerPrice     *float64 `json:"trigger_price,omitempty"`
	TrailingDistance *float64 `json:"trailing_distance,omitempty"`
	HighWaterMark    *float64 `json:"high_water_mark,omitempty"`
	Rearm            bool     `json:"rearm,omitempty"`
	CopyTrader       string   `json:"copy_trader,omitempty"`
	AllocationRatio  *float64 `json:"allocation_ratio,omitempty"`

	// Generation counts re-arms; it is part of the idempotency key so a
	// re-armed strategy never collides with its previous execution.
	Generation     int            `json:"generation"`
	Status         StrategyStatus `json:"status"`
	TriggeredPrice *float64       `json:"triggered_price,omitempty"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastEvaluatedPrice *float64   `json:"last_evaluated_price,omitempty"`
	LastEvaluatedAt    *time.Time `json:"last_evaluated_at,omitempty"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// Key returns the (token, market) group of the strategy.
func (s Strategy) Key() MarketKey {
	return MarketKey{Token: s.Token, Market: s.Market}
}

// OneShot reports whether a confirmed execution ends the strategy.
func (s Strategy) OneShot() bool {
	switch s.Kind {
	case KindStopLoss, KindTakeProfit:
		return true
	case KindTrailingStop:
		return !s.Rearm
	}
	return false
}

// StrategyParams is the closed set of kind-specific parameter blocks. Only the
// types in this package implement it.
type StrategyParams interface {
	Kind() StrategyKind
	validate() error
	apply(s *Strategy)
}

// StopLossParams fires when the price falls to or below TriggerPrice.
type StopLossParams struct {
	TriggerPrice float64
}

func (StopLossParams) Kind() StrategyKind { return KindStopLoss }

func (p StopLossParams) validate() error {
	if p.TriggerPrice <= 0 {
		return &ValidationError{Field: "trigger_price", Reason: "must be positive for stop_loss"}
	}
	return nil
}

func (p StopLossParams) apply(s *Strategy) {
	s.TriggerPrice = ptr(p.TriggerPrice)
}

// TakeProfitParams fires when the price rises to or above TriggerPrice.
type TakeProfitParams struct {
	TriggerPrice float64
}

func (TakeProfitParams) Kind() StrategyKind { return KindTakeProfit }

func (p TakeProfitParams) validate() error {
	if p.TriggerPrice <= 0 {
		return &ValidationError{Field: "trigger_price", Reason: "must be positive for take_profit"}
	}
	return nil
}

func (p TakeProfitParams) apply(s *Strategy) {
	s.TriggerPrice = ptr(p.TriggerPrice)
}

// TrailingStopParams fires when the price retraces Distance (a fraction) from
// the high-water mark. InitialPrice seeds the mark; zero means the first
// observed price seeds it.
type TrailingStopParams struct {
	Distance     float64
	Rearm        bool
	InitialPrice float64
}

func (TrailingStopParams) Kind() StrategyKind { return KindTrailingStop }

func (p TrailingStopParams) validate() error {
	if p.Distance <= 0 || p.Distance >= 1 {
		return &ValidationError{Field: "trailing_distance", Reason: "must be a fraction in (0, 1)"}
	}
	if p.InitialPrice < 0 {
		return &ValidationError{Field: "initial_price", Reason: "must not be negative"}
	}
	return nil
}

func (p TrailingStopParams) apply(s *Strategy) {
	s.TrailingDistance = ptr(p.Distance)
	s.Rearm = p.Rearm
	if p.InitialPrice > 0 {
		s.HighWaterMark = ptr(p.InitialPrice)
	}
}

// CopyTradeParams mirrors Trader's position changes scaled by
// AllocationRatio.
type CopyTradeParams struct {
	Trader          string
	AllocationRatio float64
}

func (CopyTradeParams) Kind() StrategyKind { return KindCopyTrade }

func (p CopyTradeParams) validate() error {
	if p.Trader == "" {
		return &ValidationError{Field: "copy_trader", Reason: "required for copy_trade"}
	}
	if err := ValidateWallet(p.Trader); err != nil {
		return &ValidationError{Field: "copy_trader", Reason: err.Error()}
	}
	if p.AllocationRatio <= 0 {
		return &ValidationError{Field: "allocation_ratio", Reason: "must be positive for copy_trade"}
	}
	return nil
}

func (p CopyTradeParams) apply(s *Strategy) {
	s.CopyTrader = p.Trader
	s.AllocationRatio = ptr(p.AllocationRatio)
}

// StrategyDef is the creation request for a strategy.
type StrategyDef struct {
	Owner  string
	Token  string
	Market string
	Side   OrderSide
	Size   decimal.Decimal
	Params StrategyParams
}

// Validate checks the common fields and the kind-specific parameters.
func (d StrategyDef) Validate() error {
	if d.Params == nil {
		return &ValidationError{Field: "kind", Reason: "strategy parameters are required"}
	}
	if err := ValidateWallet(d.Owner); err != nil {
		return &ValidationError{Field: "owner", Reason: err.Error()}
	}
	if err := ValidateAddress(d.Token); err != nil {
		return &ValidationError{Field: "token", Reason: err.Error()}
	}
	if err := ValidateAddress(d.Market); err != nil {
		return &ValidationError{Field: "market", Reason: err.Error()}
	}
	if err := d.Params.validate(); err != nil {
		return err
	}

	if d.Params.Kind() == KindCopyTrade {
		if cp, ok := d.Params.(CopyTradeParams); ok && cp.Trader == d.Owner {
			return &ValidationError{Field: "copy_trader", Reason: "must differ from owner"}
		}
		if !d.Size.IsZero() {
			return &ValidationError{Field: "size", Reason: "copy_trade sizes are derived from the leader"}
		}
		return nil
	}

	if !d.Size.IsPositive() {
		return &ValidationError{Field: "size", Reason: "must be positive"}
	}
	switch d.Side {
	case "", SideBuy, SideSell:
	default:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", d.Side)}
	}
	return nil
}

// NewStrategy validates def and builds an active strategy with the given id.
func NewStrategy(id string, def StrategyDef, now time.Time) (Strategy, error) {
	if err := def.Validate(); err != nil {
		return Strategy{}, err
	}
	s := Strategy{
		ID:        id,
		Owner:     def.Owner,
		Token:     def.Token,
		Market:    def.Market,
		Kind:      def.Params.Kind(),
		Side:      def.Side,
		Size:      def.Size,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.Kind != KindCopyTrade && s.Side == "" {
		// Exit orders by default: the strategies protect an existing holding.
		s.Side = SideSell
	}
	def.Params.apply(&s)
	return s, nil
}

func ptr[T any](v T) *T {
	return &v
}
