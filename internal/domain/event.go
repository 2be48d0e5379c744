package domain

import (
	"context"
	"time"
)

// EventType names a strategy lifecycle event.
type EventType string

const (
	EventCreated     EventType = "strategy.created"
	EventTriggered   EventType = "strategy.triggered"
	EventExecuted    EventType = "strategy.executed"
	EventFailed      EventType = "strategy.failed"
	EventRearmed     EventType = "strategy.rearmed"
	EventCancelled   EventType = "strategy.cancelled"
	EventReactivated EventType = "strategy.reactivated"
	EventRemoved     EventType = "strategy.removed"
)

// StrategyEvent is published whenever a strategy changes state.
type StrategyEvent struct {
	Type           EventType      `json:"type"`
	StrategyID     string         `json:"strategy_id"`
	Owner          string         `json:"owner"`
	Kind           StrategyKind   `json:"kind"`
	Status         StrategyStatus `json:"status"`
	Price          float64        `json:"price,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TxSignature    string         `json:"tx_signature,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	At             time.Time      `json:"at"`
}

// NewStrategyEvent builds an event from the strategy's identifying fields.
func NewStrategyEvent(t EventType, s Strategy, at time.Time) StrategyEvent {
	return StrategyEvent{
		Type:       t,
		StrategyID: s.ID,
		Owner:      s.Owner,
		Kind:       s.Kind,
		Status:     s.Status,
		At:         at,
	}
}

// EventPublisher fans strategy events out to subscribers.
type EventPublisher interface {
	PublishStrategyEvent(ctx context.Context, ev StrategyEvent) error
}
