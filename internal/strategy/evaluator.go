package strategy

import (
	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// Evaluator maps (strategy, price) to a trigger decision using the rules in
// its registry.
type Evaluator struct {
	registry *Registry
}

// NewEvaluator creates an Evaluator. A nil registry uses DefaultRegistry.
func NewEvaluator(registry *Registry) *Evaluator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Evaluator{registry: registry}
}

// Evaluate returns the decision for s at price. Strategies that are not
// active never fire.
func (e *Evaluator) Evaluate(s domain.Strategy, price float64) (Decision, error) {
	if s.Status != domain.StatusActive {
		return Decision{}, nil
	}
	rule, err := e.registry.Get(s.Kind)
	if err != nil {
		return Decision{}, err
	}
	return rule.Evaluate(s, price), nil
}
