package strategy

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// Registry maps strategy kinds to their price rules. It is safe for
// concurrent use.
type Registry struct {
	rules map[domain.StrategyKind]Rule
	mu    sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		rules: make(map[domain.StrategyKind]Rule),
	}
}

// DefaultRegistry returns a registry holding the built-in price rules.
// copy_trade has no price rule; the replicator handles it.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(stopLossRule{})
	r.Register(takeProfitRule{})
	r.Register(trailingStopRule{})
	return r
}

// Register adds a rule under its kind, replacing any existing rule.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.Kind()] = rule
}

// Get retrieves the rule for kind.
func (r *Registry) Get(kind domain.StrategyKind) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[kind]
	if !ok {
		return nil, fmt.Errorf("rule %q: not registered", kind)
	}
	return rule, nil
}

