package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/observability"
)

// Dispatcher accepts fired strategies. Dispatch must perform the
// active -> triggered transition before returning so the next tick never
// re-evaluates the same strategy.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Trigger) error
}

// Replicator decides whether a copy_trade strategy has a leader change to
// mirror. A nil trigger means nothing to do this tick.
type Replicator interface {
	Evaluate(ctx context.Context, s domain.Strategy, sample domain.PriceSample) (*domain.Trigger, error)
}

// EngineConfig holds the scheduler settings.
type EngineConfig struct {
	TickInterval time.Duration
	// MaxParallel bounds concurrent price fetches within a tick.
	MaxParallel int
}

// TickReport summarises one tick.
type TickReport struct {
	Groups    int
	Stale     int
	Evaluated int
	Fired     int
}

// Engine is the scheduler loop. Each tick it lists active strategies, fetches
// one price per (token, market) group, evaluates every strategy against its
// group's sample in ascending id order and hands fired strategies to the
// dispatcher.
type Engine struct {
	store      domain.StrategyStore
	feed       domain.PriceFeed
	evaluator  *Evaluator
	dispatcher Dispatcher
	replicator Replicator
	cfg        EngineConfig
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu             sync.Mutex
	recentTriggers []domain.Trigger
	recentLimit    int
}

// NewEngine creates an Engine. replicator may be nil when copy trading is
// disabled; copy_trade strategies are then left untouched.
func NewEngine(
	store domain.StrategyStore,
	feed domain.PriceFeed,
	evaluator *Evaluator,
	dispatcher Dispatcher,
	replicator Replicator,
	cfg EngineConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Engine {
	if evaluator == nil {
		evaluator = NewEvaluator(nil)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if metrics == nil {
		metrics = observability.Discard()
	}
	return &Engine{
		store:       store,
		feed:        feed,
		evaluator:   evaluator,
		dispatcher:  dispatcher,
		replicator:  replicator,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		now:         func() time.Time { return time.Now().UTC() },
		recentLimit: 500,
	}
}

// Run ticks at the configured interval until ctx is cancelled. Tick errors
// are logged and never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("strategy engine started", slog.Duration("interval", e.cfg.TickInterval))
	defer e.logger.Info("strategy engine stopped")

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one evaluation pass.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	defer func() {
		e.metrics.Ticks.Inc()
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	active, err := e.store.ListActive(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("list active strategies: %w", err)
	}
	if len(active) == 0 {
		return TickReport{}, nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	samples := e.fetchPrices(ctx, active)
	report := TickReport{Groups: len(samples)}
	for _, sample := range samples {
		if sample == nil {
			report.Stale++
		}
	}

	for _, s := range active {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		var fired bool
		var err error
		switch sample := samples[s.Key()]; {
		case sample != nil:
			fired, err = e.evaluate(ctx, s, *sample)
		case s.Kind == domain.KindCopyTrade && e.replicator != nil:
			// Mirrors follow the leader's sequence, not the price. A stale
			// group keeps last_evaluated_at untouched.
			e.metrics.Evaluations.WithLabelValues(string(s.Kind)).Inc()
			fired, err = e.replicate(ctx, s, e.lastKnownSample(s))
		default:
			continue
		}
		if err != nil {
			e.logger.Warn("strategy evaluation failed",
				slog.String("strategy_id", s.ID),
				slog.String("kind", string(s.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Evaluated++
		if fired {
			report.Fired++
		}
	}
	return report, nil
}

// fetchPrices issues one PriceFeed call per distinct (token, market). A nil
// entry marks a stale group.
func (e *Engine) fetchPrices(ctx context.Context, strategies []domain.Strategy) map[domain.MarketKey]*domain.PriceSample {
	samples := make(map[domain.MarketKey]*domain.PriceSample)
	for _, s := range strategies {
		samples[s.Key()] = nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)
	for key := range samples {
		g.Go(func() error {
			sample, err := e.feed.GetPrice(gctx, key.Token, key.Market)
			if err == nil && (sample.Price <= 0 || math.IsNaN(sample.Price) || math.IsInf(sample.Price, 0)) {
				err = fmt.Errorf("%w: unusable price %v", domain.ErrFeedUnavailable, sample.Price)
			}
			if err != nil {
				e.metrics.StaleGroups.WithLabelValues(key.Token).Inc()
				e.logger.Warn("price unavailable, group stale for this tick",
					slog.String("token", key.Token),
					slog.String("market", key.Market),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if sample.At.IsZero() {
				sample.At = e.now()
			}
			mu.Lock()
			samples[key] = &sample
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return samples
}

func (e *Engine) evaluate(ctx context.Context, s domain.Strategy, sample domain.PriceSample) (bool, error) {
	e.metrics.Evaluations.WithLabelValues(string(s.Kind)).Inc()

	if s.Kind == domain.KindCopyTrade {
		if err := e.store.RecordEvaluation(ctx, s.ID, sample.Price, sample.At, nil); err != nil {
			return false, fmt.Errorf("record evaluation: %w", err)
		}
		if e.replicator == nil {
			return false, nil
		}
		return e.replicate(ctx, s, sample)
	}

	decision, err := e.evaluator.Evaluate(s, sample.Price)
	if err != nil {
		return false, err
	}
	if err := e.store.RecordEvaluation(ctx, s.ID, sample.Price, sample.At, decision.HighWaterMark); err != nil {
		return false, fmt.Errorf("record evaluation: %w", err)
	}
	if !decision.Fire {
		return false, nil
	}

	s.LastEvaluatedPrice = &sample.Price
	if decision.HighWaterMark != nil {
		s.HighWaterMark = decision.HighWaterMark
	}
	return e.fire(ctx, domain.Trigger{
		Strategy:      s,
		ObservedPrice: sample.Price,
		ObservedAt:    sample.At,
	})
}

func (e *Engine) replicate(ctx context.Context, s domain.Strategy, sample domain.PriceSample) (bool, error) {
	trig, err := e.replicator.Evaluate(ctx, s, sample)
	if err != nil {
		return false, fmt.Errorf("replicate: %w", err)
	}
	if trig == nil {
		return false, nil
	}
	return e.fire(ctx, *trig)
}

// lastKnownSample stands in for a stale group's sample. The price is only a
// reference for the mirrored order and is zero when none was ever seen.
func (e *Engine) lastKnownSample(s domain.Strategy) domain.PriceSample {
	sample := domain.PriceSample{Token: s.Token, Market: s.Market, At: e.now()}
	if s.LastEvaluatedPrice != nil {
		sample.Price = *s.LastEvaluatedPrice
	}
	return sample
}

func (e *Engine) fire(ctx context.Context, t domain.Trigger) (bool, error) {
	err := e.dispatcher.Dispatch(ctx, t)
	if errors.Is(err, domain.ErrConcurrentModification) {
		e.logger.Debug("trigger lost status race",
			slog.String("strategy_id", t.Strategy.ID),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dispatch: %w", err)
	}

	e.metrics.Triggers.WithLabelValues(string(t.Strategy.Kind)).Inc()
	e.rememberTrigger(t)
	e.logger.Info("strategy fired",
		slog.String("strategy_id", t.Strategy.ID),
		slog.String("kind", string(t.Strategy.Kind)),
		slog.Float64("price", t.ObservedPrice),
	)
	return true, nil
}

// RecentTriggers returns up to limit most recent fired triggers, newest
// first.
func (e *Engine) RecentTriggers(limit int) []domain.Trigger {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.recentTriggers)
	if limit > n {
		limit = n
	}
	out := make([]domain.Trigger, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentTriggers[i])
	}
	return out
}

func (e *Engine) rememberTrigger(t domain.Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentTriggers = append(e.recentTriggers, t)
	if overflow := len(e.recentTriggers) - e.recentLimit; overflow > 0 {
		e.recentTriggers = append([]domain.Trigger(nil), e.recentTriggers[overflow:]...)
	}
}
