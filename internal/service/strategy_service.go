// Package service holds the strategy lifecycle operations used by the HTTP
// API and the event fan-out to subscribers and notifiers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/observability"
)

// StrategyService creates strategies and applies owner-initiated status
// changes. Every status change goes through the store's CAS so it races
// safely with the engine.
type StrategyService struct {
	strategies domain.StrategyStore
	executions domain.ExecutionStore
	audit      domain.AuditStore
	events     domain.EventPublisher
	archiver   domain.StrategyArchiver
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewStrategyService creates a StrategyService. events and archiver may be
// nil.
func NewStrategyService(
	strategies domain.StrategyStore,
	executions domain.ExecutionStore,
	audit domain.AuditStore,
	events domain.EventPublisher,
	archiver domain.StrategyArchiver,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *StrategyService {
	if metrics == nil {
		metrics = observability.Discard()
	}
	return &StrategyService{
		strategies: strategies,
		executions: executions,
		audit:      audit,
		events:     events,
		archiver:   archiver,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "strategy_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create validates def and stores a new active strategy. Ids are UUIDv7 so
// ascending id order is creation order.
func (s *StrategyService) Create(ctx context.Context, def domain.StrategyDef) (domain.Strategy, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: generate id: %w", err)
	}
	st, err := domain.NewStrategy(id.String(), def, s.now())
	if err != nil {
		return domain.Strategy{}, err
	}
	if err := s.strategies.Create(ctx, st); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: create: %w", err)
	}

	s.record(ctx, domain.EventCreated, st, "")
	s.logger.InfoContext(ctx, "strategy created",
		slog.String("strategy_id", st.ID),
		slog.String("owner", st.Owner),
		slog.String("kind", string(st.Kind)),
	)
	return st, nil
}

// Get returns a strategy by id.
func (s *StrategyService) Get(ctx context.Context, id string) (domain.Strategy, error) {
	return s.strategies.Get(ctx, id)
}

// List returns the strategies of owner.
func (s *StrategyService) List(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Strategy, error) {
	if err := domain.ValidateAddress(owner); err != nil {
		return nil, &domain.ValidationError{Field: "owner", Reason: err.Error()}
	}
	return s.strategies.ListByOwner(ctx, owner, opts)
}

// Cancel moves an active strategy to cancelled. When a trigger already won
// the race the result wraps ErrTooLate and the execution proceeds.
func (s *StrategyService) Cancel(ctx context.Context, id string) (domain.Strategy, error) {
	ok, err := s.strategies.CompareAndSwapStatus(ctx, id, domain.StatusActive, domain.StatusCancelled, domain.StatusPatch{})
	if err != nil {
		return domain.Strategy{}, err
	}
	st, err := s.strategies.Get(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	if !ok {
		s.metrics.Cancellations.WithLabelValues("too_late").Inc()
		return st, fmt.Errorf("strategy %s is %s: %w", id, st.Status, domain.ErrTooLate)
	}

	s.metrics.Cancellations.WithLabelValues("cancelled").Inc()
	s.record(ctx, domain.EventCancelled, st, "")
	s.logger.InfoContext(ctx, "strategy cancelled", slog.String("strategy_id", id))
	return st, nil
}

// Reactivate re-arms a failed strategy on the owner's request. The trailing
// mark is cleared and the generation bumped so the next trigger gets a
// fresh idempotency key.
func (s *StrategyService) Reactivate(ctx context.Context, id string) (domain.Strategy, error) {
	patch := domain.StatusPatch{ClearTrigger: true, ClearHighWaterMark: true, BumpGeneration: true}
	ok, err := s.strategies.CompareAndSwapStatus(ctx, id, domain.StatusFailed, domain.StatusActive, patch)
	if err != nil {
		return domain.Strategy{}, err
	}
	st, err := s.strategies.Get(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	if !ok {
		return st, fmt.Errorf("strategy %s is %s, only failed strategies can be reactivated: %w",
			id, st.Status, domain.ErrConcurrentModification)
	}

	s.record(ctx, domain.EventReactivated, st, "")
	s.logger.InfoContext(ctx, "strategy reactivated",
		slog.String("strategy_id", id),
		slog.Int("generation", st.Generation),
	)
	return st, nil
}

// Remove purges a strategy in a terminal state. The strategy and its
// execution history are archived first when an archiver is configured.
func (s *StrategyService) Remove(ctx context.Context, id string) error {
	st, err := s.strategies.Get(ctx, id)
	if err != nil {
		return err
	}
	if !st.Status.Terminal() {
		return fmt.Errorf("strategy %s is %s: %w", id, st.Status, domain.ErrNotTerminal)
	}

	var archived string
	if s.archiver != nil {
		execs, err := s.executions.ListByStrategy(ctx, id)
		if err != nil {
			return fmt.Errorf("strategy_service: list executions %s: %w", id, err)
		}
		archived, err = s.archiver.ArchiveStrategy(ctx, st, execs)
		if err != nil {
			return fmt.Errorf("strategy_service: archive %s: %w", id, err)
		}
	}

	if err := s.strategies.SoftDelete(ctx, id, s.now()); err != nil {
		return fmt.Errorf("strategy_service: delete %s: %w", id, err)
	}

	s.record(ctx, domain.EventRemoved, st, archived)
	s.logger.InfoContext(ctx, "strategy removed",
		slog.String("strategy_id", id),
		slog.String("archive", archived),
	)
	return nil
}

// Executions returns the execution records of a strategy.
func (s *StrategyService) Executions(ctx context.Context, id string) ([]domain.ExecutionRecord, error) {
	if _, err := s.strategies.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.executions.ListByStrategy(ctx, id)
}

// AuditLog returns audit entries.
func (s *StrategyService) AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.audit.List(ctx, opts)
}

// record audits and publishes an owner-initiated change. Failures are
// logged; the status change itself already happened.
func (s *StrategyService) record(ctx context.Context, t domain.EventType, st domain.Strategy, archive string) {
	detail := map[string]any{
		"strategy_id": st.ID,
		"owner":       st.Owner,
		"kind":        string(st.Kind),
		"status":      string(st.Status),
	}
	if archive != "" {
		detail["archive"] = archive
	}
	if err := s.audit.Log(ctx, string(t), detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("strategy_id", st.ID),
			slog.String("error", err.Error()),
		)
	}

	if s.events == nil {
		return
	}
	ev := domain.NewStrategyEvent(t, st, s.now())
	if err := s.events.PublishStrategyEvent(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "event publish failed",
			slog.String("strategy_id", st.ID),
			slog.String("error", err.Error()),
		)
	}
}
