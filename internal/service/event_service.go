package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// Bus channel and stream carrying strategy lifecycle events.
const (
	StrategyChannel = "ch:strategy"
	StrategyStream  = "stream:strategy"
)

// EventNotifier forwards selected events to the strategy owner.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.StrategyEvent) error
}

// atomicPublisher is implemented by buses that can publish and append in one
// round trip.
type atomicPublisher interface {
	PublishAndAppend(ctx context.Context, channel, stream string, payload []byte) error
}

// EventService implements domain.EventPublisher on top of the SignalBus and
// hands executed and failed events to the notifier.
type EventService struct {
	bus      domain.SignalBus
	notifier EventNotifier
	logger   *slog.Logger
}

// NewEventService creates an EventService. notifier may be nil.
func NewEventService(bus domain.SignalBus, notifier EventNotifier, logger *slog.Logger) *EventService {
	return &EventService{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_service")),
	}
}

// PublishStrategyEvent publishes ev on StrategyChannel and appends it to
// StrategyStream.
func (s *EventService) PublishStrategyEvent(ctx context.Context, ev domain.StrategyEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event_service: marshal %s: %w", ev.Type, err)
	}

	if ap, ok := s.bus.(atomicPublisher); ok {
		err = ap.PublishAndAppend(ctx, StrategyChannel, StrategyStream, payload)
	} else {
		err = s.bus.Publish(ctx, StrategyChannel, payload)
		if err == nil {
			err = s.bus.StreamAppend(ctx, StrategyStream, payload)
		}
	}
	if err != nil {
		err = fmt.Errorf("event_service: publish %s: %w", ev.Type, err)
	}

	if s.notifier != nil && (ev.Type == domain.EventExecuted || ev.Type == domain.EventFailed) {
		if nerr := s.notifier.NotifyEvent(ctx, ev); nerr != nil {
			s.logger.WarnContext(ctx, "notification failed",
				slog.String("strategy_id", ev.StrategyID),
				slog.String("event", string(ev.Type)),
				slog.String("error", nerr.Error()),
			)
		}
	}
	return err
}

// History returns up to count events recorded after lastID ("0" for the
// beginning).
func (s *EventService) History(ctx context.Context, lastID string, count int) ([]domain.StrategyEvent, string, error) {
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := s.bus.StreamRead(ctx, StrategyStream, lastID, count)
	if err != nil {
		return nil, lastID, fmt.Errorf("event_service: read history: %w", err)
	}
	out := make([]domain.StrategyEvent, 0, len(msgs))
	for _, m := range msgs {
		var ev domain.StrategyEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			s.logger.WarnContext(ctx, "skipping malformed event", slog.String("id", m.ID))
			continue
		}
		out = append(out, ev)
		lastID = m.ID
	}
	return out, lastID, nil
}
