package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// TriggerSource exposes the engine's most recent triggers.
type TriggerSource interface {
	RecentTriggers(limit int) []domain.Trigger
}

// EventHistory reads the strategy event stream.
type EventHistory interface {
	History(ctx context.Context, lastID string, count int) ([]domain.StrategyEvent, string, error)
}

// StatusHandler serves process status, recent triggers and event history.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	triggers  TriggerSource
	events    EventHistory
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. triggers is nil when this
// process does not run the engine.
func NewStatusHandler(mode string, startedAt time.Time, triggers TriggerSource, events EventHistory, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		triggers:  triggers,
		events:    events,
		logger:    logHandler(logger, "status"),
	}
}

// GetStatus reports the run mode and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"engine":         h.triggers != nil,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

type triggerView struct {
	StrategyID    string              `json:"strategy_id"`
	Kind          domain.StrategyKind `json:"kind"`
	Owner         string              `json:"owner"`
	ObservedPrice float64             `json:"observed_price"`
	ObservedAt    time.Time           `json:"observed_at"`
	Side          domain.OrderSide    `json:"side"`
	Size          string              `json:"size"`
	Sequence      *int64              `json:"sequence,omitempty"`
}

// RecentTriggers lists the latest triggers, newest first.
// GET /api/triggers/recent?limit=50
func (h *StatusHandler) RecentTriggers(w http.ResponseWriter, r *http.Request) {
	if h.triggers == nil {
		writeError(w, http.StatusNotFound, "engine not running in this process")
		return
	}
	triggers := h.triggers.RecentTriggers(parseListOpts(r).Limit)
	out := make([]triggerView, 0, len(triggers))
	for _, t := range triggers {
		v := triggerView{
			StrategyID:    t.Strategy.ID,
			Kind:          t.Strategy.Kind,
			Owner:         t.Strategy.Owner,
			ObservedPrice: t.ObservedPrice,
			ObservedAt:    t.ObservedAt,
			Side:          t.Side(),
			Size:          t.Size().String(),
		}
		if t.Mirror != nil {
			seq := t.Mirror.Sequence
			v.Sequence = &seq
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": out})
}

// Events pages through the strategy event stream.
// GET /api/events?after=0&limit=100
func (h *StatusHandler) Events(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, last, err := h.events.History(r.Context(), after, limit)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []domain.StrategyEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "last_id": last})
}
