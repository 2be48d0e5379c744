package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// StrategyService is what the strategy endpoints need from the service
// layer.
type StrategyService interface {
	Create(ctx context.Context, def domain.StrategyDef) (domain.Strategy, error)
	Get(ctx context.Context, id string) (domain.Strategy, error)
	List(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Strategy, error)
	Cancel(ctx context.Context, id string) (domain.Strategy, error)
	Reactivate(ctx context.Context, id string) (domain.Strategy, error)
	Remove(ctx context.Context, id string) error
	Executions(ctx context.Context, id string) ([]domain.ExecutionRecord, error)
	AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// ArchiveLoader reads back the archive of a removed strategy.
type ArchiveLoader interface {
	Load(ctx context.Context, strategyID string) (domain.Strategy, []domain.ExecutionRecord, error)
}

// StrategyHandler serves the strategy lifecycle endpoints.
type StrategyHandler struct {
	strategies StrategyService
	archive    ArchiveLoader
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler. archive may be nil.
func NewStrategyHandler(strategies StrategyService, archive ArchiveLoader, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		strategies: strategies,
		archive:    archive,
		logger:     logHandler(logger, "strategy"),
	}
}

// createStrategyRequest is the body of POST /api/strategies. Only the fields
// of the chosen kind may be set.
type createStrategyRequest struct {
	Owner  string              `json:"owner"`
	Token  string              `json:"token"`
	Market string              `json:"market"`
	Kind   domain.StrategyKind `json:"kind"`
	Side   domain.OrderSide    `json:"side"`
	Size   *decimal.Decimal    `json:"size"`

	TriggerPrice     *float64 `json:"trigger_price"`
	TrailingDistance *float64 `json:"trailing_distance"`
	Rearm            bool     `json:"rearm"`
	InitialPrice     *float64 `json:"initial_price"`
	CopyTrader       string   `json:"copy_trader"`
	AllocationRatio  *float64 `json:"allocation_ratio"`
}

func (req createStrategyRequest) toDef() (domain.StrategyDef, error) {
	def := domain.StrategyDef{
		Owner:  req.Owner,
		Token:  req.Token,
		Market: req.Market,
		Side:   req.Side,
	}
	if req.Size != nil {
		def.Size = *req.Size
	}

	switch req.Kind {
	case domain.KindStopLoss:
		def.Params = domain.StopLossParams{TriggerPrice: deref(req.TriggerPrice)}
	case domain.KindTakeProfit:
		def.Params = domain.TakeProfitParams{TriggerPrice: deref(req.TriggerPrice)}
	case domain.KindTrailingStop:
		def.Params = domain.TrailingStopParams{
			Distance:     deref(req.TrailingDistance),
			Rearm:        req.Rearm,
			InitialPrice: deref(req.InitialPrice),
		}
	case domain.KindCopyTrade:
		def.Params = domain.CopyTradeParams{
			Trader:          req.CopyTrader,
			AllocationRatio: deref(req.AllocationRatio),
		}
	default:
		return def, &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", req.Kind)}
	}

	if err := req.checkForeignFields(); err != nil {
		return def, err
	}
	return def, nil
}

// checkForeignFields rejects parameters that belong to another kind.
func (req createStrategyRequest) checkForeignFields() error {
	foreign := func(field string) error {
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("not allowed for %s", req.Kind)}
	}
	trigger := req.Kind == domain.KindStopLoss || req.Kind == domain.KindTakeProfit
	if !trigger && req.TriggerPrice != nil {
		return foreign("trigger_price")
	}
	if req.Kind != domain.KindTrailingStop {
		switch {
		case req.TrailingDistance != nil:
			return foreign("trailing_distance")
		case req.InitialPrice != nil:
			return foreign("initial_price")
		case req.Rearm:
			return foreign("rearm")
		}
	}
	if req.Kind != domain.KindCopyTrade {
		if req.CopyTrader != "" {
			return foreign("copy_trader")
		}
		if req.AllocationRatio != nil {
			return foreign("allocation_ratio")
		}
	}
	return nil
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Create registers a strategy.
// POST /api/strategies
func (h *StrategyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createStrategyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	def, err := req.toDef()
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	st, err := h.strategies.Create(r.Context(), def)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// List returns an owner's strategies.
// GET /api/strategies?owner=...&limit=50&offset=0
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	list, err := h.strategies.List(r.Context(), owner, parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": list})
}

// Get returns one strategy.
// GET /api/strategies/{id}
func (h *StrategyHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Cancel cancels an active strategy; 409 when a trigger got there first.
// POST /api/strategies/{id}/cancel
func (h *StrategyHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Reactivate re-arms a failed strategy.
// POST /api/strategies/{id}/reactivate
func (h *StrategyHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Reactivate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Remove purges a terminal strategy.
// DELETE /api/strategies/{id}
func (h *StrategyHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.strategies.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Executions lists the execution records of a strategy.
// GET /api/strategies/{id}/executions
func (h *StrategyHandler) Executions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.strategies.Executions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit lists owner-initiated lifecycle changes, newest first.
// GET /api/audit?limit=50&offset=0
func (h *StrategyHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.strategies.AuditLog(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// Archived returns the archive of a removed strategy.
// GET /api/archive/strategies/{id}
func (h *StrategyHandler) Archived(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	st, recs, err := h.archive.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": st, "executions": recs})
}
