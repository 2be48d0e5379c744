package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/domain/domaintest"
	"github.com/alanyoungcy/triggerbot/internal/server/handler"
	"github.com/alanyoungcy/triggerbot/internal/service"
	"github.com/alanyoungcy/triggerbot/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTriggers struct{ triggers []domain.Trigger }

func (f fakeTriggers) RecentTriggers(limit int) []domain.Trigger {
	if len(f.triggers) > limit {
		return f.triggers[:limit]
	}
	return f.triggers
}

type apiFixture struct {
	handler    http.Handler
	strategies *memory.StrategyStore
}

type fixtureOpts struct {
	cfg      Config
	checks   map[string]handler.Check
	triggers handler.TriggerSource
	limiter  domain.RateLimiter
}

func newAPI(opts fixtureOpts) *apiFixture {
	logger := discardLogger()
	strategies := memory.NewStrategyStore()
	bus := memory.NewSignalBus()
	events := service.NewEventService(bus, nil, logger)
	svc := service.NewStrategyService(strategies, memory.NewExecutionStore(), memory.NewAuditStore(), events, nil, nil, logger)

	handlers := Handlers{
		Health:   handler.NewHealthHandler(opts.checks, logger),
		Strategy: handler.NewStrategyHandler(svc, nil, logger),
		Status:   handler.NewStatusHandler("full", domaintest.Epoch, opts.triggers, events, logger),
	}
	return &apiFixture{
		handler:    NewHandler(opts.cfg, handlers, nil, opts.limiter, logger),
		strategies: strategies,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func stopLossBody() map[string]any {
	return map[string]any{
		"owner":         domaintest.Wallet(1),
		"token":         domaintest.Token,
		"market":        domaintest.Market,
		"kind":          "stop_loss",
		"size":          "10",
		"trigger_price": 95,
	}
}

func TestStrategyLifecycle(t *testing.T) {
	api := newAPI(fixtureOpts{})

	rec, created := api.do(t, http.MethodPost, "/api/strategies", stopLossBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := created["id"].(string)
	assert.Equal(t, "active", created["status"])
	assert.Equal(t, "sell", created["side"])

	rec, got := api.do(t, http.MethodGet, "/api/strategies/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, got["id"])

	rec, list := api.do(t, http.MethodGet, "/api/strategies?owner="+domaintest.Wallet(1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list["strategies"], 1)

	rec, _ = api.do(t, http.MethodDelete, "/api/strategies/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "active strategies cannot be removed")

	rec, cancelled := api.do(t, http.MethodPost, "/api/strategies/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", cancelled["status"])

	rec, execs := api.do(t, http.MethodGet, "/api/strategies/"+id+"/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, execs["executions"])

	rec, _ = api.do(t, http.MethodDelete, "/api/strategies/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/strategies/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/archive/strategies/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel_TooLate(t *testing.T) {
	api := newAPI(fixtureOpts{})
	_, created := api.do(t, http.MethodPost, "/api/strategies", stopLossBody())
	id := created["id"].(string)

	ok, err := api.strategies.CompareAndSwapStatus(context.Background(), id,
		domain.StatusActive, domain.StatusTriggered, domain.StatusPatch{})
	require.NoError(t, err)
	require.True(t, ok)

	rec, body := api.do(t, http.MethodPost, "/api/strategies/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "too late")
}

func TestReactivate(t *testing.T) {
	api := newAPI(fixtureOpts{})
	_, created := api.do(t, http.MethodPost, "/api/strategies", stopLossBody())
	id := created["id"].(string)

	rec, _ := api.do(t, http.MethodPost, "/api/strategies/"+id+"/reactivate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "only failed strategies reactivate")

	ctx := context.Background()
	for _, step := range [][2]domain.StrategyStatus{
		{domain.StatusActive, domain.StatusTriggered},
		{domain.StatusTriggered, domain.StatusFailed},
	} {
		ok, err := api.strategies.CompareAndSwapStatus(ctx, id, step[0], step[1], domain.StatusPatch{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	rec, body := api.do(t, http.MethodPost, "/api/strategies/"+id+"/reactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", body["status"])
	assert.EqualValues(t, 1, body["generation"])
}

func TestCreate_Rejections(t *testing.T) {
	api := newAPI(fixtureOpts{})

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{
			name:  "foreign field",
			body:  map[string]any{"owner": domaintest.Wallet(1), "token": domaintest.Token, "market": domaintest.Market, "kind": "copy_trade", "size": "1", "copy_trader": domaintest.Wallet(2), "allocation_ratio": 0.5, "trigger_price": 3},
			field: "trigger_price",
		},
		{
			name:  "unknown kind",
			body:  map[string]any{"owner": domaintest.Wallet(1), "token": domaintest.Token, "market": domaintest.Market, "kind": "limit", "size": "1"},
			field: "kind",
		},
		{
			name: "unknown json field",
			body: map[string]any{"owner": domaintest.Wallet(1), "kind": "stop_loss", "bogus": true},
		},
		{
			name: "off-curve owner",
			body: map[string]any{"owner": domaintest.OffCurveAddress(), "token": domaintest.Token, "market": domaintest.Market, "kind": "stop_loss", "size": "1", "trigger_price": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := api.do(t, http.MethodPost, "/api/strategies", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			if tt.field != "" {
				assert.Equal(t, tt.field, body["field"])
			}
		})
	}

	rec, _ := api.do(t, http.MethodGet, "/api/strategies", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "owner is required")
}

func TestAuth(t *testing.T) {
	api := newAPI(fixtureOpts{cfg: Config{APIKey: "secret"}})

	rec, _ := api.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/status", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, status := api.do(t, http.MethodGet, "/api/status", nil, "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "full", status["mode"])

	rec, _ = api.do(t, http.MethodGet, "/api/status", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	api := newAPI(fixtureOpts{cfg: Config{RateLimit: 2}, limiter: memory.NewRateLimiter()})

	for i := 0; i < 2; i++ {
		rec, _ := api.do(t, http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := api.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec, _ = api.do(t, http.MethodGet, "/api/status", nil, "X-Forwarded-For", "10.0.0.9")
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own window")
}

func TestCORS_Preflight(t *testing.T) {
	api := newAPI(fixtureOpts{cfg: Config{CORSOrigins: []string{"https://app.example"}, APIKey: "secret"}})

	rec, _ := api.do(t, http.MethodOptions, "/api/strategies", nil, "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, _ = api.do(t, http.MethodOptions, "/api/strategies", nil, "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth_Degraded(t *testing.T) {
	api := newAPI(fixtureOpts{checks: map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}})

	rec, body := api.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, "connection refused", deps["redis"])
}

func TestEvents_History(t *testing.T) {
	api := newAPI(fixtureOpts{})
	_, created := api.do(t, http.MethodPost, "/api/strategies", stopLossBody())
	api.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%s/cancel", created["id"]), nil)

	rec, body := api.do(t, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "strategy.created", events[0].(map[string]any)["type"])
	assert.Equal(t, "strategy.cancelled", events[1].(map[string]any)["type"])

	rec, body = api.do(t, http.MethodGet, "/api/events?after="+body["last_id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["events"])
}

func TestAuditLog(t *testing.T) {
	api := newAPI(fixtureOpts{})
	_, created := api.do(t, http.MethodPost, "/api/strategies", stopLossBody())
	api.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%s/cancel", created["id"]), nil)

	rec, body := api.do(t, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2)
	newest := entries[0].(map[string]any)
	assert.Equal(t, "strategy.cancelled", newest["event"])
	assert.Equal(t, created["id"], newest["detail"].(map[string]any)["strategy_id"])

	rec, body = api.do(t, http.MethodGet, "/api/audit?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries = body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "strategy.created", entries[0].(map[string]any)["event"])
}

func TestRecentTriggers(t *testing.T) {
	rec, _ := newAPI(fixtureOpts{}).do(t, http.MethodGet, "/api/triggers/recent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no engine in this process")

	seq := int64(4)
	triggers := fakeTriggers{triggers: []domain.Trigger{
		{
			Strategy:      domaintest.CopyTrade("c1", domaintest.Wallet(2), 0.5),
			ObservedPrice: 1.5,
			ObservedAt:    domaintest.Epoch.Add(time.Minute),
			Mirror:        &domain.MirrorOrder{Sequence: seq, Side: domain.SideBuy, Size: decimal.NewFromInt(3)},
		},
		{
			Strategy:      domaintest.StopLoss("s1", 95),
			ObservedPrice: 94,
			ObservedAt:    domaintest.Epoch,
		},
	}}
	api := newAPI(fixtureOpts{triggers: triggers})

	rec, body := api.do(t, http.MethodGet, "/api/triggers/recent?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["triggers"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, "c1", first["strategy_id"])
	assert.Equal(t, "buy", first["side"])
	assert.Equal(t, "3", first["size"])
	assert.EqualValues(t, 4, first["sequence"])
}
