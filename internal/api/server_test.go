package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/ledger"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/internal/services"
	"github.com/betbot/perpexec/internal/venue/paper"
	"github.com/betbot/perpexec/pkg/config"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

type testEnv struct {
	h  http.Handler
	ex *paper.Exchange
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Execution.DedupeWindow = 0

	ex := paper.New()
	lim := ratelimit.New(ratelimit.Config{BaseInterval: time.Nanosecond})
	guard := risk.NewGuard(cfg.Symbols, risk.CircuitBreakerConfig{MaxConsecutiveErrors: 5})

	store, err := ledger.OpenStore(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	cache, err := ledger.OpenStatsCache("")
	require.NoError(t, err)
	led := ledger.New(store, cache)
	t.Cleanup(func() { _ = led.Close() })

	svc := services.NewTradingService(cfg, ex, lim, guard, led)
	t.Cleanup(svc.Close)
	ex.SetOrderUpdateHandler(svc.OrderUpdateHandler())

	srv := New(Config{Mode: gin.TestMode, RequestTimeout: 5 * time.Second}, svc)
	return &testEnv{h: srv.Router(), ex: ex}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func decField(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "decimal 以字符串编码: %v", v)
	return decimal.RequireFromString(s)
}

func bracketBody(symbol string) map[string]any {
	return map[string]any{
		"symbol":      symbol,
		"side":        "buy",
		"entry_price": "100000",
		"qty":         "0.01",
		"stop_price":  "99000",
		"take_profits": []map[string]any{
			{"price": "101000", "percent": "50"},
			{"price": "102000", "percent": "50"},
		},
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	rec, body := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

func TestPlaceBracket(t *testing.T) {
	e := newTestEnv(t)

	rec, body := e.do(t, http.MethodPost, "/api/brackets", bracketBody("BTCUSDT"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "DONE", body["state"])
	legs, ok := body["submitted_legs"].([]any)
	require.True(t, ok)
	assert.Len(t, legs, 4)
}

func TestPlaceBracket_SymbolNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	rec, body := e.do(t, http.MethodPost, "/api/brackets", bracketBody("SOLUSDT"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "SymbolNotAllowed", body["kind"])
	assert.Empty(t, e.ex.Calls())
}

func TestPlaceBracket_Rejected(t *testing.T) {
	e := newTestEnv(t)
	req := bracketBody("BTCUSDT")
	req["qty"] = "0.0001"
	rec, body := e.do(t, http.MethodPost, "/api/brackets", req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "REJECTED", body["state"])
	assert.Equal(t, 0, e.ex.CallCount(paper.OpCreate))
}

func TestPlaceBracket_BadJSON(t *testing.T) {
	e := newTestEnv(t)
	rec, _ := e.do(t, http.MethodPost, "/api/brackets", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := bracketBody("BTCUSDT")
	req["ttl_seconds"] = -1
	rec, _ = e.do(t, http.MethodPost, "/api/brackets", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTTLLifecycle(t *testing.T) {
	e := newTestEnv(t)
	req := bracketBody("ETHUSDT")
	req["entry_price"] = "3000"
	req["qty"] = "0.1"
	req["stop_price"] = "2900"
	req["take_profits"] = []map[string]any{{"price": "3100", "percent": "100"}}
	req["ttl_seconds"] = 3600

	rec, body := e.do(t, http.MethodPost, "/api/brackets", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	taskID, _ := body["ttl_task_id"].(string)
	require.NotEmpty(t, taskID)

	rec, body = e.do(t, http.MethodGet, "/api/ttl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tasks"], 1)

	rec, _ = e.do(t, http.MethodDelete, "/api/ttl/"+taskID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodDelete, "/api/ttl/"+taskID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoundEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rec, body := e.do(t, http.MethodGet, "/api/symbols/BTCUSDT/round-price?price=100000.15&side=SELL", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decField(t, body["rounded"]).Equal(decimal.RequireFromString("100000.2")))

	rec, body = e.do(t, http.MethodGet, "/api/symbols/btcusdt/round-price?price=100000.15&side=buy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decField(t, body["rounded"]).Equal(decimal.RequireFromString("100000.1")))

	rec, body = e.do(t, http.MethodGet, "/api/symbols/ETHUSDT/round-qty?qty=1.23456", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decField(t, body["rounded"]).Equal(decimal.RequireFromString("1.234")))

	rec, _ = e.do(t, http.MethodGet, "/api/symbols/BTCUSDT/round-price?side=BUY", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/symbols/BTCUSDT/round-qty?qty=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, http.MethodGet, "/api/symbols/BTCUSDT/round-price?price=1&side=HOLD", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "ValidationFailed", body["kind"])

	rec, _ = e.do(t, http.MethodGet, "/api/symbols/DOGEUSDT/round-qty?qty=1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidateOrder(t *testing.T) {
	e := newTestEnv(t)
	rec, body := e.do(t, http.MethodPost, "/api/orders/validate", map[string]any{
		"symbol": "ETHUSDT", "price": "3000.005", "qty": "0.0051", "side": "BUY",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["valid"])
	adjusted, ok := body["adjusted"].(map[string]any)
	require.True(t, ok)
	assert.True(t, decField(t, adjusted["price"]).Equal(decimal.RequireFromString("3000")))
}

func TestAmendOrder(t *testing.T) {
	e := newTestEnv(t)
	rec, body := e.do(t, http.MethodPost, "/api/brackets", bracketBody("BTCUSDT"))
	require.Equal(t, http.StatusOK, rec.Code)
	legs := body["submitted_legs"].([]any)
	entryID := legs[0].(map[string]any)["order_id"].(string)

	rec, body = e.do(t, http.MethodPost, "/api/orders/amend", map[string]any{
		"symbol": "BTCUSDT", "order_id": entryID, "new_price": "99900",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "edit", body["method"])

	rec, body = e.do(t, http.MethodPost, "/api/orders/amend", map[string]any{
		"symbol": "BTCUSDT", "order_id": "missing", "new_price": "99900",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, "OrderNotFound", body["kind"])
}

func TestTradePlans(t *testing.T) {
	e := newTestEnv(t)
	plan := map[string]any{"plan_id": "p-1", "template_id": "breakout", "symbol": "BTCUSDT", "side": "LONG"}

	rec, body := e.do(t, http.MethodPost, "/api/plans", plan)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["created"])

	rec, _ = e.do(t, http.MethodPost, "/api/plans", map[string]any{
		"plan_id": "p-1",
		"outcome": map[string]any{"status": "TP_HIT", "pnl": "42", "rr": 2.0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = e.do(t, http.MethodGet, "/api/plans/p-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "breakout", body["template_id"])

	rec, _ = e.do(t, http.MethodGet, "/api/plans/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = e.do(t, http.MethodGet, "/api/templates/breakout/stats?symbol=BTCUSDT", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["total_trades"])
	assert.EqualValues(t, 1, body["wins"])

	rec, _ = e.do(t, http.MethodPost, "/api/plans", map[string]any{"plan_id": "p-2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "新计划缺少 template_id")
}

func TestRiskEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rec, body := e.do(t, http.MethodPost, "/api/symbols/BTCUSDT/leverage", map[string]any{"leverage": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["changed"])

	rec, body = e.do(t, http.MethodPost, "/api/symbols/BTCUSDT/leverage", map[string]any{"leverage": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["changed"])

	rec, _ = e.do(t, http.MethodGet, "/api/symbols/BTCUSDT/leverage-tiers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/api/symbols/BTCUSDT/positions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/api/symbols/BTCUSDT/rules", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/risk/BTCUSDT/halt", map[string]any{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/api/brackets", bracketBody("BTCUSDT"))
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "TradingHalted", body["kind"])

	rec, body = e.do(t, http.MethodGet, "/api/risk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	syms := body["symbols"].([]any)
	assert.Equal(t, true, syms[0].(map[string]any)["halted"])

	rec, _ = e.do(t, http.MethodPost, "/api/risk/btcusdt/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/api/brackets", bracketBody("BTCUSDT"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/risk/XRPUSDT/halt", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
