package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/auth"
	"tradeengine/internal/broker"
	"tradeengine/internal/catalog"
	"tradeengine/internal/models"
	"tradeengine/internal/optionchain"
	"tradeengine/internal/position"
	"tradeengine/internal/repository/memory"
	"tradeengine/internal/service"
	"tradeengine/internal/strategylock"
)

// a Tuesday
var tuesday = time.Date(2024, 1, 23, 6, 0, 0, 0, time.UTC)

type env struct {
	router  *gin.Engine
	repo    *memory.Store
	trading *TradingHandler
	now     time.Time
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newEnv(t *testing.T, secret string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{repo: memory.New(), now: tuesday}
	d := &service.Dispatcher{
		Positions: &position.Store{Repo: e.repo, Redis: rdb},
		Catalog:   &catalog.Catalog{Redis: rdb},
		Chain:     &optionchain.View{Redis: rdb},
		Brokers:   &broker.Registry{Repo: e.repo, Paper: broker.NewPaper()},
		Locks:     &strategylock.Locker{},
		Repo:      e.repo,
		Rules:     service.DefaultExpiryRules(),
		Submit: broker.SubmitOptions{
			Sleep: func(context.Context, time.Duration) error { return nil },
		},
		Now: func() time.Time { return e.now },
	}

	e.router = gin.New()
	(&StrategyHandler{Repo: e.repo}).Register(e.router)
	e.trading = &TradingHandler{Repo: e.repo, Dispatcher: d, Direct: &service.DirectService{Dispatcher: d}}
	e.trading.Register(e.router)
	(&WebhookHandler{Lifecycle: &service.Lifecycle{Dispatcher: d, LookupAttempts: 1}, Secret: secret}).Register(e.router)
	(&CronHandler{Rollover: &service.Rollover{Dispatcher: d}, MarkToMarket: &service.MarkToMarket{Dispatcher: d}}).Register(e.router)
	(&HealthHandler{}).Register(e.router)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any, header map[string]string) (int, envelope) {
	t.Helper()
	var raw []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		raw = v
	default:
		var err error
		raw, err = json.Marshal(v)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var out envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (e *env) createCFD(t *testing.T) models.Strategy {
	t.Helper()
	code, res := e.do(t, http.MethodPost, "/api/strategy", map[string]any{
		"name":                    "eurusd trend",
		"symbol":                  "eurusd",
		"instrument_class":        "cfd",
		"position_bias":           "long",
		"instrument":              "EUR_USD",
		"funds":                   "10000",
		"min_quantity":            "1000",
		"margin_for_min_quantity": "1000",
		"incremental_step_size":   "1000",
		"funds_usage":             "0.5",
	}, nil)
	require.Equal(t, http.StatusOK, code, res.Message)
	var st models.Strategy
	require.NoError(t, json.Unmarshal(res.Data, &st))
	require.NotZero(t, st.ID)
	return st
}

func TestCreateStrategy(t *testing.T) {
	e := newEnv(t, "")
	st := e.createCFD(t)
	require.Equal(t, "EURUSD", st.Symbol)
	require.True(t, st.InitialFunds.Equal(st.Funds))
	require.True(t, st.Compounding)

	code, res := e.do(t, http.MethodGet, "/api/strategy", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var items []models.Strategy
	require.NoError(t, json.Unmarshal(res.Data, &items))
	require.Len(t, items, 1)
}

func TestCreateStrategyValidation(t *testing.T) {
	e := newEnv(t, "")
	code, res := e.do(t, http.MethodPost, "/api/strategy", map[string]any{
		"name":             "bad",
		"symbol":           "BANKNIFTY",
		"instrument_class": "swaps",
		"min_quantity":     "0",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, res.Message, "instrument_class")
	require.Contains(t, res.Message, "min_quantity")

	code, _ = e.do(t, http.MethodPost, "/api/strategy", []byte("{"), nil)
	require.Equal(t, http.StatusBadRequest, code)

	brokerID := uint64(77)
	code, res = e.do(t, http.MethodPost, "/api/strategy", map[string]any{
		"name": "x", "symbol": "NIFTY", "instrument_class": "futures",
		"min_quantity": "50", "margin_for_min_quantity": "100000", "incremental_step_size": "50",
		"broker_id": brokerID,
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "broker not found", res.Message)
}

func TestCFDSignalRoundTrip(t *testing.T) {
	e := newEnv(t, "")
	st := e.createCFD(t)

	code, res := e.do(t, http.MethodPost, "/api/trading/cfd", map[string]any{
		"strategy_id": st.ID, "action": "sell", "future_entry_price_received": "1.085",
	}, nil)
	require.Equal(t, http.StatusOK, code, res.Message)
	var sum summaryResponse
	require.NoError(t, json.Unmarshal(res.Data, &sum))
	require.Equal(t, "opened EUR_USD SHORT x 5000 @ 1.085", sum.Summary)

	code, res = e.do(t, http.MethodGet, fmt.Sprintf("/api/trading/nfo?strategy_id=%d", st.ID), nil, nil)
	require.Equal(t, http.StatusOK, code)
	var trades []models.Trade
	require.NoError(t, json.Unmarshal(res.Data, &trades))
	require.Len(t, trades, 1)
	require.Equal(t, "EUR_USD", trades[0].Instrument)
}

func TestSignalTokenScope(t *testing.T) {
	e := newEnv(t, "")
	st := e.createCFD(t)

	j := auth.JWT{Secret: []byte("s3cret"), TokenTTL: time.Minute}
	e.router = gin.New()
	e.trading.Register(e.router.Group("", auth.Middleware(j)))

	body := map[string]any{"strategy_id": st.ID, "action": "sell", "future_entry_price_received": "1.085"}
	other, _, err := j.Sign(auth.SignalClaims("tradingview", st.ID+1))
	require.NoError(t, err)
	code, res := e.do(t, http.MethodPost, "/api/trading/cfd", body, map[string]string{"Authorization": "Bearer " + other})
	require.Equal(t, http.StatusForbidden, code)
	require.Contains(t, res.Message, "may not trade")
	require.Empty(t, e.repo.Trades(st.ID))

	own, _, err := j.Sign(auth.SignalClaims("tradingview", st.ID))
	require.NoError(t, err)
	code, res = e.do(t, http.MethodPost, "/api/trading/cfd", body, map[string]string{"Authorization": "Bearer " + own})
	require.Equal(t, http.StatusOK, code, res.Message)
	require.Len(t, e.repo.Trades(st.ID), 1)
}

func TestSignalErrors(t *testing.T) {
	e := newEnv(t, "")
	st := e.createCFD(t)

	code, _ := e.do(t, http.MethodPost, "/api/trading/nfo", map[string]any{
		"strategy_id": st.ID, "action": "hold",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/api/trading/nfo", map[string]any{
		"strategy_id": 999, "action": "buy",
	}, nil)
	require.Equal(t, http.StatusNotFound, code)

	code, res := e.do(t, http.MethodPost, "/api/trading/angelone/nfo", map[string]any{
		"strategy_id": st.ID, "action": "buy",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, res.Message, "angelone")
}

func TestWebhookSignature(t *testing.T) {
	e := newEnv(t, "hook-secret")
	body := []byte(`{"orderid":"1","uniqueorderid":"u-1","orderstatus":"open pending"}`)

	code, res := e.do(t, http.MethodPost, "/api/trading/angelone/webhook/orders/updates", body,
		map[string]string{SignatureHeader: "deadbeef"})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid signature", res.Message)

	code, res = e.do(t, http.MethodPost, "/api/trading/angelone/webhook/orders/updates", body,
		map[string]string{SignatureHeader: Sign("hook-secret", body)})
	require.Equal(t, http.StatusOK, code, res.Message)
	var msg messageResponse
	require.NoError(t, json.Unmarshal(res.Data, &msg))
	require.Equal(t, "Order processed successfully", msg.Message)

	missing := []byte(`{"orderstatus":"complete"}`)
	code, _ = e.do(t, http.MethodPost, "/api/trading/angelone/webhook/orders/updates", missing,
		map[string]string{SignatureHeader: Sign("hook-secret", missing)})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestValidSignature(t *testing.T) {
	body := []byte("payload")
	sig := Sign("k", body)
	if !ValidSignature("k", body, sig) {
		t.Fatalf("signature %s rejected", sig)
	}
	for _, bad := range []string{"", "zz", Sign("other", body)} {
		if ValidSignature("k", body, bad) {
			t.Fatalf("signature %q accepted", bad)
		}
	}
}

func TestCronEndpoints(t *testing.T) {
	e := newEnv(t, "")
	code, res := e.do(t, http.MethodGet, "/api/cron/rollover_to_next_expiry", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var roll service.RolloverResult
	require.NoError(t, json.Unmarshal(res.Data, &roll))
	require.Equal(t, "nothing to roll over", roll.Message)

	e.now = time.Date(2024, 1, 27, 10, 15, 0, 0, time.UTC) // Saturday
	code, res = e.do(t, http.MethodGet, "/api/cron/update/daily_profit", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var mark service.MarkResult
	require.NoError(t, json.Unmarshal(res.Data, &mark))
	require.True(t, mark.Skipped)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, "")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "db_missing")
}
