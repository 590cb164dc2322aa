package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/internal/state"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

func newTestServer(t *testing.T, serverCfg config.ServerConfig) *Server {
	t.Helper()
	bus := events.NewBus()
	sim := exchange.NewSim(exchange.SimConfig{Seed: 1})
	sim.SetPrice("BTCUSDT", 100)
	book := state.NewBook(10000, nil)
	orders := order.NewManager(order.Config{MaxRetries: 1, RetryBase: time.Millisecond, PollInterval: 5 * time.Millisecond, TrackTimeout: time.Second}, sim, book, bus, nil)
	riskMgr := risk.NewManager(risk.Limits{MaxLeverage: 10}, risk.VaRHistorical, bus, nil)
	eng := engine.New(engine.Config{Strategy: "ma_cross", Symbols: []string{"BTCUSDT"}, OrderSize: 1, StatusEvery: time.Hour},
		nil, orders, riskMgr, book, bus)

	store, err := db.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatal(err)
	}

	return NewServer(serverCfg, eng, orders, riskMgr, book, store, bus, prometheus.NewRegistry())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Addr: ":0"})
	w := doJSON(t, s.Router(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["instance_id"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestEngineControlFlow(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Addr: ":0"})
	r := s.Router()

	if w := doJSON(t, r, http.MethodPost, "/api/v1/engine/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", w.Code, w.Body)
	}
	// Double start conflicts.
	if w := doJSON(t, r, http.MethodPost, "/api/v1/engine/start", nil); w.Code != http.StatusConflict {
		t.Errorf("double start = %d, want 409", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/v1/engine/pause", nil); w.Code != http.StatusOK {
		t.Errorf("pause = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/v1/engine/resume", nil); w.Code != http.StatusOK {
		t.Errorf("resume = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/v1/engine/stop", nil); w.Code != http.StatusOK {
		t.Errorf("stop = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/engine/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st engine.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != engine.StateStopped {
		t.Errorf("engine state = %s, want stopped", st.State)
	}
}

func TestEmergencyStopEndsStopped(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Addr: ":0"})
	r := s.Router()

	doJSON(t, r, http.MethodPost, "/api/v1/engine/start", nil)
	w := doJSON(t, r, http.MethodPost, "/api/v1/engine/emergency-stop", map[string]string{"reason": "drill"})
	if w.Code != http.StatusOK {
		t.Fatalf("emergency = %d: %s", w.Code, w.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	// A clean close-out lands in stopped, not parked in emergency.
	if body["state"] != string(engine.StateStopped) {
		t.Errorf("state after emergency = %q, want stopped", body["state"])
	}
	// Reset only applies to an engine parked in emergency.
	if w := doJSON(t, r, http.MethodPost, "/api/v1/engine/reset", nil); w.Code != http.StatusConflict {
		t.Errorf("reset from stopped = %d, want 409", w.Code)
	}
	// A stopped engine can start a fresh run.
	if w := doJSON(t, r, http.MethodPost, "/api/v1/engine/start", nil); w.Code != http.StatusOK {
		t.Errorf("restart after emergency = %d: %s", w.Code, w.Body)
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Addr: ":0", JWTSecret: "topsecret"})
	r := s.Router()

	if w := doJSON(t, r, http.MethodGet, "/api/v1/engine/status", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}
	// Health stays open.
	if w := doJSON(t, r, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/token", map[string]string{"secret": "topsecret"})
	if w.Code != http.StatusOK {
		t.Fatalf("token = %d: %s", w.Code, w.Body)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/engine/status", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d: %s", rec.Code, rec.Body)
	}

	if w := doJSON(t, r, http.MethodPost, "/api/v1/auth/token", map[string]string{"secret": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret = %d, want 401", w.Code)
	}
}

func TestBacktestEndpoint(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Addr: ":0"})
	r := s.Router()

	// Seed candles: flat then trending up.
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < 200; i++ {
		if i > 60 {
			price += 0.5
		}
		c := exchange.Candle{Symbol: "BTCUSDT", Interval: "1m", OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open: price, High: price, Low: price, Close: price, Volume: 1}
		if err := s.store.AppendCandle(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}

	req := map[string]any{
		"strategy":        "ma_cross",
		"symbol":          "BTCUSDT",
		"interval":        "1m",
		"from":            base,
		"to":              base.Add(300 * time.Minute),
		"initial_balance": 10000,
		"order_size":      1,
	}
	w := doJSON(t, r, http.MethodPost, "/api/v1/backtest", req)
	if w.Code != http.StatusOK {
		t.Fatalf("backtest = %d: %s", w.Code, w.Body)
	}
	var res map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["candles"].(float64) != 200 {
		t.Errorf("candles = %v", res["candles"])
	}
}

func TestValidateConfigEndpoint(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Addr: ":0"})
	r := s.Router()

	good := config.Default()
	if w := doJSON(t, r, http.MethodPost, "/api/v1/config/validate", good); w.Code != http.StatusOK {
		t.Errorf("valid config = %d: %s", w.Code, w.Body)
	}

	bad := config.Default()
	bad.Trading.OrderSize = -1
	w := doJSON(t, r, http.MethodPost, "/api/v1/config/validate", bad)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid config = %d, want 422", w.Code)
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Addr: ":0", RateLimit: 2})
	r := s.Router()

	limited := false
	for i := 0; i < 20; i++ {
		if w := doJSON(t, r, http.MethodGet, "/health", nil); w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limit never triggered")
	}
}
