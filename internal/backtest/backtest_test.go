package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

// trendCandles builds a flat-then-rising close series so a moving
// average crossover goes long early in the ramp.
func trendCandles(symbol string, n int) []exchange.Candle {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	price := 100.0
	for i := range out {
		if i > n/3 {
			price += 0.5
		}
		out[i] = exchange.Candle{
			Symbol: symbol, Interval: "1m",
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     price, High: price, Low: price, Close: price, Volume: 1,
		}
	}
	return out
}

func TestRunProfitsOnTrend(t *testing.T) {
	cfg := Config{
		Strategy:       "ma_cross",
		Symbol:         "BTCUSDT",
		InitialBalance: 10000,
		OrderSize:      1,
	}
	res, err := Run(cfg, trendCandles("BTCUSDT", 300))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Trades == 0 {
		t.Fatal("no trades executed on a trending series")
	}
	if res.FinalEquity <= res.InitialBalance {
		t.Errorf("final equity %.2f not above initial %.2f", res.FinalEquity, res.InitialBalance)
	}
	if res.TotalReturn <= 0 {
		t.Errorf("total return = %v, want > 0", res.TotalReturn)
	}
	if res.MaxDrawdown < 0 || res.MaxDrawdown > 1 {
		t.Errorf("max drawdown out of range: %v", res.MaxDrawdown)
	}
	if res.Candles != 300 || len(res.EquityCurve) != 300 {
		t.Errorf("curve length = %d/%d, want 300", res.Candles, len(res.EquityCurve))
	}
}

func TestRunIsDeterministic(t *testing.T) {
	cfg := Config{Strategy: "ma_cross", Symbol: "BTCUSDT", InitialBalance: 10000, OrderSize: 1}
	candles := trendCandles("BTCUSDT", 200)

	a, err := Run(cfg, candles)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Run(cfg, candles)
	if err != nil {
		t.Fatal(err)
	}
	if a.FinalEquity != b.FinalEquity || a.Trades != b.Trades {
		t.Errorf("runs differ: %+v vs %+v", a, b)
	}
}

func TestFeesReduceReturns(t *testing.T) {
	candles := trendCandles("BTCUSDT", 300)
	free, err := Run(Config{Strategy: "ma_cross", Symbol: "BTCUSDT", InitialBalance: 10000, OrderSize: 1}, candles)
	if err != nil {
		t.Fatal(err)
	}
	costly, err := Run(Config{Strategy: "ma_cross", Symbol: "BTCUSDT", InitialBalance: 10000, OrderSize: 1, FeeRate: 0.002, SlippageBps: 10}, candles)
	if err != nil {
		t.Fatal(err)
	}
	if costly.FinalEquity >= free.FinalEquity {
		t.Errorf("fees did not reduce equity: %.2f vs %.2f", costly.FinalEquity, free.FinalEquity)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	candles := trendCandles("BTCUSDT", 10)
	if _, err := Run(Config{Strategy: "ma_cross", Symbol: "X", OrderSize: 1}, candles); err == nil {
		t.Error("zero balance accepted")
	}
	if _, err := Run(Config{Strategy: "ma_cross", Symbol: "X", InitialBalance: 1000}, candles); err == nil {
		t.Error("zero order size accepted")
	}
	if _, err := Run(Config{Strategy: "nope", Symbol: "X", InitialBalance: 1000, OrderSize: 1}, candles); err == nil {
		t.Error("unknown strategy accepted")
	}
	if _, err := Run(Config{Strategy: "ma_cross", Symbol: "X", InitialBalance: 1000, OrderSize: 1}, nil); err == nil {
		t.Error("empty candle set accepted")
	}
}

func TestSharpeAndSortinoFinite(t *testing.T) {
	res, err := Run(Config{Strategy: "rsi", Symbol: "BTCUSDT", InitialBalance: 10000, OrderSize: 1}, trendCandles("BTCUSDT", 300))
	if err != nil {
		t.Fatal(err)
	}
	for name, v := range map[string]float64{"sharpe": res.Sharpe, "sortino": res.Sortino, "var95": res.VaR95} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s is not finite: %v", name, v)
		}
	}
}

func TestPersistStoresRun(t *testing.T) {
	d, err := db.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatal(err)
	}

	cfg := Config{Strategy: "ma_cross", Symbol: "BTCUSDT", InitialBalance: 10000, OrderSize: 1}
	res, err := Run(cfg, trendCandles("BTCUSDT", 100))
	if err != nil {
		t.Fatal(err)
	}
	if err := Persist(context.Background(), d, cfg, res); err != nil {
		t.Fatalf("persist: %v", err)
	}

	var count int
	if err := d.DB.QueryRow(`SELECT COUNT(*) FROM backtest_runs`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("stored runs = %d, want 1", count)
	}
}
