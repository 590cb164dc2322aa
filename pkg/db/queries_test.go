package db

import (
	"context"
	"testing"
	"time"

	"tradebot/pkg/exchange"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func TestCandleRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		c := exchange.Candle{
			Symbol:   "BTCUSDT",
			Interval: "1m",
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     100 + float64(i),
			High:     101 + float64(i),
			Low:      99 + float64(i),
			Close:    100.5 + float64(i),
			Volume:   10,
		}
		if err := d.AppendCandle(ctx, c); err != nil {
			t.Fatalf("append candle %d: %v", i, err)
		}
	}

	// Duplicate append must not change the stored row.
	dup := exchange.Candle{Symbol: "BTCUSDT", Interval: "1m", OpenTime: base, Open: 999, High: 999, Low: 999, Close: 999}
	if err := d.AppendCandle(ctx, dup); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}

	got, err := d.GetCandleRange(ctx, "BTCUSDT", "1m", base, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(got))
	}
	if got[0].Open != 100 {
		t.Errorf("duplicate append overwrote candle: open=%v", got[0].Open)
	}
	for i := 1; i < len(got); i++ {
		if !got[i].OpenTime.After(got[i-1].OpenTime) {
			t.Errorf("candles out of order at %d", i)
		}
	}

	last, err := d.LastCandleTime(ctx, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("last candle time: %v", err)
	}
	if !last.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("last candle time = %v", last)
	}
}

func TestOrderLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := Order{
		ID:       "ord-1",
		SignalID: "sig-1",
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "MARKET",
		Qty:      0.5,
		Status:   "PENDING",
	}
	if err := d.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	open, err := d.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "ord-1" {
		t.Fatalf("expected one open order, got %+v", open)
	}

	o.ExchangeOrderID = "X-100"
	o.Status = "FILLED"
	o.FilledQty = 0.5
	o.AvgPrice = 50000
	if err := d.UpdateOrder(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}

	open, err = d.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("filled order still listed as open: %+v", open)
	}
}

func TestPositionUpsertAndFlatRemoval(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p := Position{Symbol: "ETHUSDT", Qty: 2, AvgEntry: 3000}
	if err := d.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.Qty = 1
	p.RealizedPnL = 150
	if err := d.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	list, err := d.ListPositions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Qty != 1 || list[0].RealizedPnL != 150 {
		t.Fatalf("unexpected positions: %+v", list)
	}

	p.Qty = 0
	if err := d.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert flat: %v", err)
	}
	list, err = d.ListPositions(ctx)
	if err != nil {
		t.Fatalf("list after flat: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("flat position not removed: %+v", list)
	}
}

func TestRiskAlertResolve(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	a := RiskAlert{ID: "al-1", Level: "high", Type: "max_drawdown", Message: "drawdown 6.0% over limit 5.0%", Value: 0.06, Threshold: 0.05}
	if err := d.CreateRiskAlert(ctx, a); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if err := d.ResolveRiskAlert(ctx, "al-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	alerts, err := d.ListRiskAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if !alerts[0].Resolved || alerts[0].ResolvedAt == nil {
		t.Errorf("alert not marked resolved: %+v", alerts[0])
	}
}
