package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tradebot/internal/events"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/pkg/exchange"
)

func TestMetricsTrackOrderAndRiskEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := events.NewBus()
	m := New(metrics, bus, nil)
	m.Start(context.Background())
	defer m.Stop()

	bus.Publish(events.EventOrderSubmitted, order.Order{Symbol: "BTCUSDT", Side: exchange.SideBuy})
	bus.Publish(events.EventOrderFailed, order.Order{Symbol: "BTCUSDT", Side: exchange.SideSell, FailReason: "x"})
	bus.Publish(events.EventRiskAlert, risk.Alert{Type: "max_drawdown", Message: "m"})
	bus.Publish(events.EventRiskDenial, risk.Denial{Check: "max_leverage"})
	bus.Publish(events.EventCandle, exchange.Candle{Symbol: "BTCUSDT"})

	// Handlers are asynchronous; poll briefly.
	deadline := time.After(2 * time.Second)
	for {
		done := testutil.ToFloat64(metrics.OrdersPlaced.WithLabelValues("BTCUSDT", "BUY")) == 1 &&
			testutil.ToFloat64(metrics.OrdersFailed) == 1 &&
			testutil.ToFloat64(metrics.RiskAlerts.WithLabelValues("max_drawdown")) == 1 &&
			testutil.ToFloat64(metrics.RiskDenials) == 1 &&
			testutil.ToFloat64(metrics.CandlesSeen) == 1
		if done {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("metrics not updated: placed=%v failed=%v alerts=%v denials=%v candles=%v",
				testutil.ToFloat64(metrics.OrdersPlaced.WithLabelValues("BTCUSDT", "BUY")),
				testutil.ToFloat64(metrics.OrdersFailed),
				testutil.ToFloat64(metrics.RiskAlerts.WithLabelValues("max_drawdown")),
				testutil.ToFloat64(metrics.RiskDenials),
				testutil.ToFloat64(metrics.CandlesSeen))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
