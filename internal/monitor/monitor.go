// Package monitor forwards bus events to notification sinks and
// exports Prometheus metrics for scraping.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/marketdata"
	"tradebot/internal/notify"
	"tradebot/internal/order"
	"tradebot/internal/risk"
)

// Metrics holds the exported instrument set.
type Metrics struct {
	OrdersPlaced  *prometheus.CounterVec
	OrdersFailed  prometheus.Counter
	RiskAlerts    *prometheus.CounterVec
	RiskDenials   prometheus.Counter
	DataGaps      *prometheus.CounterVec
	Equity        prometheus.Gauge
	EngineState   *prometheus.GaugeVec
	CandlesSeen   prometheus.Counter
}

// NewMetrics builds and registers the instrument set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_orders_placed_total",
			Help: "Orders submitted to the venue, by symbol and side.",
		}, []string{"symbol", "side"}),
		OrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_orders_failed_total",
			Help: "Orders that ended in FAILED.",
		}),
		RiskAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_risk_alerts_total",
			Help: "Risk alerts raised, by type.",
		}, []string{"type"}),
		RiskDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_risk_denials_total",
			Help: "Orders denied by risk checks.",
		}),
		DataGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_data_gaps_total",
			Help: "Market data gaps detected, by symbol.",
		}, []string{"symbol"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_equity",
			Help: "Current account equity.",
		}),
		EngineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradebot_engine_state",
			Help: "1 for the current engine state, 0 otherwise.",
		}, []string{"state"}),
		CandlesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_candles_total",
			Help: "Completed candles processed.",
		}),
	}
	reg.MustRegister(m.OrdersPlaced, m.OrdersFailed, m.RiskAlerts, m.RiskDenials,
		m.DataGaps, m.Equity, m.EngineState, m.CandlesSeen)
	return m
}

// Monitor consumes bus events and updates metrics and notifications.
type Monitor struct {
	metrics  *Metrics
	bus      *events.Bus
	dispatch *notify.Dispatcher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a monitor. dispatch may be nil to skip notifications.
func New(metrics *Metrics, bus *events.Bus, dispatch *notify.Dispatcher) *Monitor {
	return &Monitor{metrics: metrics, bus: bus, dispatch: dispatch}
}

// Start begins consuming events until the context ends.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	subs := []struct {
		event  events.Event
		handle func(any)
	}{
		{events.EventOrderSubmitted, m.onOrderSubmitted},
		{events.EventOrderFailed, m.onOrderFailed},
		{events.EventDivergence, m.onDivergence},
		{events.EventRiskAlert, m.onRiskAlert},
		{events.EventRiskDenial, func(any) { m.metrics.RiskDenials.Inc() }},
		{events.EventDataGap, m.onDataGap},
		{events.EventCandle, func(any) { m.metrics.CandlesSeen.Inc() }},
		{events.EventStateChange, m.onStateChange},
		{events.EventEmergency, m.onEmergency},
		{events.EventStatusSnapshot, m.onStatus},
	}
	for _, s := range subs {
		ch, unsub := m.bus.Subscribe(s.event, 128)
		m.wg.Add(1)
		go func(ch <-chan any, unsub func(), handle func(any)) {
			defer m.wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					handle(ev)
				}
			}
		}(ch, unsub, s.handle)
	}
}

// Stop halts event consumption.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) onOrderSubmitted(ev any) {
	o, ok := ev.(order.Order)
	if !ok {
		return
	}
	m.metrics.OrdersPlaced.WithLabelValues(o.Symbol, string(o.Side)).Inc()
}

func (m *Monitor) onOrderFailed(ev any) {
	m.metrics.OrdersFailed.Inc()
	o, ok := ev.(order.Order)
	if !ok {
		return
	}
	m.send("warning", "order failed",
		fmt.Sprintf("%s %s qty=%v: %s", o.Symbol, o.Side, o.Qty, o.FailReason))
}

func (m *Monitor) onDivergence(ev any) {
	reason, _ := ev.(string)
	m.send("critical", "order divergence", reason)
}

func (m *Monitor) onRiskAlert(ev any) {
	a, ok := ev.(risk.Alert)
	if !ok {
		return
	}
	m.metrics.RiskAlerts.WithLabelValues(a.Type).Inc()
	m.send("warning", "risk alert: "+a.Type, a.Message)
}

func (m *Monitor) onDataGap(ev any) {
	g, ok := ev.(marketdata.GapReport)
	if !ok {
		return
	}
	m.metrics.DataGaps.WithLabelValues(g.Symbol).Inc()
	if g.Reason == "stale" {
		m.send("warning", "market data stale", fmt.Sprintf("%s: no ticks since %s", g.Symbol, g.From.Format("15:04:05")))
	}
}

func (m *Monitor) onStateChange(ev any) {
	sc, ok := ev.(engine.StateChange)
	if !ok {
		return
	}
	for _, st := range []engine.State{engine.StateIdle, engine.StateRunning, engine.StatePaused, engine.StateStopped, engine.StateEmergency} {
		v := 0.0
		if st == sc.To {
			v = 1
		}
		m.metrics.EngineState.WithLabelValues(string(st)).Set(v)
	}
	m.send("info", "engine state change", fmt.Sprintf("%s -> %s (%s)", sc.From, sc.To, sc.Reason))
}

func (m *Monitor) onEmergency(ev any) {
	reason, _ := ev.(string)
	m.send("critical", "EMERGENCY STOP", reason)
}

func (m *Monitor) onStatus(ev any) {
	st, ok := ev.(engine.Status)
	if !ok {
		return
	}
	m.metrics.Equity.Set(st.Equity)
}

func (m *Monitor) send(level, title, message string) {
	if m.dispatch == nil {
		return
	}
	m.dispatch.Send(notify.Notification{Level: level, Title: title, Message: message})
}
