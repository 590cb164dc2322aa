package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/events"
	"tradebot/internal/marketdata"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
	"tradebot/pkg/exchange"
)

// Status is the periodic engine snapshot published on the bus and
// served by the control API.
type Status struct {
	State     State         `json:"state"`
	Strategy  string        `json:"strategy"`
	Symbols   []string      `json:"symbols"`
	Equity    float64       `json:"equity"`
	Balance   float64       `json:"balance"`
	OpenOrders int          `json:"open_orders"`
	Risk      risk.Snapshot `json:"risk"`
	At        time.Time     `json:"at"`
}

// run is the trading loop. One goroutine consumes indicator snapshots
// and ticks; decisions are sequential so at most one order is in flight
// per decision.
func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)

	snaps, unsubSnaps := e.bus.Subscribe(events.EventIndicator, 256)
	defer unsubSnaps()
	ticks, unsubTicks := e.bus.Subscribe(events.EventTick, 1024)
	defer unsubTicks()
	diverged, unsubDiv := e.bus.Subscribe(events.EventDivergence, 8)
	defer unsubDiv()

	status := time.NewTicker(e.cfg.StatusEvery)
	defer status.Stop()
	// Decisions fire on new data or on this interval, whichever comes
	// first, so a stalled pipeline cannot silence the strategy.
	redecide := time.NewTicker(e.cfg.DecideEvery)
	defer redecide.Stop()

	latest := make(map[string]marketdata.Snapshot)

	log.Printf("[Engine] loop started: strategy=%s symbols=%v", e.cfg.Strategy, e.cfg.Symbols)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Engine] loop exiting")
			return
		case ev := <-ticks:
			t, ok := ev.(exchange.Tick)
			if !ok {
				continue
			}
			e.mu.Lock()
			e.marks[t.Symbol] = t.Price
			e.mu.Unlock()
		case ev := <-snaps:
			snap, ok := ev.(marketdata.Snapshot)
			if !ok {
				continue
			}
			latest[snap.Symbol] = snap
			e.decide(ctx, snap)
		case <-redecide.C:
			for _, snap := range latest {
				e.decide(ctx, snap)
			}
		case ev := <-diverged:
			reason, _ := ev.(string)
			log.Printf("[Engine] divergence reported: %s", reason)
			// EmergencyStop waits for this loop to exit, so it must run
			// outside it.
			go func() {
				if err := e.EmergencyStop(context.Background(), "reconciliation divergence: "+reason); err != nil {
					log.Printf("[Engine] emergency stop on divergence: %v", err)
				}
			}()
		case <-status.C:
			e.publishStatus()
		}
	}
}

// decide runs one strategy decision and routes any resulting order.
func (e *Engine) decide(ctx context.Context, snap marketdata.Snapshot) {
	e.mu.Lock()
	st := e.st
	strat := e.strat
	marks := e.marksCopyLocked()
	e.mu.Unlock()

	if st != StateRunning || strat == nil {
		return
	}
	// A stale feed means the indicators are not trustworthy.
	if e.pipeline != nil && !e.pipeline.Healthy(snap.Symbol) {
		log.Printf("[Engine] %s feed unhealthy, holding", snap.Symbol)
		return
	}

	sig := e.decideWithTimeout(strat, snap)
	if sig.Action == strategy.ActionHold {
		return
	}
	e.bus.Publish(events.EventSignal, sig)

	qty := e.cfg.OrderSize * sig.Strength
	if qty <= 0 {
		return
	}
	side := exchange.SideBuy
	if sig.Action == strategy.ActionSell {
		side = exchange.SideSell
	}
	price := snap.Candle.Close
	if mark, ok := marks[snap.Symbol]; ok {
		price = mark
	}

	req := exchange.OrderRequest{Symbol: snap.Symbol, Side: side, Type: exchange.OrderTypeMarket, Qty: qty}
	if err := e.riskMgr.MayPlace(req, price, e.book, marks); err != nil {
		log.Printf("[Engine] signal rejected by risk: %v", err)
		return
	}

	if _, err := e.orders.Place(ctx, order.PlaceRequest{
		SignalID:   uuid.NewString(),
		StrategyID: strat.Name(),
		Symbol:     snap.Symbol,
		Side:       side,
		Type:       exchange.OrderTypeMarket,
		Qty:        qty,
	}); err != nil {
		log.Printf("[Engine] order placement failed: %v", err)
	}

	e.recordEquity(marks)
}

// decideWithTimeout bounds one strategy call; a slow or stuck strategy
// degrades to hold instead of stalling the loop.
func (e *Engine) decideWithTimeout(strat strategy.Strategy, snap marketdata.Snapshot) strategy.Signal {
	done := make(chan strategy.Signal, 1)
	go func() {
		done <- strat.OnIndicators(snap)
	}()
	select {
	case sig := <-done:
		return sig
	case <-time.After(e.cfg.DecisionTimeout):
		log.Printf("[Engine] strategy %s timed out on %s, holding", strat.Name(), snap.Symbol)
		return strategy.Hold(snap.Symbol, "decision timeout")
	}
}

func (e *Engine) recordEquity(marks map[string]float64) {
	e.riskMgr.RecordEquity(e.book.Equity(marks), time.Now())
}

func (e *Engine) publishStatus() {
	e.mu.Lock()
	marks := e.marksCopyLocked()
	e.mu.Unlock()

	e.recordEquity(marks)
	e.bus.Publish(events.EventStatusSnapshot, e.StatusSnapshot())
}

// StatusSnapshot builds the current engine status.
func (e *Engine) StatusSnapshot() Status {
	e.mu.Lock()
	st := e.st
	marks := e.marksCopyLocked()
	e.mu.Unlock()

	return Status{
		State:      st,
		Strategy:   e.cfg.Strategy,
		Symbols:    e.cfg.Symbols,
		Equity:     e.book.Equity(marks),
		Balance:    e.book.Balance(),
		OpenOrders: len(e.orders.Open()),
		Risk:       e.riskMgr.Snapshot(e.book, marks),
		At:         time.Now(),
	}
}

func (e *Engine) marksCopyLocked() map[string]float64 {
	cp := make(map[string]float64, len(e.marks))
	for k, v := range e.marks {
		cp[k] = v
	}
	return cp
}
