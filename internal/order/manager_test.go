package order

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"tradebot/internal/events"
	"tradebot/internal/risk"
	"tradebot/internal/state"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *exchange.Sim, *state.Book) {
	t.Helper()
	sim := exchange.NewSim(exchange.SimConfig{Seed: 1})
	sim.SetPrice("BTCUSDT", 50000)
	book := state.NewBook(1e6, nil)
	m := NewManager(cfg, sim, book, events.NewBus(), nil)
	return m, sim, book
}

func fastConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryBase:    time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		TrackTimeout: time.Second,
	}
}

func TestPlaceMarketOrderFills(t *testing.T) {
	m, _, book := newTestManager(t, fastConfig())

	o, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 0.5,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}
	if o.FilledQty != 0.5 {
		t.Errorf("filled = %v, want 0.5", o.FilledQty)
	}
	p, ok := book.Position("BTCUSDT")
	if !ok {
		t.Fatal("fill did not reach the position book")
	}
	if got := p.Qty.String(); got != "0.5" {
		t.Errorf("book qty = %s, want 0.5", got)
	}
}

func TestPlaceRetriesTransientThenSucceedsOnce(t *testing.T) {
	m, sim, _ := newTestManager(t, fastConfig())
	sim.FailNext(2, true) // attempts 1 and 2 fail, attempt 3 succeeds

	o, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 0.1,
	})
	if err != nil {
		t.Fatalf("place after retries: %v", err)
	}
	if o.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}

	// Exactly one order must exist on the venue despite the retries.
	open, err := sim.GetOpenOrders(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("unexpected open venue orders: %+v", open)
	}
	st, err := sim.GetOrder(context.Background(), "BTCUSDT", o.ExchangeOrderID)
	if err != nil {
		t.Fatalf("venue lost the order: %v", err)
	}
	if st.FilledQty != 0.1 {
		t.Errorf("venue filled = %v, want 0.1 (no duplicate submit)", st.FilledQty)
	}
}

func TestPlaceFatalErrorFailsWithoutRetry(t *testing.T) {
	m, sim, _ := newTestManager(t, fastConfig())
	sim.FailNext(1, false)

	o, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 0.1,
	})
	if err == nil {
		t.Fatal("expected error for fatal venue failure")
	}
	if o.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", o.Status)
	}
	if o.FailReason == "" {
		t.Error("fail reason not recorded")
	}
}

func TestPlaceExhaustsRetries(t *testing.T) {
	m, sim, _ := newTestManager(t, Config{MaxRetries: 2, RetryBase: time.Millisecond, TrackTimeout: time.Second, PollInterval: time.Millisecond})
	sim.FailNext(10, true)

	o, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 0.1,
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if o.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", o.Status)
	}
}

func TestCancelIdempotentOnTerminal(t *testing.T) {
	m, _, _ := newTestManager(t, fastConfig())

	o, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Market order filled immediately; cancel twice must both be no-ops.
	if err := m.Cancel(context.Background(), o.ID); err != nil {
		t.Errorf("first cancel: %v", err)
	}
	if err := m.Cancel(context.Background(), o.ID); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}

func TestCancelOpenLimitOrder(t *testing.T) {
	m, _, _ := newTestManager(t, fastConfig())

	o, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Qty: 0.1, Price: 40000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != StatusSubmitted {
		t.Fatalf("limit order status = %s, want SUBMITTED", o.Status)
	}
	if err := m.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := m.Get(o.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status after cancel = %s, want CANCELLED", got.Status)
	}
	m.Stop()
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSubmitted, true},
		{StatusSubmitted, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusFilled, StatusSubmitted, false},
		{StatusCancelled, StatusFilled, false},
		{StatusPartiallyFilled, StatusSubmitted, false},
		{StatusSubmitted, StatusSubmitted, false},
		{StatusSubmitted, StatusCancelled, true},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestReconcileAdoptsUnknownVenueOrder(t *testing.T) {
	m, sim, _ := newTestManager(t, fastConfig())

	sim.AdoptOrder(exchange.OrderState{
		ExchangeOrderID: "ghost-1",
		Symbol:          "BTCUSDT",
		Side:            exchange.SideSell,
		Type:            exchange.OrderTypeLimit,
		Price:           60000,
		Qty:             0.2,
		Status:          exchange.StatusNew,
	})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	open := m.Open()
	if len(open) != 1 {
		t.Fatalf("adopted orders = %d, want 1", len(open))
	}
	if open[0].ExchangeOrderID != "ghost-1" || open[0].Status != StatusSubmitted {
		t.Errorf("adopted order = %+v", open[0])
	}
	m.Stop()
}

func TestReconcileEscalatesVanishedOrder(t *testing.T) {
	m, _, _ := newTestManager(t, fastConfig())
	bus := events.NewBus()
	m.bus = bus
	failed, cancel := bus.Subscribe(events.EventOrderFailed, 4)
	defer cancel()
	diverged, cancelDiv := bus.Subscribe(events.EventDivergence, 4)
	defer cancelDiv()

	// Local order the venue has never heard of.
	o := &Order{ID: "local-1", ExchangeOrderID: "missing-9", Symbol: "BTCUSDT",
		Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Qty: 0.1, Status: StatusSubmitted}
	m.mu.Lock()
	m.orders[o.ID] = o
	m.byExchange[o.ExchangeOrderID] = o.ID
	m.mu.Unlock()

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := m.Get("local-1")
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	select {
	case <-failed:
	default:
		t.Error("no escalation event published")
	}
	// A vanished order is irreconcilable; the divergence topic must
	// fire so the engine can emergency-stop.
	select {
	case <-diverged:
	default:
		t.Error("no divergence event published")
	}
}

func TestFillPersistsPosition(t *testing.T) {
	sim := exchange.NewSim(exchange.SimConfig{Seed: 1})
	sim.SetPrice("BTCUSDT", 50000)
	book := state.NewBook(1e6, nil)
	store, err := db.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatal(err)
	}
	m := NewManager(fastConfig(), sim, book, events.NewBus(), store)

	if _, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 0.5,
	}); err != nil {
		t.Fatal(err)
	}
	rows, err := store.ListPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Symbol != "BTCUSDT" || rows[0].Qty != 0.5 {
		t.Fatalf("stored positions = %+v, want one 0.5 BTCUSDT row", rows)
	}

	// Closing the position removes the stored row.
	if _, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeMarket, Qty: 0.5,
	}); err != nil {
		t.Fatal(err)
	}
	rows, err = store.ListPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("stored positions after flat = %+v, want none", rows)
	}
}

func TestRandomSignalsNeverBreachRiskLimits(t *testing.T) {
	m, sim, book := newTestManager(t, fastConfig())
	limits := risk.Limits{MaxPositionSize: 5000, MaxLeverage: 3}
	riskMgr := risk.NewManager(limits, risk.VaRHistorical, nil, nil)

	rng := rand.New(rand.NewSource(7))
	price := 100.0
	sim.SetPrice("ETHUSDT", price)

	for i := 0; i < 300; i++ {
		price *= 1 + (rng.Float64()*2-1)*0.01
		sim.SetPrice("ETHUSDT", price)
		marks := map[string]float64{"ETHUSDT": price}

		side := exchange.SideBuy
		if rng.Intn(2) == 1 {
			side = exchange.SideSell
		}
		qty := 0.1 + rng.Float64()*20
		req := exchange.OrderRequest{Symbol: "ETHUSDT", Side: side, Type: exchange.OrderTypeMarket, Qty: qty}
		if err := riskMgr.MayPlace(req, price, book, marks); err != nil {
			continue
		}
		if _, err := m.Place(context.Background(), PlaceRequest{
			Symbol: "ETHUSDT", Side: side, Type: exchange.OrderTypeMarket, Qty: qty,
		}); err != nil {
			t.Fatalf("step %d: admitted order failed: %v", i, err)
		}

		p, _ := book.Position("ETHUSDT")
		q, _ := p.Qty.Abs().Float64()
		if notional := q * price; notional > limits.MaxPositionSize*(1+1e-9) {
			t.Fatalf("step %d: position notional %.2f exceeds limit %.2f", i, notional, limits.MaxPositionSize)
		}
		if eq := book.Equity(marks); eq > 0 {
			if lev := book.TotalExposure(marks) / eq; lev > limits.MaxLeverage*(1+1e-9) {
				t.Fatalf("step %d: leverage %.2f exceeds limit %.2f", i, lev, limits.MaxLeverage)
			}
		}
	}
}

func TestRandomVenueUpdatesNeverRegressOrders(t *testing.T) {
	m, _, _ := newTestManager(t, Config{
		MaxRetries: 1, RetryBase: time.Millisecond,
		PollInterval: time.Hour, TrackTimeout: time.Hour,
	})

	o, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Qty: 1, Price: 40000,
	})
	if err != nil {
		t.Fatal(err)
	}

	venueStatuses := []exchange.OrderStatus{
		exchange.StatusNew, exchange.StatusPartial, exchange.StatusFilled,
		exchange.StatusCancelled, exchange.StatusRejected, exchange.StatusExpired,
	}
	rng := rand.New(rand.NewSource(11))
	prevRank := statusRank[o.Status]
	prevFilled := o.FilledQty

	for i := 0; i < 500; i++ {
		m.applyVenueState(context.Background(), o.ID, exchange.OrderState{
			ExchangeOrderID: o.ExchangeOrderID,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Type:            o.Type,
			Qty:             o.Qty,
			Status:          venueStatuses[rng.Intn(len(venueStatuses))],
			FilledQty:       rng.Float64() * o.Qty,
			AvgPrice:        40000,
		})
		cur, ok := m.Get(o.ID)
		if !ok {
			t.Fatal("order vanished from the manager")
		}
		if statusRank[cur.Status] < prevRank {
			t.Fatalf("step %d: status moved backward to %s", i, cur.Status)
		}
		if cur.FilledQty < prevFilled {
			t.Fatalf("step %d: filled qty shrank from %v to %v", i, prevFilled, cur.FilledQty)
		}
		prevRank = statusRank[cur.Status]
		prevFilled = cur.FilledQty
	}
}
