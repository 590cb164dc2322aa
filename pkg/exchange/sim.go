package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// SimConfig tunes the simulated venue.
type SimConfig struct {
	SlippageBps float64 // basis points of slippage applied to market fills
	TickStep    float64 // random-walk step for generated tick streams
	TickEvery   time.Duration
	Seed        int64
}

// Sim is an in-memory venue used for dry-run trading and tests. It fills
// market orders at the last known price (plus slippage) and rests limit
// orders until the price crosses.
type Sim struct {
	cfg SimConfig

	mu      sync.Mutex
	prices  map[string]float64
	candles map[string][]Candle
	orders  map[string]*OrderState
	nextID  int64
	rng     *rand.Rand

	failRemaining int
	failRetryable bool
}

// NewSim creates a simulated venue.
func NewSim(cfg SimConfig) *Sim {
	if cfg.TickStep == 0 {
		cfg.TickStep = 0.5
	}
	if cfg.TickEvery == 0 {
		cfg.TickEvery = time.Second
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sim{
		cfg:     cfg,
		prices:  make(map[string]float64),
		candles: make(map[string][]Candle),
		orders:  make(map[string]*OrderState),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// SetPrice sets the current price for a symbol and fills any resting
// limit orders the new price crosses.
func (s *Sim) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	for _, o := range s.orders {
		if o.Symbol != symbol || o.Type != OrderTypeLimit || o.Status.Terminal() {
			continue
		}
		if (o.Side == SideBuy && price <= o.Price) || (o.Side == SideSell && price >= o.Price) {
			o.FilledQty = o.Qty
			o.AvgPrice = o.Price
			o.Status = StatusFilled
			o.UpdatedAt = time.Now()
		}
	}
}

// LoadCandles seeds historical candles served by GetCandleRange.
func (s *Sim) LoadCandles(symbol string, candles []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[symbol] = append(s.candles[symbol], candles...)
}

// FailNext makes the next n trading calls fail; retryable selects the
// error class. Used to exercise retry and failure paths.
func (s *Sim) FailNext(n int, retryable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemaining = n
	s.failRetryable = retryable
}

func (s *Sim) injectFailure(op string) error {
	if s.failRemaining <= 0 {
		return nil
	}
	s.failRemaining--
	if s.failRetryable {
		return NewTransient(op, fmt.Errorf("simulated transient failure"))
	}
	return NewFatal(op, fmt.Errorf("simulated fatal failure"))
}

// SubmitOrder implements Trading.
func (s *Sim) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFailure("submit_order"); err != nil {
		return OrderResult{}, err
	}
	if req.Qty <= 0 {
		return OrderResult{}, NewFatal("submit_order", fmt.Errorf("quantity must be positive"))
	}
	// Duplicate client IDs are acks of the original order, matching real
	// venue semantics for idempotent resubmission.
	for _, o := range s.orders {
		if req.ClientID != "" && o.ClientID == req.ClientID {
			return OrderResult{
				ExchangeOrderID: o.ExchangeOrderID,
				ClientID:        o.ClientID,
				Status:          o.Status,
				FilledQty:       o.FilledQty,
				AvgPrice:        o.AvgPrice,
			}, nil
		}
	}

	s.nextID++
	o := &OrderState{
		ExchangeOrderID: strconv.FormatInt(s.nextID, 10),
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Qty:             req.Qty,
		Price:           req.Price,
		Status:          StatusNew,
		UpdatedAt:       time.Now(),
	}

	switch req.Type {
	case OrderTypeMarket:
		price, ok := s.prices[req.Symbol]
		if !ok {
			return OrderResult{}, NewFatal("submit_order", fmt.Errorf("no market price for %s", req.Symbol))
		}
		slip := s.cfg.SlippageBps / 10000.0 * s.rng.Float64()
		if req.Side == SideBuy {
			price *= 1 + slip
		} else {
			price *= 1 - slip
		}
		o.FilledQty = o.Qty
		o.AvgPrice = price
		o.Status = StatusFilled
	case OrderTypeLimit:
		if req.Price <= 0 {
			return OrderResult{}, NewFatal("submit_order", fmt.Errorf("limit order requires a price"))
		}
	default:
		return OrderResult{}, NewFatal("submit_order", fmt.Errorf("unsupported order type %q", req.Type))
	}

	s.orders[o.ExchangeOrderID] = o
	return OrderResult{
		ExchangeOrderID: o.ExchangeOrderID,
		ClientID:        o.ClientID,
		Status:          o.Status,
		FilledQty:       o.FilledQty,
		AvgPrice:        o.AvgPrice,
	}, nil
}

// CancelOrder implements Trading. Cancelling a terminal order is a no-op.
func (s *Sim) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFailure("cancel_order"); err != nil {
		return err
	}
	o, ok := s.orders[exchangeOrderID]
	if !ok {
		return NewFatal("cancel_order", ErrOrderNotFound)
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

// GetOrder implements Trading.
func (s *Sim) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFailure("get_order"); err != nil {
		return OrderState{}, err
	}
	o, ok := s.orders[exchangeOrderID]
	if !ok {
		return OrderState{}, NewFatal("get_order", ErrOrderNotFound)
	}
	return *o, nil
}

// GetOpenOrders implements Trading. An empty symbol returns all venues-side
// open orders.
func (s *Sim) GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectFailure("get_open_orders"); err != nil {
		return nil, err
	}
	var res []OrderState
	for _, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		res = append(res, *o)
	}
	return res, nil
}

// AdoptOrder places an order directly on the venue book without going
// through SubmitOrder. Reconciliation tests use this to model orders the
// local tracker has never seen.
func (s *Sim) AdoptOrder(o OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ExchangeOrderID == "" {
		s.nextID++
		o.ExchangeOrderID = strconv.FormatInt(s.nextID, 10)
	}
	cp := o
	s.orders[o.ExchangeOrderID] = &cp
}

// StreamTicks implements MarketData with a random walk around the last
// set price, mirroring a development mock feed.
func (s *Sim) StreamTicks(ctx context.Context, symbol string) (<-chan Tick, func(), error) {
	out := make(chan Tick, 100)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		t := time.NewTicker(s.cfg.TickEvery)
		defer t.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case now := <-t.C:
				s.mu.Lock()
				price := s.prices[symbol]
				if price == 0 {
					price = 100
				}
				price += (s.rng.Float64()*2 - 1) * s.cfg.TickStep
				s.prices[symbol] = price
				s.mu.Unlock()
				out <- Tick{Symbol: symbol, Price: price, Qty: 1, Time: now}
			}
		}
	}()

	return out, cancel, nil
}

// GetCandleRange implements MarketData over candles seeded with LoadCandles.
func (s *Sim) GetCandleRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Candle
	for _, c := range s.candles[symbol] {
		if c.Interval != interval {
			continue
		}
		if c.OpenTime.Before(from) || !c.OpenTime.Before(to) {
			continue
		}
		res = append(res, c)
	}
	return res, nil
}
