package order

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradebot/internal/events"
	"tradebot/internal/state"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

// Config tunes placement retries, tracking and reconciliation.
type Config struct {
	MaxRetries     uint64        // submit attempts = MaxRetries + 1
	RetryBase      time.Duration // initial backoff between attempts
	PollInterval   time.Duration // open-order status poll
	TrackTimeout   time.Duration // give up tracking after this long
	ReconcileEvery time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBase:      200 * time.Millisecond,
		PollInterval:   2 * time.Second,
		TrackTimeout:   10 * time.Minute,
		ReconcileEvery: 30 * time.Second,
	}
}

// Manager places orders on the venue and keeps the local book in sync.
type Manager struct {
	cfg   Config
	venue exchange.Trading
	book  *state.Book
	bus   *events.Bus
	store *db.Database

	mu         sync.Mutex
	orders     map[string]*Order // by local ID
	byExchange map[string]string // exchange ID -> local ID

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager creates an order manager. store may be nil (backtests).
func NewManager(cfg Config, venue exchange.Trading, book *state.Book, bus *events.Bus, store *db.Database) *Manager {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TrackTimeout == 0 {
		cfg.TrackTimeout = 10 * time.Minute
	}
	return &Manager{
		cfg:        cfg,
		venue:      venue,
		book:       book,
		bus:        bus,
		store:      store,
		orders:     make(map[string]*Order),
		byExchange: make(map[string]string),
	}
}

// Start launches the reconciliation loop.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.ReconcileEvery <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.cfg.ReconcileEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.Reconcile(ctx); err != nil {
					log.Printf("[Order] reconcile: %v", err)
				}
			}
		}
	}()
}

// Stop halts background work and waits for in-flight trackers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Place submits an order to the venue. Transient submit errors are
// retried with exponential backoff; the client ID stays fixed across
// attempts so a retry after an ambiguous failure cannot double-submit.
// The returned order reflects the submit ack; fills arriving later are
// picked up by the tracker.
func (m *Manager) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("order qty must be positive, got %v", req.Qty)
	}

	o := &Order{
		ID:         uuid.NewString(),
		ClientID:   uuid.NewString(),
		SignalID:   req.SignalID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Qty:        req.Qty,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	m.persist(ctx, o, true)

	vreq := exchange.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Qty:      req.Qty,
		Price:    req.Price,
		ClientID: o.ClientID,
	}

	var res exchange.OrderResult
	submit := func() error {
		r, err := m.venue.SubmitOrder(ctx, vreq)
		if err != nil {
			if exchange.IsRetryable(err) {
				log.Printf("[Order] submit %s retryable error: %v", o.ID, err)
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryBase
	err := backoff.Retry(submit, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), m.cfg.MaxRetries))
	if err != nil {
		m.fail(ctx, o, err)
		return o.snapshot(), err
	}

	m.applyResult(ctx, o, res)
	m.bus.Publish(events.EventOrderSubmitted, *o.snapshot())
	log.Printf("[Order] placed %s %s %s qty=%v -> venue id %s status %s",
		o.Symbol, o.Side, o.Type, o.Qty, o.ExchangeOrderID, o.Status)

	if !o.snapshot().Status.Terminal() {
		m.wg.Add(1)
		go m.track(o.ID)
	}
	return o.snapshot(), nil
}

// Cancel asks the venue to cancel an open order. Cancelling an order
// that is already terminal is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order %s not found", id)
	}
	if o.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	exID := o.ExchangeOrderID
	sym := o.Symbol
	m.mu.Unlock()

	if exID == "" {
		return fmt.Errorf("order %s has no venue id yet", id)
	}
	if err := m.venue.CancelOrder(ctx, sym, exID); err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return m.refresh(ctx, id)
}

// Get returns a copy of an order.
func (m *Manager) Get(id string) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, false
	}
	return o.snapshot(), true
}

// Open returns all non-terminal orders.
func (m *Manager) Open() []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			res = append(res, o.snapshot())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

// refresh pulls venue state for one order and applies it.
func (m *Manager) refresh(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order %s not found", id)
	}
	exID, sym := o.ExchangeOrderID, o.Symbol
	m.mu.Unlock()

	st, err := m.venue.GetOrder(ctx, sym, exID)
	if err != nil {
		return err
	}
	m.applyVenueState(ctx, id, st)
	return nil
}

// track polls the venue until the order reaches a terminal state.
func (m *Manager) track(id string) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TrackTimeout)
	defer cancel()

	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Order] tracker for %s timed out", id)
			return
		case <-t.C:
			if err := m.refresh(ctx, id); err != nil {
				log.Printf("[Order] poll %s: %v", id, err)
				continue
			}
			if o, ok := m.Get(id); ok && o.Status.Terminal() {
				return
			}
		}
	}
}

// applyResult folds a submit ack into the order.
func (m *Manager) applyResult(ctx context.Context, o *Order, res exchange.OrderResult) {
	m.mu.Lock()
	o.ExchangeOrderID = res.ExchangeOrderID
	m.byExchange[res.ExchangeOrderID] = o.ID
	m.transitionLocked(o, fromVenueStatus(res.Status), res.FilledQty, res.AvgPrice)
	m.mu.Unlock()
	m.persist(ctx, o, false)
	m.persistPosition(ctx, o.Symbol)
}

// applyVenueState folds polled venue state into the order.
func (m *Manager) applyVenueState(ctx context.Context, id string, st exchange.OrderState) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	sym := o.Symbol
	m.transitionLocked(o, fromVenueStatus(st.Status), st.FilledQty, st.AvgPrice)
	m.mu.Unlock()
	m.persist(ctx, o, false)
	m.persistPosition(ctx, sym)
}

// transitionLocked applies a status and fill update under the manager
// lock. Backward moves are ignored; fill deltas flow into the position
// book exactly once.
func (m *Manager) transitionLocked(o *Order, to Status, filledQty, avgPrice float64) {
	fillDelta := filledQty - o.FilledQty
	if fillDelta > 0 {
		o.FilledQty = filledQty
		o.AvgPrice = avgPrice
		o.UpdatedAt = time.Now()
		if m.book != nil {
			m.book.ApplyFill(state.Fill{
				Symbol: o.Symbol,
				Side:   o.Side,
				Price:  decimal.NewFromFloat(avgPrice),
				Qty:    decimal.NewFromFloat(fillDelta),
			})
		}
	}

	if canTransition(o.Status, to) {
		o.Status = to
		o.UpdatedAt = time.Now()
		m.bus.Publish(events.EventOrderUpdate, *o.snapshot())
		if to == StatusFilled {
			m.bus.Publish(events.EventOrderFilled, *o.snapshot())
		}
	}
}

// fail marks an order failed after retries are exhausted.
func (m *Manager) fail(ctx context.Context, o *Order, cause error) {
	m.mu.Lock()
	if canTransition(o.Status, StatusFailed) {
		o.Status = StatusFailed
		o.FailReason = cause.Error()
		o.UpdatedAt = time.Now()
	}
	m.mu.Unlock()
	m.persist(ctx, o, false)
	m.bus.Publish(events.EventOrderFailed, *o.snapshot())
	log.Printf("[Order] %s failed: %v", o.ID, cause)
}

// persist writes the order through to storage when configured.
func (m *Manager) persist(ctx context.Context, o *Order, create bool) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	rec := db.Order{
		ID:              o.ID,
		ExchangeOrderID: o.ExchangeOrderID,
		SignalID:        o.SignalID,
		StrategyID:      o.StrategyID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Price:           o.Price,
		Qty:             o.Qty,
		FilledQty:       o.FilledQty,
		AvgPrice:        o.AvgPrice,
		Status:          string(o.Status),
		FailReason:      o.FailReason,
		CreatedAt:       o.CreatedAt,
	}
	m.mu.Unlock()

	var err error
	if create {
		err = m.store.CreateOrder(ctx, rec)
	} else {
		err = m.store.UpdateOrder(ctx, rec)
	}
	if err != nil {
		log.Printf("[Order] persist %s: %v", o.ID, err)
	}
}

// persistPosition writes the symbol's current net position through to
// storage, so the book survives a restart. A flat position removes the
// row.
func (m *Manager) persistPosition(ctx context.Context, symbol string) {
	if m.store == nil || m.book == nil {
		return
	}
	p, _ := m.book.Position(symbol)
	qty, _ := p.Qty.Float64()
	entry, _ := p.AvgEntry.Float64()
	realized, _ := p.RealizedPnL.Float64()
	err := m.store.UpsertPosition(ctx, db.Position{
		Symbol:      symbol,
		Qty:         qty,
		AvgEntry:    entry,
		RealizedPnL: realized,
	})
	if err != nil {
		log.Printf("[Order] persist position %s: %v", symbol, err)
	}
}

func (o *Order) snapshot() *Order {
	cp := *o
	return &cp
}
