package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/events"
	"tradebot/pkg/exchange"
)

// Reconcile compares local orders with the venue and repairs drift:
// venue orders the manager has never seen are adopted, local open
// orders missing from the venue are re-queried, and orders the venue
// no longer knows at all are marked failed and escalated.
func (m *Manager) Reconcile(ctx context.Context) error {
	venueOpen, err := m.venue.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("list venue open orders: %w", err)
	}

	seen := make(map[string]bool, len(venueOpen))
	for _, st := range venueOpen {
		seen[st.ExchangeOrderID] = true
		m.mu.Lock()
		id, known := m.byExchange[st.ExchangeOrderID]
		m.mu.Unlock()
		if known {
			m.applyVenueState(ctx, id, st)
			continue
		}
		m.adopt(ctx, st)
	}

	// Local open orders the venue did not report: query individually.
	for _, o := range m.Open() {
		if o.ExchangeOrderID == "" || seen[o.ExchangeOrderID] {
			continue
		}
		st, err := m.venue.GetOrder(ctx, o.Symbol, o.ExchangeOrderID)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				m.escalate(ctx, o.ID)
				continue
			}
			log.Printf("[Order] reconcile query %s: %v", o.ID, err)
			continue
		}
		m.applyVenueState(ctx, o.ID, st)
	}
	return nil
}

// adopt records a venue order the manager has never seen, so it is
// tracked and cancellable like any locally placed order.
func (m *Manager) adopt(ctx context.Context, st exchange.OrderState) {
	o := &Order{
		ID:              uuid.NewString(),
		ClientID:        st.ClientID,
		ExchangeOrderID: st.ExchangeOrderID,
		Symbol:          st.Symbol,
		Side:            st.Side,
		Type:            st.Type,
		Price:           st.Price,
		Qty:             st.Qty,
		FilledQty:       st.FilledQty,
		AvgPrice:        st.AvgPrice,
		Status:          fromVenueStatus(st.Status),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	m.mu.Lock()
	m.orders[o.ID] = o
	m.byExchange[o.ExchangeOrderID] = o.ID
	m.mu.Unlock()
	m.persist(ctx, o, true)

	log.Printf("[Order] adopted unknown venue order %s (%s %s qty=%v)", st.ExchangeOrderID, st.Symbol, st.Side, st.Qty)
	m.bus.Publish(events.EventOrderUpdate, *o.snapshot())

	if !o.Status.Terminal() {
		m.wg.Add(1)
		go m.track(o.ID)
	}
}

// escalate marks an order the venue has lost track of. The fill state
// is unknowable, so beyond failing the order it raises a divergence
// event that drives the engine into an emergency stop.
func (m *Manager) escalate(ctx context.Context, id string) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if canTransition(o.Status, StatusFailed) {
		o.Status = StatusFailed
		o.FailReason = "order unknown to venue after reconciliation"
		o.UpdatedAt = time.Now()
	}
	m.mu.Unlock()
	m.persist(ctx, o, false)
	m.bus.Publish(events.EventOrderFailed, *o.snapshot())
	m.bus.Publish(events.EventDivergence,
		fmt.Sprintf("order %s (%s %s) unknown to venue, fill state unknowable", o.ID, o.Symbol, o.Side))
	log.Printf("[Order] escalated %s: venue reports order not found", id)
}
