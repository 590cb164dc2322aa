// Package state tracks account equity and net positions. Money math uses
// decimals so closing a position yields exact realized PnL.
package state

import (
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"tradebot/internal/events"
	"tradebot/pkg/exchange"
)

// Position is a net position for one symbol. Qty is signed: positive is
// long, negative is short.
type Position struct {
	Symbol      string
	Qty         decimal.Decimal
	AvgEntry    decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Fill is an executed quantity at a price, applied to the book.
type Fill struct {
	Symbol string
	Side   exchange.Side
	Price  decimal.Decimal
	Qty    decimal.Decimal
}

// Book holds all positions plus running realized PnL and equity.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
	balance   decimal.Decimal
	peak      decimal.Decimal
	bus       *events.Bus
}

// NewBook creates a book with the given starting balance.
func NewBook(balance float64, bus *events.Bus) *Book {
	b := decimal.NewFromFloat(balance)
	return &Book{
		positions: make(map[string]*Position),
		balance:   b,
		peak:      b,
		bus:       bus,
	}
}

// ApplyFill updates the position for the fill's symbol and returns the
// resulting position. Fills that extend a position move the average
// entry; fills that reduce it realize PnL on the closed quantity. A fill
// larger than the open position closes it and opens the remainder on the
// other side. Positions that reach zero quantity are removed.
func (b *Book) ApplyFill(f Fill) Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[f.Symbol]
	if !ok {
		p = &Position{Symbol: f.Symbol}
		b.positions[f.Symbol] = p
	}

	signed := f.Qty
	if f.Side == exchange.SideSell {
		signed = signed.Neg()
	}

	switch {
	case p.Qty.IsZero() || p.Qty.Sign() == signed.Sign():
		// Opening or extending: volume-weighted average entry.
		newQty := p.Qty.Add(signed)
		notional := p.AvgEntry.Mul(p.Qty.Abs()).Add(f.Price.Mul(f.Qty))
		p.AvgEntry = notional.Div(newQty.Abs())
		p.Qty = newQty
	default:
		closeQty := decimal.Min(p.Qty.Abs(), f.Qty)
		var pnl decimal.Decimal
		if p.Qty.Sign() > 0 {
			pnl = f.Price.Sub(p.AvgEntry).Mul(closeQty)
		} else {
			pnl = p.AvgEntry.Sub(f.Price).Mul(closeQty)
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		b.balance = b.balance.Add(pnl)
		if b.balance.GreaterThan(b.peak) {
			b.peak = b.balance
		}

		remaining := f.Qty.Sub(closeQty)
		if remaining.IsZero() {
			if p.Qty.Sign() > 0 {
				p.Qty = p.Qty.Sub(closeQty)
			} else {
				p.Qty = p.Qty.Add(closeQty)
			}
			if !p.Qty.IsZero() {
				// Partial close keeps the entry price.
				break
			}
			p.AvgEntry = decimal.Zero
		} else {
			// Flip: the remainder opens a fresh position on the fill side.
			p.Qty = remaining
			if f.Side == exchange.SideSell {
				p.Qty = remaining.Neg()
			}
			p.AvgEntry = f.Price
		}
	}

	out := *p
	if p.Qty.IsZero() {
		delete(b.positions, f.Symbol)
	}

	if b.bus != nil {
		b.bus.Publish(events.EventPositionChange, out)
	}
	log.Printf("[State] fill applied %s %s qty=%s price=%s -> pos=%s pnl=%s",
		f.Symbol, f.Side, f.Qty, f.Price, out.Qty, out.RealizedPnL)
	return out
}

// RestorePosition reinstates one stored position, used at startup to
// reload the book from the database. Flat quantities are ignored.
func (b *Book) RestorePosition(symbol string, qty, avgEntry, realized float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := decimal.NewFromFloat(qty)
	if q.IsZero() {
		return
	}
	b.positions[symbol] = &Position{
		Symbol:      symbol,
		Qty:         q,
		AvgEntry:    decimal.NewFromFloat(avgEntry),
		RealizedPnL: decimal.NewFromFloat(realized),
	}
	log.Printf("[State] restored position %s qty=%s entry=%s", symbol, q, decimal.NewFromFloat(avgEntry))
}

// Position returns the position for a symbol; ok is false when flat.
func (b *Book) Position(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}, false
	}
	return *p, true
}

// Positions returns a snapshot of all open positions.
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		res = append(res, *p)
	}
	return res
}

// Balance returns the current cash balance including realized PnL.
func (b *Book) Balance() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, _ := b.balance.Float64()
	return f
}

// Equity returns balance plus unrealized PnL marked at the given prices.
// Symbols without a mark price contribute no unrealized PnL.
func (b *Book) Equity(marks map[string]float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	eq := b.balance
	for sym, p := range b.positions {
		mark, ok := marks[sym]
		if !ok {
			continue
		}
		mp := decimal.NewFromFloat(mark)
		var u decimal.Decimal
		if p.Qty.Sign() > 0 {
			u = mp.Sub(p.AvgEntry).Mul(p.Qty)
		} else {
			u = p.AvgEntry.Sub(mp).Mul(p.Qty.Abs())
		}
		eq = eq.Add(u)
	}
	f, _ := eq.Float64()
	return f
}

// Peak returns the highest balance seen so far, used for drawdown.
func (b *Book) Peak() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, _ := b.peak.Float64()
	return f
}

// TotalExposure returns the summed absolute notional of all positions
// at the given mark prices. Positions without a mark use their entry.
func (b *Book) TotalExposure(marks map[string]float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := decimal.Zero
	for sym, p := range b.positions {
		price := p.AvgEntry
		if mark, ok := marks[sym]; ok {
			price = decimal.NewFromFloat(mark)
		}
		total = total.Add(price.Mul(p.Qty.Abs()))
	}
	f, _ := total.Float64()
	return f
}
