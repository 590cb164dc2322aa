// Package risk admits or denies orders against configured limits and
// watches the equity curve for threshold crossings.
package risk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/events"
	"tradebot/internal/state"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

// Limits are the hard boundaries an order must not push the portfolio
// past. Zero disables the corresponding check.
type Limits struct {
	MaxLeverage      float64 // exposure / equity
	MaxPositionSize  float64 // notional per symbol
	MaxTotalExposure float64 // summed absolute notional
	MaxDrawdown      float64 // fraction of peak equity
	MaxDailyLoss     float64 // absolute currency amount
	MinMarginRatio   float64 // equity / exposure floor
}

// Denial explains why an order was refused.
type Denial struct {
	Check   string
	Value   float64
	Limit   float64
	Message string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("risk check %s failed: %s", d.Check, d.Message)
}

// Manager evaluates admission checks and raises alerts. Alerts are
// edge-triggered: one alert per threshold crossing, re-armed once the
// metric recovers below the limit.
type Manager struct {
	mu        sync.Mutex
	limits    Limits
	varMethod VaRMethod

	peak     float64
	dayStart float64
	day      time.Time
	lastEq   float64
	returns  []float64
	active   map[string]bool

	bus   *events.Bus
	store *db.Database
}

// Alert is published on the bus when a limit is crossed.
type Alert struct {
	ID        string  `json:"id"`
	Level     Level   `json:"level"`
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

const maxReturnWindow = 500

// NewManager creates a risk manager. store may be nil (backtests).
func NewManager(limits Limits, varMethod VaRMethod, bus *events.Bus, store *db.Database) *Manager {
	if varMethod == "" {
		varMethod = VaRHistorical
	}
	return &Manager{
		limits:    limits,
		varMethod: varMethod,
		active:    make(map[string]bool),
		bus:       bus,
		store:     store,
	}
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// SetLimits replaces the limits at runtime.
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
}

// RecordEquity feeds one equity observation. It advances the peak,
// resets daily tracking at midnight UTC, appends to the return series
// and fires edge-triggered alerts for drawdown and daily loss.
func (m *Manager) RecordEquity(equity float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour)
	if m.day.IsZero() || day.After(m.day) {
		m.day = day
		m.dayStart = equity
	}
	if m.lastEq > 0 {
		m.returns = append(m.returns, equity/m.lastEq-1)
		if len(m.returns) > maxReturnWindow {
			m.returns = m.returns[len(m.returns)-maxReturnWindow:]
		}
	}
	m.lastEq = equity
	if equity > m.peak {
		m.peak = equity
	}

	if m.limits.MaxDrawdown > 0 && m.peak > 0 {
		dd := (m.peak - equity) / m.peak
		m.checkThreshold("max_drawdown", dd, m.limits.MaxDrawdown,
			fmt.Sprintf("drawdown %.2f%% over limit %.2f%%", dd*100, m.limits.MaxDrawdown*100))
	}
	if m.limits.MaxDailyLoss > 0 {
		loss := m.dayStart - equity
		m.checkThreshold("max_daily_loss", loss, m.limits.MaxDailyLoss,
			fmt.Sprintf("daily loss %.2f over limit %.2f", loss, m.limits.MaxDailyLoss))
	}
}

// checkThreshold raises one alert per crossing. Caller holds the lock.
func (m *Manager) checkThreshold(typ string, value, limit float64, msg string) {
	if value <= limit {
		if m.active[typ] {
			delete(m.active, typ)
			log.Printf("[Risk] %s recovered (%.4f <= %.4f)", typ, value, limit)
		}
		return
	}
	if m.active[typ] {
		return
	}
	m.active[typ] = true

	a := Alert{
		ID:        uuid.NewString(),
		Level:     LevelHigh,
		Type:      typ,
		Message:   msg,
		Value:     value,
		Threshold: limit,
	}
	log.Printf("[Risk] ALERT %s: %s", typ, msg)
	if m.bus != nil {
		m.bus.Publish(events.EventRiskAlert, a)
	}
	if m.store != nil {
		err := m.store.CreateRiskAlert(context.Background(), db.RiskAlert{
			ID: a.ID, Level: string(a.Level), Type: a.Type,
			Message: a.Message, Value: a.Value, Threshold: a.Threshold,
		})
		if err != nil {
			log.Printf("[Risk] persist alert: %v", err)
		}
	}
}

// MayPlace decides whether the order may go to the venue. Checks run in
// a fixed order and the first failure wins. A nil error admits the order.
func (m *Manager) MayPlace(req exchange.OrderRequest, price float64, book *state.Book, marks map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity := book.Equity(marks)
	exposure := book.TotalExposure(marks)
	notional := price * req.Qty

	if m.limits.MaxLeverage > 0 && equity > 0 {
		lev := (exposure + notional) / equity
		if lev > m.limits.MaxLeverage {
			return m.deny("max_leverage", lev, m.limits.MaxLeverage,
				fmt.Sprintf("leverage %.2fx would exceed %.2fx", lev, m.limits.MaxLeverage))
		}
	}
	if m.limits.MaxPositionSize > 0 {
		cur := 0.0
		if p, ok := book.Position(req.Symbol); ok {
			q, _ := p.Qty.Abs().Float64()
			cur = q * price
		}
		if cur+notional > m.limits.MaxPositionSize {
			return m.deny("max_position_size", cur+notional, m.limits.MaxPositionSize,
				fmt.Sprintf("position notional %.2f would exceed %.2f", cur+notional, m.limits.MaxPositionSize))
		}
	}
	if m.limits.MaxTotalExposure > 0 && exposure+notional > m.limits.MaxTotalExposure {
		return m.deny("max_total_exposure", exposure+notional, m.limits.MaxTotalExposure,
			fmt.Sprintf("total exposure %.2f would exceed %.2f", exposure+notional, m.limits.MaxTotalExposure))
	}
	if m.limits.MaxDrawdown > 0 && m.peak > 0 {
		dd := (m.peak - equity) / m.peak
		if dd > m.limits.MaxDrawdown {
			return m.deny("max_drawdown", dd, m.limits.MaxDrawdown,
				fmt.Sprintf("drawdown %.2f%% over limit, new entries blocked", dd*100))
		}
	}
	if m.limits.MaxDailyLoss > 0 {
		loss := m.dayStart - equity
		if loss > m.limits.MaxDailyLoss {
			return m.deny("max_daily_loss", loss, m.limits.MaxDailyLoss,
				fmt.Sprintf("daily loss %.2f over limit, new entries blocked", loss))
		}
	}
	if m.limits.MinMarginRatio > 0 && exposure+notional > 0 {
		mr := equity / (exposure + notional)
		if mr < m.limits.MinMarginRatio {
			return m.deny("min_margin_ratio", mr, m.limits.MinMarginRatio,
				fmt.Sprintf("margin ratio %.4f under floor %.4f", mr, m.limits.MinMarginRatio))
		}
	}
	return nil
}

func (m *Manager) deny(check string, value, limit float64, msg string) *Denial {
	d := &Denial{Check: check, Value: value, Limit: limit, Message: msg}
	log.Printf("[Risk] denied order: %s", msg)
	if m.bus != nil {
		m.bus.Publish(events.EventRiskDenial, *d)
	}
	return d
}

// Snapshot computes the current risk metrics.
func (m *Manager) Snapshot(book *state.Book, marks map[string]float64) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeSnapshot(book, marks)
}
