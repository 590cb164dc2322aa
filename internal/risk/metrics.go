package risk

import "tradebot/internal/state"

// Level grades overall portfolio risk.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Snapshot is a point-in-time view of portfolio risk.
type Snapshot struct {
	Equity          float64 `json:"equity"`
	Leverage        float64 `json:"leverage"`
	Drawdown        float64 `json:"drawdown"`
	DailyPnL        float64 `json:"daily_pnl"`
	LargestPosition float64 `json:"largest_position"` // fraction of equity
	Concentration   float64 `json:"concentration"`    // Herfindahl index over notionals
	VaR95           float64 `json:"var_95"`
	Level           Level   `json:"level"`
}

// computeSnapshot derives all metrics from the book and marks. Caller
// holds the manager lock.
func (m *Manager) computeSnapshot(book *state.Book, marks map[string]float64) Snapshot {
	equity := book.Equity(marks)
	exposure := book.TotalExposure(marks)

	var s Snapshot
	s.Equity = equity
	if equity > 0 {
		s.Leverage = exposure / equity
	}
	if m.peak > 0 && equity < m.peak {
		s.Drawdown = (m.peak - equity) / m.peak
	}
	s.DailyPnL = equity - m.dayStart

	var largest, sumSq float64
	for _, p := range book.Positions() {
		price, ok := marks[p.Symbol]
		if !ok {
			price, _ = p.AvgEntry.Float64()
		}
		qty, _ := p.Qty.Abs().Float64()
		notional := price * qty
		if notional > largest {
			largest = notional
		}
		if exposure > 0 {
			w := notional / exposure
			sumSq += w * w
		}
	}
	if equity > 0 {
		s.LargestPosition = largest / equity
	}
	s.Concentration = sumSq
	s.VaR95 = VaR(m.returns, m.varMethod)
	s.Level = gradeLevel(s, m.limits)
	return s
}

// gradeLevel scores each dimension against its limit and maps the
// weighted sum to a level.
func gradeLevel(s Snapshot, lim Limits) Level {
	score := 0.0
	if lim.MaxLeverage > 0 {
		score += 0.3 * ratio(s.Leverage, lim.MaxLeverage)
	}
	if lim.MaxDrawdown > 0 {
		score += 0.3 * ratio(s.Drawdown, lim.MaxDrawdown)
	}
	score += 0.2 * s.Concentration
	score += 0.2 * ratio(s.VaR95, 0.10)

	switch {
	case score >= 0.8:
		return LevelCritical
	case score >= 0.6:
		return LevelHigh
	case score >= 0.3:
		return LevelMedium
	default:
		return LevelLow
	}
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	r := v / limit
	if r > 1 {
		return 1
	}
	return r
}
