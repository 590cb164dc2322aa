package strategy

import (
	"encoding/json"
	"fmt"
	"math"

	"tradebot/internal/marketdata"
)

func init() {
	Register("ma_cross", NewMACross)
}

// MACross trades fast/slow moving-average crossovers: buy when the fast
// average crosses above the slow one, sell on the opposite cross.
type MACross struct {
	threshold float64 // minimum relative separation to act on

	state maCrossState
}

type maCrossState struct {
	PrevDiff float64 `json:"prev_diff"`
	Primed   bool    `json:"primed"`
}

// NewMACross builds the crossover strategy. Parameter "threshold" is
// the minimum |fast-slow|/slow separation, default 0.
func NewMACross(params map[string]float64) (Strategy, error) {
	th := param(params, "threshold", 0)
	if th < 0 {
		return nil, fmt.Errorf("threshold must be >= 0, got %v", th)
	}
	return &MACross{threshold: th}, nil
}

func (s *MACross) Name() string { return "ma_cross" }

func (s *MACross) OnIndicators(snap marketdata.Snapshot) Signal {
	fast, okF := snap.Indicators["sma_fast"]
	slow, okS := snap.Indicators["sma_slow"]
	if !okF || !okS || slow == 0 {
		return Hold(snap.Symbol, "indicators not ready")
	}

	diff := fast - slow
	prev := s.state.PrevDiff
	primed := s.state.Primed
	s.state.PrevDiff = diff
	s.state.Primed = true

	if !primed {
		return Hold(snap.Symbol, "warming up")
	}
	sep := math.Abs(diff) / slow
	if sep < s.threshold {
		return Hold(snap.Symbol, "separation under threshold")
	}

	switch {
	case prev <= 0 && diff > 0:
		return Signal{Action: ActionBuy, Symbol: snap.Symbol, Strength: clamp01(sep * 100), Note: "golden cross"}
	case prev >= 0 && diff < 0:
		return Signal{Action: ActionSell, Symbol: snap.Symbol, Strength: clamp01(sep * 100), Note: "death cross"}
	}
	return Hold(snap.Symbol, "no cross")
}

func (s *MACross) GetState() ([]byte, error) {
	return json.Marshal(s.state)
}

func (s *MACross) SetState(data []byte) error {
	return json.Unmarshal(data, &s.state)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
