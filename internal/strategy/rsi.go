package strategy

import (
	"encoding/json"
	"fmt"

	"tradebot/internal/marketdata"
)

func init() {
	Register("rsi", NewRSIReversion)
}

// RSIReversion buys oversold and sells overbought RSI readings. Each
// zone produces one signal per entry so a persistent extreme does not
// fire on every candle.
type RSIReversion struct {
	oversold   float64
	overbought float64

	state rsiState
}

type rsiState struct {
	InOversold   bool `json:"in_oversold"`
	InOverbought bool `json:"in_overbought"`
}

// NewRSIReversion builds the mean-reversion strategy. Parameters
// "oversold" (default 30) and "overbought" (default 70).
func NewRSIReversion(params map[string]float64) (Strategy, error) {
	os := param(params, "oversold", 30)
	ob := param(params, "overbought", 70)
	if os >= ob {
		return nil, fmt.Errorf("oversold %v must be below overbought %v", os, ob)
	}
	return &RSIReversion{oversold: os, overbought: ob}, nil
}

func (s *RSIReversion) Name() string { return "rsi" }

func (s *RSIReversion) OnIndicators(snap marketdata.Snapshot) Signal {
	rsi, ok := snap.Indicators["rsi"]
	if !ok {
		return Hold(snap.Symbol, "indicators not ready")
	}

	switch {
	case rsi < s.oversold:
		if s.state.InOversold {
			return Hold(snap.Symbol, "still oversold")
		}
		s.state.InOversold = true
		s.state.InOverbought = false
		strength := clamp01((s.oversold - rsi) / s.oversold)
		return Signal{Action: ActionBuy, Symbol: snap.Symbol, Strength: strength, Note: fmt.Sprintf("rsi %.1f oversold", rsi)}
	case rsi > s.overbought:
		if s.state.InOverbought {
			return Hold(snap.Symbol, "still overbought")
		}
		s.state.InOverbought = true
		s.state.InOversold = false
		strength := clamp01((rsi - s.overbought) / (100 - s.overbought))
		return Signal{Action: ActionSell, Symbol: snap.Symbol, Strength: strength, Note: fmt.Sprintf("rsi %.1f overbought", rsi)}
	default:
		s.state.InOversold = false
		s.state.InOverbought = false
		return Hold(snap.Symbol, "rsi neutral")
	}
}

func (s *RSIReversion) GetState() ([]byte, error) {
	return json.Marshal(s.state)
}

func (s *RSIReversion) SetState(data []byte) error {
	return json.Unmarshal(data, &s.state)
}
