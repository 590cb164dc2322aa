// Package strategy defines the signal-producing interface and the
// built-in strategies. Strategies are fed indicator snapshots and never
// talk to the venue directly.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"tradebot/internal/marketdata"
)

// Action is the direction a strategy wants to trade.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal is one strategy decision. Strength in [0, 1] scales the
// configured order size.
type Signal struct {
	Action   Action  `json:"action"`
	Symbol   string  `json:"symbol"`
	Strength float64 `json:"strength"`
	Note     string  `json:"note"`
}

// Hold is the neutral signal.
func Hold(symbol, note string) Signal {
	return Signal{Action: ActionHold, Symbol: symbol, Note: note}
}

// Strategy turns indicator snapshots into signals. GetState and
// SetState round-trip internal state as JSON so a restart can resume
// without a warmup discontinuity.
type Strategy interface {
	Name() string
	OnIndicators(snap marketdata.Snapshot) Signal
	GetState() ([]byte, error)
	SetState(data []byte) error
}

// Factory builds a strategy from its parameter map.
type Factory func(params map[string]float64) (Strategy, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a strategy factory under a unique name.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	factories[name] = f
}

// New builds a registered strategy by name.
func New(name string, params map[string]float64) (Strategy, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return f(params)
}

// Names lists the registered strategies, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
