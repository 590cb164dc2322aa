package db

import "time"

// Order represents a trading order stored in the DB.
type Order struct {
	ID              string
	ExchangeOrderID string
	SignalID        string
	StrategyID      string
	Symbol          string
	Side            string
	Type            string
	Price           float64
	Qty             float64
	FilledQty       float64
	AvgPrice        float64
	Status          string
	FailReason      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trade represents a fill stored in the DB.
type Trade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	CreatedAt time.Time
}

// Position tracks net position per symbol.
type Position struct {
	Symbol      string
	Qty         float64
	AvgEntry    float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// RiskAlert is a persisted threshold-crossing event.
type RiskAlert struct {
	ID         string
	Level      string
	Type       string
	Message    string
	Value      float64
	Threshold  float64
	Resolved   bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// BacktestRun is a persisted backtest result (params and result as JSON).
type BacktestRun struct {
	ID        string
	Strategy  string
	Symbol    string
	Params    string
	Result    string
	CreatedAt time.Time
}
