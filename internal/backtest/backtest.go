// Package backtest replays historical candles through a strategy on a
// logical clock, reusing the live risk checks and position accounting.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradebot/internal/marketdata"
	"tradebot/internal/risk"
	"tradebot/internal/state"
	"tradebot/internal/strategy"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

// Config describes one backtest run.
type Config struct {
	Strategy       string                      `json:"strategy"`
	Params         map[string]float64          `json:"params"`
	Symbol         string                      `json:"symbol"`
	InitialBalance float64                     `json:"initial_balance"`
	OrderSize      float64                     `json:"order_size"`
	FeeRate        float64                     `json:"fee_rate"`     // taker fee as a fraction
	SlippageBps    float64                     `json:"slippage_bps"` // fixed adverse slippage
	Indicators     marketdata.IndicatorConfig  `json:"-"`
	RiskLimits     risk.Limits                 `json:"-"`
}

// Result holds the performance metrics of one run.
type Result struct {
	InitialBalance float64   `json:"initial_balance"`
	FinalEquity    float64   `json:"final_equity"`
	TotalReturn    float64   `json:"total_return"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	Sharpe         float64   `json:"sharpe"`
	Sortino        float64   `json:"sortino"`
	VaR95          float64   `json:"var_95"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	WinRate        float64   `json:"win_rate"`
	Candles        int       `json:"candles"`
	EquityCurve    []float64 `json:"equity_curve,omitempty"`
}

// Run replays the candles in order. Fills execute at the candle close
// adjusted for slippage and fees; no live components or wall-clock
// timers are involved.
func Run(cfg Config, candles []exchange.Candle) (*Result, error) {
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance must be positive")
	}
	if cfg.OrderSize <= 0 {
		return nil, fmt.Errorf("order size must be positive")
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles to replay")
	}

	strat, err := strategy.New(cfg.Strategy, cfg.Params)
	if err != nil {
		return nil, err
	}
	if cfg.Indicators == (marketdata.IndicatorConfig{}) {
		cfg.Indicators = marketdata.DefaultIndicatorConfig()
	}

	book := state.NewBook(cfg.InitialBalance, nil)
	riskMgr := risk.NewManager(cfg.RiskLimits, risk.VaRHistorical, nil, nil)
	ind := marketdata.NewIndicatorSet(cfg.Indicators)

	cost := 1 + cfg.SlippageBps/10000 + cfg.FeeRate

	curve := make([]float64, 0, len(candles))
	trades, wins := 0, 0
	var lastRealized decimal.Decimal

	for i, c := range candles {
		values := ind.Update(c.Close)
		marks := map[string]float64{cfg.Symbol: c.Close}

		sig := strat.OnIndicators(marketdata.Snapshot{Symbol: cfg.Symbol, Candle: c, Indicators: values})
		if sig.Action != strategy.ActionHold {
			qty := cfg.OrderSize * sig.Strength
			if qty > 0 {
				side := exchange.SideBuy
				fillPrice := c.Close * cost
				if sig.Action == strategy.ActionSell {
					side = exchange.SideSell
					fillPrice = c.Close * (2 - cost)
				}
				req := exchange.OrderRequest{Symbol: cfg.Symbol, Side: side, Type: exchange.OrderTypeMarket, Qty: qty}
				if err := riskMgr.MayPlace(req, c.Close, book, marks); err == nil {
					pos := book.ApplyFill(state.Fill{
						Symbol: cfg.Symbol,
						Side:   side,
						Price:  decimal.NewFromFloat(fillPrice),
						Qty:    decimal.NewFromFloat(qty),
					})
					trades++
					if pos.RealizedPnL.GreaterThan(lastRealized) {
						wins++
					}
					lastRealized = pos.RealizedPnL
					if pos.Qty.IsZero() {
						lastRealized = decimal.Zero
					}
				}
			}
		}

		eq := book.Equity(marks)
		curve = append(curve, eq)
		riskMgr.RecordEquity(eq, candles[0].OpenTime.Add(time.Duration(i)*time.Minute))
	}

	res := buildResult(cfg, curve, trades, wins)
	log.Printf("[Backtest] %s on %s: %d candles, %d trades, return %.2f%%",
		cfg.Strategy, cfg.Symbol, len(candles), trades, res.TotalReturn*100)
	return res, nil
}

// Persist stores a completed run.
func Persist(ctx context.Context, store *db.Database, cfg Config, res *Result) error {
	params, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	// The stored result drops the full curve to keep rows small.
	trimmed := *res
	trimmed.EquityCurve = nil
	result, err := json.Marshal(trimmed)
	if err != nil {
		return err
	}
	return store.CreateBacktestRun(ctx, db.BacktestRun{
		ID:       uuid.NewString(),
		Strategy: cfg.Strategy,
		Symbol:   cfg.Symbol,
		Params:   string(params),
		Result:   string(result),
	})
}
