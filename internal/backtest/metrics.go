package backtest

import (
	"math"

	"tradebot/internal/risk"
)

// periodsPerYear annualizes per-candle ratios assuming minute candles
// on a 24/7 market.
const periodsPerYear = 365 * 24 * 60

func buildResult(cfg Config, curve []float64, trades, wins int) *Result {
	res := &Result{
		InitialBalance: cfg.InitialBalance,
		Trades:         trades,
		Wins:           wins,
		Candles:        len(curve),
		EquityCurve:    curve,
	}
	if len(curve) == 0 {
		return res
	}
	res.FinalEquity = curve[len(curve)-1]
	res.TotalReturn = res.FinalEquity/cfg.InitialBalance - 1
	if trades > 0 {
		res.WinRate = float64(wins) / float64(trades)
	}

	peak := curve[0]
	for _, eq := range curve {
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > res.MaxDrawdown {
				res.MaxDrawdown = dd
			}
		}
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] != 0 {
			returns = append(returns, curve[i]/curve[i-1]-1)
		}
	}
	res.Sharpe = sharpe(returns)
	res.Sortino = sortino(returns)
	res.VaR95 = risk.VaR(returns, risk.VaRHistorical)
	return res
}

func sharpe(returns []float64) float64 {
	mean, std := meanStd(returns)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// sortino penalizes only downside deviation.
func sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, _ := meanStd(returns)
	var downSS float64
	n := 0
	for _, r := range returns {
		if r < 0 {
			downSS += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	down := math.Sqrt(downSS / float64(n))
	if down == 0 {
		return 0
	}
	return mean / down * math.Sqrt(periodsPerYear)
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) < 2 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(xs)-1))
	return mean, std
}
