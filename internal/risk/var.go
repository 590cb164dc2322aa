package risk

import (
	"math"
	"math/rand"
	"sort"
)

// VaRMethod selects how value-at-risk is estimated.
type VaRMethod string

const (
	VaRHistorical VaRMethod = "historical"
	VaRParametric VaRMethod = "parametric"
	VaRMonteCarlo VaRMethod = "monte_carlo"
)

// VaR estimates the 95% value-at-risk of a return series as a positive
// loss fraction. Returns 0 when the series is too short to estimate.
func VaR(returns []float64, method VaRMethod) float64 {
	if len(returns) < 2 {
		return 0
	}
	switch method {
	case VaRParametric:
		return parametricVaR(returns)
	case VaRMonteCarlo:
		return monteCarloVaR(returns)
	default:
		return historicalVaR(returns)
	}
}

// historicalVaR takes the 5th percentile of observed returns.
func historicalVaR(returns []float64) float64 {
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(math.Floor(0.05 * float64(len(sorted)-1)))
	return clampLoss(sorted[idx])
}

// parametricVaR assumes normal returns: mean - 1.645*sigma.
func parametricVaR(returns []float64) float64 {
	mean, std := meanStd(returns)
	return clampLoss(mean - 1.645*std)
}

// monteCarloVaR resamples from a fitted normal. The generator is seeded
// so estimates are reproducible across runs.
func monteCarloVaR(returns []float64) float64 {
	mean, std := meanStd(returns)
	rng := rand.New(rand.NewSource(42))
	const n = 10000
	sim := make([]float64, n)
	for i := range sim {
		sim[i] = mean + std*rng.NormFloat64()
	}
	sort.Float64s(sim)
	return clampLoss(sim[int(0.05*n)])
}

func meanStd(xs []float64) (mean, std float64) {
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

func clampLoss(r float64) float64 {
	if r >= 0 {
		return 0
	}
	return -r
}
