package optimize

import (
	"context"
	"math"
	"math/rand"
)

// bayesianSearch explores the space with a lightweight surrogate:
// random initial samples, then per iteration a kernel-regression
// estimate of mean and uncertainty over a random candidate pool, with
// the candidate of highest expected improvement evaluated next.
func bayesianSearch(ctx context.Context, cfg Config, space Space, obj Objective) (*Result, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))

	init := make([]map[string]float64, cfg.InitSamples)
	for i := range init {
		init[i] = randomPoint(space, rng)
	}
	trials := evalAll(ctx, cfg.Parallelism, init, obj)

	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		best := bestOf(trials).Score

		var pick map[string]float64
		pickEI := math.Inf(-1)
		for c := 0; c < cfg.Candidates; c++ {
			cand := randomPoint(space, rng)
			mean, sigma := surrogate(space, trials, cand)
			ei := expectedImprovement(mean, sigma, best)
			if ei > pickEI {
				pickEI = ei
				pick = cand
			}
		}

		score, err := obj(ctx, pick)
		if err != nil {
			score = negInf
		}
		trials = append(trials, Trial{Params: pick, Score: score})
	}

	return &Result{Method: MethodBayesian, Best: bestOf(trials), Trials: len(trials)}, nil
}

// surrogate is a gaussian-kernel regression over the evaluated trials.
// Sparse neighborhoods yield high sigma, steering the search toward
// unexplored regions.
func surrogate(space Space, trials []Trial, cand map[string]float64) (mean, sigma float64) {
	const bandwidth = 0.2

	var wSum, wScore float64
	for _, t := range trials {
		if t.Score == negInf {
			continue
		}
		d := normDistance(space, t.Params, cand)
		w := math.Exp(-d * d / (2 * bandwidth * bandwidth))
		wSum += w
		wScore += w * t.Score
	}
	if wSum == 0 {
		return 0, 1
	}
	mean = wScore / wSum

	var wVar float64
	for _, t := range trials {
		if t.Score == negInf {
			continue
		}
		d := normDistance(space, t.Params, cand)
		w := math.Exp(-d * d / (2 * bandwidth * bandwidth))
		diff := t.Score - mean
		wVar += w * diff * diff
	}
	// Low total weight means no nearby observations; inflate sigma.
	sigma = math.Sqrt(wVar/wSum) + 1/(1+wSum)
	return mean, sigma
}

// normDistance is the euclidean distance with each dimension scaled to
// its range.
func normDistance(space Space, a, b map[string]float64) float64 {
	var ss float64
	for _, dim := range space {
		span := dim.Max - dim.Min
		if span == 0 {
			continue
		}
		d := (a[dim.Name] - b[dim.Name]) / span
		ss += d * d
	}
	return math.Sqrt(ss)
}

// expectedImprovement of a gaussian posterior over the current best.
func expectedImprovement(mean, sigma, best float64) float64 {
	if sigma <= 0 {
		return 0
	}
	z := (mean - best) / sigma
	return (mean-best)*normCDF(z) + sigma*normPDF(z)
}

func normPDF(z float64) float64 {
	return math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
}

func normCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}
