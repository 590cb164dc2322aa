package optimize

import (
	"context"
	"math"
	"math/rand"
	"sort"
)

// geneticSearch runs a steady-state genetic algorithm: tournament
// selection, blend crossover, gaussian mutation and a small elite that
// survives unchanged.
func geneticSearch(ctx context.Context, cfg Config, space Space, obj Objective) (*Result, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))

	pop := make([]map[string]float64, cfg.Population)
	for i := range pop {
		pop[i] = randomPoint(space, rng)
	}

	const (
		tournamentK   = 3
		crossoverRate = 0.8
		mutationRate  = 0.15
		eliteCount    = 2
	)

	total := 0
	var best Trial
	best.Score = negInf

	for gen := 0; gen < cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trials := evalAll(ctx, cfg.Parallelism, pop, obj)
		total += len(trials)
		for _, t := range trials {
			if t.Score > best.Score {
				best = t
			}
		}

		// Elitism: carry the generation's best forward unchanged.
		elite := make([]Trial, len(trials))
		copy(elite, trials)
		sortTrials(elite)

		next := make([]map[string]float64, 0, cfg.Population)
		for i := 0; i < eliteCount && i < len(elite); i++ {
			next = append(next, elite[i].Params)
		}
		for len(next) < cfg.Population {
			a := tournament(trials, tournamentK, rng)
			b := tournament(trials, tournamentK, rng)
			child := crossover(space, a.Params, b.Params, crossoverRate, rng)
			mutate(space, child, mutationRate, rng)
			next = append(next, child)
		}
		pop = next
	}

	return &Result{Method: MethodGenetic, Best: best, Trials: total}, nil
}

func randomPoint(space Space, rng *rand.Rand) map[string]float64 {
	p := make(map[string]float64, len(space))
	for _, dim := range space {
		p[dim.Name] = snap(dim, dim.Min+rng.Float64()*(dim.Max-dim.Min))
	}
	return p
}

func tournament(trials []Trial, k int, rng *rand.Rand) Trial {
	best := trials[rng.Intn(len(trials))]
	for i := 1; i < k; i++ {
		c := trials[rng.Intn(len(trials))]
		if c.Score > best.Score {
			best = c
		}
	}
	return best
}

// crossover blends each dimension between the parents.
func crossover(space Space, a, b map[string]float64, rate float64, rng *rand.Rand) map[string]float64 {
	child := make(map[string]float64, len(space))
	for _, dim := range space {
		if rng.Float64() < rate {
			w := rng.Float64()
			child[dim.Name] = snap(dim, w*a[dim.Name]+(1-w)*b[dim.Name])
		} else {
			child[dim.Name] = a[dim.Name]
		}
	}
	return child
}

// mutate perturbs dimensions with gaussian noise scaled to the range.
func mutate(space Space, p map[string]float64, rate float64, rng *rand.Rand) {
	for _, dim := range space {
		if rng.Float64() >= rate {
			continue
		}
		sigma := (dim.Max - dim.Min) * 0.1
		p[dim.Name] = snap(dim, p[dim.Name]+rng.NormFloat64()*sigma)
	}
}

// snap clamps to the range and rounds to the step grid when set.
func snap(dim Param, v float64) float64 {
	if dim.Step > 0 {
		v = dim.Min + math.Round((v-dim.Min)/dim.Step)*dim.Step
	}
	if v < dim.Min {
		v = dim.Min
	}
	if v > dim.Max {
		v = dim.Max
	}
	return v
}

func sortTrials(trials []Trial) {
	sort.Slice(trials, func(i, j int) bool { return trials[i].Score > trials[j].Score })
}
