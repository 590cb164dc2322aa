// Package optimize searches strategy parameter spaces. The search
// method is picked from the space size: exhaustive grids for small
// spaces, a genetic search for medium ones and a surrogate-guided
// (bayesian) search for large ones.
package optimize

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Param is one dimension of the search space. Step defines the grid
// resolution; genetic and bayesian search treat the range as
// continuous and snap to Step only when it is set.
type Param struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Values enumerates the grid points of this dimension.
func (p Param) Values() []float64 {
	if p.Step <= 0 || p.Min == p.Max {
		return []float64{p.Min}
	}
	var out []float64
	for v := p.Min; v <= p.Max+p.Step/2; v += p.Step {
		out = append(out, v)
	}
	return out
}

// Space is the full parameter space.
type Space []Param

// GridSize returns the number of grid combinations.
func (s Space) GridSize() int {
	size := 1
	for _, p := range s {
		size *= len(p.Values())
	}
	return size
}

// Method names a search algorithm.
type Method string

const (
	MethodGrid     Method = "grid"
	MethodGenetic  Method = "genetic"
	MethodBayesian Method = "bayesian"
)

// Config tunes the optimizer.
type Config struct {
	Method      Method // empty selects by space size
	GridMax     int    // largest space searched exhaustively
	GeneticMax  int    // largest space for genetic search
	Parallelism int
	Seed        int64

	Population  int // genetic
	Generations int

	InitSamples int // bayesian
	Iterations  int
	Candidates  int // surrogate candidate pool per iteration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GridMax:     1000,
		GeneticMax:  10000,
		Parallelism: 4,
		Seed:        1,
		Population:  30,
		Generations: 20,
		InitSamples: 10,
		Iterations:  40,
		Candidates:  200,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.GridMax <= 0 {
		c.GridMax = d.GridMax
	}
	if c.GeneticMax <= 0 {
		c.GeneticMax = d.GeneticMax
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	if c.Population <= 0 {
		c.Population = d.Population
	}
	if c.Generations <= 0 {
		c.Generations = d.Generations
	}
	if c.InitSamples <= 0 {
		c.InitSamples = d.InitSamples
	}
	if c.Iterations <= 0 {
		c.Iterations = d.Iterations
	}
	if c.Candidates <= 0 {
		c.Candidates = d.Candidates
	}
}

// Objective scores one parameter set; higher is better.
type Objective func(ctx context.Context, params map[string]float64) (float64, error)

// Trial is one evaluated parameter set.
type Trial struct {
	Params map[string]float64 `json:"params"`
	Score  float64            `json:"score"`
}

// Result is the outcome of a search.
type Result struct {
	Method Method  `json:"method"`
	Best   Trial   `json:"best"`
	Trials int     `json:"trials"`
}

// SelectMethod picks the algorithm for a space of the given grid size.
func SelectMethod(size int, cfg Config) Method {
	switch {
	case size <= cfg.GridMax:
		return MethodGrid
	case size <= cfg.GeneticMax:
		return MethodGenetic
	default:
		return MethodBayesian
	}
}

// Optimize searches the space with the configured or auto-selected
// method.
func Optimize(ctx context.Context, cfg Config, space Space, obj Objective) (*Result, error) {
	if len(space) == 0 {
		return nil, fmt.Errorf("empty parameter space")
	}
	cfg.fillDefaults()

	method := cfg.Method
	if method == "" {
		method = SelectMethod(space.GridSize(), cfg)
	}
	log.Printf("[Optimize] method=%s grid_size=%d", method, space.GridSize())

	switch method {
	case MethodGrid:
		return gridSearch(ctx, cfg, space, obj)
	case MethodGenetic:
		return geneticSearch(ctx, cfg, space, obj)
	case MethodBayesian:
		return bayesianSearch(ctx, cfg, space, obj)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// evalAll scores candidates with bounded parallelism, preserving order.
// Failed evaluations score negative infinity so they never win.
func evalAll(ctx context.Context, parallelism int, candidates []map[string]float64, obj Objective) []Trial {
	trials := make([]Trial, len(candidates))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, params := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, params map[string]float64) {
			defer wg.Done()
			defer func() { <-sem }()
			score, err := obj(ctx, params)
			if err != nil {
				log.Printf("[Optimize] evaluation failed: %v", err)
				score = negInf
			}
			trials[i] = Trial{Params: params, Score: score}
		}(i, params)
	}
	wg.Wait()
	return trials
}

const negInf = -1e308

func bestOf(trials []Trial) Trial {
	best := trials[0]
	for _, t := range trials[1:] {
		if t.Score > best.Score {
			best = t
		}
	}
	return best
}
