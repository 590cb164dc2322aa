package optimize

import "context"

// gridSearch evaluates every combination in the space.
func gridSearch(ctx context.Context, cfg Config, space Space, obj Objective) (*Result, error) {
	candidates := enumerate(space)
	trials := evalAll(ctx, cfg.Parallelism, candidates, obj)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Method: MethodGrid, Best: bestOf(trials), Trials: len(trials)}, nil
}

// enumerate builds the cartesian product of all grid values.
func enumerate(space Space) []map[string]float64 {
	out := []map[string]float64{{}}
	for _, p := range space {
		values := p.Values()
		next := make([]map[string]float64, 0, len(out)*len(values))
		for _, base := range out {
			for _, v := range values {
				combo := make(map[string]float64, len(base)+1)
				for k, bv := range base {
					combo[k] = bv
				}
				combo[p.Name] = v
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}
