package marketdata

import "math"

// SMA is a rolling simple moving average with O(1) updates.
type SMA struct {
	window []float64
	size   int
	head   int
	count  int
	sum    float64
}

// NewSMA creates a moving average over size samples.
func NewSMA(size int) *SMA {
	return &SMA{window: make([]float64, size), size: size}
}

// Update pushes a value and returns the current average.
func (s *SMA) Update(v float64) float64 {
	if s.count == s.size {
		s.sum -= s.window[s.head]
	} else {
		s.count++
	}
	s.window[s.head] = v
	s.head = (s.head + 1) % s.size
	s.sum += v
	return s.sum / float64(s.count)
}

// Ready reports whether the window is full.
func (s *SMA) Ready() bool { return s.count == s.size }

// Value returns the current average without updating.
func (s *SMA) Value() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// EMA is an exponential moving average seeded by the first sample.
type EMA struct {
	alpha  float64
	value  float64
	primed bool
}

// NewEMA creates an EMA with the standard 2/(period+1) smoothing.
func NewEMA(period int) *EMA {
	return &EMA{alpha: 2.0 / (float64(period) + 1)}
}

// Update pushes a value and returns the current EMA.
func (e *EMA) Update(v float64) float64 {
	if !e.primed {
		e.value = v
		e.primed = true
		return v
	}
	e.value += e.alpha * (v - e.value)
	return e.value
}

// Value returns the current EMA without updating.
func (e *EMA) Value() float64 { return e.value }

// RSI is Wilder's relative strength index with incremental smoothing.
type RSI struct {
	period   int
	avgGain  float64
	avgLoss  float64
	prev     float64
	seen     int
	havePrev bool
}

// NewRSI creates an RSI over the given period.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Update pushes a close price and returns the RSI in [0, 100].
// Returns 50 until enough samples have been seen.
func (r *RSI) Update(close float64) float64 {
	if !r.havePrev {
		r.prev = close
		r.havePrev = true
		return 50
	}
	change := close - r.prev
	r.prev = close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if r.seen < r.period {
		r.avgGain += gain / float64(r.period)
		r.avgLoss += loss / float64(r.period)
		r.seen++
	} else {
		n := float64(r.period)
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}
	if r.seen < r.period {
		return 50
	}
	if r.avgLoss == 0 {
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

// Ready reports whether the smoothing window has filled.
func (r *RSI) Ready() bool { return r.seen >= r.period }

// RollingStd is a rolling standard deviation using running sums.
type RollingStd struct {
	window []float64
	size   int
	head   int
	count  int
	sum    float64
	sumSq  float64
}

// NewRollingStd creates a rolling std-dev over size samples.
func NewRollingStd(size int) *RollingStd {
	return &RollingStd{window: make([]float64, size), size: size}
}

// Update pushes a value and returns the sample standard deviation of
// the current window.
func (r *RollingStd) Update(v float64) float64 {
	if r.count == r.size {
		old := r.window[r.head]
		r.sum -= old
		r.sumSq -= old * old
	} else {
		r.count++
	}
	r.window[r.head] = v
	r.head = (r.head + 1) % r.size
	r.sum += v
	r.sumSq += v * v
	return r.Value()
}

// Value returns the current standard deviation without updating.
func (r *RollingStd) Value() float64 {
	if r.count < 2 {
		return 0
	}
	n := float64(r.count)
	mean := r.sum / n
	variance := (r.sumSq - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0 // guard against float cancellation
	}
	return math.Sqrt(variance)
}

// PercentileRank reports where the latest value sits inside a bounded
// trailing window, as a fraction in [0, 1].
type PercentileRank struct {
	window []float64
	size   int
	head   int
	count  int
}

// NewPercentileRank creates a rank over a window of size samples.
func NewPercentileRank(size int) *PercentileRank {
	return &PercentileRank{window: make([]float64, size), size: size}
}

// Update pushes a value and returns the fraction of the window at or
// below it. The window is bounded, so the linear scan stays cheap.
func (p *PercentileRank) Update(v float64) float64 {
	if p.count < p.size {
		p.count++
	}
	p.window[p.head] = v
	p.head = (p.head + 1) % p.size

	atOrBelow := 0
	for i := 0; i < p.count; i++ {
		if p.window[i] <= v {
			atOrBelow++
		}
	}
	return float64(atOrBelow) / float64(p.count)
}

// IndicatorSet bundles the per-symbol indicators the engine feeds to
// strategies on each completed candle.
type IndicatorSet struct {
	SMAFast *SMA
	SMASlow *SMA
	EMAFast *EMA
	EMASlow *EMA
	RSI     *RSI
	Vol     *RollingStd
	PctRank *PercentileRank

	prevClose float64
	haveClose bool
}

// IndicatorConfig sets the indicator periods.
type IndicatorConfig struct {
	SMAFast    int
	SMASlow    int
	EMAFast    int
	EMASlow    int
	RSI        int
	VolWin     int
	PctRankWin int
}

// DefaultIndicatorConfig mirrors the usual fast/slow crossover setup.
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{SMAFast: 10, SMASlow: 30, EMAFast: 12, EMASlow: 26, RSI: 14, VolWin: 20, PctRankWin: 50}
}

// NewIndicatorSet creates the full indicator bundle.
func NewIndicatorSet(cfg IndicatorConfig) *IndicatorSet {
	if cfg.PctRankWin == 0 {
		cfg.PctRankWin = 50
	}
	return &IndicatorSet{
		SMAFast: NewSMA(cfg.SMAFast),
		SMASlow: NewSMA(cfg.SMASlow),
		EMAFast: NewEMA(cfg.EMAFast),
		EMASlow: NewEMA(cfg.EMASlow),
		RSI:     NewRSI(cfg.RSI),
		Vol:     NewRollingStd(cfg.VolWin),
		PctRank: NewPercentileRank(cfg.PctRankWin),
	}
}

// Update feeds one candle close through every indicator and returns the
// resulting values keyed by indicator name.
func (s *IndicatorSet) Update(close float64) map[string]float64 {
	out := map[string]float64{
		"close":    close,
		"sma_fast": s.SMAFast.Update(close),
		"sma_slow": s.SMASlow.Update(close),
		"ema_fast": s.EMAFast.Update(close),
		"ema_slow": s.EMASlow.Update(close),
		"rsi":      s.RSI.Update(close),
		"pct_rank": s.PctRank.Update(close),
	}
	if s.haveClose && s.prevClose != 0 {
		out["volatility"] = s.Vol.Update(close/s.prevClose - 1)
	}
	s.prevClose = close
	s.haveClose = true
	return out
}
