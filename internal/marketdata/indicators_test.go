package marketdata

import (
	"math"
	"testing"
)

func TestSMAWindow(t *testing.T) {
	s := NewSMA(3)
	cases := []struct {
		in   float64
		want float64
	}{
		{1, 1}, {2, 1.5}, {3, 2}, {4, 3}, {5, 4},
	}
	for i, c := range cases {
		if got := s.Update(c.in); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("step %d: sma = %v, want %v", i, got, c.want)
		}
	}
	if !s.Ready() {
		t.Error("sma should be ready after 5 samples")
	}
}

func TestEMASeedsWithFirstSample(t *testing.T) {
	e := NewEMA(9)
	if got := e.Update(100); got != 100 {
		t.Fatalf("first ema = %v, want 100", got)
	}
	got := e.Update(110)
	want := 100 + 0.2*(110-100)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("ema = %v, want %v", got, want)
	}
}

func TestRSIAllGainsSaturates(t *testing.T) {
	r := NewRSI(5)
	var last float64
	for i := 0; i < 10; i++ {
		last = r.Update(float64(100 + i))
	}
	if last != 100 {
		t.Errorf("rsi with only gains = %v, want 100", last)
	}
}

func TestRSIMidrangeForMixedSeries(t *testing.T) {
	r := NewRSI(3)
	var last float64
	for _, c := range []float64{100, 101, 100, 101, 100, 101, 100} {
		last = r.Update(c)
	}
	if last < 30 || last > 70 {
		t.Errorf("rsi for alternating series = %v, want midrange", last)
	}
}

func TestRollingStdMatchesDirect(t *testing.T) {
	r := NewRollingStd(4)
	data := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	var got float64
	for _, v := range data {
		got = r.Update(v)
	}
	// Window is the last 4 samples: 5, 5, 7, 9. Sample std = sqrt(11/3).
	want := math.Sqrt(11.0 / 3.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("rolling std = %v, want %v", got, want)
	}
}

func TestIndicatorSetKeys(t *testing.T) {
	s := NewIndicatorSet(DefaultIndicatorConfig())
	var out map[string]float64
	for i := 0; i < 40; i++ {
		out = s.Update(100 + float64(i%5))
	}
	for _, key := range []string{"close", "sma_fast", "sma_slow", "ema_fast", "ema_slow", "rsi", "volatility", "pct_rank"} {
		if _, ok := out[key]; !ok {
			t.Errorf("missing indicator %q", key)
		}
	}
}

func TestPercentileRank(t *testing.T) {
	p := NewPercentileRank(4)

	if got := p.Update(1); got != 1 {
		t.Errorf("first sample rank = %v, want 1", got)
	}
	p.Update(2)
	p.Update(3)
	if got := p.Update(4); got != 1 {
		t.Errorf("new high rank = %v, want 1", got)
	}
	// Window is full; 0 evicts the oldest sample and ranks lowest.
	if got := p.Update(0); got != 0.25 {
		t.Errorf("new low rank = %v, want 0.25", got)
	}
	// Window becomes {0, 3, 3, 4}; three of four values are <= 3.
	if got := p.Update(3); got != 0.75 {
		t.Errorf("mid rank = %v, want 0.75", got)
	}
}
