package marketdata

import (
	"testing"
	"time"

	"tradebot/pkg/exchange"
)

func tick(sym string, offset time.Duration, price float64) exchange.Tick {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return exchange.Tick{Symbol: sym, Price: price, Qty: 1, Time: base.Add(offset)}
}

func TestResequencerReordersWithinWindow(t *testing.T) {
	r := NewResequencer(time.Second)

	var out []exchange.Tick
	out = append(out, r.Push(tick("X", 0, 1))...)
	out = append(out, r.Push(tick("X", 400*time.Millisecond, 3))...) // out of order
	out = append(out, r.Push(tick("X", 200*time.Millisecond, 2))...)
	out = append(out, r.Push(tick("X", 2*time.Second, 4))...)
	out = append(out, r.Flush()...)

	if len(out) != 4 {
		t.Fatalf("got %d ticks, want 4", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Time.Before(out[i-1].Time) {
			t.Errorf("ticks out of order at %d: %v before %v", i, out[i].Time, out[i-1].Time)
		}
	}
}

func TestResequencerDropsTooLate(t *testing.T) {
	r := NewResequencer(100 * time.Millisecond)

	r.Push(tick("X", 0, 1))
	r.Push(tick("X", 50*time.Millisecond, 2))
	r.Push(tick("X", time.Second, 3)) // settles the first two ticks
	if got := r.Push(tick("X", 20*time.Millisecond, 9)); got != nil {
		t.Errorf("late tick emitted: %+v", got)
	}
	if r.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", r.Dropped())
	}
}

func TestCandleBuilderAggregates(t *testing.T) {
	b := NewCandleBuilder("BTCUSDT", time.Minute)

	if c := b.Push(tick("BTCUSDT", 0, 100)); c != nil {
		t.Fatalf("unexpected completed candle: %+v", c)
	}
	b.Push(tick("BTCUSDT", 10*time.Second, 105))
	b.Push(tick("BTCUSDT", 20*time.Second, 95))
	b.Push(tick("BTCUSDT", 30*time.Second, 101))

	done := b.Push(tick("BTCUSDT", 61*time.Second, 102))
	if done == nil {
		t.Fatal("expected completed candle on new bucket")
	}
	if done.Open != 100 || done.High != 105 || done.Low != 95 || done.Close != 101 {
		t.Errorf("ohlc = %v/%v/%v/%v", done.Open, done.High, done.Low, done.Close)
	}
	if done.Volume != 4 {
		t.Errorf("volume = %v, want 4", done.Volume)
	}
	if done.Interval != "1m" {
		t.Errorf("interval = %q, want 1m", done.Interval)
	}
}

func TestIntervalNameRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Second * 30, time.Minute, 5 * time.Minute, time.Hour, 4 * time.Hour, 24 * time.Hour} {
		name := IntervalName(d)
		got, ok := ParseInterval(name)
		if !ok || got != d {
			t.Errorf("round trip %v -> %q -> %v (ok=%v)", d, name, got, ok)
		}
	}
}
