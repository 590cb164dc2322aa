package marketdata

import (
	"sort"
	"time"

	"tradebot/pkg/exchange"
)

// Resequencer reorders slightly out-of-order ticks within a bounded
// lateness window. Ticks older than the last emitted tick minus the
// window are dropped and counted.
type Resequencer struct {
	window  time.Duration
	pending []exchange.Tick
	emitted time.Time
	dropped int64
}

// NewResequencer creates a resequencer with the given lateness window.
func NewResequencer(window time.Duration) *Resequencer {
	return &Resequencer{window: window}
}

// Push adds a tick and returns all ticks whose time is now settled,
// in order. A tick is settled once a newer tick pushes the watermark
// past it by the window.
func (r *Resequencer) Push(t exchange.Tick) []exchange.Tick {
	if !r.emitted.IsZero() && t.Time.Before(r.emitted) {
		r.dropped++
		return nil
	}
	r.pending = append(r.pending, t)
	sort.Slice(r.pending, func(i, j int) bool {
		return r.pending[i].Time.Before(r.pending[j].Time)
	})

	watermark := t.Time.Add(-r.window)
	cut := 0
	for cut < len(r.pending) && !r.pending[cut].Time.After(watermark) {
		cut++
	}
	if cut == 0 {
		return nil
	}
	out := append([]exchange.Tick(nil), r.pending[:cut]...)
	r.pending = r.pending[cut:]
	r.emitted = out[len(out)-1].Time
	return out
}

// Flush drains all pending ticks in order, used on shutdown.
func (r *Resequencer) Flush() []exchange.Tick {
	out := r.pending
	r.pending = nil
	if len(out) > 0 {
		r.emitted = out[len(out)-1].Time
	}
	return out
}

// Dropped returns the number of ticks discarded as too late.
func (r *Resequencer) Dropped() int64 { return r.dropped }
