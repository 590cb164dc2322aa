package marketdata

import (
	"strconv"
	"time"

	"tradebot/pkg/exchange"
)

// CandleBuilder aggregates ordered ticks into fixed-interval candles.
type CandleBuilder struct {
	symbol   string
	interval time.Duration
	name     string
	cur      *exchange.Candle
}

// NewCandleBuilder creates a builder for one symbol and interval.
func NewCandleBuilder(symbol string, interval time.Duration) *CandleBuilder {
	return &CandleBuilder{symbol: symbol, interval: interval, name: IntervalName(interval)}
}

// Push adds a tick. When the tick opens a new bucket the previous candle
// is returned as completed; otherwise the return is nil.
func (b *CandleBuilder) Push(t exchange.Tick) *exchange.Candle {
	bucket := t.Time.Truncate(b.interval)

	if b.cur == nil {
		b.cur = b.newCandle(bucket, t)
		return nil
	}
	if bucket.Equal(b.cur.OpenTime) {
		if t.Price > b.cur.High {
			b.cur.High = t.Price
		}
		if t.Price < b.cur.Low {
			b.cur.Low = t.Price
		}
		b.cur.Close = t.Price
		b.cur.Volume += t.Qty
		return nil
	}

	done := b.cur
	b.cur = b.newCandle(bucket, t)
	return done
}

// Current returns the in-progress candle, or nil before the first tick.
func (b *CandleBuilder) Current() *exchange.Candle {
	if b.cur == nil {
		return nil
	}
	cp := *b.cur
	return &cp
}

func (b *CandleBuilder) newCandle(open time.Time, t exchange.Tick) *exchange.Candle {
	return &exchange.Candle{
		Symbol:   b.symbol,
		Interval: b.name,
		OpenTime: open,
		Open:     t.Price,
		High:     t.Price,
		Low:      t.Price,
		Close:    t.Price,
		Volume:   t.Qty,
	}
}

// IntervalName renders a duration as the short exchange-style interval
// string ("1m", "5m", "1h", "1d").
func IntervalName(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	default:
		return strconv.Itoa(int(d/time.Second)) + "s"
	}
}

// ParseInterval is the inverse of IntervalName.
func ParseInterval(s string) (time.Duration, bool) {
	if len(s) < 2 {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s)-1; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 0, false
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}
