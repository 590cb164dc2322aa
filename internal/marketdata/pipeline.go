// Package marketdata turns raw exchange tick streams into ordered
// candles and indicator values published on the event bus.
package marketdata

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tradebot/internal/events"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

// Config tunes the pipeline.
type Config struct {
	Symbols        []string
	Interval       time.Duration
	ReorderWindow  time.Duration
	StaleAfter     time.Duration
	Indicators     IndicatorConfig
	BackfillLookup time.Duration
}

// Snapshot is published with each indicator update.
type Snapshot struct {
	Symbol     string
	Candle     exchange.Candle
	Indicators map[string]float64
}

// GapReport is published when a feed goes stale or reconnects with
// missing candles.
type GapReport struct {
	Symbol string
	From   time.Time
	To     time.Time
	Reason string
}

type symbolState struct {
	reseq    *Resequencer
	builder  *CandleBuilder
	ind      *IndicatorSet
	lastTick time.Time
	healthy  bool
}

// Pipeline runs one collector goroutine per symbol.
type Pipeline struct {
	cfg   Config
	feed  exchange.MarketData
	bus   *events.Bus
	store *db.Database

	mu      sync.Mutex
	symbols map[string]*symbolState

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPipeline creates a pipeline. store may be nil to skip persistence.
func NewPipeline(cfg Config, feed exchange.MarketData, bus *events.Bus, store *db.Database) *Pipeline {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = 500 * time.Millisecond
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.Indicators == (IndicatorConfig{}) {
		cfg.Indicators = DefaultIndicatorConfig()
	}
	if cfg.BackfillLookup == 0 {
		cfg.BackfillLookup = 6 * time.Hour
	}
	p := &Pipeline{
		cfg:     cfg,
		feed:    feed,
		bus:     bus,
		store:   store,
		symbols: make(map[string]*symbolState),
	}
	for _, sym := range cfg.Symbols {
		p.symbols[sym] = &symbolState{
			reseq:   NewResequencer(cfg.ReorderWindow),
			builder: NewCandleBuilder(sym, cfg.Interval),
			ind:     NewIndicatorSet(cfg.Indicators),
			healthy: true,
		}
	}
	return p
}

// Start launches collectors for all configured symbols.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for sym := range p.symbols {
		p.wg.Add(1)
		go p.collect(ctx, sym)
	}
	p.wg.Add(1)
	go p.watchHealth(ctx)
	log.Printf("[MarketData] pipeline started for %d symbols", len(p.symbols))
}

// Stop shuts down all collectors and waits for them to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Printf("[MarketData] pipeline stopped")
}

// Healthy reports whether a symbol's feed delivered a tick recently.
func (p *Pipeline) Healthy(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.symbols[symbol]
	return ok && s.healthy
}

// collect streams ticks for one symbol, reconnecting with exponential
// backoff and backfilling candles missed while disconnected.
func (p *Pipeline) collect(ctx context.Context, symbol string) {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever until ctx is cancelled

	for {
		if ctx.Err() != nil {
			return
		}

		ticks, cancel, err := p.feed.StreamTicks(ctx, symbol)
		if err != nil {
			wait := bo.NextBackOff()
			log.Printf("[MarketData] %s stream failed, retrying in %s: %v", symbol, wait, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		p.backfill(ctx, symbol)

		if !p.drain(ctx, symbol, ticks, cancel) {
			return
		}
		log.Printf("[MarketData] %s stream closed, reconnecting", symbol)
	}
}

// drain consumes one stream until it closes (returns true) or the
// context ends (returns false).
func (p *Pipeline) drain(ctx context.Context, symbol string, ticks <-chan exchange.Tick, cancel func()) bool {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return false
		case t, ok := <-ticks:
			if !ok {
				return true
			}
			p.onTick(ctx, symbol, t)
		}
	}
}

func (p *Pipeline) onTick(ctx context.Context, symbol string, t exchange.Tick) {
	p.mu.Lock()
	s := p.symbols[symbol]
	if s == nil {
		p.mu.Unlock()
		return
	}
	s.lastTick = time.Now()
	if !s.healthy {
		s.healthy = true
		log.Printf("[MarketData] %s feed recovered", symbol)
	}
	ordered := s.reseq.Push(t)

	type done struct {
		candle exchange.Candle
		ind    map[string]float64
	}
	var completed []done
	for _, ot := range ordered {
		if c := s.builder.Push(ot); c != nil {
			completed = append(completed, done{*c, s.ind.Update(c.Close)})
		}
	}
	p.mu.Unlock()

	p.bus.Publish(events.EventTick, t)
	for _, d := range completed {
		p.bus.Publish(events.EventCandle, d.candle)
		p.bus.Publish(events.EventIndicator, Snapshot{Symbol: symbol, Candle: d.candle, Indicators: d.ind})
		if p.store != nil {
			if err := p.store.AppendCandle(ctx, d.candle); err != nil {
				log.Printf("[MarketData] persist candle: %v", err)
			}
		}
	}
}

// backfill fetches candles missed between the last stored candle and
// now, stores them and reports the gap.
func (p *Pipeline) backfill(ctx context.Context, symbol string) {
	if p.store == nil {
		return
	}
	interval := IntervalName(p.cfg.Interval)
	last, err := p.store.LastCandleTime(ctx, symbol, interval)
	if err != nil {
		log.Printf("[MarketData] %s backfill lookup: %v", symbol, err)
		return
	}
	now := time.Now().UTC()
	from := last.Add(p.cfg.Interval)
	if last.IsZero() || now.Sub(from) > p.cfg.BackfillLookup {
		from = now.Add(-p.cfg.BackfillLookup)
	}
	if !from.Before(now) {
		return
	}

	candles, err := p.feed.GetCandleRange(ctx, symbol, interval, from, now)
	if err != nil {
		log.Printf("[MarketData] %s backfill fetch: %v", symbol, err)
		return
	}
	for _, c := range candles {
		if err := p.store.AppendCandle(ctx, c); err != nil {
			log.Printf("[MarketData] %s backfill store: %v", symbol, err)
			return
		}
	}
	if len(candles) > 0 {
		log.Printf("[MarketData] %s backfilled %d candles from %s", symbol, len(candles), from.Format(time.RFC3339))
		p.bus.Publish(events.EventDataGap, GapReport{Symbol: symbol, From: from, To: now, Reason: "backfilled"})
	}
}

// watchHealth marks symbols stale when no tick arrives within the
// configured window and publishes a gap report once per outage.
func (p *Pipeline) watchHealth(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for sym, s := range p.symbols {
				if s.healthy && !s.lastTick.IsZero() && now.Sub(s.lastTick) > p.cfg.StaleAfter {
					s.healthy = false
					log.Printf("[MarketData] %s feed stale, last tick %s ago", sym, now.Sub(s.lastTick).Round(time.Second))
					p.bus.Publish(events.EventDataGap, GapReport{Symbol: sym, From: s.lastTick, To: now, Reason: "stale"})
				}
			}
			p.mu.Unlock()
		}
	}
}
