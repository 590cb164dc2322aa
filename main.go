package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tradebot/internal/api"
	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/marketdata"
	"tradebot/internal/monitor"
	"tradebot/internal/notify"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/internal/state"
	"tradebot/internal/strategy"
	"tradebot/pkg/binance"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] config: %v", err)
	}

	store, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("[Main] database: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("[Main] migrations: %v", err)
	}

	bus := events.NewBus()
	book := state.NewBook(cfg.Trading.InitialBalance, bus)
	if positions, err := store.ListPositions(context.Background()); err != nil {
		log.Printf("[Main] load positions: %v", err)
	} else {
		for _, p := range positions {
			book.RestorePosition(p.Symbol, p.Qty, p.AvgEntry, p.RealizedPnL)
		}
		if len(positions) > 0 {
			log.Printf("[Main] restored %d positions from storage", len(positions))
		}
	}

	limits := risk.Limits{
		MaxLeverage:      cfg.Risk.MaxLeverage,
		MaxPositionSize:  cfg.Risk.MaxPositionSize,
		MaxTotalExposure: cfg.Risk.MaxTotalExposure,
		MaxDrawdown:      cfg.Risk.MaxDrawdown,
		MaxDailyLoss:     cfg.Risk.MaxDailyLoss,
		MinMarginRatio:   cfg.Risk.MinMarginRatio,
	}
	riskMgr := risk.NewManager(limits, risk.VaRMethod(cfg.Risk.VaRMethod), bus, store)

	venue := buildVenue(cfg)
	orders := order.NewManager(order.DefaultConfig(), venue, book, bus, store)

	interval, ok := marketdata.ParseInterval(cfg.Trading.Interval)
	if !ok {
		log.Fatalf("[Main] invalid trading interval %q", cfg.Trading.Interval)
	}
	pipeline := marketdata.NewPipeline(marketdata.Config{
		Symbols:  cfg.Trading.Symbols,
		Interval: interval,
	}, venue, bus, store)

	if cfg.Bridge.Enabled {
		strategy.Register("bridge", func(map[string]float64) (strategy.Strategy, error) {
			return strategy.NewBridge("bridge", cfg.Bridge.Addr, cfg.Bridge.Timeout)
		})
		log.Printf("[Main] external strategy bridge enabled at %s", cfg.Bridge.Addr)
	}

	eng := engine.New(engine.Config{
		Strategy:       cfg.Trading.Strategy,
		StrategyParams: cfg.Trading.StrategyParams,
		Symbols:        cfg.Trading.Symbols,
		OrderSize:      cfg.Trading.OrderSize,
	}, pipeline, orders, riskMgr, book, bus)

	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
	}
	dispatcher := notify.NewDispatcher(sinks...)
	defer dispatcher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)
	mon := monitor.New(metrics, bus, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon.Start(ctx)
	pipeline.Start(ctx)
	orders.Start(ctx)

	server := api.NewServer(cfg.Server, eng, orders, riskMgr, book, store, bus, reg)
	if err := server.Run(ctx); err != nil {
		log.Printf("[Main] server: %v", err)
	}

	// Graceful teardown in dependency order.
	if eng.State() == engine.StateRunning || eng.State() == engine.StatePaused {
		if err := eng.Stop(); err != nil {
			log.Printf("[Main] engine stop: %v", err)
		}
	}
	pipeline.Stop()
	orders.Stop()
	mon.Stop()
	log.Printf("[Main] shutdown complete")
}

// buildVenue picks the exchange implementation from config.
func buildVenue(cfg config.Config) exchange.Client {
	if cfg.Exchange.Mode == "binance" {
		log.Printf("[Main] using binance venue")
		return binance.NewClient(binance.Config{
			APIKey:    cfg.Exchange.APIKey,
			APISecret: cfg.Exchange.APISecret,
			BaseURL:   cfg.Exchange.BaseURL,
			WSBaseURL: cfg.Exchange.WSBaseURL,
		})
	}
	log.Printf("[Main] using simulated venue")
	sim := exchange.NewSim(exchange.SimConfig{SlippageBps: 2, TickEvery: time.Second})
	for _, sym := range cfg.Trading.Symbols {
		sim.SetPrice(sym, 100)
	}
	return sim
}
