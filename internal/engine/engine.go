// Package engine is the lifecycle controller: it owns the trading loop
// and moves between idle, running, paused, stopped and emergency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradebot/internal/events"
	"tradebot/internal/marketdata"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/internal/state"
	"tradebot/internal/strategy"
	"tradebot/pkg/exchange"
)

// State is the engine lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateEmergency State = "emergency"
)

var (
	// ErrAlreadyInState is returned when a control request would not
	// change the state.
	ErrAlreadyInState = errors.New("engine already in requested state")
	// ErrInvalidTransition is returned for control requests the current
	// state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidConfig is returned by Start when the run config fails
	// validation.
	ErrInvalidConfig = errors.New("invalid engine config")
)

// transitions lists the allowed state moves per control operation.
// Stopped is reachable from every non-terminal state; Emergency is
// entered from anywhere and leaves either to Stopped (close-out
// succeeded) or, via Reset, to Idle.
var transitions = map[State][]State{
	StateIdle:      {StateRunning, StateStopped},
	StateRunning:   {StatePaused, StateStopped},
	StatePaused:    {StateRunning, StateStopped},
	StateStopped:   {StateRunning},
	StateEmergency: {StateStopped},
}

// Config is the engine run configuration.
type Config struct {
	Strategy        string
	StrategyParams  map[string]float64
	Symbols         []string
	OrderSize       float64       // base quantity scaled by signal strength
	DecisionTimeout time.Duration // max time for one strategy decision
	DecideEvery     time.Duration // re-evaluate latest data even without new candles
	StatusEvery     time.Duration
}

// Validate checks the config before a run starts.
func (c Config) Validate() error {
	if c.Strategy == "" {
		return fmt.Errorf("%w: strategy is required", ErrInvalidConfig)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", ErrInvalidConfig)
	}
	if c.OrderSize <= 0 {
		return fmt.Errorf("%w: order size must be positive", ErrInvalidConfig)
	}
	return nil
}

// StateChange is published on every transition.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Engine wires the pipeline, strategy, risk manager and order manager
// into one controllable trading loop.
type Engine struct {
	cfg      Config
	pipeline *marketdata.Pipeline
	orders   *order.Manager
	riskMgr  *risk.Manager
	book     *state.Book
	bus      *events.Bus

	mu    sync.Mutex
	st    State
	strat strategy.Strategy
	marks map[string]float64

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates an engine in the idle state.
func New(cfg Config, pipeline *marketdata.Pipeline, orders *order.Manager, riskMgr *risk.Manager, book *state.Book, bus *events.Bus) *Engine {
	if cfg.DecisionTimeout == 0 {
		cfg.DecisionTimeout = 2 * time.Second
	}
	if cfg.DecideEvery == 0 {
		cfg.DecideEvery = 30 * time.Second
	}
	if cfg.StatusEvery == 0 {
		cfg.StatusEvery = 10 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		pipeline: pipeline,
		orders:   orders,
		riskMgr:  riskMgr,
		book:     book,
		bus:      bus,
		st:       StateIdle,
		marks:    make(map[string]float64),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// Start moves the engine into running and launches the trading loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.checkTransitionLocked(StateRunning); err != nil {
		e.mu.Unlock()
		return err
	}
	strat, err := strategy.New(e.cfg.Strategy, e.cfg.StrategyParams)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	e.strat = strat

	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})
	e.setStateLocked(StateRunning, "start requested")
	e.mu.Unlock()

	go e.run(loopCtx)
	return nil
}

// Pause suspends trading decisions; market data keeps flowing.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkTransitionLocked(StatePaused); err != nil {
		return err
	}
	e.setStateLocked(StatePaused, "pause requested")
	return nil
}

// Resume restarts trading decisions after a pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st != StatePaused {
		if e.st == StateRunning {
			return ErrAlreadyInState
		}
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, e.st)
	}
	e.setStateLocked(StateRunning, "resume requested")
	return nil
}

// Stop ends the run gracefully: the loop drains, every open order is
// cancelled, positions stay open.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if err := e.checkTransitionLocked(StateStopped); err != nil {
		e.mu.Unlock()
		return err
	}
	cancel, done := e.loopCancel, e.loopDone
	e.setStateLocked(StateStopped, "stop requested")
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	var firstErr error
	for _, o := range e.orders.Open() {
		if err := e.orders.Cancel(ctx, o.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EmergencyStop halts trading from any state, cancels every open order
// and force-closes every position with market orders that skip
// admission checks. It never fails a transition check; safety beats
// protocol. When the close-out succeeds the engine ends in Stopped with
// zero open orders and zero open positions; if the venue refuses, the
// engine stays in Emergency for a manual Reset.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.st == StateEmergency {
		e.mu.Unlock()
		return ErrAlreadyInState
	}
	cancel, done := e.loopCancel, e.loopDone
	e.setStateLocked(StateEmergency, reason)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.bus.Publish(events.EventEmergency, reason)
	log.Printf("[Engine] EMERGENCY STOP: %s", reason)

	var firstErr error
	for _, o := range e.orders.Open() {
		if err := e.orders.Cancel(ctx, o.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.flattenPositions(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		log.Printf("[Engine] emergency close-out incomplete: %v", firstErr)
		return firstErr
	}
	e.mu.Lock()
	e.setStateLocked(StateStopped, "emergency close-out complete")
	e.mu.Unlock()
	return nil
}

// flattenPositions closes every open position at market. Risk admission
// does not apply here; the book must reach flat.
func (e *Engine) flattenPositions(ctx context.Context) error {
	var firstErr error
	for _, p := range e.book.Positions() {
		qty, _ := p.Qty.Abs().Float64()
		if qty == 0 {
			continue
		}
		side := exchange.SideSell
		if p.Qty.Sign() < 0 {
			side = exchange.SideBuy
		}
		_, err := e.orders.Place(ctx, order.PlaceRequest{
			StrategyID: "emergency_close",
			Symbol:     p.Symbol,
			Side:       side,
			Type:       exchange.OrderTypeMarket,
			Qty:        qty,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reset returns an engine parked in emergency (close-out failed) to
// idle after manual intervention.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st != StateEmergency {
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, e.st)
	}
	e.setStateLocked(StateIdle, "reset after emergency")
	return nil
}

func (e *Engine) checkTransitionLocked(to State) error {
	if e.st == to {
		return ErrAlreadyInState
	}
	for _, allowed := range transitions[e.st] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.st, to)
}

func (e *Engine) setStateLocked(to State, reason string) {
	from := e.st
	e.st = to
	log.Printf("[Engine] state %s -> %s (%s)", from, to, reason)
	e.bus.Publish(events.EventStateChange, StateChange{From: from, To: to, Reason: reason, At: time.Now()})
}
