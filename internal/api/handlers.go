package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradebot/internal/backtest"
	"tradebot/internal/engine"
	"tradebot/internal/marketdata"
	"tradebot/internal/optimize"
	"tradebot/internal/risk"
	"tradebot/pkg/config"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance_id": s.instanceID,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"state":       s.engine.State(),
	})
}

func (s *Server) handleToken(c *gin.Context) {
	if s.cfg.JWTSecret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication disabled"})
		return
	}
	var body struct {
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Secret != s.cfg.JWTSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := issueToken(s.cfg.JWTSecret, 12*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// controlError maps engine control failures to HTTP statuses: repeat
// requests conflict, bad transitions conflict, bad config is a client
// error.
func controlError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrAlreadyInState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_in_state"})
	case errors.Is(err, engine.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "invalid_transition"})
	case errors.Is(err, engine.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_config"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.StatusSnapshot())
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.engine.Start(c.Request.Context()); err != nil {
		controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State()})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.engine.Stop(); err != nil {
		controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State()})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.engine.Pause(); err != nil {
		controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State()})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.engine.Resume(); err != nil {
		controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State()})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "manual emergency stop"
	}
	if err := s.engine.EmergencyStop(c.Request.Context(), body.Reason); err != nil {
		controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State()})
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.engine.Reset(); err != nil {
		controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State()})
}

func (s *Server) handleListOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.orders.Open()})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	if err := s.orders.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.book.Positions(), "balance": s.book.Balance()})
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.StatusSnapshot().Risk)
}

func (s *Server) handleRiskAlerts(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []any{}})
		return
	}
	alerts, err := s.store.ListRiskAlerts(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

type backtestRequest struct {
	Strategy       string             `json:"strategy"`
	Params         map[string]float64 `json:"params"`
	Symbol         string             `json:"symbol"`
	Interval       string             `json:"interval"`
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
	InitialBalance float64            `json:"initial_balance"`
	OrderSize      float64            `json:"order_size"`
	FeeRate        float64            `json:"fee_rate"`
	SlippageBps    float64            `json:"slippage_bps"`
	RiskLimits     risk.Limits        `json:"-"`
}

func (r backtestRequest) config() backtest.Config {
	return backtest.Config{
		Strategy:       r.Strategy,
		Params:         r.Params,
		Symbol:         r.Symbol,
		InitialBalance: r.InitialBalance,
		OrderSize:      r.OrderSize,
		FeeRate:        r.FeeRate,
		SlippageBps:    r.SlippageBps,
	}
}

func (s *Server) handleBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Interval == "" {
		req.Interval = "1m"
	}
	if _, ok := marketdata.ParseInterval(req.Interval); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
		return
	}

	candles, err := s.store.GetCandleRange(c.Request.Context(), req.Symbol, req.Interval, req.From, req.To)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	res, err := backtest.Run(req.config(), candles)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := backtest.Persist(c.Request.Context(), s.store, req.config(), res); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type optimizeRequest struct {
	backtestRequest
	Space  optimize.Space  `json:"space"`
	Method optimize.Method `json:"method"`
}

func (s *Server) handleOptimize(c *gin.Context) {
	var req optimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Interval == "" {
		req.Interval = "1m"
	}
	candles, err := s.store.GetCandleRange(c.Request.Context(), req.Symbol, req.Interval, req.From, req.To)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(candles) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no candles in range"})
		return
	}

	cfg := optimize.DefaultConfig()
	cfg.Method = req.Method
	objective := func(ctx context.Context, params map[string]float64) (float64, error) {
		bc := req.config()
		bc.Params = params
		res, err := backtest.Run(bc, candles)
		if err != nil {
			return 0, err
		}
		return res.Sharpe, nil
	}

	res, err := optimize.Optimize(c.Request.Context(), cfg, req.Space, objective)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleValidateConfig(c *gin.Context) {
	var cfg config.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	errs := cfg.Validate()
	if len(errs) == 0 {
		c.JSON(http.StatusOK, gin.H{"valid": true})
		return
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"valid": false, "errors": msgs})
}
