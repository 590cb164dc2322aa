// Package api exposes the control surface: engine lifecycle, orders,
// positions, risk, backtests and optimization over HTTP, plus a
// websocket event feed and Prometheus metrics.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/internal/state"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
)

// Server hosts the HTTP API.
type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	orders  *order.Manager
	riskMgr *risk.Manager
	book    *state.Book
	store   *db.Database
	bus     *events.Bus
	reg     *prometheus.Registry

	instanceID string
	startedAt  time.Time
	httpSrv    *http.Server
}

// NewServer wires the API around the running components.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, orders *order.Manager, riskMgr *risk.Manager,
	book *state.Book, store *db.Database, bus *events.Bus, reg *prometheus.Registry) *Server {

	id, err := machineid.ProtectedID("tradebot")
	if err != nil {
		id = "unknown"
	}
	return &Server{
		cfg:        cfg,
		engine:     eng,
		orders:     orders,
		riskMgr:    riskMgr,
		book:       book,
		store:      store,
		bus:        bus,
		reg:        reg,
		instanceID: id,
		startedAt:  time.Now(),
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), corsMiddleware())
	if s.cfg.RateLimit > 0 {
		r.Use(rateLimit(s.cfg.RateLimit))
	}

	r.GET("/health", s.handleHealth)
	if s.reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	}
	r.POST("/api/v1/auth/token", s.handleToken)

	v1 := r.Group("/api/v1")
	if s.cfg.JWTSecret != "" {
		v1.Use(jwtAuth(s.cfg.JWTSecret))
	}

	eng := v1.Group("/engine")
	{
		eng.GET("/status", s.handleStatus)
		eng.POST("/start", s.handleStart)
		eng.POST("/stop", s.handleStop)
		eng.POST("/pause", s.handlePause)
		eng.POST("/resume", s.handleResume)
		eng.POST("/emergency-stop", s.handleEmergencyStop)
		eng.POST("/reset", s.handleReset)
	}

	v1.GET("/orders", s.handleListOrders)
	v1.POST("/orders/:id/cancel", s.handleCancelOrder)
	v1.GET("/positions", s.handlePositions)
	v1.GET("/risk", s.handleRisk)
	v1.GET("/risk/alerts", s.handleRiskAlerts)
	v1.POST("/backtest", s.handleBacktest)
	v1.POST("/optimize", s.handleOptimize)
	v1.POST("/config/validate", s.handleValidateConfig)
	v1.GET("/ws", s.handleWS)

	return r
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] listening on %s", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
