// Package api exposes the trading core over HTTP and a websocket event feed.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/balance"
	"trade-sentinel/internal/engine"
	"trade-sentinel/internal/events"
	"trade-sentinel/internal/risk"
)

var log = logrus.WithField("component", "api")

// Options configures the server.
type Options struct {
	Engine    engine.Service
	Risk      *risk.Manager    // optional
	Balances  *balance.Manager // optional
	Bus       *events.Bus
	JWTSecret string
	RateLimit float64
	RateBurst int
	Version   string
}

// Server wires HTTP endpoints around the coordinator.
type Server struct {
	Router  *gin.Engine
	opts    Options
	limiter *RateLimiter
}

func NewServer(opts Options) *Server {
	r := gin.New()
	limiter := NewRateLimiter(opts.RateLimit, opts.RateBurst)

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(limiter.Middleware())
	r.Use(CORSMiddleware())

	s := &Server{Router: r, opts: opts, limiter: limiter}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.opts.JWTSecret))
	{
		api.POST("/decisions", s.executeDecision)
		api.GET("/portfolio", s.getPortfolio)
		api.GET("/positions", s.getPositions)
		api.GET("/positions/history", s.getHistory)
		api.POST("/positions/:id/close", s.closePosition)
		api.GET("/prices", s.getPrices)
		api.GET("/triggers", s.getTriggers)
		api.GET("/orders/open", s.getOpenOrders)
		api.GET("/status", s.getStatus)
		api.GET("/risk", s.getRisk)
		api.GET("/balance", s.getBalance)
	}
	ws := s.Router.Group("/ws")
	ws.Use(AuthMiddleware(s.opts.JWTSecret))
	ws.GET("", s.websocket)
}

func (s *Server) health(c *gin.Context) {
	st := s.opts.Engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         s.opts.Version,
		"monitor_running": st.MonitorRunning,
		"uptime":          st.Uptime,
	})
}

// Run serves addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sweep := time.NewTicker(5 * time.Minute)
	defer sweep.Stop()
	log.WithField("addr", addr).Info("api listening")
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-sweep.C:
			s.limiter.Sweep(10 * time.Minute)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}
