package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"trade-sentinel/internal/engine"
	"trade-sentinel/internal/ledger"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": msg})
}

func (s *Server) executeDecision(c *gin.Context) {
	var d engine.Decision
	if err := c.ShouldBindJSON(&d); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	res := s.opts.Engine.ExecuteDecision(c.Request.Context(), d)
	status := http.StatusOK
	if res.Status == engine.StatusError {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

func (s *Server) getPortfolio(c *gin.Context) {
	summary, err := s.opts.Engine.MonitorPortfolio(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.opts.Engine.Positions(c.Request.Context(), strings.ToUpper(c.Query("symbol")))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) getHistory(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			respondError(c, http.StatusBadRequest, "INVALID_DAYS", "days must be between 1 and 365")
			return
		}
		days = n
	}
	positions, err := s.opts.Engine.History(c.Request.Context(), days)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "days": days})
}

func (s *Server) closePosition(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "position id must be a positive integer")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
			return
		}
	}

	res := s.opts.Engine.CloseManually(c.Request.Context(), id, req.Reason)
	if res.Status != engine.StatusError {
		c.JSON(http.StatusOK, res)
		return
	}
	status := http.StatusBadGateway
	switch {
	case errors.Is(res.Err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(res.Err, ledger.ErrAlreadyClosed), errors.Is(res.Err, engine.ErrConcurrencyConflict):
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

func (s *Server) getPrices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prices": s.opts.Engine.Prices()})
}

func (s *Server) getTriggers(c *gin.Context) {
	triggers := s.opts.Engine.Triggers()
	c.JSON(http.StatusOK, gin.H{"triggers": triggers, "count": len(triggers)})
}

func (s *Server) getOpenOrders(c *gin.Context) {
	orders, err := s.opts.Engine.OpenOrders(c.Request.Context(), strings.ToUpper(c.Query("symbol")))
	if err != nil {
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Engine.Status())
}

func (s *Server) getRisk(c *gin.Context) {
	if s.opts.Risk == nil {
		respondError(c, http.StatusNotFound, "NOT_CONFIGURED", "risk manager not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": s.opts.Risk.GetLimits(), "metrics": s.opts.Risk.GetMetrics()})
}

func (s *Server) getBalance(c *gin.Context) {
	if s.opts.Balances == nil {
		respondError(c, http.StatusNotFound, "NOT_CONFIGURED", "balance manager not configured")
		return
	}
	if _, err := s.opts.Balances.Available(c.Request.Context()); err != nil {
		log.WithError(err).Warn("balance refresh failed; serving cached balance")
	}
	c.JSON(http.StatusOK, s.opts.Balances.GetBalance())
}
