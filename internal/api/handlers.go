package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"contrarian-pullback-bot/internal/cache"
	"contrarian-pullback-bot/internal/exchange"
)

const defaultChartLimit = 200

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	token, err := s.jwt.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "Bearer"})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.cache != nil {
		var cached interface{}
		if err := s.cache.GetJSON(c.Request.Context(), cache.StatusKey, &cached); err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}
	status := s.controller.Status()
	if s.cache != nil {
		_ = s.cache.SetJSON(c.Request.Context(), cache.StatusKey, status, cache.StatusTTL)
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleEquity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"points": s.controller.EquityHistory()})
}

func (s *Server) handleTrades(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trades": s.controller.TradeHistory()})
}

func (s *Server) handleChart(c *gin.Context) {
	symbol := c.Param("symbol")
	limit := defaultChartLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	if s.cache != nil {
		var cached interface{}
		key := cache.ChartKey(symbol)
		if err := s.cache.GetJSON(c.Request.Context(), key, &cached); err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	chart, ok := s.controller.Chart(symbol, limit)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}
	if s.cache != nil {
		_ = s.cache.SetJSON(c.Request.Context(), cache.ChartKey(symbol), chart, cache.ChartTTL)
	}
	c.JSON(http.StatusOK, chart)
}

func (s *Server) handleSetTradingEnabled(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled must be a boolean"})
		return
	}
	s.controller.SetTradingEnabled(req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

func (s *Server) handleSettings(c *gin.Context) {
	var req struct {
		Leverage         int     `json:"leverage" binding:"required"`
		PositionSizeUSDT float64 `json:"position_size_usdt" binding:"required"`
		MarginMode       string  `json:"margin_mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "leverage, position_size_usdt, and margin_mode are required"})
		return
	}
	err := s.controller.ApplySettings(c.Request.Context(), req.Leverage, req.PositionSizeUSDT, exchange.MarginMode(req.MarginMode))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leverage":           req.Leverage,
		"position_size_usdt": req.PositionSizeUSDT,
		"margin_mode":        req.MarginMode,
	})
}
