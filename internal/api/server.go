// Package api is the dashboard HTTP API: read-only status/equity/trade/chart
// endpoints, JWT-guarded control endpoints, live event push over WebSocket,
// and the Prometheus scrape endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"contrarian-pullback-bot/config"
	"contrarian-pullback-bot/internal/auth"
	"contrarian-pullback-bot/internal/cache"
	"contrarian-pullback-bot/internal/controller"
	"contrarian-pullback-bot/internal/events"
	"contrarian-pullback-bot/internal/exchange"
	"contrarian-pullback-bot/internal/journal"
	"contrarian-pullback-bot/internal/metrics"
)

// Controller is the subset of *controller.Controller the API depends on.
type Controller interface {
	Status() controller.StatusSnapshot
	EquityHistory() []journal.EquityPoint
	TradeHistory() []journal.TradeRecord
	Chart(symbol string, limit int) (controller.ChartSnapshot, bool)
	SetTradingEnabled(enabled bool)
	ApplySettings(ctx context.Context, leverage int, positionSizeUSDT float64, marginMode exchange.MarginMode) error
}

// Server is the dashboard HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	controller Controller
	events     *events.Bus
	cache      *cache.Service
	jwt        *auth.Manager
	hub        *Hub
	log        zerolog.Logger
}

// New builds a Server. cacheSvc may be nil (caching disabled).
func New(cfg config.ServerConfig, ctrl Controller, bus *events.Bus, cacheSvc *cache.Service, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.AllowedOrigins},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	hub := NewHub(log)
	bus.SubscribeAll(hub.Broadcast)

	s := &Server{
		router:     router,
		controller: ctrl,
		events:     bus,
		cache:      cacheSvc,
		jwt:        auth.NewManager(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPassword),
		hub:        hub,
		log:        log.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router.POST("/api/auth/login", s.handleLogin)

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/equity", s.handleEquity)
		apiGroup.GET("/trades", s.handleTrades)
		apiGroup.GET("/symbols/:symbol/chart", s.handleChart)

		guarded := apiGroup.Group("")
		guarded.Use(s.jwt.Middleware())
		guarded.POST("/trading/enabled", s.handleSetTradingEnabled)
		guarded.POST("/settings", s.handleSettings)
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// Start runs the HTTP server until the context is cancelled or ListenAndServe
// returns a non-shutdown error.
func (s *Server) Start(ctx context.Context, port int) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", port).Msg("dashboard api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

func ginLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
