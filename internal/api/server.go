// Package api is the control surface: bot CRUD and lifecycle, decision and
// trade history, engine statistics, and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"botfleet/internal/database"
	"botfleet/internal/gate"
	"botfleet/internal/marketdata"
	"botfleet/internal/trade"
)

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	repo       *database.Repository
	coord      *marketdata.Coordinator
	rateGate   *gate.RateGate
	trader     *trade.Service
	hub        *WSHub
	config     Config
	logger     zerolog.Logger
}

// NewServer wires the router and routes. Call Start to begin serving and
// Hub().Run (in a goroutine) to drive the websocket stream.
func NewServer(cfg Config, repo *database.Repository, coord *marketdata.Coordinator, rg *gate.RateGate, trader *trade.Service, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		repo:     repo,
		coord:    coord,
		rateGate: rg,
		trader:   trader,
		hub:      NewWSHub(logger),
		config:   cfg,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

// Hub exposes the websocket hub for event wiring.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		bots := api.Group("/bots")
		{
			bots.GET("", s.handleListBots)
			bots.POST("", s.handleCreateBot)
			bots.GET("/:id", s.handleGetBot)
			bots.PUT("/:id", s.handleUpdateBot)
			bots.DELETE("/:id", s.handleDeleteBot)
			bots.POST("/:id/start", s.handleStartBot)
			bots.POST("/:id/stop", s.handleStopBot)
			bots.POST("/:id/emergency-stop", s.handleEmergencyStop)
			bots.GET("/:id/decisions", s.handleBotDecisions)
			bots.GET("/:id/trades", s.handleBotTrades)
		}

		api.GET("/trades", s.handleAllTrades)

		stats := api.Group("/stats")
		{
			stats.GET("/cache", s.handleCacheStats)
			stats.GET("/rategate", s.handleGateStats)
		}
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	readTimeout := s.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
