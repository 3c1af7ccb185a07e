// Package api exposes the REST and WebSocket surface of the trading engine:
// market history, runtime settings, the paper book, the signal lifecycle and
// operational status. Handlers stay thin; every mutation goes through the
// simulator or the signal manager so the API obeys the same invariants as
// the engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/bus"
	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/indicators"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/metrics"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
	"github.com/pulsetrader/pulsetrader/internal/ws"
)

// Engine is the realtime engine surface the API reads and drives.
// *engine.Engine satisfies it.
type Engine interface {
	Snapshot(symbol string) *indicators.Snapshot
	States() map[string]string
	SyncAll(ctx context.Context)
	Dropped() int64
	Halt(ctx context.Context, symbol string)
	Resume(ctx context.Context, symbol string)
}

// SignalStore is the lifecycle surface behind the /signals routes.
// *signal.Manager satisfies it.
type SignalStore interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Signal, error)
	GetByOrderID(ctx context.Context, orderID string) (*db.Signal, error)
	History(ctx context.Context, f db.SignalHistoryFilter) ([]*db.Signal, int, error)
	Actionable(ctx context.Context) ([]*db.Signal, error)
	MarkPending(ctx context.Context, id uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	ExpireStale(ctx context.Context, ttl time.Duration) (int64, error)
	TrackOrder(signalID, orderID uuid.UUID)
}

// CandleStore serves persisted candles for the market-history endpoint.
// *db.DB satisfies it.
type CandleStore interface {
	CountCandles(ctx context.Context, symbol, timeframe string, limit int) (int, error)
	GetRecentCandles(ctx context.Context, symbol, timeframe string, limit int) ([]*db.Candle, error)
}

// HistoryLoader pulls candles over upstream REST when local coverage falls
// short. *upstream.Loader satisfies it.
type HistoryLoader interface {
	Recent(ctx context.Context, symbol string, tf market.Timeframe, n int) ([]market.Candle, error)
}

// EventBus reports bus health for the status endpoint. *bus.Bus satisfies it.
type EventBus interface {
	Stats() bus.Stats
	IsConnected() bool
}

// Pinger reports storage liveness. *db.DB satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps collects the collaborators behind the HTTP surface. Sim and Signals
// are required; the others degrade the endpoints that need them: a nil DB or
// Bus reports not_configured on /system/status, a nil History disables the
// upstream fallback on /market/history.
type Deps struct {
	DB      Pinger
	Engine  Engine
	Sim     *simulator.Simulator
	Signals SignalStore
	Candles CandleStore
	History HistoryLoader
	Bus     EventBus
	WS      *ws.Manager

	// SignalTTL is the default window for POST /signals/expire-stale,
	// normally config.Signal.TTL().
	SignalTTL time.Duration
}

// Server is the REST/WebSocket API server.
type Server struct {
	router *gin.Engine
	cfg    config.APIConfig

	db      Pinger
	engine  Engine
	sim     *simulator.Simulator
	signals SignalStore
	candles CandleStore
	history HistoryLoader
	bus     EventBus
	ws      *ws.Manager

	signalTTL time.Duration

	server *http.Server
}

// NewServer builds the router with all routes and middleware registered.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server := &Server{
		router:    router,
		cfg:       cfg,
		db:        deps.DB,
		engine:    deps.Engine,
		sim:       deps.Sim,
		signals:   deps.Signals,
		candles:   deps.Candles,
		history:   deps.History,
		bus:       deps.Bus,
		ws:        deps.WS,
		signalTTL: deps.SignalTTL,
	}

	server.setupRoutes()

	return server
}

// Start runs the HTTP server until Stop or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.GetAPIAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware logs each request through zerolog and records the
// Prometheus request counters. The metric label uses the route template,
// not the raw path, so ids don't explode cardinality.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(method, route, strconv.Itoa(statusCode), float64(latency.Microseconds())/1000.0)

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
