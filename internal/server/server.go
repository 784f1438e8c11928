// Package server exposes the orchestrator to other agents over the A2A
// JSON-RPC protocol. It serves the discovery card, a WebSocket stream of
// coordination and phase events, and the operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routa/internal/bus"
	"routa/internal/coordinator"
	"routa/internal/llm"
	"routa/internal/logging"
	"routa/internal/orchestrator"
	"routa/internal/store"
	"routa/internal/tools"
)

// Config controls the HTTP server.
type Config struct {
	Host         string
	Port         int
	Version      string
	AllowOrigins []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool

	// Health, when set, adds per-model endpoint health to /health.
	Health *llm.HealthRegistry
}

// DefaultConfig returns a server bound to localhost.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8080,
		Version:      "dev",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Server hosts the protocol endpoint and the event stream on one listener.
type Server struct {
	cfg      Config
	stores   store.Stores
	coord    *coordinator.Coordinator
	orch     *orchestrator.Orchestrator
	bus      *bus.Bus
	delivery *tools.Coordination
	logger   logging.Logger

	external *extLedger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	runCtx    context.Context
	runCancel context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	startTime time.Time
}

// New wires the server. The orchestrator may be nil, in which case
// message/send records and forwards requests without starting runs.
func New(cfg Config, stores store.Stores, coord *coordinator.Coordinator, orch *orchestrator.Orchestrator, eventBus *bus.Bus, logger logging.Logger) *Server {
	cfg = cfg.withDefaults()
	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		stores:   stores,
		coord:    coord,
		orch:     orch,
		bus:      eventBus,
		delivery: tools.NewCoordination(stores, eventBus, logger),
		logger:   logging.OrNop(logger),
		external: newExtLedger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		runCtx:    runCtx,
		runCancel: runCancel,
		clients:   make(map[*wsClient]struct{}),
		startTime: time.Now(),
	}
	s.engine = s.buildEngine()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if orch != nil {
		orch.OnPhase(s.broadcastPhase)
	}
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if s.cfg.Debug {
		engine.Use(gin.Logger())
	}

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = s.cfg.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	engine.POST("/a2a", s.handleRPC)
	engine.GET("/.well-known/agent.json", s.handleAgentCard)
	engine.GET("/api/events", s.handleEvents)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return engine
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown stops detached runs, disconnects event streams and drains the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runCancel()
	s.closeClients()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

type healthResponse struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	Timestamp string       `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	Bus       busStats     `json:"bus"`
	Models    []llm.Health `json:"models,omitempty"`
}

type busStats struct {
	Sent        int64 `json:"sent"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status:    "ok",
		Version:   s.cfg.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.bus != nil {
		stats := s.bus.Stats()
		resp.Bus = busStats{
			Sent:        stats.Sent,
			Dropped:     stats.Dropped,
			Subscribers: stats.Subscribers,
		}
	}
	if s.cfg.Health != nil {
		resp.Models = s.cfg.Health.Snapshot()
		for _, m := range resp.Models {
			if m.State == llm.HealthStateDown {
				resp.Status = "degraded"
				break
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}
