// Package http exposes the progression engine over a JSON REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds learner and leaderboard requests. Admin requests
	// run until the recalculation pass finishes.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// AllowedOrigins - allowed origins for CORS; "*" allows all.
	AllowedOrigins []string

	// TrustedProxies - proxies whose X-Forwarded-For is honoured.
	TrustedProxies []string

	// AdminTokenHash is the bcrypt hash of the admin bearer token.
	AdminTokenHash string

	// ServiceName labels request spans.
	ServiceName string

	// Debug enables gin debug mode.
	Debug bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
		ServiceName:    "progression-engine",
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies contains the application handlers served over HTTP.
type Dependencies struct {
	// Commands
	RecordEvent      *command.RecordEventHandler
	EvaluateBadges   *command.EvaluateBadgesHandler
	AcknowledgeBadge *command.AcknowledgeBadgeHandler
	SetVisibility    *command.SetVisibilityHandler
	UseStreakFreeze  *command.UseStreakFreezeHandler
	Recalculation    *command.RunRecalculationHandler

	// Queries
	GetStats         *query.GetStatsHandler
	GetBadges        *query.GetBadgesHandler
	GetBadgeProgress *query.GetBadgeProgressHandler
	GetBadgeCatalog  *query.GetBadgeCatalogHandler
	GetDailyGoal     *query.GetDailyGoalHandler
	GetTransactions  *query.GetTransactionsHandler
	GetLeaderboard   *query.GetLeaderboardHandler

	// Health checks; nil reports healthy.
	Health *HealthChecker

	Logger *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = NewHealthChecker("")
	}
	if config.ServiceName == "" {
		config.ServiceName = "progression-engine"
	}
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: config,
		deps:   deps,
		engine: gin.New(),
		logger: deps.Logger.Named("http"),
	}
	if err := s.engine.SetTrustedProxies(config.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              config.Address(),
		Handler:           s.engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s, nil
}

// Handler returns the root handler; used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.engine
	r.Use(
		s.requestIDMiddleware(),
		s.recoveryMiddleware(),
		otelgin.Middleware(s.config.ServiceName),
		s.loggingMiddleware(),
		corsMiddleware(s.config.AllowedOrigins),
		bodyLimitMiddleware(s.config.MaxBodyBytes),
	)
	r.NoRoute(func(c *gin.Context) {
		writeJSONError(c, http.StatusNotFound, CodeNotFound, "route not found")
	})

	// Health
	r.GET("/health", s.handleHealth)
	r.GET("/live", s.handleLive)

	v1 := r.Group("/api/v1", timeoutMiddleware(s.config.RequestTimeout))
	{
		v1.GET("/badges", s.handleBadgeCatalog)
		v1.GET("/leaderboard", s.handleLeaderboard)

		learner := v1.Group("/learners/:learnerID")
		learner.POST("/events", s.handleRecordEvent)
		learner.GET("/stats", s.handleGetStats)
		learner.GET("/badges", s.handleGetBadges)
		learner.GET("/badges/progress", s.handleBadgeProgress)
		learner.POST("/badges/evaluate", s.handleEvaluateBadges)
		learner.POST("/badges/:badgeType/ack", s.handleAcknowledgeBadge)
		learner.PUT("/leaderboard-visibility", s.handleSetVisibility)
		learner.POST("/streak/freeze", s.handleUseStreakFreeze)
		learner.GET("/daily-goal", s.handleDailyGoal)
		learner.GET("/transactions", s.handleTransactions)
	}

	admin := r.Group("/api/v1/admin", s.adminAuthMiddleware())
	{
		admin.POST("/recalculation", s.handleRunRecalculation)
		admin.GET("/recalculation/last", s.handleLastRecalculation)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start listens and serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("http server starting", logger.String("addr", s.config.Address()))

	err := s.httpServer.ListenAndServe()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartAsync starts the server in a goroutine. The channel receives the
// result of Start.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns how long the server has been serving.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}
