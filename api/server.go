// Package api provides the HTTP REST surface of the chatbot
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/memtensor/dynabot/pkg/analytics"
	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/engine"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/learning"
	"github.com/memtensor/dynabot/pkg/memory"
)

// Version is reported by the health endpoint
var Version = "dev"

// Chatbot is the conversation engine as seen by the HTTP layer
type Chatbot interface {
	Start(ctx context.Context, userID string) (string, error)
	Process(ctx context.Context, sessionID, userID, text string) (*engine.Reply, error)
	End(ctx context.Context, sessionID string) (*memory.SessionSummary, error)
	Stats(ctx context.Context, sessionID string) (*engine.SessionStats, error)
	ActiveSessions(ctx context.Context) ([]string, error)
	Preferences(ctx context.Context, userID string) (map[string][]learning.Preference, error)
	Insights(ctx context.Context, userID string, days int) (*learning.Insights, error)
	Patterns(ctx context.Context, contextType string, limit int) ([]learning.ResponsePattern, error)
	Search(ctx context.Context, query, userID string, limit int) ([]memory.ConversationTurn, error)
	Cleanup(ctx context.Context, daysToKeep int) (memory.CleanupResult, error)
	UserProfile(ctx context.Context, userID string) (*memory.UserProfile, error)
	UserStats(ctx context.Context, userID string) (*memory.UserStats, error)
	Trends(ctx context.Context, userID string, days int) (*memory.Trends, error)
	AnalyticsStats() analytics.Stats
}

var _ Chatbot = (*engine.Engine)(nil)

// Server represents the API server instance
type Server struct {
	bot       Chatbot
	config    config.APIConfig
	retention config.RetentionConfig
	logger    interfaces.Logger
	metrics   interfaces.Metrics
	router    *gin.Engine
	server    *http.Server
	started   time.Time
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithRetention sets the default window of POST /maintenance/cleanup
func WithRetention(r config.RetentionConfig) ServerOption {
	return func(s *Server) { s.retention = r }
}

// WithMetrics records request counts and latencies
func WithMetrics(m interfaces.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new API server instance
func NewServer(bot Chatbot, cfg config.APIConfig, logger interfaces.Logger, opts ...ServerOption) *Server {
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		bot:       bot,
		config:    cfg,
		retention: config.RetentionConfig{DaysToKeep: 30},
		logger:    logger,
		router:    gin.New(),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	corsConfig := cors.DefaultConfig()
	origins := s.config.CORSOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	s.router.Use(cors.New(corsConfig))

	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", map[string]interface{}{
		"addr": addr,
		"mode": gin.Mode(),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Error("Failed to start server", err)
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Stop gracefully stops the API server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	sessions := s.router.Group("/sessions")
	{
		sessions.POST("", s.startSession)
		sessions.GET("", s.listSessions)
		sessions.GET("/:id", s.sessionStats)
		sessions.DELETE("/:id", s.endSession)
	}

	s.router.POST("/chat", s.chat)

	users := s.router.Group("/users/:user_id")
	{
		users.GET("/preferences", s.getPreferences)
		users.GET("/profile", s.getProfile)
		users.GET("/stats", s.getUserStats)
		users.GET("/trends", s.getTrends)
	}

	s.router.GET("/insights", s.getInsights)
	s.router.GET("/patterns", s.getPatterns)
	s.router.GET("/conversations/search", s.searchConversations)
	s.router.POST("/maintenance/cleanup", s.cleanup)
	s.router.GET("/analytics", s.getAnalytics)
}
