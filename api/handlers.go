package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memtensor/dynabot/pkg/engine"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
)

const (
	defaultInsightDays  = 7
	defaultTrendDays    = 30
	defaultSearchLimit  = 10
	defaultPatternLimit = 5
	maxSearchLimit      = 100
)

// healthCheck handles health check requests
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (s *Server) healthCheck(c *gin.Context) {
	active, err := s.bot.ActiveSessions(c.Request.Context())
	status := "healthy"
	if err != nil {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:         status,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Version:        Version,
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		ActiveSessions: len(active),
	})
}

// startSession opens a conversation
// @Summary Start a conversation
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body StartSessionRequest false "Owner of the conversation"
// @Success 201 {object} SessionResponse
// @Router /sessions [post]
func (s *Server) startSession(c *gin.Context) {
	var req StartSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "Invalid request format", err)
			return
		}
	}
	userID := userOrDefault(req.UserID)

	sessionID, err := s.bot.Start(c.Request.Context(), userID)
	if err != nil {
		s.handleError(c, "Failed to start conversation", err)
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{
		Code:    http.StatusCreated,
		Message: "Conversation started",
		Data:    &SessionCreated{SessionID: sessionID, UserID: userID},
	})
}

func (s *Server) listSessions(c *gin.Context) {
	ids, err := s.bot.ActiveSessions(c.Request.Context())
	if err != nil {
		s.handleError(c, "Failed to list sessions", err)
		return
	}
	c.JSON(http.StatusOK, SessionListResponse{
		Code:    http.StatusOK,
		Message: "Active sessions retrieved",
		Data:    &SessionIDs{Sessions: ids, Count: len(ids)},
	})
}

// sessionStats describes a live conversation
// @Summary Session statistics
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} SessionStatsResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id} [get]
func (s *Server) sessionStats(c *gin.Context) {
	stats, err := s.bot.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, "Failed to get session", err)
		return
	}
	c.JSON(http.StatusOK, SessionStatsResponse{
		Code:    http.StatusOK,
		Message: "Session retrieved",
		Data:    stats,
	})
}

// endSession closes a conversation and returns its stored summary
// @Summary End a conversation
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} SummaryResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id} [delete]
func (s *Server) endSession(c *gin.Context) {
	summary, err := s.bot.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, "Failed to end conversation", err)
		return
	}
	c.JSON(http.StatusOK, SummaryResponse{
		Code:    http.StatusOK,
		Message: "Conversation ended",
		Data:    summary,
	})
}

// chat processes one user message
// @Summary Chat
// @Tags chat
// @Accept json
// @Produce json
// @Param request body ChatRequest true "Chat request"
// @Success 200 {object} ChatResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /chat [post]
func (s *Server) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request format", err)
		return
	}

	reply, err := s.bot.Process(c.Request.Context(), req.SessionID, req.UserID, req.Message)
	if err != nil {
		s.handleError(c, "Failed to chat", err)
		return
	}

	c.JSON(http.StatusOK, ChatResponse{
		Code:    http.StatusOK,
		Message: "Chat response generated",
		Data:    reply,
	})
}

func (s *Server) getPreferences(c *gin.Context) {
	prefs, err := s.bot.Preferences(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.handleError(c, "Failed to get preferences", err)
		return
	}
	c.JSON(http.StatusOK, PreferencesResponse{
		Code:    http.StatusOK,
		Message: "Preferences retrieved",
		Data:    &prefs,
	})
}

func (s *Server) getProfile(c *gin.Context) {
	profile, err := s.bot.UserProfile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.handleError(c, "Failed to get profile", err)
		return
	}
	c.JSON(http.StatusOK, ProfileResponse{
		Code:    http.StatusOK,
		Message: "Profile retrieved",
		Data:    profile,
	})
}

func (s *Server) getUserStats(c *gin.Context) {
	stats, err := s.bot.UserStats(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.handleError(c, "Failed to get user statistics", err)
		return
	}
	c.JSON(http.StatusOK, UserStatsResponse{
		Code:    http.StatusOK,
		Message: "User statistics retrieved",
		Data:    stats,
	})
}

func (s *Server) getTrends(c *gin.Context) {
	days, ok := s.intQuery(c, "days", defaultTrendDays)
	if !ok {
		return
	}
	trends, err := s.bot.Trends(c.Request.Context(), c.Param("user_id"), days)
	if err != nil {
		s.handleError(c, "Failed to get trends", err)
		return
	}
	c.JSON(http.StatusOK, TrendsResponse{
		Code:    http.StatusOK,
		Message: "Trends retrieved",
		Data:    trends,
	})
}

// getInsights summarizes what has been learned; without user_id it covers every user
// @Summary Learning insights
// @Tags learning
// @Produce json
// @Param user_id query string false "User ID"
// @Param days query int false "Window in days" default(7)
// @Success 200 {object} InsightsResponse
// @Router /insights [get]
func (s *Server) getInsights(c *gin.Context) {
	days, ok := s.intQuery(c, "days", defaultInsightDays)
	if !ok {
		return
	}
	insights, err := s.bot.Insights(c.Request.Context(), c.Query("user_id"), days)
	if err != nil {
		s.handleError(c, "Failed to get insights", err)
		return
	}
	c.JSON(http.StatusOK, InsightsResponse{
		Code:    http.StatusOK,
		Message: "Insights retrieved",
		Data:    insights,
	})
}

// getPatterns lists the response patterns that scored best, optionally for one context type
func (s *Server) getPatterns(c *gin.Context) {
	limit, ok := s.intQuery(c, "limit", defaultPatternLimit)
	if !ok {
		return
	}
	if limit < 1 || limit > maxSearchLimit {
		s.handleError(c, "Invalid limit", chatErrors.NewInvalidArgumentError("limit", limit))
		return
	}

	patterns, err := s.bot.Patterns(c.Request.Context(), c.Query("context_type"), limit)
	if err != nil {
		s.handleError(c, "Failed to get response patterns", err)
		return
	}
	c.JSON(http.StatusOK, PatternsResponse{
		Code:    http.StatusOK,
		Message: "Response patterns retrieved",
		Data:    &patterns,
	})
}

func (s *Server) searchConversations(c *gin.Context) {
	limit, ok := s.intQuery(c, "limit", defaultSearchLimit)
	if !ok {
		return
	}
	if limit < 1 || limit > maxSearchLimit {
		s.handleError(c, "Invalid limit", chatErrors.NewInvalidArgumentError("limit", limit))
		return
	}

	turns, err := s.bot.Search(c.Request.Context(), c.Query("q"), c.Query("user_id"), limit)
	if err != nil {
		s.handleError(c, "Failed to search conversations", err)
		return
	}
	c.JSON(http.StatusOK, SearchResponse{
		Code:    http.StatusOK,
		Message: "Search completed",
		Data:    &turns,
	})
}

// cleanup deletes stored conversations older than the retention window
// @Summary Delete old conversations
// @Tags maintenance
// @Accept json
// @Produce json
// @Param request body CleanupRequest false "Retention override"
// @Success 200 {object} CleanupResponse
// @Router /maintenance/cleanup [post]
func (s *Server) cleanup(c *gin.Context) {
	var req CleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "Invalid request format", err)
			return
		}
	}
	days := s.retention.DaysToKeep
	if req.DaysToKeep != nil {
		days = *req.DaysToKeep
	}

	result, err := s.bot.Cleanup(c.Request.Context(), days)
	if err != nil {
		s.handleError(c, "Failed to clean up", err)
		return
	}
	c.JSON(http.StatusOK, CleanupResponse{
		Code:    http.StatusOK,
		Message: "Cleanup completed",
		Data:    &result,
	})
}

func (s *Server) getAnalytics(c *gin.Context) {
	stats := s.bot.AnalyticsStats()
	c.JSON(http.StatusOK, AnalyticsResponse{
		Code:    http.StatusOK,
		Message: "Analytics retrieved",
		Data:    &stats,
	})
}

// Helper functions

func userOrDefault(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return engine.DefaultUserID
	}
	return userID
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case chatErrors.IsValidation(err):
		return http.StatusBadRequest
	case chatErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, chatErrors.NewServiceUnavailableError("")):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError provides consistent error handling
func (s *Server) handleError(c *gin.Context, message string, err error) {
	requestID := c.GetString("request_id")
	status := statusFor(err)

	fields := map[string]interface{}{
		"request_id": requestID,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"status":     status,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(message, err, fields)
	} else {
		s.logger.Debug(message, fields)
	}

	resp := ErrorResponse{
		Code:      status,
		Message:   message,
		Error:     err.Error(),
		RequestID: requestID,
	}
	if ce := chatErrors.GetChatbotError(err); ce != nil {
		// copy so shared sentinel errors are never tagged
		detail := *ce
		resp.Error = ce.Message
		resp.ErrorCode = string(ce.Code)
		resp.Detail = detail.WithRequestID(requestID)
	}
	c.JSON(status, resp)
}

func (s *Server) badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:      http.StatusBadRequest,
		Message:   message,
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

// intQuery parses an integer query parameter, answering 400 when it is malformed
func (s *Server) intQuery(c *gin.Context, param string, defaultValue int) (int, bool) {
	raw := c.Query(param)
	if raw == "" {
		return defaultValue, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		s.handleError(c, "Invalid "+param, chatErrors.NewInvalidArgumentError(param, raw))
		return 0, false
	}
	return value, true
}
