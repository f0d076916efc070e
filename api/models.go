package api

import (
	"github.com/memtensor/dynabot/pkg/analytics"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/engine"
	"github.com/memtensor/dynabot/pkg/learning"
	"github.com/memtensor/dynabot/pkg/memory"
)

// BaseResponse is the envelope of every API response
type BaseResponse[T any] struct {
	Code    int    `json:"code" example:"200"`
	Message string `json:"message" example:"Operation successful"`
	Data    *T     `json:"data,omitempty"`
}

// SimpleResponse for operations without data return
type SimpleResponse = BaseResponse[interface{}]

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Detail *chatErrors.ChatbotError `json:"detail,omitempty"`
}

// StartSessionRequest opens a conversation
type StartSessionRequest struct {
	UserID string `json:"user_id" example:"alice"`
}

// SessionCreated carries the new session id
type SessionCreated struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ChatRequest represents a chat request.
// SessionID may be empty or unknown; the conversation is then started on demand.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty" example:"alice_20260314_150926_1a2b3c4d"`
	UserID    string `json:"user_id,omitempty" example:"alice"`
	Message   string `json:"message" binding:"required" example:"Hello there!"`
}

// SessionIDs lists live sessions
type SessionIDs struct {
	Sessions []string `json:"sessions"`
	Count    int      `json:"count"`
}

// CleanupRequest sets the retention window for a maintenance run
type CleanupRequest struct {
	DaysToKeep *int `json:"days_to_keep,omitempty" example:"30"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
}

type ChatResponse = BaseResponse[engine.Reply]
type SessionResponse = BaseResponse[SessionCreated]
type SessionStatsResponse = BaseResponse[engine.SessionStats]
type SessionListResponse = BaseResponse[SessionIDs]
type SummaryResponse = BaseResponse[memory.SessionSummary]
type PreferencesResponse = BaseResponse[map[string][]learning.Preference]
type ProfileResponse = BaseResponse[memory.UserProfile]
type UserStatsResponse = BaseResponse[memory.UserStats]
type TrendsResponse = BaseResponse[memory.Trends]
type InsightsResponse = BaseResponse[learning.Insights]
type PatternsResponse = BaseResponse[[]learning.ResponsePattern]
type SearchResponse = BaseResponse[[]memory.ConversationTurn]
type CleanupResponse = BaseResponse[memory.CleanupResult]
type AnalyticsResponse = BaseResponse[analytics.Stats]
