package memory

import (
	"time"

	"gorm.io/datatypes"

	"github.com/memtensor/dynabot/pkg/types"
)

// ConversationTurn is one user message and the reply it received.
// Rows are immutable and only removed by retention cleanup.
type ConversationTurn struct {
	ID              uint                               `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID       string                             `gorm:"index;not null" json:"session_id"`
	UserID          string                             `gorm:"index;not null" json:"user_id"`
	UserMessage     string                             `gorm:"type:text;not null" json:"user_message"`
	BotResponse     string                             `gorm:"type:text;not null" json:"bot_response"`
	Timestamp       time.Time                          `gorm:"index;not null" json:"timestamp"`
	Analysis        datatypes.JSONType[types.Analysis] `json:"analysis"`
	ContextKeywords datatypes.JSONSlice[string]        `json:"context_keywords"`
	Embedding       datatypes.JSONSlice[float32]       `json:"embedding,omitempty"`
}

// TableName overrides the default table name
func (ConversationTurn) TableName() string { return "conversation_turns" }

// History converts the turn into prompt history
func (t ConversationTurn) History() types.HistoryEntry {
	return types.HistoryEntry{
		UserMessage: t.UserMessage,
		BotResponse: t.BotResponse,
		Timestamp:   t.Timestamp,
	}
}

// SessionSummary is written once when a session ends
type SessionSummary struct {
	ID              uint                        `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID       string                      `gorm:"uniqueIndex;not null" json:"session_id"`
	UserID          string                      `gorm:"index;not null" json:"user_id"`
	StartTime       time.Time                   `json:"start_time"`
	EndTime         time.Time                   `gorm:"index" json:"end_time"`
	DurationSeconds int64                       `json:"duration_seconds"`
	MessageCount    int                         `json:"message_count"`
	FinalKeywords   datatypes.JSONSlice[string] `json:"final_keywords"`
	Summary         string                      `gorm:"type:text" json:"summary"`
}

// TableName overrides the default table name
func (SessionSummary) TableName() string { return "session_summaries" }

// UserProfile tracks per-user activity totals
type UserProfile struct {
	ID                 uint                        `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID             string                      `gorm:"uniqueIndex;not null" json:"user_id"`
	CreatedAt          time.Time                   `gorm:"not null" json:"created_at"`
	LastActive         time.Time                   `gorm:"not null" json:"last_active"`
	TotalConversations int64                       `json:"total_conversations"`
	TotalMessages      int64                       `json:"total_messages"`
	Preferences        datatypes.JSONMap           `json:"preferences"`
	CommonTopics       datatypes.JSONSlice[string] `json:"common_topics"`
}

// TableName overrides the default table name
func (UserProfile) TableName() string { return "user_profiles" }

// UserStats aggregates a user's stored conversations
type UserStats struct {
	UserID                string     `json:"user_id"`
	TotalMessages         int64      `json:"total_messages"`
	TotalSessions         int64      `json:"total_sessions"`
	FirstConversation     *time.Time `json:"first_conversation,omitempty"`
	LastConversation      *time.Time `json:"last_conversation,omitempty"`
	AvgSessionDuration    float64    `json:"avg_session_duration"`
	AvgMessagesPerSession float64    `json:"avg_messages_per_session"`
}

// DailyCount is the number of messages stored on one UTC date
type DailyCount struct {
	Date     string `json:"date"`
	Messages int    `json:"messages"`
}

// HourlyCount is the number of messages stored in one UTC hour of day
type HourlyCount struct {
	Hour     int `json:"hour"`
	Messages int `json:"messages"`
}

// Trends reports message volume over a window
type Trends struct {
	Daily      []DailyCount  `json:"daily_trends"`
	Hourly     []HourlyCount `json:"hourly_trends"`
	PeriodDays int           `json:"period_days"`
}

// CleanupResult reports how many rows retention removed
type CleanupResult struct {
	TurnsDeleted     int64 `json:"turns_deleted"`
	SummariesDeleted int64 `json:"summaries_deleted"`
}
