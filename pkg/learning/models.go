package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/datatypes"

	"github.com/memtensor/dynabot/pkg/types"
)

// UserPreference is a reinforced belief about what a user cares about
type UserPreference struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID             string    `gorm:"uniqueIndex:idx_user_preference;not null" json:"user_id"`
	PreferenceType     string    `gorm:"uniqueIndex:idx_user_preference;not null" json:"preference_type"`
	PreferenceValue    string    `gorm:"uniqueIndex:idx_user_preference;not null" json:"preference_value"`
	ConfidenceScore    float64   `gorm:"not null;default:0.5" json:"confidence_score"`
	ReinforcementCount int       `gorm:"not null;default:1" json:"reinforcement_count"`
	LearnedAt          time.Time `gorm:"not null" json:"learned_at"`
	LastReinforced     time.Time `json:"last_reinforced"`
}

// TableName overrides the default table name
func (UserPreference) TableName() string { return "user_preferences" }

// ResponsePattern tracks how well replies of a given shape land in a given context
type ResponsePattern struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	Pattern            string    `gorm:"column:response_pattern;uniqueIndex:idx_response_pattern;not null" json:"pattern"`
	ContextType        string    `gorm:"uniqueIndex:idx_response_pattern;not null" json:"context_type"`
	EffectivenessScore float64   `gorm:"not null;default:0.5" json:"effectiveness_score"`
	UsageCount         int       `gorm:"not null;default:1" json:"usage_count"`
	LastUsed           time.Time `gorm:"index;not null" json:"last_used"`
}

// TableName overrides the default table name
func (ResponsePattern) TableName() string { return "response_patterns" }

// TopicTrend is a user's interest in a topic or recurring entity
type TopicTrend struct {
	ID              uint                        `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID          string                      `gorm:"uniqueIndex:idx_topic_trend;not null" json:"user_id"`
	Topic           string                      `gorm:"uniqueIndex:idx_topic_trend;not null" json:"topic"`
	InterestScore   float64                     `gorm:"not null;default:0.5" json:"interest_score"`
	Frequency       int                         `gorm:"not null;default:1" json:"frequency"`
	LastMentioned   time.Time                   `gorm:"index;not null" json:"last_mentioned"`
	ContextKeywords datatypes.JSONSlice[string] `json:"context_keywords"`
}

// TableName overrides the default table name
func (TopicTrend) TableName() string { return "topic_trends" }

// ConversationQualityRecord is an append-only per-turn quality assessment
type ConversationQualityRecord struct {
	ID                      uint                        `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID               string                      `gorm:"index;not null" json:"session_id"`
	UserID                  string                      `gorm:"index;not null" json:"user_id"`
	QualityScore            float64                     `json:"quality_score"`
	EngagementLevel         string                      `json:"engagement_level"`
	ResponseAppropriateness float64                     `json:"response_appropriateness"`
	ContextUnderstanding    float64                     `json:"context_understanding"`
	SatisfactionIndicators  datatypes.JSONSlice[string] `gorm:"column:user_satisfaction_indicators" json:"satisfaction_indicators"`
	CalculatedAt            time.Time                   `gorm:"index;not null" json:"calculated_at"`
}

// TableName overrides the default table name
func (ConversationQualityRecord) TableName() string { return "conversation_quality" }

// Pattern types recorded in LearningPattern
const (
	PatternQuestion  = "question_pattern"
	PatternEmotional = "emotional_pattern"
	PatternIntent    = "intent_pattern"
)

// LearningPattern counts recurring conversation shapes and how well they went
type LearningPattern struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	PatternType string    `gorm:"uniqueIndex:idx_learning_pattern;size:64;not null" json:"pattern_type"`
	PatternHash string    `gorm:"uniqueIndex:idx_learning_pattern;size:64;not null" json:"-"`
	PatternData string    `gorm:"type:text;not null" json:"pattern_data"`
	Frequency   int       `gorm:"not null;default:1" json:"frequency"`
	SuccessRate float64   `gorm:"not null;default:0.5" json:"success_rate"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	LastSeen    time.Time `gorm:"not null" json:"last_seen"`
}

// TableName overrides the default table name
func (LearningPattern) TableName() string { return "learning_patterns" }

// patternHash keys pattern data of any length in the unique index
func patternHash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Preference is one learned preference value as returned to callers
type Preference struct {
	Value              string  `json:"value"`
	Confidence         float64 `json:"confidence"`
	ReinforcementCount int     `json:"reinforcement_count"`
}

// Interaction is one processed turn fed into the learning loop
type Interaction struct {
	SessionID   string
	UserID      string
	UserMessage string
	BotResponse string
	Analysis    *types.Analysis
}

// TopicScore ranks a topic in insights
type TopicScore struct {
	Topic     string  `json:"topic"`
	Score     float64 `json:"score"`
	Frequency int64   `json:"frequency"`
}

// PatternScore ranks a response pattern in insights
type PatternScore struct {
	Pattern       string  `json:"pattern"`
	Effectiveness float64 `json:"effectiveness"`
	Usage         int64   `json:"usage"`
}

// QualityMetrics averages quality records over a window
type QualityMetrics struct {
	AverageQuality         float64 `json:"average_quality"`
	AverageAppropriateness float64 `json:"average_appropriateness"`
	AverageUnderstanding   float64 `json:"average_understanding"`
}

// Insights summarizes what has been learned over a window
type Insights struct {
	TopTopics         []TopicScore    `json:"top_topics"`
	EffectivePatterns []PatternScore  `json:"effective_patterns"`
	Quality           *QualityMetrics `json:"quality_metrics,omitempty"`
	PeriodDays        int             `json:"period_days"`
}
