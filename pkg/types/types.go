// Package types defines the core types shared across dynabot
package types

import (
	"context"
	"time"
)

// MessageRole represents the role of a message sent to a generative backend
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageDict represents a single message in a generation prompt
type MessageDict struct {
	Role    MessageRole `json:"role" validate:"required,oneof=user assistant system"`
	Content string      `json:"content" validate:"required"`
}

// MessageList represents an ordered generation prompt
type MessageList []MessageDict

// Intent is the single intent label assigned to a user message
type Intent string

const (
	IntentGreeting    Intent = "greeting"
	IntentQuestion    Intent = "question"
	IntentHelpRequest Intent = "help_request"
	IntentGoodbye     Intent = "goodbye"
	IntentComplaint   Intent = "complaint"
	IntentGeneral     Intent = "general"
)

// Intents lists the closed set of intents the analyzer can emit
var Intents = []Intent{
	IntentGreeting,
	IntentQuestion,
	IntentHelpRequest,
	IntentGoodbye,
	IntentComplaint,
	IntentGeneral,
}

// IsValid reports whether the intent belongs to the closed set
func (i Intent) IsValid() bool {
	for _, known := range Intents {
		if i == known {
			return true
		}
	}
	return false
}

// Topic labels recognised by keyword presence
const (
	TopicTechnology = "technology"
	TopicPersonal   = "personal"
	TopicBusiness   = "business"
	TopicHealth     = "health"
)

// SentimentLabel is the overall polarity of a message
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// Sentiment holds polarity scores for a message
type Sentiment struct {
	Overall  SentimentLabel `json:"overall"`
	Positive float64        `json:"positive"`
	Neutral  float64        `json:"neutral"`
	Negative float64        `json:"negative"`
	Compound float64        `json:"compound"`
}

// Emotion is a single detected emotion with its score
type Emotion struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Complexity describes the surface complexity of a message
type Complexity struct {
	WordCount       int     `json:"word_count"`
	SentenceCount   int     `json:"sentence_count"`
	AvgWordLength   float64 `json:"avg_word_length"`
	ComplexityScore float64 `json:"complexity_score"`
}

// Analysis is the structured result of analysing one user message.
// A partial analysis (Errors non-empty) is still valid input downstream.
type Analysis struct {
	OriginalText string     `json:"original_text"`
	CleanedText  string     `json:"cleaned_text"`
	Sentiment    Sentiment  `json:"sentiment"`
	Emotions     []Emotion  `json:"emotions"`
	Entities     []string   `json:"entities"`
	Intent       Intent     `json:"intent"`
	Topics       []string   `json:"topics"`
	IsQuestion   bool       `json:"is_question"`
	Complexity   Complexity `json:"complexity"`
	Confidence   float64    `json:"confidence"`
	Embedding    []float32  `json:"embedding,omitempty"`
	Errors       []string   `json:"errors,omitempty"`
}

// TopEmotion returns the highest ranked emotion, if any
func (a *Analysis) TopEmotion() (Emotion, bool) {
	if a == nil || len(a.Emotions) == 0 {
		return Emotion{}, false
	}
	return a.Emotions[0], true
}

// HasEmotion reports whether any of the given labels was detected
func (a *Analysis) HasEmotion(labels ...string) bool {
	if a == nil {
		return false
	}
	for _, e := range a.Emotions {
		for _, label := range labels {
			if e.Label == label {
				return true
			}
		}
	}
	return false
}

// Partial reports whether one or more analysis steps failed
func (a *Analysis) Partial() bool {
	return a != nil && len(a.Errors) > 0
}

// HistoryEntry is one prior exchange made available to the response generator
type HistoryEntry struct {
	UserMessage string    `json:"user_message"`
	BotResponse string    `json:"bot_response"`
	Timestamp   time.Time `json:"timestamp"`
}

// SimilarTurn is a past turn ranked by token overlap with the current message
type SimilarTurn struct {
	SessionID   string    `json:"session_id"`
	UserMessage string    `json:"user_message"`
	BotResponse string    `json:"bot_response"`
	Timestamp   time.Time `json:"timestamp"`
	Similarity  float64   `json:"similarity"`
}

// ResponseRequest carries everything the response generator may use for one reply
type ResponseRequest struct {
	Text         string         `json:"text"`
	Analysis     *Analysis      `json:"analysis"`
	History      []HistoryEntry `json:"history,omitempty"`
	SimilarTurns []SimilarTurn  `json:"similar_turns,omitempty"`
}

// Error types for better error handling
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
)

// Context keys for request context
type ContextKey string

const (
	ContextKeyUserID    ContextKey = "user_id"
	ContextKeySessionID ContextKey = "session_id"
	ContextKeyRequestID ContextKey = "request_id"
)

// RequestContext holds request-specific context information
type RequestContext struct {
	UserID    string
	SessionID string
	RequestID string
}

// GetRequestContext extracts request context from Go context
func GetRequestContext(ctx context.Context) *RequestContext {
	return &RequestContext{
		UserID:    getStringFromContext(ctx, ContextKeyUserID),
		SessionID: getStringFromContext(ctx, ContextKeySessionID),
		RequestID: getStringFromContext(ctx, ContextKeyRequestID),
	}
}

// WithRequestContext stores request identifiers on the context
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	if rc == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, ContextKeyUserID, rc.UserID)
	ctx = context.WithValue(ctx, ContextKeySessionID, rc.SessionID)
	return context.WithValue(ctx, ContextKeyRequestID, rc.RequestID)
}

func getStringFromContext(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// Clamp01 bounds a score to the [0, 1] interval
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
