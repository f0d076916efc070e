// Package engine orchestrates analysis, response generation, memory and learning for each session
package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/memtensor/dynabot/pkg/analytics"
	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/learning"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/memory"
	"github.com/memtensor/dynabot/pkg/metrics"
	"github.com/memtensor/dynabot/pkg/nlp"
	"github.com/memtensor/dynabot/pkg/responder"
	"github.com/memtensor/dynabot/pkg/session"
	"github.com/memtensor/dynabot/pkg/types"
)

const (
	// DefaultUserID is used when a caller does not name a user
	DefaultUserID = "default"

	// Apology replaces a reply whose generation failed
	Apology = "I apologize, but I'm having trouble processing your message right now. Please try again."
	// ApologyConfidence is reported with Apology
	ApologyConfidence = 0.1

	sessionTimeFormat  = "20060102_150405"
	summaryKeywords    = 5
	maxAcquireAttempts = 3
)

// ErrNoActiveConversation is returned for unknown or expired session ids
var ErrNoActiveConversation = chatErrors.NewSessionNotFoundError("")

// ConversationStore persists turns and session summaries
type ConversationStore interface {
	StoreTurn(ctx context.Context, turn *memory.ConversationTurn)
	StoreSessionSummary(ctx context.Context, summary *memory.SessionSummary)
	RecentTurns(ctx context.Context, userID string, limit, days int) ([]memory.ConversationTurn, error)
	SimilarTurns(ctx context.Context, text, userID string, limit int, threshold float64) ([]types.SimilarTurn, error)
	Search(ctx context.Context, query, userID string, limit int) ([]memory.ConversationTurn, error)
	Cleanup(ctx context.Context, daysToKeep int) (memory.CleanupResult, error)
	UserProfile(ctx context.Context, userID string) (*memory.UserProfile, error)
	UserStats(ctx context.Context, userID string) (*memory.UserStats, error)
	Trends(ctx context.Context, userID string, days int) (*memory.Trends, error)
}

// LearningStore adapts to users from processed turns
type LearningStore interface {
	Learn(ctx context.Context, in learning.Interaction)
	GetPreferences(ctx context.Context, userID string) (map[string][]learning.Preference, error)
	GetInsights(ctx context.Context, userID string, days int) (*learning.Insights, error)
	EffectivePatterns(ctx context.Context, contextType string, limit int) ([]learning.ResponsePattern, error)
}

// Reply is the outcome of one processed message
type Reply struct {
	Response     string               `json:"response"`
	Confidence   float64              `json:"confidence"`
	SessionID    string               `json:"session_id"`
	ContextUsed  int                  `json:"context_used"`
	SimilarFound int                  `json:"similar_found"`
	Timestamp    time.Time            `json:"timestamp"`
	Intent       types.Intent         `json:"intent"`
	Sentiment    types.SentimentLabel `json:"sentiment"`
	Analysis     *types.Analysis      `json:"analysis,omitempty"`
}

// SessionStats describes a live session
type SessionStats struct {
	SessionID       string  `json:"session_id"`
	UserID          string  `json:"user_id"`
	MessageCount    int     `json:"message_count"`
	ContextKeywords int     `json:"context_keywords"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// Engine runs conversations. It holds no current session: every call names the session it works on,
// and calls for one session are serialized on that session's lock.
type Engine struct {
	cfg       config.ChatbotConfig
	analyzer  interfaces.Analyzer
	responder interfaces.Responder
	memory    ConversationStore
	learning  LearningStore
	sessions  session.Store
	analytics *analytics.Collector
	logger    interfaces.Logger
	metrics   interfaces.Metrics
	now       func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides time.Now for ids, durations and timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(l interfaces.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m interfaces.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAnalyzer replaces the heuristic analyzer
func WithAnalyzer(a interfaces.Analyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// WithResponder replaces the default responder
func WithResponder(r interfaces.Responder) Option {
	return func(e *Engine) { e.responder = r }
}

// WithLearning enables the learning loop
func WithLearning(l LearningStore) Option {
	return func(e *Engine) { e.learning = l }
}

// WithSessionStore replaces the in-memory session store
func WithSessionStore(s session.Store) Option {
	return func(e *Engine) { e.sessions = s }
}

// WithAnalytics records events into c
func WithAnalytics(c *analytics.Collector) Option {
	return func(e *Engine) { e.analytics = c }
}

// New creates an engine over the conversation store
func New(cfg config.ChatbotConfig, store ConversationStore, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		memory:  store,
		logger:  logger.NewNopLogger(),
		metrics: metrics.NewNoOpMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.analyzer == nil {
		e.analyzer = nlp.NewAnalyzer(nlp.WithLogger(e.logger))
	}
	if e.responder == nil {
		e.responder = responder.New(responder.WithName(cfg.Name), responder.WithLogger(e.logger))
	}
	if e.sessions == nil {
		e.sessions = session.NewMemoryStore(time.Hour, e.now)
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// Start opens a new session for the user and returns its id
func (e *Engine) Start(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		userID = DefaultUserID
	}
	now := e.clock()
	id := fmt.Sprintf("%s_%s_%s", userID, now.Format(sessionTimeFormat), uuid.NewString()[:8])
	if _, err := e.open(ctx, id, userID, now); err != nil {
		return "", err
	}
	return id, nil
}

// open builds a context with the user's recent history and preferences and registers it
func (e *Engine) open(ctx context.Context, sessionID, userID string, now time.Time) (*session.Context, error) {
	c := session.New(sessionID, userID, now)

	turns, err := e.memory.RecentTurns(ctx, userID, e.cfg.MaxHistoryLength, e.cfg.RecentDays)
	if err != nil {
		return nil, chatErrors.NewDatabaseErrorWithCause("failed to load recent history", err)
	}
	for i := len(turns) - 1; i >= 0; i-- {
		c.History = append(c.History, turns[i].History())
	}

	if e.learning != nil {
		prefs, err := e.learning.GetPreferences(ctx, userID)
		if err != nil {
			return nil, chatErrors.NewDatabaseErrorWithCause("failed to load user preferences", err)
		}
		c.Preferences = prefs
	}

	registered, err := e.sessions.Add(ctx, c)
	if err != nil {
		return nil, err
	}
	if registered == c {
		e.logger.Info("Started conversation session", map[string]interface{}{
			"session_id": sessionID,
			"user_id":    userID,
			"history":    len(c.History),
		})
		e.record(ctx, analytics.Event{Type: analytics.EventSessionStarted, SessionID: sessionID, UserID: userID})
		e.reportActive(ctx)
	}
	return registered, nil
}

// Process answers one message. An empty sessionID starts a new session; an unknown or expired one
// is started under the given id. A live session only accepts messages from its own user; an empty
// userID means the session's user, or DefaultUserID for a new session.
func (e *Engine) Process(ctx context.Context, sessionID, userID, text string) (*Reply, error) {
	if err := e.validate(text); err != nil {
		return nil, err
	}

	started := time.Now()
	c, err := e.lockLive(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	defer c.Unlock()
	reply := e.process(ctx, c, text)

	elapsed := time.Since(started)
	e.metrics.Counter(metrics.MessagesTotal, 1, map[string]string{"intent": string(reply.Intent)})
	e.metrics.Timer(metrics.ProcessSeconds, elapsed.Seconds(), nil)
	e.metrics.Histogram(metrics.SimilarTurns, float64(reply.SimilarFound), nil)
	e.record(ctx, analytics.Event{
		Type:           analytics.EventMessageProcessed,
		SessionID:      c.SessionID,
		UserID:         c.UserID,
		Intent:         string(reply.Intent),
		Sentiment:      string(reply.Sentiment),
		Confidence:     reply.Confidence,
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
	})
	return reply, nil
}

func (e *Engine) validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return chatErrors.NewEmptyMessageError()
	}
	if n := utf8.RuneCountInString(text); e.cfg.MaxMessageLength > 0 && n > e.cfg.MaxMessageLength {
		return chatErrors.NewMessageTooLongError(n, e.cfg.MaxMessageLength)
	}
	return nil
}

func (e *Engine) acquire(ctx context.Context, sessionID, userID string) (*session.Context, error) {
	userID = strings.TrimSpace(userID)
	owner := userID
	if owner == "" {
		owner = DefaultUserID
	}
	if sessionID == "" {
		id, err := e.Start(ctx, owner)
		if err != nil {
			return nil, err
		}
		sessionID = id
	}

	c, err := e.sessions.Get(ctx, sessionID)
	if err == nil {
		if userID != "" && userID != c.UserID {
			return nil, chatErrors.NewValidationError("session belongs to another user").
				WithDetail("session_id", sessionID).
				WithDetail("user_id", userID)
		}
		return c, nil
	}
	if !chatErrors.IsNotFound(err) {
		return nil, err
	}
	return e.open(ctx, sessionID, owner, e.clock())
}

// lockLive acquires the session and locks it. A context ended while this call waited for the lock
// is never reused; the lookup is repeated so the id resolves to a fresh session.
func (e *Engine) lockLive(ctx context.Context, sessionID, userID string) (*session.Context, error) {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		c, err := e.acquire(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		c.Lock()
		if !c.Closed() {
			return c, nil
		}
		c.Unlock()
	}
	return nil, chatErrors.NewSessionNotFoundError(sessionID)
}

// process runs the pipeline for one message. The caller holds c's lock.
func (e *Engine) process(ctx context.Context, c *session.Context, text string) *Reply {
	now := e.clock()
	c.MessageCount++
	c.Touch(now)

	analysis := e.analyzer.Analyze(ctx, text)
	c.AddKeywords(analysis.Entities, e.cfg.KeywordWindow)

	similar, err := e.memory.SimilarTurns(ctx, text, "", e.cfg.SimilarLimit, e.cfg.SimilarityThreshold)
	if err != nil {
		e.logger.Warn("similar turn lookup failed", map[string]interface{}{"session_id": c.SessionID, "error": err.Error()})
		similar = nil
	}

	response, confidence, generated := e.respond(ctx, c, text, analysis, similar)

	c.Remember(types.HistoryEntry{UserMessage: text, BotResponse: response, Timestamp: now}, e.cfg.MaxHistoryLength)
	e.memory.StoreTurn(ctx, &memory.ConversationTurn{
		SessionID:       c.SessionID,
		UserID:          c.UserID,
		UserMessage:     text,
		BotResponse:     response,
		Timestamp:       now,
		Analysis:        datatypes.NewJSONType(*analysis),
		ContextKeywords: append([]string{}, c.Keywords...),
		Embedding:       analysis.Embedding,
	})

	if generated && e.learning != nil {
		e.learning.Learn(ctx, learning.Interaction{
			SessionID:   c.SessionID,
			UserID:      c.UserID,
			UserMessage: text,
			BotResponse: response,
			Analysis:    analysis,
		})
	}

	if err := e.sessions.Save(ctx, c); err != nil {
		e.logger.Warn("session save failed", map[string]interface{}{"session_id": c.SessionID, "error": err.Error()})
	}

	return &Reply{
		Response:     response,
		Confidence:   confidence,
		SessionID:    c.SessionID,
		ContextUsed:  len(c.Keywords),
		SimilarFound: len(similar),
		Timestamp:    now,
		Intent:       analysis.Intent,
		Sentiment:    analysis.Sentiment.Overall,
		Analysis:     analysis,
	}
}

// respond generates the reply and its confidence. A panic or empty reply becomes the apology.
func (e *Engine) respond(ctx context.Context, c *session.Context, text string, analysis *types.Analysis, similar []types.SimilarTurn) (response string, confidence float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("response generation panicked", nil, map[string]interface{}{
				"session_id": c.SessionID,
				"panic":      fmt.Sprint(r),
			})
			response, confidence, ok = Apology, ApologyConfidence, false
		}
	}()

	response = e.responder.Respond(ctx, &types.ResponseRequest{
		Text:         text,
		Analysis:     analysis,
		History:      append([]types.HistoryEntry(nil), c.History...),
		SimilarTurns: similar,
	})
	if strings.TrimSpace(response) == "" {
		e.logger.Error("response generation returned nothing", nil, map[string]interface{}{"session_id": c.SessionID})
		return Apology, ApologyConfidence, false
	}
	return response, blendConfidence(analysis.Confidence, len(similar), len(c.Keywords)), true
}

// blendConfidence boosts the analysis confidence by similar turns found and keywords in context
func blendConfidence(base float64, similar, keywords int) float64 {
	confidence := base + math.Min(0.3, 0.1*float64(similar)) + math.Min(0.2, 0.02*float64(keywords))
	return math.Round(math.Min(1.0, confidence)*1000) / 1000
}

// End closes the session and persists its summary
func (e *Engine) End(ctx context.Context, sessionID string) (*memory.SessionSummary, error) {
	c, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, chatErrors.NewSessionNotFoundError(sessionID)
	}

	c.Lock()
	defer c.Unlock()
	if c.Closed() {
		return nil, chatErrors.NewSessionNotFoundError(sessionID)
	}
	c.Close()

	now := e.clock()
	summary := &memory.SessionSummary{
		SessionID:       c.SessionID,
		UserID:          c.UserID,
		StartTime:       c.StartTime,
		EndTime:         now,
		DurationSeconds: int64(now.Sub(c.StartTime).Seconds()),
		MessageCount:    c.MessageCount,
		FinalKeywords:   append([]string{}, c.Keywords...),
		Summary:         summarize(c.MessageCount, c.Keywords),
	}
	e.memory.StoreSessionSummary(ctx, summary)

	if err := e.sessions.Delete(ctx, sessionID); err != nil {
		e.logger.Warn("session delete failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
	}
	e.logger.Info("Ended conversation session", map[string]interface{}{
		"session_id": sessionID,
		"messages":   c.MessageCount,
	})
	e.record(ctx, analytics.Event{Type: analytics.EventSessionEnded, SessionID: sessionID, UserID: c.UserID})
	e.reportActive(ctx)
	return summary, nil
}

func summarize(messages int, keywords []string) string {
	s := fmt.Sprintf("%d messages", messages)
	if messages == 1 {
		s = "1 message"
	}
	if len(keywords) > summaryKeywords {
		keywords = keywords[len(keywords)-summaryKeywords:]
	}
	if len(keywords) > 0 {
		s += "; keywords: " + strings.Join(keywords, ", ")
	}
	return s
}

// Stats describes a live session
func (e *Engine) Stats(ctx context.Context, sessionID string) (*SessionStats, error) {
	c, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, chatErrors.NewSessionNotFoundError(sessionID)
	}

	c.Lock()
	defer c.Unlock()
	return &SessionStats{
		SessionID:       c.SessionID,
		UserID:          c.UserID,
		MessageCount:    c.MessageCount,
		ContextKeywords: len(c.Keywords),
		DurationMinutes: e.clock().Sub(c.StartTime).Minutes(),
	}, nil
}

// ActiveSessions lists the live session ids
func (e *Engine) ActiveSessions(ctx context.Context) ([]string, error) {
	return e.sessions.IDs(ctx)
}

// Preferences returns the user's learned preferences; empty when learning is disabled
func (e *Engine) Preferences(ctx context.Context, userID string) (map[string][]learning.Preference, error) {
	if e.learning == nil {
		return map[string][]learning.Preference{}, nil
	}
	return e.learning.GetPreferences(ctx, userID)
}

// Insights summarizes learning over the last days; an empty userID covers everyone
func (e *Engine) Insights(ctx context.Context, userID string, days int) (*learning.Insights, error) {
	if days <= 0 {
		return nil, chatErrors.NewInvalidArgumentError("days", days)
	}
	if e.learning == nil {
		return &learning.Insights{PeriodDays: days, TopTopics: []learning.TopicScore{}, EffectivePatterns: []learning.PatternScore{}}, nil
	}
	return e.learning.GetInsights(ctx, userID, days)
}

// Patterns returns the most effective response patterns; an empty contextType covers every context
func (e *Engine) Patterns(ctx context.Context, contextType string, limit int) ([]learning.ResponsePattern, error) {
	if limit <= 0 {
		return nil, chatErrors.NewInvalidArgumentError("limit", limit)
	}
	if e.learning == nil {
		return []learning.ResponsePattern{}, nil
	}
	return e.learning.EffectivePatterns(ctx, contextType, limit)
}

// Search finds stored turns containing query
func (e *Engine) Search(ctx context.Context, query, userID string, limit int) ([]memory.ConversationTurn, error) {
	if strings.TrimSpace(query) == "" {
		return nil, chatErrors.NewMissingFieldError("query")
	}
	return e.memory.Search(ctx, query, userID, limit)
}

// History returns the user's most recent stored turns within the recent-days window, newest first
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]memory.ConversationTurn, error) {
	return e.memory.RecentTurns(ctx, userID, limit, e.cfg.RecentDays)
}

// Cleanup removes stored turns and summaries older than daysToKeep
func (e *Engine) Cleanup(ctx context.Context, daysToKeep int) (memory.CleanupResult, error) {
	return e.memory.Cleanup(ctx, daysToKeep)
}

// UserProfile returns the stored profile
func (e *Engine) UserProfile(ctx context.Context, userID string) (*memory.UserProfile, error) {
	return e.memory.UserProfile(ctx, userID)
}

// UserStats aggregates the user's stored conversations
func (e *Engine) UserStats(ctx context.Context, userID string) (*memory.UserStats, error) {
	return e.memory.UserStats(ctx, userID)
}

// Trends returns the user's daily and hourly message counts
func (e *Engine) Trends(ctx context.Context, userID string, days int) (*memory.Trends, error) {
	return e.memory.Trends(ctx, userID, days)
}

// AnalyticsStats aggregates recent events; zero when analytics is off
func (e *Engine) AnalyticsStats() analytics.Stats {
	if e.analytics == nil {
		return analytics.Stats{IntentDistribution: map[string]int{}, SentimentDistribution: map[string]int{}}
	}
	return e.analytics.Stats()
}

func (e *Engine) record(ctx context.Context, ev analytics.Event) {
	if e.analytics != nil {
		ev.Timestamp = e.clock()
		e.analytics.Record(ctx, ev)
	}
}

func (e *Engine) reportActive(ctx context.Context) {
	if ids, err := e.sessions.IDs(ctx); err == nil {
		e.metrics.Gauge(metrics.ActiveSessions, float64(len(ids)), nil)
	}
}
