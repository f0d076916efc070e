// Package learning adapts per-user preferences, response-pattern effectiveness,
// topic trends and conversation quality from processed turns
package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/metrics"
	"github.com/memtensor/dynabot/pkg/types"
)

// Store is the learning store backed by gorm.
// Every reinforcement is a single INSERT ... ON CONFLICT DO UPDATE so concurrent writers never lose updates.
type Store struct {
	db                  *gorm.DB
	learningRate        float64
	confidenceThreshold float64
	pool                *ants.Pool

	logger  interfaces.Logger
	metrics interfaces.Metrics
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l interfaces.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics sink for store failures
func WithMetrics(m interfaces.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a learning store and its recording worker pool
func NewStore(db *gorm.DB, cfg config.LearningConfig, opts ...Option) (*Store, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create learning worker pool: %w", err)
	}

	s := &Store{
		db:                  db,
		learningRate:        cfg.LearningRate,
		confidenceThreshold: cfg.ConfidenceThreshold,
		pool:                pool,
		logger:              logger.NewNopLogger(),
		metrics:             metrics.NewNoOpMetrics(),
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates or updates the learning tables
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&UserPreference{},
		&ResponsePattern{},
		&TopicTrend{},
		&ConversationQualityRecord{},
		&LearningPattern{},
	)
	if err != nil {
		return chatErrors.NewDatabaseErrorWithCause("failed to migrate learning store", err)
	}
	return nil
}

// Close releases the worker pool
func (s *Store) Close() error {
	s.pool.Release()
	return nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Learn runs every recording for one interaction concurrently and waits for all of them.
// Each failure is logged on its own; one failing recording never blocks the others.
func (s *Store) Learn(ctx context.Context, in Interaction) {
	if in.Analysis == nil {
		return
	}

	recordings := []struct {
		name string
		fn   func() error
	}{
		{"preferences", func() error { return s.RecordPreferences(ctx, in.UserID, in.Analysis) }},
		{"response_pattern", func() error {
			return s.RecordResponsePattern(ctx, in.UserMessage, in.BotResponse, in.Analysis)
		}},
		{"topic_trends", func() error { return s.RecordTopicTrends(ctx, in.UserID, in.Analysis) }},
		{"conversation_patterns", func() error {
			return s.RecordConversationPatterns(ctx, in.UserMessage, in.BotResponse, in.Analysis)
		}},
		{"quality", func() error {
			return s.RecordQuality(ctx, in.SessionID, in.UserID, in.UserMessage, in.BotResponse, in.Analysis)
		}},
	}

	var wg sync.WaitGroup
	for _, r := range recordings {
		wg.Add(1)
		name, fn := r.name, r.fn
		task := func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					s.fail(name, fmt.Errorf("panic: %v", rec), in.UserID)
				}
			}()
			if err := fn(); err != nil {
				s.fail(name, err, in.UserID)
			}
		}
		if err := s.pool.Submit(task); err != nil {
			// pool closed or saturated; record inline
			task()
		}
	}
	wg.Wait()
}

func (s *Store) fail(op string, err error, userID string) {
	s.logger.Error("learning operation failed", err, map[string]interface{}{"op": op, "user_id": userID})
	s.metrics.Counter(metrics.StoreErrorsTotal, 1, map[string]string{"store": "learning", "op": op})
}

// RecordPreferences reinforces the preferences observed in one message
func (s *Store) RecordPreferences(ctx context.Context, userID string, a *types.Analysis) error {
	var errs []error
	for _, o := range observePreferences(a) {
		if err := s.reinforce(ctx, userID, o.prefType, o.value, o.strength); err != nil {
			errs = append(errs, fmt.Errorf("%s=%s: %w", o.prefType, o.value, err))
		}
	}
	return errors.Join(errs...)
}

// reinforce inserts a preference at the observed strength or raises it by strength times the learning rate
func (s *Store) reinforce(ctx context.Context, userID, prefType, value string, strength float64) error {
	now := s.clock()
	pref := UserPreference{
		UserID:             userID,
		PreferenceType:     prefType,
		PreferenceValue:    value,
		ConfidenceScore:    types.Clamp01(strength),
		ReinforcementCount: 1,
		LearnedAt:          now,
		LastReinforced:     now,
	}
	delta := strength * s.learningRate
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "preference_type"}, {Name: "preference_value"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"confidence_score": gorm.Expr(
				"CASE WHEN user_preferences.confidence_score + ? > 1.0 THEN 1.0 ELSE user_preferences.confidence_score + ? END",
				delta, delta),
			"reinforcement_count": gorm.Expr("user_preferences.reinforcement_count + 1"),
			"last_reinforced":     now,
		}),
	}).Create(&pref).Error
}

// RecordResponsePattern folds the reply's estimated effectiveness into its pattern's running mean
func (s *Store) RecordResponsePattern(ctx context.Context, userText, botText string, a *types.Analysis) error {
	score := effectiveness(botText, a)
	pattern := ResponsePattern{
		Pattern:            fmt.Sprintf("length_%d_intent_%s", wordCount(botText), a.Intent),
		ContextType:        contextType(a),
		EffectivenessScore: score,
		UsageCount:         1,
		LastUsed:           s.clock(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "response_pattern"}, {Name: "context_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"effectiveness_score": gorm.Expr(
				"(response_patterns.effectiveness_score * response_patterns.usage_count + ?) / (response_patterns.usage_count + 1)",
				score),
			"usage_count": gorm.Expr("response_patterns.usage_count + 1"),
			"last_used":   pattern.LastUsed,
		}),
	}).Create(&pattern).Error
}

// RecordTopicTrends raises the user's interest in every topic and alphabetic entity of the message
func (s *Store) RecordTopicTrends(ctx context.Context, userID string, a *types.Analysis) error {
	entities := a.Entities
	if entities == nil {
		entities = []string{}
	}

	var errs []error
	for _, topic := range trendTopics(a) {
		trend := TopicTrend{
			UserID:          userID,
			Topic:           topic,
			InterestScore:   initialInterest,
			Frequency:       1,
			LastMentioned:   s.clock(),
			ContextKeywords: entities,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "topic"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"interest_score": gorm.Expr(
					"CASE WHEN topic_trends.interest_score + ? > 1.0 THEN 1.0 ELSE topic_trends.interest_score + ? END",
					interestStep, interestStep),
				"frequency":      gorm.Expr("topic_trends.frequency + 1"),
				"last_mentioned": trend.LastMentioned,
			}),
		}).Create(&trend).Error
		if err != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// RecordConversationPatterns counts the question, emotional and intent patterns of the turn
func (s *Store) RecordConversationPatterns(ctx context.Context, userText, botText string, a *types.Analysis) error {
	observed, err := observePatterns(userText, botText, a)
	if err != nil {
		return err
	}
	success := patternSuccess(a)

	var errs []error
	for _, o := range observed {
		now := s.clock()
		pattern := LearningPattern{
			PatternType: o.patternType,
			PatternHash: patternHash(o.data),
			PatternData: o.data,
			Frequency:   1,
			SuccessRate: success,
			CreatedAt:   now,
			LastSeen:    now,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "pattern_type"}, {Name: "pattern_hash"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"success_rate": gorm.Expr(
					"(learning_patterns.success_rate * learning_patterns.frequency + ?) / (learning_patterns.frequency + 1)",
					success),
				"frequency": gorm.Expr("learning_patterns.frequency + 1"),
				"last_seen": now,
			}),
		}).Create(&pattern).Error
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.patternType, err))
		}
	}
	return errors.Join(errs...)
}

// RecordQuality appends one quality assessment for the turn
func (s *Store) RecordQuality(ctx context.Context, sessionID, userID, userText, botText string, a *types.Analysis) error {
	q := assessQuality(userText, botText, a)
	record := ConversationQualityRecord{
		SessionID:               sessionID,
		UserID:                  userID,
		QualityScore:            types.Clamp01(q.Score),
		EngagementLevel:         q.EngagementLevel,
		ResponseAppropriateness: q.ResponseAppropriateness,
		ContextUnderstanding:    q.ContextUnderstanding,
		SatisfactionIndicators:  q.Indicators,
		CalculatedAt:            s.clock(),
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// GetPreferences returns the user's preferences above the confidence threshold,
// grouped by type and ordered by confidence then reinforcement count
func (s *Store) GetPreferences(ctx context.Context, userID string) (map[string][]Preference, error) {
	var rows []UserPreference
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND confidence_score > ?", userID, s.confidenceThreshold).
		Order("confidence_score DESC").Order("reinforcement_count DESC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, chatErrors.NewQueryFailedError("user preferences", err)
	}

	prefs := make(map[string][]Preference)
	for _, r := range rows {
		prefs[r.PreferenceType] = append(prefs[r.PreferenceType], Preference{
			Value:              r.PreferenceValue,
			Confidence:         r.ConfidenceScore,
			ReinforcementCount: r.ReinforcementCount,
		})
	}
	return prefs, nil
}

// EffectivePatterns returns the best scoring response patterns, optionally for one context type
func (s *Store) EffectivePatterns(ctx context.Context, contextType string, limit int) ([]ResponsePattern, error) {
	if limit <= 0 {
		limit = defaultPatternsLimit
	}
	db := s.db.WithContext(ctx)
	if contextType != "" {
		db = db.Where("context_type = ?", contextType)
	}

	var patterns []ResponsePattern
	err := db.Order("effectiveness_score DESC").Order("usage_count DESC").Limit(limit).Find(&patterns).Error
	if err != nil {
		return nil, chatErrors.NewQueryFailedError("effective patterns", err)
	}
	return patterns, nil
}

// GetInsights summarizes topics, response patterns and quality over the last days.
// An empty userID aggregates across users.
func (s *Store) GetInsights(ctx context.Context, userID string, days int) (*Insights, error) {
	cutoff := s.clock().AddDate(0, 0, -days)
	db := s.db.WithContext(ctx)
	insights := &Insights{PeriodDays: days, TopTopics: []TopicScore{}, EffectivePatterns: []PatternScore{}}

	var err error
	if userID != "" {
		err = db.Model(&TopicTrend{}).
			Select("topic, interest_score AS score, frequency").
			Where("user_id = ? AND last_mentioned >= ?", userID, cutoff).
			Order("score DESC").Order("frequency DESC").Order("topic ASC").
			Limit(insightTopicLimit).
			Scan(&insights.TopTopics).Error
	} else {
		err = db.Model(&TopicTrend{}).
			Select("topic, AVG(interest_score) AS score, SUM(frequency) AS frequency").
			Where("last_mentioned >= ?", cutoff).
			Group("topic").
			Order("score DESC").Order("frequency DESC").Order("topic ASC").
			Limit(insightTopicLimit).
			Scan(&insights.TopTopics).Error
	}
	if err != nil {
		return nil, chatErrors.NewQueryFailedError("insights topics", err)
	}

	err = db.Model(&ResponsePattern{}).
		Select("response_pattern AS pattern, AVG(effectiveness_score) AS effectiveness, SUM(usage_count) AS usage").
		Where("last_used >= ?", cutoff).
		Group("response_pattern").
		Order("effectiveness DESC").Order("pattern ASC").
		Limit(insightPatternLimit).
		Scan(&insights.EffectivePatterns).Error
	if err != nil {
		return nil, chatErrors.NewQueryFailedError("insights patterns", err)
	}

	var quality struct {
		AvgQuality         *float64
		AvgAppropriateness *float64
		AvgUnderstanding   *float64
	}
	qdb := db.Model(&ConversationQualityRecord{}).
		Select("AVG(quality_score) AS avg_quality, AVG(response_appropriateness) AS avg_appropriateness, AVG(context_understanding) AS avg_understanding").
		Where("calculated_at >= ?", cutoff)
	if userID != "" {
		qdb = qdb.Where("user_id = ?", userID)
	}
	if err := qdb.Scan(&quality).Error; err != nil {
		return nil, chatErrors.NewQueryFailedError("insights quality", err)
	}
	if quality.AvgQuality != nil {
		insights.Quality = &QualityMetrics{AverageQuality: *quality.AvgQuality}
		if quality.AvgAppropriateness != nil {
			insights.Quality.AverageAppropriateness = *quality.AvgAppropriateness
		}
		if quality.AvgUnderstanding != nil {
			insights.Quality.AverageUnderstanding = *quality.AvgUnderstanding
		}
	}
	return insights, nil
}
