// Package memory persists conversation turns, session summaries and user profiles
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/metrics"
	"github.com/memtensor/dynabot/pkg/types"
)

const (
	// DefaultSimilarityThreshold is the minimum Jaccard score for a similar turn
	DefaultSimilarityThreshold = 0.3

	userCandidateLimit   = 100
	globalCandidateLimit = 200
)

// Store is the conversation store backed by gorm
type Store struct {
	db      *gorm.DB
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

// WithClock overrides the time source used for windows and cutoffs
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a conversation store on an open database
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		logger:  logger.NewNopLogger(),
		metrics: metrics.NewNoOpMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates or updates the store's tables
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&ConversationTurn{}, &SessionSummary{}, &UserProfile{}); err != nil {
		return chatErrors.NewDatabaseErrorWithCause("failed to migrate conversation store", err)
	}
	return nil
}

func (s *Store) fail(op string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["op"] = op
	s.logger.Error("conversation store operation failed", err, fields)
	s.metrics.Counter(metrics.StoreErrorsTotal, 1, map[string]string{"store": "memory", "op": op})
}

// StoreTurn inserts a turn and refreshes the user's profile.
// Failures are logged and counted, never returned.
func (s *Store) StoreTurn(ctx context.Context, turn *ConversationTurn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	turn.Timestamp = turn.Timestamp.UTC()

	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		s.fail("store_turn", err, map[string]interface{}{"session_id": turn.SessionID})
		return
	}
	if err := s.touchProfile(ctx, turn.UserID, turn.Timestamp); err != nil {
		s.fail("update_profile", err, map[string]interface{}{"user_id": turn.UserID})
		return
	}
	s.logger.Debug("stored conversation turn", map[string]interface{}{"session_id": turn.SessionID})
}

// touchProfile creates the profile with counters of one or recomputes the totals from stored turns
func (s *Store) touchProfile(ctx context.Context, userID string, at time.Time) error {
	profile := UserProfile{
		UserID:             userID,
		CreatedAt:          at,
		LastActive:         at,
		TotalConversations: 1,
		TotalMessages:      1,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_active": at,
			"total_conversations": gorm.Expr(
				"(SELECT COUNT(DISTINCT session_id) FROM conversation_turns WHERE user_id = ?)", userID),
			"total_messages": gorm.Expr(
				"(SELECT COUNT(*) FROM conversation_turns WHERE user_id = ?)", userID),
		}),
	}).Create(&profile).Error
}

// StoreSessionSummary upserts the summary keyed by session id.
// Failures are logged and counted, never returned.
func (s *Store) StoreSessionSummary(ctx context.Context, summary *SessionSummary) {
	summary.StartTime = summary.StartTime.UTC()
	summary.EndTime = summary.EndTime.UTC()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "start_time", "end_time", "duration_seconds", "message_count", "final_keywords", "summary",
		}),
	}).Create(summary).Error
	if err != nil {
		s.fail("store_session_summary", err, map[string]interface{}{"session_id": summary.SessionID})
	}
}

// RecentTurns returns the user's turns from the last days, newest first
func (s *Store) RecentTurns(ctx context.Context, userID string, limit, days int) ([]ConversationTurn, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -days)

	var turns []ConversationTurn
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND timestamp >= ?", userID, cutoff).
		Order("timestamp DESC").Order("id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		s.fail("recent_turns", err, map[string]interface{}{"user_id": userID})
		return nil, chatErrors.NewQueryFailedError("recent turns", err)
	}
	return turns, nil
}

// SimilarTurns ranks recent stored messages by token overlap with text.
// An empty userID searches across all users.
func (s *Store) SimilarTurns(ctx context.Context, text, userID string, limit int, threshold float64) ([]types.SimilarTurn, error) {
	query := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC")
	if userID != "" {
		query = query.Where("user_id = ?", userID).Limit(userCandidateLimit)
	} else {
		query = query.Limit(globalCandidateLimit)
	}

	var candidates []ConversationTurn
	if err := query.Find(&candidates).Error; err != nil {
		s.fail("similar_turns", err, map[string]interface{}{"user_id": userID})
		return nil, chatErrors.NewQueryFailedError("similar turns", err)
	}

	queryTokens := tokenSet(text)
	similar := make([]types.SimilarTurn, 0)
	for _, c := range candidates {
		score, ok := Jaccard(queryTokens, tokenSet(c.UserMessage))
		if !ok || score < threshold {
			continue
		}
		similar = append(similar, types.SimilarTurn{
			SessionID:   c.SessionID,
			UserMessage: c.UserMessage,
			BotResponse: c.BotResponse,
			Timestamp:   c.Timestamp,
			Similarity:  score,
		})
	}

	sort.SliceStable(similar, func(i, j int) bool {
		return similar[i].Similarity > similar[j].Similarity
	})
	if limit >= 0 && len(similar) > limit {
		similar = similar[:limit]
	}
	return similar, nil
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|. ok is false when both sets are empty.
func Jaccard(a, b map[string]struct{}) (score float64, ok bool) {
	intersection := 0
	for tok := range a {
		if _, found := b[tok]; found {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0, false
	}
	return float64(intersection) / float64(union), true
}

// Search finds turns whose message or reply contains query, case-insensitively, newest first.
// An empty userID searches across all users.
func (s *Store) Search(ctx context.Context, query, userID string, limit int) ([]ConversationTurn, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	db := s.db.WithContext(ctx).
		Where("(LOWER(user_message) LIKE ? ESCAPE '\\' OR LOWER(bot_response) LIKE ? ESCAPE '\\')", pattern, pattern)
	if userID != "" {
		db = db.Where("user_id = ?", userID)
	}

	var turns []ConversationTurn
	if err := db.Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&turns).Error; err != nil {
		s.fail("search", err, map[string]interface{}{"query": query})
		return nil, chatErrors.NewQueryFailedError("search", err)
	}
	return turns, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Cleanup deletes turns and summaries at or before now minus daysToKeep
func (s *Store) Cleanup(ctx context.Context, daysToKeep int) (CleanupResult, error) {
	if daysToKeep < 0 {
		return CleanupResult{}, chatErrors.NewInvalidArgumentError("days_to_keep", daysToKeep)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -daysToKeep)

	var result CleanupResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		turns := tx.Where("timestamp <= ?", cutoff).Delete(&ConversationTurn{})
		if turns.Error != nil {
			return turns.Error
		}
		summaries := tx.Where("end_time <= ?", cutoff).Delete(&SessionSummary{})
		if summaries.Error != nil {
			return summaries.Error
		}
		result = CleanupResult{TurnsDeleted: turns.RowsAffected, SummariesDeleted: summaries.RowsAffected}
		return nil
	})
	if err != nil {
		s.fail("cleanup", err, nil)
		return CleanupResult{}, chatErrors.NewDatabaseErrorWithCause("cleanup failed", err)
	}

	s.logger.Info("cleaned up old conversations", map[string]interface{}{
		"turns_deleted":     result.TurnsDeleted,
		"summaries_deleted": result.SummariesDeleted,
		"days_to_keep":      daysToKeep,
	})
	return result, nil
}

// UserProfile returns the stored profile for userID
func (s *Store) UserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var profile UserProfile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chatErrors.NewNotFoundError("user profile " + userID)
	}
	if err != nil {
		return nil, chatErrors.NewQueryFailedError("user profile", err)
	}
	return &profile, nil
}

// UserStats aggregates the user's stored turns and session summaries
func (s *Store) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	db := s.db.WithContext(ctx)
	stats := &UserStats{UserID: userID}

	turns := db.Model(&ConversationTurn{}).Where("user_id = ?", userID)
	if err := turns.Count(&stats.TotalMessages).Error; err != nil {
		return nil, chatErrors.NewQueryFailedError("user stats", err)
	}
	err := db.Model(&ConversationTurn{}).Where("user_id = ?", userID).
		Distinct("session_id").Count(&stats.TotalSessions).Error
	if err != nil {
		return nil, chatErrors.NewQueryFailedError("user stats", err)
	}

	if stats.TotalMessages > 0 {
		var first, last ConversationTurn
		if err := db.Where("user_id = ?", userID).Order("timestamp ASC").Take(&first).Error; err != nil {
			return nil, chatErrors.NewQueryFailedError("user stats", err)
		}
		if err := db.Where("user_id = ?", userID).Order("timestamp DESC").Take(&last).Error; err != nil {
			return nil, chatErrors.NewQueryFailedError("user stats", err)
		}
		stats.FirstConversation = &first.Timestamp
		stats.LastConversation = &last.Timestamp
	}

	var averages struct {
		AvgDuration *float64
		AvgMessages *float64
	}
	err = db.Model(&SessionSummary{}).
		Select("AVG(duration_seconds) AS avg_duration, AVG(message_count) AS avg_messages").
		Where("user_id = ?", userID).
		Scan(&averages).Error
	if err != nil {
		return nil, chatErrors.NewQueryFailedError("user stats", err)
	}
	if averages.AvgDuration != nil {
		stats.AvgSessionDuration = *averages.AvgDuration
	}
	if averages.AvgMessages != nil {
		stats.AvgMessagesPerSession = *averages.AvgMessages
	}
	return stats, nil
}

// Trends buckets the stored message volume of the last days by UTC date and hour.
// An empty userID covers all users.
func (s *Store) Trends(ctx context.Context, userID string, days int) (*Trends, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	db := s.db.WithContext(ctx).Model(&ConversationTurn{}).Where("timestamp >= ?", cutoff)
	if userID != "" {
		db = db.Where("user_id = ?", userID)
	}

	var timestamps []time.Time
	if err := db.Pluck("timestamp", &timestamps).Error; err != nil {
		return nil, chatErrors.NewQueryFailedError("trends", err)
	}

	daily := make(map[string]int)
	hourly := make(map[int]int)
	for _, ts := range timestamps {
		ts = ts.UTC()
		daily[ts.Format("2006-01-02")]++
		hourly[ts.Hour()]++
	}

	trends := &Trends{PeriodDays: days, Daily: []DailyCount{}, Hourly: []HourlyCount{}}
	for date, n := range daily {
		trends.Daily = append(trends.Daily, DailyCount{Date: date, Messages: n})
	}
	sort.Slice(trends.Daily, func(i, j int) bool { return trends.Daily[i].Date < trends.Daily[j].Date })

	for hour, n := range hourly {
		trends.Hourly = append(trends.Hourly, HourlyCount{Hour: hour, Messages: n})
	}
	sort.Slice(trends.Hourly, func(i, j int) bool {
		if trends.Hourly[i].Messages != trends.Hourly[j].Messages {
			return trends.Hourly[i].Messages > trends.Hourly[j].Messages
		}
		return trends.Hourly[i].Hour < trends.Hourly[j].Hour
	})
	return trends, nil
}
