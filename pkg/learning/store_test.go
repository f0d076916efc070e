package learning

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/database"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/types"
)

var base = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func setupStore(t *testing.T, opts ...Option) (*Store, *gorm.DB) {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "learning.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	opts = append([]Option{WithClock(func() time.Time { return base })}, opts...)
	store, err := NewStore(db, config.LearningConfig{
		Enabled:             true,
		LearningRate:        0.001,
		ConfidenceThreshold: 0.7,
		Workers:             4,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store, db
}

func joyful() *types.Analysis {
	return &types.Analysis{
		Intent:     types.IntentGeneral,
		Sentiment:  types.Sentiment{Overall: types.SentimentPositive, Compound: 0.3},
		Emotions:   []types.Emotion{{Label: "joy", Score: 0.8}},
		Entities:   []string{"today"},
		Topics:     []string{},
		Complexity: types.Complexity{WordCount: 4},
		Confidence: 0.8,
	}
}

func preference(t *testing.T, db *gorm.DB, user, prefType, value string) UserPreference {
	t.Helper()
	var p UserPreference
	require.NoError(t, db.Where("user_id = ? AND preference_type = ? AND preference_value = ?", user, prefType, value).Take(&p).Error)
	return p
}

func TestRecordPreferences(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordPreferences(ctx, "alice", joyful()))
	joy := preference(t, db, "alice", PrefEmotionalExpression, "joy")
	assert.Equal(t, 0.8, joy.ConfidenceScore)
	assert.Equal(t, 1, joy.ReinforcementCount)

	require.NoError(t, store.RecordPreferences(ctx, "alice", joyful()))
	joy = preference(t, db, "alice", PrefEmotionalExpression, "joy")
	assert.InDelta(t, 0.8008, joy.ConfidenceScore, 1e-9)
	assert.Equal(t, 2, joy.ReinforcementCount)

	brief := preference(t, db, "alice", PrefCommunicationStyle, "brief")
	assert.InDelta(t, 0.6006, brief.ConfidenceScore, 1e-9)

	var count int64
	require.NoError(t, db.Model(&UserPreference{}).Where("user_id = ?", "alice").Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestObservePreferences(t *testing.T) {
	a := &types.Analysis{
		Intent:     types.IntentQuestion,
		Topics:     []string{types.TopicTechnology, types.TopicBusiness},
		Emotions:   []types.Emotion{{Label: "fear", Score: 0.6}},
		Complexity: types.Complexity{WordCount: 25},
	}
	assert.Equal(t, []observation{
		{PrefTopicInterest, types.TopicTechnology, 0.6},
		{PrefTopicInterest, types.TopicBusiness, 0.6},
		{PrefCommunicationStyle, "detailed", 0.6},
		{PrefPreferredIntent, "question", 0.5},
	}, observePreferences(a))

	a = &types.Analysis{Intent: types.IntentGeneral, Complexity: types.Complexity{WordCount: 10}}
	assert.Empty(t, observePreferences(a))
}

func TestConcurrentReinforcement(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.reinforce(ctx, "alice", PrefTopicInterest, "technology", 0.6))
		}()
	}
	wg.Wait()

	p := preference(t, db, "alice", PrefTopicInterest, "technology")
	assert.Equal(t, 20, p.ReinforcementCount)
	assert.InDelta(t, 0.6+19*0.6*0.001, p.ConfidenceScore, 1e-9)
}

func TestConfidenceIsCapped(t *testing.T) {
	store, db := setupStore(t)
	store.learningRate = 1
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.reinforce(ctx, "alice", PrefPreferredIntent, "greeting", 0.5))
	}
	assert.Equal(t, 1.0, preference(t, db, "alice", PrefPreferredIntent, "greeting").ConfidenceScore)
}

func TestGetPreferences(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.reinforce(ctx, "alice", PrefEmotionalExpression, "joy", 0.8))
	require.NoError(t, store.reinforce(ctx, "alice", PrefEmotionalExpression, "joy", 0.8))
	require.NoError(t, store.reinforce(ctx, "alice", PrefEmotionalExpression, "surprise", 0.9))
	require.NoError(t, store.reinforce(ctx, "alice", PrefTopicInterest, "technology", 0.6))
	require.NoError(t, store.reinforce(ctx, "bob", PrefEmotionalExpression, "anger", 0.95))

	prefs, err := store.GetPreferences(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	emotional := prefs[PrefEmotionalExpression]
	require.Len(t, emotional, 2)
	assert.Equal(t, "surprise", emotional[0].Value)
	assert.Equal(t, "joy", emotional[1].Value)
	assert.Equal(t, 2, emotional[1].ReinforcementCount)

	again, err := store.GetPreferences(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, prefs, again)

	none, err := store.GetPreferences(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordResponsePattern(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	question := &types.Analysis{Intent: types.IntentQuestion, IsQuestion: true}

	require.NoError(t, store.RecordResponsePattern(ctx, "why?", "It works because of physics, see?", question))
	require.NoError(t, store.RecordResponsePattern(ctx, "why?", "It works thanks to physics, see?", question))

	var patterns []ResponsePattern
	require.NoError(t, db.Find(&patterns).Error)
	require.Len(t, patterns, 1)
	assert.Equal(t, "length_6_intent_question", patterns[0].Pattern)
	assert.Equal(t, "question", patterns[0].ContextType)
	assert.Equal(t, 2, patterns[0].UsageCount)
	assert.InDelta(t, 0.7, patterns[0].EffectivenessScore, 1e-9)
}

func TestEffectiveness(t *testing.T) {
	sad := &types.Analysis{Intent: types.IntentGeneral, Emotions: []types.Emotion{{Label: "sadness", Score: 0.8}}}
	assert.InDelta(t, 0.8, effectiveness("I'm sorry to hear that, how can I help?", sad), 1e-9)
	assert.InDelta(t, 0.6, effectiveness("That sounds hard to deal with today.", sad), 1e-9)
	assert.InDelta(t, 0.5, effectiveness("Ok.", &types.Analysis{Intent: types.IntentGeneral}), 1e-9)

	assert.Equal(t, "question", contextType(&types.Analysis{IsQuestion: true, Emotions: sad.Emotions}))
	assert.Equal(t, "emotional", contextType(sad))
	assert.Equal(t, "greeting", contextType(&types.Analysis{Intent: types.IntentGreeting}))
}

func TestRecordTopicTrends(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	a := &types.Analysis{
		Intent:   types.IntentGeneral,
		Topics:   []string{types.TopicTechnology},
		Entities: []string{"Python", "42", "AI"},
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, store.RecordTopicTrends(ctx, "alice", a))
	}

	var trends []TopicTrend
	require.NoError(t, db.Order("topic").Find(&trends).Error)
	require.Len(t, trends, 2)
	assert.Equal(t, "python", trends[0].Topic)
	assert.Equal(t, types.TopicTechnology, trends[1].Topic)
	assert.Equal(t, 6, trends[1].Frequency)
	assert.Equal(t, 1.0, trends[1].InterestScore)
	assert.Equal(t, []string{"Python", "42", "AI"}, []string(trends[1].ContextKeywords))

	require.NoError(t, store.RecordTopicTrends(ctx, "bob", a))
	var bob TopicTrend
	require.NoError(t, db.Where("user_id = ? AND topic = ?", "bob", "python").Take(&bob).Error)
	assert.Equal(t, 0.6, bob.InterestScore)
}

func TestRecordQuality(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	a := &types.Analysis{
		Intent:     types.IntentQuestion,
		IsQuestion: true,
		Entities:   []string{"Go"},
		Topics:     []string{types.TopicTechnology},
		Sentiment:  types.Sentiment{Overall: types.SentimentPositive, Compound: 0.5},
		Confidence: 0.9,
	}

	require.NoError(t, store.RecordQuality(ctx, "s1", "alice", "why is Go so fast", "The answer is simple because compilation is ahead of time.", a))
	require.NoError(t, store.RecordQuality(ctx, "s1", "alice", "why is Go so fast", "The answer is simple because compilation is ahead of time.", a))

	var records []ConversationQualityRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 2)
	r := records[0]
	assert.InDelta(t, 0.99, r.ContextUnderstanding, 1e-9)
	assert.InDelta(t, 0.9, r.ResponseAppropriateness, 1e-9)
	assert.Equal(t, EngagementLow, r.EngagementLevel)
	assert.InDelta(t, (0.99+0.9+0.3)/3, r.QualityScore, 1e-9)
	assert.Equal(t, []string{"positive_sentiment"}, []string(r.SatisfactionIndicators))
}

func TestQualityHelpers(t *testing.T) {
	assert.Equal(t, EngagementHigh, engagement("one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty twentyone"))
	assert.Equal(t, EngagementMedium, engagement("one two three four five six seven eight nine ten eleven"))
	assert.Equal(t, EngagementLow, engagement("hi"))

	angry := &types.Analysis{
		Sentiment: types.Sentiment{Compound: -0.5},
		Emotions:  []types.Emotion{{Label: "anger", Score: 0.8}},
	}
	assert.Equal(t, []string{"negative_sentiment", "negative_emotion"}, satisfactionIndicators(angry))
	assert.Equal(t, []string{"positive_emotion"}, satisfactionIndicators(joyful()))
}

func TestRecordConversationPatterns(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	a := &types.Analysis{
		Intent:     types.IntentQuestion,
		IsQuestion: true,
		Emotions:   []types.Emotion{{Label: "surprise", Score: 0.8}},
		Entities:   []string{"Go"},
		Confidence: 0.9,
	}

	require.NoError(t, store.RecordConversationPatterns(ctx, "how does Go work?", "It compiles to native code.", a))
	require.NoError(t, store.RecordConversationPatterns(ctx, "how does Go work?", "It compiles to native code.", a))

	var patterns []LearningPattern
	require.NoError(t, db.Order("pattern_type").Find(&patterns).Error)
	require.Len(t, patterns, 3)
	assert.Equal(t, PatternEmotional, patterns[0].PatternType)
	assert.Equal(t, PatternIntent, patterns[1].PatternType)
	assert.Equal(t, PatternQuestion, patterns[2].PatternType)
	assert.JSONEq(t, `{"question_type":"how","response_style":"brief","entities":["Go"]}`, patterns[2].PatternData)
	for _, p := range patterns {
		assert.Equal(t, 2, p.Frequency)
		assert.InDelta(t, 0.5+0.4*0.5+0.1, p.SuccessRate, 1e-9)
	}

	assert.Equal(t, "questioning", responseApproach("Could you clarify?"))
	assert.Equal(t, "explanatory", responseApproach("It failed due to load"))
	assert.Equal(t, "empathetic", responseTone("I understand completely"))
}

func TestRecordLongConversationPattern(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	entities := make([]string, 120)
	for i := range entities {
		entities[i] = fmt.Sprintf("Entity%03d", i)
	}
	a := &types.Analysis{Intent: types.IntentGeneral, IsQuestion: true, Entities: entities}

	require.NoError(t, store.RecordConversationPatterns(ctx, "what about all of these?", "Sure.", a))
	require.NoError(t, store.RecordConversationPatterns(ctx, "what about all of these?", "Sure.", a))

	var patterns []LearningPattern
	require.NoError(t, db.Find(&patterns).Error)
	require.Len(t, patterns, 1)
	assert.Greater(t, len(patterns[0].PatternData), 1024)
	assert.Equal(t, patternHash(patterns[0].PatternData), patterns[0].PatternHash)
	assert.Len(t, patterns[0].PatternHash, 64)
	assert.Equal(t, 2, patterns[0].Frequency)
}

func TestLearn(t *testing.T) {
	ctx := context.Background()
	interaction := Interaction{
		SessionID:   "s1",
		UserID:      "alice",
		UserMessage: "I love Python today",
		BotResponse: "I'm glad you're in good spirits! Tell me more.",
		Analysis: &types.Analysis{
			Intent:     types.IntentGeneral,
			Sentiment:  types.Sentiment{Overall: types.SentimentPositive, Compound: 0.3},
			Emotions:   []types.Emotion{{Label: "joy", Score: 0.8}},
			Entities:   []string{"Python", "today"},
			Topics:     []string{types.TopicTechnology},
			Complexity: types.Complexity{WordCount: 4},
			Confidence: 0.9,
		},
	}

	t.Run("Records Everything", func(t *testing.T) {
		store, db := setupStore(t)
		store.Learn(ctx, interaction)

		for _, model := range []interface{}{&UserPreference{}, &ResponsePattern{}, &TopicTrend{}, &ConversationQualityRecord{}, &LearningPattern{}} {
			var n int64
			require.NoError(t, db.Model(model).Count(&n).Error)
			assert.Positive(t, n, "%T", model)
		}
	})

	t.Run("One Failure Does Not Block The Rest", func(t *testing.T) {
		log, logs := logger.NewTestLogger()
		store, db := setupStore(t, WithLogger(log))
		require.NoError(t, db.Migrator().DropTable(&TopicTrend{}))

		store.Learn(ctx, interaction)

		failures := logs.FilterMessage("learning operation failed")
		require.Equal(t, 1, failures.Len())
		assert.Equal(t, "topic_trends", failures.All()[0].ContextMap()["op"])

		var n int64
		require.NoError(t, db.Model(&UserPreference{}).Count(&n).Error)
		assert.Positive(t, n)
		require.NoError(t, db.Model(&ConversationQualityRecord{}).Count(&n).Error)
		assert.Equal(t, int64(1), n)
	})

	t.Run("Nil Analysis Is Ignored", func(t *testing.T) {
		store, db := setupStore(t)
		store.Learn(ctx, Interaction{UserID: "alice"})
		var n int64
		require.NoError(t, db.Model(&ConversationQualityRecord{}).Count(&n).Error)
		assert.Zero(t, n)
	})
}

func TestInsightsAndPatterns(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	tech := &types.Analysis{Intent: types.IntentGeneral, Topics: []string{types.TopicTechnology}, Confidence: 0.6}
	health := &types.Analysis{Intent: types.IntentGeneral, Topics: []string{types.TopicHealth}, Confidence: 0.6}

	require.NoError(t, store.RecordTopicTrends(ctx, "alice", tech))
	require.NoError(t, store.RecordTopicTrends(ctx, "alice", tech))
	require.NoError(t, store.RecordTopicTrends(ctx, "alice", health))
	require.NoError(t, store.RecordTopicTrends(ctx, "bob", health))
	require.NoError(t, store.RecordResponsePattern(ctx, "x", "A reply with exactly six words.", tech))
	require.NoError(t, store.RecordResponsePattern(ctx, "x", "Short.", tech))
	require.NoError(t, store.RecordQuality(ctx, "s1", "alice", "x", "Short.", tech))

	t.Run("User", func(t *testing.T) {
		insights, err := store.GetInsights(ctx, "alice", 30)
		require.NoError(t, err)
		require.Len(t, insights.TopTopics, 2)
		assert.Equal(t, types.TopicTechnology, insights.TopTopics[0].Topic)
		assert.InDelta(t, 0.7, insights.TopTopics[0].Score, 1e-9)
		assert.Equal(t, int64(2), insights.TopTopics[0].Frequency)

		require.Len(t, insights.EffectivePatterns, 2)
		assert.Equal(t, "length_6_intent_general", insights.EffectivePatterns[0].Pattern)
		assert.InDelta(t, 0.6, insights.EffectivePatterns[0].Effectiveness, 1e-9)

		require.NotNil(t, insights.Quality)
		assert.Greater(t, insights.Quality.AverageQuality, 0.0)
	})

	t.Run("Global", func(t *testing.T) {
		insights, err := store.GetInsights(ctx, "", 30)
		require.NoError(t, err)
		require.Len(t, insights.TopTopics, 2)
		assert.Equal(t, types.TopicTechnology, insights.TopTopics[0].Topic)
		assert.Equal(t, types.TopicHealth, insights.TopTopics[1].Topic)
		assert.Equal(t, int64(2), insights.TopTopics[1].Frequency)
	})

	t.Run("No Quality Rows", func(t *testing.T) {
		insights, err := store.GetInsights(ctx, "bob", 30)
		require.NoError(t, err)
		assert.Nil(t, insights.Quality)
	})

	t.Run("Effective Patterns", func(t *testing.T) {
		patterns, err := store.EffectivePatterns(ctx, "general", 0)
		require.NoError(t, err)
		require.Len(t, patterns, 2)
		assert.Equal(t, "length_6_intent_general", patterns[0].Pattern)

		none, err := store.EffectivePatterns(ctx, "question", 5)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
