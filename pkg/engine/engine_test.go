package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/memtensor/dynabot/pkg/analytics"
	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/database"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/learning"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/memory"
	"github.com/memtensor/dynabot/pkg/responder"
	"github.com/memtensor/dynabot/pkg/session"
	"github.com/memtensor/dynabot/pkg/types"
)

var base = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine    *Engine
	db        *gorm.DB
	clock     *clock
	analytics *analytics.Collector
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	clk := &clock{now: base}
	ctx := context.Background()

	mem := memory.NewStore(db, memory.WithClock(clk.Now))
	require.NoError(t, mem.Migrate(ctx))

	learn, err := learning.NewStore(db, config.Default().Learning, learning.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = learn.Close() })
	require.NoError(t, learn.Migrate(ctx))

	collector := analytics.NewCollector(100, analytics.WithClock(clk.Now))
	opts = append([]Option{
		WithClock(clk.Now),
		WithLearning(learn),
		WithAnalytics(collector),
		WithResponder(responder.New(responder.WithRand(rand.New(rand.NewSource(1))))),
	}, opts...)

	return &fixture{
		engine:    New(config.Default().Chatbot, mem, opts...),
		db:        db,
		clock:     clk,
		analytics: collector,
	}
}

func count(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestStart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)
	assert.Regexp(t, `^alice_20260314_150926_[0-9a-f]{8}$`, id)

	other, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	anonymous, err := f.engine.Start(ctx, "  ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(anonymous, DefaultUserID+"_"))

	ids, err := f.engine.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 3, f.analytics.Stats().TotalConversations)
}

func TestProcess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)

	first, err := f.engine.Process(ctx, id, "alice", "Hello!")
	require.NoError(t, err)
	assert.Contains(t, responder.Templates[types.IntentGreeting], first.Response)
	assert.Equal(t, types.IntentGreeting, first.Intent)
	assert.Equal(t, types.SentimentNeutral, first.Sentiment)
	assert.Equal(t, id, first.SessionID)
	assert.Equal(t, 1, first.ContextUsed)
	assert.Zero(t, first.SimilarFound)
	// 0.7 from the analysis plus one keyword
	assert.Equal(t, 0.72, first.Confidence)
	assert.Equal(t, base, first.Timestamp)

	second, err := f.engine.Process(ctx, id, "alice", "Hello!")
	require.NoError(t, err)
	assert.Equal(t, 1, second.SimilarFound)
	assert.Equal(t, 0.82, second.Confidence)

	stats, err := f.engine.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.MessageCount)
	assert.Equal(t, 1, stats.ContextKeywords)

	var turns []memory.ConversationTurn
	require.NoError(t, f.db.Order("id").Find(&turns).Error)
	require.Len(t, turns, 2)
	assert.Equal(t, id, turns[0].SessionID)
	assert.Equal(t, []string{"Hello"}, []string(turns[0].ContextKeywords))
	assert.Equal(t, types.IntentGreeting, turns[0].Analysis.Data().Intent)

	assert.Equal(t, 2, f.analytics.Stats().TotalMessages)
	assert.Equal(t, map[string]int{"greeting": 2}, f.analytics.Stats().IntentDistribution)
}

func TestProcessLearns(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	reply, err := f.engine.Process(ctx, "", "alice", "I am happy today")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Response, "I'm glad you're in good spirits! "), reply.Response)

	_, err = f.engine.Process(ctx, reply.SessionID, "alice", "I am happy today")
	require.NoError(t, err)

	prefs, err := f.engine.Preferences(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, prefs[learning.PrefEmotionalExpression])
	joy := prefs[learning.PrefEmotionalExpression][0]
	assert.Equal(t, "joy", joy.Value)
	assert.InDelta(t, 0.8008, joy.Confidence, 1e-9)
	assert.Equal(t, 2, joy.ReinforcementCount)

	assert.Equal(t, int64(2), count(t, f.db, &learning.ConversationQualityRecord{}))

	insights, err := f.engine.Insights(ctx, "alice", 7)
	require.NoError(t, err)
	require.NotNil(t, insights.Quality)
}

func TestProcessValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		text string
		code chatErrors.ErrorCode
	}{
		{"empty", "", chatErrors.ErrCodeEmptyMessage},
		{"whitespace", " \t\n ", chatErrors.ErrCodeEmptyMessage},
		{"too long", strings.Repeat("a", config.Default().Chatbot.MaxMessageLength+1), chatErrors.ErrCodeMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := f.engine.Process(ctx, "", "alice", tt.text)
			require.Error(t, err)
			assert.Nil(t, reply)
			assert.True(t, chatErrors.IsValidation(err))
			assert.Equal(t, tt.code, chatErrors.GetChatbotError(err).Code)
		})
	}

	ids, err := f.engine.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, count(t, f.db, &memory.ConversationTurn{}))
}

func TestAutoStart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	t.Run("Unknown Id Is Started", func(t *testing.T) {
		reply, err := f.engine.Process(ctx, "client-chosen", "bob", "hi")
		require.NoError(t, err)
		assert.Equal(t, "client-chosen", reply.SessionID)

		stats, err := f.engine.Stats(ctx, "client-chosen")
		require.NoError(t, err)
		assert.Equal(t, "bob", stats.UserID)
		assert.Equal(t, 1, stats.MessageCount)
	})

	t.Run("Empty Id Gets A Fresh Session", func(t *testing.T) {
		reply, err := f.engine.Process(ctx, "", "", "hi")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(reply.SessionID, DefaultUserID+"_"))
	})

	t.Run("Expired Session Restarts", func(t *testing.T) {
		f.clock.Advance(2 * time.Hour)
		reply, err := f.engine.Process(ctx, "client-chosen", "bob", "hi again")
		require.NoError(t, err)
		assert.Equal(t, "client-chosen", reply.SessionID)

		stats, err := f.engine.Stats(ctx, "client-chosen")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.MessageCount)
	})
}

func TestHistoryLoadedAtStart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, msg := range []string{"first message", "second message", "third message"} {
		_, err := f.engine.Process(ctx, "old-session", "alice", msg)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	id, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)
	c, err := f.engine.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, c.History, 3)
	assert.Equal(t, "first message", c.History[0].UserMessage)
	assert.Equal(t, "third message", c.History[2].UserMessage)
	assert.NotNil(t, c.Preferences)
}

func TestEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)

	_, err = f.engine.Process(ctx, id, "alice", "Alice met Bob this morning")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)

	stats, err := f.engine.Stats(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, stats.DurationMinutes, 1e-9)

	summary, err := f.engine.End(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(90), summary.DurationSeconds)
	assert.Equal(t, 1, summary.MessageCount)
	assert.Equal(t, "1 message; keywords: Alice, Bob, morning", summary.Summary)

	var stored memory.SessionSummary
	require.NoError(t, f.db.Where("session_id = ?", id).Take(&stored).Error)
	assert.Equal(t, []string{"Alice", "Bob", "morning"}, []string(stored.FinalKeywords))

	_, err = f.engine.Stats(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoActiveConversation))
	assert.Equal(t, "no active conversation", chatErrors.GetChatbotError(err).Message)

	_, err = f.engine.End(ctx, id)
	assert.True(t, errors.Is(err, ErrNoActiveConversation))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "0 messages", summarize(0, nil))
	assert.Equal(t, "7 messages; keywords: c, d, e, f, g", summarize(7, []string{"a", "b", "c", "d", "e", "f", "g"}))
}

func TestBlendConfidence(t *testing.T) {
	assert.Equal(t, 0.5, blendConfidence(0.5, 0, 0))
	assert.Equal(t, 0.8, blendConfidence(0.5, 5, 0))
	assert.Equal(t, 0.7, blendConfidence(0.5, 0, 20))
	assert.Equal(t, 1.0, blendConfidence(0.9, 3, 10))
	assert.Equal(t, 0.62, blendConfidence(0.6, 0, 1))
}

type panickingResponder struct{}

func (panickingResponder) Respond(context.Context, *types.ResponseRequest) string {
	panic("template index out of range")
}

type silentResponder struct{}

func (silentResponder) Respond(context.Context, *types.ResponseRequest) string { return "" }

func TestGenerationFailure(t *testing.T) {
	for name, r := range map[string]interfaces.Responder{"panic": panickingResponder{}, "empty": silentResponder{}} {
		t.Run(name, func(t *testing.T) {
			log, logs := logger.NewTestLogger()
			f := setup(t, WithResponder(r), WithLogger(log))
			ctx := context.Background()

			reply, err := f.engine.Process(ctx, "s1", "alice", "I am happy today")
			require.NoError(t, err)
			assert.Equal(t, Apology, reply.Response)
			assert.Equal(t, ApologyConfidence, reply.Confidence)
			assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

			assert.Equal(t, int64(1), count(t, f.db, &memory.ConversationTurn{}))
			assert.Zero(t, count(t, f.db, &learning.ConversationQualityRecord{}))
		})
	}
}

func TestStartFailure(t *testing.T) {
	f := setup(t)
	require.NoError(t, database.Close(f.db))

	_, err := f.engine.Start(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, chatErrors.ErrCodeDatabaseError, chatErrors.GetChatbotError(err).Code)

	_, err = f.engine.Process(context.Background(), "", "alice", "hello")
	assert.Error(t, err)
}

func TestProcessSessionOwnership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)

	_, err = f.engine.Process(ctx, id, "mallory", "hello there")
	require.Error(t, err)
	assert.True(t, chatErrors.IsValidation(err))
	assert.Zero(t, count(t, f.db, &memory.ConversationTurn{}))

	reply, err := f.engine.Process(ctx, id, "", "hello there")
	require.NoError(t, err)
	assert.Equal(t, id, reply.SessionID)

	var turn memory.ConversationTurn
	require.NoError(t, f.db.Where("session_id = ?", id).Take(&turn).Error)
	assert.Equal(t, "alice", turn.UserID)
}

// staleStore hands out one previously fetched context, as a lookup that raced with End would
type staleStore struct {
	session.Store

	mu          sync.Mutex
	stale       *session.Context
	closedSaves int
}

func (s *staleStore) Get(ctx context.Context, sessionID string) (*session.Context, error) {
	s.mu.Lock()
	c := s.stale
	s.stale = nil
	s.mu.Unlock()
	if c != nil {
		return c, nil
	}
	return s.Store.Get(ctx, sessionID)
}

// Save is called with the context locked
func (s *staleStore) Save(ctx context.Context, c *session.Context) error {
	if c.Closed() {
		s.mu.Lock()
		s.closedSaves++
		s.mu.Unlock()
	}
	return s.Store.Save(ctx, c)
}

func TestProcessAfterEndUsesFreshContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	store := &staleStore{Store: f.engine.sessions}
	f.engine.sessions = store

	id, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, id, "alice", "first message")
	require.NoError(t, err)

	ended, err := store.Get(ctx, id)
	require.NoError(t, err)
	_, err = f.engine.End(ctx, id)
	require.NoError(t, err)

	store.stale = ended
	reply, err := f.engine.Process(ctx, id, "alice", "second message")
	require.NoError(t, err)
	assert.Equal(t, id, reply.SessionID)
	assert.Zero(t, store.closedSaves)

	stats, err := f.engine.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MessageCount)
	assert.Equal(t, 1, ended.MessageCount)

	store.stale = ended
	_, err = f.engine.End(ctx, id)
	assert.True(t, errors.Is(err, ErrNoActiveConversation), "an ended context is not summarized twice")
}

func TestConcurrentProcessSameSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, err := f.engine.Start(ctx, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Process(ctx, id, "alice", fmt.Sprintf("message number %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := f.engine.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.MessageCount)
	assert.Equal(t, int64(10), count(t, f.db, &memory.ConversationTurn{}))
}

func TestDelegations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.engine.Process(ctx, "s1", "alice", "my app is broken")
	require.NoError(t, err)

	turns, err := f.engine.Search(ctx, "BROKEN", "alice", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	_, err = f.engine.Search(ctx, " ", "", 10)
	assert.True(t, chatErrors.IsValidation(err))

	_, err = f.engine.Insights(ctx, "", 0)
	assert.True(t, chatErrors.IsValidation(err))

	profile, err := f.engine.UserProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.TotalMessages)

	userStats, err := f.engine.UserStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), userStats.TotalMessages)

	trends, err := f.engine.Trends(ctx, "alice", 7)
	require.NoError(t, err)
	assert.NotEmpty(t, trends.Daily)

	history, err := f.engine.History(ctx, "alice", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "my app is broken", history[0].UserMessage)

	patterns, err := f.engine.Patterns(ctx, "", 5)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "complaint", patterns[0].ContextType)

	_, err = f.engine.Patterns(ctx, "", 0)
	assert.True(t, chatErrors.IsValidation(err))

	f.clock.Advance(48 * time.Hour)
	result, err := f.engine.Cleanup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TurnsDeleted)
}

func TestLearningDisabled(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "bare.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	mem := memory.NewStore(db)
	require.NoError(t, mem.Migrate(context.Background()))

	e := New(config.Default().Chatbot, mem)
	reply, err := e.Process(context.Background(), "", "alice", "hello there")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Response)

	prefs, err := e.Preferences(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, prefs)

	insights, err := e.Insights(context.Background(), "alice", 7)
	require.NoError(t, err)
	assert.Empty(t, insights.TopTopics)

	patterns, err := e.Patterns(context.Background(), "", 5)
	require.NoError(t, err)
	assert.Empty(t, patterns)
	assert.Zero(t, e.AnalyticsStats().TotalMessages)
}
