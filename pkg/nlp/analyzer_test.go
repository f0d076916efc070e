package nlp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/types"
)

func TestAnalyzeIntent(t *testing.T) {
	a := NewAnalyzer()
	ctx := context.Background()

	tests := []struct {
		text       string
		intent     types.Intent
		isQuestion bool
	}{
		{"Hello!", types.IntentGreeting, false},
		{"good morning to you", types.IntentGreeting, false},
		{"What is AI?", types.IntentQuestion, true},
		{"tell me how this works?", types.IntentQuestion, true},
		{"how are you", types.IntentQuestion, true},
		{"I need help with my account", types.IntentHelpRequest, false},
		{"bye for now", types.IntentGoodbye, false},
		{"see you later", types.IntentGoodbye, false},
		{"my app is broken", types.IntentComplaint, false},
		{"this is a plain statement", types.IntentGeneral, false},
		{"I am happy today", types.IntentGeneral, false},
		{"I wonder about it, but what now", types.IntentGeneral, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			analysis := a.Analyze(ctx, tt.text)
			assert.Equal(t, tt.intent, analysis.Intent)
			assert.Equal(t, tt.isQuestion, analysis.IsQuestion)
			assert.Empty(t, analysis.Errors)
		})
	}
}

func TestAnalyzeWordBoundaries(t *testing.T) {
	a := NewAnalyzer()
	// "this" contains "hi" and "whichever" contains "which"; neither is a keyword hit
	analysis := a.Analyze(context.Background(), "this whichever thing")
	assert.Equal(t, types.IntentGeneral, analysis.Intent)
	assert.False(t, analysis.IsQuestion)
}

func TestAnalyzeSentimentAndEmotion(t *testing.T) {
	a := NewAnalyzer()
	ctx := context.Background()

	t.Run("Positive", func(t *testing.T) {
		analysis := a.Analyze(ctx, "I am happy today")
		assert.Equal(t, types.SentimentPositive, analysis.Sentiment.Overall)
		assert.Equal(t, 0.3, analysis.Sentiment.Compound)
		assert.Equal(t, 1.0, analysis.Sentiment.Positive)
		assert.Equal(t, 0.5, analysis.Sentiment.Neutral)

		top, ok := analysis.TopEmotion()
		require.True(t, ok)
		assert.Equal(t, "joy", top.Label)
		assert.Greater(t, top.Score, 0.7)
		assert.Equal(t, []string{"today"}, analysis.Entities)
	})

	t.Run("Negative", func(t *testing.T) {
		analysis := a.Analyze(ctx, "I am so angry and frustrated, this is terrible")
		assert.Equal(t, types.SentimentNegative, analysis.Sentiment.Overall)
		assert.Equal(t, -0.3, analysis.Sentiment.Compound)
		top, ok := analysis.TopEmotion()
		require.True(t, ok)
		assert.Equal(t, "anger", top.Label)
	})

	t.Run("Neutral", func(t *testing.T) {
		analysis := a.Analyze(ctx, "the table is wooden")
		assert.Equal(t, types.SentimentNeutral, analysis.Sentiment.Overall)
		assert.Zero(t, analysis.Sentiment.Compound)
		assert.Empty(t, analysis.Emotions)
	})

	t.Run("At Most Three Emotions", func(t *testing.T) {
		analysis := a.Analyze(ctx, "happy sad angry scared surprised")
		assert.Len(t, analysis.Emotions, MaxEmotions)
	})
}

func TestAnalyzeEntitiesTopicsComplexity(t *testing.T) {
	a := NewAnalyzer()
	analysis := a.Analyze(context.Background(), "Alice met Bob at 10 this morning. Alice loves her work at a software company.")

	assert.ElementsMatch(t, []string{"Alice", "Bob", "10", "morning"}, analysis.Entities)
	assert.Equal(t, []string{types.TopicTechnology, types.TopicPersonal, types.TopicBusiness}, analysis.Topics)
	assert.Equal(t, 15, analysis.Complexity.WordCount)
	assert.Equal(t, 2, analysis.Complexity.SentenceCount)
	assert.InDelta(t, 15.0/20, analysis.Complexity.ComplexityScore, 1e-9)
	assert.Greater(t, analysis.Complexity.AvgWordLength, 0.0)
}

func TestAnalyzeConfidence(t *testing.T) {
	a := NewAnalyzer()
	ctx := context.Background()

	assert.Equal(t, 0.5, a.Analyze(ctx, "the table is wooden").Confidence)
	// greeting intent plus capitalized entity
	assert.Equal(t, 0.7, a.Analyze(ctx, "Hello!").Confidence)
	// every bonus applies and the total is capped
	full := a.Analyze(ctx, "I am happy about my Software job?")
	assert.Equal(t, 1.0, full.Confidence)

	inputs := []string{"", "   ", "?", "!!!", "ñandú über straße", "a b c d e f g h i j k l m n o p q r s t u v w x y z"}
	for _, in := range inputs {
		analysis := a.Analyze(ctx, in)
		assert.GreaterOrEqual(t, analysis.Confidence, 0.0)
		assert.LessOrEqual(t, analysis.Confidence, 1.0)
		assert.True(t, analysis.Intent.IsValid())
	}
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "Hello there, friend!", CleanText("  Hello   there,\tfriend!  "))
	assert.Equal(t, "price is 5", CleanText("price is $5"))
	assert.Equal(t, "it's (fine) - ok?", CleanText("it's (fine) - ok?"))
}

func TestFeatureFlags(t *testing.T) {
	a := NewAnalyzer(WithFeatures(config.NLPConfig{}))
	analysis := a.Analyze(context.Background(), "Alice is happy today")

	assert.Equal(t, types.SentimentNeutral, analysis.Sentiment.Overall)
	assert.Empty(t, analysis.Emotions)
	assert.Empty(t, analysis.Entities)
}

type failingSentiment struct{}

func (failingSentiment) Sentiment(context.Context, string) (types.Sentiment, error) {
	return types.Sentiment{}, errors.New("model offline")
}

type fixedEmotion struct{ emotions []types.Emotion }

func (f fixedEmotion) Emotions(context.Context, string) ([]types.Emotion, error) {
	return f.emotions, nil
}

type panickingEmbedder struct{}

func (panickingEmbedder) Embed(context.Context, string) ([]float32, error) { panic("tensor shape") }
func (panickingEmbedder) GetDimension() int                                { return 0 }

type staticEmbedder struct{}

func (staticEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1, 2}, nil }
func (staticEmbedder) GetDimension() int                                { return 2 }

func TestBackends(t *testing.T) {
	ctx := context.Background()

	t.Run("Failing Backend Falls Back Per Call", func(t *testing.T) {
		log, logs := logger.NewTestLogger()
		a := NewAnalyzer(WithLogger(log), WithSentimentBackend(failingSentiment{}))
		analysis := a.Analyze(ctx, "this is great")
		assert.Equal(t, types.SentimentPositive, analysis.Sentiment.Overall)
		assert.Empty(t, analysis.Errors)
		assert.Equal(t, 1, logs.FilterMessage("sentiment backend failed, falling back to heuristics").Len())
	})

	t.Run("Model Emotions Are Capped", func(t *testing.T) {
		a := NewAnalyzer(WithEmotionBackend(fixedEmotion{emotions: []types.Emotion{
			{Label: "love", Score: 0.9}, {Label: "joy", Score: 0.8}, {Label: "optimism", Score: 0.5}, {Label: "pride", Score: 0.1},
		}}))
		analysis := a.Analyze(ctx, "anything")
		require.Len(t, analysis.Emotions, MaxEmotions)
		assert.Equal(t, "love", analysis.Emotions[0].Label)
	})

	t.Run("Load Failure Keeps Heuristic", func(t *testing.T) {
		log, logs := logger.NewTestLogger()
		a := NewAnalyzer(LoadSentimentBackend(log, func() (interfaces.SentimentBackend, error) {
			return nil, errors.New("weights not found")
		}), LoadEmotionBackend(log, func() (interfaces.EmotionBackend, error) {
			return nil, errors.New("weights not found")
		}))
		assert.IsType(t, HeuristicSentiment{}, a.sentiment)
		assert.IsType(t, HeuristicEmotion{}, a.emotion)
		assert.Equal(t, 2, logs.Len())
	})

	t.Run("Panicking Step Leaves Partial Analysis", func(t *testing.T) {
		a := NewAnalyzer(WithEmbedder(panickingEmbedder{}), WithFeatures(config.NLPConfig{
			EnableSentiment: true, EnableEmotion: true, EnableEntities: true, EnableEmbedding: true,
		}))
		analysis := a.Analyze(ctx, "Hello!")
		assert.True(t, analysis.Partial())
		assert.Contains(t, analysis.Errors[0], "embedding")
		assert.Equal(t, types.IntentGreeting, analysis.Intent)
		assert.Nil(t, analysis.Embedding)
	})

	t.Run("Embedding", func(t *testing.T) {
		a := NewAnalyzer(WithEmbedder(staticEmbedder{}), WithFeatures(config.NLPConfig{EnableEmbedding: true}))
		analysis := a.Analyze(ctx, "vector please")
		assert.Equal(t, []float32{1, 2}, analysis.Embedding)
	})
}

func TestContainsWord(t *testing.T) {
	assert.True(t, ContainsWord("It failed because of load", "because", "due to"))
	assert.True(t, ContainsWord("late due to traffic", "due to"))
	assert.False(t, ContainsWord("understandable", "understand"))
}
