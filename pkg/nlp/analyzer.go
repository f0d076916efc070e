// Package nlp implements the heuristic text analyzer with optional model-backed strategies
package nlp

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/types"
)

// Analyzer extracts sentiment, emotions, entities, intent, topics and complexity from text.
// Model-backed strategies are optional; the heuristics are always available as the fallback.
type Analyzer struct {
	sentiment interfaces.SentimentBackend
	emotion   interfaces.EmotionBackend
	embedder  interfaces.Embedder
	features  config.NLPConfig
	logger    interfaces.Logger
}

var _ interfaces.Analyzer = (*Analyzer)(nil)

// Option configures an Analyzer
type Option func(*Analyzer)

// WithLogger sets the logger
func WithLogger(l interfaces.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithFeatures toggles sentiment, emotion, entity and embedding steps
func WithFeatures(f config.NLPConfig) Option {
	return func(a *Analyzer) { a.features = f }
}

// WithSentimentBackend installs a model-backed sentiment scorer
func WithSentimentBackend(b interfaces.SentimentBackend) Option {
	return func(a *Analyzer) { a.sentiment = b }
}

// WithEmotionBackend installs a model-backed emotion classifier
func WithEmotionBackend(b interfaces.EmotionBackend) Option {
	return func(a *Analyzer) { a.emotion = b }
}

// WithEmbedder installs an embedding backend used when embeddings are enabled
func WithEmbedder(e interfaces.Embedder) Option {
	return func(a *Analyzer) { a.embedder = e }
}

// LoadSentimentBackend tries to construct an optional backend once.
// A failure is logged and the heuristic is used for the rest of the process.
func LoadSentimentBackend(log interfaces.Logger, load func() (interfaces.SentimentBackend, error)) Option {
	return func(a *Analyzer) {
		b, err := load()
		if err != nil {
			log.Warn("sentiment backend unavailable, using heuristics", map[string]interface{}{"error": err.Error()})
			return
		}
		a.sentiment = b
	}
}

// LoadEmotionBackend tries to construct an optional backend once.
// A failure is logged and the heuristic is used for the rest of the process.
func LoadEmotionBackend(log interfaces.Logger, load func() (interfaces.EmotionBackend, error)) Option {
	return func(a *Analyzer) {
		b, err := load()
		if err != nil {
			log.Warn("emotion backend unavailable, using heuristics", map[string]interface{}{"error": err.Error()})
			return
		}
		a.emotion = b
	}
}

// NewAnalyzer creates an analyzer with every step enabled and heuristic backends
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		sentiment: HeuristicSentiment{},
		emotion:   HeuristicEmotion{},
		features: config.NLPConfig{
			EnableSentiment: true,
			EnableEmotion:   true,
			EnableEntities:  true,
		},
		logger: logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze implements interfaces.Analyzer
func (a *Analyzer) Analyze(ctx context.Context, text string) *types.Analysis {
	analysis := &types.Analysis{
		OriginalText: text,
		CleanedText:  CleanText(text),
		Sentiment:    types.Sentiment{Overall: types.SentimentNeutral},
		Emotions:     []types.Emotion{},
		Entities:     []string{},
		Intent:       types.IntentGeneral,
		Topics:       []string{},
		Confidence:   0.5,
	}
	tok := tokenize(text)

	if a.features.EnableSentiment {
		a.step(analysis, "sentiment", func() error {
			analysis.Sentiment = a.analyzeSentiment(ctx, text)
			return nil
		})
	}
	if a.features.EnableEmotion {
		a.step(analysis, "emotions", func() error {
			analysis.Emotions = a.detectEmotions(ctx, text)
			return nil
		})
	}
	if a.features.EnableEntities {
		a.step(analysis, "entities", func() error {
			analysis.Entities = extractEntities(text, tok)
			return nil
		})
	}
	a.step(analysis, "intent", func() error {
		analysis.Intent = classifyIntent(text, tok)
		return nil
	})
	a.step(analysis, "topics", func() error {
		analysis.Topics = extractTopics(tok)
		return nil
	})
	a.step(analysis, "is_question", func() error {
		analysis.IsQuestion = isQuestion(text, tok)
		return nil
	})
	a.step(analysis, "complexity", func() error {
		analysis.Complexity = analyzeComplexity(text)
		return nil
	})
	if a.features.EnableEmbedding && a.embedder != nil {
		a.step(analysis, "embedding", func() error {
			vec, err := a.embedder.Embed(ctx, text)
			if err != nil {
				return err
			}
			analysis.Embedding = vec
			return nil
		})
	}

	analysis.Confidence = analysisConfidence(analysis)
	return analysis
}

// step runs one analysis stage, converting errors and panics into an error marker
func (a *Analyzer) step(analysis *types.Analysis, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			analysis.Errors = append(analysis.Errors, fmt.Sprintf("%s: %v", name, r))
			a.logger.Error("analysis step panicked", nil, map[string]interface{}{"step": name, "panic": fmt.Sprint(r)})
		}
	}()
	if err := fn(); err != nil {
		analysis.Errors = append(analysis.Errors, fmt.Sprintf("%s: %v", name, err))
		a.logger.Error("analysis step failed", err, map[string]interface{}{"step": name})
	}
}

func (a *Analyzer) analyzeSentiment(ctx context.Context, text string) types.Sentiment {
	if _, heuristic := a.sentiment.(HeuristicSentiment); !heuristic {
		s, err := a.sentiment.Sentiment(ctx, text)
		if err == nil {
			s.Compound = math.Max(-1, math.Min(1, s.Compound))
			return s
		}
		a.logger.Warn("sentiment backend failed, falling back to heuristics", map[string]interface{}{"error": err.Error()})
	}
	s, _ := HeuristicSentiment{}.Sentiment(ctx, text)
	return s
}

func (a *Analyzer) detectEmotions(ctx context.Context, text string) []types.Emotion {
	if _, heuristic := a.emotion.(HeuristicEmotion); !heuristic {
		emotions, err := a.emotion.Emotions(ctx, text)
		if err == nil {
			if len(emotions) > MaxEmotions {
				emotions = emotions[:MaxEmotions]
			}
			return emotions
		}
		a.logger.Warn("emotion backend failed, falling back to heuristics", map[string]interface{}{"error": err.Error()})
	}
	emotions, _ := HeuristicEmotion{}.Emotions(ctx, text)
	return emotions
}

// extractEntities returns capitalized words, numbers and time words, deduplicated in first-seen order
func extractEntities(text string, tok tokenized) []string {
	seen := make(map[string]bool)
	entities := []string{}
	add := func(values ...string) {
		for _, v := range values {
			if !seen[v] {
				seen[v] = true
				entities = append(entities, v)
			}
		}
	}

	add(capitalizedRe.FindAllString(text, -1)...)
	add(numberRe.FindAllString(text, -1)...)
	for _, tw := range timeWords {
		if tok.set[tw] {
			add(tw)
		}
	}
	return entities
}

func isQuestion(text string, tok tokenized) bool {
	if strings.Contains(text, "?") {
		return true
	}
	for i, w := range tok.tokens {
		if i >= 3 {
			break
		}
		if questionWords[w] {
			return true
		}
	}
	return false
}

func classifyIntent(text string, tok tokenized) types.Intent {
	if isQuestion(text, tok) {
		return types.IntentQuestion
	}
	for _, rule := range intentRules {
		if tok.any(rule.keywords) {
			return types.Intent(rule.label)
		}
	}
	return types.IntentGeneral
}

func extractTopics(tok tokenized) []string {
	topics := []string{}
	for _, rule := range topicRules {
		if tok.any(rule.keywords) {
			topics = append(topics, rule.label)
		}
	}
	return topics
}

func analyzeComplexity(text string) types.Complexity {
	words := strings.Fields(text)
	c := types.Complexity{WordCount: len(words)}
	if len(words) == 0 {
		return c
	}

	for _, part := range sentenceSplitR.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			c.SentenceCount++
		}
	}
	if c.SentenceCount == 0 {
		c.SentenceCount = 1
	}

	total := 0
	for _, w := range words {
		total += utf8.RuneCountInString(w)
	}
	c.AvgWordLength = float64(total) / float64(len(words))
	c.ComplexityScore = math.Min(1.0, float64(len(words))/20)
	return c
}

func analysisConfidence(a *types.Analysis) float64 {
	confidence := 0.5
	if a.Sentiment.Compound != 0 {
		confidence += 0.1
	}
	if len(a.Emotions) > 0 {
		confidence += 0.1
	}
	if len(a.Entities) > 0 {
		confidence += 0.1
	}
	if len(a.Topics) > 0 {
		confidence += 0.1
	}
	if a.Intent != types.IntentGeneral {
		confidence += 0.1
	}
	return math.Min(1.0, math.Round(confidence*1000)/1000)
}
