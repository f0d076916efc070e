package nlp

import (
	"context"
	"sort"

	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/types"
)

// HeuristicEmotionScore is the score assigned to every keyword-detected emotion
const HeuristicEmotionScore = 0.8

// heuristicCompound is the compound score for a lexicon majority
const heuristicCompound = 0.3

// MaxEmotions caps the ranked emotion list
const MaxEmotions = 3

// HeuristicSentiment scores polarity by counting lexicon hits
type HeuristicSentiment struct{}

var _ interfaces.SentimentBackend = HeuristicSentiment{}

// Sentiment implements interfaces.SentimentBackend
func (HeuristicSentiment) Sentiment(_ context.Context, text string) (types.Sentiment, error) {
	tok := tokenize(text)
	pos := tok.count(positiveWords)
	neg := tok.count(negativeWords)

	total := pos + neg
	if total < 1 {
		total = 1
	}

	s := types.Sentiment{
		Overall:  types.SentimentNeutral,
		Positive: float64(pos) / float64(total),
		Negative: float64(neg) / float64(total),
		Neutral:  0.5,
	}
	switch {
	case pos > neg:
		s.Overall = types.SentimentPositive
		s.Compound = heuristicCompound
	case neg > pos:
		s.Overall = types.SentimentNegative
		s.Compound = -heuristicCompound
	}
	return s, nil
}

// HeuristicEmotion detects emotions from keyword lists
type HeuristicEmotion struct{}

var _ interfaces.EmotionBackend = HeuristicEmotion{}

// Emotions implements interfaces.EmotionBackend.
// Emotions are ranked by keyword hits; ties keep the lexicon order.
func (HeuristicEmotion) Emotions(_ context.Context, text string) ([]types.Emotion, error) {
	tok := tokenize(text)

	type hit struct {
		label string
		n     int
	}
	var hits []hit
	for _, rule := range emotionRules {
		if n := tok.count(rule.keywords); n > 0 {
			hits = append(hits, hit{rule.label, n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].n > hits[j].n })

	emotions := make([]types.Emotion, 0, len(hits))
	for _, h := range hits {
		if len(emotions) == MaxEmotions {
			break
		}
		emotions = append(emotions, types.Emotion{Label: h.label, Score: HeuristicEmotionScore})
	}
	return emotions, nil
}
