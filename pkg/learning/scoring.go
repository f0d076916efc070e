package learning

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/memtensor/dynabot/pkg/nlp"
	"github.com/memtensor/dynabot/pkg/types"
)

// Preference types
const (
	PrefTopicInterest       = "topic_interest"
	PrefEmotionalExpression = "emotional_expression"
	PrefCommunicationStyle  = "communication_style"
	PrefPreferredIntent     = "preferred_intent"
)

// Engagement levels
const (
	EngagementLow    = "low"
	EngagementMedium = "medium"
	EngagementHigh   = "high"
)

const (
	topicStrength        = 0.6
	styleStrength        = 0.6
	intentStrength       = 0.5
	emotionMinScore      = 0.7
	initialInterest      = 0.6
	interestStep         = 0.1
	minTopicLength       = 2
	baseEffectiveness    = 0.5
	insightTopicLimit    = 10
	insightPatternLimit  = 5
	defaultPatternsLimit = 10
)

type observation struct {
	prefType string
	value    string
	strength float64
}

// observePreferences derives the preference observations carried by one message
func observePreferences(a *types.Analysis) []observation {
	var obs []observation
	for _, topic := range a.Topics {
		obs = append(obs, observation{PrefTopicInterest, topic, topicStrength})
	}
	if top, ok := a.TopEmotion(); ok && top.Score > emotionMinScore {
		obs = append(obs, observation{PrefEmotionalExpression, top.Label, top.Score})
	}
	switch words := a.Complexity.WordCount; {
	case words > 20:
		obs = append(obs, observation{PrefCommunicationStyle, "detailed", styleStrength})
	case words < 5:
		obs = append(obs, observation{PrefCommunicationStyle, "brief", styleStrength})
	}
	if a.Intent != types.IntentGeneral {
		obs = append(obs, observation{PrefPreferredIntent, string(a.Intent), intentStrength})
	}
	return obs
}

// contextType buckets a message for response-pattern tracking
func contextType(a *types.Analysis) string {
	if a.IsQuestion {
		return "question"
	}
	if len(a.Emotions) > 0 {
		return "emotional"
	}
	return string(a.Intent)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func negativeEmotion(label string) bool {
	label = strings.ToLower(label)
	return strings.Contains(label, "sad") || strings.Contains(label, "anger") || strings.Contains(label, "fear")
}

// effectiveness estimates how well a reply served the message
func effectiveness(botText string, a *types.Analysis) float64 {
	score := baseEffectiveness
	if n := wordCount(botText); n >= 5 && n <= 50 {
		score += 0.1
	}
	if a.IsQuestion && nlp.ContainsWord(botText, "because", "due to", "reason", "answer") {
		score += 0.2
	}
	if top, ok := a.TopEmotion(); ok && negativeEmotion(top.Label) &&
		nlp.ContainsWord(botText, "sorry", "understand", "help") {
		score += 0.2
	}
	return math.Min(1.0, score)
}

// trendTopics combines topics with alphabetic entities, dropping very short ones
func trendTopics(a *types.Analysis) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(topic string) {
		if len(topic) > minTopicLength && !seen[topic] {
			seen[topic] = true
			out = append(out, topic)
		}
	}
	for _, topic := range a.Topics {
		add(topic)
	}
	for _, entity := range a.Entities {
		if isAlpha(entity) {
			add(strings.ToLower(entity))
		}
	}
	return out
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// Quality is the per-turn quality assessment
type Quality struct {
	ContextUnderstanding    float64
	ResponseAppropriateness float64
	EngagementLevel         string
	Score                   float64
	Indicators              []string
}

func assessQuality(userText, botText string, a *types.Analysis) Quality {
	q := Quality{
		ContextUnderstanding:    contextUnderstanding(a),
		ResponseAppropriateness: appropriateness(botText, a),
		EngagementLevel:         engagement(userText),
		Indicators:              satisfactionIndicators(a),
	}
	q.Score = (q.ContextUnderstanding + q.ResponseAppropriateness + engagementScore(q.EngagementLevel)) / 3
	return q
}

func contextUnderstanding(a *types.Analysis) float64 {
	score := 0.3
	if len(a.Entities) > 0 {
		score += 0.2
	}
	if len(a.Topics) > 0 {
		score += 0.2
	}
	if a.Intent != types.IntentGeneral {
		score += 0.2
	}
	score += a.Confidence * 0.1
	return math.Min(1.0, score)
}

func appropriateness(botText string, a *types.Analysis) float64 {
	score := 0.5
	if n := wordCount(botText); n >= 5 && n <= 50 {
		score += 0.2
	}
	if a.IsQuestion && nlp.ContainsWord(botText, "answer", "because", "explain") {
		score += 0.2
	}
	if len(a.Emotions) > 0 {
		score += 0.1
	}
	return math.Min(1.0, score)
}

func engagement(userText string) string {
	switch n := wordCount(userText); {
	case n > 20:
		return EngagementHigh
	case n > 10:
		return EngagementMedium
	default:
		return EngagementLow
	}
}

func engagementScore(level string) float64 {
	switch level {
	case EngagementLow:
		return 0.3
	case EngagementMedium:
		return 0.6
	case EngagementHigh:
		return 0.9
	}
	return 0.5
}

func satisfactionIndicators(a *types.Analysis) []string {
	indicators := []string{}
	switch {
	case a.Sentiment.Compound > 0.3:
		indicators = append(indicators, "positive_sentiment")
	case a.Sentiment.Compound < -0.3:
		indicators = append(indicators, "negative_sentiment")
	}
	if top, ok := a.TopEmotion(); ok {
		label := strings.ToLower(top.Label)
		switch {
		case strings.Contains(label, "joy") || strings.Contains(label, "happiness"):
			indicators = append(indicators, "positive_emotion")
		case negativeEmotion(label):
			indicators = append(indicators, "negative_emotion")
		}
	}
	return indicators
}

// patternObservation is one learning pattern keyed by its canonical JSON encoding
type patternObservation struct {
	patternType string
	data        string
}

type questionPattern struct {
	QuestionType  string   `json:"question_type"`
	ResponseStyle string   `json:"response_style"`
	Entities      []string `json:"entities"`
}

type emotionalPattern struct {
	InputEmotion string          `json:"input_emotion"`
	ResponseTone string          `json:"response_tone"`
	Sentiment    types.Sentiment `json:"sentiment"`
}

type intentPattern struct {
	Intent            types.Intent `json:"intent"`
	ResponseApproach  string       `json:"response_approach"`
	SuccessIndicators []string     `json:"success_indicators"`
}

func observePatterns(userText, botText string, a *types.Analysis) ([]patternObservation, error) {
	type pattern struct {
		patternType string
		data        interface{}
	}
	var found []pattern

	if a.IsQuestion {
		entities := a.Entities
		if entities == nil {
			entities = []string{}
		}
		found = append(found, pattern{PatternQuestion, questionPattern{
			QuestionType:  questionType(userText),
			ResponseStyle: responseStyle(botText),
			Entities:      entities,
		}})
	}
	if top, ok := a.TopEmotion(); ok {
		found = append(found, pattern{PatternEmotional, emotionalPattern{
			InputEmotion: top.Label,
			ResponseTone: responseTone(botText),
			Sentiment:    a.Sentiment,
		}})
	}
	if a.Intent != types.IntentGeneral {
		found = append(found, pattern{PatternIntent, intentPattern{
			Intent:            a.Intent,
			ResponseApproach:  responseApproach(botText),
			SuccessIndicators: successIndicators(a),
		}})
	}

	out := make([]patternObservation, 0, len(found))
	for _, p := range found {
		data, err := json.Marshal(p.data)
		if err != nil {
			return nil, err
		}
		out = append(out, patternObservation{patternType: p.patternType, data: string(data)})
	}
	return out, nil
}

func questionType(text string) string {
	switch {
	case nlp.ContainsWord(text, "what", "which"):
		return "what"
	case nlp.ContainsWord(text, "how"):
		return "how"
	case nlp.ContainsWord(text, "why"):
		return "why"
	case nlp.ContainsWord(text, "when"):
		return "when"
	case nlp.ContainsWord(text, "where"):
		return "where"
	case nlp.ContainsWord(text, "who"):
		return "who"
	}
	return "general"
}

func responseStyle(text string) string {
	switch n := wordCount(text); {
	case n < 10:
		return "brief"
	case n > 30:
		return "detailed"
	}
	return "moderate"
}

func responseTone(text string) string {
	switch {
	case nlp.ContainsWord(text, "sorry", "apologize", "understand"):
		return "empathetic"
	case nlp.ContainsWord(text, "great", "wonderful", "excellent"):
		return "positive"
	case nlp.ContainsWord(text, "help", "assist", "support"):
		return "helpful"
	}
	return "neutral"
}

func responseApproach(text string) string {
	switch {
	case strings.Contains(text, "?"):
		return "questioning"
	case nlp.ContainsWord(text, "because", "due to", "reason"):
		return "explanatory"
	case nlp.ContainsWord(text, "try", "suggest", "recommend"):
		return "suggestive"
	}
	return "informative"
}

func successIndicators(a *types.Analysis) []string {
	indicators := []string{}
	if a.Confidence > 0.7 {
		indicators = append(indicators, "high_confidence")
	}
	if len(a.Entities) > 0 {
		indicators = append(indicators, "entity_recognition")
	}
	if len(a.Topics) > 0 {
		indicators = append(indicators, "topic_identification")
	}
	return indicators
}

// patternSuccess estimates how well a recurring pattern went
func patternSuccess(a *types.Analysis) float64 {
	score := 0.5 + (a.Confidence-0.5)*0.5
	if len(a.Entities) > 0 {
		score += 0.1
	}
	if len(a.Topics) > 0 {
		score += 0.1
	}
	return math.Min(1.0, score)
}
