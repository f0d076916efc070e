package nlp

import (
	"regexp"
	"strings"

	"github.com/memtensor/dynabot/pkg/types"
)

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	disallowedRe   = regexp.MustCompile(`[^\w\s\.,!?;:\-'"()]`)
	tokenRe        = regexp.MustCompile(`[a-z0-9']+`)
	capitalizedRe  = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	numberRe       = regexp.MustCompile(`\b\d+\b`)
	sentenceSplitR = regexp.MustCompile(`[.!?]+`)
)

var questionWords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "whose": true, "whom": true,
}

var timeWords = []string{"today", "tomorrow", "yesterday", "tonight", "morning", "afternoon", "evening"}

type keywordRule struct {
	label    string
	keywords []string
}

// intentRules are checked in order; the first list with a hit wins
var intentRules = []keywordRule{
	{string(types.IntentGreeting), []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}},
	{string(types.IntentHelpRequest), []string{"help", "assist", "support", "need help"}},
	{string(types.IntentGoodbye), []string{"bye", "goodbye", "see you", "farewell"}},
	{string(types.IntentComplaint), []string{"problem", "issue", "wrong", "error", "broken"}},
}

var topicRules = []keywordRule{
	{types.TopicTechnology, []string{"computer", "software", "programming", "code", "app", "website", "technology"}},
	{types.TopicPersonal, []string{"family", "friend", "work", "job", "life", "personal"}},
	{types.TopicBusiness, []string{"business", "company", "market", "sales", "profit", "customer"}},
	{types.TopicHealth, []string{"health", "doctor", "medicine", "sick", "hospital", "treatment"}},
}

var emotionRules = []keywordRule{
	{"joy", []string{"happy", "glad", "pleased", "delighted", "excited"}},
	{"sadness", []string{"sad", "unhappy", "depressed", "down", "upset"}},
	{"anger", []string{"angry", "mad", "furious", "annoyed", "frustrated"}},
	{"fear", []string{"scared", "afraid", "worried", "anxious", "nervous"}},
	{"surprise", []string{"surprised", "amazed", "shocked", "astonished"}},
}

var positiveWords = []string{"happy", "good", "great", "excellent", "wonderful", "amazing", "love", "like", "excited", "joy"}

var negativeWords = []string{"sad", "bad", "terrible", "awful", "hate", "angry", "upset", "frustrated", "disappointed"}

// tokenized is a lowercase word view of a message used for boundary-aware keyword checks
type tokenized struct {
	tokens []string
	set    map[string]bool
	joined string
}

func tokenize(text string) tokenized {
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return tokenized{
		tokens: tokens,
		set:    set,
		joined: " " + strings.Join(tokens, " ") + " ",
	}
}

// has matches a single word or a space-separated phrase on word boundaries
func (t tokenized) has(keyword string) bool {
	if !strings.Contains(keyword, " ") {
		return t.set[keyword]
	}
	return strings.Contains(t.joined, " "+keyword+" ")
}

// count returns how many of the keywords appear
func (t tokenized) count(keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if t.has(kw) {
			n++
		}
	}
	return n
}

func (t tokenized) any(keywords []string) bool {
	for _, kw := range keywords {
		if t.has(kw) {
			return true
		}
	}
	return false
}

// ContainsWord reports whether text contains any of the words on word boundaries
func ContainsWord(text string, words ...string) bool {
	return tokenize(text).any(words)
}

// CleanText collapses whitespace and strips characters outside word, space and basic punctuation
func CleanText(text string) string {
	text = whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
	return disallowedRe.ReplaceAllString(text, "")
}
