// Package responder turns an analyzed message into reply text
package responder

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/nlp"
	"github.com/memtensor/dynabot/pkg/types"
)

const (
	// generativeHistoryTurns is how many prior turns are sent to the generative backend
	generativeHistoryTurns = 3
	// minGeneratedLength is the shortest generated reply accepted
	minGeneratedLength = 10
	// generativeConfidence is the analysis confidence below which the generative path is tried
	generativeConfidence = 0.6
)

// Responder implements interfaces.Responder with FAQ, template and optional generative strategies
type Responder struct {
	name   string
	llm    interfaces.LLM
	logger interfaces.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ interfaces.Responder = (*Responder)(nil)

// Option configures a Responder
type Option func(*Responder)

// WithLLM enables the generative path
func WithLLM(l interfaces.LLM) Option {
	return func(r *Responder) { r.llm = l }
}

// WithLogger sets the logger
func WithLogger(l interfaces.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// WithRand makes template selection deterministic
func WithRand(rnd *rand.Rand) Option {
	return func(r *Responder) { r.rnd = rnd }
}

// WithName sets the assistant name used in the generative system prompt
func WithName(name string) Option {
	return func(r *Responder) { r.name = name }
}

// New creates a Responder
func New(opts ...Option) *Responder {
	r := &Responder{
		name:   "DynamicAI",
		logger: logger.NewNopLogger(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond implements interfaces.Responder
func (r *Responder) Respond(ctx context.Context, req *types.ResponseRequest) string {
	analysis := req.Analysis
	if analysis == nil {
		analysis = &types.Analysis{Intent: types.IntentGeneral, Confidence: 0.5}
	}

	reply, ok := matchFAQ(req.Text)
	if !ok {
		reply = r.pickTemplate(analysis.Intent)
		if r.shouldGenerate(analysis) {
			if generated, ok := r.generate(ctx, req); ok {
				reply = generated
			}
		}
	}

	return preamble(analysis) + reply
}

func matchFAQ(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, faq := range FAQs {
		matched := true
		for _, keyword := range strings.Fields(faq.Question) {
			if !nlp.ContainsWord(lower, keyword) {
				matched = false
				break
			}
		}
		if matched {
			return faq.Answer, true
		}
	}
	return "", false
}

func (r *Responder) pickTemplate(intent types.Intent) string {
	choices, ok := Templates[intent]
	if !ok {
		choices = Fallback
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return choices[r.rnd.Intn(len(choices))]
}

func (r *Responder) shouldGenerate(analysis *types.Analysis) bool {
	if r.llm == nil {
		return false
	}
	return analysis.Intent == types.IntentGeneral ||
		analysis.Intent == types.IntentQuestion ||
		analysis.Confidence < generativeConfidence
}

// generate asks the backend for a reply; any failure leaves the template reply in place
func (r *Responder) generate(ctx context.Context, req *types.ResponseRequest) (reply string, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("generative backend panicked", nil, map[string]interface{}{"panic": fmt.Sprint(rec)})
			reply, ok = "", false
		}
	}()

	out, err := r.llm.Generate(ctx, r.buildPrompt(req))
	if err != nil {
		r.logger.Warn("generative backend failed, using template", map[string]interface{}{"error": err.Error()})
		return "", false
	}
	out = PlainText(strings.TrimSpace(out))
	if len(out) <= minGeneratedLength {
		r.logger.Debug("generated reply too short, using template", map[string]interface{}{"length": len(out)})
		return "", false
	}
	return out, true
}

func (r *Responder) buildPrompt(req *types.ResponseRequest) types.MessageList {
	messages := types.MessageList{
		{Role: types.MessageRoleSystem, Content: r.buildSystemPrompt(req.SimilarTurns)},
	}

	history := req.History
	if len(history) > generativeHistoryTurns {
		history = history[len(history)-generativeHistoryTurns:]
	}
	for _, turn := range history {
		if turn.UserMessage != "" {
			messages = append(messages, types.MessageDict{Role: types.MessageRoleUser, Content: turn.UserMessage})
		}
		if turn.BotResponse != "" {
			messages = append(messages, types.MessageDict{Role: types.MessageRoleAssistant, Content: turn.BotResponse})
		}
	}

	return append(messages, types.MessageDict{Role: types.MessageRoleUser, Content: req.Text})
}

func (r *Responder) buildSystemPrompt(similar []types.SimilarTurn) string {
	prompt := fmt.Sprintf("You are %s, a friendly and helpful conversational assistant. Reply in one or two sentences.", r.name)
	if len(similar) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n## Related past exchanges:\n")
	for i, turn := range similar {
		fmt.Fprintf(&b, "%d. User: %s\n   Assistant: %s\n", i+1, turn.UserMessage, turn.BotResponse)
	}
	return b.String()
}

// preamble acknowledges the user's mood before the reply, keyed on the dominant emotion
func preamble(analysis *types.Analysis) string {
	top, _ := analysis.TopEmotion()
	switch analysis.Sentiment.Overall {
	case types.SentimentNegative:
		switch top.Label {
		case "anger":
			return preambleAnger
		case "sadness":
			return preambleSadness
		default:
			return preambleNegative
		}
	case types.SentimentPositive:
		switch top.Label {
		case "joy":
			return preambleJoy
		case "love":
			return preambleLove
		default:
			return preamblePositive
		}
	}
	return ""
}
