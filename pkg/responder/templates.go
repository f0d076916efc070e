package responder

import "github.com/memtensor/dynabot/pkg/types"

// Templates maps each intent to its canned replies
var Templates = map[types.Intent][]string{
	types.IntentGreeting: {
		"Hello! How can I help you today?",
		"Hi there! What can I assist you with?",
		"Greetings! How may I be of service?",
		"Hello! I'm here to help. What do you need?",
	},
	types.IntentQuestion: {
		"That's a great question! Let me help you with that.",
		"I'd be happy to answer that for you.",
		"Let me think about that and provide you with the best answer I can.",
		"That's an interesting question. Here's what I know...",
	},
	types.IntentHelpRequest: {
		"I'm here to help! You can ask me questions, request information, or just have a conversation.",
		"I can assist you with various topics. What specific help do you need?",
		"I'm designed to be helpful. Please tell me what you'd like assistance with.",
		"I'm at your service! What can I help you with today?",
	},
	types.IntentGoodbye: {
		"Goodbye! Have a great day!",
		"Take care! Feel free to come back anytime.",
		"Farewell! It was nice chatting with you.",
		"See you later! Have a wonderful day!",
	},
	types.IntentComplaint: {
		"I'm sorry you're experiencing difficulties. Let me try to help resolve this.",
		"I understand your frustration. How can I make this better for you?",
		"I apologize for any inconvenience. Let's work together to find a solution.",
		"I'm sorry this isn't working as expected. Let me see what I can do to help.",
	},
	types.IntentGeneral: {
		"That's interesting! Can you tell me more about that?",
		"I see what you mean. What would you like to explore further?",
		"Thanks for sharing that with me. How can I help you today?",
		"I appreciate you talking with me. What's on your mind?",
		"That gives me something to think about. What else would you like to discuss?",
	},
}

// Fallback is used for intents without a template list
var Fallback = []string{
	"I'm not sure I understand. Could you please rephrase your question?",
	"Could you provide more details about what you're looking for?",
	"I didn't quite catch that. Can you tell me more about what you need?",
	"I'm having trouble understanding. Could you explain that differently?",
}

// FAQ is a canned answer selected when every keyword of the question appears in the message
type FAQ struct {
	Question string
	Answer   string
}

// FAQs are checked in order; the first full match wins
var FAQs = []FAQ{
	{
		Question: "what can you do",
		Answer:   "I can help answer questions, have conversations, provide information, and assist with various tasks. I use advanced AI to understand your needs and provide helpful responses.",
	},
	{
		Question: "how do you work",
		Answer:   "I use natural language processing and machine learning to understand your messages and generate appropriate responses. I combine rule-based logic with AI models for the best results.",
	},
	{
		Question: "what is your purpose",
		Answer:   "I'm designed to be a helpful AI assistant that can engage in conversations, answer questions, and provide support across various topics.",
	},
	{
		Question: "who created you",
		Answer:   "I was created using advanced AI technologies to serve as a dynamic, intelligent chatbot assistant.",
	},
	{
		Question: "what are your capabilities",
		Answer:   "I can understand intent, analyze sentiment, recognize entities, generate contextual responses, and learn from conversations to improve over time.",
	},
}

const (
	preambleAnger    = "I understand you're feeling frustrated. "
	preambleSadness  = "I'm sorry you're feeling down. "
	preambleNegative = "I sense you might be having a difficult time. "
	preambleJoy      = "I'm glad you're in good spirits! "
	preambleLove     = "It's wonderful to sense such positive energy! "
	preamblePositive = "I'm happy to help! "
)
