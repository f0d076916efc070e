// Package analytics records conversation events in memory and optionally fans them out over NATS
package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/logger"
)

// Event types
const (
	EventSessionStarted   = "session_started"
	EventMessageProcessed = "message_processed"
	EventSessionEnded     = "session_ended"
)

const (
	// DefaultMaxEvents bounds the in-memory ring
	DefaultMaxEvents = 10000
	// DefaultSubject is the NATS subject events are published on
	DefaultSubject = "dynabot.analytics"
	// StatsWindow is the period Stats aggregates over
	StatsWindow = 24 * time.Hour
)

// Event is one analytics record
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"event_type"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Timestamp      time.Time `json:"timestamp"`
	Intent         string    `json:"intent,omitempty"`
	Sentiment      string    `json:"sentiment,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	ResponseTimeMs float64   `json:"response_time_ms,omitempty"`
}

// Stats aggregates the events of the last StatsWindow
type Stats struct {
	TotalConversations        int            `json:"total_conversations"`
	TotalMessages             int            `json:"total_messages"`
	AverageConversationLength float64        `json:"average_conversation_length"`
	IntentDistribution        map[string]int `json:"intent_distribution"`
	SentimentDistribution     map[string]int `json:"sentiment_distribution"`
	AverageResponseTimeMs     float64        `json:"average_response_time_ms"`
}

// Publisher sends encoded events to a message bus; *nats.Conn satisfies it
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Collector keeps the most recent events in a bounded ring
type Collector struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool

	publisher Publisher
	subject   string
	logger    interfaces.Logger
	now       func() time.Time
}

// Option configures a Collector
type Option func(*Collector)

// WithPublisher forwards every recorded event to p on subject
func WithPublisher(p Publisher, subject string) Option {
	return func(c *Collector) {
		c.publisher = p
		if subject != "" {
			c.subject = subject
		}
	}
}

// WithLogger sets the logger
func WithLogger(l interfaces.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector holding at most maxEvents events
func NewCollector(maxEvents int, opts ...Option) *Collector {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	c := &Collector{
		events:  make([]Event, maxEvents),
		subject: DefaultSubject,
		logger:  logger.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record stores e, filling in its id and timestamp, and publishes it when a publisher is set.
// Publishing failures are logged and never returned.
func (c *Collector) Record(_ context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	c.events[c.next] = e
	c.next = (c.next + 1) % len(c.events)
	if c.next == 0 {
		c.full = true
	}
	c.mu.Unlock()

	if c.publisher == nil {
		return
	}
	data, err := json.Marshal(e)
	if err == nil {
		err = c.publisher.Publish(c.subject, data)
	}
	if err != nil {
		c.logger.Warn("analytics publish failed", map[string]interface{}{"event_type": e.Type, "error": err.Error()})
	}
}

// Events returns the stored events, oldest first
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]Event(nil), c.events[:c.next]...)
	}
	out := make([]Event, 0, len(c.events))
	out = append(out, c.events[c.next:]...)
	return append(out, c.events[:c.next]...)
}

// Stats aggregates the events of the last StatsWindow
func (c *Collector) Stats() Stats {
	cutoff := c.now().Add(-StatsWindow)
	stats := Stats{
		IntentDistribution:    map[string]int{},
		SentimentDistribution: map[string]int{},
	}

	sessions := make(map[string]bool)
	var totalResponse float64
	var timed int
	for _, e := range c.Events() {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		sessions[e.SessionID] = true
		if e.Type != EventMessageProcessed {
			continue
		}
		stats.TotalMessages++
		if e.Intent != "" {
			stats.IntentDistribution[e.Intent]++
		}
		if e.Sentiment != "" {
			stats.SentimentDistribution[e.Sentiment]++
		}
		if e.ResponseTimeMs > 0 {
			totalResponse += e.ResponseTimeMs
			timed++
		}
	}

	stats.TotalConversations = len(sessions)
	if stats.TotalConversations > 0 {
		stats.AverageConversationLength = float64(stats.TotalMessages) / float64(stats.TotalConversations)
	}
	if timed > 0 {
		stats.AverageResponseTimeMs = totalResponse / float64(timed)
	}
	return stats
}
