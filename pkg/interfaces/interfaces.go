// Package interfaces defines the core interfaces for dynabot components
package interfaces

import (
	"context"

	"github.com/memtensor/dynabot/pkg/types"
)

// Analyzer turns raw user text into a structured analysis
type Analyzer interface {
	// Analyze never fails; step failures are recorded on the returned analysis
	Analyze(ctx context.Context, text string) *types.Analysis
}

// SentimentBackend is an optional model-backed sentiment scorer
type SentimentBackend interface {
	Sentiment(ctx context.Context, text string) (types.Sentiment, error)
}

// EmotionBackend is an optional model-backed emotion classifier
type EmotionBackend interface {
	// Emotions returns detected emotions ranked by score
	Emotions(ctx context.Context, text string) ([]types.Emotion, error)
}

// Embedder defines the interface for embedding implementations
type Embedder interface {
	// Embed generates embeddings for text
	Embed(ctx context.Context, text string) ([]float32, error)

	// GetDimension returns the embedding dimension, 0 when unknown
	GetDimension() int
}

// LLM defines the interface for generative backends
type LLM interface {
	// Generate generates text based on messages
	Generate(ctx context.Context, messages types.MessageList) (string, error)

	// GetModelInfo returns model information
	GetModelInfo() map[string]interface{}

	// Close closes the LLM connection
	Close() error
}

// Responder produces the reply text for one user message
type Responder interface {
	// Respond never returns an empty string
	Respond(ctx context.Context, req *types.ResponseRequest) string
}

// Logger defines the interface for logging implementations
type Logger interface {
	// Debug logs debug level messages
	Debug(msg string, fields ...map[string]interface{})

	// Info logs info level messages
	Info(msg string, fields ...map[string]interface{})

	// Warn logs warning level messages
	Warn(msg string, fields ...map[string]interface{})

	// Error logs error level messages
	Error(msg string, err error, fields ...map[string]interface{})

	// Fatal logs fatal level messages and exits
	Fatal(msg string, err error, fields ...map[string]interface{})

	// WithFields returns a logger with additional fields
	WithFields(fields map[string]interface{}) Logger
}

// Metrics defines the interface for metrics collection
type Metrics interface {
	// Counter increments a counter metric
	Counter(name string, value float64, labels map[string]string)

	// Gauge sets a gauge metric
	Gauge(name string, value float64, labels map[string]string)

	// Histogram records a histogram metric
	Histogram(name string, value float64, labels map[string]string)

	// Timer records timing metrics
	Timer(name string, duration float64, labels map[string]string)
}
