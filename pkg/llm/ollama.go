package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/types"
)

// DefaultOllamaURL is used when no base URL is configured
const DefaultOllamaURL = "http://localhost:11434"

// OllamaMessage is a chat message in the Ollama wire format
type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaChatRequest represents a request to /api/chat
type OllamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []OllamaMessage        `json:"messages"`
	Stream    bool                   `json:"stream"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
}

// OllamaChatResponse represents a chat response from Ollama API
type OllamaChatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// OllamaEmbeddingRequest represents a request to /api/embeddings
type OllamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// OllamaEmbeddingResponse represents an embedding response
type OllamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// permanentStatus reports HTTP statuses that retrying cannot fix
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

func newOllamaClient(baseURL string, timeout time.Duration) *resty.Client {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("User-Agent", "dynabot/1.0")
	return client
}

// postWithBackoff posts body to path, retrying transport errors and 5xx responses
func postWithBackoff(ctx context.Context, client *resty.Client, policy backoff.BackOff, path string, body, result interface{}) error {
	operation := func() error {
		response, err := client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(result).
			Post(path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if response.StatusCode() != http.StatusOK {
			statusErr := fmt.Errorf("HTTP %d: %s", response.StatusCode(), response.String())
			if permanentStatus(response.StatusCode()) {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// OllamaLLM implements interfaces.LLM for a local Ollama server
type OllamaLLM struct {
	*BaseLLM
	client    *resty.Client
	newPolicy func() backoff.BackOff
}

var _ interfaces.LLM = (*OllamaLLM)(nil)

// NewOllamaLLM creates a new Ollama LLM instance
func NewOllamaLLM(cfg config.LLMConfig) (*OllamaLLM, error) {
	if cfg.Model == "" {
		return nil, chatErrors.NewConfigError("model name is required")
	}

	base := NewBaseLLM(cfg.Model)
	base.SetMaxTokens(cfg.MaxTokens)
	base.SetTemperature(cfg.Temperature)
	base.SetTimeout(cfg.Timeout)

	return &OllamaLLM{
		BaseLLM:   base,
		client:    newOllamaClient(cfg.BaseURL, base.GetTimeout()),
		newPolicy: defaultPolicy,
	}, nil
}

func defaultPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(policy, 2)
}

// WithBackoff overrides the retry policy factory
func (o *OllamaLLM) WithBackoff(newPolicy func() backoff.BackOff) *OllamaLLM {
	o.newPolicy = newPolicy
	return o
}

// Generate generates text based on messages
func (o *OllamaLLM) Generate(ctx context.Context, messages types.MessageList) (string, error) {
	if err := o.ValidateMessages(messages); err != nil {
		return "", chatErrors.NewLLMAPIError("invalid messages", err)
	}

	req := OllamaChatRequest{
		Model:    o.GetModelName(),
		Messages: make([]OllamaMessage, len(messages)),
		Stream:   false,
		Options: map[string]interface{}{
			"num_predict": o.GetMaxTokens(),
			"temperature": o.GetTemperature(),
		},
		KeepAlive: "5m",
	}
	for i, msg := range messages {
		req.Messages[i] = OllamaMessage{Role: string(msg.Role), Content: msg.Content}
	}

	var resp OllamaChatResponse
	if err := postWithBackoff(ctx, o.client, o.newPolicy(), "/api/chat", req, &resp); err != nil {
		return "", requestFailed(o.GetModelName(), "Ollama API request failed", err)
	}
	if resp.Message.Content == "" {
		return "", chatErrors.NewLLMError("no content in response message")
	}

	o.RecordMetrics("eval_count", resp.EvalCount)
	o.RecordMetrics("prompt_eval_count", resp.PromptEvalCount)
	o.RecordMetrics("total_duration", resp.TotalDuration)

	return resp.Message.Content, nil
}

// Close closes the LLM connection
func (o *OllamaLLM) Close() error {
	return nil
}

// OllamaEmbedder implements interfaces.Embedder against /api/embeddings
type OllamaEmbedder struct {
	model     string
	client    *resty.Client
	newPolicy func() backoff.BackOff

	dimension int
}

var _ interfaces.Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder for the configured model
func NewOllamaEmbedder(cfg config.EmbedderConfig) (*OllamaEmbedder, error) {
	if cfg.Model == "" {
		return nil, chatErrors.NewConfigError("embedding model name is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		model:     cfg.Model,
		client:    newOllamaClient(cfg.BaseURL, timeout),
		newPolicy: defaultPolicy,
	}, nil
}

// WithBackoff overrides the retry policy factory
func (e *OllamaEmbedder) WithBackoff(newPolicy func() backoff.BackOff) *OllamaEmbedder {
	e.newPolicy = newPolicy
	return e
}

// Embed generates embeddings for text
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, chatErrors.NewInvalidInputError("empty text")
	}

	var resp OllamaEmbeddingResponse
	req := OllamaEmbeddingRequest{Model: e.model, Prompt: text}
	if err := postWithBackoff(ctx, e.client, e.newPolicy(), "/api/embeddings", req, &resp); err != nil {
		return nil, requestFailed(e.model, "embedding request failed", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, chatErrors.NewLLMError("no embedding in response")
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	e.dimension = len(vec)
	return vec, nil
}

// GetDimension returns the dimension of the last embedding produced
func (e *OllamaEmbedder) GetDimension() int {
	return e.dimension
}
