package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/sashabaranov/go-openai"

	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/types"
)

// OpenAILLM implements interfaces.LLM for OpenAI-compatible chat completion APIs
type OpenAILLM struct {
	*BaseLLM
	client     *openai.Client
	attempts   uint
	retryDelay time.Duration
}

var _ interfaces.LLM = (*OpenAILLM)(nil)

// NewOpenAILLM creates a new OpenAI LLM instance
func NewOpenAILLM(cfg config.LLMConfig) (*OpenAILLM, error) {
	if cfg.APIKey == "" {
		return nil, chatErrors.NewConfigError("OpenAI API key is required")
	}
	if cfg.Model == "" {
		return nil, chatErrors.NewConfigError("model name is required")
	}

	openaiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	base := NewBaseLLM(cfg.Model)
	base.SetMaxTokens(cfg.MaxTokens)
	base.SetTemperature(cfg.Temperature)
	base.SetTimeout(cfg.Timeout)
	openaiConfig.HTTPClient = &http.Client{Timeout: base.GetTimeout()}

	return &OpenAILLM{
		BaseLLM:    base,
		client:     openai.NewClientWithConfig(openaiConfig),
		attempts:   3,
		retryDelay: time.Second,
	}, nil
}

// WithRetry overrides the retry policy
func (o *OpenAILLM) WithRetry(attempts uint, delay time.Duration) *OpenAILLM {
	if attempts > 0 {
		o.attempts = attempts
	}
	o.retryDelay = delay
	return o
}

// Generate generates text based on messages
func (o *OpenAILLM) Generate(ctx context.Context, messages types.MessageList) (string, error) {
	if err := o.ValidateMessages(messages); err != nil {
		return "", chatErrors.NewLLMAPIError("invalid messages", err)
	}

	openaiMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		openaiMessages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       o.GetModelName(),
		Messages:    openaiMessages,
		MaxTokens:   o.GetMaxTokens(),
		Temperature: float32(o.GetTemperature()),
	}

	var resp openai.ChatCompletionResponse
	err := retry.Do(
		func() error {
			var reqErr error
			resp, reqErr = o.client.CreateChatCompletion(ctx, req)
			return reqErr
		},
		retry.Context(ctx),
		retry.Attempts(o.attempts),
		retry.Delay(o.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return "", chatErrors.NewLLMRateLimitedError(o.GetModelName())
		}
		return "", requestFailed(o.GetModelName(), "OpenAI API request failed", err)
	}

	if len(resp.Choices) == 0 {
		return "", chatErrors.NewLLMError("no response choices returned")
	}

	o.RecordMetrics("tokens_used", resp.Usage.TotalTokens)
	o.RecordMetrics("prompt_tokens", resp.Usage.PromptTokens)
	o.RecordMetrics("completion_tokens", resp.Usage.CompletionTokens)

	return resp.Choices[0].Message.Content, nil
}

// Close closes the LLM connection
func (o *OpenAILLM) Close() error {
	return nil
}

// isRetryable skips retries for client errors other than rate limiting
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// String describes the backend for logs
func (o *OpenAILLM) String() string {
	return fmt.Sprintf("openai(%s)", o.GetModelName())
}
