// Package llm provides optional generative and embedding backends
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/types"
)

// BaseLLM provides common functionality for all LLM implementations
type BaseLLM struct {
	modelName   string
	maxTokens   int
	temperature float64
	timeout     time.Duration

	mu      sync.RWMutex
	metrics map[string]interface{}
}

// NewBaseLLM creates a new base LLM instance
func NewBaseLLM(modelName string) *BaseLLM {
	return &BaseLLM{
		modelName:   modelName,
		maxTokens:   100,
		temperature: 0.7,
		timeout:     30 * time.Second,
		metrics:     make(map[string]interface{}),
	}
}

// SetMaxTokens sets the maximum number of tokens
func (b *BaseLLM) SetMaxTokens(maxTokens int) {
	if maxTokens > 0 {
		b.maxTokens = maxTokens
	}
}

// SetTemperature sets the temperature for generation
func (b *BaseLLM) SetTemperature(temperature float64) {
	b.temperature = temperature
}

// SetTimeout sets the request timeout
func (b *BaseLLM) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		b.timeout = timeout
	}
}

// GetMaxTokens returns the maximum number of tokens
func (b *BaseLLM) GetMaxTokens() int {
	return b.maxTokens
}

// GetTemperature returns the temperature
func (b *BaseLLM) GetTemperature() float64 {
	return b.temperature
}

// GetTimeout returns the request timeout
func (b *BaseLLM) GetTimeout() time.Duration {
	return b.timeout
}

// GetModelName returns the model name
func (b *BaseLLM) GetModelName() string {
	return b.modelName
}

// RecordMetrics stores the latest value of a backend statistic
func (b *BaseLLM) RecordMetrics(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[key] = value
}

// GetMetrics returns a copy of the recorded statistics
func (b *BaseLLM) GetMetrics() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]interface{}, len(b.metrics))
	for k, v := range b.metrics {
		out[k] = v
	}
	return out
}

// ValidateMessages rejects empty prompts and messages with unknown roles
func (b *BaseLLM) ValidateMessages(messages types.MessageList) error {
	if len(messages) == 0 {
		return fmt.Errorf("messages cannot be empty")
	}
	for i, msg := range messages {
		switch msg.Role {
		case types.MessageRoleUser, types.MessageRoleAssistant, types.MessageRoleSystem:
		default:
			return fmt.Errorf("message %d has invalid role: %s", i, msg.Role)
		}
		if msg.Content == "" {
			return fmt.Errorf("message %d has empty content", i)
		}
	}
	return nil
}

// GetModelInfo returns model information
func (b *BaseLLM) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"model":       b.modelName,
		"max_tokens":  b.maxTokens,
		"temperature": b.temperature,
		"timeout":     b.timeout.String(),
		"metrics":     b.GetMetrics(),
	}
}

// requestFailed maps a failed backend call, reporting deadline overruns as timeouts
func requestFailed(model, message string, err error) *chatErrors.ChatbotError {
	if isTimeout(err) {
		timeout := chatErrors.NewLLMTimeoutError(model)
		timeout.Cause = err
		return timeout
	}
	return chatErrors.NewLLMAPIError(message, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
