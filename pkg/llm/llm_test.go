package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/types"
)

func userPrompt(text string) types.MessageList {
	return types.MessageList{
		{Role: types.MessageRoleSystem, Content: "You are a helpful assistant."},
		{Role: types.MessageRoleUser, Content: text},
	}
}

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func TestBaseLLM(t *testing.T) {
	base := NewBaseLLM("test-model")
	assert.Equal(t, 100, base.GetMaxTokens())

	base.SetMaxTokens(0)
	assert.Equal(t, 100, base.GetMaxTokens())
	base.SetMaxTokens(64)
	assert.Equal(t, 64, base.GetMaxTokens())

	assert.Error(t, base.ValidateMessages(nil))
	assert.Error(t, base.ValidateMessages(types.MessageList{{Role: "robot", Content: "x"}}))
	assert.Error(t, base.ValidateMessages(types.MessageList{{Role: types.MessageRoleUser}}))
	assert.NoError(t, base.ValidateMessages(userPrompt("hi")))

	base.RecordMetrics("tokens_used", 12)
	info := base.GetModelInfo()
	assert.Equal(t, "test-model", info["model"])
	assert.Equal(t, 12, info["metrics"].(map[string]interface{})["tokens_used"])
}

func TestFactory(t *testing.T) {
	t.Run("No Backend", func(t *testing.T) {
		model, err := New(config.LLMConfig{})
		require.NoError(t, err)
		assert.Nil(t, model)

		embedder, err := NewEmbedder(config.EmbedderConfig{})
		require.NoError(t, err)
		assert.Nil(t, embedder)
	})

	t.Run("Known Backends", func(t *testing.T) {
		model, err := New(config.LLMConfig{Backend: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"})
		require.NoError(t, err)
		assert.IsType(t, &OpenAILLM{}, model)

		model, err = New(config.LLMConfig{Backend: "ollama", Model: "llama3"})
		require.NoError(t, err)
		assert.IsType(t, &OllamaLLM{}, model)

		embedder, err := NewEmbedder(config.EmbedderConfig{Backend: "ollama", Model: "nomic-embed-text"})
		require.NoError(t, err)
		assert.IsType(t, &OllamaEmbedder{}, embedder)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := New(config.LLMConfig{Backend: "huggingface", Model: "gpt2"})
		assert.Error(t, err)
		_, err = New(config.LLMConfig{Backend: "openai", Model: "gpt-4o-mini"})
		assert.Error(t, err)
		_, err = NewEmbedder(config.EmbedderConfig{Backend: "sentence-transformers"})
		assert.Error(t, err)
	})
}

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) *OpenAILLM {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	model, err := NewOpenAILLM(config.LLMConfig{
		Model:   "gpt-4o-mini",
		APIKey:  "sk-test",
		BaseURL: server.URL + "/v1",
	})
	require.NoError(t, err)
	return model.WithRetry(3, 0)
}

func TestOpenAIGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gpt-4o-mini", body["model"])

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Machine learning finds patterns in data."},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":7,"total_tokens":16}}`))
		})

		out, err := model.Generate(ctx, userPrompt("what is machine learning?"))
		require.NoError(t, err)
		assert.Equal(t, "Machine learning finds patterns in data.", out)
		assert.Equal(t, 16, model.GetMetrics()["tokens_used"])
	})

	t.Run("Retries Server Errors", func(t *testing.T) {
		var calls int32
		model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"third time lucky"}}]}`))
		})

		out, err := model.Generate(ctx, userPrompt("hello"))
		require.NoError(t, err)
		assert.Equal(t, "third time lucky", out)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("Client Error Is Not Retried", func(t *testing.T) {
		var calls int32
		model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
		})

		_, err := model.Generate(ctx, userPrompt("hello"))
		require.Error(t, err)
		assert.Equal(t, chatErrors.ErrCodeLLMAPIError, chatErrors.GetChatbotError(err).Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Rate Limited", func(t *testing.T) {
		model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
		})

		_, err := model.Generate(ctx, userPrompt("hello"))
		require.Error(t, err)
		assert.Equal(t, chatErrors.ErrCodeLLMRateLimited, chatErrors.GetChatbotError(err).Code)
	})

	t.Run("No Choices", func(t *testing.T) {
		model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[]}`))
		})

		_, err := model.Generate(ctx, userPrompt("hello"))
		require.Error(t, err)
		assert.Equal(t, chatErrors.ErrCodeLLMError, chatErrors.GetChatbotError(err).Code)
	})

	t.Run("Invalid Messages", func(t *testing.T) {
		model := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		})
		_, err := model.Generate(ctx, nil)
		assert.Error(t, err)
	})
}

func TestOllamaGenerate(t *testing.T) {
	ctx := context.Background()

	newModel := func(t *testing.T, handler http.HandlerFunc) *OllamaLLM {
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)
		model, err := NewOllamaLLM(config.LLMConfig{Model: "llama3", BaseURL: server.URL, MaxTokens: 50})
		require.NoError(t, err)
		return model.WithBackoff(noWait)
	}

	t.Run("Success", func(t *testing.T) {
		model := newModel(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat", r.URL.Path)
			var req OllamaChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "llama3", req.Model)
			assert.False(t, req.Stream)
			assert.Len(t, req.Messages, 2)
			assert.EqualValues(t, 50, req.Options["num_predict"])

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(OllamaChatResponse{
				Model:     "llama3",
				Message:   OllamaMessage{Role: "assistant", Content: "Hi! Nice to meet you."},
				Done:      true,
				EvalCount: 8,
			})
		})

		out, err := model.Generate(ctx, userPrompt("hello"))
		require.NoError(t, err)
		assert.Equal(t, "Hi! Nice to meet you.", out)
		assert.Equal(t, 8, model.GetMetrics()["eval_count"])
	})

	t.Run("Retries Then Fails", func(t *testing.T) {
		var calls int32
		model := newModel(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := model.Generate(ctx, userPrompt("hello"))
		require.Error(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("Missing Model Is Permanent", func(t *testing.T) {
		var calls int32
		model := newModel(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
		})

		_, err := model.Generate(ctx, userPrompt("hello"))
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Empty Content", func(t *testing.T) {
		model := newModel(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":""},"done":true}`))
		})
		_, err := model.Generate(ctx, userPrompt("hello"))
		assert.Error(t, err)
	})

	t.Run("Requires Model", func(t *testing.T) {
		_, err := NewOllamaLLM(config.LLMConfig{})
		assert.Error(t, err)
	})
}

func TestOllamaEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req OllamaEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embedding":[0.5,-0.25,1]}`))
	}))
	defer server.Close()

	embedder, err := NewOllamaEmbedder(config.EmbedderConfig{Model: "nomic-embed-text", BaseURL: server.URL})
	require.NoError(t, err)
	embedder.WithBackoff(noWait)

	assert.Zero(t, embedder.GetDimension())
	vec, err := embedder.Embed(context.Background(), "vectorize me")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, vec)
	assert.Equal(t, 3, embedder.GetDimension())

	_, err = embedder.Embed(context.Background(), "")
	assert.Error(t, err)
}

func TestDeadlineReportedAsTimeout(t *testing.T) {
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	withDeadline := func(t *testing.T) context.Context {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		t.Cleanup(cancel)
		return ctx
	}

	t.Run("Ollama", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(slow))
		t.Cleanup(server.Close)
		model, err := NewOllamaLLM(config.LLMConfig{Model: "llama3", BaseURL: server.URL})
		require.NoError(t, err)
		model.WithBackoff(noWait)

		_, err = model.Generate(withDeadline(t), userPrompt("hello"))
		assert.ErrorIs(t, err, chatErrors.NewLLMTimeoutError("llama3"))
	})

	t.Run("Ollama Embedder", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(slow))
		t.Cleanup(server.Close)
		embedder, err := NewOllamaEmbedder(config.EmbedderConfig{Model: "nomic-embed-text", BaseURL: server.URL})
		require.NoError(t, err)
		embedder.WithBackoff(noWait)

		_, err = embedder.Embed(withDeadline(t), "hello")
		assert.ErrorIs(t, err, chatErrors.NewLLMTimeoutError("nomic-embed-text"))
	})

	t.Run("OpenAI", func(t *testing.T) {
		model := newOpenAIServer(t, slow)
		_, err := model.Generate(withDeadline(t), userPrompt("hello"))
		assert.ErrorIs(t, err, chatErrors.NewLLMTimeoutError("gpt-4o-mini"))
	})

	t.Run("Other Failures Stay API Errors", func(t *testing.T) {
		err := requestFailed("m", "request failed", assert.AnError)
		assert.ErrorIs(t, err, chatErrors.NewLLMAPIError("", nil))
		assert.False(t, isTimeout(assert.AnError))
	})
}
