package llm

import (
	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
)

// New builds the configured generative backend.
// It returns nil, nil when no backend is configured.
func New(cfg config.LLMConfig) (interfaces.LLM, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "openai":
		return NewOpenAILLM(cfg)
	case "ollama":
		return NewOllamaLLM(cfg)
	default:
		return nil, chatErrors.NewConfigError("unsupported LLM backend: " + cfg.Backend)
	}
}

// NewEmbedder builds the configured embedding backend.
// It returns nil, nil when no backend is configured.
func NewEmbedder(cfg config.EmbedderConfig) (interfaces.Embedder, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "ollama":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, chatErrors.NewConfigError("unsupported embedder backend: " + cfg.Backend)
	}
}
