package provider

import (
	"context"
	"errors"

	"github.com/archon-ai/archon/config"
	openai_provider "github.com/archon-ai/archon/provider/openai"
)

// Provider is the interface all LLM implementations must satisfy. The
// planner uses Complete for task decomposition and the embedding tool
// uses CreateEmbedding for semantic memory vectors.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return openai_provider.NewClient(
			cfg.APIKey,
			cfg.BaseURL,
			cfg.CompletionModel,
			cfg.EmbeddingModel,
			cfg.Temperature,
			cfg.MaxTokens,
			cfg.Timeout,
		), nil
	case "anthropic":
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
