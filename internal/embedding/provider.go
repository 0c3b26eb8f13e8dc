// Package embedding resolves vectors and completions from an external model
// provider (Ollama or an OpenAI-compatible API).
package embedding

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/vthunder/patterngraph/internal/config"
)

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Completer runs a prompt and returns the model's text reply
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Provider is a model backend offering both calls
type Provider interface {
	Embedder
	Completer
}

var (
	_ Provider = (*OllamaClient)(nil)
	_ Provider = (*OpenAIClient)(nil)
)

// NewProvider builds the provider named in config
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "", "ollama":
		c := NewOllamaClient(cfg.OllamaURL, cfg.EmbeddingModel)
		c.SetGenerationModel(cfg.ChatModel)
		return c, nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.ChatModel), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}
}

// TruncateRunes cuts s to at most max characters without splitting a rune
func TruncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
