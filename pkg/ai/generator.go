package ai

import (
	"context"
	"fmt"
	"strings"
)

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Anthropic, Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Sampling holds decoding parameters shared by providers that accept them.
type Sampling struct {
	MaxTokens   int
	Temperature float64
}

const (
	DefaultMaxTokens   = 2500
	DefaultTemperature = 0.7
)

func (s Sampling) withDefaults() Sampling {
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	if s.Temperature <= 0 {
		s.Temperature = DefaultTemperature
	}
	return s
}

// ProviderConfig selects and configures a TextGenerator.
type ProviderConfig struct {
	Provider string // anthropic | gemini | ollama | openai-compat
	BaseURL  string
	APIKey   string
	Model    string
	Sampling Sampling
}

// NewTextGenerator builds the generator named by cfg.Provider.
func NewTextGenerator(cfg ProviderConfig) (TextGenerator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "anthropic":
		return NewAnthropicGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Sampling)
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL != "" {
			client.baseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		return NewGeminiGenerator(client, cfg.Model, cfg.Sampling), nil
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.Sampling), nil
	case "openai-compat", "openai":
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Sampling), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
