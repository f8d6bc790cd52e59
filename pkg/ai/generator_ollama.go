package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// OllamaGenerator produces recommendations with a local model through the
// Ollama /api/chat endpoint.
type OllamaGenerator struct {
	client   *OllamaClient
	model    string
	sampling Sampling
}

func NewOllamaGenerator(client *OllamaClient, model string, sampling Sampling) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: strings.TrimSpace(model), sampling: sampling.withDefaults()}
}

func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", errors.New("ollama generation model required")
	}

	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})

	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", ollamaChatRequest{
		Model:    g.model,
		Messages: messages,
		Options: ollamaOptions{
			NumPredict:  g.sampling.MaxTokens,
			Temperature: g.sampling.Temperature,
		},
	}, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", errors.New("empty response from ollama")
	}
	return text, nil
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaOptions maps Sampling onto Ollama's model options.
type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}
