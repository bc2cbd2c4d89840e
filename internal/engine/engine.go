package engine

import (
	"context"
	"fmt"
)

// Engine abstracts a model backend that can chat and embed. The
// conversation engine and the embedder depend on this interface instead of a
// concrete HTTP client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// New returns the Engine for provider talking to endpoint.
func New(provider, endpoint, apiKey string) (Engine, error) {
	switch provider {
	case ProviderOllama, "":
		return NewOllamaEngine(endpoint), nil
	case ProviderOpenAI:
		return NewOpenAIEngine(endpoint, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", provider)
	}
}
