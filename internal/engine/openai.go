package engine

import (
	"context"

	"github.com/kalambet/chatbridge/internal/openai"
)

// OpenAIEngine adapts an OpenAI-compatible client to the Engine interface.
type OpenAIEngine struct {
	client *openai.Client
}

func NewOpenAIEngine(baseURL, apiKey string) *OpenAIEngine {
	return &OpenAIEngine{client: openai.NewClient(apiKey, baseURL)}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	msgs := make([]openai.Message, len(messages))
	for i, m := range messages {
		msgs[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	return e.client.Chat(ctx, model, msgs)
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.Embed(ctx, model, texts)
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}
