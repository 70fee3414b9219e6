package provider

import (
	"context"
	"errors"

	"github.com/loreweaver/loreweaver/config"
	openai_provider "github.com/loreweaver/loreweaver/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Message is a single chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries everything a completion call needs.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Provider is the interface all LLM implementations must satisfy.
// An empty string with a nil error is a valid zero-length completion;
// upstream failures always surface as a non-nil error.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type openaiProvider struct {
	client *openai_provider.Client
}

func (p *openaiProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	msgs := make([]openai_provider.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai_provider.Message{Role: m.Role, Content: m.Content})
	}
	return p.client.Chat(ctx, req.Model, msgs, req.Temperature, req.TopP, req.MaxTokens)
}

// NewProvider creates a new LLM client based on the provided configuration.
func NewProvider(client Client, cfg config.LLMConfig) (Provider, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return &openaiProvider{client: openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.Timeout)}, nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
