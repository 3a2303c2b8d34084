// Package llm wraps a remote chat-completion service behind a bounded retry
// policy and a per-conversation context window.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrNoCompleter = errors.New("no completion service configured")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer is a remote completion service.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type CompleterFunc func(ctx context.Context, messages []Message) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// ProviderOptions selects and configures a model provider.
type ProviderOptions struct {
	// Type is "anthropic" or "openai". OpenAI-compatible endpoints such as
	// Groq use "openai" with a BaseURL.
	Type        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// ModelCompleter sends conversations through an agentsdk-go model provider.
type ModelCompleter struct {
	provider    model.Provider
	maxTokens   int
	temperature *float64
}

func NewModelCompleter(opts ProviderOptions) (*ModelCompleter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is empty", ErrNoCompleter)
	}
	temp := opts.Temperature

	var provider model.Provider
	switch opts.Type {
	case "", "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:      opts.APIKey,
			BaseURL:     opts.BaseURL,
			ModelName:   opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: &temp,
		}
	case "openai", "groq":
		provider = &model.OpenAIProvider{
			APIKey:      opts.APIKey,
			BaseURL:     opts.BaseURL,
			ModelName:   opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: &temp,
		}
	default:
		return nil, fmt.Errorf("unsupported provider type %q", opts.Type)
	}
	return &ModelCompleter{provider: provider, maxTokens: opts.MaxTokens, temperature: &temp}, nil
}

// Complete sends system messages as the request's system prompt and the
// rest as the conversation.
func (c *ModelCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("create model: %w", err)
	}

	var system []string
	req := model.Request{MaxTokens: c.maxTokens, Temperature: c.temperature}
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		req.Messages = append(req.Messages, model.Message{Role: m.Role, Content: m.Content})
	}
	req.System = strings.Join(system, "\n\n")

	resp, err := mdl.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if resp == nil {
		return "", errors.New("completion: empty response")
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", errors.New("completion: empty content")
	}
	return text, nil
}
