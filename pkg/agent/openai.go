package agent

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/waclaw/waclaw/pkg/config"
)

// openaiProvider talks to any OpenAI-compatible chat completion endpoint.
type openaiProvider struct {
	client openai.Client
	model  openai.ChatModel
}

func newOpenAIProvider(cfg config.AgentConfig) *openaiProvider {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openaiProvider{
		client: openai.NewClient(opts...),
		model:  openai.ChatModel(cfg.Model),
	}
}

func (p *openaiProvider) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{Model: p.model}
	if system != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(system))
	}
	for _, m := range messages {
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		} else {
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
