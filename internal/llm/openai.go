package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI calls an OpenAI-compatible chat completions endpoint. Groq is
// reached through the same client with a different base URL.
type OpenAI struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenAI creates a chat completions provider. baseURL may be empty.
func NewOpenAI(name, apiKey, baseURL, model string, extra ...option.RequestOption) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
		name:   name,
	}
}

// Name returns the provider name.
func (o *OpenAI) Name() string { return o.name }

// Generate sends one system and one user message.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(BuildPrompt(req)),
		},
		MaxTokens: openai.Int(int64(maxTokens(req))),
	})
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
