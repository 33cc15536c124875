package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI talks to the Chat Completions API or any compatible endpoint.
type OpenAI struct {
	name     string
	client   openai.Client
	settings settings
}

// NewOpenAI creates a chat completions client. name is reported by Name
// and distinguishes OpenRouter from OpenAI in logs.
func NewOpenAI(name string, opts ...Option) *OpenAI {
	s := newSettings(openai.ChatModelGPT4oMini, opts)
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if s.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(s.apiKey))
	}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(s.httpClient))
	}
	return &OpenAI{
		name:     name,
		client:   openai.NewClient(clientOpts...),
		settings: s,
	}
}

// Name returns the configured provider name.
func (c *OpenAI) Name() string {
	return c.name
}

// GenerateText sends a single-turn chat completion.
func (c *OpenAI) GenerateText(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.settings.model,
		Temperature:         openai.Float(c.settings.temperatureFor(req)),
		MaxCompletionTokens: openai.Int(c.settings.maxTokensFor(req)),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s api error: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New(c.name + ": no choices returned")
	}
	return &Result{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}

// GenerateObject decodes a JSON reply into out.
func (c *OpenAI) GenerateObject(ctx context.Context, req Request, out any) error {
	return generateObject(ctx, c, req, out)
}
