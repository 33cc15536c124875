package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic talks to the Messages API.
type Anthropic struct {
	client   anthropic.Client
	settings settings
}

// NewAnthropic creates a Messages API client.
func NewAnthropic(opts ...Option) *Anthropic {
	s := newSettings(string(anthropic.ModelClaude3_5Sonnet20241022), opts)
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
	return &Anthropic{
		client:   anthropic.NewClient(clientOpts...),
		settings: s,
	}
}

// Name returns "anthropic".
func (c *Anthropic) Name() string {
	return "anthropic"
}

// GenerateText sends a single user message.
func (c *Anthropic) GenerateText(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.settings.model),
		MaxTokens:   c.settings.maxTokensFor(req),
		Temperature: anthropic.Float(c.settings.temperatureFor(req)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return &Result{
		Text:         text.String(),
		Model:        string(resp.Model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Duration:     time.Since(start),
	}, nil
}

// GenerateObject decodes a JSON reply into out.
func (c *Anthropic) GenerateObject(ctx context.Context, req Request, out any) error {
	return generateObject(ctx, c, req, out)
}
