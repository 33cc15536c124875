// Package llm provides text and structured generation over hosted language
// models. OpenAI-compatible endpoints (OpenAI, OpenRouter) and Anthropic are
// supported behind one Client interface.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jakebbass/afilli/internal/config"
)

// ErrNoJSON is returned by GenerateObject when the reply holds no JSON value.
var ErrNoJSON = errors.New("llm: reply contains no JSON")

// Client generates text and structured values from prompts.
type Client interface {
	// Name returns the provider identifier.
	Name() string

	// GenerateText returns the model's reply to req.
	GenerateText(ctx context.Context, req Request) (*Result, error)

	// GenerateObject asks for a JSON reply and decodes it into out.
	GenerateObject(ctx context.Context, req Request, out any) error
}

// Request is one single-turn generation.
type Request struct {
	System      string   // Optional system instructions
	Prompt      string   // User prompt
	Temperature *float64 // Overrides the client default when set
	MaxTokens   int64    // Overrides the client default when > 0
}

// Result holds a completed generation.
type Result struct {
	Text         string        // Reply text
	Model        string        // Model that served the request
	InputTokens  int64         // Prompt tokens billed
	OutputTokens int64         // Completion tokens billed
	Duration     time.Duration // Round trip time
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 { return &t }

const jsonInstruction = "Respond with a single JSON value only. Do not wrap it in prose or code fences."

type settings struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int64
	httpClient  *http.Client
}

// Option configures a provider client.
type Option func(*settings)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.apiKey = key }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *settings) { s.temperature = t }
}

// WithMaxTokens sets the default reply length cap.
func WithMaxTokens(n int64) Option {
	return func(s *settings) { s.maxTokens = n }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

func newSettings(defaultModel string, opts []Option) settings {
	s := settings{
		model:       defaultModel,
		temperature: 0.7,
		maxTokens:   2000,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) temperatureFor(req Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return s.temperature
}

func (s settings) maxTokensFor(req Request) int64 {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return s.maxTokens
}

// New builds the client selected by cfg.
func New(cfg config.LLMConfig, timeout time.Duration) (Client, error) {
	opts := []Option{
		WithAPIKey(cfg.APIKey),
		WithModel(cfg.Model),
		WithTemperature(cfg.Temperature),
		WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(int64(cfg.MaxTokens)))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	switch cfg.Provider {
	case "openai", "openrouter":
		return NewOpenAI(cfg.Provider, opts...), nil
	case "anthropic":
		return NewAnthropic(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLLMProvider, cfg.Provider)
	}
}

// generateObject is the shared GenerateObject implementation.
func generateObject(ctx context.Context, c Client, req Request, out any) error {
	if req.System == "" {
		req.System = jsonInstruction
	} else {
		req.System += "\n\n" + jsonInstruction
	}
	res, err := c.GenerateText(ctx, req)
	if err != nil {
		return err
	}
	raw := ExtractJSON([]byte(res.Text))
	if raw == nil {
		return ErrNoJSON
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s reply: %w", c.Name(), err)
	}
	return nil
}

// ExtractJSON returns the first balanced JSON object or array in text, or nil.
func ExtractJSON(text []byte) []byte {
	if json.Valid(text) {
		return text
	}
	for start, b := range text {
		if b != '{' && b != '[' {
			continue
		}
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(text); i++ {
			c := text[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{' || c == '[':
				depth++
			case c == '}' || c == ']':
				depth--
			}
			if depth == 0 && !inString {
				if candidate := text[start : i+1]; json.Valid(candidate) {
					return candidate
				}
				break
			}
		}
	}
	return nil
}
