package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jakebbass/afilli/internal/config"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":[1,2]}\n```", `{"a":[1,2]}`},
		{"prose around", `Sure! Here it is: ["x","y"] hope that helps`, `["x","y"]`},
		{"brace inside string", `note {"q":"a } b"} end`, `{"q":"a } b"}`},
		{"invalid first candidate", `{oops} then {"ok":true}`, `{"ok":true}`},
		{"none", "no json here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(ExtractJSON([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOpenAIGenerateText(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "openai/gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "five queries"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAI("openrouter", WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"), WithModel("openai/gpt-4o-mini"))
	res, err := c.GenerateText(context.Background(), Request{System: "be brief", Prompt: "search ideas"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "five queries" || res.InputTokens != 12 || res.OutputTokens != 3 {
		t.Errorf("result = %+v", res)
	}
	if got.Model != "openai/gpt-4o-mini" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("request = %+v", got)
	}
	if c.Name() != "openrouter" {
		t.Errorf("name = %q", c.Name())
	}
}

func TestOpenAIGenerateObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "single JSON value") {
			t.Errorf("JSON instruction missing from request")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-2", "object": "chat.completion", "created": 1, "model": "m",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "`+"```json\\n{\\\"score\\\": 72}\\n```"+`"}}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAI("openai", WithBaseURL(srv.URL+"/"), WithAPIKey("k"))
	var out struct {
		Score int `json:"score"`
	}
	if err := c.GenerateObject(context.Background(), Request{Prompt: "score it"}, &out); err != nil {
		t.Fatalf("generate object: %v", err)
	}
	if out.Score != 72 {
		t.Errorf("score = %d, want 72", out.Score)
	}
}

func TestOpenAIErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAI("openai", WithBaseURL(srv.URL+"/"), WithAPIKey("k"))
	if _, err := c.GenerateText(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestAnthropicGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "ant-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("X-Api-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "Subject: Hello\nBody"}],
			"stop_reason": "end_turn", "stop_sequence": null,
			"usage": {"input_tokens": 9, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	c := NewAnthropic(WithAPIKey("ant-key"), WithBaseURL(srv.URL+"/"))
	res, err := c.GenerateText(context.Background(), Request{Prompt: "write"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Subject: Hello\nBody" || res.InputTokens != 9 {
		t.Errorf("result = %+v", res)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{"openrouter", "openrouter", false},
		{"openai", "openai", false},
		{"anthropic", "anthropic", false},
		{"cohere", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			c, err := New(config.LLMConfig{Provider: tt.provider, Model: "m"}, 0)
			if tt.wantErr {
				if !errors.Is(err, config.ErrInvalidLLMProvider) {
					t.Fatalf("err = %v, want ErrInvalidLLMProvider", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("name = %q, want %q", c.Name(), tt.want)
			}
		})
	}
}
