package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lazypower/persona/internal/config"
)

func TestNewClientNone(t *testing.T) {
	client, err := NewClient(config.LLMConfig{Provider: "none"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client != nil {
		t.Errorf("expected nil client, got %T", client)
	}
}

func TestNewClientAnthropic(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", AnthropicKey: "test-key", Model: "claude-haiku-4-5-20251001"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}
}

func TestNewClientAnthropicMissingKey(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Provider: "anthropic"})
	if err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestNewClientOllama(t *testing.T) {
	client, err := NewClient(config.LLMConfig{Provider: "ollama", OllamaModel: "llama3.2"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", client)
	}
}

func TestNewClientUnknown(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Provider: "gpt"})
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-haiku-4-5-20251001",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": `{"verdict":"same"}`}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	a := NewAnthropic("test-key", "claude-haiku-4-5-20251001", 64, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	resp, err := a.Complete(context.Background(), "compare")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"verdict":"same"}` || resp.TokensUsed != 14 || resp.Provider != "anthropic" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != false {
			t.Errorf("stream = %v, want false", req["stream"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.2",
			"response":          "[2, 1]",
			"done":              true,
			"prompt_eval_count": 20,
			"eval_count":        5,
		})
	}))
	defer srv.Close()

	o, err := NewOllama(srv.URL, "llama3.2", 64)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := o.Complete(context.Background(), "rank")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "[2, 1]" || resp.TokensUsed != 25 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPromptsCarryInputs(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   []string
	}{
		{"TriggerPrompt", TriggerPrompt([]string{"I just paid off my car"}, []string{"finance", "goals"}), []string{"1. I just paid off my car", "finance, goals"}},
		{"SameFactPrompt", SameFactPrompt("Saves 10%", "Saves 15%", "budget"), []string{"Saves 10%", "Saves 15%", `"budget"`}},
		{"RerankPrompt", RerankPrompt("rent", []string{"a", "b"}, 1), []string{"REQUEST: rent", "2. b", "at most 1"}},
		{"RefinePrompt", RefinePrompt("old", "new"), []string{"OLDER: old", "NEWER: new"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, w := range tt.want {
				if !strings.Contains(tt.prompt, w) {
					t.Errorf("%s missing %q", tt.name, w)
				}
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		input   string
		open    byte
		want    string
		wantErr bool
	}{
		{`{"verdict":"same"}`, '{', `{"verdict":"same"}`, false},
		{"```json\n{\"a\":1}\n```", '{', `{"a":1}`, false},
		{"Sure! Here you go: [1, 2] hope that helps", '[', "[1, 2]", false},
		{"no json here", '{', "", true},
		{"} backwards {", '{', "", true},
	}
	for _, tt := range tests {
		got, err := ExtractJSON(tt.input, tt.open)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractJSON(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{
		Response: &Response{Content: "test response", Provider: "mock"},
	}

	resp, err := mock.Complete(context.Background(), "test prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "test response" {
		t.Errorf("content = %q, want %q", resp.Content, "test response")
	}
	calls := mock.Calls()
	if len(calls) != 1 || calls[0] != "test prompt" {
		t.Errorf("calls = %v", calls)
	}
}

func TestNewClientWrapsTimeout(t *testing.T) {
	client, err := NewClient(config.LLMConfig{Provider: "anthropic", AnthropicKey: "k", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(timeoutClient); !ok {
		t.Errorf("expected timeoutClient, got %T", client)
	}
}

func TestWithTimeoutBoundsCall(t *testing.T) {
	slow := &MockClient{Respond: func(ctx context.Context, _ string) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := WithTimeout(slow, 10*time.Millisecond)

	start := time.Now()
	_, err := c.Complete(context.Background(), "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("call was not bounded")
	}
	if WithTimeout(slow, 0) != Client(slow) {
		t.Error("zero timeout should return the client unchanged")
	}
}
