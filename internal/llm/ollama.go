package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// Ollama calls a local Ollama instance.
type Ollama struct {
	client    *api.Client
	model     string
	maxTokens int
}

// NewOllama creates a new Ollama client.
func NewOllama(rawURL, model string, maxTokens int) (*Ollama, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return &Ollama{
		client:    api.NewClient(u, &http.Client{Timeout: 120 * time.Second}),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Complete sends a prompt to Ollama's generate endpoint.
func (o *Ollama) Complete(ctx context.Context, prompt string) (*Response, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.2,
			"num_predict": o.maxTokens,
		},
	}

	var (
		text   strings.Builder
		tokens int
	)
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			tokens = resp.PromptEvalCount + resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama api: %w", err)
	}

	return &Response{
		Content:    text.String(),
		Provider:   "ollama",
		TokensUsed: tokens,
	}, nil
}
