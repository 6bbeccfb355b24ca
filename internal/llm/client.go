// Package llm holds the completion clients that back the LLM strategies.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/persona/internal/config"
)

const (
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
	defaultOllamaModel    = "llama3.2"
	defaultOllamaURL      = "http://localhost:11434"
)

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates the configured client, bounded by cfg.Timeout per call.
// Provider "none" returns a nil client; callers fall back to rule-based
// strategies.
func NewClient(cfg config.LLMConfig) (Client, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	var c Client
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or llm.anthropic_key")
		}
		c = NewAnthropic(cfg.AnthropicKey, orDefault(cfg.Model, defaultAnthropicModel), maxTokens)
	case "ollama":
		o, err := NewOllama(orDefault(cfg.OllamaURL, defaultOllamaURL), orDefault(cfg.OllamaModel, defaultOllamaModel), maxTokens)
		if err != nil {
			return nil, err
		}
		c = o
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	return WithTimeout(c, cfg.Timeout), nil
}

// WithTimeout bounds every Complete call on c by d. A zero d returns c.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return timeoutClient{inner: c, d: d}
}

type timeoutClient struct {
	inner Client
	d     time.Duration
}

func (t timeoutClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Complete(ctx, prompt)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
