package embed

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/lazypower/persona/internal/config"
)

const defaultOpenAIModel = "text-embedding-3-small"

// New builds the configured embedder, wrapped in a cache. corpus supplies
// existing summaries for the TF-IDF fallback and is only called when that
// fallback is chosen.
//
// Provider "auto" tries Ollama, then OpenAI when a key is configured, then
// falls back to TF-IDF.
func New(ctx context.Context, cfg config.EmbedderConfig, corpus func() []string) (*Cached, error) {
	inner, err := pick(ctx, cfg, corpus)
	if err != nil {
		return nil, err
	}
	log.Info("embedder selected", "model", inner.Model(), "dims", inner.Dimensions())
	return NewCached(inner, cfg.CacheEntries)
}

func pick(ctx context.Context, cfg config.EmbedderConfig, corpus func() []string) (Embedder, error) {
	tfidf := func() Embedder {
		var docs []string
		if corpus != nil {
			docs = corpus()
		}
		return NewTFIDF(docs, 512)
	}

	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("embedder.openai_key is required for the openai provider")
		}
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIURL, cfg.Model, cfg.Dimensions), nil
	case "tfidf":
		return tfidf(), nil
	case "hash":
		return NewHash(cfg.Dimensions), nil
	case "auto", "":
		if ProbeOllama(ctx, cfg.OllamaURL, cfg.Model) {
			return NewOllama(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
		}
		if cfg.OpenAIKey != "" {
			// The configured model names an Ollama model here.
			return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIURL, defaultOpenAIModel, cfg.Dimensions), nil
		}
		log.Warn("no embedding server reachable, using tf-idf fallback", "ollama", cfg.OllamaURL)
		return tfidf(), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}
