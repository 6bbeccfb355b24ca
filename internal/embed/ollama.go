package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
)

// Ollama embeds text with a local Ollama server.
type Ollama struct {
	client *api.Client
	model  string
	dims   atomic.Int64
}

// NewOllama creates an embedder for the given server and model. dims is a
// hint; it is replaced by the width of the first vector the server returns.
func NewOllama(rawURL, model string, dims int) (*Ollama, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	o := &Ollama{
		client: api.NewClient(u, &http.Client{Timeout: 30 * time.Second}),
		model:  model,
	}
	o.dims.Store(int64(dims))
	return o, nil
}

func (o *Ollama) Model() string   { return "ollama:" + o.model }
func (o *Ollama) Dimensions() int { return int(o.dims.Load()) }

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, unavailable("ollama", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, unavailable("ollama", errors.New("no embeddings returned"))
	}
	vec := resp.Embeddings[0]
	o.dims.Store(int64(len(vec)))
	return vec, nil
}

// ProbeOllama checks if Ollama is reachable and the embedding model is available.
func ProbeOllama(ctx context.Context, rawURL, model string) bool {
	o, err := NewOllama(rawURL, model, 0)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = o.Embed(ctx, "test")
	return err == nil
}
