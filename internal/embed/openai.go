package embed

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI embeds text with the OpenAI embeddings endpoint, or any server
// that speaks the same API.
type OpenAI struct {
	client openai.Client
	model  string
	dims   int
}

// NewOpenAI creates an embedder. baseURL may be empty for the public API.
// A positive dims asks the model to shorten its vectors to that width.
func NewOpenAI(apiKey, baseURL, model string, dims int, opts ...option.RequestOption) *OpenAI {
	o := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		o = append(o, option.WithBaseURL(baseURL))
	}
	o = append(o, opts...)
	return &OpenAI{
		client: openai.NewClient(o...),
		model:  model,
		dims:   dims,
	}
}

func (e *OpenAI) Model() string   { return "openai:" + e.model }
func (e *OpenAI) Dimensions() int { return e.dims }

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
	}
	if e.dims > 0 {
		params.Dimensions = openai.Int(int64(e.dims))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, unavailable("openai", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, unavailable("openai", errors.New("no embeddings returned"))
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
