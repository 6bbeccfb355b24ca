package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// Hash derives a deterministic unit vector from the text's hash. Identical
// text embeds identically; anything else is effectively orthogonal. It needs
// no model and is used for tests and offline runs.
type Hash struct {
	dims int
}

func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = 384
	}
	return &Hash{dims: dims}
}

func (h *Hash) Model() string   { return "hash" }
func (h *Hash) Dimensions() int { return h.dims }

func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	f := fnv.New64a()
	f.Write([]byte(text))
	seed := f.Sum64()

	vec := make([]float32, h.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	normalize(vec)
	return vec, nil
}
