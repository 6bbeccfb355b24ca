// Package index defines the vector index contract the engine is written
// against. Backends live in internal/store (SQLite), chromemidx and pgstore.
package index

import (
	"context"
	"math"
	"slices"
	"sort"

	"github.com/lazypower/persona/internal/model"
)

// Index is a namespaced nearest-neighbor store over memory records.
//
// Every call carries a namespace and implementations never return a record
// from a different namespace.
type Index interface {
	// Put upserts the record under key. A nil vector stores a non-indexed
	// placeholder and drops any vector previously held for key.
	Put(ctx context.Context, ns model.Namespace, key string, vec []float32, rec model.Record) error

	// UpdateRecord rewrites the record's fields and keeps its vector.
	// Returns model.ErrNotFound if key does not exist in ns.
	UpdateRecord(ctx context.Context, ns model.Namespace, rec model.Record) error

	// Get returns the record, or nil if not found.
	Get(ctx context.Context, ns model.Namespace, key string) (*model.Record, error)

	// Search returns up to limit live, indexed records ordered by descending
	// similarity. An empty query yields no results.
	Search(ctx context.Context, ns model.Namespace, query []float32, filter Filter, limit int) ([]Hit, error)

	Delete(ctx context.Context, ns model.Namespace, key string) error

	// Walk visits every record in every namespace, including archived and
	// deleted ones. fn may write to the index.
	Walk(ctx context.Context, fn func(model.Record) error) error

	Close() error
}

// Filter narrows a search by equality on record metadata.
type Filter struct {
	Categories []model.Category
	MinTrust   float64
}

// Match reports whether a live record passes the filter.
func (f Filter) Match(r *model.Record) bool {
	if !r.Live() {
		return false
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, r.Category) {
		return false
	}
	return r.SourceTrust >= f.MinTrust
}

// CategoryStrings returns the filter categories as plain strings, or nil.
func (f Filter) CategoryStrings() []string {
	if len(f.Categories) == 0 {
		return nil
	}
	out := make([]string, len(f.Categories))
	for i, c := range f.Categories {
		out[i] = string(c)
	}
	return out
}

// Hit is a search result.
type Hit struct {
	Record     model.Record
	Similarity float64 // in [0,1], higher is closer
}

// Cosine returns the cosine similarity of a and b clamped to [0,1].
// Mismatched or empty vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return ClampSimilarity(dot / denom)
}

// ClampSimilarity folds a raw cosine score into [0,1].
func ClampSimilarity(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// SortHits orders hits by similarity, breaking ties by id for stable output.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
}

// Truncate returns at most limit hits. A non-positive limit returns none.
func Truncate(hits []Hit, limit int) []Hit {
	if limit <= 0 {
		return nil
	}
	if len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

// CheckNamespace validates ns and that rec belongs to it under key.
func CheckNamespace(ns model.Namespace, key string, rec *model.Record) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if key == "" {
		return model.ErrInvalidRecord
	}
	if rec == nil {
		return nil
	}
	if rec.OwnerID != ns.OwnerID || rec.Kind != ns.Kind {
		return model.ErrInvalidRecord
	}
	if rec.ID != "" && rec.ID != key {
		return model.ErrInvalidRecord
	}
	return nil
}
