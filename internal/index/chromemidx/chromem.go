// Package chromemidx is an in-process vector index backed by chromem-go.
// Nothing is persisted; it suits tests, demos and short-lived workers.
package chromemidx

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
)

var _ index.Index = (*Index)(nil)

// Index keeps one chromem collection per namespace for vectors and a record
// table alongside it. chromem cannot hold a document without an embedding,
// so placeholders only live in the record table.
type Index struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	records     map[string]model.Record // keyed by namespace + id
}

// New creates an empty index.
func New() *Index {
	return &Index{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		records:     make(map[string]model.Record),
	}
}

func recordKey(ns model.Namespace, key string) string {
	return ns.String() + "/" + key
}

// collection returns the namespace's collection, creating it on first use.
func (x *Index) collection(ns model.Namespace) (*chromem.Collection, error) {
	name := "ns_" + ns.String()

	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}

	// No embedding func: vectors are always supplied by the caller.
	col, err := x.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %w", model.ErrIndexUnavailable, err)
	}
	x.collections[name] = col
	return col, nil
}

func (x *Index) Put(ctx context.Context, ns model.Namespace, key string, vec []float32, rec model.Record) error {
	if err := index.CheckNamespace(ns, key, &rec); err != nil {
		return err
	}
	rec.ID = key
	rec.Indexed = len(vec) > 0
	if err := rec.Validate(); err != nil {
		return err
	}

	col, err := x.collection(ns)
	if err != nil {
		return err
	}
	if rec.Indexed {
		doc := chromem.Document{
			ID:        key,
			Content:   rec.Summary,
			Embedding: append([]float32(nil), vec...),
			Metadata:  map[string]string{"category": string(rec.Category)},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("%w: add document: %w", model.ErrIndexUnavailable, err)
		}
	} else if err := col.Delete(ctx, nil, nil, key); err != nil {
		return fmt.Errorf("%w: drop vector: %w", model.ErrIndexUnavailable, err)
	}

	x.mu.Lock()
	x.records[recordKey(ns, key)] = rec.Clone()
	x.mu.Unlock()
	return nil
}

func (x *Index) UpdateRecord(_ context.Context, ns model.Namespace, rec model.Record) error {
	if err := index.CheckNamespace(ns, rec.ID, &rec); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	k := recordKey(ns, rec.ID)
	existing, ok := x.records[k]
	if !ok {
		return fmt.Errorf("update %s: %w", rec.ID, model.ErrNotFound)
	}
	rec.Indexed = existing.Indexed
	x.records[k] = rec.Clone()
	return nil
}

func (x *Index) Get(_ context.Context, ns model.Namespace, key string) (*model.Record, error) {
	if err := index.CheckNamespace(ns, key, nil); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec, ok := x.records[recordKey(ns, key)]
	if !ok {
		return nil, nil
	}
	c := rec.Clone()
	return &c, nil
}

func (x *Index) Search(ctx context.Context, ns model.Namespace, query []float32, filter index.Filter, limit int) ([]index.Hit, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if len(query) == 0 || limit <= 0 {
		return nil, nil
	}

	col, err := x.collection(ns)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults larger than the collection, and filters are
	// applied afterwards, so ask for everything.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", model.ErrIndexUnavailable, err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	hits := make([]index.Hit, 0, len(results))
	for _, res := range results {
		rec, ok := x.records[recordKey(ns, res.ID)]
		if !ok || !filter.Match(&rec) {
			continue
		}
		hits = append(hits, index.Hit{
			Record:     rec.Clone(),
			Similarity: index.ClampSimilarity(float64(res.Similarity)),
		})
	}
	index.SortHits(hits)
	return index.Truncate(hits, limit), nil
}

func (x *Index) Delete(ctx context.Context, ns model.Namespace, key string) error {
	if err := index.CheckNamespace(ns, key, nil); err != nil {
		return err
	}
	col, err := x.collection(ns)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, key); err != nil {
		return fmt.Errorf("%w: delete document: %w", model.ErrIndexUnavailable, err)
	}
	x.mu.Lock()
	delete(x.records, recordKey(ns, key))
	x.mu.Unlock()
	return nil
}

func (x *Index) Walk(ctx context.Context, fn func(model.Record) error) error {
	x.mu.RLock()
	all := make([]model.Record, 0, len(x.records))
	for _, rec := range x.records {
		all = append(all, rec.Clone())
	}
	x.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) Close() error { return nil }
