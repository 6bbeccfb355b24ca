package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/strategy"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var indexFilterAll = index.Filter{}

// fakeIndex is an in-memory index.Index. When sims holds an id, Search
// reports that literal similarity instead of computing cosine.
type fakeIndex struct {
	mu      sync.Mutex
	records map[string]model.Record
	vectors map[string][]float32
	sims    map[string]float64

	ignoreFilter bool                     // return neighbors of every category
	searchErr    map[model.Kind]error     // per-kind search failure
	onSearch     func(ns model.Namespace) // called before every search
	puts         atomic.Int32
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		records:   make(map[string]model.Record),
		vectors:   make(map[string][]float32),
		sims:      make(map[string]float64),
		searchErr: make(map[model.Kind]error),
	}
}

func fkey(ns model.Namespace, id string) string { return ns.String() + "/" + id }

func (f *fakeIndex) Put(_ context.Context, ns model.Namespace, key string, vec []float32, rec model.Record) error {
	if err := index.CheckNamespace(ns, key, &rec); err != nil {
		return err
	}
	rec.ID = key
	rec.Indexed = len(vec) > 0
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts.Add(1)
	f.records[fkey(ns, key)] = rec.Clone()
	if rec.Indexed {
		f.vectors[fkey(ns, key)] = append([]float32(nil), vec...)
	} else {
		delete(f.vectors, fkey(ns, key))
	}
	return nil
}

func (f *fakeIndex) UpdateRecord(_ context.Context, ns model.Namespace, rec model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.records[fkey(ns, rec.ID)]
	if !ok {
		return fmt.Errorf("update %s: %w", rec.ID, model.ErrNotFound)
	}
	rec.Indexed = old.Indexed
	f.records[fkey(ns, rec.ID)] = rec.Clone()
	return nil
}

func (f *fakeIndex) Get(_ context.Context, ns model.Namespace, key string) (*model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[fkey(ns, key)]
	if !ok {
		return nil, nil
	}
	c := rec.Clone()
	return &c, nil
}

func (f *fakeIndex) Search(_ context.Context, ns model.Namespace, query []float32, filter index.Filter, limit int) ([]index.Hit, error) {
	if f.onSearch != nil {
		f.onSearch(ns)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.searchErr[ns.Kind]; err != nil {
		return nil, err
	}
	var hits []index.Hit
	for k, rec := range f.records {
		vec, ok := f.vectors[k]
		if !ok || rec.Namespace() != ns {
			continue
		}
		if f.ignoreFilter {
			if !rec.Live() {
				continue
			}
		} else if !filter.Match(&rec) {
			continue
		}
		sim, ok := f.sims[rec.ID]
		if !ok {
			sim = index.Cosine(query, vec)
		}
		hits = append(hits, index.Hit{Record: rec.Clone(), Similarity: sim})
	}
	index.SortHits(hits)
	return index.Truncate(hits, limit), nil
}

func (f *fakeIndex) Delete(_ context.Context, ns model.Namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, fkey(ns, key))
	delete(f.vectors, fkey(ns, key))
	return nil
}

func (f *fakeIndex) Walk(ctx context.Context, fn func(model.Record) error) error {
	f.mu.Lock()
	all := make([]model.Record, 0, len(f.records))
	for _, r := range f.records {
		all = append(all, r.Clone())
	}
	f.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, r := range all {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeIndex) Close() error { return nil }

// all returns every record in ns.
func (f *fakeIndex) all(ns model.Namespace) []model.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Record
	for _, r := range f.records {
		if r.Namespace() == ns {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fakeEmbedder maps text to a fixed vector; unknown text embeds to def.
type fakeEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	def   []float32
	err   error
	calls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: make(map[string][]float32), def: []float32{1, 0, 0}}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	return f.def, nil
}

func (f *fakeEmbedder) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEmbedder) Model() string   { return "fake" }
func (f *fakeEmbedder) Dimensions() int { return 3 }

// funcClassifier adapts a func to strategy.SameFactClassifier.
type funcClassifier func(ctx context.Context, existing, incoming model.Record) (strategy.Verdict, error)

func (f funcClassifier) Classify(ctx context.Context, existing, incoming model.Record, _ model.Category) (strategy.Verdict, error) {
	return f(ctx, existing, incoming)
}

type funcRefiner func(ctx context.Context, existing, incoming string) (string, error)

func (f funcRefiner) Refine(ctx context.Context, existing, incoming string) (string, error) {
	return f(ctx, existing, incoming)
}

type funcReranker func(ctx context.Context, query string, items []model.Record, n int) ([]int, error)

func (f funcReranker) Rerank(ctx context.Context, query string, items []model.Record, n int) ([]int, error) {
	return f(ctx, query, items, n)
}

type funcTrigger func(ctx context.Context, turns []strategy.Turn) (strategy.TriggerDecision, error)

func (f funcTrigger) Decide(ctx context.Context, turns []strategy.Turn) (strategy.TriggerDecision, error) {
	return f(ctx, turns)
}

// recordingSink keeps every signal.
type recordingSink struct {
	mu   sync.Mutex
	sigs []Signal
}

func (r *recordingSink) Emit(s Signal) {
	r.mu.Lock()
	r.sigs = append(r.sigs, s)
	r.mu.Unlock()
}

func (r *recordingSink) types() []SignalType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SignalType, len(r.sigs))
	for i, s := range r.sigs {
		out[i] = s.Type
	}
	return out
}

type harness struct {
	engine   *Engine
	idx      *fakeIndex
	embedder *fakeEmbedder
	signals  *recordingSink
	clock    *time.Time
	ids      atomic.Int32
}

type harnessOpt func(*Options)

func withStrategies(s strategy.Set) harnessOpt {
	return func(o *Options) { o.Strategies = s }
}

func withConfig(fn func(*config.Config)) harnessOpt {
	return func(o *Options) { fn(&o.Config) }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		idx:      newFakeIndex(),
		embedder: newFakeEmbedder(),
		signals:  &recordingSink{},
	}
	now := testNow
	h.clock = &now

	o := Options{
		Config:   config.Default(),
		Index:    h.idx,
		Embedder: h.embedder,
		Signals:  h.signals,
		Logger:   log.New(testWriter{t}),
		Now:      func() time.Time { return *h.clock },
		NewID:    func() string { return fmt.Sprintf("id-%03d", h.ids.Add(1)) },
	}
	o.Config.Workers.InitialBackoff = time.Millisecond
	o.Config.Workers.MaxBackoff = 5 * time.Millisecond
	for _, fn := range opts {
		fn(&o)
	}

	e, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop(context.Background()) })
	h.engine = e
	return h
}

// drain waits for queued work and stops the pool.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(ctx))
}

// seed stores a record directly in the index.
func (h *harness) seed(t *testing.T, rec model.Record, vec []float32) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = *h.clock
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = rec.CreatedAt
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.Valence == "" {
		rec.Valence = model.ValenceNeutral
	}
	require.NoError(t, h.idx.Put(context.Background(), rec.Namespace(), rec.ID, vec, rec))
}

func semantic(id string, cat model.Category, summary string) model.Record {
	return model.Record{
		ID: id, OwnerID: "u1", Kind: model.KindSemantic, Category: cat,
		Summary: summary, SourceTrust: 0.6, Importance: 0.5,
	}
}

func candidate(id string, cat model.Category, summary string) model.Candidate {
	return model.Candidate{
		ProvisionalID: id, OwnerID: "u1", Kind: model.KindSemantic, Category: cat,
		Summary: summary, SourceTrust: 0.6, Valence: model.ValenceNeutral,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
