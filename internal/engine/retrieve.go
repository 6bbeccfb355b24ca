package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/strategy"
)

// RetrieveRequest asks for the memories most useful for Query within a
// token budget. An empty KindWeights uses the configured weights.
type RetrieveRequest struct {
	OwnerID        string                 `json:"owner_id"`
	Query          string                 `json:"query"`
	KindWeights    map[model.Kind]float64 `json:"kind_weights,omitempty"`
	TokenBudget    int                    `json:"token_budget"`
	ReservedTokens int                    `json:"reserved_tokens"`
	Categories     []model.Category       `json:"categories,omitempty"`
	ScopeTags      []string               `json:"scope_tags,omitempty"`
	MinTrust       float64                `json:"min_trust,omitempty"`
}

// ScoredMemory is one retrieved record with its ranking inputs.
type ScoredMemory struct {
	Record     model.Record `json:"record"`
	Score      float64      `json:"score"`
	Similarity float64      `json:"similarity"`
}

// RetrieveResult lists memories grouped by kind in the order semantic,
// episodic, procedural. Omitted names kinds whose index could not be read.
type RetrieveResult struct {
	Memories []ScoredMemory     `json:"memories"`
	Slots    map[model.Kind]int `json:"slots"`
	Omitted  []model.Kind       `json:"omitted,omitempty"`
}

// Ranker answers retrieval requests. It takes no locks; access bookkeeping
// is handed to the worker pool.
type Ranker struct {
	cfg      config.RetrievalConfig
	indexTO  time.Duration
	bands    []config.HalfLifeBand
	idx      index.Index
	dedup    *Deduper
	reranker strategy.Reranker
	pool     *Pool
	locks    *keyedMutex
	now      func() time.Time
	log      *log.Logger
}

func (r *Ranker) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveResult, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return RetrieveResult{}, fmt.Errorf("%w: owner id required", model.ErrInvalidRecord)
	}
	for _, c := range req.Categories {
		if !c.Valid() {
			return RetrieveResult{}, fmt.Errorf("%w: unknown category %q", model.ErrInvalidRecord, c)
		}
	}
	weights := req.KindWeights
	if len(weights) == 0 {
		weights = defaultKindWeights(r.cfg)
	}
	for k := range weights {
		if !k.Valid() {
			return RetrieveResult{}, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidRecord, k)
		}
	}

	res := RetrieveResult{Slots: AllocateSlots(req.TokenBudget, req.ReservedTokens, weights, kindBudgets(r.cfg))}
	if len(res.Slots) == 0 {
		return res, nil
	}

	vec, err := r.dedup.Embed(ctx, req.Query)
	if err != nil {
		r.log.Warn("query embedding failed, returning nothing", "owner", req.OwnerID, "err", err)
		for _, k := range model.Kinds {
			if res.Slots[k] > 0 {
				res.Omitted = append(res.Omitted, k)
			}
		}
		return res, nil
	}

	perKind := make([][]ScoredMemory, len(model.Kinds))
	failed := make([]bool, len(model.Kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range model.Kinds {
		if res.Slots[k] == 0 {
			continue
		}
		g.Go(func() error {
			mems, err := r.fetchKind(gctx, req, k, vec, res.Slots[k])
			if err != nil {
				// One kind failing must not fail the others.
				r.log.Warn("kind omitted", "owner", req.OwnerID, "kind", k, "err", err)
				failed[i] = true
				return nil
			}
			perKind[i] = mems
			return nil
		})
	}
	_ = g.Wait()

	for i, k := range model.Kinds {
		if failed[i] {
			res.Omitted = append(res.Omitted, k)
			continue
		}
		res.Memories = append(res.Memories, perKind[i]...)
	}
	r.touch(res.Memories)
	return res, nil
}

func (r *Ranker) fetchKind(ctx context.Context, req RetrieveRequest, k model.Kind, vec []float32, slots int) ([]ScoredMemory, error) {
	sctx, cancel := withTimeout(ctx, r.indexTO)
	defer cancel()
	ns := model.Namespace{OwnerID: req.OwnerID, Kind: k}
	hits, err := r.idx.Search(sctx, ns, vec, index.Filter{Categories: req.Categories, MinTrust: req.MinTrust}, r.cfg.Candidates)
	if err != nil {
		return nil, err
	}

	now := r.now()
	scored := make([]ScoredMemory, 0, len(hits))
	for _, h := range hits {
		if !h.Record.Live() || h.Record.OwnerID != req.OwnerID {
			continue
		}
		scored = append(scored, ScoredMemory{
			Record:     h.Record,
			Similarity: h.Similarity,
			Score:      r.score(h, req.ScopeTags, now),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Record.ID < scored[j].Record.ID
	})

	shortlist := scored[:min(len(scored), max(r.cfg.Shortlist, slots))]
	n := min(slots, len(shortlist))
	if n == 0 {
		return nil, nil
	}
	out := make([]ScoredMemory, 0, n)
	for _, i := range r.rerank(ctx, req.Query, shortlist, n) {
		out = append(out, shortlist[i])
	}
	return out, nil
}

// score combines similarity with importance, recency, scope and trust.
// Recency reads the decay curve without changing the record.
func (r *Ranker) score(h index.Hit, scope []string, now time.Time) float64 {
	rec := h.Record
	w := r.cfg.Weights
	recency := CurrentWeight(1, daysSince(rec.LastAccessedAt, now), HalfLifeDays(r.bands, rec.Importance))
	return w.Similarity*h.Similarity +
		w.Importance*rec.Importance +
		w.Recency*recency +
		w.Scope*scopeMatch(rec, scope) +
		w.Trust*rec.SourceTrust
}

func scopeMatch(rec model.Record, scope []string) float64 {
	if len(scope) == 0 {
		return 1
	}
	for _, s := range scope {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == string(rec.Category) || rec.HasTag(s) {
			return 1
		}
	}
	return 0
}

// rerank returns n indexes into items. Reranker failures, and picks that
// come up short, are filled from score order.
func (r *Ranker) rerank(ctx context.Context, query string, items []ScoredMemory, n int) []int {
	var picks []int
	if r.reranker != nil && n < len(items) {
		recs := make([]model.Record, len(items))
		for i, it := range items {
			recs[i] = it.Record
		}
		rctx, cancel := withTimeout(ctx, r.cfg.RerankTimeout)
		got, err := r.reranker.Rerank(rctx, query, recs, n)
		cancel()
		if err != nil {
			r.log.Debug("rerank failed, using score order", "err", err)
			got = nil
		}
		for _, i := range got {
			if i >= 0 && i < len(items) && !slices.Contains(picks, i) && len(picks) < n {
				picks = append(picks, i)
			}
		}
	}
	for i := 0; len(picks) < n && i < len(items); i++ {
		if !slices.Contains(picks, i) {
			picks = append(picks, i)
		}
	}
	return picks
}

// touch records the access on the worker pool. It never changes importance.
func (r *Ranker) touch(mems []ScoredMemory) {
	if len(mems) == 0 || r.pool == nil {
		return
	}
	type ref struct {
		ns model.Namespace
		id string
	}
	refs := make([]ref, len(mems))
	for i, m := range mems {
		refs[i] = ref{m.Record.Namespace(), m.Record.ID}
	}

	r.pool.Submit(Task{
		Name:    fmt.Sprintf("touch %d records", len(refs)),
		OwnerID: mems[0].Record.OwnerID,
		Run: func(ctx context.Context) error {
			now := r.now()
			for _, rf := range refs {
				if err := r.touchOne(ctx, rf.ns, rf.id, now); err != nil {
					r.log.Debug("touch failed", "id", rf.id, "err", err)
				}
			}
			return nil
		},
	})
}

func (r *Ranker) touchOne(ctx context.Context, ns model.Namespace, id string, now time.Time) error {
	unlock := r.locks.Lock(ns.String())
	defer unlock()

	rec, err := r.idx.Get(ctx, ns, id)
	if err != nil || rec == nil || !rec.Live() {
		return err
	}
	// Access bookkeeping leaves Version alone: merges and decay re-read the
	// record under the same lock, so an in-flight merge stays valid.
	rec.AccessCount++
	rec.LastAccessedAt = now
	return r.idx.UpdateRecord(ctx, ns, *rec)
}
