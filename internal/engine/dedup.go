package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/embed"
	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/strategy"
)

// Action is what dedup decided to do with a candidate.
type Action int

const (
	ActionCreate Action = iota
	ActionUpdate
	ActionClassify
)

func (a Action) String() string {
	switch a {
	case ActionUpdate:
		return "update"
	case ActionClassify:
		return "classify"
	default:
		return "create"
	}
}

// Decision carries dedup's verdict and everything apply needs to act on it.
type Decision struct {
	Action Action
	// Target is a snapshot of the neighbor taken at decision time. Its
	// Version is checked again before a merge is applied.
	Target     *model.Record
	Similarity float64
	// Vector is the candidate's embedding, nil when embedding failed.
	Vector []float32
	// Supersedes names a record to mark as replaced once the candidate is
	// created.
	Supersedes string
}

// Deduper decides whether a candidate is new, an update of an existing
// record, or close enough that the classifier must judge.
type Deduper struct {
	cfg        config.DedupConfig
	embedTO    time.Duration
	idx        index.Index
	embedder   embed.Embedder
	classifier strategy.SameFactClassifier
	now        func() time.Time
	log        *log.Logger
}

func (d *Deduper) thresholds(k model.Kind) config.Thresholds {
	switch k {
	case model.KindEpisodic:
		return d.cfg.Episodic
	case model.KindProcedural:
		return d.cfg.Procedural
	default:
		return d.cfg.Semantic
	}
}

// Embed returns the candidate's vector, or nil with an error wrapping
// model.ErrEmbeddingUnavailable.
func (d *Deduper) Embed(ctx context.Context, summary string) ([]float32, error) {
	if d.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", model.ErrEmbeddingUnavailable)
	}
	ctx, cancel := withTimeout(ctx, d.embedTO)
	defer cancel()
	vec, err := d.embedder.Embed(ctx, summary)
	if err != nil {
		if !errors.Is(err, model.ErrEmbeddingUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	return vec, nil
}

// Decide embeds the candidate and matches it against its namespace. An
// embedding failure yields Create with no vector. A failed neighbor search
// is returned: creating without knowing the neighbors could duplicate.
func (d *Deduper) Decide(ctx context.Context, c model.Candidate) (Decision, error) {
	vec, err := d.Embed(ctx, c.Summary)
	if err != nil {
		d.log.Warn("embedding failed, storing placeholder", "provisional", c.ProvisionalID, "err", err)
		return Decision{Action: ActionCreate, Supersedes: c.Supersedes}, nil
	}
	return d.Match(ctx, c, vec)
}

// Match routes a candidate by its best qualifying neighbor.
func (d *Deduper) Match(ctx context.Context, c model.Candidate, vec []float32) (Decision, error) {
	dec := Decision{Action: ActionCreate, Vector: vec}
	if c.Supersedes != "" {
		dec.Supersedes = c.Supersedes
		return dec, nil
	}
	if len(vec) == 0 {
		return dec, nil
	}

	sctx, cancel := withTimeout(ctx, d.cfg.IndexTimeout)
	defer cancel()
	hits, err := d.idx.Search(sctx, c.Namespace(), vec, index.Filter{Categories: []model.Category{c.Category}}, d.cfg.Neighbors)
	if err != nil {
		return Decision{}, fmt.Errorf("neighbors of %s: %w", c.ProvisionalID, err)
	}

	now := d.now()
	var best *index.Hit
	for i := range hits {
		h := &hits[i]
		switch {
		case h.Record.ID == c.ProvisionalID:
			continue
		case h.Record.Category != c.Category:
			// Different categories never merge.
			continue
		case !h.Record.Live():
			continue
		case c.Kind == model.KindEpisodic && now.Sub(h.Record.CreatedAt) > d.cfg.EpisodicWindow:
			continue
		}
		if best == nil || h.Similarity > best.Similarity {
			best = h
		}
	}
	if best == nil {
		return dec, nil
	}

	th := d.thresholds(c.Kind)
	target := best.Record.Clone()
	dec.Similarity = best.Similarity
	switch {
	case best.Similarity >= th.Update:
		dec.Action, dec.Target = ActionUpdate, &target
	case best.Similarity >= th.Classify:
		dec.Action, dec.Target = ActionClassify, &target
	}
	return dec, nil
}

// Resolve settles a Classify decision with the classifier. A timeout or any
// other classifier error resolves to Create.
func (d *Deduper) Resolve(ctx context.Context, c model.Candidate, dec Decision) Decision {
	if dec.Action != ActionClassify {
		return dec
	}
	if d.classifier == nil {
		dec.Action, dec.Target = ActionCreate, nil
		return dec
	}

	cctx, cancel := withTimeout(ctx, d.cfg.ClassifierTimeout)
	defer cancel()
	incoming := c.ToRecord(c.ProvisionalID, d.now())
	verdict, err := d.classifier.Classify(cctx, *dec.Target, incoming, c.Category)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, model.ErrClassifierTimeout) {
			err = fmt.Errorf("%w: %w", model.ErrClassifierTimeout, err)
		}
		d.log.Warn("classifier failed, creating", "provisional", c.ProvisionalID, "target", dec.Target.ID, "code", model.ErrorCode(err), "err", err)
		dec.Action, dec.Target = ActionCreate, nil
		return dec
	}

	switch verdict {
	case strategy.SameFact:
		dec.Action = ActionUpdate
	case strategy.Supersedes:
		dec.Action, dec.Supersedes, dec.Target = ActionCreate, dec.Target.ID, nil
	default:
		dec.Action, dec.Target = ActionCreate, nil
	}
	return dec
}

// Merge folds candidate c into existing. candidateScore is the importance c
// would have as a new record; summary is the refined summary.
func Merge(existing model.Record, c model.Candidate, candidateScore float64, summary string, now time.Time) model.Record {
	m := existing.Clone()
	m.Tags = model.UnionTags(m.Tags, c.Tags)
	m.Importance = max(m.Importance, candidateScore)
	m.Pinned = m.Pinned || c.Pinned
	m.ExplicitImportance = m.ExplicitImportance || c.ExplicitImportance
	m.SourceTrust = max(m.SourceTrust, c.SourceTrust)
	m.AccessCount++
	m.LastAccessedAt = now
	m.UpdatedAt = now
	if summary != "" {
		m.Summary = summary
	}
	m.MergedFrom = model.AddID(m.MergedFrom, c.ProvisionalID)
	m.Version++
	return m
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
