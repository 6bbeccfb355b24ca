package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/strategy"
)

// IngestRequest carries the latest conversation turns for one owner. Kind,
// Category and SourceTrust, when set, override what the trigger infers.
type IngestRequest struct {
	OwnerID     string          `json:"owner_id"`
	Turns       []strategy.Turn `json:"turns"`
	Kind        model.Kind      `json:"kind,omitempty"`
	Category    model.Category  `json:"category,omitempty"`
	SourceTrust float64         `json:"source_trust,omitempty"`
}

// Handle is what the caller gets back before any deferred work runs.
type Handle struct {
	ProvisionalID string  `json:"provisional_id,omitempty"`
	Accepted      bool    `json:"accepted"`
	Queued        bool    `json:"queued"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// Coordinator runs the two phases of ingestion: a fast trigger decision on
// the caller's path, then embed, dedup and apply on the worker pool.
type Coordinator struct {
	cfg      config.IngestConfig
	idx      index.Index
	scorer   Scorer
	dedup    *Deduper
	trigger  strategy.TriggerDecider
	fallback strategy.TriggerDecider
	refiner  strategy.SummaryRefiner
	pool     *Pool
	locks    *keyedMutex
	signals  SignalSink
	now      func() time.Time
	newID    func() string
	log      *log.Logger
}

// Ingest decides whether the turns are worth remembering and, if so, queues
// a candidate. It never waits for embedding or dedup.
func (co *Coordinator) Ingest(ctx context.Context, req IngestRequest) (Handle, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return Handle{}, fmt.Errorf("%w: owner id required", model.ErrInvalidRecord)
	}
	if req.Kind != "" && !req.Kind.Valid() {
		return Handle{}, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidRecord, req.Kind)
	}
	if req.Category != "" && !req.Category.Valid() {
		return Handle{}, fmt.Errorf("%w: unknown category %q", model.ErrInvalidRecord, req.Category)
	}
	if req.SourceTrust < 0 || req.SourceTrust > 1 {
		return Handle{}, fmt.Errorf("%w: source trust must be in [0,1]", model.ErrInvalidRecord)
	}

	turns := req.Turns
	if n := co.cfg.ContextTurns; n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	d := co.decide(ctx, turns)
	if !d.ShouldCreate || d.Confidence < co.cfg.MinConfidence {
		return Handle{Confidence: d.Confidence}, nil
	}

	c := model.Candidate{
		OwnerID:            owner,
		Kind:               firstNonEmpty(req.Kind, d.Kind, model.KindSemantic),
		Category:           firstNonEmpty(req.Category, d.Category, model.CategoryOther),
		Summary:            d.Summary,
		Tags:               d.Tags,
		SourceTrust:        co.cfg.InferredTrust,
		Valence:            d.Valence,
		Intensity:          clamp01(d.Intensity),
		ExplicitImportance: d.Explicit,
	}
	if d.Explicit {
		c.SourceTrust = co.cfg.ExplicitTrust
	}
	if req.SourceTrust > 0 {
		c.SourceTrust = req.SourceTrust
	}
	if c.Summary == "" {
		c.Summary = lastUserText(turns)
	}
	if err := c.Normalize(); err != nil {
		co.log.Debug("trigger produced an unusable candidate", "owner", owner, "err", err)
		return Handle{Confidence: d.Confidence}, nil
	}

	h := co.enqueue(c)
	h.Confidence = d.Confidence
	return h, nil
}

// Remember queues a fully formed candidate, skipping the trigger.
func (co *Coordinator) Remember(_ context.Context, c model.Candidate) (Handle, error) {
	if c.SourceTrust == 0 {
		c.SourceTrust = co.cfg.ExplicitTrust
	}
	if err := c.Normalize(); err != nil {
		return Handle{}, err
	}
	return co.enqueue(c), nil
}

func (co *Coordinator) decide(ctx context.Context, turns []strategy.Turn) strategy.TriggerDecision {
	if co.trigger != nil {
		tctx, cancel := withTimeout(ctx, co.cfg.TriggerBudget)
		d, err := co.trigger.Decide(tctx, turns)
		cancel()
		if err == nil {
			return d
		}
		co.log.Debug("trigger missed its budget, using rules", "err", err)
	}
	d, _ := co.fallback.Decide(ctx, turns)
	return d
}

func (co *Coordinator) enqueue(c model.Candidate) Handle {
	if c.ProvisionalID == "" {
		c.ProvisionalID = co.newID()
	}
	co.signals.Emit(Signal{
		Type:          SignalCandidate,
		OwnerID:       c.OwnerID,
		At:            co.now(),
		ProvisionalID: c.ProvisionalID,
		Kind:          c.Kind,
		Category:      c.Category,
		Summary:       c.Summary,
	})

	queued := co.pool.Submit(Task{
		Name:    "ingest " + c.ProvisionalID,
		OwnerID: c.OwnerID,
		Run:     func(ctx context.Context) error { return co.Process(ctx, c) },
	})
	if !queued {
		co.signals.Emit(Signal{
			Type:    SignalError,
			OwnerID: c.OwnerID,
			At:      co.now(),
			Code:    "dropped",
			Context: "ingest " + c.ProvisionalID,
		})
	}
	return Handle{ProvisionalID: c.ProvisionalID, Accepted: true, Queued: queued}
}

// Process is the deferred phase for one candidate. It is safe to run again
// after a failure: the provisional id becomes the record id, so a repeat
// finds its own earlier work.
func (co *Coordinator) Process(ctx context.Context, c model.Candidate) error {
	existing, err := co.idx.Get(ctx, c.Namespace(), c.ProvisionalID)
	if err != nil {
		return fmt.Errorf("process %s: %w", c.ProvisionalID, err)
	}
	if existing != nil {
		return nil
	}

	dec, err := co.dedup.Decide(ctx, c)
	if err != nil {
		return fmt.Errorf("process %s: %w", c.ProvisionalID, err)
	}
	dec = co.dedup.Resolve(ctx, c, dec)
	for attempt := 0; ; attempt++ {
		err := co.apply(ctx, c, dec)
		if !errors.Is(err, model.ErrConcurrentMergeConflict) {
			return err
		}
		co.log.Debug("merge conflict", "provisional", c.ProvisionalID, "attempt", attempt, "err", err)
		if attempt == 0 {
			rematch, err := co.dedup.Match(ctx, c, dec.Vector)
			if err != nil {
				return fmt.Errorf("process %s: %w", c.ProvisionalID, err)
			}
			dec = co.dedup.Resolve(ctx, c, rematch)
		} else {
			dec = Decision{Action: ActionCreate, Vector: dec.Vector}
		}
	}
}

func (co *Coordinator) apply(ctx context.Context, c model.Candidate, dec Decision) error {
	if dec.Action == ActionUpdate && dec.Target != nil {
		return co.applyUpdate(ctx, c, dec)
	}
	return co.applyCreate(ctx, c, dec)
}

func (co *Coordinator) applyCreate(ctx context.Context, c model.Candidate, dec Decision) error {
	ns := c.Namespace()
	unlock := co.locks.Lock(ns.String())
	defer unlock()

	now := co.now()
	rec := c.ToRecord(c.ProvisionalID, now)
	rec.Importance = co.scorer.Score(rec, rec.Pinned, rec.ExplicitImportance)
	if err := co.idx.Put(ctx, ns, rec.ID, dec.Vector, rec); err != nil {
		return fmt.Errorf("create %s: %w", rec.ID, err)
	}
	co.log.Info("memory created", "id", rec.ID, "owner", rec.OwnerID, "kind", rec.Kind, "category", rec.Category, "indexed", dec.Vector != nil)
	co.signals.Emit(Signal{Type: SignalCreated, OwnerID: rec.OwnerID, At: now, ID: rec.ID})

	if dec.Supersedes != "" {
		co.markSuperseded(ctx, ns, dec.Supersedes, rec.ID, now)
	}
	return nil
}

// markSuperseded tags the old record and links it to its replacement. The
// new record already exists, so failures here are only logged.
func (co *Coordinator) markSuperseded(ctx context.Context, ns model.Namespace, oldID, newID string, now time.Time) {
	old, err := co.idx.Get(ctx, ns, oldID)
	if err != nil || old == nil {
		co.log.Warn("superseded record not found", "id", oldID, "by", newID, "err", err)
		return
	}
	old.Tags = model.UnionTags(old.Tags, []string{model.SupersededTag})
	old.RelatedIDs = model.AddID(old.RelatedIDs, newID)
	old.UpdatedAt = now
	old.Version++
	if err := co.idx.UpdateRecord(ctx, ns, *old); err != nil {
		co.log.Warn("mark superseded", "id", oldID, "by", newID, "err", err)
		return
	}
	co.signals.Emit(Signal{Type: SignalUpdated, OwnerID: old.OwnerID, At: now, ID: old.ID})
}

func (co *Coordinator) applyUpdate(ctx context.Context, c model.Candidate, dec Decision) error {
	ns := c.Namespace()
	target := dec.Target
	// Refinement may call a model; keep it outside the lock.
	summary, vec := co.refine(ctx, *target, c)

	unlock := co.locks.Lock(ns.String())
	defer unlock()

	current, err := co.idx.Get(ctx, ns, target.ID)
	if err != nil {
		return fmt.Errorf("merge into %s: %w", target.ID, err)
	}
	if current == nil || !current.Live() || current.Version != target.Version {
		return fmt.Errorf("merge into %s: %w", target.ID, model.ErrConcurrentMergeConflict)
	}
	if slices.Contains(current.MergedFrom, c.ProvisionalID) {
		return nil
	}

	now := co.now()
	incoming := c.ToRecord(c.ProvisionalID, now)
	merged := Merge(*current, c, co.scorer.Score(incoming, c.Pinned, c.ExplicitImportance), summary, now)
	if vec != nil {
		err = co.idx.Put(ctx, ns, merged.ID, vec, merged)
	} else {
		err = co.idx.UpdateRecord(ctx, ns, merged)
	}
	if err != nil {
		return fmt.Errorf("merge into %s: %w", target.ID, err)
	}

	co.log.Info("memory merged", "id", merged.ID, "owner", merged.OwnerID, "candidate", c.ProvisionalID, "version", merged.Version)
	co.signals.Emit(Signal{Type: SignalUpdated, OwnerID: merged.OwnerID, At: now, ID: merged.ID, MergedCandidateID: c.ProvisionalID})
	return nil
}

// refine returns the merged summary and, when it differs from the target's,
// its new vector. Any failure keeps the existing summary and vector.
func (co *Coordinator) refine(ctx context.Context, target model.Record, c model.Candidate) (string, []float32) {
	if co.refiner == nil {
		return target.Summary, nil
	}
	rctx, cancel := withTimeout(ctx, co.cfg.RefineTimeout)
	out, err := co.refiner.Refine(rctx, target.Summary, c.Summary)
	cancel()
	if err != nil {
		co.log.Debug("refine failed, keeping summary", "id", target.ID, "err", err)
		return target.Summary, nil
	}
	out, err = model.CleanSummary(out)
	if err != nil || out == target.Summary {
		return target.Summary, nil
	}
	vec, err := co.dedup.Embed(ctx, out)
	if err != nil {
		co.log.Warn("re-embed failed, keeping summary", "id", target.ID, "err", err)
		return target.Summary, nil
	}
	return out, vec
}

func lastUserText(turns []strategy.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" || turns[i].Role == "" {
			return turns[i].Text
		}
	}
	return ""
}

func firstNonEmpty[T ~string](vals ...T) T {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
