// Package engine decides what becomes a memory, merges duplicates, decays
// what stops mattering and ranks what to surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/embed"
	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/strategy"
)

// Options configures New. Index is required; everything else has a default.
type Options struct {
	Config     config.Config
	Index      index.Index
	Embedder   embed.Embedder
	Strategies strategy.Set
	Signals    SignalSink
	Logger     *log.Logger
	Now        func() time.Time
	NewID      func() string
}

// Engine wires the ingestion, dedup, decay and retrieval components over
// one index.
type Engine struct {
	cfg     config.Config
	idx     index.Index
	scorer  Scorer
	dedup   *Deduper
	ingest  *Coordinator
	ranker  *Ranker
	decay   *DecayScheduler
	pool    *Pool
	locks   *keyedMutex
	signals SignalSink
	now     func() time.Time
	log     *log.Logger
}

// New creates an Engine and starts its worker pool.
func New(opts Options) (*Engine, error) {
	if opts.Index == nil {
		return nil, errors.New("engine: index required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	signals := opts.Signals
	if signals == nil {
		signals = discardSink{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	strat := opts.Strategies
	rules := strategy.Rules()
	if strat.Trigger == nil {
		strat.Trigger = rules.Trigger
	}
	if strat.Classifier == nil {
		strat.Classifier = rules.Classifier
	}
	if strat.Reranker == nil {
		strat.Reranker = rules.Reranker
	}
	if strat.Refiner == nil {
		strat.Refiner = rules.Refiner
	}

	e := &Engine{
		cfg:     cfg,
		idx:     opts.Index,
		scorer:  NewScorer(cfg.Scoring),
		locks:   newKeyedMutex(),
		signals: signals,
		now:     now,
		log:     logger,
	}
	e.pool = NewPool(cfg.Workers, logger, func(t Task, err error) {
		signals.Emit(Signal{
			Type:    SignalError,
			OwnerID: t.OwnerID,
			At:      now(),
			Code:    model.ErrorCode(err),
			Context: t.Name,
		})
	})
	e.dedup = &Deduper{
		cfg:        cfg.Dedup,
		embedTO:    cfg.Embedder.Timeout,
		idx:        opts.Index,
		embedder:   opts.Embedder,
		classifier: strat.Classifier,
		now:        now,
		log:        logger.WithPrefix("dedup"),
	}
	e.ingest = &Coordinator{
		cfg:      cfg.Ingest,
		idx:      opts.Index,
		scorer:   e.scorer,
		dedup:    e.dedup,
		trigger:  strat.Trigger,
		fallback: rules.Trigger,
		refiner:  strat.Refiner,
		pool:     e.pool,
		locks:    e.locks,
		signals:  signals,
		now:      now,
		newID:    newID,
		log:      logger.WithPrefix("ingest"),
	}
	e.ranker = &Ranker{
		cfg:      cfg.Retrieval,
		indexTO:  cfg.Dedup.IndexTimeout,
		bands:    cfg.Decay.Bands,
		idx:      opts.Index,
		dedup:    e.dedup,
		reranker: strat.Reranker,
		pool:     e.pool,
		locks:    e.locks,
		now:      now,
		log:      logger.WithPrefix("retrieve"),
	}
	e.decay = &DecayScheduler{
		cfg:    cfg.Decay,
		idx:    opts.Index,
		dedup:  e.dedup,
		locks:  e.locks,
		now:    now,
		log:    logger.WithPrefix("decay"),
		stopCh: make(chan struct{}),
	}
	return e, nil
}

// Ingest runs the trigger over recent turns and queues a candidate if the
// turns are worth remembering.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (Handle, error) {
	return e.ingest.Ingest(ctx, req)
}

// Remember queues an explicit candidate.
func (e *Engine) Remember(ctx context.Context, c model.Candidate) (Handle, error) {
	return e.ingest.Remember(ctx, c)
}

// Retrieve ranks memories for a query.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveResult, error) {
	return e.ranker.Retrieve(ctx, req)
}

// Get returns one record, including archived ones. A record the user deleted
// is not found even before decay purges it.
func (e *Engine) Get(ctx context.Context, ns model.Namespace, id string) (*model.Record, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	rec, err := e.idx.Get(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	return rec, nil
}

// Forget marks a record deleted at the user's request and drops its vector.
// The next decay pass purges it unless it is on legal hold.
func (e *Engine) Forget(ctx context.Context, ns model.Namespace, id string) error {
	_, err := e.mutate(ctx, ns, id, func(r *model.Record, now time.Time) {
		r.Deleted = true
		r.DeletedAt = &now
	}, mutateOpts{dropVector: true})
	if err == nil {
		e.log.Info("memory forgotten", "id", id, "owner", ns.OwnerID)
	}
	return err
}

// SetPinned pins or unpins a record. Pinning feeds importance, so it is
// rescored.
func (e *Engine) SetPinned(ctx context.Context, ns model.Namespace, id string, pinned bool) (*model.Record, error) {
	return e.mutate(ctx, ns, id, func(r *model.Record, _ time.Time) {
		r.Pinned = pinned
		r.Importance = e.scorer.Score(*r, r.Pinned, r.ExplicitImportance)
	}, mutateOpts{})
}

// SetLegalHold places or lifts a compliance hold, which blocks every purge.
// It also applies to deleted records awaiting purge.
func (e *Engine) SetLegalHold(ctx context.Context, ns model.Namespace, id string, hold bool) (*model.Record, error) {
	return e.mutate(ctx, ns, id, func(r *model.Record, _ time.Time) {
		r.LegalHold = hold
	}, mutateOpts{deleted: true})
}

type mutateOpts struct {
	dropVector bool
	deleted    bool // also applies to deleted records
}

func (e *Engine) mutate(ctx context.Context, ns model.Namespace, id string, fn func(*model.Record, time.Time), opts mutateOpts) (*model.Record, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(ns.String())
	defer unlock()

	rec, err := e.idx.Get(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || (rec.Deleted && !opts.deleted) {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	now := e.now()
	fn(rec, now)
	rec.UpdatedAt = now
	rec.Version++
	if opts.dropVector {
		err = e.idx.Put(ctx, ns, id, nil, *rec)
	} else {
		err = e.idx.UpdateRecord(ctx, ns, *rec)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	return e.idx.Get(ctx, ns, id)
}

// RunDecay makes one decay pass now.
func (e *Engine) RunDecay(ctx context.Context) (DecayReport, error) {
	return e.decay.Run(ctx, e.now())
}

// StartDecayTimer runs decay on startup and then every decay.interval.
func (e *Engine) StartDecayTimer() {
	e.decay.Start()
}

// Stop ends the decay timer and drains the worker pool.
func (e *Engine) Stop(ctx context.Context) error {
	e.decay.Stop()
	return e.pool.Stop(ctx)
}
