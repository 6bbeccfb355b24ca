package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/strategy"
)

var semanticNS = model.Namespace{OwnerID: "u1", Kind: model.KindSemantic}

func TestRememberCreates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.engine.Remember(ctx, candidate("", model.CategoryBudget, "  Keeps groceries   under 400 "))
	require.NoError(t, err)
	assert.True(t, handle.Accepted)
	assert.True(t, handle.Queued)
	assert.Equal(t, "id-001", handle.ProvisionalID)

	h.drain(t)

	rec, err := h.engine.Get(ctx, semanticNS, handle.ProvisionalID)
	require.NoError(t, err)
	assert.Equal(t, "Keeps groceries under 400", rec.Summary)
	assert.Equal(t, 1, rec.Version)
	assert.True(t, rec.Indexed)
	assert.InDelta(t, 0.12, rec.Importance, 1e-9)
	assert.Equal(t, testNow, rec.CreatedAt)
	assert.Equal(t, []SignalType{SignalCandidate, SignalCreated}, h.signals.types())
}

func TestRememberDefaultsToExplicitTrust(t *testing.T) {
	h := newHarness(t)
	c := candidate("p1", model.CategoryGoals, "Saving for a house")
	c.SourceTrust = 0
	_, err := h.engine.Remember(context.Background(), c)
	require.NoError(t, err)
	h.drain(t)

	rec, err := h.engine.Get(context.Background(), semanticNS, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, rec.SourceTrust)
}

func TestRememberRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for name, c := range map[string]model.Candidate{
		"no owner":     {Kind: model.KindSemantic, Summary: "x"},
		"bad kind":     {OwnerID: "u1", Kind: "dream", Summary: "x"},
		"bad category": {OwnerID: "u1", Kind: model.KindSemantic, Category: "travel", Summary: "x"},
		"no summary":   {OwnerID: "u1", Kind: model.KindSemantic, Summary: "   "},
		"trust range":  {OwnerID: "u1", Kind: model.KindSemantic, Summary: "x", SourceTrust: 1.5},
	} {
		_, err := h.engine.Remember(ctx, c)
		assert.ErrorIs(t, err, model.ErrInvalidRecord, name)
	}
	assert.Empty(t, h.signals.types())
}

func TestProcessMergesDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := candidate("p1", model.CategoryBudget, "Keeps groceries under 400")
	first.Tags = []string{"groceries"}
	require.NoError(t, h.engine.ingest.Process(ctx, first))

	second := candidate("p2", model.CategoryBudget, "Keeps groceries under 400")
	second.Tags = []string{"monthly"}
	second.SourceTrust = 0.8
	require.NoError(t, h.engine.ingest.Process(ctx, second))

	recs := h.idx.all(semanticNS)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "p1", rec.ID)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, 1, rec.AccessCount)
	assert.Equal(t, []string{"groceries", "monthly"}, rec.Tags)
	assert.Equal(t, []string{"p2"}, rec.MergedFrom)
	assert.Equal(t, 0.8, rec.SourceTrust)
	assert.InDelta(t, 0.16, rec.Importance, 1e-9)

	h.signals.mu.Lock()
	last := h.signals.sigs[len(h.signals.sigs)-1]
	h.signals.mu.Unlock()
	assert.Equal(t, SignalUpdated, last.Type)
	assert.Equal(t, "p2", last.MergedCandidateID)

	// Running the same candidate again is a no-op.
	require.NoError(t, h.engine.ingest.Process(ctx, second))
	got, _ := h.idx.Get(ctx, semanticNS, "p1")
	assert.Equal(t, 2, got.Version)
}

func TestProcessIsIdempotentForCreates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := candidate("p1", model.CategoryBudget, "Rent is 1200")
	require.NoError(t, h.engine.ingest.Process(ctx, c))
	require.NoError(t, h.engine.ingest.Process(ctx, c))
	assert.EqualValues(t, 1, h.idx.puts.Load())
}

func TestProcessNeighborSearchFailureDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.ingest.Process(ctx, candidate("p1", model.CategoryBudget, "Keeps groceries under 400")))

	h.idx.searchErr[model.KindSemantic] = model.ErrIndexUnavailable
	second := candidate("p2", model.CategoryBudget, "Keeps groceries under 400")
	err := h.engine.ingest.Process(ctx, second)
	assert.ErrorIs(t, err, model.ErrIndexUnavailable)
	assert.Len(t, h.idx.all(semanticNS), 1)

	// Once the index recovers, a retry merges instead of creating.
	delete(h.idx.searchErr, model.KindSemantic)
	require.NoError(t, h.engine.ingest.Process(ctx, second))
	recs := h.idx.all(semanticNS)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"p2"}, recs[0].MergedFrom)
}

func TestNeighborSearchFailureDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, semantic("p1", model.CategoryBudget, "Keeps groceries under 400"), []float32{1, 0, 0})
	h.idx.searchErr[model.KindSemantic] = model.ErrIndexUnavailable

	_, err := h.engine.Remember(ctx, candidate("p2", model.CategoryBudget, "Keeps groceries under 400"))
	require.NoError(t, err)
	h.drain(t)

	assert.Len(t, h.idx.all(semanticNS), 1)
	h.signals.mu.Lock()
	defer h.signals.mu.Unlock()
	last := h.signals.sigs[len(h.signals.sigs)-1]
	assert.Equal(t, SignalError, last.Type)
	assert.Equal(t, "index_unavailable", last.Code)
}

func TestMergeRefinesSummary(t *testing.T) {
	refiner := funcRefiner(func(_ context.Context, existing, incoming string) (string, error) {
		return "Rent is 1350 a month, due on the 3rd", nil
	})
	h := newHarness(t, withStrategies(strategy.Set{Refiner: refiner}))
	h.embedder.vecs["Rent is 1350 a month, due on the 3rd"] = []float32{0, 1, 0}
	ctx := context.Background()

	h.seed(t, semantic("e1", model.CategoryBudget, "Rent is due on the 3rd"), []float32{1, 0, 0})
	require.NoError(t, h.engine.ingest.Process(ctx, candidate("p1", model.CategoryBudget, "Rent is 1350 a month")))

	rec, _ := h.idx.Get(ctx, semanticNS, "e1")
	assert.Equal(t, "Rent is 1350 a month, due on the 3rd", rec.Summary)
	assert.Equal(t, []float32{0, 1, 0}, h.idx.vectors[fkey(semanticNS, "e1")])
}

func TestMergeKeepsSummaryWhenRefineFails(t *testing.T) {
	refiner := funcRefiner(func(context.Context, string, string) (string, error) {
		return "", errors.New("model overloaded")
	})
	h := newHarness(t, withStrategies(strategy.Set{Refiner: refiner}))
	ctx := context.Background()

	h.seed(t, semantic("e1", model.CategoryBudget, "Rent is due on the 3rd"), []float32{1, 0, 0})
	require.NoError(t, h.engine.ingest.Process(ctx, candidate("p1", model.CategoryBudget, "Rent due the 3rd")))

	rec, _ := h.idx.Get(ctx, semanticNS, "e1")
	assert.Equal(t, "Rent is due on the 3rd", rec.Summary)
	assert.Equal(t, []string{"p1"}, rec.MergedFrom)
}

func TestEmbeddingFailureStoresPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.embedder.setErr(errors.New("connection refused"))

	require.NoError(t, h.engine.ingest.Process(ctx, candidate("p1", model.CategoryBudget, "Rent is 1200")))
	rec, err := h.engine.Get(ctx, semanticNS, "p1")
	require.NoError(t, err)
	assert.False(t, rec.Indexed)

	// Placeholders are invisible to search but reachable by id.
	hits, err := h.idx.Search(ctx, semanticNS, []float32{1, 0, 0}, indexFilterAll, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	h.embedder.setErr(nil)
	report, err := h.engine.RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Backfilled)

	rec, err = h.engine.Get(ctx, semanticNS, "p1")
	require.NoError(t, err)
	assert.True(t, rec.Indexed)
	assert.Equal(t, 2, rec.Version)
}

func TestMergeConflictRetriesOnce(t *testing.T) {
	var h *harness
	var calls atomic.Int32
	bump := func() {
		ctx := context.Background()
		rec, _ := h.idx.Get(ctx, semanticNS, "e1")
		rec.Version++
		_ = h.idx.UpdateRecord(ctx, semanticNS, *rec)
	}

	t.Run("conflict then merge", func(t *testing.T) {
		calls.Store(0)
		h = newHarness(t, withStrategies(strategy.Set{Refiner: funcRefiner(func(_ context.Context, existing, _ string) (string, error) {
			if calls.Add(1) == 1 {
				bump()
			}
			return existing, nil
		})}))
		h.seed(t, semantic("e1", model.CategoryBudget, "Rent is 1200"), []float32{1, 0, 0})

		require.NoError(t, h.engine.ingest.Process(context.Background(), candidate("p1", model.CategoryBudget, "Rent is 1200")))
		assert.EqualValues(t, 2, calls.Load())
		rec, _ := h.idx.Get(context.Background(), semanticNS, "e1")
		assert.Equal(t, []string{"p1"}, rec.MergedFrom)
		assert.Equal(t, 3, rec.Version)
		assert.Len(t, h.idx.all(semanticNS), 1)
	})

	t.Run("repeated conflict creates", func(t *testing.T) {
		calls.Store(0)
		h = newHarness(t, withStrategies(strategy.Set{Refiner: funcRefiner(func(_ context.Context, existing, _ string) (string, error) {
			calls.Add(1)
			bump()
			return existing, nil
		})}))
		h.seed(t, semantic("e1", model.CategoryBudget, "Rent is 1200"), []float32{1, 0, 0})

		require.NoError(t, h.engine.ingest.Process(context.Background(), candidate("p1", model.CategoryBudget, "Rent is 1200")))
		assert.EqualValues(t, 2, calls.Load())
		rec, _ := h.idx.Get(context.Background(), semanticNS, "e1")
		assert.Empty(t, rec.MergedFrom)
		created, _ := h.idx.Get(context.Background(), semanticNS, "p1")
		require.NotNil(t, created)
		assert.True(t, created.Indexed)
	})
}

func TestAccessTouchDuringMergeIsNotAConflict(t *testing.T) {
	var h *harness
	var calls atomic.Int32
	h = newHarness(t, withStrategies(strategy.Set{Refiner: funcRefiner(func(ctx context.Context, existing, _ string) (string, error) {
		calls.Add(1)
		// A retrieval touches the target between the decision and the apply.
		_ = h.engine.ranker.touchOne(ctx, semanticNS, "e1", *h.clock)
		return existing, nil
	})}))
	h.seed(t, semantic("e1", model.CategoryBudget, "Rent is 1200"), []float32{1, 0, 0})

	require.NoError(t, h.engine.ingest.Process(context.Background(), candidate("p1", model.CategoryBudget, "Rent is 1200")))
	assert.EqualValues(t, 1, calls.Load(), "merge applied without a retry")

	recs := h.idx.all(semanticNS)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"p1"}, recs[0].MergedFrom)
	assert.Equal(t, 2, recs[0].Version)
	assert.Equal(t, 2, recs[0].AccessCount, "touch and merge both counted")
}

func TestConcurrentMergesLoseNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, semantic("e1", model.CategoryBudget, "Rent is 1200"), []float32{1, 0, 0})

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := candidate(fmt.Sprintf("p%02d", i), model.CategoryBudget, "Rent is 1200")
			assert.NoError(t, h.engine.ingest.Process(ctx, c))
		}()
	}
	wg.Wait()

	recs := h.idx.all(semanticNS)
	var target model.Record
	others := 0
	for _, r := range recs {
		if r.ID == "e1" {
			target = r
			continue
		}
		others++
	}
	// Every candidate either merged into a record or became its own; none
	// is lost and none is counted twice.
	merged := 0
	for _, r := range recs {
		merged += len(r.MergedFrom)
	}
	assert.Equal(t, n, merged+others)
	assert.Equal(t, 1+len(target.MergedFrom), target.Version)
	assert.Equal(t, len(target.MergedFrom), target.AccessCount)
}

func TestSupersedesLinksOldRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, semantic("e1", model.CategoryBudget, "Rent is 1200"), []float32{1, 0, 0})

	c := candidate("p1", model.CategoryBudget, "Rent is 1350")
	c.Supersedes = "e1"
	require.NoError(t, h.engine.ingest.Process(ctx, c))

	old, _ := h.idx.Get(ctx, semanticNS, "e1")
	assert.Contains(t, old.Tags, model.SupersededTag)
	assert.Equal(t, []string{"p1"}, old.RelatedIDs)
	assert.Equal(t, 2, old.Version)

	created, _ := h.idx.Get(ctx, semanticNS, "p1")
	require.NotNil(t, created)
	assert.Equal(t, "Rent is 1350", created.Summary)
}

func TestClassifierSupersedes(t *testing.T) {
	cl := funcClassifier(func(context.Context, model.Record, model.Record) (strategy.Verdict, error) {
		return strategy.Supersedes, nil
	})
	h := newHarness(t, withStrategies(strategy.Set{Classifier: cl}))
	ctx := context.Background()
	h.seed(t, semantic("e1", model.CategoryBudget, "Rent is 1200"), []float32{1, 0, 0})
	h.idx.sims["e1"] = 0.85

	require.NoError(t, h.engine.ingest.Process(ctx, candidate("p1", model.CategoryBudget, "Rent is 1350")))
	old, _ := h.idx.Get(ctx, semanticNS, "e1")
	assert.True(t, old.HasTag(model.SupersededTag))
	assert.Len(t, h.idx.all(semanticNS), 2)
}

func TestIngestRuleTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.engine.Ingest(ctx, IngestRequest{
		OwnerID: "u1",
		Turns: []strategy.Turn{
			{Role: "user", Text: "hi"},
			{Role: "assistant", Text: "Hello! How can I help?"},
			{Role: "user", Text: "Remember that my rent is due on the 3rd"},
		},
	})
	require.NoError(t, err)
	assert.True(t, handle.Accepted)
	assert.True(t, handle.Queued)
	assert.GreaterOrEqual(t, handle.Confidence, 0.9)

	skip, err := h.engine.Ingest(ctx, IngestRequest{OwnerID: "u1", Turns: []strategy.Turn{{Role: "user", Text: "what's the weather like"}}})
	require.NoError(t, err)
	assert.False(t, skip.Accepted)
	assert.Empty(t, skip.ProvisionalID)

	h.drain(t)
	rec, err := h.engine.Get(ctx, semanticNS, handle.ProvisionalID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryBudget, rec.Category)
	assert.Equal(t, 0.9, rec.SourceTrust)
	assert.True(t, rec.ExplicitImportance)
}

func TestIngestRequestOverrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.engine.Ingest(ctx, IngestRequest{
		OwnerID:     "u1",
		Turns:       []strategy.Turn{{Role: "user", Text: "I prefer index funds over picking stocks"}},
		Kind:        model.KindProcedural,
		Category:    model.CategoryGoals,
		SourceTrust: 0.4,
	})
	require.NoError(t, err)
	require.True(t, handle.Accepted)
	h.drain(t)

	rec, err := h.engine.Get(ctx, model.Namespace{OwnerID: "u1", Kind: model.KindProcedural}, handle.ProvisionalID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryGoals, rec.Category)
	assert.Equal(t, 0.4, rec.SourceTrust)
}

func TestIngestSlowTriggerFallsBack(t *testing.T) {
	slow := funcTrigger(func(ctx context.Context, _ []strategy.Turn) (strategy.TriggerDecision, error) {
		<-ctx.Done()
		return strategy.TriggerDecision{}, ctx.Err()
	})
	h := newHarness(t,
		withStrategies(strategy.Set{Trigger: slow}),
		withConfig(func(c *config.Config) { c.Ingest.TriggerBudget = 20 * time.Millisecond }),
	)

	start := time.Now()
	handle, err := h.engine.Ingest(context.Background(), IngestRequest{
		OwnerID: "u1",
		Turns:   []strategy.Turn{{Role: "user", Text: "Remember that I'm saving for a car"}},
	})
	require.NoError(t, err)
	assert.True(t, handle.Accepted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIngestConfidenceThreshold(t *testing.T) {
	unsure := funcTrigger(func(context.Context, []strategy.Turn) (strategy.TriggerDecision, error) {
		return strategy.TriggerDecision{ShouldCreate: true, Confidence: 0.5, Summary: "Maybe likes hiking"}, nil
	})
	h := newHarness(t, withStrategies(strategy.Set{Trigger: unsure}))

	handle, err := h.engine.Ingest(context.Background(), IngestRequest{OwnerID: "u1", Turns: []strategy.Turn{{Text: "hiking was fun"}}})
	require.NoError(t, err)
	assert.False(t, handle.Accepted)
	assert.Equal(t, 0.5, handle.Confidence)
}

func TestIngestRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	turns := []strategy.Turn{{Role: "user", Text: "Remember that my rent is due on the 3rd"}}

	for name, req := range map[string]IngestRequest{
		"no owner":     {OwnerID: " ", Turns: turns},
		"bad kind":     {OwnerID: "u1", Turns: turns, Kind: "dream"},
		"bad category": {OwnerID: "u1", Turns: turns, Category: "travel"},
		"bad trust":    {OwnerID: "u1", Turns: turns, SourceTrust: -0.1},
	} {
		_, err := h.engine.Ingest(ctx, req)
		assert.ErrorIs(t, err, model.ErrInvalidRecord, name)
	}
}

func TestSubmitAfterStopIsDropped(t *testing.T) {
	h := newHarness(t)
	h.drain(t)

	handle, err := h.engine.Remember(context.Background(), candidate("p1", model.CategoryBudget, "Rent is 1200"))
	require.NoError(t, err)
	assert.True(t, handle.Accepted)
	assert.False(t, handle.Queued)

	h.signals.mu.Lock()
	defer h.signals.mu.Unlock()
	require.Len(t, h.signals.sigs, 2)
	assert.Equal(t, SignalError, h.signals.sigs[1].Type)
	assert.Equal(t, "dropped", h.signals.sigs[1].Code)
}

func TestSignalsReachSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	h := newHarness(t)
	h.engine.ingest.signals = b

	_, err := h.engine.Remember(context.Background(), candidate("p1", model.CategoryBudget, "Rent is 1200"))
	require.NoError(t, err)
	h.drain(t)

	var got []SignalType
	for len(got) < 2 {
		select {
		case s := <-ch:
			got = append(got, s.Type)
		case <-time.After(time.Second):
			t.Fatalf("signals received: %v", got)
		}
	}
	assert.Equal(t, []SignalType{SignalCandidate, SignalCreated}, got)
}
