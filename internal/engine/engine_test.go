package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/model"
)

func TestNewRequiresIndex(t *testing.T) {
	_, err := New(Options{Config: config.Default()})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Workers.Count = 0
	_, err = New(Options{Config: cfg, Index: newFakeIndex()})
	assert.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Get(context.Background(), semanticNS, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.engine.Get(context.Background(), model.Namespace{Kind: model.KindSemantic}, "x")
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestForgetThenPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := semantic("s1", model.CategoryBudget, "Rent is 1200")
	rec.Pinned = true
	h.seed(t, rec, []float32{1, 0, 0})

	require.NoError(t, h.engine.Forget(ctx, semanticNS, "s1"))
	_, err := h.engine.Get(ctx, semanticNS, "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.engine.SetPinned(ctx, semanticNS, "s1", false)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, h.engine.Forget(ctx, semanticNS, "s1"), model.ErrNotFound)

	stored, err := h.idx.Get(ctx, semanticNS, "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Deleted)
	assert.False(t, stored.Indexed)
	assert.Equal(t, 2, stored.Version)

	res, err := h.engine.Retrieve(ctx, RetrieveRequest{OwnerID: "u1", Query: "rent"})
	require.NoError(t, err)
	assert.Empty(t, res.Memories)

	report, err := h.engine.RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	_, err = h.engine.Get(ctx, semanticNS, "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, h.engine.Forget(ctx, semanticNS, "s1"), model.ErrNotFound)
}

func TestLegalHoldBlocksPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, semantic("s1", model.CategoryFinance, "Owes 5000 on a car loan"), []float32{1, 0, 0})

	held, err := h.engine.SetLegalHold(ctx, semanticNS, "s1", true)
	require.NoError(t, err)
	assert.True(t, held.LegalHold)
	require.NoError(t, h.engine.Forget(ctx, semanticNS, "s1"))

	report, err := h.engine.RunDecay(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Purged)

	_, err = h.engine.SetLegalHold(ctx, semanticNS, "s1", false)
	require.NoError(t, err)
	report, err = h.engine.RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
}

func TestSetPinnedRescores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := semantic("s1", model.CategoryGoals, "Saving for a house")
	rec.Importance = 0.12
	h.seed(t, rec, []float32{1, 0, 0})

	pinned, err := h.engine.SetPinned(ctx, semanticNS, "s1", true)
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)
	assert.InDelta(t, 0.37, pinned.Importance, 1e-9)
	assert.Equal(t, 2, pinned.Version)
	assert.True(t, pinned.Indexed, "pinning keeps the vector")

	unpinned, err := h.engine.SetPinned(ctx, semanticNS, "s1", false)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, unpinned.Importance, 1e-9)

	_, err = h.engine.SetPinned(ctx, semanticNS, "nope", true)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
