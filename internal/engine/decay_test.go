package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/store"
)

const day = 24 * time.Hour

func TestHalfLife(t *testing.T) {
	bands := config.Default().Decay.Bands

	for _, tt := range []struct {
		importance float64
		want       float64
	}{
		{1.0, 365}, {0.85, 365}, {0.84, 180}, {0.5, 180}, {0.2, 90}, {0.19, 30}, {0, 30},
	} {
		assert.Equal(t, tt.want, HalfLifeDays(bands, tt.importance), "importance %v", tt.importance)
	}

	assert.InDelta(t, 0.45, CurrentWeight(0.9, 365, 365), 1e-12)
	assert.InDelta(t, 0.2, CurrentWeight(0.8, 360, 180), 1e-12)
	assert.Equal(t, 0.5, CurrentWeight(0.5, 0, 30))

	// Exactly at the floor is not below it.
	w := CurrentWeight(0.1, 90, 90)
	assert.InDelta(t, 0.05, w, 1e-12)
	assert.False(t, w < config.Default().Decay.Floor)
}

func TestShouldArchive(t *testing.T) {
	s := &DecayScheduler{cfg: config.Default().Decay}
	now := testNow

	important := model.Record{Importance: 0.9, LastAccessedAt: now.Add(-365 * day)}
	assert.InDelta(t, 0.45, s.Weight(important, now), 1e-9)
	assert.False(t, s.ShouldArchive(important, now), "important records survive a year idle")

	assert.True(t, s.ShouldArchive(model.Record{Importance: 0.1, LastAccessedAt: now.Add(-90 * day)}, now))

	recent := model.Record{Importance: 0.01, LastAccessedAt: now.Add(-10 * day)}
	assert.Less(t, s.Weight(recent, now), 0.05)
	assert.False(t, s.ShouldArchive(recent, now), "recently used records stay")

	assert.False(t, s.ShouldArchive(model.Record{Importance: 0.01, Pinned: true, LastAccessedAt: now.Add(-400 * day)}, now), "pinned")
	assert.False(t, s.ShouldArchive(model.Record{Importance: 0.01, Archived: true, LastAccessedAt: now.Add(-400 * day)}, now), "already archived")
}

func TestShouldPurge(t *testing.T) {
	s := &DecayScheduler{cfg: config.Default().Decay}
	now := testNow
	at := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	tests := []struct {
		name string
		rec  model.Record
		want bool
	}{
		{"archived past retention", model.Record{Archived: true, ArchivedAt: at(181 * day)}, true},
		{"archived within retention", model.Record{Archived: true, ArchivedAt: at(179 * day)}, false},
		{"archived pinned", model.Record{Archived: true, ArchivedAt: at(400 * day), Pinned: true}, false},
		{"archived on hold", model.Record{Archived: true, ArchivedAt: at(400 * day), LegalHold: true}, false},
		{"deleted", model.Record{Deleted: true, DeletedAt: at(0)}, true},
		{"deleted pinned", model.Record{Deleted: true, Pinned: true}, true},
		{"deleted on hold", model.Record{Deleted: true, LegalHold: true}, false},
		{"live", model.Record{}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.shouldPurge(tt.rec, now), tt.name)
	}
}

// decayFixture is a sqlite-backed engine holding one record in every
// lifecycle state.
type decayFixture struct {
	engine *Engine
	db     *store.DB
	emb    *fakeEmbedder
}

func newDecayFixture(t *testing.T) *decayFixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emb := newFakeEmbedder()
	e, err := New(Options{
		Config:   config.Default(),
		Index:    db,
		Embedder: emb,
		Logger:   log.New(testWriter{t}),
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop(context.Background()) })

	ctx := context.Background()
	put := func(id string, mutate func(*model.Record), vec []float32) {
		r := semantic(id, model.CategoryBudget, "memory "+id)
		r.Valence = model.ValenceNeutral
		r.CreatedAt = testNow.Add(-500 * day)
		r.UpdatedAt = r.CreatedAt
		r.LastAccessedAt = testNow.Add(-day)
		r.Version = 1
		mutate(&r)
		require.NoError(t, db.Put(ctx, r.Namespace(), id, vec, r))
	}
	at := func(ago time.Duration) *time.Time {
		ts := testNow.Add(-ago)
		return &ts
	}
	vec := []float32{1, 0, 0}

	put("stale", func(r *model.Record) {
		r.Importance = 0.1
		r.LastAccessedAt = testNow.Add(-90 * day)
	}, vec)
	put("durable", func(r *model.Record) {
		r.Importance = 0.9
		r.LastAccessedAt = testNow.Add(-365 * day)
	}, vec)
	put("pinned", func(r *model.Record) {
		r.Importance = 0.01
		r.Pinned = true
		r.LastAccessedAt = testNow.Add(-400 * day)
	}, vec)
	put("expired", func(r *model.Record) {
		r.Archived, r.ArchivedAt = true, at(181*day)
	}, vec)
	put("pinned-archive", func(r *model.Record) {
		r.Archived, r.ArchivedAt, r.Pinned = true, at(200*day), true
	}, vec)
	put("forgotten", func(r *model.Record) {
		r.Deleted, r.DeletedAt = true, at(day)
	}, nil)
	put("held", func(r *model.Record) {
		r.Deleted, r.DeletedAt, r.LegalHold = true, at(day), true
	}, nil)
	put("placeholder", func(r *model.Record) {}, nil)

	return &decayFixture{engine: e, db: db, emb: emb}
}

func (f *decayFixture) get(t *testing.T, id string) *model.Record {
	t.Helper()
	r, err := f.db.Get(context.Background(), semanticNS, id)
	require.NoError(t, err)
	return r
}

func TestDecayRun(t *testing.T) {
	ctx := context.Background()

	t.Run("one pass archives, purges and backfills", func(t *testing.T) {
		f := newDecayFixture(t)
		report, err := f.engine.RunDecay(ctx)
		require.NoError(t, err)
		assert.Equal(t, DecayReport{Scanned: 8, Archived: 1, Purged: 2, Backfilled: 1}, report)

		stale := f.get(t, "stale")
		require.NotNil(t, stale)
		assert.True(t, stale.Archived)
		assert.Equal(t, testNow.UnixMilli(), stale.ArchivedAt.UnixMilli())
		assert.Equal(t, 2, stale.Version)

		assert.False(t, f.get(t, "durable").Archived)
		assert.False(t, f.get(t, "pinned").Archived)
		assert.Nil(t, f.get(t, "expired"))
		assert.NotNil(t, f.get(t, "pinned-archive"))
		assert.Nil(t, f.get(t, "forgotten"))
		assert.NotNil(t, f.get(t, "held"))

		ph := f.get(t, "placeholder")
		assert.True(t, ph.Indexed)
		assert.Equal(t, 2, ph.Version)
	})

	t.Run("a second pass finds nothing left to do", func(t *testing.T) {
		f := newDecayFixture(t)
		_, err := f.engine.RunDecay(ctx)
		require.NoError(t, err)
		report, err := f.engine.RunDecay(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Archived+report.Purged+report.Backfilled+report.Failed)
	})

	t.Run("placeholders wait while the embedder is down", func(t *testing.T) {
		f := newDecayFixture(t)
		f.emb.setErr(errors.New("connection refused"))
		report, err := f.engine.RunDecay(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Backfilled)
		assert.Zero(t, report.Failed)
		assert.False(t, f.get(t, "placeholder").Indexed)
	})
}
