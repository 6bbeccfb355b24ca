package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
)

// DecayReport counts what one decay pass did.
type DecayReport struct {
	Scanned    int `json:"scanned"`
	Archived   int `json:"archived"`
	Purged     int `json:"purged"`
	Backfilled int `json:"backfilled"`
	Failed     int `json:"failed"`
}

// DecayScheduler archives records whose weight has decayed away, purges
// archived and user-deleted records past retention, and retries embedding
// for placeholders.
type DecayScheduler struct {
	cfg   config.DecayConfig
	idx   index.Index
	dedup *Deduper
	locks *keyedMutex
	now   func() time.Time
	log   *log.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HalfLifeDays returns the half-life of the first band whose floor
// importance reaches. bands are ordered by descending MinImportance.
func HalfLifeDays(bands []config.HalfLifeBand, importance float64) float64 {
	for _, b := range bands {
		if importance >= b.MinImportance {
			return b.Days
		}
	}
	if len(bands) == 0 {
		return 30
	}
	return bands[len(bands)-1].Days
}

// CurrentWeight is importance halved every halfLife days of inactivity.
func CurrentWeight(importance, days, halfLife float64) float64 {
	if halfLife <= 0 {
		return 0
	}
	return importance * math.Pow(0.5, days/halfLife)
}

func daysSince(t, now time.Time) float64 {
	return math.Max(0, now.Sub(t).Hours()/24)
}

// Weight returns r's decayed weight at now.
func (s *DecayScheduler) Weight(r model.Record, now time.Time) float64 {
	return CurrentWeight(r.Importance, daysSince(r.LastAccessedAt, now), HalfLifeDays(s.cfg.Bands, r.Importance))
}

// ShouldArchive reports whether a live record has decayed below the floor
// after enough idle time. Pinned records never archive.
func (s *DecayScheduler) ShouldArchive(r model.Record, now time.Time) bool {
	if r.Pinned || !r.Live() {
		return false
	}
	return daysSince(r.LastAccessedAt, now) > s.cfg.MinIdleDays && s.Weight(r, now) < s.cfg.Floor
}

// shouldPurge reports whether a record may be hard-deleted. Legal hold
// blocks every purge; pinning blocks only the retention purge.
func (s *DecayScheduler) shouldPurge(r model.Record, now time.Time) bool {
	if r.LegalHold {
		return false
	}
	if r.Deleted {
		return true
	}
	if !r.Archived || r.Pinned || r.ArchivedAt == nil {
		return false
	}
	return now.Sub(*r.ArchivedAt) >= s.cfg.Retention
}

// Run makes one pass over every record.
func (s *DecayScheduler) Run(ctx context.Context, now time.Time) (DecayReport, error) {
	var report DecayReport
	err := s.idx.Walk(ctx, func(r model.Record) error {
		report.Scanned++
		var err error
		switch {
		case s.shouldPurge(r, now):
			if err = s.purge(ctx, r, now); err == nil {
				report.Purged++
			}
		case s.ShouldArchive(r, now):
			if err = s.archive(ctx, r, now); err == nil {
				report.Archived++
			}
		case r.Live() && !r.Indexed && s.dedup != nil:
			if err = s.backfill(ctx, r); err == nil {
				report.Backfilled++
			}
		}
		switch {
		case err == nil, errors.Is(err, errSkipped):
		case errors.Is(err, model.ErrEmbeddingUnavailable):
			s.log.Debug("backfill deferred", "id", r.ID, "err", err)
		default:
			report.Failed++
			s.log.Warn("decay", "id", r.ID, "owner", r.OwnerID, "err", err)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("decay walk: %w", err)
	}
	return report, nil
}

var errSkipped = errors.New("record changed during decay")

// locked re-reads r under its namespace lock and calls fn only if nothing
// has changed since the walk saw it.
func (s *DecayScheduler) locked(ctx context.Context, r model.Record, fn func(cur model.Record) error) error {
	ns := r.Namespace()
	unlock := s.locks.Lock(ns.String())
	defer unlock()

	cur, err := s.idx.Get(ctx, ns, r.ID)
	if err != nil {
		return err
	}
	if cur == nil || cur.Version != r.Version {
		return errSkipped
	}
	return fn(*cur)
}

func (s *DecayScheduler) purge(ctx context.Context, r model.Record, now time.Time) error {
	return s.locked(ctx, r, func(cur model.Record) error {
		if !s.shouldPurge(cur, now) {
			return errSkipped
		}
		return s.idx.Delete(ctx, cur.Namespace(), cur.ID)
	})
}

func (s *DecayScheduler) archive(ctx context.Context, r model.Record, now time.Time) error {
	return s.locked(ctx, r, func(cur model.Record) error {
		if !s.ShouldArchive(cur, now) {
			return errSkipped
		}
		at := now
		cur.Archived = true
		cur.ArchivedAt = &at
		cur.UpdatedAt = now
		cur.Version++
		return s.idx.UpdateRecord(ctx, cur.Namespace(), cur)
	})
}

func (s *DecayScheduler) backfill(ctx context.Context, r model.Record) error {
	vec, err := s.dedup.Embed(ctx, r.Summary)
	if err != nil {
		return err
	}
	return s.locked(ctx, r, func(cur model.Record) error {
		if cur.Indexed || cur.Summary != r.Summary {
			return errSkipped
		}
		cur.Version++
		return s.idx.Put(ctx, cur.Namespace(), cur.ID, vec, cur)
	})
}

// Start runs a pass now and then every cfg.Interval until Stop.
func (s *DecayScheduler) Start() {
	s.runLogged()
	if s.cfg.Interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runLogged()
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *DecayScheduler) runLogged() {
	report, err := s.Run(context.Background(), s.now())
	if err != nil {
		s.log.Error("decay pass failed", "err", err)
		return
	}
	if report.Archived+report.Purged+report.Backfilled+report.Failed > 0 {
		s.log.Info("decay pass", "scanned", report.Scanned, "archived", report.Archived,
			"purged", report.Purged, "backfilled", report.Backfilled, "failed", report.Failed)
	}
}

// Stop ends the timer goroutine.
func (s *DecayScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
