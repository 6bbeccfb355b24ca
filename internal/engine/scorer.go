package engine

import (
	"math"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/model"
)

// Scorer computes a record's importance from its flags, trust, usage and
// affect. It is pure and is only applied on create and update.
type Scorer struct {
	cfg config.ScoringConfig
}

func NewScorer(cfg config.ScoringConfig) Scorer {
	return Scorer{cfg: cfg}
}

// Score returns the importance in [0,1].
func (s Scorer) Score(r model.Record, pinned, explicit bool) float64 {
	affect := r.Intensity
	if r.Valence == model.ValenceNegative {
		affect *= s.cfg.NegativeDamping
	}

	raw := s.cfg.PinnedWeight*indicator(pinned) +
		s.cfg.TrustWeight*r.SourceTrust +
		s.cfg.AccessWeight*s.accessTerm(r.AccessCount) +
		s.cfg.AffectWeight*affect +
		s.cfg.ExplicitWeight*indicator(explicit)
	return clamp01(raw)
}

// accessTerm grows logarithmically and saturates at AccessSaturation-1 uses.
func (s Scorer) accessTerm(count int) float64 {
	if count <= 0 || s.cfg.AccessSaturation <= 1 {
		return 0
	}
	return math.Min(1, math.Log(1+float64(count))/math.Log(s.cfg.AccessSaturation))
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
