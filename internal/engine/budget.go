package engine

import (
	"math"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/model"
)

// AllocateSlots splits the token budget left after reserved across kinds in
// proportion to their weights. Every weighted kind gets between its Min and
// Max slots; kinds with zero weight get none.
func AllocateSlots(tokenBudget, reserved int, weights map[model.Kind]float64, budgets map[model.Kind]config.KindBudget) map[model.Kind]int {
	available := max(0, tokenBudget-reserved)

	var total float64
	for _, k := range model.Kinds {
		total += math.Max(0, weights[k])
	}

	slots := make(map[model.Kind]int, len(model.Kinds))
	if total == 0 {
		return slots
	}
	for _, k := range model.Kinds {
		w := weights[k]
		if w <= 0 {
			continue
		}
		b := budgets[k]
		n := 0
		if b.TokenCost > 0 {
			n = int(math.Floor(float64(available) * w / total / float64(b.TokenCost)))
		}
		slots[k] = max(b.Min, min(b.Max, n))
	}
	return slots
}

func kindBudgets(cfg config.RetrievalConfig) map[model.Kind]config.KindBudget {
	return map[model.Kind]config.KindBudget{
		model.KindSemantic:   cfg.Semantic,
		model.KindEpisodic:   cfg.Episodic,
		model.KindProcedural: cfg.Procedural,
	}
}

func defaultKindWeights(cfg config.RetrievalConfig) map[model.Kind]float64 {
	return map[model.Kind]float64{
		model.KindSemantic:   cfg.Semantic.Weight,
		model.KindEpisodic:   cfg.Episodic.Weight,
		model.KindProcedural: cfg.Procedural.Weight,
	}
}
