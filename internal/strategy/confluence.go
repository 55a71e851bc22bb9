package strategy

import (
	"sort"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
)

// Scorer combines named evidence values into a confluence score
type Scorer struct {
	weights map[string]map[string]float64
}

// NewScorer creates a scorer over configured weight tables. Strategies without a
// configured table use their built-in defaults.
func NewScorer(weights map[string]map[string]float64) *Scorer {
	return &Scorer{weights: weights}
}

// Weights returns the table in effect for a strategy.
func (s *Scorer) Weights(id types.StrategyID) map[string]float64 {
	if table, ok := s.weights[string(id)]; ok && len(table) > 0 {
		return table
	}
	return types.DefaultWeights()[string(id)]
}

// Score sums weight × value over the named contributions. Values are clamped to
// [0, 1] and names absent from the weight table contribute nothing.
func (s *Scorer) Score(id types.StrategyID, contributions map[string]float64) (float64, map[string]float64) {
	table := s.Weights(id)
	names := make([]string, 0, len(contributions))
	for name := range contributions {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0.0
	breakdown := make(map[string]float64, len(names))
	for _, name := range names {
		w, ok := table[name]
		if !ok {
			continue
		}
		v := contributions[name]
		if !utils.IsFinite(v) {
			v = 0
		}
		part := w * utils.Clamp(v, 0, 1)
		breakdown[name] = part
		total += part
	}
	return total, breakdown
}
