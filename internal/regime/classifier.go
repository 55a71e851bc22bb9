// Package regime classifies the short-term behavior of an instrument into a
// market regime and smooths the classification across evaluation cycles.
package regime

import (
	"context"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// Classifier produces one regime candidate from a snapshot. Implementations
// never panic on missing data; they return an undetected candidate instead.
type Classifier interface {
	Regime() types.RegimeType
	Classify(ctx context.Context, snap *types.Snapshot) types.RegimeCandidate
}

func reject(regime types.RegimeType, floor float64, reason string, chars types.Characteristics) types.RegimeCandidate {
	if chars == nil {
		chars = types.Characteristics{}
	}
	return types.RegimeCandidate{
		Regime:          regime,
		Detected:        false,
		Confidence:      0,
		ConfidenceFloor: floor,
		Characteristics: chars,
		RejectReason:    reason,
	}
}

// longVolatility prefers the snapshot's 14-bar ATR and computes it otherwise.
func longVolatility(snap *types.Snapshot, bars []types.Bar, period int) float64 {
	if snap.LongVolatility > 0 {
		return snap.LongVolatility
	}
	return indicators.ATR(bars, period)
}

// shortVolatility prefers the snapshot's short ATR and computes a 5-bar ATR otherwise.
func shortVolatility(snap *types.Snapshot, bars []types.Bar) float64 {
	if snap.ShortVolatility > 0 {
		return snap.ShortVolatility
	}
	return indicators.ATR(bars, 5)
}

func score(weight float64, ok bool) float64 {
	if ok {
		return weight
	}
	return 0
}
