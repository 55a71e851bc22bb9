// Package market provides the contracts of the external market collaborators
// (range detection, microstructure analysis, news blackout lookup), default
// in-process implementations, and the Guard that bounds every call to them.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// ErrUnavailable is returned when a collaborator times out, fails or its circuit is open.
var ErrUnavailable = errors.New("collaborator unavailable")

// RangeDetector finds a consolidation range in a bar series. A nil range means
// "not in a range".
type RangeDetector interface {
	DetectRange(ctx context.Context, bars []types.Bar) (*types.RangeStructure, error)
}

// Analyzer extracts market structure from a bar series.
type Analyzer interface {
	Analyze(ctx context.Context, bars []types.Bar) (*StructureReport, error)
}

// NewsCalendar reports scheduled event blackouts.
type NewsCalendar interface {
	InBlackout(ctx context.Context, category string, at time.Time) (bool, error)
}

// BreakKind classifies a structural break
type BreakKind string

const (
	// BreakOfStructure continues the prevailing swing direction
	BreakOfStructure BreakKind = "BOS"
	// ChangeOfCharacter breaks against the prevailing swing direction
	ChangeOfCharacter BreakKind = "CHOCH"
)

// SwingPoint is a confirmed fractal pivot
type SwingPoint struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
}

// StructureBreak is a close beyond a prior swing point
type StructureBreak struct {
	Kind      BreakKind       `json:"kind"`
	Direction types.Direction `json:"direction"`
	Level     float64         `json:"level"`
	BarIndex  int             `json:"bar_index"`
}

// StructureReport is the output of an Analyzer
type StructureReport struct {
	SwingHighs     []SwingPoint     `json:"swing_highs"`
	SwingLows      []SwingPoint     `json:"swing_lows"`
	EqualHighs     bool             `json:"equal_highs"`
	EqualLows      bool             `json:"equal_lows"`
	EqualHighLevel float64          `json:"equal_high_level,omitempty"`
	EqualLowLevel  float64          `json:"equal_low_level,omitempty"`
	Breaks         []StructureBreak `json:"breaks"`
}

// SymmetricLiquidity reports equal highs or equal lows. Safe on a nil report.
func (r *StructureReport) SymmetricLiquidity() bool {
	return r != nil && (r.EqualHighs || r.EqualLows)
}

// LastBreak returns the most recent break of the given kind and direction at or
// after bar index since. An empty kind matches both kinds.
func (r *StructureReport) LastBreak(kind BreakKind, dir types.Direction, since int) *StructureBreak {
	if r == nil {
		return nil
	}
	for i := len(r.Breaks) - 1; i >= 0; i-- {
		b := r.Breaks[i]
		if b.BarIndex < since {
			break
		}
		if b.Direction == dir && (kind == "" || b.Kind == kind) {
			return &r.Breaks[i]
		}
	}
	return nil
}
