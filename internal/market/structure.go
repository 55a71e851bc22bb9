package market

import (
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// Boundary identifies an edge of a range
type Boundary string

const (
	BoundaryNone  Boundary = ""
	BoundaryLower Boundary = "lower"
	BoundaryUpper Boundary = "upper"
)

// NearBoundary returns the boundary price is within tolerance×width of. The
// closer boundary wins when both qualify.
func NearBoundary(price float64, rng *types.RangeStructure, tolerance float64) (Boundary, float64) {
	width := rng.Width()
	if width <= 0 {
		return BoundaryNone, 0
	}
	band := tolerance * width
	dLow, dHigh := math.Abs(price-rng.Low), math.Abs(rng.High-price)
	switch {
	case dLow <= band && dLow <= dHigh:
		return BoundaryLower, dLow / width
	case dHigh <= band:
		return BoundaryUpper, dHigh / width
	}
	return BoundaryNone, math.Min(dLow, dHigh) / width
}

// CountRespects counts bounces off either boundary: a bar trades to within
// tolerance×width of the edge and the next bar closes back inside by more than
// that bar's excursion beyond the edge. The last bar is never a touch since its
// follow-through has not printed.
func CountRespects(bars []types.Bar, rng *types.RangeStructure, tolerance float64) int {
	width := rng.Width()
	if width <= 0 || len(bars) < 2 {
		return 0
	}
	band := tolerance * width
	count := 0
	for i := 0; i < len(bars)-1; i++ {
		touch, next := bars[i], bars[i+1]
		switch {
		case touch.Low <= rng.Low+band:
			excursion := math.Max(rng.Low-touch.Low, 0)
			if next.Close-rng.Low > excursion && next.Close < rng.High {
				count++
				i++
			}
		case touch.High >= rng.High-band:
			excursion := math.Max(touch.High-rng.High, 0)
			if rng.High-next.Close > excursion && next.Close > rng.Low {
				count++
				i++
			}
		}
	}
	return count
}

// Sweep is a wick through a range boundary that closed back inside
type Sweep struct {
	Direction types.Direction `json:"direction"` // trade direction implied by the sweep
	Boundary  Boundary        `json:"boundary"`
	Extreme   float64         `json:"extreme"`
	BarIndex  int             `json:"bar_index"`
}

// FindSweep returns the most recent sweep within the last lookback bars.
func FindSweep(bars []types.Bar, rng *types.RangeStructure, lookback int) *Sweep {
	if rng.Width() <= 0 {
		return nil
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	for i := len(bars) - 1; i >= start; i-- {
		b := bars[i]
		if b.Low < rng.Low && b.Close > rng.Low {
			return &Sweep{Direction: types.DirectionLong, Boundary: BoundaryLower, Extreme: b.Low, BarIndex: i}
		}
		if b.High > rng.High && b.Close < rng.High {
			return &Sweep{Direction: types.DirectionShort, Boundary: BoundaryUpper, Extreme: b.High, BarIndex: i}
		}
	}
	return nil
}
