package market

import (
	"context"
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// SwingAnalyzer derives fractal swing points, equal highs/lows and structural
// breaks from a bar series.
type SwingAnalyzer struct {
	strength  int
	tolerance float64 // relative distance for two swings to count as equal
}

// NewSwingAnalyzer creates an analyzer. strength is the number of bars on each
// side a pivot must dominate.
func NewSwingAnalyzer(strength int, tolerance float64) *SwingAnalyzer {
	if strength < 1 {
		strength = 2
	}
	if tolerance <= 0 {
		tolerance = 0.0005
	}
	return &SwingAnalyzer{strength: strength, tolerance: tolerance}
}

// Analyze never fails on short input; it returns an empty report instead.
func (a *SwingAnalyzer) Analyze(ctx context.Context, bars []types.Bar) (*StructureReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report := &StructureReport{}
	if len(bars) < 2*a.strength+1 {
		return report, nil
	}

	highs, lows := a.pivots(bars)
	report.SwingHighs = highs
	report.SwingLows = lows
	report.EqualHighs, report.EqualHighLevel = a.equalLevels(highs)
	report.EqualLows, report.EqualLowLevel = a.equalLevels(lows)
	report.Breaks = a.breaks(bars, highs, lows)
	return report, nil
}

func (a *SwingAnalyzer) pivots(bars []types.Bar) (highs, lows []SwingPoint) {
	k := a.strength
	for i := k; i < len(bars)-k; i++ {
		isHigh, isLow := true, true
		for j := i - k; j <= i+k && (isHigh || isLow); j++ {
			if j == i {
				continue
			}
			if j < i {
				isHigh = isHigh && bars[i].High > bars[j].High
				isLow = isLow && bars[i].Low < bars[j].Low
			} else {
				isHigh = isHigh && bars[i].High >= bars[j].High
				isLow = isLow && bars[i].Low <= bars[j].Low
			}
		}
		if isHigh {
			highs = append(highs, SwingPoint{Index: i, Price: bars[i].High})
		}
		if isLow {
			lows = append(lows, SwingPoint{Index: i, Price: bars[i].Low})
		}
	}
	return highs, lows
}

// equalLevels compares the last three swings pairwise.
func (a *SwingAnalyzer) equalLevels(points []SwingPoint) (bool, float64) {
	if len(points) > 3 {
		points = points[len(points)-3:]
	}
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			p, q := points[i].Price, points[j].Price
			ref := math.Max(p, q)
			if ref > 0 && math.Abs(p-q)/ref <= a.tolerance {
				return true, (p + q) / 2
			}
		}
	}
	return false, 0
}

// breaks walks the bars and records each close beyond the latest confirmed,
// unbroken swing. A pivot at i is confirmed once bar i+strength has printed.
func (a *SwingAnalyzer) breaks(bars []types.Bar, highs, lows []SwingPoint) []StructureBreak {
	var (
		out                  []StructureBreak
		activeHigh, activeLo *SwingPoint
		trend                types.Direction
		hi, lo               int
	)
	for j := range bars {
		for hi < len(highs) && highs[hi].Index+a.strength <= j {
			activeHigh = &highs[hi]
			hi++
		}
		for lo < len(lows) && lows[lo].Index+a.strength <= j {
			activeLo = &lows[lo]
			lo++
		}

		c := bars[j].Close
		if activeHigh != nil && c > activeHigh.Price {
			out = append(out, StructureBreak{
				Kind:      a.kind(trend, types.DirectionLong, bars, j),
				Direction: types.DirectionLong,
				Level:     activeHigh.Price,
				BarIndex:  j,
			})
			trend = types.DirectionLong
			activeHigh = nil
		}
		if activeLo != nil && c < activeLo.Price {
			out = append(out, StructureBreak{
				Kind:      a.kind(trend, types.DirectionShort, bars, j),
				Direction: types.DirectionShort,
				Level:     activeLo.Price,
				BarIndex:  j,
			})
			trend = types.DirectionShort
			activeLo = nil
		}
	}
	return out
}

// kind labels a break against the prevailing direction as a change of
// character. Before any break, the net drift of the series sets the direction.
func (a *SwingAnalyzer) kind(trend, dir types.Direction, bars []types.Bar, j int) BreakKind {
	if trend == types.DirectionNone && j > 0 {
		drift := bars[j-1].Close - bars[0].Close
		switch {
		case drift > 0:
			trend = types.DirectionLong
		case drift < 0:
			trend = types.DirectionShort
		}
	}
	if trend != types.DirectionNone && trend != dir {
		return ChangeOfCharacter
	}
	return BreakOfStructure
}
