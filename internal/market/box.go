package market

import (
	"context"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// BoxDetector reports the high/low box of the most recent bars
type BoxDetector struct {
	bars int
}

// NewBoxDetector creates a detector spanning n bars.
func NewBoxDetector(n int) *BoxDetector {
	if n < 2 {
		n = 20
	}
	return &BoxDetector{bars: n}
}

// DetectRange returns nil when fewer than n bars exist or the box is flat.
func (d *BoxDetector) DetectRange(ctx context.Context, bars []types.Bar) (*types.RangeStructure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bars) < d.bars {
		return nil, nil
	}
	window := indicators.Tail(bars, d.bars)
	high, low := indicators.HighestHigh(window), indicators.LowestLow(window)
	if high <= low {
		return nil, nil
	}
	return types.NewRangeStructure(high, low, "detector"), nil
}
