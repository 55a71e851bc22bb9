package regime

import (
	"context"
	"math"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// Range-edge confidence weights
const (
	rangeWeightProximity   = 30.0
	rangeWeightRespects    = 30.0
	rangeWeightCompression = 20.0
	rangeWeightTrend       = 20.0
)

// RangeEdgeClassifier detects price at the edge of a tight range
type RangeEdgeClassifier struct {
	config types.RangeEdgeConfig
	floor  float64
	suite  *market.Suite
}

// NewRangeEdgeClassifier creates the classifier. suite may be nil, in which case
// the intraday high/low range is always used.
func NewRangeEdgeClassifier(config types.RangeEdgeConfig, floor float64, suite *market.Suite) *RangeEdgeClassifier {
	return &RangeEdgeClassifier{config: config, floor: floor, suite: suite}
}

// Regime implements Classifier.
func (c *RangeEdgeClassifier) Regime() types.RegimeType {
	return types.RegimeRangeEdge
}

// Classify derives the range, applies the width hard gate and scores proximity,
// respects, band compression and trend neutrality.
func (c *RangeEdgeClassifier) Classify(ctx context.Context, snap *types.Snapshot) types.RegimeCandidate {
	regime := c.Regime()
	if snap == nil || snap.CurrentPrice <= 0 {
		return reject(regime, c.floor, "no price", nil)
	}
	primary := snap.Primary()
	coarse, tf := snap.Coarsest()
	if coarse == nil {
		return reject(regime, c.floor, "range unavailable", nil)
	}

	rng := c.suite.Range(ctx, coarse)
	if rng == nil || rng.Width() <= 0 {
		rng = intradayRange(primary, c.config.IntradayLookback)
	}
	if rng == nil {
		return reject(regime, c.floor, "range unavailable", nil)
	}

	chars := types.Characteristics{
		"range":        rng,
		"range_source": rng.Source,
		"range_width":  rng.Width(),
		"timeframe":    string(tf),
	}
	if rng.Width() <= 0 {
		return reject(regime, c.floor, "degenerate range", chars)
	}

	atr := longVolatility(snap, primary, c.config.ATRPeriod)
	if atr <= 0 {
		return reject(regime, c.floor, "no volatility reference", chars)
	}
	widthRatio := rng.Width() / atr
	chars["width_atr_ratio"] = widthRatio
	if widthRatio >= c.config.MaxWidthATR {
		return reject(regime, c.floor, "range too wide", chars)
	}

	boundary, distance := market.NearBoundary(snap.CurrentPrice, rng, c.config.ProximityTolerance)
	near := boundary != market.BoundaryNone
	respects := market.CountRespects(primary, rng, c.config.ProximityTolerance)
	compressed, bandWidth := bandCompressed(primary, c.config)
	neutral, drift := neutralTrend(coarse, c.config.TrendLookback, c.config.TrendNeutralPct)

	direction := types.DirectionNone
	switch boundary {
	case market.BoundaryLower:
		direction = types.DirectionLong
	case market.BoundaryUpper:
		direction = types.DirectionShort
	}

	chars["near_boundary"] = near
	chars["boundary"] = string(boundary)
	chars["boundary_distance"] = distance
	chars["direction"] = string(direction)
	chars["respects"] = respects
	chars["band_compressed"] = compressed
	chars["band_width"] = bandWidth
	chars["trend_neutral"] = neutral
	chars["trend_drift_pct"] = drift

	confidence := score(rangeWeightProximity, near) +
		score(rangeWeightRespects, respects >= c.config.MinRespects) +
		score(rangeWeightCompression, compressed) +
		score(rangeWeightTrend, neutral)

	cand := types.RegimeCandidate{
		Regime:          regime,
		Detected:        near,
		Confidence:      confidence,
		ConfidenceFloor: c.floor,
		Characteristics: chars,
	}
	if !near {
		cand.RejectReason = "price not at a boundary"
	}
	return cand
}

func intradayRange(bars []types.Bar, lookback int) *types.RangeStructure {
	window := indicators.Tail(bars, lookback)
	if len(window) == 0 {
		return nil
	}
	return types.NewRangeStructure(indicators.HighestHigh(window), indicators.LowestLow(window), "intraday")
}

// bandCompressed checks the band width against the absolute threshold or its
// own trailing average.
func bandCompressed(bars []types.Bar, config types.RangeEdgeConfig) (bool, float64) {
	closes := indicators.Closes(bars)
	bw, ok := indicators.BandWidth(closes, config.BandPeriod, config.BandStdDev)
	if !ok {
		return false, 0
	}
	if bw < config.BandWidthMax {
		return true, bw
	}
	series := indicators.BandWidthSeries(closes, config.BandPeriod, config.BandStdDev)
	avg := indicators.Mean(series)
	return avg > 0 && bw < config.BandRelative*avg, bw
}

// neutralTrend compares the mean of the last n closes with the n before them.
// thresholdPct is in percent.
func neutralTrend(bars []types.Bar, n int, thresholdPct float64) (bool, float64) {
	if n <= 0 || len(bars) < 2*n {
		return false, 0
	}
	closes := indicators.Closes(bars)
	recent := indicators.Mean(closes[len(closes)-n:])
	prior := indicators.Mean(closes[len(closes)-2*n : len(closes)-n])
	if prior <= 0 {
		return false, 0
	}
	drift := math.Abs(recent-prior) / prior * 100
	return drift < thresholdPct, drift
}
