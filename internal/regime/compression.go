package regime

import (
	"context"
	"math"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// Compression-balance confidence weights
const (
	compWeightBlock     = 25.0
	compWeightLiquidity = 25.0
	compWeightAlignment = 20.0
	compWeightDeclining = 15.0
	compWeightChoppy    = 15.0
)

// CompressionClassifier detects a balanced, compressing market
type CompressionClassifier struct {
	config types.CompressionConfig
	floor  float64
	suite  *market.Suite
}

// NewCompressionClassifier creates the classifier.
func NewCompressionClassifier(config types.CompressionConfig, floor float64, suite *market.Suite) *CompressionClassifier {
	return &CompressionClassifier{config: config, floor: floor, suite: suite}
}

// Regime implements Classifier.
func (c *CompressionClassifier) Regime() types.RegimeType {
	return types.RegimeCompressionBalance
}

// Classify gates on band-width compression and a news blackout, then scores
// the remaining balance evidence.
func (c *CompressionClassifier) Classify(ctx context.Context, snap *types.Snapshot) types.RegimeCandidate {
	regime := c.Regime()
	if snap == nil || snap.CurrentPrice <= 0 {
		return reject(regime, c.floor, "no price", nil)
	}
	primary := snap.Primary()
	bw, ok := indicators.BandWidth(indicators.Closes(primary), c.config.BandPeriod, c.config.BandStdDev)
	if !ok {
		return reject(regime, c.floor, "insufficient history", nil)
	}
	chars := types.Characteristics{"band_width": bw}
	if bw >= c.config.BandWidthMax {
		return reject(regime, c.floor, "band too wide", chars)
	}

	category := snap.Auxiliary.NewsCategory
	if category == "" {
		category = c.config.NewsCategory
	}
	if c.suite.Blackout(ctx, category, snap.AsOf) {
		return reject(regime, c.floor, "news blackout", chars)
	}

	report := c.suite.Structure(ctx, primary)
	symmetric := report.SymmetricLiquidity()

	window := indicators.Tail(primary, c.config.IntradayLookback)
	mid := (indicators.HighestHigh(window) + indicators.LowestLow(window)) / 2
	aligned := snap.ReferenceLevel > 0 &&
		math.Abs(snap.ReferenceLevel-mid)/snap.CurrentPrice < c.config.AlignmentTolerance

	atr := longVolatility(snap, primary, c.config.ATRPeriod)
	block := tightStructure(primary, atr, c.config.TightRangeATR)
	secondary := snap.Timeframe(types.Timeframe5m)
	mtfFallback := secondary == nil
	if !mtfFallback {
		block = block && tightStructure(secondary, indicators.ATR(secondary, c.config.ATRPeriod), c.config.TightRangeATR)
	}

	ratio, ok := indicators.VolatilityRatio(primary, c.config.ATRPeriod)
	declining := ok && ratio < c.config.DecliningRatio
	choppy, wicky, displacement := c.choppy(primary)

	chars["compression_block"] = block
	chars["mtf_fallback"] = mtfFallback
	chars["symmetric_liquidity"] = symmetric
	chars["aligned"] = aligned
	chars["intraday_mid"] = mid
	chars["declining_volatility"] = declining
	chars["atr_ratio"] = ratio
	chars["choppy"] = choppy
	chars["wicky_bars"] = wicky
	chars["displacement_bars"] = displacement
	if report != nil {
		chars["equal_high_level"] = report.EqualHighLevel
		chars["equal_low_level"] = report.EqualLowLevel
	}

	confidence := score(compWeightBlock, block) +
		score(compWeightLiquidity, symmetric) +
		score(compWeightAlignment, aligned) +
		score(compWeightDeclining, declining) +
		score(compWeightChoppy, choppy)

	return types.RegimeCandidate{
		Regime:          regime,
		Detected:        true,
		Confidence:      confidence,
		ConfidenceFloor: c.floor,
		Characteristics: chars,
	}
}

// tightStructure reports an inside bar or a last-three-bar range within
// multiple×atr.
func tightStructure(bars []types.Bar, atr, multiple float64) bool {
	n := len(bars)
	if n < 2 {
		return false
	}
	if indicators.IsInsideBar(bars[n-2], bars[n-1]) {
		return true
	}
	if n < 3 || atr <= 0 {
		return false
	}
	last := bars[n-3:]
	return indicators.HighestHigh(last)-indicators.LowestLow(last) <= multiple*atr
}

// choppy counts wick-dominated bars and strong-bodied displacement bars.
func (c *CompressionClassifier) choppy(bars []types.Bar) (bool, int, int) {
	window := indicators.Tail(bars, c.config.ChoppyWindow)
	if len(window) < c.config.ChoppyWindow {
		return false, 0, 0
	}
	wicky, displacement := 0, 0
	for _, b := range window {
		r := indicators.BarRange(b)
		if r <= 0 {
			continue
		}
		body := indicators.Body(b)
		if indicators.UpperWick(b)+indicators.LowerWick(b) > body {
			wicky++
		}
		if body >= c.config.DisplacementBody*r {
			displacement++
		}
	}
	return wicky >= c.config.ChoppyMinWicky && displacement <= c.config.MaxDisplacement, wicky, displacement
}
