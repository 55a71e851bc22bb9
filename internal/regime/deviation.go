package regime

import (
	"context"
	"math"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// Deviation-reversion confidence weights
const (
	devWeightDeviation = 40.0
	devWeightVolume    = 20.0
	devWeightSlope     = 20.0
	devWeightStability = 20.0
)

// DeviationClassifier detects price stretched away from its reference level
type DeviationClassifier struct {
	config types.DeviationConfig
	floor  float64
}

// NewDeviationClassifier creates the classifier.
func NewDeviationClassifier(config types.DeviationConfig, floor float64) *DeviationClassifier {
	return &DeviationClassifier{config: config, floor: floor}
}

// Regime implements Classifier.
func (c *DeviationClassifier) Regime() types.RegimeType {
	return types.RegimeDeviationReversion
}

// Classify scores the deviation of price from the reference level in
// dispersion units plus volume, slope and stability evidence.
func (c *DeviationClassifier) Classify(ctx context.Context, snap *types.Snapshot) types.RegimeCandidate {
	regime := c.Regime()
	if snap == nil || snap.CurrentPrice <= 0 {
		return reject(regime, c.floor, "no price", nil)
	}
	ref, disp := snap.ReferenceLevel, snap.ReferenceDispersion
	if ref <= 0 {
		return reject(regime, c.floor, "no reference level", nil)
	}
	if disp <= 0 || math.IsNaN(disp) {
		return reject(regime, c.floor, "no reference dispersion", nil)
	}

	price := snap.CurrentPrice
	bars := snap.Primary()
	th := c.config.ThresholdFor(snap.AssetClass)

	z := indicators.ZScore(price, ref, disp)
	pct := math.Abs(price-ref) / ref
	hit := math.Abs(z) >= th.ZScore || pct >= th.Percent
	strength := math.Max(math.Abs(z)/th.ZScore, pct/th.Percent)

	direction := types.DirectionShort
	if price < ref {
		direction = types.DirectionLong
	}

	surge, volRatio := c.volumeSurge(bars)
	flat, slopeRatio := c.flatSlope(snap, bars)
	stable, atrRatio := c.stable(bars)

	chars := types.Characteristics{
		"z_score":            z,
		"deviation_pct":      pct,
		"deviation_strength": strength,
		"deviation_hit":      hit,
		"direction":          string(direction),
		"volume_surge":       surge,
		"volume_ratio":       volRatio,
		"flat_slope":         flat,
		"slope_ratio":        slopeRatio,
		"stable_volatility":  stable,
		"atr_ratio":          atrRatio,
		"momentum_reversal":  momentumReversal(bars, direction),
	}

	confidence := score(devWeightDeviation, hit) +
		score(devWeightVolume, surge) +
		score(devWeightSlope, flat) +
		score(devWeightStability, stable)

	cand := types.RegimeCandidate{
		Regime:          regime,
		Detected:        hit,
		Confidence:      confidence,
		ConfidenceFloor: c.floor,
		Characteristics: chars,
	}
	if !hit {
		cand.RejectReason = "deviation below threshold"
	}
	return cand
}

func (c *DeviationClassifier) volumeSurge(bars []types.Bar) (bool, float64) {
	mean, sd, count := indicators.TrailingVolume(bars, c.config.VolumeLookback)
	if count == 0 || mean <= 0 {
		return false, 0
	}
	last := bars[len(bars)-1].Volume
	ratio := last / mean
	if ratio >= c.config.VolumeMultiple {
		return true, ratio
	}
	if count >= c.config.VolumeZMinHistory && sd > 0 {
		return indicators.ZScore(last, mean, sd) >= c.config.VolumeZThreshold, ratio
	}
	return false, ratio
}

// flatSlope normalizes the reference slope by short volatility. The snapshot's
// reference history is used when long enough, else a VWAP series of the bars.
func (c *DeviationClassifier) flatSlope(snap *types.Snapshot, bars []types.Bar) (bool, float64) {
	series := indicators.ReferenceSeries(snap, c.config.SlopeLookback)
	slope, ok := indicators.Slope(series, c.config.SlopeLookback)
	vol := shortVolatility(snap, bars)
	if !ok || vol <= 0 {
		return false, 0
	}
	ratio := math.Abs(slope) / vol
	return ratio < c.config.MaxSlopeRatio, ratio
}

func (c *DeviationClassifier) stable(bars []types.Bar) (bool, float64) {
	ratio, ok := indicators.VolatilityRatio(bars, c.config.ATRPeriod)
	if !ok {
		return false, 0
	}
	return ratio >= c.config.StabilityLow && ratio <= c.config.StabilityHigh, ratio
}

// momentumReversal reports a last bar closing in the reversion direction.
func momentumReversal(bars []types.Bar, dir types.Direction) bool {
	if len(bars) == 0 {
		return false
	}
	last := bars[len(bars)-1]
	return (last.Close-last.Open)*dir.Sign() > 0
}
