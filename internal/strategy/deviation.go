package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// DeviationReversion fades price stretched away from its reference level once
// structure turns back toward it.
type DeviationReversion struct {
	logger *zap.Logger
	config types.DeviationConfig
	suite  *market.Suite
}

// NewDeviationReversion creates the strategy.
func NewDeviationReversion(deps Deps) (*DeviationReversion, error) {
	cfg := deps.config().Deviation
	th := cfg.ThresholdFor("default")
	switch {
	case th.ZScore <= 0 || th.Percent <= 0:
		return nil, fmt.Errorf("%w: deviation thresholds must be positive", ErrMisconfigured)
	case cfg.SlopeLookback < 1 || cfg.SignalLookback < 1 || cfg.ExtremeLookback < 1:
		return nil, fmt.Errorf("%w: deviation lookbacks must be at least 1", ErrMisconfigured)
	case cfg.MaxSlopeRatio <= 0 || cfg.WickBodyRatio <= 0:
		return nil, fmt.Errorf("%w: deviation ratios must be positive", ErrMisconfigured)
	}
	return &DeviationReversion{logger: deps.logger(), config: cfg, suite: deps.Suite}, nil
}

// ID implements Strategy.
func (s *DeviationReversion) ID() types.StrategyID {
	return types.StrategyDeviationReversion
}

// CheckLocation re-validates the deviation magnitude and a shallow reference slope.
func (s *DeviationReversion) CheckLocation(ctx context.Context, in *Input) LocationResult {
	snap := in.Snapshot
	ref, disp := snap.ReferenceLevel, snap.ReferenceDispersion
	if ref <= 0 || disp <= 0 {
		return LocationResult{Reason: "no reference dispersion"}
	}
	if in.ShortVolatility <= 0 {
		return LocationResult{Reason: "short volatility unavailable"}
	}

	price := in.Price()
	th := s.config.ThresholdFor(snap.AssetClass)
	z := indicators.ZScore(price, ref, disp)
	pct := math.Abs(price-ref) / ref
	strength := math.Max(math.Abs(z)/th.ZScore, pct/th.Percent)
	evidence := map[string]any{
		"z_score":            z,
		"deviation_pct":      pct,
		"deviation_strength": strength,
		"deviation_atr":      math.Abs(price-ref) / in.ShortVolatility,
	}
	if math.Abs(z) < th.ZScore && pct < th.Percent {
		return LocationResult{Reason: fmt.Sprintf("deviation %.2f below threshold", z), Evidence: evidence}
	}

	series := indicators.ReferenceSeries(snap, s.config.SlopeLookback)
	slope, ok := indicators.Slope(series, s.config.SlopeLookback)
	if !ok {
		return LocationResult{Reason: "reference slope unavailable", Evidence: evidence}
	}
	slopeRatio := math.Abs(slope) / in.ShortVolatility
	evidence["slope_ratio"] = slopeRatio
	if slopeRatio >= s.config.MaxSlopeRatio {
		return LocationResult{Reason: fmt.Sprintf("reference slope %.3f too steep", slopeRatio), Evidence: evidence}
	}

	return LocationResult{
		Passed:    true,
		Direction: directionFor(price < ref),
		Level:     ref,
		Evidence:  evidence,
	}
}

// CheckSignals looks for a change of character at the extreme, confirmed by
// volume or an absorption wick.
func (s *DeviationReversion) CheckSignals(ctx context.Context, in *Input, loc LocationResult) SignalResult {
	bars := in.Bars
	dir := loc.Direction
	sig := SignalResult{Direction: dir, EntryType: "reversal", Evidence: map[string]any{}}
	since := len(bars) - s.config.SignalLookback

	report := s.suite.Structure(ctx, bars)
	if brk := report.LastBreak(market.ChangeOfCharacter, dir, since); brk != nil {
		sig.Primary = append(sig.Primary, Trigger{Name: "change_of_character", Price: brk.Level, BarIndex: brk.BarIndex})
	}

	last := len(bars) - 1
	mean, _, count := indicators.TrailingVolume(bars, s.config.VolumeLookback)
	if count > 0 && mean > 0 {
		ratio := bars[last].Volume / mean
		sig.Evidence["volume_ratio"] = ratio
		if ratio >= s.config.VolumeMultiple {
			sig.Secondary = append(sig.Secondary, Trigger{Name: "volume_confirmation", Price: bars[last].Close, BarIndex: last})
		}
	}

	if i := absorptionWick(bars, since, dir, s.config.WickBodyRatio); i >= 0 {
		sig.Secondary = append(sig.Secondary, Trigger{Name: "absorption_wick", Price: bars[i].Close, BarIndex: i})
	}
	return sig
}

// Contributions implements Strategy.
func (s *DeviationReversion) Contributions(in *Input, loc LocationResult, sig SignalResult) map[string]float64 {
	return map[string]float64{
		"deviation":  math.Min(1, evFloat(loc.Evidence, "deviation_strength")/1.5),
		"structure":  flag(len(sig.Primary) > 0),
		"volume":     flag(sig.HasSecondary("volume_confirmation")),
		"absorption": flag(sig.HasSecondary("absorption_wick")),
	}
}

// GenerateProposal enters on a break of the signal bar, stops beyond the
// recent extreme and targets the reference level.
func (s *DeviationReversion) GenerateProposal(v *Verdict) (*types.TradeProposal, bool) {
	if !v.Passed() {
		return nil, false
	}
	in := v.Input
	bars := in.Bars
	dir := v.Signals.Direction
	price := in.Price()

	entry := price
	if trig := v.Signals.FirstPrimary(); trig != nil && trig.BarIndex >= 0 && trig.BarIndex < len(bars) {
		signal := bars[trig.BarIndex]
		if dir == types.DirectionLong && price < signal.High {
			entry = signal.High
		}
		if dir == types.DirectionShort && price > signal.Low {
			entry = signal.Low
		}
	}

	window := indicators.Tail(bars, s.config.ExtremeLookback)
	extreme := indicators.LowestLow(window)
	if dir == types.DirectionShort {
		extreme = indicators.HighestHigh(window)
	}

	ref := in.Snapshot.ReferenceLevel
	return finalize(&types.TradeProposal{
		Direction:       dir,
		EntryPrice:      entry,
		StopPrice:       bufferedStop(entry, extreme, s.config.StopBuffer, dir),
		TargetPrice:     ref,
		SecondaryTarget: ptr(ref + dir.Sign()*in.Snapshot.ReferenceDispersion),
		StrategyID:      s.ID(),
		EntryType:       v.Signals.EntryType,
		ConfluenceScore: v.Result.ConfluenceScore,
	})
}

// absorptionWick returns the index of the most recent bar since start whose
// wick on the extreme side is at least ratio times its body, or -1.
func absorptionWick(bars []types.Bar, start int, dir types.Direction, ratio float64) int {
	if start < 0 {
		start = 0
	}
	for i := len(bars) - 1; i >= start; i-- {
		b := bars[i]
		wick := indicators.LowerWick(b)
		if dir == types.DirectionShort {
			wick = indicators.UpperWick(b)
		}
		if wick > 0 && wick >= ratio*indicators.Body(b) {
			return i
		}
	}
	return -1
}
