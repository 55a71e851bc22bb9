package strategy

import (
	"context"
	"math"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	fallbackExtremeBars = 5
	fallbackSignalBars  = 5
)

// EdgeFallback is the regime-agnostic strategy used whenever no regime
// qualifies or a specialized strategy cannot be built. Its constructor cannot
// fail: unusable settings are replaced by defaults.
type EdgeFallback struct {
	logger *zap.Logger
	config types.FallbackConfig
	suite  *market.Suite
}

// NewEdgeFallback creates the fallback strategy.
func NewEdgeFallback(deps Deps) *EdgeFallback {
	def := types.DefaultConfig().Fallback
	cfg := def
	if deps.Config != nil {
		cfg = deps.Config.Fallback
	}
	if cfg.RangeLookback < 2 {
		cfg.RangeLookback = def.RangeLookback
	}
	if cfg.EdgeFraction <= 0 || cfg.EdgeFraction >= 0.5 {
		cfg.EdgeFraction = def.EdgeFraction
	}
	if cfg.MinZScore <= 0 {
		cfg.MinZScore = def.MinZScore
	}
	if cfg.VolumeMultiple <= 0 {
		cfg.VolumeMultiple = def.VolumeMultiple
	}
	if cfg.WickBodyRatio <= 0 {
		cfg.WickBodyRatio = def.WickBodyRatio
	}
	if cfg.StopBuffer < 0 {
		cfg.StopBuffer = def.StopBuffer
	}
	return &EdgeFallback{logger: deps.logger(), config: cfg, suite: deps.Suite}
}

// ID implements Strategy.
func (s *EdgeFallback) ID() types.StrategyID {
	return types.StrategyEdgeFallback
}

// CheckLocation passes when price sits in the outer band of the recent range
// or is stretched from the reference level.
func (s *EdgeFallback) CheckLocation(ctx context.Context, in *Input) LocationResult {
	window := indicators.Tail(in.Bars, s.config.RangeLookback)
	hi, lo := indicators.HighestHigh(window), indicators.LowestLow(window)
	if hi-lo <= 0 {
		return LocationResult{Reason: "no recent range"}
	}

	price := in.Price()
	pos := (price - lo) / (hi - lo)
	evidence := map[string]any{
		"range_high":     hi,
		"range_low":      lo,
		"range_mid":      (hi + lo) / 2,
		"range_position": pos,
	}
	snap := in.Snapshot
	z := indicators.ZScore(price, snap.ReferenceLevel, snap.ReferenceDispersion)
	if snap.ReferenceLevel > 0 {
		evidence["z_score"] = z
	}

	switch {
	case pos <= s.config.EdgeFraction:
		evidence["location"] = "lower_edge"
		return LocationResult{Passed: true, Direction: types.DirectionLong, Level: lo, Evidence: evidence}
	case pos >= 1-s.config.EdgeFraction:
		evidence["location"] = "upper_edge"
		return LocationResult{Passed: true, Direction: types.DirectionShort, Level: hi, Evidence: evidence}
	case math.Abs(z) >= s.config.MinZScore:
		evidence["location"] = "stretched"
		return LocationResult{Passed: true, Direction: directionFor(z < 0), Level: snap.ReferenceLevel, Evidence: evidence}
	}
	return LocationResult{Reason: "price not stretched from mean", Evidence: evidence}
}

// CheckSignals looks for a structure break or an engulfing reversal, confirmed
// by volume or a rejection wick.
func (s *EdgeFallback) CheckSignals(ctx context.Context, in *Input, loc LocationResult) SignalResult {
	bars := in.Bars
	dir := loc.Direction
	sig := SignalResult{Direction: dir, EntryType: "edge_reversal", Evidence: map[string]any{}}
	last := len(bars) - 1
	if last < 1 {
		return sig
	}

	report := s.suite.Structure(ctx, bars)
	if brk := report.LastBreak("", dir, len(bars)-fallbackSignalBars); brk != nil {
		sig.Primary = append(sig.Primary, Trigger{Name: "structure_break", Price: brk.Level, BarIndex: brk.BarIndex})
	}
	if engulfing(bars[last-1], bars[last], dir) {
		sig.Primary = append(sig.Primary, Trigger{Name: "engulfing", Price: bars[last].Close, BarIndex: last})
	}

	mean, _, count := indicators.TrailingVolume(bars, s.config.RangeLookback)
	if count > 0 && mean > 0 && bars[last].Volume >= s.config.VolumeMultiple*mean {
		sig.Secondary = append(sig.Secondary, Trigger{Name: "volume", Price: bars[last].Close, BarIndex: last})
	}
	if i := absorptionWick(bars, last, dir, s.config.WickBodyRatio); i >= 0 {
		sig.Secondary = append(sig.Secondary, Trigger{Name: "wick_rejection", Price: bars[i].Close, BarIndex: i})
	}
	return sig
}

// Contributions implements Strategy.
func (s *EdgeFallback) Contributions(in *Input, loc LocationResult, sig SignalResult) map[string]float64 {
	location := 1.0
	if evString(loc.Evidence, "location") == "stretched" {
		location = math.Abs(evFloat(loc.Evidence, "z_score")) / (2 * s.config.MinZScore)
	}
	return map[string]float64{
		"location":  location,
		"structure": flag(len(sig.Primary) > 0),
		"volume":    flag(sig.HasSecondary("volume")),
		"wick":      flag(sig.HasSecondary("wick_rejection")),
	}
}

// GenerateProposal enters at the current price, stops beyond the recent
// extreme and targets the middle of the recent range.
func (s *EdgeFallback) GenerateProposal(v *Verdict) (*types.TradeProposal, bool) {
	if !v.Passed() {
		return nil, false
	}
	in := v.Input
	dir := v.Signals.Direction
	entry := in.Price()

	window := indicators.Tail(in.Bars, fallbackExtremeBars)
	extreme := indicators.LowestLow(window)
	if dir == types.DirectionShort {
		extreme = indicators.HighestHigh(window)
	}
	return finalize(&types.TradeProposal{
		Direction:       dir,
		EntryPrice:      entry,
		StopPrice:       bufferedStop(entry, extreme, s.config.StopBuffer, dir),
		TargetPrice:     evFloat(v.Location.Evidence, "range_mid"),
		StrategyID:      s.ID(),
		EntryType:       v.Signals.EntryType,
		ConfluenceScore: v.Result.ConfluenceScore,
	})
}

// engulfing reports a bar whose body engulfs the prior opposite-colored body
// in the trade direction.
func engulfing(prev, cur types.Bar, dir types.Direction) bool {
	sign := dir.Sign()
	if (cur.Close-cur.Open)*sign <= 0 || (prev.Close-prev.Open)*sign >= 0 {
		return false
	}
	return math.Max(cur.Open, cur.Close) >= math.Max(prev.Open, prev.Close) &&
		math.Min(cur.Open, cur.Close) <= math.Min(prev.Open, prev.Close)
}
