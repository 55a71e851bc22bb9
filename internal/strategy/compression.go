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

// Compression entry types
const (
	EntryFade     = "fade"
	EntryBreakout = "breakout"
)

// breakoutBaseBars is the inside structure the breakout stop sits beneath.
const breakoutBaseBars = 3

// CompressionBalance either fades the edges of a compression box while the
// market is balanced, or joins a volume-backed breakout out of it.
type CompressionBalance struct {
	logger *zap.Logger
	config types.CompressionConfig
	suite  *market.Suite
}

// NewCompressionBalance creates the strategy.
func NewCompressionBalance(deps Deps) (*CompressionBalance, error) {
	cfg := deps.config().Compression
	switch {
	case cfg.TargetMultiple < 1 || cfg.TargetMultiple > 1.5:
		return nil, fmt.Errorf("%w: target multiple %v outside [1, 1.5]", ErrMisconfigured, cfg.TargetMultiple)
	case cfg.BoxLookback < breakoutBaseBars:
		return nil, fmt.Errorf("%w: box lookback %d below %d", ErrMisconfigured, cfg.BoxLookback, breakoutBaseBars)
	case cfg.FadeStopPct <= 0:
		return nil, fmt.Errorf("%w: fade stop must be positive", ErrMisconfigured)
	case cfg.TapTolerance <= 0 || cfg.TapTolerance >= 0.5:
		return nil, fmt.Errorf("%w: tap tolerance %v outside (0, 0.5)", ErrMisconfigured, cfg.TapTolerance)
	case cfg.EquilibriumMA < 1:
		return nil, fmt.Errorf("%w: equilibrium average period must be at least 1", ErrMisconfigured)
	}
	return &CompressionBalance{logger: deps.logger(), config: cfg, suite: deps.Suite}, nil
}

// ID implements Strategy.
func (s *CompressionBalance) ID() types.StrategyID {
	return types.StrategyCompressionBalance
}

// box returns the compression box formed by the bars before the last one.
func (s *CompressionBalance) box(bars []types.Bar) (*types.RangeStructure, bool) {
	n := s.config.BoxLookback
	if len(bars) < n+1 {
		return nil, false
	}
	window := bars[len(bars)-1-n : len(bars)-1]
	rng := types.NewRangeStructure(indicators.HighestHigh(window), indicators.LowestLow(window), "box")
	return rng, rng.Width() > 0
}

// CheckLocation re-validates the compression block and classifies the entry
// type. Fades additionally require the short average to sit at the reference.
func (s *CompressionBalance) CheckLocation(ctx context.Context, in *Input) LocationResult {
	bars := in.Bars
	bw, ok := indicators.BandWidth(indicators.Closes(bars), s.config.BandPeriod, s.config.BandStdDev)
	if !ok {
		return LocationResult{Reason: "insufficient history"}
	}
	evidence := map[string]any{"band_width": bw}
	if bw >= s.config.BandWidthMax {
		return LocationResult{Reason: "compression block lost", Evidence: evidence}
	}
	box, ok := s.box(bars)
	if !ok {
		return LocationResult{Reason: "no compression box", Evidence: evidence}
	}
	evidence["box_high"] = box.High
	evidence["box_low"] = box.Low

	price := in.Price()
	switch {
	case price > box.High:
		evidence["entry_type"] = EntryBreakout
		return LocationResult{Passed: true, Direction: types.DirectionLong, Level: box.High, Evidence: evidence}
	case price < box.Low:
		evidence["entry_type"] = EntryBreakout
		return LocationResult{Passed: true, Direction: types.DirectionShort, Level: box.Low, Evidence: evidence}
	}

	boundary, _ := market.NearBoundary(price, box, s.config.TapTolerance)
	if boundary == market.BoundaryNone {
		return LocationResult{Reason: "price mid-box", Evidence: evidence}
	}
	evidence["entry_type"] = EntryFade

	ref := in.Snapshot.ReferenceLevel
	sma, ok := indicators.SMA(indicators.Closes(bars), s.config.EquilibriumMA)
	if ref <= 0 || !ok {
		return LocationResult{Reason: "no reference for equilibrium check", Evidence: evidence}
	}
	dist := math.Abs(sma-ref) / ref
	evidence["equilibrium_distance"] = dist
	if dist >= s.config.EquilibriumTolerance {
		return LocationResult{Reason: fmt.Sprintf("not at equilibrium: %.4f", dist), Evidence: evidence}
	}

	level := box.Low
	if boundary == market.BoundaryUpper {
		level = box.High
	}
	return LocationResult{
		Passed:    true,
		Direction: directionFor(boundary == market.BoundaryLower),
		Level:     level,
		Evidence:  evidence,
	}
}

// CheckSignals classifies the trigger by the entry type chosen at location.
func (s *CompressionBalance) CheckSignals(ctx context.Context, in *Input, loc LocationResult) SignalResult {
	entryType := evString(loc.Evidence, "entry_type")
	sig := SignalResult{Direction: loc.Direction, EntryType: entryType, Evidence: map[string]any{}}
	box, ok := s.box(in.Bars)
	if !ok {
		return sig
	}
	report := s.suite.Structure(ctx, in.Bars)
	if entryType == EntryBreakout {
		s.breakoutSignals(in.Bars, box, report, &sig)
	} else {
		s.fadeSignals(in.Bars, box, report, &sig)
	}
	return sig
}

func (s *CompressionBalance) fadeSignals(bars []types.Bar, box *types.RangeStructure, report *market.StructureReport, sig *SignalResult) {
	last := len(bars) - 1
	cur, prev := bars[last], bars[last-1]
	band := s.config.TapTolerance * box.Width()
	long := sig.Direction == types.DirectionLong

	tapped := cur.High >= box.High-band || prev.High >= box.High-band
	if long {
		tapped = cur.Low <= box.Low+band || prev.Low <= box.Low+band
	}
	reversal := (cur.Close-cur.Open)*sig.Direction.Sign() > 0
	if tapped && reversal {
		sig.Primary = append(sig.Primary, Trigger{Name: "fade_tap", Price: cur.Close, BarIndex: last})
	}

	if report.SymmetricLiquidity() {
		sig.Secondary = append(sig.Secondary, Trigger{Name: "symmetric_liquidity", BarIndex: last})
	}
	wick := indicators.UpperWick(cur)
	if long {
		wick = indicators.LowerWick(cur)
	}
	if wick > 0 && wick >= indicators.Body(cur) {
		sig.Secondary = append(sig.Secondary, Trigger{Name: "wick_rejection", Price: cur.Close, BarIndex: last})
	}
}

func (s *CompressionBalance) breakoutSignals(bars []types.Bar, box *types.RangeStructure, report *market.StructureReport, sig *SignalResult) {
	last := len(bars) - 1
	cur := bars[last]
	boxBars := bars[last-s.config.BoxLookback : last]
	avgVolume := indicators.Mean(indicators.Volumes(boxBars))

	outside := cur.Close > box.High
	if sig.Direction == types.DirectionShort {
		outside = cur.Close < box.Low
	}
	volRatio := 0.0
	if avgVolume > 0 {
		volRatio = cur.Volume / avgVolume
	}
	sig.Evidence["volume_ratio"] = volRatio
	if outside && volRatio >= s.config.BreakoutVolumeMultiple {
		sig.Primary = append(sig.Primary, Trigger{Name: "breakout_close", Price: cur.Close, BarIndex: last})
	}

	if atr := indicators.ATR(boxBars, len(boxBars)); atr > 0 && indicators.BarRange(cur) > atr {
		sig.Secondary = append(sig.Secondary, Trigger{Name: "range_expansion", Price: cur.Close, BarIndex: last})
	}
	if report != nil {
		run := report.EqualHighs && report.EqualHighLevel <= cur.High
		if sig.Direction == types.DirectionShort {
			run = report.EqualLows && report.EqualLowLevel >= cur.Low
		}
		if run {
			sig.Secondary = append(sig.Secondary, Trigger{Name: "liquidity_run", Price: cur.Close, BarIndex: last})
		}
	}
}

// Contributions implements Strategy.
func (s *CompressionBalance) Contributions(in *Input, loc LocationResult, sig SignalResult) map[string]float64 {
	chars := in.Regime.Characteristics
	compression := 0.5
	if chars.Bool("compression_block") {
		compression = 1
	}
	balance := flag(chars.Bool("aligned"))
	if sig.EntryType == EntryFade {
		balance = 1 - evFloat(loc.Evidence, "equilibrium_distance")/s.config.EquilibriumTolerance
	}
	return map[string]float64{
		"compression": compression,
		"liquidity":   flag(sig.HasSecondary("symmetric_liquidity") || sig.HasSecondary("liquidity_run")),
		"trigger":     flag(len(sig.Primary) > 0),
		"balance":     balance,
	}
}

// GenerateProposal uses a fixed-fraction stop for fades and the inside
// structure extreme for breakouts, with the target a multiple of the risk.
func (s *CompressionBalance) GenerateProposal(v *Verdict) (*types.TradeProposal, bool) {
	if !v.Passed() {
		return nil, false
	}
	in := v.Input
	dir := v.Signals.Direction
	entry := in.Price()

	var stop float64
	switch v.Signals.EntryType {
	case EntryFade:
		stop = entry - dir.Sign()*entry*s.config.FadeStopPct
	case EntryBreakout:
		last := len(in.Bars) - 1
		if last < breakoutBaseBars {
			return nil, false
		}
		base := in.Bars[last-breakoutBaseBars : last]
		stop = indicators.LowestLow(base)
		if dir == types.DirectionShort {
			stop = indicators.HighestHigh(base)
		}
	default:
		return nil, false
	}

	risk := math.Abs(entry - stop)
	p := &types.TradeProposal{
		Direction:       dir,
		EntryPrice:      entry,
		StopPrice:       stop,
		TargetPrice:     entry + dir.Sign()*risk*s.config.TargetMultiple,
		StrategyID:      s.ID(),
		EntryType:       v.Signals.EntryType,
		ConfluenceScore: v.Result.ConfluenceScore,
	}
	if v.Signals.EntryType == EntryFade {
		if dir == types.DirectionLong {
			p.SecondaryTarget = ptr(evFloat(v.Location.Evidence, "box_high"))
		} else {
			p.SecondaryTarget = ptr(evFloat(v.Location.Evidence, "box_low"))
		}
	}
	return finalize(p)
}
