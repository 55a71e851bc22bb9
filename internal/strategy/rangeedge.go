package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// RangeEdge trades a sweep of a range boundary back toward the range midpoint.
// It uses the range found during regime detection and never re-derives it.
type RangeEdge struct {
	logger *zap.Logger
	config types.RangeEdgeConfig
	suite  *market.Suite
}

// NewRangeEdge creates the strategy.
func NewRangeEdge(deps Deps) (*RangeEdge, error) {
	cfg := deps.config().RangeEdge
	if cfg.ProximityTolerance <= 0 || cfg.ProximityTolerance >= 0.5 {
		return nil, fmt.Errorf("%w: proximity tolerance %v outside (0, 0.5)", ErrMisconfigured, cfg.ProximityTolerance)
	}
	if cfg.SweepLookback < 1 {
		return nil, fmt.Errorf("%w: sweep lookback must be at least 1", ErrMisconfigured)
	}
	return &RangeEdge{logger: deps.logger(), config: cfg, suite: deps.Suite}, nil
}

// ID implements Strategy.
func (s *RangeEdge) ID() types.StrategyID {
	return types.StrategyRangeEdge
}

// CheckLocation re-validates boundary proximity and counts respects.
func (s *RangeEdge) CheckLocation(ctx context.Context, in *Input) LocationResult {
	rng := in.Regime.Characteristics.Range()
	if rng == nil || rng.Width() <= 0 {
		return LocationResult{Reason: "no range structure from regime"}
	}

	tol := s.config.ProximityTolerance
	boundary, dist := market.NearBoundary(in.Price(), rng, tol)
	respects := market.CountRespects(in.Bars, rng, tol)
	evidence := map[string]any{
		"range_high":        rng.High,
		"range_low":         rng.Low,
		"range_source":      rng.Source,
		"boundary":          string(boundary),
		"boundary_distance": dist,
		"respects":          respects,
	}
	if boundary == market.BoundaryNone {
		return LocationResult{Reason: "price not at a boundary", Evidence: evidence}
	}

	level := rng.Low
	if boundary == market.BoundaryUpper {
		level = rng.High
	}
	return LocationResult{
		Passed:    true,
		Direction: directionFor(boundary == market.BoundaryLower),
		Level:     level,
		Evidence:  evidence,
	}
}

// CheckSignals requires a sweep through the boundary, confirmed by a break of
// structure back into the range.
func (s *RangeEdge) CheckSignals(ctx context.Context, in *Input, loc LocationResult) SignalResult {
	bars := in.Bars
	rng := in.Regime.Characteristics.Range()
	sig := SignalResult{Direction: loc.Direction, EntryType: "sweep_reversal", Evidence: map[string]any{}}

	since := len(bars) - s.config.SweepLookback
	sweep := market.FindSweep(bars, rng, s.config.SweepLookback)
	if sweep != nil && sweep.Direction == loc.Direction {
		sig.Primary = append(sig.Primary, Trigger{Name: "liquidity_sweep", Price: sweep.Extreme, BarIndex: sweep.BarIndex})
		sig.Evidence["sweep_boundary"] = string(sweep.Boundary)
		since = sweep.BarIndex
	}

	report := s.suite.Structure(ctx, bars)
	if brk := report.LastBreak("", loc.Direction, since); brk != nil {
		sig.Secondary = append(sig.Secondary, Trigger{Name: "structure_break", Price: brk.Level, BarIndex: brk.BarIndex})
	}
	return sig
}

// Contributions implements Strategy.
func (s *RangeEdge) Contributions(in *Input, loc LocationResult, sig SignalResult) map[string]float64 {
	proximity := 1 - evFloat(loc.Evidence, "boundary_distance")/s.config.ProximityTolerance
	respects := 1.0
	if s.config.MinRespects > 0 {
		respects = math.Min(1, evFloat(loc.Evidence, "respects")/float64(s.config.MinRespects))
	}
	return map[string]float64{
		"proximity": proximity,
		"respects":  respects,
		"sweep":     flag(sig.HasPrimary("liquidity_sweep")),
		"structure": flag(sig.HasSecondary("structure_break")),
	}
}

// GenerateProposal enters at the current price with the stop beyond the sweep
// extreme, targeting the midpoint and then the opposite boundary.
func (s *RangeEdge) GenerateProposal(v *Verdict) (*types.TradeProposal, bool) {
	if !v.Passed() {
		return nil, false
	}
	rng := v.Input.Regime.Characteristics.Range()
	trig := v.Signals.FirstPrimary()
	if rng == nil || trig == nil {
		return nil, false
	}
	dir := v.Signals.Direction
	entry := v.Input.Price()

	opposite := rng.High
	if dir == types.DirectionShort {
		opposite = rng.Low
	}
	return finalize(&types.TradeProposal{
		Direction:       dir,
		EntryPrice:      entry,
		StopPrice:       bufferedStop(entry, trig.Price, s.config.StopBuffer, dir),
		TargetPrice:     rng.Mid,
		SecondaryTarget: ptr(opposite),
		StrategyID:      s.ID(),
		EntryType:       v.Signals.EntryType,
		ConfluenceScore: v.Result.ConfluenceScore,
	})
}
