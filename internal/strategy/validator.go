package strategy

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/regime-engine/internal/indicators"
	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// Validator runs the layered pipeline shared by every strategy:
// PRE_TRADE, LOCATION, SIGNAL, then CONFLUENCE. Each layer short-circuits.
type Validator struct {
	logger *zap.Logger
	config types.ValidationConfig
	scorer *Scorer
}

// NewValidator creates a validator.
func NewValidator(logger *zap.Logger, config *types.Config) *Validator {
	if config == nil {
		config = types.DefaultConfig()
	}
	return &Validator{
		logger: logger,
		config: config.Validation,
		scorer: NewScorer(config.Weights),
	}
}

// Scorer returns the confluence scorer.
func (v *Validator) Scorer() *Scorer {
	return v.scorer
}

// Validate evaluates a strategy against a snapshot. The returned verdict is
// never nil; a rejection records the layer reached and the reasons.
func (v *Validator) Validate(ctx context.Context, s Strategy, snap *types.Snapshot, regime types.RegimeResult) *Verdict {
	result := &types.ValidationResult{
		StrategyID:   s.ID(),
		LayerReached: types.LayerPreTrade,
		Evidence:     make(map[string]any),
	}
	in := &Input{Snapshot: snap, Regime: regime, Bars: snap.Primary()}
	verdict := &Verdict{Result: result, Input: in}

	// Layer 1
	vol, reason := v.preTrade(ctx, in, result.Evidence)
	if reason != "" {
		return v.reject(verdict, types.LayerPreTrade, reason)
	}
	in.ShortVolatility = vol

	// Layer 2
	result.LayerReached = types.LayerLocation
	loc := s.CheckLocation(ctx, in)
	verdict.Location = loc
	if len(loc.Evidence) > 0 {
		result.Evidence["location"] = loc.Evidence
	}
	if !loc.Passed {
		if loc.Reason == "" {
			loc.Reason = "location check failed"
		}
		return v.reject(verdict, types.LayerLocation, loc.Reason)
	}

	// Layer 3
	result.LayerReached = types.LayerSignal
	sig := s.CheckSignals(ctx, in, loc)
	if sig.Direction == types.DirectionNone {
		sig.Direction = loc.Direction
	}
	verdict.Signals = sig
	result.Evidence["primary_triggers"] = triggerNames(sig.Primary)
	result.Evidence["secondary_confluence"] = triggerNames(sig.Secondary)
	if sig.EntryType != "" {
		result.Evidence["entry_type"] = sig.EntryType
	}
	if len(sig.Evidence) > 0 {
		result.Evidence["signals"] = sig.Evidence
	}
	var missing []string
	if len(sig.Primary) == 0 {
		missing = append(missing, "no primary trigger")
	}
	if len(sig.Secondary) == 0 {
		missing = append(missing, "no secondary confluence")
	}
	if len(missing) > 0 {
		return v.reject(verdict, types.LayerSignal, missing...)
	}

	// Layer 4
	result.LayerReached = types.LayerConfluence
	score, breakdown := v.scorer.Score(s.ID(), s.Contributions(in, loc, sig))
	result.ConfluenceScore = score
	result.Evidence["confluence"] = breakdown
	if score < v.config.MinToTrade {
		return v.reject(verdict, types.LayerConfluence,
			fmt.Sprintf("confluence %.2f below %.2f", score, v.config.MinToTrade))
	}
	result.Passed = true
	result.IsPremiumSetup = score >= v.config.MinForPremium

	v.logger.Debug("Validation passed",
		zap.String("strategy", string(s.ID())),
		zap.Float64("score", score),
		zap.Bool("premium", result.IsPremiumSetup))
	return verdict
}

func (v *Validator) reject(verdict *Verdict, layer types.Layer, reasons ...string) *Verdict {
	verdict.Result.Reject(layer, reasons...)
	v.logger.Debug("Validation rejected",
		zap.String("strategy", string(verdict.Result.StrategyID)),
		zap.String("layer", string(layer)),
		zap.Strings("reasons", reasons))
	return verdict
}

// preTrade applies the shared filters and returns the realized short
// volatility, or a rejection reason.
func (v *Validator) preTrade(ctx context.Context, in *Input, evidence map[string]any) (float64, string) {
	snap := in.Snapshot
	if snap == nil || snap.CurrentPrice <= 0 {
		return 0, "no price"
	}
	if len(in.Bars) < v.config.MinBars {
		return 0, fmt.Sprintf("insufficient history: %d bars, need %d", len(in.Bars), v.config.MinBars)
	}

	vol := snap.ShortVolatility
	if vol <= 0 {
		vol = indicators.ATR(in.Bars, v.config.ShortATRPeriod)
	}
	volPct := vol / snap.CurrentPrice
	evidence["short_volatility"] = vol
	evidence["volatility_pct"] = volPct
	if vol <= 0 || volPct < v.config.MinVolatilityPct {
		return 0, "volatility collapsed"
	}

	current, average, ok := snap.Spread()
	switch {
	case ok && average > 0:
		ratio := current / average
		evidence["spread_ratio"] = ratio
		if ratio > v.config.MaxSpreadMultiple {
			return 0, fmt.Sprintf("spread %.2fx above trailing average", ratio)
		}
	case ok:
		evidence["spread_check"] = "skipped"
		market.Note(ctx, "spread average unavailable, spread filter skipped")
	default:
		evidence["spread_check"] = "skipped"
	}
	return vol, ""
}

func triggerNames(triggers []Trigger) []string {
	names := make([]string, len(triggers))
	for i, t := range triggers {
		names[i] = t.Name
	}
	return names
}
