package types_test

import (
	"errors"
	"math"
	"testing"

	"github.com/atlas-desktop/regime-engine/pkg/types"
)

func TestProposalValidate(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name  string
		p     *types.TradeProposal
		valid bool
	}{
		{"complete long", &types.TradeProposal{Direction: types.DirectionLong, EntryPrice: 100, StopPrice: 99, TargetPrice: 102}, true},
		{"nil", nil, false},
		{"no direction", &types.TradeProposal{EntryPrice: 100, StopPrice: 99, TargetPrice: 102}, false},
		{"missing target", &types.TradeProposal{Direction: types.DirectionShort, EntryPrice: 100, StopPrice: 101}, false},
		{"nan stop", &types.TradeProposal{Direction: types.DirectionShort, EntryPrice: 100, StopPrice: nan, TargetPrice: 98}, false},
		{"stop at entry", &types.TradeProposal{Direction: types.DirectionLong, EntryPrice: 100, StopPrice: 100, TargetPrice: 102}, false},
		{"bad secondary", &types.TradeProposal{Direction: types.DirectionLong, EntryPrice: 100, StopPrice: 99, TargetPrice: 102, SecondaryTarget: &nan}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid proposal, got %v", err)
			}
			if !tt.valid && !errors.Is(err, types.ErrIncompleteProposal) {
				t.Errorf("Expected ErrIncompleteProposal, got %v", err)
			}
		})
	}
}

func TestSnapshotAccessors(t *testing.T) {
	snap := &types.Snapshot{
		Bars: map[types.Timeframe][]types.Bar{
			types.Timeframe1m: {{Close: 1}},
			types.Timeframe5m: {},
		},
		Bid: 99.5,
		Ask: 100,
		Auxiliary: types.Auxiliary{
			Spread: &types.SpreadStats{Current: 0.25, Average: 0.3},
		},
	}

	if snap.Timeframe(types.Timeframe5m) != nil {
		t.Error("Expected empty timeframe to read as absent")
	}
	if bars, tf := snap.Coarsest(); tf != types.Timeframe1m || len(bars) != 1 {
		t.Errorf("Expected primary as coarsest, got %s with %d bars", tf, len(bars))
	}

	current, average, ok := snap.Spread()
	if !ok || current != 0.5 || average != 0.3 {
		t.Errorf("Expected quoted spread 0.5 avg 0.3, got %v avg %v (ok=%v)", current, average, ok)
	}

	snap.Bid, snap.Ask = 0, 0
	if current, _, _ := snap.Spread(); current != 0.25 {
		t.Errorf("Expected auxiliary spread 0.25, got %v", current)
	}

	var empty *types.Snapshot
	if empty.Primary() != nil {
		t.Error("Expected nil snapshot to have no bars")
	}
}

func TestStrategyFor(t *testing.T) {
	tests := map[types.RegimeType]types.StrategyID{
		types.RegimeDeviationReversion: types.StrategyDeviationReversion,
		types.RegimeRangeEdge:          types.StrategyRangeEdge,
		types.RegimeCompressionBalance: types.StrategyCompressionBalance,
		types.RegimeUnknown:            types.StrategyEdgeFallback,
	}
	for regime, want := range tests {
		if got := types.StrategyFor(regime); got != want {
			t.Errorf("StrategyFor(%s): expected %s, got %s", regime, want, got)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := types.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Failed to validate defaults: %v", err)
	}
	if cfg.Regime.CacheSize != 3 || cfg.Validation.MinToTrade != 5.0 || cfg.Validation.MinForPremium != 6.5 {
		t.Errorf("Unexpected defaults: cache %d, trade %v, premium %v",
			cfg.Regime.CacheSize, cfg.Validation.MinToTrade, cfg.Validation.MinForPremium)
	}
	for id, table := range cfg.Weights {
		sum := 0.0
		for _, w := range table {
			sum += w
		}
		if math.Abs(sum-10) > 1e-9 {
			t.Errorf("Expected %s weights to sum to 10, got %v", id, sum)
		}
	}

	cfg.Validation.MinVolatilityPct = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected zero volatility floor to fail validation")
	}
	cfg.Validation.MinVolatilityPct = 0.0001

	cfg.Weights["range-edge"]["sweep"] = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected negative weight to fail validation")
	}
}
