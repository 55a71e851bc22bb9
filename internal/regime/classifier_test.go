package regime_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

var asOf = time.Date(2024, 5, 14, 14, 0, 0, 0, time.UTC)

func flatBars(n int, price, spread, volume float64) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		bars[i] = types.Bar{
			Timestamp: asOf.Add(time.Duration(i-n) * time.Minute),
			Open:      price,
			High:      price + spread/2,
			Low:       price - spread/2,
			Close:     price,
			Volume:    volume,
		}
	}
	return bars
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// deviationSnapshot prices 2.5 dispersion units above a flat reference with a
// 1.5x volume spike on stable bars.
func deviationSnapshot() *types.Snapshot {
	bars := flatBars(30, 100, 1, 100)
	bars[len(bars)-1].Volume = 150
	return &types.Snapshot{
		InstrumentID:        "EURUSD",
		AsOf:                asOf,
		CurrentPrice:        101,
		Bars:                map[types.Timeframe][]types.Bar{types.Timeframe1m: bars},
		ReferenceLevel:      100,
		ReferenceDispersion: 0.4,
		ReferenceHistory:    constant(10, 100),
		ShortVolatility:     1,
		LongVolatility:      1,
	}
}

type fixedRange struct{ rng *types.RangeStructure }

func (f fixedRange) DetectRange(ctx context.Context, bars []types.Bar) (*types.RangeStructure, error) {
	return f.rng, nil
}

type blackoutCalendar struct{}

func (blackoutCalendar) InBlackout(ctx context.Context, category string, at time.Time) (bool, error) {
	return true, nil
}

func suiteWith(rng market.RangeDetector) *market.Suite {
	return &market.Suite{
		Guard:  market.NewGuard(zap.NewNop(), types.DefaultConfig().Collaborators),
		Ranges: rng,
	}
}

// rangeSnapshot sits at the lower edge of a 0.8-wide range with two respects
// and flat coarse bars.
func rangeSnapshot() *types.Snapshot {
	primary := flatBars(30, 100, 0.2, 100)
	primary[10].Low, primary[10].Close = 99.65, 99.8
	primary[20].High = 100.35
	return &types.Snapshot{
		InstrumentID: "ES",
		AsOf:         asOf,
		CurrentPrice: 99.65,
		Bars: map[types.Timeframe][]types.Bar{
			types.Timeframe1m:  primary,
			types.Timeframe15m: flatBars(10, 100, 0.5, 1000),
		},
		ReferenceLevel:      100,
		ReferenceDispersion: 0.5,
		ShortVolatility:     0.2,
		LongVolatility:      1.0,
	}
}

func TestDeviationZeroDispersion(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewDeviationClassifier(cfg.Deviation, cfg.Regime.DeviationFloor)

	snap := deviationSnapshot()
	snap.ReferenceDispersion = 0
	cand := c.Classify(context.Background(), snap)
	if cand.Detected {
		t.Error("Expected no detection with zero dispersion")
	}
	if cand.Confidence != 0 {
		t.Errorf("Expected zero confidence, got %v", cand.Confidence)
	}
	if cand.RejectReason != "no reference dispersion" {
		t.Errorf("Unexpected reason %q", cand.RejectReason)
	}
}

func TestDeviationFullConfidence(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewDeviationClassifier(cfg.Deviation, cfg.Regime.DeviationFloor)

	cand := c.Classify(context.Background(), deviationSnapshot())
	if !cand.Detected {
		t.Fatalf("Expected detection, reason %q", cand.RejectReason)
	}
	if cand.Confidence != 100 {
		t.Errorf("Expected confidence 100, got %v (%v)", cand.Confidence, cand.Characteristics)
	}
	if z := cand.Characteristics.Float("z_score"); z < 2.4999 || z > 2.5001 {
		t.Errorf("Expected z-score 2.5, got %v", z)
	}
	if dir := cand.Characteristics.String("direction"); dir != string(types.DirectionShort) {
		t.Errorf("Expected short reversion above the reference, got %s", dir)
	}
	if cand.ConfidenceFloor != 70 {
		t.Errorf("Expected floor 70, got %v", cand.ConfidenceFloor)
	}
}

func TestDeviationAssetClassThresholds(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewDeviationClassifier(cfg.Deviation, cfg.Regime.DeviationFloor)

	snap := deviationSnapshot()
	snap.ReferenceDispersion = 1
	snap.CurrentPrice = 100.3 // z 0.3, 0.3% from reference

	snap.AssetClass = "fx"
	if cand := c.Classify(context.Background(), snap); !cand.Detected {
		t.Error("Expected fx percentage threshold to be sufficient")
	}
	snap.AssetClass = "crypto"
	if cand := c.Classify(context.Background(), snap); cand.Detected {
		t.Error("Expected crypto percentage threshold not to be met")
	}
}

func TestDeviationMissingBars(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewDeviationClassifier(cfg.Deviation, cfg.Regime.DeviationFloor)

	snap := deviationSnapshot()
	snap.Bars = nil
	snap.ReferenceHistory = nil
	snap.ShortVolatility = 0
	cand := c.Classify(context.Background(), snap)
	if !cand.Detected || cand.Confidence != 40 {
		t.Errorf("Expected deviation-only confidence 40, got %v detected=%v", cand.Confidence, cand.Detected)
	}
}

func TestRangeEdgeFullConfidence(t *testing.T) {
	cfg := types.DefaultConfig()
	rng := types.NewRangeStructure(100.4, 99.6, "detector")
	c := regime.NewRangeEdgeClassifier(cfg.RangeEdge, cfg.Regime.RangeFloor, suiteWith(fixedRange{rng}))

	cand := c.Classify(context.Background(), rangeSnapshot())
	if !cand.Detected {
		t.Fatalf("Expected detection, reason %q", cand.RejectReason)
	}
	if cand.Confidence != 100 {
		t.Errorf("Expected confidence 100, got %v (%v)", cand.Confidence, cand.Characteristics)
	}
	if got := cand.Characteristics.Int("respects"); got != 2 {
		t.Errorf("Expected 2 respects, got %d", got)
	}
	if cand.Characteristics.Range() != rng {
		t.Error("Expected the detected range in characteristics")
	}
	if dir := cand.Characteristics.String("direction"); dir != string(types.DirectionLong) {
		t.Errorf("Expected long at the lower boundary, got %s", dir)
	}
}

func TestRangeEdgeTooWide(t *testing.T) {
	cfg := types.DefaultConfig()
	for _, width := range []float64{1.21, 1.5, 4} {
		rng := types.NewRangeStructure(99.6+width, 99.6, "detector")
		c := regime.NewRangeEdgeClassifier(cfg.RangeEdge, cfg.Regime.RangeFloor, suiteWith(fixedRange{rng}))
		cand := c.Classify(context.Background(), rangeSnapshot())
		if cand.Detected {
			t.Errorf("Width %v: expected hard reject", width)
		}
		if cand.RejectReason != "range too wide" {
			t.Errorf("Width %v: unexpected reason %q", width, cand.RejectReason)
		}
	}
}

func TestRangeEdgeIntradayFallback(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewRangeEdgeClassifier(cfg.RangeEdge, cfg.Regime.RangeFloor, suiteWith(nil))

	cand := c.Classify(context.Background(), rangeSnapshot())
	if src := cand.Characteristics.String("range_source"); src != "intraday" {
		t.Errorf("Expected intraday range, got %q", src)
	}
	r := cand.Characteristics.Range()
	if r == nil || r.Low != 99.65 || r.High != 100.35 {
		t.Errorf("Unexpected intraday range %+v", r)
	}
}

func TestRangeEdgeNoBars(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewRangeEdgeClassifier(cfg.RangeEdge, cfg.Regime.RangeFloor, nil)

	snap := rangeSnapshot()
	snap.Bars = map[types.Timeframe][]types.Bar{types.Timeframe1m: {}}
	cand := c.Classify(context.Background(), snap)
	if cand.Detected || cand.RejectReason != "range unavailable" {
		t.Errorf("Expected range unavailable, got %+v", cand)
	}
}

func compressedSnapshot() *types.Snapshot {
	primary := flatBars(30, 100, 0.1, 100)
	return &types.Snapshot{
		InstrumentID:   "NQ",
		AsOf:           asOf,
		CurrentPrice:   100,
		Bars:           map[types.Timeframe][]types.Bar{types.Timeframe1m: primary},
		ReferenceLevel: 100,
		LongVolatility: 0.5,
	}
}

func TestCompressionBandTooWide(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewCompressionClassifier(cfg.Compression, cfg.Regime.CompressionFloor, nil)

	snap := compressedSnapshot()
	bars := snap.Bars[types.Timeframe1m]
	for i := range bars {
		// population sd 0.75 around 100 gives a 4-sigma width of 3%
		if i%2 == 0 {
			bars[i].Close = 99.25
		} else {
			bars[i].Close = 100.75
		}
	}
	cand := c.Classify(context.Background(), snap)
	if cand.Detected {
		t.Error("Expected no detection with a 3% band")
	}
	if cand.RejectReason != "band too wide" {
		t.Errorf("Unexpected reason %q", cand.RejectReason)
	}
	if bw := cand.Characteristics.Float("band_width"); bw < 0.0299 || bw > 0.0301 {
		t.Errorf("Expected band width 0.03, got %v", bw)
	}
}

func TestCompressionBlackout(t *testing.T) {
	cfg := types.DefaultConfig()
	suite := &market.Suite{Guard: market.NewGuard(zap.NewNop(), cfg.Collaborators), News: blackoutCalendar{}}
	c := regime.NewCompressionClassifier(cfg.Compression, cfg.Regime.CompressionFloor, suite)

	cand := c.Classify(context.Background(), compressedSnapshot())
	if cand.Detected || cand.RejectReason != "news blackout" {
		t.Errorf("Expected news blackout reject, got %+v", cand)
	}
}

func TestCompressionPrimaryOnlyFallback(t *testing.T) {
	cfg := types.DefaultConfig()
	c := regime.NewCompressionClassifier(cfg.Compression, cfg.Regime.CompressionFloor, nil)

	cand := c.Classify(context.Background(), compressedSnapshot())
	if !cand.Detected {
		t.Fatalf("Expected detection, reason %q", cand.RejectReason)
	}
	if !cand.Characteristics.Bool("mtf_fallback") {
		t.Error("Expected primary-only fallback without 5m bars")
	}
	if !cand.Characteristics.Bool("compression_block") {
		t.Error("Expected a compression block on flat bars")
	}
	if !cand.Characteristics.Bool("aligned") {
		t.Error("Expected reference aligned with the intraday midpoint")
	}
	// block 25 + alignment 20 + choppy 15; no analyzer and flat volatility
	if cand.Confidence != 60 {
		t.Errorf("Expected confidence 60, got %v", cand.Confidence)
	}
}
