package engine_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/engine"
	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/strategy"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

var asOf = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

type fakeClassifier struct {
	mu       sync.Mutex
	regime   types.RegimeType
	detected bool
	calls    int
}

func (f *fakeClassifier) Regime() types.RegimeType { return f.regime }

func (f *fakeClassifier) Classify(ctx context.Context, snap *types.Snapshot) types.RegimeCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return types.RegimeCandidate{
		Regime:          f.regime,
		Detected:        f.detected,
		Confidence:      80,
		ConfidenceFloor: 55,
		Characteristics: types.Characteristics{},
	}
}

// rangeDetector always classifies RANGE_EDGE.
func rangeDetector(cfg *types.Config) (*regime.Detector, *fakeClassifier) {
	rng := &fakeClassifier{regime: types.RegimeRangeEdge, detected: true}
	d := regime.NewDetectorWithClassifiers(zap.NewNop(), cfg.Regime,
		&fakeClassifier{regime: types.RegimeDeviationReversion},
		rng,
		&fakeClassifier{regime: types.RegimeCompressionBalance})
	return d, rng
}

// fakeStrategy passes or fails on demand and emits a fixed proposal.
type fakeStrategy struct {
	failLocation string
	panicOn      string
	proposal     *types.TradeProposal
}

func (s *fakeStrategy) ID() types.StrategyID { return types.StrategyRangeEdge }

func (s *fakeStrategy) CheckLocation(ctx context.Context, in *strategy.Input) strategy.LocationResult {
	if s.panicOn == "location" {
		panic("nil range")
	}
	if s.failLocation != "" {
		return strategy.LocationResult{Reason: s.failLocation}
	}
	return strategy.LocationResult{Passed: true, Direction: types.DirectionLong}
}

func (s *fakeStrategy) CheckSignals(ctx context.Context, in *strategy.Input, loc strategy.LocationResult) strategy.SignalResult {
	return strategy.SignalResult{
		Primary:   []strategy.Trigger{{Name: "liquidity_sweep"}},
		Secondary: []strategy.Trigger{{Name: "structure_break"}},
	}
}

func (s *fakeStrategy) Contributions(in *strategy.Input, loc strategy.LocationResult, sig strategy.SignalResult) map[string]float64 {
	return map[string]float64{"proximity": 1, "respects": 1, "sweep": 1, "structure": 1}
}

func (s *fakeStrategy) GenerateProposal(v *strategy.Verdict) (*types.TradeProposal, bool) {
	if s.panicOn == "proposal" {
		panic("bad proposal")
	}
	if s.proposal == nil {
		return nil, false
	}
	p := *s.proposal
	return &p, true
}

type recordingJournal struct {
	mu        sync.Mutex
	decisions []*types.Decision
}

func (j *recordingJournal) Record(ctx context.Context, d *types.Decision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions = append(j.decisions, d)
	return nil
}

func (j *recordingJournal) all() []*types.Decision {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*types.Decision(nil), j.decisions...)
}

func snapshot(id string) *types.Snapshot {
	bars := make([]types.Bar, 20)
	for i := range bars {
		bars[i] = types.Bar{Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 100}
	}
	return &types.Snapshot{
		InstrumentID: id,
		AsOf:         asOf,
		CurrentPrice: 100,
		TickSize:     0.25,
		Bars:         map[types.Timeframe][]types.Bar{types.Timeframe1m: bars},
	}
}

func longProposal() *types.TradeProposal {
	return &types.TradeProposal{
		Direction:   types.DirectionLong,
		EntryPrice:  100.1,
		StopPrice:   99.37,
		TargetPrice: 101.06,
		StrategyID:  types.StrategyRangeEdge,
	}
}

type harness struct {
	engine  *engine.Engine
	journal *recordingJournal
	rng     *fakeClassifier
}

func newHarness(t *testing.T, cfg *types.Config, factory strategy.Factory, opts ...engine.Option) harness {
	t.Helper()
	if cfg == nil {
		cfg = types.DefaultConfig()
	}
	detector, rng := rangeDetector(cfg)
	registry := strategy.NewRegistry(zap.NewNop())
	if factory != nil {
		registry.Register(types.StrategyRangeEdge, factory)
	}
	j := &recordingJournal{}

	opts = append([]engine.Option{
		engine.WithDetector(detector),
		engine.WithRegistry(registry),
		engine.WithJournal(j),
	}, opts...)
	e, err := engine.New(zap.NewNop(), cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return harness{engine: e, journal: j, rng: rng}
}

func fixed(s strategy.Strategy) strategy.Factory {
	return func(strategy.Deps) (strategy.Strategy, error) { return s, nil }
}

func TestEvaluateProposal(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	defer bus.Stop()
	published := make(chan events.Event, 1)
	bus.Subscribe(events.EventTypeDecision, func(e events.Event) error {
		published <- e
		return nil
	})
	rec := metrics.New()

	h := newHarness(t, nil, fixed(&fakeStrategy{proposal: longProposal()}),
		engine.WithBus(bus), engine.WithMetrics(rec))

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if d.Status != types.DecisionProposal {
		t.Fatalf("Expected proposal, got %s (%v)", d.Status, d.RejectionReasons)
	}
	if d.Regime.Regime != types.RegimeRangeEdge || d.StrategyID != types.StrategyRangeEdge {
		t.Errorf("Expected range-edge routing, got %s / %s", d.Regime.Regime, d.StrategyID)
	}
	if d.LayerReached != types.LayerConfluence || d.Validation.ConfluenceScore != 10 {
		t.Errorf("Expected full confluence, got %s %.2f", d.LayerReached, d.Validation.ConfluenceScore)
	}
	p := d.Proposal
	if p.EntryPrice != 100 || p.StopPrice != 99.25 || p.TargetPrice != 101 {
		t.Errorf("Expected tick-rounded 100/99.25/101, got %v/%v/%v", p.EntryPrice, p.StopPrice, p.TargetPrice)
	}
	if p.ConfluenceScore != 10 {
		t.Errorf("Expected proposal score 10, got %v", p.ConfluenceScore)
	}
	if d.AsOf != asOf || d.ID == "" {
		t.Errorf("Expected decision id and as-of, got %q %v", d.ID, d.AsOf)
	}

	if got := h.journal.all(); len(got) != 1 || got[0] != d {
		t.Errorf("Expected decision journaled once, got %d", len(got))
	}
	select {
	case e := <-published:
		if e.(*events.DecisionEvent).Decision != d {
			t.Error("Expected published decision to match")
		}
	case <-time.After(time.Second):
		t.Error("Timed out waiting for decision event")
	}
	if n := testutil.CollectAndCount(rec.Registry(), "regime_engine_cycles_total"); n != 1 {
		t.Errorf("Expected one cycle series, got %d", n)
	}
	if latest, ok := h.engine.Latest("es"); !ok || latest != d {
		t.Error("Expected latest decision for ES")
	}
}

func TestEvaluateUnusableSnapshot(t *testing.T) {
	h := newHarness(t, nil, fixed(&fakeStrategy{proposal: longProposal()}))

	snap := snapshot("ES")
	snap.Bars[types.Timeframe1m][7].High = 99
	d, err := h.engine.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Expected negative decision without error, got %v", err)
	}
	if d.Status != types.DecisionNoTrade || len(d.RejectionReasons) == 0 {
		t.Errorf("Expected no_trade with reasons, got %s %v", d.Status, d.RejectionReasons)
	}
	if h.rng.calls != 0 {
		t.Errorf("Expected detection to be skipped, got %d classifier calls", h.rng.calls)
	}

	if _, err := h.engine.Evaluate(context.Background(), nil); err == nil {
		t.Error("Expected error for nil snapshot")
	}
}

func TestValidationRejectionRecordsLayer(t *testing.T) {
	h := newHarness(t, nil, fixed(&fakeStrategy{failLocation: "price not at a boundary"}))

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if d.Status != types.DecisionNoTrade || d.LayerReached != types.LayerLocation {
		t.Errorf("Expected no_trade at LOCATION, got %s at %s", d.Status, d.LayerReached)
	}
	if len(d.RejectionReasons) != 1 || d.RejectionReasons[0] != "price not at a boundary" {
		t.Errorf("Expected location reason, got %v", d.RejectionReasons)
	}
	if d.Proposal != nil {
		t.Error("Expected no proposal")
	}
}

func TestNoProposalIsNegativeOutcome(t *testing.T) {
	h := newHarness(t, nil, fixed(&fakeStrategy{}))

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if d.Status != types.DecisionNoTrade {
		t.Errorf("Expected no_trade, got %s", d.Status)
	}
	if !strings.Contains(strings.Join(d.RejectionReasons, ";"), "no executable proposal") {
		t.Errorf("Expected explicit reason, got %v", d.RejectionReasons)
	}
}

func TestIncompleteProposalFailsCycle(t *testing.T) {
	bad := longProposal()
	bad.TargetPrice = math.NaN()
	h := newHarness(t, nil, fixed(&fakeStrategy{proposal: bad}))

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if !errors.Is(err, engine.ErrInvalidProposal) {
		t.Fatalf("Expected ErrInvalidProposal, got %v", err)
	}
	if d.Status != types.DecisionFailed || d.Proposal != nil || d.FailureReason == "" {
		t.Errorf("Expected failed decision without proposal, got %s %+v %q", d.Status, d.Proposal, d.FailureReason)
	}
	if len(h.journal.all()) != 1 {
		t.Error("Expected failed decision to be journaled")
	}
}

func TestRoundingCollapseFailsCycle(t *testing.T) {
	tests := []struct {
		name   string
		adjust func(p *types.TradeProposal)
	}{
		{"stop onto entry", func(p *types.TradeProposal) { p.StopPrice = 100.05 }},
		{"target onto entry", func(p *types.TradeProposal) { p.TargetPrice = 100.12 }},
		{"short target onto entry", func(p *types.TradeProposal) {
			p.Direction = types.DirectionShort
			p.StopPrice, p.TargetPrice = 100.9, 100.08
		}},
		{"target behind entry", func(p *types.TradeProposal) { p.TargetPrice = 99.9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := longProposal()
			tt.adjust(p)
			h := newHarness(t, nil, fixed(&fakeStrategy{proposal: p}))

			d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
			if !errors.Is(err, engine.ErrInvalidProposal) {
				t.Fatalf("Expected ErrInvalidProposal, got %v", err)
			}
			if d.Status != types.DecisionFailed || d.Proposal != nil {
				t.Errorf("Expected failed decision without proposal, got %s %+v", d.Status, d.Proposal)
			}
		})
	}
}

func TestConstructionFailureUsesFallback(t *testing.T) {
	h := newHarness(t, nil, func(strategy.Deps) (strategy.Strategy, error) {
		return nil, strategy.ErrMisconfigured
	})

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if err != nil {
		t.Fatalf("Expected fallback substitution, got %v", err)
	}
	if d.StrategyID != types.StrategyEdgeFallback {
		t.Errorf("Expected edge-fallback, got %s", d.StrategyID)
	}
	if d.Status == types.DecisionFailed {
		t.Errorf("Expected cycle to complete, got %s", d.FailureReason)
	}
	if !strings.Contains(strings.Join(d.Degradations, ";"), "strategy range-edge unavailable") {
		t.Errorf("Expected degradation note, got %v", d.Degradations)
	}
	if h.engine.Stats().Fallbacks != 1 {
		t.Errorf("Expected 1 fallback, got %d", h.engine.Stats().Fallbacks)
	}
}

func TestConstructorPanicUsesFallback(t *testing.T) {
	h := newHarness(t, nil, func(strategy.Deps) (strategy.Strategy, error) {
		panic("missing weights")
	})

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if err != nil {
		t.Fatalf("Expected fallback substitution, got %v", err)
	}
	if d.StrategyID != types.StrategyEdgeFallback {
		t.Errorf("Expected edge-fallback, got %s", d.StrategyID)
	}
}

func TestFallbackUnavailable(t *testing.T) {
	h := newHarness(t, nil, func(strategy.Deps) (strategy.Strategy, error) {
		return nil, strategy.ErrMisconfigured
	})
	h.engine.Registry().Register(types.StrategyEdgeFallback, func(strategy.Deps) (strategy.Strategy, error) {
		return nil, errors.New("fallback misconfigured")
	})

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if !errors.Is(err, engine.ErrFallbackUnavailable) {
		t.Fatalf("Expected ErrFallbackUnavailable, got %v", err)
	}
	if d.Status != types.DecisionFailed || d.FailureReason == "" {
		t.Errorf("Expected failed decision with reason, got %s %q", d.Status, d.FailureReason)
	}

	// The failure is contained to this cycle.
	if _, err := h.engine.Evaluate(context.Background(), snapshot("NQ")); !errors.Is(err, engine.ErrFallbackUnavailable) {
		t.Errorf("Expected the next cycle to report the same failure, got %v", err)
	}
	if h.engine.Stats().Failures != 2 {
		t.Errorf("Expected 2 failures, got %d", h.engine.Stats().Failures)
	}
}

func TestValidationPanicFallsBack(t *testing.T) {
	h := newHarness(t, nil, fixed(&fakeStrategy{panicOn: "location"}))

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if d.StrategyID != types.StrategyEdgeFallback {
		t.Errorf("Expected edge-fallback after panic, got %s", d.StrategyID)
	}
	if !strings.Contains(strings.Join(d.Degradations, ";"), "strategy range-edge failed") {
		t.Errorf("Expected degradation note, got %v", d.Degradations)
	}
}

func TestGeneratorPanicFailsCycle(t *testing.T) {
	h := newHarness(t, nil, fixed(&fakeStrategy{panicOn: "proposal"}))

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if !errors.Is(err, engine.ErrInvalidProposal) {
		t.Fatalf("Expected ErrInvalidProposal, got %v", err)
	}
	if d.Status != types.DecisionFailed {
		t.Errorf("Expected failed, got %s", d.Status)
	}
}

func TestRegimeDetectionDisabled(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.Regime.Enabled = false
	h := newHarness(t, cfg, fixed(&fakeStrategy{proposal: longProposal()}))

	d, err := h.engine.Evaluate(context.Background(), snapshot("ES"))
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if d.StrategyID != types.StrategyEdgeFallback || d.RouteReason != "regime detection disabled" {
		t.Errorf("Expected fallback routing, got %s (%s)", d.StrategyID, d.RouteReason)
	}
	if d.Regime.Regime != types.RegimeUnknown || h.rng.calls != 0 {
		t.Errorf("Expected UNKNOWN without classification, got %s after %d calls", d.Regime.Regime, h.rng.calls)
	}
}

func TestEvaluateAllKeepsPerInstrumentOrder(t *testing.T) {
	h := newHarness(t, nil, fixed(&fakeStrategy{proposal: longProposal()}))

	var snaps []*types.Snapshot
	for i := 0; i < 6; i++ {
		id := "ES"
		if i%2 == 1 {
			id = "NQ"
		}
		s := snapshot(id)
		s.AsOf = asOf.Add(time.Duration(i) * time.Minute)
		snaps = append(snaps, s)
	}
	snaps = append(snaps, nil)

	decisions, errs := h.engine.EvaluateAll(context.Background(), snaps)
	for i := 0; i < 6; i++ {
		if errs[i] != nil {
			t.Fatalf("Failed to evaluate snapshot %d: %v", i, errs[i])
		}
		if decisions[i].AsOf != snaps[i].AsOf || decisions[i].InstrumentID != snaps[i].InstrumentID {
			t.Errorf("Expected decision %d to match its snapshot", i)
		}
	}
	if errs[6] == nil || decisions[6] != nil {
		t.Error("Expected nil snapshot to fail without a decision")
	}

	last := map[string]time.Time{}
	for _, d := range h.journal.all() {
		if prev, ok := last[d.InstrumentID]; ok && !d.AsOf.After(prev) {
			t.Errorf("Expected %s decisions in submission order", d.InstrumentID)
		}
		last[d.InstrumentID] = d.AsOf
	}
	if h.engine.Stats().Cycles != 6 {
		t.Errorf("Expected 6 cycles, got %d", h.engine.Stats().Cycles)
	}
}

func TestEvaluateAllWaitsForQueueSpace(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.Workers.NumWorkers = 1
	cfg.Workers.QueueSize = 2
	h := newHarness(t, cfg, fixed(&fakeStrategy{proposal: longProposal()}))

	instruments := []string{"ES", "NQ", "YM", "RTY", "CL", "GC", "SI", "ZB"}
	snaps := make([]*types.Snapshot, len(instruments))
	for i, id := range instruments {
		snaps[i] = snapshot(id)
	}

	decisions, errs := h.engine.EvaluateAll(context.Background(), snaps)
	for i := range snaps {
		if errs[i] != nil {
			t.Errorf("Failed to evaluate snapshot %d: %v", i, errs[i])
			continue
		}
		if decisions[i] == nil || decisions[i].InstrumentID != instruments[i] {
			t.Errorf("Expected a decision for %s, got %+v", instruments[i], decisions[i])
		}
	}
	if got := h.engine.Stats().Cycles; got != int64(len(snaps)) {
		t.Errorf("Expected %d cycles, got %d", len(snaps), got)
	}
}
