package market_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

func bar(o, h, l, c float64) types.Bar {
	return types.Bar{Open: o, High: h, Low: l, Close: c, Volume: 100}
}

func TestBoxDetector(t *testing.T) {
	d := market.NewBoxDetector(3)
	ctx := context.Background()

	rng, err := d.DetectRange(ctx, []types.Bar{bar(100, 101, 99, 100)})
	if err != nil || rng != nil {
		t.Fatalf("Expected no range on short input, got %v %v", rng, err)
	}

	bars := []types.Bar{bar(100, 105, 95, 100), bar(100, 102, 98, 101), bar(101, 103, 97, 100), bar(100, 101, 99, 100)}
	rng, err = d.DetectRange(ctx, bars)
	if err != nil {
		t.Fatalf("DetectRange failed: %v", err)
	}
	if rng.High != 103 || rng.Low != 97 || rng.Mid != 100 {
		t.Errorf("Expected 97-103 box, got %+v", rng)
	}
}

func TestSwingAnalyzerChangeOfCharacter(t *testing.T) {
	// decline, bounce to 100.5, lower low, then a close above the bounce high
	bars := []types.Bar{
		bar(101, 101.2, 100, 100.1),
		bar(100.1, 100.2, 99, 99.1),
		bar(99.1, 99.2, 98, 98.1),
		bar(98.1, 100.5, 98, 100.3),
		bar(100.3, 100.4, 99, 99.1),
		bar(99.1, 99.2, 97.5, 97.6),
		bar(97.6, 97.8, 96.5, 96.6),
		bar(96.6, 97, 96, 96.8),
		bar(96.8, 98.5, 96.7, 98.3),
		bar(98.3, 100.8, 98.2, 100.7),
	}
	a := market.NewSwingAnalyzer(2, 0.0005)
	report, err := a.Analyze(context.Background(), bars)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(report.SwingHighs) == 0 {
		t.Fatal("Expected a swing high at the bounce")
	}
	brk := report.LastBreak(market.ChangeOfCharacter, types.DirectionLong, 0)
	if brk == nil {
		t.Fatalf("Expected a bullish change of character, got breaks %+v", report.Breaks)
	}
	if brk.Level != 100.5 || brk.BarIndex != 9 {
		t.Errorf("Expected break of 100.5 at bar 9, got %+v", brk)
	}
}

func TestSwingAnalyzerEqualHighs(t *testing.T) {
	bars := []types.Bar{
		bar(99, 99.5, 98.5, 99),
		bar(99, 99.8, 98.8, 99.5),
		bar(99.5, 100, 99, 99.6),
		bar(99.6, 99.7, 98.9, 99.1),
		bar(99.1, 99.4, 98.7, 99),
		bar(99, 99.6, 98.8, 99.4),
		bar(99.4, 100.02, 99.1, 99.7),
		bar(99.7, 99.8, 99, 99.2),
		bar(99.2, 99.5, 98.9, 99.1),
	}
	a := market.NewSwingAnalyzer(2, 0.0005)
	report, _ := a.Analyze(context.Background(), bars)
	if !report.EqualHighs {
		t.Fatalf("Expected equal highs, got %+v", report.SwingHighs)
	}
	if !report.SymmetricLiquidity() {
		t.Error("Expected symmetric liquidity")
	}

	var nilReport *market.StructureReport
	if nilReport.SymmetricLiquidity() || nilReport.LastBreak("", types.DirectionLong, 0) != nil {
		t.Error("Expected nil report to detect nothing")
	}
}

func TestCountRespects(t *testing.T) {
	rng := types.NewRangeStructure(110, 100, "detector")
	bars := []types.Bar{
		bar(102, 103, 100.5, 101), // touch lower
		bar(101, 104, 101, 103.5), // closes well inside
		bar(104, 109.8, 104, 109), // touch upper
		bar(109, 109.5, 106, 106.5),
		bar(106, 107, 105, 106),
	}
	if got := market.CountRespects(bars, rng, 0.15); got != 2 {
		t.Errorf("Expected 2 respects, got %d", got)
	}

	if got := market.CountRespects(bars, types.NewRangeStructure(100, 100, "x"), 0.15); got != 0 {
		t.Errorf("Expected 0 respects for degenerate range, got %d", got)
	}
}

func TestFindSweep(t *testing.T) {
	rng := types.NewRangeStructure(110, 100, "detector")
	bars := []types.Bar{
		bar(103, 104, 102, 103),
		bar(103, 103.5, 99.2, 100.8),
		bar(100.8, 102, 100.5, 101.5),
	}
	sweep := market.FindSweep(bars, rng, 10)
	if sweep == nil {
		t.Fatal("Expected a sweep of the lower boundary")
	}
	if sweep.Direction != types.DirectionLong || sweep.Extreme != 99.2 || sweep.BarIndex != 1 {
		t.Errorf("Unexpected sweep %+v", sweep)
	}

	if market.FindSweep(bars, rng, 1) != nil {
		t.Error("Expected no sweep inside a one-bar lookback")
	}
}

func TestNearBoundary(t *testing.T) {
	rng := types.NewRangeStructure(110, 100, "detector")
	if b, _ := market.NearBoundary(101, rng, 0.15); b != market.BoundaryLower {
		t.Errorf("Expected lower boundary, got %q", b)
	}
	if b, _ := market.NearBoundary(109, rng, 0.15); b != market.BoundaryUpper {
		t.Errorf("Expected upper boundary, got %q", b)
	}
	if b, _ := market.NearBoundary(105, rng, 0.15); b != market.BoundaryNone {
		t.Errorf("Expected no boundary, got %q", b)
	}
}

func TestStaticCalendar(t *testing.T) {
	at := time.Date(2024, 3, 8, 13, 30, 0, 0, time.UTC)
	cal := market.NewStaticCalendar([]types.BlackoutWindow{
		{Category: "macro", At: at, Before: 5 * time.Minute, After: 10 * time.Minute},
	})
	ctx := context.Background()

	cases := []struct {
		name     string
		category string
		at       time.Time
		want     bool
	}{
		{"inside before", "macro", at.Add(-4 * time.Minute), true},
		{"inside after", "MACRO", at.Add(9 * time.Minute), true},
		{"outside", "macro", at.Add(11 * time.Minute), false},
		{"other category", "earnings", at, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cal.InBlackout(ctx, tc.category, tc.at)
			if err != nil {
				t.Fatalf("InBlackout failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

type failingCalendar struct{ err error }

func (f failingCalendar) InBlackout(ctx context.Context, category string, at time.Time) (bool, error) {
	return true, f.err
}

type slowDetector struct{ delay time.Duration }

func (s slowDetector) DetectRange(ctx context.Context, bars []types.Bar) (*types.RangeStructure, error) {
	time.Sleep(s.delay)
	return types.NewRangeStructure(2, 1, "slow"), nil
}

func testGuard() *market.Guard {
	return market.NewGuard(zap.NewNop(), types.CollaboratorConfig{
		Timeout:         20 * time.Millisecond,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	})
}

func TestGuardNewsFailsOpen(t *testing.T) {
	g := testGuard()
	var unavailable []string
	g.OnUnavailable(func(name string) { unavailable = append(unavailable, name) })

	ctx, notes := market.WithNotes(context.Background())
	if g.Blackout(ctx, failingCalendar{err: errors.New("feed down")}, "macro", time.Now()) {
		t.Error("Expected fail-open on lookup failure")
	}
	if len(unavailable) != 1 || unavailable[0] != market.NameNews {
		t.Errorf("Expected one news unavailability, got %v", unavailable)
	}
	if len(notes.Items()) != 1 {
		t.Errorf("Expected one degradation note, got %v", notes.Items())
	}
}

func TestGuardTimeout(t *testing.T) {
	g := testGuard()
	bars := []types.Bar{bar(1, 2, 1, 1.5)}

	start := time.Now()
	rng, ok := g.Range(context.Background(), slowDetector{delay: 200 * time.Millisecond}, bars)
	if ok || rng != nil {
		t.Errorf("Expected unavailable range, got %v %v", rng, ok)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("Expected the call to be abandoned at the timeout, took %v", elapsed)
	}

	rng, ok = g.Range(context.Background(), slowDetector{}, bars)
	if !ok || rng == nil {
		t.Error("Expected a fast detector to succeed")
	}
}

func TestGuardBreakerOpens(t *testing.T) {
	g := testGuard()
	cal := failingCalendar{err: errors.New("down")}
	for i := 0; i < 2; i++ {
		g.Blackout(context.Background(), cal, "macro", time.Now())
	}
	if state := g.BreakerState(market.NameNews); state != "open" {
		t.Errorf("Expected open breaker after 2 failures, got %s", state)
	}
}

func TestGuardNilCollaborators(t *testing.T) {
	g := testGuard()
	ctx := context.Background()
	bars := []types.Bar{bar(1, 2, 1, 1.5)}

	if _, ok := g.Range(ctx, nil, bars); ok {
		t.Error("Expected nil detector to be unavailable")
	}
	if g.Structure(ctx, nil, bars) != nil {
		t.Error("Expected nil analyzer to yield no report")
	}
	if g.Blackout(ctx, nil, "macro", time.Now()) {
		t.Error("Expected nil calendar to report no blackout")
	}
}
