package data_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/data"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

func validSnapshot() *types.Snapshot {
	start := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 20)
	for i := range bars {
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 100.5, Low: 99.5, Close: 100, Volume: 10,
		}
	}
	return &types.Snapshot{
		InstrumentID:        "ES",
		AsOf:                start.Add(20 * time.Minute),
		CurrentPrice:        100,
		Bars:                map[types.Timeframe][]types.Bar{types.Timeframe1m: bars},
		ReferenceLevel:      100,
		ReferenceDispersion: 0.5,
	}
}

func TestQualityValidSnapshot(t *testing.T) {
	q := data.NewQualityValidator(zap.NewNop())
	report := q.Check(validSnapshot())

	if !report.Usable {
		t.Fatalf("Expected usable snapshot, got %v", report.Issues)
	}
	if report.Err() != nil {
		t.Errorf("Expected nil error, got %v", report.Err())
	}
	if report.BarCounts[types.Timeframe1m] != 20 {
		t.Errorf("Expected 20 primary bars, got %d", report.BarCounts[types.Timeframe1m])
	}
}

func TestQualityRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(s *types.Snapshot)
		issue  string
	}{
		{"missing instrument", func(s *types.Snapshot) { s.InstrumentID = "" }, "INVALID_FIELD"},
		{"nan price", func(s *types.Snapshot) { s.CurrentPrice = math.NaN() }, "INVALID_FIELD"},
		{"infinite price", func(s *types.Snapshot) { s.CurrentPrice = math.Inf(1) }, "NON_FINITE_PRICE"},
		{"nan dispersion", func(s *types.Snapshot) { s.ReferenceDispersion = math.NaN() }, "NON_FINITE_REFERENCE"},
		{"high below close", func(s *types.Snapshot) { s.Bars[types.Timeframe1m][3].High = 99.9 }, "OHLC_INCONSISTENT"},
		{"nan bar", func(s *types.Snapshot) { s.Bars[types.Timeframe1m][4].Close = math.NaN() }, "NON_FINITE_PRICE"},
		{"duplicate", func(s *types.Snapshot) {
			bars := s.Bars[types.Timeframe1m]
			bars[6].Timestamp = bars[5].Timestamp
		}, "DUPLICATE_TIMESTAMP"},
		{"out of order", func(s *types.Snapshot) {
			bars := s.Bars[types.Timeframe1m]
			bars[8].Timestamp = bars[2].Timestamp.Add(-time.Hour)
		}, "OUT_OF_ORDER"},
	}

	q := data.NewQualityValidator(zap.NewNop())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := validSnapshot()
			tc.mutate(snap)
			report := q.Check(snap)

			if report.Usable {
				t.Fatal("Expected unusable snapshot")
			}
			if !errors.Is(report.Err(), data.ErrUnusableSnapshot) {
				t.Errorf("Expected ErrUnusableSnapshot, got %v", report.Err())
			}
			found := false
			for _, issue := range report.Issues {
				if issue.Type == tc.issue {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected issue %s, got %v", tc.issue, report.Issues)
			}
		})
	}
}

func TestQualityMissingPrimaryIsNotFatal(t *testing.T) {
	snap := validSnapshot()
	snap.Bars = nil

	report := data.NewQualityValidator(zap.NewNop()).Check(snap)
	if !report.Usable {
		t.Errorf("Expected missing bars to degrade rather than reject, got %v", report.Reasons())
	}
}

func TestDecodeSnapshots(t *testing.T) {
	single := `{"instrument_id":"NQ","current_price":18000,"bars":{"1m":[{"open":1,"high":2,"low":0.5,"close":1.5,"volume":3}]}}`
	snaps, err := data.DecodeSnapshots(strings.NewReader("  \n" + single))
	if err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if len(snaps) != 1 || snaps[0].InstrumentID != "NQ" || len(snaps[0].Primary()) != 1 {
		t.Errorf("Expected one NQ snapshot with one bar, got %+v", snaps)
	}

	snaps, err = data.DecodeSnapshots(strings.NewReader("[" + single + "," + single + "]"))
	if err != nil {
		t.Fatalf("Failed to decode snapshot array: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("Expected 2 snapshots, got %d", len(snaps))
	}

	if _, err := data.DecodeSnapshots(strings.NewReader("{not json")); err == nil {
		t.Error("Expected parse error")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	snap := validSnapshot()
	snap.InstrumentID = "eur/usd"
	if err := store.Save(snap); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}
	if err := store.Save(validSnapshot()); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "BROKEN.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	ids, err := store.Instruments()
	if err != nil {
		t.Fatalf("Failed to list instruments: %v", err)
	}
	if len(ids) != 3 || ids[0] != "BROKEN" || ids[1] != "ES" || ids[2] != "EUR_USD" {
		t.Errorf("Expected [BROKEN ES EUR_USD], got %v", ids)
	}

	store.ClearCache()
	all, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("Failed to load snapshots: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected broken file to be skipped, got %d snapshots", len(all))
	}
	if all[1].InstrumentID != "eur/usd" || len(all[1].Primary()) != 20 {
		t.Errorf("Expected eur/usd with 20 bars, got %s with %d", all[1].InstrumentID, len(all[1].Primary()))
	}
}
