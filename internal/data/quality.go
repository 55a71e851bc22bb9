// Package data validates and loads market snapshots.
// A snapshot with any critical issue is unusable and never reaches detection.
package data

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrUnusableSnapshot is returned for snapshots with critical quality issues.
var ErrUnusableSnapshot = errors.New("unusable snapshot")

// Severity of a data issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

// Issue represents a data quality problem
type Issue struct {
	Type      string          `json:"type"`
	Severity  Severity        `json:"severity"`
	Timeframe types.Timeframe `json:"timeframe,omitempty"`
	Message   string          `json:"message"`
	BarIndex  int             `json:"bar_index,omitempty"`
}

// QualityReport summarizes the quality of one snapshot
type QualityReport struct {
	InstrumentID string                  `json:"instrument_id"`
	Issues       []Issue                 `json:"issues"`
	BarCounts    map[types.Timeframe]int `json:"bar_counts"`
	Usable       bool                    `json:"usable"`
}

// Reasons returns the messages of the critical issues.
func (r *QualityReport) Reasons() []string {
	var out []string
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			out = append(out, issue.Message)
		}
	}
	return out
}

// Err returns nil for a usable snapshot, else an error wrapping ErrUnusableSnapshot.
func (r *QualityReport) Err() error {
	if r.Usable {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnusableSnapshot, strings.Join(r.Reasons(), "; "))
}

// QualityValidator checks snapshot integrity
type QualityValidator struct {
	logger   *zap.Logger
	validate *validator.Validate

	// MaxGapMove flags bar-to-bar opens further than this fraction from the prior close
	MaxGapMove float64
}

// NewQualityValidator creates a validator.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:     logger,
		validate:   validator.New(),
		MaxGapMove: 0.05,
	}
}

// Check runs every quality check on a snapshot.
func (q *QualityValidator) Check(snap *types.Snapshot) *QualityReport {
	if snap == nil {
		return &QualityReport{
			Issues: []Issue{{Type: "NO_SNAPSHOT", Severity: SeverityCritical, Message: "no snapshot provided"}},
		}
	}

	report := &QualityReport{
		InstrumentID: snap.InstrumentID,
		BarCounts:    make(map[types.Timeframe]int, len(snap.Bars)),
	}
	report.Issues = append(report.Issues, q.checkFields(snap)...)
	report.Issues = append(report.Issues, q.checkReference(snap)...)

	timeframes := make([]string, 0, len(snap.Bars))
	for tf := range snap.Bars {
		timeframes = append(timeframes, string(tf))
	}
	sort.Strings(timeframes)
	for _, name := range timeframes {
		tf := types.Timeframe(name)
		bars := snap.Bars[tf]
		report.BarCounts[tf] = len(bars)
		report.Issues = append(report.Issues, q.checkBars(tf, bars)...)
	}
	if snap.Primary() == nil {
		report.Issues = append(report.Issues, Issue{
			Type:     "NO_PRIMARY_BARS",
			Severity: SeverityLow,
			Message:  "primary timeframe absent",
		})
	}

	report.Usable = true
	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical {
			report.Usable = false
			break
		}
	}
	if !report.Usable {
		q.logger.Debug("Snapshot unusable",
			zap.String("instrument", snap.InstrumentID),
			zap.Strings("reasons", report.Reasons()))
	}
	return report
}

// checkFields applies the struct constraints and rejects non-finite quotes.
func (q *QualityValidator) checkFields(snap *types.Snapshot) []Issue {
	var issues []Issue
	if err := q.validate.Struct(snap); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				issues = append(issues, Issue{
					Type:     "INVALID_FIELD",
					Severity: SeverityCritical,
					Message:  fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()),
				})
			}
		} else {
			issues = append(issues, Issue{Type: "INVALID_FIELD", Severity: SeverityCritical, Message: err.Error()})
		}
	}

	quotes := []struct {
		name  string
		value float64
	}{
		{"current_price", snap.CurrentPrice},
		{"bid", snap.Bid},
		{"ask", snap.Ask},
		{"tick_size", snap.TickSize},
	}
	for _, quote := range quotes {
		if math.IsNaN(quote.value) || math.IsInf(quote.value, 0) {
			issues = append(issues, Issue{
				Type:     "NON_FINITE_PRICE",
				Severity: SeverityCritical,
				Message:  quote.name + " is not finite",
			})
		}
	}
	if snap.Bid > 0 && snap.Ask > 0 && snap.Ask < snap.Bid {
		issues = append(issues, Issue{Type: "CROSSED_QUOTE", Severity: SeverityHigh, Message: "ask below bid"})
	}
	return issues
}

func (q *QualityValidator) checkReference(snap *types.Snapshot) []Issue {
	var issues []Issue
	values := []struct {
		name  string
		value float64
	}{
		{"reference_level", snap.ReferenceLevel},
		{"reference_dispersion", snap.ReferenceDispersion},
		{"short_volatility", snap.ShortVolatility},
		{"long_volatility", snap.LongVolatility},
	}
	for _, v := range values {
		switch {
		case math.IsNaN(v.value) || math.IsInf(v.value, 0):
			issues = append(issues, Issue{Type: "NON_FINITE_REFERENCE", Severity: SeverityCritical, Message: v.name + " is not finite"})
		case v.value < 0:
			issues = append(issues, Issue{Type: "NEGATIVE_REFERENCE", Severity: SeverityCritical, Message: v.name + " is negative"})
		}
	}
	for i, v := range snap.ReferenceHistory {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			issues = append(issues, Issue{
				Type:     "NON_FINITE_REFERENCE",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("reference_history[%d] is not finite", i),
				BarIndex: i,
			})
			break
		}
	}
	return issues
}

// checkBars verifies prices, OHLC consistency, duplicates and ordering.
// Bars without timestamps skip the time checks.
func (q *QualityValidator) checkBars(tf types.Timeframe, bars []types.Bar) []Issue {
	var issues []Issue
	add := func(kind string, sev Severity, i int, format string, args ...any) {
		issues = append(issues, Issue{
			Type:      kind,
			Severity:  sev,
			Timeframe: tf,
			Message:   fmt.Sprintf("%s bar %d: ", tf, i) + fmt.Sprintf(format, args...),
			BarIndex:  i,
		})
	}

	seen := make(map[int64]int, len(bars))
	for i, b := range bars {
		prices := [4]float64{b.Open, b.High, b.Low, b.Close}
		finite := true
		for _, p := range prices {
			if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
				finite = false
			}
		}
		if !finite || math.IsNaN(b.Volume) || math.IsInf(b.Volume, 0) {
			add("NON_FINITE_PRICE", SeverityCritical, i, "non-finite or non-positive value")
			continue
		}
		if b.High < math.Max(b.Open, b.Close) || b.Low > math.Min(b.Open, b.Close) || b.High < b.Low {
			add("OHLC_INCONSISTENT", SeverityCritical, i, "O:%v H:%v L:%v C:%v", b.Open, b.High, b.Low, b.Close)
		}
		if b.Volume < 0 {
			add("NEGATIVE_VOLUME", SeverityHigh, i, "volume %v", b.Volume)
		}
		if i > 0 {
			prev := bars[i-1]
			if prev.Close > 0 && math.Abs(b.Open-prev.Close)/prev.Close > q.MaxGapMove {
				add("GAP_MOVE", SeverityLow, i, "gap from %v to %v", prev.Close, b.Open)
			}
		}

		if b.Timestamp.IsZero() {
			continue
		}
		ts := b.Timestamp.UnixNano()
		if first, ok := seen[ts]; ok {
			add("DUPLICATE_TIMESTAMP", SeverityCritical, i, "duplicate timestamp (also at %d)", first)
		} else {
			seen[ts] = i
		}
		if i > 0 && !bars[i-1].Timestamp.IsZero() && b.Timestamp.Before(bars[i-1].Timestamp) {
			add("OUT_OF_ORDER", SeverityCritical, i, "out of chronological order")
		}
	}
	return issues
}
