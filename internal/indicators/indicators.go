// Package indicators provides the numeric helpers shared by the classifiers and
// strategies. Every function tolerates short or degenerate input and reports it
// through a zero value or ok=false instead of dividing by zero.
package indicators

import (
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// Tail returns the last n bars, or all of them when fewer exist.
func Tail(bars []types.Bar, n int) []types.Bar {
	if n <= 0 {
		return nil
	}
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

// Closes extracts close prices.
func Closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts volumes.
func Volumes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// TrueRange returns the true range of bars[i]. The first bar uses high-low.
func TrueRange(bars []types.Bar, i int) float64 {
	if i < 0 || i >= len(bars) {
		return 0
	}
	b := bars[i]
	tr := b.High - b.Low
	if i == 0 {
		return tr
	}
	prev := bars[i-1].Close
	return math.Max(tr, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
}

// ATRWindow averages the true range over the n bars ending before index end.
func ATRWindow(bars []types.Bar, end, n int) (float64, bool) {
	if n <= 0 || end > len(bars) || end-n < 0 {
		return 0, false
	}
	sum := 0.0
	for i := end - n; i < end; i++ {
		sum += TrueRange(bars, i)
	}
	return sum / float64(n), true
}

// ATR averages the true range over the last n bars, or over every bar when
// fewer than n exist.
func ATR(bars []types.Bar, n int) float64 {
	if len(bars) == 0 || n <= 0 {
		return 0
	}
	if n > len(bars) {
		n = len(bars)
	}
	v, _ := ATRWindow(bars, len(bars), n)
	return v
}

// VolatilityRatio compares the ATR of the last n bars to the n bars before them.
func VolatilityRatio(bars []types.Bar, n int) (float64, bool) {
	recent, ok := ATRWindow(bars, len(bars), n)
	if !ok {
		return 0, false
	}
	prior, ok := ATRWindow(bars, len(bars)-n, n)
	if !ok || prior <= 0 {
		return 0, false
	}
	return recent / prior, true
}

// Mean returns the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := Mean(values)
	ss := 0.0
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// ZScore returns (value-mean)/sd, or 0 when sd is not positive.
func ZScore(value, mean, sd float64) float64 {
	if sd <= 0 || math.IsNaN(sd) {
		return 0
	}
	return (value - mean) / sd
}

// SMA returns the mean of the last n values.
func SMA(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n {
		return 0, false
	}
	return Mean(values[len(values)-n:]), true
}

// BandWidth returns the Bollinger band width (upper-lower)/middle over the last
// n closes using k standard deviations.
func BandWidth(closes []float64, n int, k float64) (float64, bool) {
	if n < 2 || len(closes) < n {
		return 0, false
	}
	window := closes[len(closes)-n:]
	m := Mean(window)
	if m <= 0 {
		return 0, false
	}
	return 2 * k * StdDev(window) / m, true
}

// BandWidthSeries returns the band width at every index with a full window.
func BandWidthSeries(closes []float64, n int, k float64) []float64 {
	if n < 2 || len(closes) < n {
		return nil
	}
	out := make([]float64, 0, len(closes)-n+1)
	for end := n; end <= len(closes); end++ {
		if w, ok := BandWidth(closes[:end], n, k); ok {
			out = append(out, w)
		}
	}
	return out
}

// TypicalPrice is (high+low+close)/3.
func TypicalPrice(b types.Bar) float64 {
	return (b.High + b.Low + b.Close) / 3
}

// VWAPSeries returns the cumulative volume weighted average price at each bar.
// Stretches without volume fall back to the equal-weight mean of typical prices.
func VWAPSeries(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	var pv, vol, sumTP float64
	for i, b := range bars {
		tp := TypicalPrice(b)
		sumTP += tp
		if b.Volume > 0 {
			pv += tp * b.Volume
			vol += b.Volume
		}
		if vol > 0 {
			out[i] = pv / vol
		} else {
			out[i] = sumTP / float64(i+1)
		}
	}
	return out
}

// Slope returns the per-step change of the series over its last k steps.
func Slope(series []float64, k int) (float64, bool) {
	if k <= 0 || len(series) <= k {
		return 0, false
	}
	last := len(series) - 1
	return (series[last] - series[last-k]) / float64(k), true
}

// Body returns the absolute candle body.
func Body(b types.Bar) float64 {
	return math.Abs(b.Close - b.Open)
}

// BarRange returns high-low.
func BarRange(b types.Bar) float64 {
	return b.High - b.Low
}

// UpperWick returns the wick above the body.
func UpperWick(b types.Bar) float64 {
	return b.High - math.Max(b.Open, b.Close)
}

// LowerWick returns the wick below the body.
func LowerWick(b types.Bar) float64 {
	return math.Min(b.Open, b.Close) - b.Low
}

// IsInsideBar reports whether cur trades within prev's range.
func IsInsideBar(prev, cur types.Bar) bool {
	return cur.High <= prev.High && cur.Low >= prev.Low
}

// HighestHigh returns the highest high, or 0 for no bars.
func HighestHigh(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	h := bars[0].High
	for _, b := range bars[1:] {
		h = math.Max(h, b.High)
	}
	return h
}

// LowestLow returns the lowest low, or 0 for no bars.
func LowestLow(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	l := bars[0].Low
	for _, b := range bars[1:] {
		l = math.Min(l, b.Low)
	}
	return l
}

// TrailingVolume returns the mean and standard deviation of volume over up to n
// bars preceding the last bar, and how many bars were used.
func TrailingVolume(bars []types.Bar, n int) (mean, sd float64, count int) {
	if len(bars) < 2 || n <= 0 {
		return 0, 0, 0
	}
	prior := Tail(bars[:len(bars)-1], n)
	vols := Volumes(prior)
	return Mean(vols), StdDev(vols), len(vols)
}

// ReferenceSeries returns the snapshot's reference history when it spans more
// than minLen points, else a VWAP series rebuilt from the primary bars.
func ReferenceSeries(snap *types.Snapshot, minLen int) []float64 {
	if len(snap.ReferenceHistory) > minLen {
		return snap.ReferenceHistory
	}
	return VWAPSeries(snap.Primary())
}
