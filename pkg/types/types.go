// Package types provides shared type definitions for the regime engine.
package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Timeframe represents a bar timeframe
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"

	// PrimaryTimeframe is the 1-unit timeframe every snapshot is expected to carry
	PrimaryTimeframe = Timeframe1m
)

// Direction represents the side of a trade proposal
type Direction string

const (
	DirectionNone  Direction = ""
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return DirectionNone
}

// Sign returns +1 for long, -1 for short and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	}
	return 0
}

// RegimeType represents a classified short-term market regime
type RegimeType string

const (
	RegimeDeviationReversion RegimeType = "DEVIATION_REVERSION"
	RegimeRangeEdge          RegimeType = "RANGE_EDGE"
	RegimeCompressionBalance RegimeType = "COMPRESSION_BALANCE"
	RegimeUnknown            RegimeType = "UNKNOWN"
)

// Layer identifies a stage of the validation pipeline
type Layer string

const (
	LayerPreTrade   Layer = "PRE_TRADE"
	LayerLocation   Layer = "LOCATION"
	LayerSignal     Layer = "SIGNAL"
	LayerConfluence Layer = "CONFLUENCE"
)

// StrategyID identifies a strategy specialization
type StrategyID string

const (
	StrategyDeviationReversion StrategyID = "deviation-reversion"
	StrategyRangeEdge          StrategyID = "range-edge"
	StrategyCompressionBalance StrategyID = "compression-balance"
	StrategyEdgeFallback       StrategyID = "edge-fallback"
)

// StrategyFor maps a regime to its strategy one-to-one. UNKNOWN maps to the fallback.
func StrategyFor(regime RegimeType) StrategyID {
	switch regime {
	case RegimeDeviationReversion:
		return StrategyDeviationReversion
	case RegimeRangeEdge:
		return StrategyRangeEdge
	case RegimeCompressionBalance:
		return StrategyCompressionBalance
	}
	return StrategyEdgeFallback
}

// Bar represents a single OHLCV candle
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SpreadStats carries the current and trailing-average quoted spread
type SpreadStats struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
}

// Auxiliary holds optional enrichments. Every field may be absent.
type Auxiliary struct {
	OrderFlow    *float64     `json:"order_flow,omitempty"` // -1..1, sell to buy pressure
	Spread       *SpreadStats `json:"spread,omitempty"`
	NewsCategory string       `json:"news_category,omitempty"`
}

// Snapshot is the immutable input bundle for one evaluation cycle.
type Snapshot struct {
	InstrumentID string    `json:"instrument_id" validate:"required"`
	AssetClass   string    `json:"asset_class,omitempty"`
	AsOf         time.Time `json:"as_of"`
	CurrentPrice float64   `json:"current_price" validate:"gt=0"`
	Bid          float64   `json:"bid,omitempty" validate:"gte=0"`
	Ask          float64   `json:"ask,omitempty" validate:"gte=0"`
	TickSize     float64   `json:"tick_size,omitempty" validate:"gte=0"`

	Bars map[Timeframe][]Bar `json:"bars"`

	ReferenceLevel      float64   `json:"reference_level"`      // e.g. VWAP
	ReferenceDispersion float64   `json:"reference_dispersion"` // std dev around the reference
	ReferenceHistory    []float64 `json:"reference_history,omitempty"`
	ShortVolatility     float64   `json:"short_volatility"`
	LongVolatility      float64   `json:"long_volatility"` // 14-bar ATR

	Auxiliary Auxiliary `json:"auxiliary"`
}

// Timeframe returns the bars for a timeframe. Absent and empty are both nil.
func (s *Snapshot) Timeframe(tf Timeframe) []Bar {
	if s == nil || s.Bars == nil {
		return nil
	}
	bars := s.Bars[tf]
	if len(bars) == 0 {
		return nil
	}
	return bars
}

// Primary returns the primary timeframe bars or nil.
func (s *Snapshot) Primary() []Bar {
	return s.Timeframe(PrimaryTimeframe)
}

// Coarsest returns the bars of the coarsest timeframe that is present, searching
// 15m, then 5m, then the primary timeframe.
func (s *Snapshot) Coarsest() ([]Bar, Timeframe) {
	for _, tf := range []Timeframe{Timeframe15m, Timeframe5m, Timeframe1m} {
		if bars := s.Timeframe(tf); bars != nil {
			return bars, tf
		}
	}
	return nil, ""
}

// Spread returns the current spread and its trailing average. ok is false when the
// current spread cannot be determined.
func (s *Snapshot) Spread() (current, average float64, ok bool) {
	if s.Bid > 0 && s.Ask > 0 && s.Ask >= s.Bid {
		current, ok = s.Ask-s.Bid, true
	}
	if s.Auxiliary.Spread != nil {
		if !ok && s.Auxiliary.Spread.Current > 0 {
			current, ok = s.Auxiliary.Spread.Current, true
		}
		average = s.Auxiliary.Spread.Average
	}
	return current, average, ok
}

// RangeStructure is a detected price range
type RangeStructure struct {
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Mid    float64 `json:"mid"`
	Source string  `json:"source"` // "detector" or "intraday"
}

// NewRangeStructure derives the midpoint of a range.
func NewRangeStructure(high, low float64, source string) *RangeStructure {
	return &RangeStructure{High: high, Low: low, Mid: (high + low) / 2, Source: source}
}

// Width returns High - Low.
func (r *RangeStructure) Width() float64 {
	if r == nil {
		return 0
	}
	return r.High - r.Low
}

// Characteristics is classifier-specific evidence keyed by name
type Characteristics map[string]any

// Float returns a numeric characteristic or 0.
func (c Characteristics) Float(key string) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Int returns an integer characteristic or 0.
func (c Characteristics) Int(key string) int {
	switch v := c[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Bool returns a boolean characteristic or false.
func (c Characteristics) Bool(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// String returns a string characteristic or "".
func (c Characteristics) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Range returns the range structure stored under "range", if any.
func (c Characteristics) Range() *RangeStructure {
	r, _ := c["range"].(*RangeStructure)
	return r
}

// Clone returns a shallow copy.
func (c Characteristics) Clone() Characteristics {
	out := make(Characteristics, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// RegimeCandidate is the output of one classifier
type RegimeCandidate struct {
	Regime          RegimeType      `json:"regime"`
	Detected        bool            `json:"detected"`
	Confidence      float64         `json:"confidence"`       // 0-100
	ConfidenceFloor float64         `json:"confidence_floor"` // 0-100
	Characteristics Characteristics `json:"characteristics"`
	RejectReason    string          `json:"reject_reason,omitempty"`
}

// Qualifies reports whether the candidate is detected and clears its floor.
func (c RegimeCandidate) Qualifies() bool {
	return c.Detected && c.Confidence >= c.ConfidenceFloor
}

// RegimeResult is the output of the regime detector for one cycle
type RegimeResult struct {
	Regime          RegimeType      `json:"regime"`
	Confidence      float64         `json:"confidence"`
	ConfidenceFloor float64         `json:"confidence_floor"`
	Characteristics Characteristics `json:"characteristics"`
	FromCache       bool            `json:"from_cache"`
	CacheRunLength  int             `json:"cache_run_length"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// Qualifies reports whether the confidence clears the floor.
func (r RegimeResult) Qualifies() bool {
	return r.Confidence >= r.ConfidenceFloor
}

// ValidationResult is the output of one strategy's layered check
type ValidationResult struct {
	StrategyID       StrategyID     `json:"strategy_id"`
	Passed           bool           `json:"passed"`
	LayerReached     Layer          `json:"layer_reached"`
	ConfluenceScore  float64        `json:"confluence_score"`
	IsPremiumSetup   bool           `json:"is_premium_setup"`
	Evidence         map[string]any `json:"evidence"`
	RejectionReasons []string       `json:"rejection_reasons"`
}

// Reject marks the result as failed at a layer.
func (v *ValidationResult) Reject(layer Layer, reasons ...string) {
	v.Passed = false
	v.LayerReached = layer
	v.RejectionReasons = append(v.RejectionReasons, reasons...)
}

// TradeProposal is the final actionable output
type TradeProposal struct {
	Direction       Direction  `json:"direction"`
	EntryPrice      float64    `json:"entry_price"`
	StopPrice       float64    `json:"stop_price"`
	TargetPrice     float64    `json:"target_price"`
	SecondaryTarget *float64   `json:"secondary_target,omitempty"`
	StrategyID      StrategyID `json:"strategy_id"`
	EntryType       string     `json:"entry_type,omitempty"`
	ConfluenceScore float64    `json:"confluence_score"`
}

// ErrIncompleteProposal is returned by TradeProposal.Validate.
var ErrIncompleteProposal = errors.New("incomplete trade proposal")

// Validate checks that all prices are present and finite and that the stop is
// not at the entry.
func (p *TradeProposal) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil proposal", ErrIncompleteProposal)
	}
	if p.Direction != DirectionLong && p.Direction != DirectionShort {
		return fmt.Errorf("%w: direction %q", ErrIncompleteProposal, p.Direction)
	}
	prices := map[string]float64{"entry": p.EntryPrice, "stop": p.StopPrice, "target": p.TargetPrice}
	for name, v := range prices {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: %s price %v", ErrIncompleteProposal, name, v)
		}
	}
	if p.SecondaryTarget != nil && (math.IsNaN(*p.SecondaryTarget) || math.IsInf(*p.SecondaryTarget, 0)) {
		return fmt.Errorf("%w: secondary target %v", ErrIncompleteProposal, *p.SecondaryTarget)
	}
	if p.StopPrice == p.EntryPrice {
		return fmt.Errorf("%w: stop equals entry", ErrIncompleteProposal)
	}
	return nil
}

// Risk returns the absolute entry-to-stop distance.
func (p *TradeProposal) Risk() float64 {
	return math.Abs(p.EntryPrice - p.StopPrice)
}

// DecisionStatus is the outcome of a cycle
type DecisionStatus string

const (
	DecisionProposal DecisionStatus = "proposal"
	DecisionNoTrade  DecisionStatus = "no_trade"
	DecisionFailed   DecisionStatus = "failed"
)

// Decision is the record produced for every evaluation cycle
type Decision struct {
	ID               string            `json:"id"`
	InstrumentID     string            `json:"instrument_id"`
	AsOf             time.Time         `json:"as_of"`
	Status           DecisionStatus    `json:"status"`
	Regime           RegimeResult      `json:"regime"`
	StrategyID       StrategyID        `json:"strategy_id"`
	RouteReason      string            `json:"route_reason,omitempty"`
	Validation       *ValidationResult `json:"validation,omitempty"`
	Proposal         *TradeProposal    `json:"proposal,omitempty"`
	LayerReached     Layer             `json:"layer_reached,omitempty"`
	RejectionReasons []string          `json:"rejection_reasons,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	Degradations     []string          `json:"degradations,omitempty"`
	Duration         time.Duration     `json:"duration"`
}
