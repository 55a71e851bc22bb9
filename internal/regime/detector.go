package regime

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/atlas-desktop/regime-engine/internal/market"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// ChangeHandler is notified when an instrument's regime differs from its
// previous cycle.
type ChangeHandler func(instrument string, previous, current types.RegimeResult)

// Stats summarizes detector activity
type Stats struct {
	CacheHits   uint64                      `json:"cache_hits"`
	CacheMisses uint64                      `json:"cache_misses"`
	Regimes     map[types.RegimeType]uint64 `json:"regimes"`
	Instruments int                         `json:"instruments"`
}

// Detector runs the classifiers, applies anti-flip-flop smoothing and
// priority selection, and smooths results through the rolling cache.
type Detector struct {
	logger *zap.Logger
	config types.RegimeConfig

	deviation   Classifier
	rangeEdge   Classifier
	compression Classifier

	cache *Cache

	hits   atomic.Uint64
	misses atomic.Uint64

	mu       sync.RWMutex
	counts   map[types.RegimeType]uint64
	onChange ChangeHandler
}

// NewDetector creates a detector with the three standard classifiers.
func NewDetector(logger *zap.Logger, config *types.Config, suite *market.Suite) *Detector {
	if config == nil {
		config = types.DefaultConfig()
	}
	rc := config.Regime
	return NewDetectorWithClassifiers(logger, rc,
		NewDeviationClassifier(config.Deviation, rc.DeviationFloor),
		NewRangeEdgeClassifier(config.RangeEdge, rc.RangeFloor, suite),
		NewCompressionClassifier(config.Compression, rc.CompressionFloor, suite),
	)
}

// NewDetectorWithClassifiers creates a detector from explicit classifiers in
// priority order deviation, range-edge, compression.
func NewDetectorWithClassifiers(logger *zap.Logger, config types.RegimeConfig, deviation, rangeEdge, compression Classifier) *Detector {
	return &Detector{
		logger:      logger,
		config:      config,
		deviation:   deviation,
		rangeEdge:   rangeEdge,
		compression: compression,
		cache:       NewCache(config.CacheSize),
		counts:      make(map[types.RegimeType]uint64),
	}
}

// OnRegimeChange registers a change handler.
func (d *Detector) OnRegimeChange(fn ChangeHandler) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Cache returns the rolling cache.
func (d *Detector) Cache() *Cache {
	return d.cache
}

// Detect classifies the snapshot's instrument for this cycle. Calls for the
// same instrument serialize on its history.
func (d *Detector) Detect(ctx context.Context, snap *types.Snapshot) types.RegimeResult {
	h := d.cache.history(snap.InstrumentID)

	h.mu.Lock()
	previous, hadPrevious := h.latest()
	result := d.detectLocked(ctx, h, snap)
	h.mu.Unlock()

	d.mu.Lock()
	d.counts[result.Regime]++
	handler := d.onChange
	d.mu.Unlock()

	if hadPrevious && previous.Regime != result.Regime && handler != nil {
		handler(snap.InstrumentID, previous, result)
	}
	return result
}

func (d *Detector) detectLocked(ctx context.Context, h *History, snap *types.Snapshot) types.RegimeResult {
	if cached, ok := h.lookup(d.config.FloorFor); ok {
		d.hits.Add(1)
		cached.Characteristics = cached.Characteristics.Clone()
		cached.FromCache = true
		result := h.push(cached, false)
		d.logger.Debug("Regime served from cache",
			zap.String("instrument", snap.InstrumentID),
			zap.String("regime", string(result.Regime)),
			zap.Int("run_length", result.CacheRunLength))
		return result
	}
	d.misses.Add(1)

	dev := d.deviation.Classify(ctx, snap)
	rng := d.rangeEdge.Classify(ctx, snap)
	comp := d.compression.Classify(ctx, snap)

	order := d.smooth(&dev, &rng, &comp)

	result := types.RegimeResult{
		Regime:          types.RegimeUnknown,
		ConfidenceFloor: d.config.FallbackFloor,
		DetectedAt:      snap.AsOf,
	}
	for _, c := range order {
		if c.Qualifies() {
			result.Regime = c.Regime
			result.Confidence = c.Confidence
			result.ConfidenceFloor = c.ConfidenceFloor
			result.Characteristics = c.Characteristics
			break
		}
	}
	if result.Regime == types.RegimeUnknown {
		result.Characteristics = unknownCharacteristics(dev, rng, comp)
	}

	result = h.push(result, true)
	d.logger.Debug("Regime detected",
		zap.String("instrument", snap.InstrumentID),
		zap.String("regime", string(result.Regime)),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("deviation", dev.Confidence),
		zap.Float64("range_edge", rng.Confidence),
		zap.Float64("compression", comp.Confidence))
	return result
}

// smooth applies the anti-flip-flop nudge and returns the candidates in
// selection order. When deviation and range-edge are both detected within the
// threshold, range-edge gains the nudge, deviation loses it, and range-edge is
// considered first for this cycle.
func (d *Detector) smooth(dev, rng, comp *types.RegimeCandidate) []types.RegimeCandidate {
	if !dev.Detected || !rng.Detected || math.Abs(dev.Confidence-rng.Confidence) >= d.config.FlipFlopThreshold {
		return []types.RegimeCandidate{*dev, *rng, *comp}
	}
	rng.Confidence = math.Min(100, rng.Confidence+d.config.FlipFlopNudge)
	dev.Confidence = math.Max(0, dev.Confidence-d.config.FlipFlopNudge)
	rng.Characteristics = rng.Characteristics.Clone()
	rng.Characteristics["flip_flop_nudged"] = true
	dev.Characteristics = dev.Characteristics.Clone()
	dev.Characteristics["flip_flop_nudged"] = true
	return []types.RegimeCandidate{*rng, *dev, *comp}
}

func unknownCharacteristics(cands ...types.RegimeCandidate) types.Characteristics {
	reasons := make(map[string]string, len(cands))
	confidences := make(map[string]float64, len(cands))
	for _, c := range cands {
		confidences[string(c.Regime)] = c.Confidence
		switch {
		case c.RejectReason != "":
			reasons[string(c.Regime)] = c.RejectReason
		case !c.Qualifies():
			reasons[string(c.Regime)] = "confidence below floor"
		}
	}
	return types.Characteristics{
		"reject_reasons": reasons,
		"confidences":    confidences,
	}
}

// Window returns the cached results of an instrument.
func (d *Detector) Window(instrument string) []types.RegimeResult {
	return d.cache.Window(instrument)
}

// Reset clears the cached results of an instrument.
func (d *Detector) Reset(instrument string) bool {
	return d.cache.Reset(instrument)
}

// Stats returns detector statistics.
func (d *Detector) Stats() Stats {
	d.mu.RLock()
	counts := make(map[types.RegimeType]uint64, len(d.counts))
	for k, v := range d.counts {
		counts[k] = v
	}
	d.mu.RUnlock()
	return Stats{
		CacheHits:   d.hits.Load(),
		CacheMisses: d.misses.Load(),
		Regimes:     counts,
		Instruments: len(d.cache.Instruments()),
	}
}
