// Package router maps a regime result to the strategy that should validate it.
package router

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// Route is the routing decision with its explanation
type Route struct {
	StrategyID  types.StrategyID `json:"strategy_id"`
	Fallback    bool             `json:"fallback"`
	Reason      string           `json:"reason"`
	QuickScore  float64          `json:"quick_score,omitempty"`
	PrecheckRan bool             `json:"precheck_ran"`
}

// Router selects strategies from regime results
type Router struct {
	logger  *zap.Logger
	enabled bool
	config  types.RouterConfig
}

// NewRouter creates a router.
func NewRouter(logger *zap.Logger, config *types.Config) *Router {
	if config == nil {
		config = types.DefaultConfig()
	}
	return &Router{
		logger:  logger,
		enabled: config.Regime.Enabled,
		config:  config.Router,
	}
}

// Select returns the strategy id for a regime result.
func (r *Router) Select(snap *types.Snapshot, result types.RegimeResult) types.StrategyID {
	return r.Route(snap, result).StrategyID
}

// Route applies, in order: administrative disable, the confidence floor, the
// optional quick pre-check, then the one-to-one regime mapping.
func (r *Router) Route(snap *types.Snapshot, result types.RegimeResult) Route {
	fallback := func(reason string) Route {
		return Route{StrategyID: types.StrategyEdgeFallback, Fallback: true, Reason: reason}
	}

	if !r.enabled {
		return fallback("regime detection disabled")
	}
	if result.Regime == types.RegimeUnknown {
		return fallback("no regime qualified")
	}
	if !result.Qualifies() {
		return fallback(fmt.Sprintf("confidence %.1f below floor %.1f", result.Confidence, result.ConfidenceFloor))
	}

	route := Route{StrategyID: types.StrategyFor(result.Regime), Reason: "regime " + string(result.Regime)}
	if r.config.PrecheckEnabled {
		quick := QuickScore(result)
		route.QuickScore = quick
		route.PrecheckRan = true
		if quick < r.config.PrecheckMin {
			fb := fallback(fmt.Sprintf("precheck %.2f below %.2f", quick, r.config.PrecheckMin))
			fb.QuickScore, fb.PrecheckRan = quick, true
			r.logger.Debug("Precheck rejected strategy",
				zap.String("regime", string(result.Regime)),
				zap.Float64("score", quick))
			return fb
		}
	}
	return route
}

// QuickScore estimates confluence from regime characteristics alone.
func QuickScore(result types.RegimeResult) float64 {
	c := result.Characteristics
	switch result.Regime {
	case types.RegimeDeviationReversion:
		s := 2.5 * math.Min(1, c.Float("deviation_strength"))
		if c.Bool("deviation_hit") {
			s = 2.5
		}
		if c.Bool("momentum_reversal") {
			s += 2.0
		}
		return s
	case types.RegimeRangeEdge:
		s := math.Min(2.0, float64(c.Int("respects")))
		if c.Bool("near_boundary") {
			s += 2.5
		}
		return s
	case types.RegimeCompressionBalance:
		s := 0.0
		for _, key := range []string{"compression_block", "symmetric_liquidity", "aligned"} {
			if c.Bool(key) {
				s += 2.0
			}
		}
		return s
	}
	return 0
}
