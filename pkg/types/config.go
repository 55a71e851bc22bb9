// Package types provides configuration types for the regime engine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Config is the root engine configuration
type Config struct {
	Regime        RegimeConfig                  `mapstructure:"regime" json:"regime"`
	Router        RouterConfig                  `mapstructure:"router" json:"router"`
	Validation    ValidationConfig              `mapstructure:"validation" json:"validation"`
	Weights       map[string]map[string]float64 `mapstructure:"weights" json:"weights"`
	Deviation     DeviationConfig               `mapstructure:"deviation" json:"deviation"`
	RangeEdge     RangeEdgeConfig               `mapstructure:"range_edge" json:"rangeEdge"`
	Compression   CompressionConfig             `mapstructure:"compression" json:"compression"`
	Fallback      FallbackConfig                `mapstructure:"fallback" json:"fallback"`
	Collaborators CollaboratorConfig            `mapstructure:"collaborators" json:"collaborators"`
	Server        ServerConfig                  `mapstructure:"server" json:"server"`
	Redis         RedisConfig                   `mapstructure:"redis" json:"redis"`
	Workers       WorkerConfig                  `mapstructure:"workers" json:"workers"`
}

// RegimeConfig configures the regime detector
type RegimeConfig struct {
	Enabled           bool    `mapstructure:"enabled" json:"enabled" default:"true"`
	CacheSize         int     `mapstructure:"cache_size" json:"cacheSize" default:"3" validate:"gte=2,lte=50"`
	DeviationFloor    float64 `mapstructure:"deviation_floor" json:"deviationFloor" default:"70" validate:"gte=0,lte=100"`
	RangeFloor        float64 `mapstructure:"range_floor" json:"rangeFloor" default:"55" validate:"gte=0,lte=100"`
	CompressionFloor  float64 `mapstructure:"compression_floor" json:"compressionFloor" default:"65" validate:"gte=0,lte=100"`
	FallbackFloor     float64 `mapstructure:"fallback_floor" json:"fallbackFloor" default:"60" validate:"gte=0,lte=100"`
	FlipFlopThreshold float64 `mapstructure:"flip_flop_threshold" json:"flipFlopThreshold" default:"10" validate:"gte=0"`
	FlipFlopNudge     float64 `mapstructure:"flip_flop_nudge" json:"flipFlopNudge" default:"2" validate:"gte=0"`
}

// FloorFor returns the configured confidence floor of a regime.
func (c RegimeConfig) FloorFor(regime RegimeType) float64 {
	switch regime {
	case RegimeDeviationReversion:
		return c.DeviationFloor
	case RegimeRangeEdge:
		return c.RangeFloor
	case RegimeCompressionBalance:
		return c.CompressionFloor
	}
	return c.FallbackFloor
}

// RouterConfig configures strategy routing
type RouterConfig struct {
	PrecheckEnabled bool    `mapstructure:"precheck_enabled" json:"precheckEnabled"`
	PrecheckMin     float64 `mapstructure:"precheck_min" json:"precheckMin" default:"5.0" validate:"gte=0"`
}

// ValidationConfig configures the shared validation layers
type ValidationConfig struct {
	MinToTrade        float64 `mapstructure:"min_to_trade" json:"minToTrade" default:"5.0" validate:"gte=0"`
	MinForPremium     float64 `mapstructure:"min_for_premium" json:"minForPremium" default:"6.5" validate:"gtefield=MinToTrade"`
	MinBars           int     `mapstructure:"min_bars" json:"minBars" default:"14" validate:"gte=1"`
	MinVolatilityPct  float64 `mapstructure:"min_volatility_pct" json:"minVolatilityPct" default:"0.0001" validate:"gt=0"`
	MaxSpreadMultiple float64 `mapstructure:"max_spread_multiple" json:"maxSpreadMultiple" default:"2.0" validate:"gt=0"`
	ShortATRPeriod    int     `mapstructure:"short_atr_period" json:"shortAtrPeriod" default:"5" validate:"gte=1"`
}

// DeviationThreshold is an instrument-class specific deviation floor. Either
// bound is sufficient.
type DeviationThreshold struct {
	ZScore  float64 `mapstructure:"z_score" json:"zScore" validate:"gt=0"`
	Percent float64 `mapstructure:"percent" json:"percent" validate:"gt=0"`
}

// DeviationConfig configures deviation-reversion detection and validation
type DeviationConfig struct {
	Thresholds        map[string]DeviationThreshold `mapstructure:"thresholds" json:"thresholds" validate:"dive"`
	VolumeMultiple    float64                       `mapstructure:"volume_multiple" json:"volumeMultiple" default:"1.5" validate:"gt=0"`
	VolumeLookback    int                           `mapstructure:"volume_lookback" json:"volumeLookback" default:"20" validate:"gte=1"`
	VolumeZMinHistory int                           `mapstructure:"volume_z_min_history" json:"volumeZMinHistory" default:"20" validate:"gte=2"`
	VolumeZThreshold  float64                       `mapstructure:"volume_z_threshold" json:"volumeZThreshold" default:"2.0"`
	SlopeLookback     int                           `mapstructure:"slope_lookback" json:"slopeLookback" default:"5" validate:"gte=1"`
	MaxSlopeRatio     float64                       `mapstructure:"max_slope_ratio" json:"maxSlopeRatio" default:"0.1" validate:"gt=0"`
	StabilityLow      float64                       `mapstructure:"stability_low" json:"stabilityLow" default:"0.9" validate:"gt=0"`
	StabilityHigh     float64                       `mapstructure:"stability_high" json:"stabilityHigh" default:"1.5" validate:"gtfield=StabilityLow"`
	ATRPeriod         int                           `mapstructure:"atr_period" json:"atrPeriod" default:"14" validate:"gte=1"`
	ExtremeLookback   int                           `mapstructure:"extreme_lookback" json:"extremeLookback" default:"5" validate:"gte=1"`
	StopBuffer        float64                       `mapstructure:"stop_buffer" json:"stopBuffer" default:"0.15" validate:"gte=0"`
	WickBodyRatio     float64                       `mapstructure:"wick_body_ratio" json:"wickBodyRatio" default:"2.0" validate:"gt=0"`
	SignalLookback    int                           `mapstructure:"signal_lookback" json:"signalLookback" default:"5" validate:"gte=1"`
}

// ThresholdFor returns the threshold of an asset class, falling back to "default".
func (c DeviationConfig) ThresholdFor(assetClass string) DeviationThreshold {
	if t, ok := c.Thresholds[strings.ToLower(assetClass)]; ok {
		return t
	}
	if t, ok := c.Thresholds["default"]; ok {
		return t
	}
	return DeviationThreshold{ZScore: 2.0, Percent: 0.003}
}

// RangeEdgeConfig configures range-edge detection and validation
type RangeEdgeConfig struct {
	MaxWidthATR        float64 `mapstructure:"max_width_atr" json:"maxWidthAtr" default:"1.2" validate:"gt=0"`
	ProximityTolerance float64 `mapstructure:"proximity_tolerance" json:"proximityTolerance" default:"0.15" validate:"gt=0,lt=0.5"`
	IntradayLookback   int     `mapstructure:"intraday_lookback" json:"intradayLookback" default:"60" validate:"gte=2"`
	MinRespects        int     `mapstructure:"min_respects" json:"minRespects" default:"2" validate:"gte=0"`
	BandPeriod         int     `mapstructure:"band_period" json:"bandPeriod" default:"20" validate:"gte=2"`
	BandStdDev         float64 `mapstructure:"band_std_dev" json:"bandStdDev" default:"2.0" validate:"gt=0"`
	BandWidthMax       float64 `mapstructure:"band_width_max" json:"bandWidthMax" default:"0.02" validate:"gt=0"`
	BandRelative       float64 `mapstructure:"band_relative" json:"bandRelative" default:"0.8" validate:"gt=0"`
	TrendLookback      int     `mapstructure:"trend_lookback" json:"trendLookback" default:"5" validate:"gte=1"`
	TrendNeutralPct    float64 `mapstructure:"trend_neutral_pct" json:"trendNeutralPct" default:"0.15" validate:"gt=0"`
	ATRPeriod          int     `mapstructure:"atr_period" json:"atrPeriod" default:"14" validate:"gte=1"`
	SweepLookback      int     `mapstructure:"sweep_lookback" json:"sweepLookback" default:"10" validate:"gte=1"`
	StopBuffer         float64 `mapstructure:"stop_buffer" json:"stopBuffer" default:"0.15" validate:"gte=0"`
}

// CompressionConfig configures compression-balance detection and validation
type CompressionConfig struct {
	BandPeriod             int     `mapstructure:"band_period" json:"bandPeriod" default:"20" validate:"gte=2"`
	BandStdDev             float64 `mapstructure:"band_std_dev" json:"bandStdDev" default:"2.0" validate:"gt=0"`
	BandWidthMax           float64 `mapstructure:"band_width_max" json:"bandWidthMax" default:"0.02" validate:"gt=0"`
	AlignmentTolerance     float64 `mapstructure:"alignment_tolerance" json:"alignmentTolerance" default:"0.001" validate:"gt=0"`
	IntradayLookback       int     `mapstructure:"intraday_lookback" json:"intradayLookback" default:"60" validate:"gte=2"`
	TightRangeATR          float64 `mapstructure:"tight_range_atr" json:"tightRangeAtr" default:"1.0" validate:"gt=0"`
	ATRPeriod              int     `mapstructure:"atr_period" json:"atrPeriod" default:"14" validate:"gte=1"`
	DecliningRatio         float64 `mapstructure:"declining_ratio" json:"decliningRatio" default:"0.8" validate:"gt=0"`
	ChoppyWindow           int     `mapstructure:"choppy_window" json:"choppyWindow" default:"5" validate:"gte=1"`
	ChoppyMinWicky         int     `mapstructure:"choppy_min_wicky" json:"choppyMinWicky" default:"3" validate:"gte=1"`
	DisplacementBody       float64 `mapstructure:"displacement_body" json:"displacementBody" default:"0.7" validate:"gt=0,lte=1"`
	MaxDisplacement        int     `mapstructure:"max_displacement" json:"maxDisplacement" default:"1" validate:"gte=0"`
	BoxLookback            int     `mapstructure:"box_lookback" json:"boxLookback" default:"12" validate:"gte=3"`
	EquilibriumMA          int     `mapstructure:"equilibrium_ma" json:"equilibriumMa" default:"9" validate:"gte=1"`
	EquilibriumTolerance   float64 `mapstructure:"equilibrium_tolerance" json:"equilibriumTolerance" default:"0.001" validate:"gt=0"`
	FadeStopPct            float64 `mapstructure:"fade_stop_pct" json:"fadeStopPct" default:"0.0015" validate:"gt=0"`
	TargetMultiple         float64 `mapstructure:"target_multiple" json:"targetMultiple" default:"1.25" validate:"gte=1,lte=1.5"`
	BreakoutVolumeMultiple float64 `mapstructure:"breakout_volume_multiple" json:"breakoutVolumeMultiple" default:"1.5" validate:"gt=0"`
	TapTolerance           float64 `mapstructure:"tap_tolerance" json:"tapTolerance" default:"0.15" validate:"gt=0,lt=0.5"`
	NewsCategory           string  `mapstructure:"news_category" json:"newsCategory" default:"macro"`
}

// FallbackConfig configures the edge-based fallback strategy
type FallbackConfig struct {
	RangeLookback  int     `mapstructure:"range_lookback" json:"rangeLookback" default:"30" validate:"gte=2"`
	EdgeFraction   float64 `mapstructure:"edge_fraction" json:"edgeFraction" default:"0.25" validate:"gt=0,lt=0.5"`
	MinZScore      float64 `mapstructure:"min_z_score" json:"minZScore" default:"1.0" validate:"gt=0"`
	VolumeMultiple float64 `mapstructure:"volume_multiple" json:"volumeMultiple" default:"1.2" validate:"gt=0"`
	WickBodyRatio  float64 `mapstructure:"wick_body_ratio" json:"wickBodyRatio" default:"1.5" validate:"gt=0"`
	StopBuffer     float64 `mapstructure:"stop_buffer" json:"stopBuffer" default:"0.15" validate:"gte=0"`
}

// BlackoutWindow is a scheduled news event around which trading is suspended
type BlackoutWindow struct {
	Category string        `mapstructure:"category" json:"category"`
	At       time.Time     `mapstructure:"at" json:"at"`
	Before   time.Duration `mapstructure:"before" json:"before"`
	After    time.Duration `mapstructure:"after" json:"after"`
}

// CollaboratorConfig configures calls to external collaborators
type CollaboratorConfig struct {
	Timeout            time.Duration    `mapstructure:"timeout" json:"timeout" default:"150ms" validate:"gt=0"`
	BreakerMaxRequests uint32           `mapstructure:"breaker_max_requests" json:"breakerMaxRequests" default:"1"`
	BreakerInterval    time.Duration    `mapstructure:"breaker_interval" json:"breakerInterval" default:"60s"`
	BreakerTimeout     time.Duration    `mapstructure:"breaker_timeout" json:"breakerTimeout" default:"30s"`
	BreakerFailures    uint32           `mapstructure:"breaker_failures" json:"breakerFailures" default:"5" validate:"gte=1"`
	RangeBoxBars       int              `mapstructure:"range_box_bars" json:"rangeBoxBars" default:"20" validate:"gte=2"`
	SwingStrength      int              `mapstructure:"swing_strength" json:"swingStrength" default:"2" validate:"gte=1"`
	EqualTolerancePct  float64          `mapstructure:"equal_tolerance_pct" json:"equalTolerancePct" default:"0.0005" validate:"gt=0"`
	Blackouts          []BlackoutWindow `mapstructure:"blackouts" json:"blackouts"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host" json:"host" default:"localhost"`
	Port          int           `mapstructure:"port" json:"port" default:"8080" validate:"gte=1,lte=65535"`
	WebSocketPath string        `mapstructure:"websocket_path" json:"websocketPath" default:"/ws"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" json:"readTimeout" default:"10s"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" json:"writeTimeout" default:"10s"`
	RateLimit     float64       `mapstructure:"rate_limit" json:"rateLimit" default:"50" validate:"gt=0"`
	RateBurst     int           `mapstructure:"rate_burst" json:"rateBurst" default:"100" validate:"gte=1"`
}

// RedisConfig represents the decision journal configuration
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	Addr         string `mapstructure:"addr" json:"addr" default:"localhost:6379"`
	Password     string `mapstructure:"password" json:"-"`
	DB           int    `mapstructure:"db" json:"db"`
	Prefix       string `mapstructure:"prefix" json:"prefix" default:"regime"`
	StreamMaxLen int64  `mapstructure:"stream_max_len" json:"streamMaxLen" default:"10000" validate:"gte=1"`
	MaxRetries   uint64 `mapstructure:"max_retries" json:"maxRetries" default:"3"`
}

// WorkerConfig configures the evaluation worker pool
type WorkerConfig struct {
	NumWorkers  int           `mapstructure:"num_workers" json:"numWorkers" default:"8" validate:"gte=1"`
	QueueSize   int           `mapstructure:"queue_size" json:"queueSize" default:"1024" validate:"gte=1"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" json:"taskTimeout" default:"5s" validate:"gt=0"`
}

// SetDefaults fills map-valued defaults that struct tags cannot express.
// Called by defaults.Set.
func (c *Config) SetDefaults() {
	if c.Weights == nil {
		c.Weights = DefaultWeights()
	}
	if c.Deviation.Thresholds == nil {
		c.Deviation.Thresholds = map[string]DeviationThreshold{
			"default": {ZScore: 2.0, Percent: 0.003},
			"fx":      {ZScore: 2.0, Percent: 0.002},
			"index":   {ZScore: 2.0, Percent: 0.003},
			"crypto":  {ZScore: 2.0, Percent: 0.005},
		}
	}
}

// DefaultWeights returns the per-strategy confluence weight tables. Each table
// sums to 10.
func DefaultWeights() map[string]map[string]float64 {
	return map[string]map[string]float64{
		string(StrategyDeviationReversion): {"deviation": 3.0, "structure": 3.0, "volume": 2.0, "absorption": 2.0},
		string(StrategyRangeEdge):          {"proximity": 2.5, "respects": 2.5, "sweep": 3.0, "structure": 2.0},
		string(StrategyCompressionBalance): {"compression": 2.5, "liquidity": 2.5, "trigger": 2.5, "balance": 2.5},
		string(StrategyEdgeFallback):       {"location": 2.5, "structure": 2.5, "volume": 2.5, "wick": 2.5},
	}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Struct tags are static; a failure here is a programming error.
		panic(fmt.Sprintf("types: applying defaults: %v", err))
	}
	return cfg
}

var configValidator = validator.New()

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for id, table := range c.Weights {
		for name, w := range table {
			if w < 0 {
				return fmt.Errorf("invalid config: weight %s.%s is negative", id, name)
			}
		}
	}
	return nil
}
