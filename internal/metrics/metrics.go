// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "regime_engine"

// Recorder records engine metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	regimes       *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	unavailable   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	confluence    *prometheus.HistogramVec
}

// New creates a recorder with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Evaluation cycles by decision status",
			},
			[]string{"status"},
		),
		regimes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "regime_total",
				Help:      "Regime results by regime and whether they came from the cache",
			},
			[]string{"regime", "cached"},
		),
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Validation rejections by strategy and layer",
			},
			[]string{"strategy", "layer"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_total",
				Help:      "Fallback strategy substitutions by reason",
			},
			[]string{"reason"},
		),
		unavailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_unavailable_total",
				Help:      "Collaborator calls that timed out, failed or hit an open circuit",
			},
			[]string{"name"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of evaluation cycles in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		confluence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "confluence_score",
				Help:      "Confluence scores of setups that reached scoring",
				Buckets:   prometheus.LinearBuckets(0, 1, 11),
			},
			[]string{"strategy"},
		),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordDecision records the outcome of one cycle.
func (r *Recorder) RecordDecision(d *types.Decision) {
	if d == nil {
		return
	}
	r.cycles.WithLabelValues(string(d.Status)).Inc()
	r.cycleDuration.Observe(d.Duration.Seconds())
	if d.Regime.Regime != "" {
		r.regimes.WithLabelValues(string(d.Regime.Regime), strconv.FormatBool(d.Regime.FromCache)).Inc()
	}
	if v := d.Validation; v != nil {
		if !v.Passed {
			r.rejections.WithLabelValues(string(v.StrategyID), string(v.LayerReached)).Inc()
		}
		if v.LayerReached == types.LayerConfluence {
			r.confluence.WithLabelValues(string(v.StrategyID)).Observe(v.ConfluenceScore)
		}
	}
}

// RecordFallback records a fallback substitution.
func (r *Recorder) RecordFallback(reason string) {
	r.fallbacks.WithLabelValues(reason).Inc()
}

// RecordUnavailable records a degraded collaborator call.
func (r *Recorder) RecordUnavailable(name string) {
	r.unavailable.WithLabelValues(name).Inc()
}

// ObserveCycle records a cycle duration directly.
func (r *Recorder) ObserveCycle(d time.Duration) {
	r.cycleDuration.Observe(d.Seconds())
}
