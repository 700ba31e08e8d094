// Package metrics exposes orchestrator activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spotkeeper"

// Recorder holds the orchestrator's counters. A nil *Recorder records
// nothing, so components can take one optionally.
type Recorder struct {
	launchedRequests  *prometheus.CounterVec
	shortfallUnits    prometheus.Counter
	markerTransitions *prometheus.CounterVec
	replacements      *prometheus.CounterVec
	reclamations      prometheus.Counter
	refreshRuns       *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
}

// NewRecorder creates the counters and registers them on reg
func NewRecorder(reg *Registry) *Recorder {
	r := &Recorder{
		launchedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launcher",
			Name:      "requests_total",
			Help:      "Spot requests observed after submission, by region and outcome",
		}, []string{"region", "outcome"}),
		shortfallUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launcher",
			Name:      "shortfall_units_total",
			Help:      "Units that could not be placed in any region",
		}),
		markerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "transitions_total",
			Help:      "Marker transitions between categories",
		}, []string{"from", "to"}),
		replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replacements_total",
			Help:      "Replacement units requested, by trigger",
		}, []string{"trigger"}),
		reclamations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reclaim",
			Name:      "notices_total",
			Help:      "Reclamation notices handled",
		}),
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Refresh job runs, by job and result",
		}, []string{"job", "result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Reconciliation sweep duration",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	reg.MustRegister(
		r.launchedRequests,
		r.shortfallUnits,
		r.markerTransitions,
		r.replacements,
		r.reclamations,
		r.refreshRuns,
		r.sweepDuration,
	)
	return r
}

// Launched counts n requests in region that ended in outcome (active, open, failed)
func (r *Recorder) Launched(region, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.launchedRequests.WithLabelValues(region, outcome).Add(float64(n))
}

// Shortfall counts units that could not be placed
func (r *Recorder) Shortfall(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.shortfallUnits.Add(float64(n))
}

// Transition counts a marker moving between categories. to is "deleted"
// for removals.
func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.markerTransitions.WithLabelValues(from, to).Inc()
}

// Replacement counts replacement units requested by trigger (sweep, reclaim)
func (r *Recorder) Replacement(trigger string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.replacements.WithLabelValues(trigger).Add(float64(n))
}

// Reclamation counts a handled reclamation notice
func (r *Recorder) Reclamation() {
	if r == nil {
		return
	}
	r.reclamations.Inc()
}

// Refresh counts a refresh job run
func (r *Recorder) Refresh(job string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.refreshRuns.WithLabelValues(job, result).Inc()
}

// SweepDuration observes how long a sweep took
func (r *Recorder) SweepDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.sweepDuration.Observe(d.Seconds())
}
