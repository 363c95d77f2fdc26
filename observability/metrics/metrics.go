package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClaimMetrics records settlement-claim activity: one counter per claim kind
// and outcome, one counter per rejection code, and a latency histogram for the
// full verify-and-settle path.
type ClaimMetrics struct {
	claims     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	credited   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	claimOnce     sync.Once
	claimRegistry *ClaimMetrics
)

// Claims returns the lazily-initialised claim metrics registry.
func Claims() *ClaimMetrics {
	claimOnce.Do(func() {
		claimRegistry = &ClaimMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridsettle",
				Subsystem: "claims",
				Name:      "requests_total",
				Help:      "Total settlement claims segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridsettle",
				Subsystem: "claims",
				Name:      "rejections_total",
				Help:      "Rejected claims segmented by kind and stable error code.",
			}, []string{"kind", "code"}),
			credited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridsettle",
				Subsystem: "claims",
				Name:      "credited_total",
				Help:      "Cumulative credited amounts segmented by claim kind.",
			}, []string{"kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gridsettle",
				Subsystem: "claims",
				Name:      "duration_seconds",
				Help:      "Latency distribution of the verify-and-settle path.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			claimRegistry.claims,
			claimRegistry.rejections,
			claimRegistry.credited,
			claimRegistry.latency,
		)
	})
	return claimRegistry
}

// ObserveAccepted records a successful claim and the amount credited by it.
func (m *ClaimMetrics) ObserveAccepted(kind string, credited float64, took time.Duration) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(kind, "accepted").Inc()
	m.credited.WithLabelValues(kind).Add(credited)
	m.latency.WithLabelValues(kind).Observe(took.Seconds())
}

// ObserveRejected records a rejected claim under its stable error code.
func (m *ClaimMetrics) ObserveRejected(kind, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(kind, "rejected").Inc()
	m.rejections.WithLabelValues(kind, code).Inc()
	m.latency.WithLabelValues(kind).Observe(took.Seconds())
}
