// Package metrics defines the daemon's Prometheus collectors: active
// sessions and leases as gauges, request volume and latency as a
// counter/histogram pair keyed by command and outcome.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentdeviced_sessions_active",
		Help: "Number of currently open device sessions.",
	})

	LeasesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentdeviced_leases_active",
		Help: "Number of currently active leases, by backend.",
	}, []string{"backend"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdeviced_requests_total",
		Help: "Total requests handled by the pipeline, by command and outcome.",
	}, []string{"command", "outcome"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentdeviced_request_duration_seconds",
		Help:    "Request handling latency in seconds, by command.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})
)

// ObserveRequest records one completed request's outcome and latency.
func ObserveRequest(command string, ok bool, dur time.Duration) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	RequestsTotal.WithLabelValues(command, outcome).Inc()
	RequestDuration.WithLabelValues(command).Observe(dur.Seconds())
}

// SetLeaseGauge sets the active-lease count for a backend. Nothing in the
// daemon calls it, so agentdeviced_leases_active is never updated.
func SetLeaseGauge(backend string, count int) {
	LeasesActive.WithLabelValues(backend).Set(float64(count))
}
