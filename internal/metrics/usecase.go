package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Use case outcomes reported on the Prometheus RED metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// UseCaseMetrics are the Prometheus series scraped from /metrics.
type UseCaseMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	stuck    prometheus.Gauge
}

// NewUseCaseMetrics registers the fulfillment series on reg.
func NewUseCaseMetrics(reg prometheus.Registerer) *UseCaseMetrics {
	m := &UseCaseMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "fulfillment",
			Name:      "usecase_requests_total",
			Help:      "Fulfillment use case invocations by outcome.",
		}, []string{"use_case", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: "fulfillment",
			Name:      "usecase_duration_seconds",
			Help:      "Fulfillment use case latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"use_case"}),
		stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storefront",
			Subsystem: "fulfillment",
			Name:      "checkout_sessions_stuck",
			Help:      "Sessions past their expiry that still hold a reservation.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.stuck)
	return m
}

// Observe records one finished use case invocation.
func (m *UseCaseMetrics) Observe(useCase, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(useCase, outcome).Inc()
	m.duration.WithLabelValues(useCase).Observe(time.Since(start).Seconds())
}

// SetStuck publishes the number of overdue sessions found by the last sweep.
func (m *UseCaseMetrics) SetStuck(n int) {
	if m == nil {
		return
	}
	m.stuck.Set(float64(n))
}
