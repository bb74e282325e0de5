package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the request counters and latency histograms exposed at
// /metrics, wired the way the teacher wires github.com/prometheus/client_golang
// in main.go for its own HTTP surface.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the evidence HTTP edge's metrics against the
// default registry. Registering the same collector twice (multiple Server
// instances in a single process, as in tests) is tolerated by reusing the
// already-registered collector instead of panicking.
func NewMetrics() *Metrics {
	requestsTotal := mustRegisterCounterVec(prometheus.CounterOpts{
		Namespace: "proofvault",
		Subsystem: "registration",
		Name:      "requests_total",
		Help:      "Total number of registration HTTP operations, by operation name.",
	}, []string{"operation"})

	requestDuration := mustRegisterHistogramVec(prometheus.HistogramOpts{
		Namespace: "proofvault",
		Subsystem: "registration",
		Name:      "request_duration_seconds",
		Help:      "Latency of registration HTTP operations, by operation name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	return &Metrics{requestsTotal: requestsTotal, requestDuration: requestDuration}
}

func mustRegisterCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := prometheus.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return vec
}

func mustRegisterHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	vec := prometheus.NewHistogramVec(opts, labels)
	if err := prometheus.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return vec
}

// ObserveRequest starts timing operation and returns a function that
// records the observation; callers invoke it via defer.
func (m *Metrics) ObserveRequest(operation string) func() {
	start := time.Now()
	m.requestsTotal.WithLabelValues(operation).Inc()
	return func() {
		m.requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
