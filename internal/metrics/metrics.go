package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the traffic core's Prometheus instruments. A single
// instance is created in main and threaded through the core; there is no
// package-level registry state.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RateLimitRejected prometheus.Counter
	CircuitOpenTotal  prometheus.Counter
	DegradedSelects   prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SyncJobsTotal     *prometheus.CounterVec
}

// New registers all instruments on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficcop",
			Name:      "requests_total",
			Help:      "Routed requests by service and status class",
		}, []string{"service", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trafficcop",
			Name:      "request_duration_seconds",
			Help:      "End-to-end routing latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),

		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trafficcop",
			Name:      "rate_limit_rejected_total",
			Help:      "Requests rejected by the rate limiter",
		}),

		CircuitOpenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trafficcop",
			Name:      "circuit_open_total",
			Help:      "Requests refused because an instance breaker was open",
		}),

		DegradedSelects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trafficcop",
			Name:      "degraded_selections_total",
			Help:      "Selections served without any healthy instance",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "trafficcop",
			Name:      "active_sessions",
			Help:      "Sessions currently in Active status",
		}),

		SyncJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficcop",
			Name:      "sync_jobs_total",
			Help:      "State sync jobs by terminal status",
		}, []string{"status"}),
	}
}
