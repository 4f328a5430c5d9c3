package analytics

import (
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

// Supported query ranges
const (
	Range1h  = "1h"
	Range6h  = "6h"
	Range24h = "24h"
	Range7d  = "7d"
)

// Latency histogram bucket upper bounds. Percentiles are approximated from
// bucket counts; no exact order statistics are kept.
var latencyBuckets = []time.Duration{
	1 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
}

// Query filters a traffic analytics scan
type Query struct {
	TimeRange string
	Service   string
	Endpoint  string
	UserID    string
}

// Report is the aggregation over matching records
type Report struct {
	TimeRange     string                   `json:"time_range"`
	TotalRequests int64                    `json:"total_requests"`
	ErrorRequests int64                    `json:"error_requests"`
	ErrorRate     float64                  `json:"error_rate"`
	UniqueUsers   int                      `json:"unique_users"`
	LatencyP50    time.Duration            `json:"latency_p50"`
	LatencyP95    time.Duration            `json:"latency_p95"`
	LatencyP99    time.Duration            `json:"latency_p99"`
	ByStatusClass map[string]int64         `json:"by_status_class"`
	TopEndpoints  map[string]int64         `json:"top_endpoints"`
	GeneratedAt   time.Time                `json:"generated_at"`
}

// ServiceHealth reports pool state and recent error rate for one service
type ServiceHealth struct {
	ServiceName      string  `json:"service_name"`
	TotalInstances   int     `json:"total_instances"`
	HealthyInstances int     `json:"healthy_instances"`
	RecentRequests   int64   `json:"recent_requests"`
	RecentErrorRate  float64 `json:"recent_error_rate"`
}

// Collector aggregates the request stream on demand. It owns the ring and
// an optional publisher mirroring records to Kafka.
type Collector struct {
	ring      *Ring
	publisher *Publisher
	clock     func() time.Time
}

// NewCollector creates a collector. Publisher may be nil.
func NewCollector(ring *Ring, publisher *Publisher, clock func() time.Time) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{ring: ring, publisher: publisher, clock: clock}
}

// Observe records one request asynchronously with respect to the caller's
// response path: the ring write is non-blocking and the publish is fire
// and forget.
func (c *Collector) Observe(rec types.TrafficRecord) {
	c.ring.Append(rec)
	if c.publisher != nil {
		c.publisher.Publish(rec)
	}
}

// Query scans the window for records in range matching the filters
func (c *Collector) Query(q Query) Report {
	cutoff := c.clock().Add(-rangeDuration(q.TimeRange))

	var (
		total, errors int64
		users         = make(map[string]struct{})
		endpoints     = make(map[string]int64)
		statusClass   = make(map[string]int64)
		histogram     = make([]int64, len(latencyBuckets)+1)
	)

	for _, rec := range c.ring.Snapshot() {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		if q.Service != "" && rec.Service != q.Service {
			continue
		}
		if q.Endpoint != "" && rec.Endpoint != q.Endpoint {
			continue
		}
		if q.UserID != "" && rec.UserID != q.UserID {
			continue
		}

		total++
		if rec.StatusCode >= 500 {
			errors++
		}
		if rec.UserID != "" {
			users[rec.UserID] = struct{}{}
		}
		endpoints[rec.Endpoint]++
		statusClass[statusClassOf(rec.StatusCode)]++
		histogram[bucketIndex(rec.Latency)]++
	}

	report := Report{
		TimeRange:     q.TimeRange,
		TotalRequests: total,
		ErrorRequests: errors,
		UniqueUsers:   len(users),
		ByStatusClass: statusClass,
		TopEndpoints:  endpoints,
		GeneratedAt:   c.clock(),
	}
	if total > 0 {
		report.ErrorRate = float64(errors) / float64(total)
		report.LatencyP50 = percentile(histogram, total, 0.50)
		report.LatencyP95 = percentile(histogram, total, 0.95)
		report.LatencyP99 = percentile(histogram, total, 0.99)
	}
	return report
}

// Health derives per-service health from the same record stream plus the
// registry pool counts supplied by the caller
func (c *Collector) Health(serviceName string, totalInstances, healthyInstances int) ServiceHealth {
	report := c.Query(Query{TimeRange: Range1h, Service: serviceName})
	return ServiceHealth{
		ServiceName:      serviceName,
		TotalInstances:   totalInstances,
		HealthyInstances: healthyInstances,
		RecentRequests:   report.TotalRequests,
		RecentErrorRate:  report.ErrorRate,
	}
}

func rangeDuration(timeRange string) time.Duration {
	switch timeRange {
	case Range6h:
		return 6 * time.Hour
	case Range24h:
		return 24 * time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

func statusClassOf(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func bucketIndex(latency time.Duration) int {
	for i, bound := range latencyBuckets {
		if latency <= bound {
			return i
		}
	}
	return len(latencyBuckets)
}

// percentile returns the upper bound of the bucket containing the p-th
// observation
func percentile(histogram []int64, total int64, p float64) time.Duration {
	target := int64(float64(total) * p)
	if target < 1 {
		target = 1
	}

	var seen int64
	for i, count := range histogram {
		seen += count
		if seen >= target {
			if i < len(latencyBuckets) {
				return latencyBuckets[i]
			}
			return latencyBuckets[len(latencyBuckets)-1]
		}
	}
	return 0
}
