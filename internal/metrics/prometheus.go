// internal/metrics/prometheus.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var QueueEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "digest_queue_enqueued_total",
		Help: "Enqueue calls by email type and outcome (created, duplicate, suppressed)",
	},
	[]string{"email_type", "outcome"},
)

var DispatchOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "digest_dispatch_outcomes_total",
		Help: "Dispatched jobs by outcome (sent, requeued, failed, skipped)",
	},
	[]string{"outcome"},
)

var SendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "digest_send_duration_seconds",
		Help:    "Time taken by the mail transport, including retries",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var TransportFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "digest_transport_failures_total",
		Help: "Failed transport send attempts",
	},
	[]string{"provider", "permanent"},
)

var BouncesRecorded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "digest_bounces_recorded_total",
		Help: "Bounce events recorded by type",
	},
	[]string{"bounce_type"},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "digest_queue_items",
		Help: "Queue items by status at the last summary",
	},
	[]string{"status"},
)

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"route", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var registerOnce sync.Once

// Init registers every collector with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueueEnqueuedTotal,
			DispatchOutcomesTotal,
			SendDuration,
			TransportFailuresTotal,
			BouncesRecorded,
			QueueDepth,
			HttpRequestsTotal,
			HttpRequestDuration,
			HttpRateLimitRejectionsTotal,
		)
	})
}
