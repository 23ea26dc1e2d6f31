package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "formrelay_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "formrelay_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var SubmissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "formrelay_submissions_total",
		Help: "Submissions by outcome (accepted or the rejecting error kind)",
	},
	[]string{"outcome"},
)

var RateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "formrelay_rate_limit_rejections_total",
		Help: "Submissions rejected by the rate limiter",
	},
)

var DispatchAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "formrelay_dispatch_attempts_total",
		Help: "Integration dispatch attempts by provider and resulting state",
	},
	[]string{"provider", "state"},
)

var RetriesScheduledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "formrelay_retries_scheduled_total",
		Help: "Retry tasks scheduled by provider and reason",
	},
	[]string{"provider", "reason"},
)

var ExternalAPIDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "formrelay_external_api_duration_seconds",
		Help:    "Duration of outbound provider API calls in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"host", "status"},
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			SubmissionsTotal,
			RateLimitRejectionsTotal,
			DispatchAttemptsTotal,
			RetriesScheduledTotal,
			ExternalAPIDuration,
		)
	})
}

// GinMiddleware records request counts and latencies.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(endpoint, status, method).Inc()
		HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
