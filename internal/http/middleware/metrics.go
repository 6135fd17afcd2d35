package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTP series for the support API. "route" is the registered Gin pattern
// (raw path on a miss) and "caller" is guest or operator, so cardinality
// stays bounded by the route table.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_http_requests_total",
			Help: "HTTP requests by method, route, caller kind and status.",
		},
		[]string{"method", "route", "caller", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_http_requests_inflight",
			Help: "HTTP requests currently being served, websocket relays included.",
		},
	)

	// Upper buckets cover attachment uploads and downloads (10 MiB cap).
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "support_http_response_size_bytes",
			Help: "HTTP response sizes in bytes.",
			Buckets: []float64{
				200, 1 << 10, 5 << 10, 25 << 10, 100 << 10,
				512 << 10, 1 << 20, 5 << 20, 10 << 20,
			},
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// CallerKind folds Identity into a label value: "guest" or "operator".
func CallerKind(c *gin.Context) string {
	if Identity(c) == GuestIdentity {
		return "guest"
	}
	return "operator"
}

// Metrics records the HTTP series above. Mount /metrics with promhttp next to it.
// Responses of unknown size (hijacked connections) skip the size histogram.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, route, CallerKind(c), strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
