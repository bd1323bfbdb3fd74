package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests that hit no registered route, so probes of
// random URLs cannot grow the label space.
const unmatchedRoute = "unmatched"

var (
	httpReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studyloop",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "studyloop",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of non-streaming HTTP requests.",
		// Uploads carry file bodies; dispatch waits on the task runner.
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "studyloop",
		Subsystem: "http",
		Name:      "requests_inflight",
		Help:      "Non-streaming HTTP requests being served.",
	})

	httpRespSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "studyloop",
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "Size of non-streaming HTTP responses.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256B..4MiB
	}, []string{"method", "route"})

	httpStreams = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "studyloop",
		Subsystem: "http",
		Name:      "streams_open",
		Help:      "Open server-sent event streams by route.",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, httpStreams)
}

// Metrics instruments requests by registered route. Stream routes are counted
// and gauged while open but stay out of the latency and size histograms.
func Metrics(streamRoutes ...string) gin.HandlerFunc {
	streams := make(map[string]struct{}, len(streamRoutes))
	for _, p := range streamRoutes {
		streams[p] = struct{}{}
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method

		if _, ok := streams[route]; ok {
			g := httpStreams.WithLabelValues(route)
			g.Inc()
			defer g.Dec()
			c.Next()
			httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
			return
		}

		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		// Status-only responses report -1.
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
