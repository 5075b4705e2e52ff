// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic. Labels use
// the registered route (c.FullPath()) so room and peer ids never become
// label values. Long-lived streams (SSE and websocket) are tracked apart
// from plain requests: they would otherwise dominate the latency histogram
// and the in-flight gauge.
package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// no status label, to keep the histogram small
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of non-streaming HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight non-streaming HTTP requests.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_response_size_bytes",
			Help: "Size of non-streaming HTTP responses in bytes.",
			Buckets: []float64{
				200, 500, 1 << 10, 2 << 10, 5 << 10,
				10 << 10, 25 << 10, 50 << 10,
				100 << 10, 250 << 10, 500 << 10,
				1 << 20,
			},
		},
		[]string{"method", "path"},
	)

	// streamsActive gauges open streams by transport ("sse" or "ws").
	streamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_streams_active",
			Help: "Currently open SSE and websocket streams.",
		},
		[]string{"transport", "path"},
	)

	streamLifetime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_stream_lifetime_seconds",
			Help:    "How long SSE and websocket streams stayed open.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		},
		[]string{"transport", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, streamsActive, streamLifetime)
}

// streamTransport names the transport of a stream request.
func streamTransport(c *gin.Context) string {
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return "ws"
	}
	return "sse"
}

// Metrics instruments requests. Every request increments
// http_requests_total; plain requests feed the latency, size and in-flight
// collectors, streams feed http_streams_active and
// http_stream_lifetime_seconds.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		if IsStreamRequest(c) {
			transport := streamTransport(c)
			g := streamsActive.WithLabelValues(transport, path)
			g.Inc()
			defer g.Dec()
			c.Next()
			streamLifetime.WithLabelValues(transport, path).Observe(time.Since(start).Seconds())
			httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
			return
		}

		httpInflight.Inc()
		defer httpInflight.Dec()
		c.Next()

		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// -1 when nothing was written
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
