package middleware

import (
	"strconv"
	"time"

	"bitwise74/media-ingest/internal/metrics"

	"github.com/gin-gonic/gin"
)

// NewMetricsMiddleware records request counts and latencies per route
func NewMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.ActiveRequests.Inc()

		c.Next()

		metrics.ActiveRequests.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.RequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
