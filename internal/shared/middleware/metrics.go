package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/klarpost/server/internal/shared/metrics"
)

// Metrics records per-request counters and latency. Routes are labeled by
// their pattern so path parameters do not explode the cardinality.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
