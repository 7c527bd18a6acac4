package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// CountInvocations increments the invocation counter for every request
// except the metrics scrape itself.
func CountInvocations(counter prometheus.Counter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/metrics" {
			counter.Inc()
		}
		c.Next()
	}
}
