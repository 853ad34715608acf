package endpoint

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/condflow/observability"
)

// Health reports service health aggregated from the given checkers. A down
// component turns the response into a 503.
func Health(serviceName, version string, checkers ...observability.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := observability.Check(c.Request.Context(), serviceName, version, checkers...)
		status := http.StatusOK
		if h.Status == observability.HealthStatusDown {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":     h.Status,
			"service":    h.Service,
			"version":    h.Version,
			"components": h.Components,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	}
}
