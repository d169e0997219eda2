package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/imrelay/internal/monitoring"
)

// Health evaluates every registered probe. The body is the merged report;
// the status is 503 unless every probe is up.
func Health(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeReport(c, manager.Evaluate(c.Request.Context()))
	}
}

// Liveness only runs liveness probes.
func Liveness(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeReport(c, manager.EvaluateLiveness(c.Request.Context()))
	}
}

func writeReport(c *gin.Context, report monitoring.HealthReport) {
	status := http.StatusOK
	if !report.Success {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
