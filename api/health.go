package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health runs every check. Critical issues turn the response into a 503 so
// load balancers can act on it.
func (a Api) Health(c *gin.Context) {
	report := a.replicator.Health(c.Request.Context())
	status := http.StatusOK
	if len(report.CriticalIssues) > 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (a Api) HealthHistory(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := a.replicator.HealthHistory(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) MonitorHealth(c *gin.Context) {
	resp, err := a.replicator.MonitorHealth(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
