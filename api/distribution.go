package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	model2 "github.com/storesync/replicator/api/model"
	"github.com/storesync/replicator/model"
)

func (a Api) ListCategories(c *gin.Context) {
	c.JSON(http.StatusOK, a.replicator.Categories().All())
}

// distributionStatus is 207 when some deliveries failed and 200 otherwise.
func distributionStatus(results []model.DistributionResult) int {
	for _, r := range results {
		if r.Failed > 0 || r.Error != "" {
			return http.StatusMultiStatus
		}
	}
	return http.StatusOK
}

func (a Api) Distribute(c *gin.Context) {
	var req model2.Distribute
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateDistribute(); err != nil {
		bindError(c, err)
		return
	}

	if req.Async && a.jobs != nil {
		id, err := a.jobs.EnqueueDistribution(c.Request.Context(), req.ToDistributionRequest())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": id})
		return
	}

	results, err := a.replicator.Distribute(c.Request.Context(), req.ToDistributionRequest())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(distributionStatus(results), results)
}

func (a Api) DistributeFreshness(c *gin.Context) {
	results, err := a.replicator.DistributeFreshness(c.Request.Context(), model.Freshness(c.Param("class")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(distributionStatus(results), results)
}

func (a Api) ForceSync(c *gin.Context) {
	var req model2.ForceSync
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	if err := req.ValidateForceSync(); err != nil {
		bindError(c, err)
		return
	}

	if req.Async && a.jobs != nil {
		id, err := a.jobs.EnqueueForceSync(c.Request.Context(), req.TargetNodes, req.IncludeHistorical)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": id})
		return
	}

	results, err := a.replicator.ForceFullSync(c.Request.Context(), req.TargetNodes, req.IncludeHistorical)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(distributionStatus(results), results)
}

func (a Api) EmergencySync(c *gin.Context) {
	var req model2.EmergencySync
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateEmergencySync(); err != nil {
		bindError(c, err)
		return
	}

	results, err := a.replicator.EmergencySync(c.Request.Context(), model.EmergencySyncType(req.Type))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(distributionStatus(results), results)
}

func (a Api) DistributionStatus(c *gin.Context) {
	resp, err := a.replicator.DistributionQueueStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) DistributionStatistics(c *gin.Context) {
	resp, err := a.replicator.Statistics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) TestAllEndpoints(c *gin.Context) {
	resp, err := a.replicator.TestAllEndpoints(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) NodesHealth(c *gin.Context) {
	resp, err := a.replicator.NodesHealth(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
