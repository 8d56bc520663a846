package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	model2 "github.com/storesync/replicator/api/model"
	"github.com/storesync/replicator/model"
)

// DetectConflicts scans for conflicts. With ?async=true the scan is queued
// for the workers process instead.
func (a Api) DetectConflicts(c *gin.Context) {
	var req model2.DetectConflicts
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	if err := req.ValidateDetectConflicts(); err != nil {
		bindError(c, err)
		return
	}

	if c.Query("async") == "true" && a.jobs != nil {
		id, err := a.jobs.EnqueueConflictScan(c.Request.Context(), req.ToCategories())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": id})
		return
	}

	resp, err := a.replicator.Detect(c.Request.Context(), req.ToCategories())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) ListConflicts(c *gin.Context) {
	nodeID, err := optionalNodeID(c, "node_id")
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		respondError(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	olderThan, err := timeQuery(c, "older_than")
	if err != nil {
		respondError(c, err)
		return
	}
	newerThan, err := timeQuery(c, "newer_than")
	if err != nil {
		respondError(c, err)
		return
	}

	filter := model.ConflictFilter{
		Category:  c.Query("category"),
		Subtype:   c.Query("subtype"),
		Status:    c.Query("status"),
		Priority:  c.Query("priority"),
		NodeID:    nodeID,
		OlderThan: olderThan,
		NewerThan: newerThan,
		Limit:     limit,
		Offset:    offset,
	}
	conflicts, total, err := a.replicator.ListConflicts(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "total": total})
}

func (a Api) ConflictSummary(c *gin.Context) {
	resp, err := a.replicator.ConflictSummary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetConflict(c *gin.Context) {
	resp, err := a.replicator.GetConflict(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) AutoResolve(c *gin.Context) {
	var req model2.AutoResolve
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateAutoResolve(); err != nil {
		bindError(c, err)
		return
	}

	results, err := a.replicator.AutoResolve(c.Request.Context(), req.ConflictIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	resolved := 0
	for _, r := range results {
		if r.Resolved {
			resolved++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "resolved": resolved, "failed": len(results) - resolved})
}

func (a Api) ManualResolve(c *gin.Context) {
	var req model2.ManualResolve
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateManualResolve(); err != nil {
		bindError(c, err)
		return
	}

	resp, err := a.replicator.ManualResolve(c.Request.Context(), c.Param("id"), model.ResolutionStrategy(req.Strategy), req.Params, req.ResolvedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) BulkCleanup(c *gin.Context) {
	var req model2.BulkCleanup
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateBulkCleanup(); err != nil {
		bindError(c, err)
		return
	}

	deleted, err := a.replicator.BulkCleanup(c.Request.Context(), req.OlderThanDays, model.CleanupScope(req.Scope))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
