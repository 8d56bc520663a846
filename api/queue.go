package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	model2 "github.com/storesync/replicator/api/model"
	"github.com/storesync/replicator/model"
)

func (a Api) EnqueueItem(c *gin.Context) {
	var req model2.EnqueueItem
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateEnqueueItem(); err != nil {
		bindError(c, err)
		return
	}

	id, duplicate, err := a.replicator.Enqueue(c.Request.Context(), req.ToEnqueueRequest())
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"id": id, "duplicate": duplicate})
}

func (a Api) FanOut(c *gin.Context) {
	var req model2.FanOut
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateFanOut(); err != nil {
		bindError(c, err)
		return
	}

	resp, err := a.replicator.EnqueueFanOut(c.Request.Context(), model.QueueKind(req.Kind), req.SourceNodeID, req.Payload, req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) ListQueueItems(c *gin.Context) {
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

	resp, err := a.replicator.ListQueueItems(c.Request.Context(), c.Query("status"), nodeID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetQueueItem(c *gin.Context) {
	resp, err := a.replicator.GetQueueItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) CancelQueueItem(c *gin.Context) {
	if err := a.replicator.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": model.QueueStatusCancelled})
}

func (a Api) PrioritizeQueueItem(c *gin.Context) {
	var req model2.Prioritize
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidatePrioritize(); err != nil {
		bindError(c, err)
		return
	}

	if err := a.replicator.Prioritize(c.Request.Context(), c.Param("id"), req.Priority); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "priority": req.Priority})
}

func (a Api) QueueStatus(c *gin.Context) {
	nodeID, err := optionalNodeID(c, "node_id")
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := a.replicator.QueueStatus(c.Request.Context(), nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RetrySchedule(c *gin.Context) {
	nodeID, err := optionalNodeID(c, "node_id")
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := a.replicator.RetrySchedule(c.Request.Context(), nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ProcessQueue runs one batch in the request. The body is optional.
func (a Api) ProcessQueue(c *gin.Context) {
	var req model2.ProcessQueue
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	if err := req.ValidateProcessQueue(); err != nil {
		bindError(c, err)
		return
	}

	resp, err := a.replicator.ProcessBatch(c.Request.Context(), req.NodeID, req.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RequeueStale(c *gin.Context) {
	minutes, err := intQuery(c, "older_than_minutes", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	count, err := a.replicator.RequeueStale(c.Request.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": count})
}

func (a Api) CleanupQueue(c *gin.Context) {
	resp, err := a.replicator.CleanupQueue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
