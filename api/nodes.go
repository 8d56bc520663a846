package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	model2 "github.com/storesync/replicator/api/model"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
)

func (a Api) ListNodes(c *gin.Context) {
	resp, err := a.replicator.ListNodes(c.Request.Context(), model.NodeMode(c.Query("mode")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetNode(c *gin.Context) {
	id, err := nodeIDParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := a.replicator.GetNode(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) UpsertNode(c *gin.Context) {
	var req model2.UpsertNode
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateUpsertNode(); err != nil {
		bindError(c, err)
		return
	}

	node := req.ToNode()
	if err := a.replicator.UpsertNode(c.Request.Context(), node); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (a Api) SetNodeMode(c *gin.Context) {
	id, err := nodeIDParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req model2.SetNodeMode
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateSetNodeMode(); err != nil {
		bindError(c, err)
		return
	}

	if err := a.replicator.SetNodeMode(c.Request.Context(), id, model.NodeMode(req.Mode)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": id, "mode": req.Mode})
}

// SwitchToSync runs the full DIRECT to SYNC transition, backfill included,
// inside the request. The step log is returned on failure as well.
func (a Api) SwitchToSync(c *gin.Context) {
	id, err := nodeIDParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req model2.SwitchToSync
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateSwitchToSync(); err != nil {
		bindError(c, err)
		return
	}

	result, err := a.replicator.SwitchToSync(c.Request.Context(), id, req.URL, req.Secret)
	if err != nil {
		c.JSON(modeSwitchStatus(err), gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

// modeSwitchStatus maps a failed transition. Errors that are not APIErrors
// come from the backfill and are reported as a bad gateway.
func modeSwitchStatus(err error) int {
	if _, ok := apierror.As(err); ok {
		return apierror.MapErrorToHTTPStatus(err)
	}
	return http.StatusBadGateway
}

func (a Api) SwitchToDirect(c *gin.Context) {
	id, err := nodeIDParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := a.replicator.SwitchToDirect(c.Request.Context(), id)
	if err != nil {
		c.JSON(modeSwitchStatus(err), gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a Api) Watermarks(c *gin.Context) {
	nodeID, err := optionalNodeID(c, "node_id")
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := a.replicator.Watermarks(c.Request.Context(), nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// AuditLog lists audit entries. since defaults to the last 7 days.
func (a Api) AuditLog(c *gin.Context) {
	since, err := timeQuery(c, "since")
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		respondError(c, err)
		return
	}
	from := time.Now().AddDate(0, 0, -7)
	if since != nil {
		from = *since
	}
	resp, err := a.replicator.AuditLog(c.Request.Context(), c.Query("event_type"), from, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
