package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator"
	model2 "github.com/storesync/replicator/api/model"
	"github.com/storesync/replicator/internal/signature"
)

// maxWebhookBody caps received webhook bodies.
const maxWebhookBody = 10 << 20

// RegisterEndpoint stores a SYNC node's endpoint and sends it a test event. A
// generated secret is returned once, in this response only.
func (a Api) RegisterEndpoint(c *gin.Context) {
	var req model2.RegisterEndpoint
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := req.ValidateRegisterEndpoint(); err != nil {
		bindError(c, err)
		return
	}

	endpoint, result, err := a.replicator.RegisterEndpoint(c.Request.Context(), req.NodeID, req.URL, req.Secret)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"endpoint": endpoint, "test": result}
	if req.Secret == "" {
		resp["secret"] = endpoint.Secret
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) TestEndpoint(c *gin.Context) {
	nodeID, err := nodeIDParam(c, "node_id")
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := a.replicator.TestEndpoint(c.Request.Context(), nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) EndpointHealth(c *gin.Context) {
	resp, err := a.replicator.EndpointHealth(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) WebhookStatus(c *gin.Context) {
	resp, err := a.replicator.WebhookStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) DeliveryLogs(c *gin.Context) {
	nodeID, err := optionalNodeID(c, "node_id")
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := a.replicator.DeliveryLogs(c.Request.Context(), nodeID, c.Query("status"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RetryDeliveries(c *gin.Context) {
	var req model2.RetryDeliveries
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	if err := req.ValidateRetryDeliveries(); err != nil {
		bindError(c, err)
		return
	}

	resp, err := a.replicator.RetryFailedDeliveries(c.Request.Context(), req.NodeID, req.MaxAgeHours, req.MaxRetries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ReceiveWebhook accepts a signed event from another node. Signature and
// timestamp failures are answered with 401 so the sender does not retry a
// body that can never verify.
func (a Api) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	headers := replicator.InboundHeaders{
		Signature:  c.GetHeader(signature.HeaderSignature),
		Timestamp:  c.GetHeader(signature.HeaderTimestamp),
		DeliveryID: c.GetHeader(signature.HeaderDelivery),
		EventType:  c.GetHeader(signature.HeaderEvent),
	}
	receipt, err := a.replicator.ReceiveWebhook(c.Request.Context(), headers, body)
	if err != nil {
		if isSignatureError(err) {
			logrus.WithField("delivery_id", headers.DeliveryID).Warnf("rejected webhook: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if receipt.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, receipt)
}

func isSignatureError(err error) bool {
	return errors.Is(err, signature.ErrInvalidSignature) ||
		errors.Is(err, signature.ErrMissingSignature) ||
		errors.Is(err, signature.ErrInvalidTimestamp) ||
		errors.Is(err, signature.ErrExpiredTimestamp)
}
