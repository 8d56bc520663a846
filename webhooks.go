/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/internal/signature"
	"github.com/storesync/replicator/model"
)

// InboundHeaders are the signature headers of a received webhook.
type InboundHeaders struct {
	Signature  string
	Timestamp  string
	DeliveryID string
	EventType  string
}

// InboundReceipt reports what happened to a received webhook.
type InboundReceipt struct {
	DeliveryID  string `json:"delivery_id"`
	QueueItemID string `json:"queue_item_id,omitempty"`
	Duplicate   bool   `json:"duplicate"`
}

func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "invalid webhook url", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "webhook url must be an absolute http(s) url", nil)
	}
	return nil
}

// RegisterEndpoint creates or replaces the webhook endpoint of a SYNC node and
// sends it a signed endpoint_test event.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - nodeID int64: The node that owns the endpoint.
// - rawURL string: Where deliveries are posted.
// - secret string: The shared HMAC secret. One is generated when empty.
//
// Returns:
// - *model.WebhookEndpoint: The stored endpoint.
// - model.DeliveryResult: The outcome of the test delivery.
// - error: An error if validation or persistence fails.
func (r *Replicator) RegisterEndpoint(ctx context.Context, nodeID int64, rawURL, secret string) (*model.WebhookEndpoint, model.DeliveryResult, error) {
	node, err := r.datasource.GetNode(ctx, nodeID)
	if err != nil {
		return nil, model.DeliveryResult{}, err
	}
	if node.Mode != model.NodeModeSync {
		return nil, model.DeliveryResult{}, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("node %d is in %s mode; switch it to SYNC to register an endpoint", nodeID, node.Mode), nil)
	}
	endpoint, err := r.storeEndpoint(ctx, nodeID, rawURL, secret, true)
	if err != nil {
		return nil, model.DeliveryResult{}, err
	}
	result := r.sender.SendTest(ctx, endpoint)
	return endpoint, result, nil
}

func (r *Replicator) storeEndpoint(ctx context.Context, nodeID int64, rawURL, secret string, active bool) (*model.WebhookEndpoint, error) {
	if err := validateEndpointURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		generated, err := signature.NewSecret()
		if err != nil {
			return nil, errors.Wrap(err, "generate webhook secret")
		}
		secret = generated
	}
	endpoint := &model.WebhookEndpoint{
		NodeID: nodeID,
		URL:    rawURL,
		Secret: secret,
		Active: active,
	}
	if err := r.datasource.UpsertWebhookEndpoint(ctx, endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

// TestEndpoint sends a signed endpoint_test event to a node, retrying
// transport failures a few times with exponential backoff.
func (r *Replicator) TestEndpoint(ctx context.Context, nodeID int64) (model.DeliveryResult, error) {
	endpoint, err := r.datasource.GetWebhookEndpoint(ctx, nodeID)
	if err != nil {
		return model.DeliveryResult{}, err
	}
	return r.probeEndpoint(ctx, endpoint), nil
}

func (r *Replicator) probeEndpoint(ctx context.Context, endpoint *model.WebhookEndpoint) model.DeliveryResult {
	var result model.DeliveryResult
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	operation := func() error {
		result = r.sender.SendTest(ctx, endpoint)
		if result.Success {
			return nil
		}
		if result.ErrorKind != model.ErrorKindTransient {
			return backoff.Permanent(errors.New(result.Error))
		}
		return errors.New(result.Error)
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		logrus.WithField("node_id", endpoint.NodeID).Warnf("endpoint connectivity test failed: %v", err)
	}
	return result
}

// EndpointHealth reports delivery outcomes per endpoint over the last 24 hours.
func (r *Replicator) EndpointHealth(ctx context.Context) ([]model.EndpointHealth, error) {
	stats, err := r.datasource.EndpointDeliveryStats(ctx, r.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	for i := range stats {
		stats[i].Health = model.EndpointHealthLabel(stats[i].Total, stats[i].SuccessRate)
	}
	return stats, nil
}

// WebhookStatus summarizes the last 24 hours of deliveries and the registered endpoints.
func (r *Replicator) WebhookStatus(ctx context.Context) (*model.WebhookStatus, error) {
	since := r.now().Add(-24 * time.Hour)
	nodes, err := r.datasource.DeliveryStatsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	endpoints, err := r.datasource.ListWebhookEndpoints(ctx, false)
	if err != nil {
		return nil, err
	}
	return &model.WebhookStatus{Since: since, Nodes: nodes, Endpoints: endpoints}, nil
}

// DeliveryLogs lists recent deliveries, optionally for one node and status.
func (r *Replicator) DeliveryLogs(ctx context.Context, nodeID *int64, status string, limit int) ([]model.WebhookDelivery, error) {
	if status != "" && status != model.DeliveryStatusDelivered && status != model.DeliveryStatusFailed {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown delivery status %q", status), nil)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.datasource.ListWebhookDeliveries(ctx, nodeID, status, limit)
}

// RetryFailedDeliveries runs a webhook-level redelivery pass.
func (r *Replicator) RetryFailedDeliveries(ctx context.Context, nodeID *int64, maxAgeHours, maxRetries int) (model.RetrySummary, error) {
	return r.sender.RetryFailed(ctx, nodeID, maxAgeHours, maxRetries)
}

// ReceiveWebhook verifies a webhook posted to this node and queues it for
// application. A delivery id seen before is acknowledged without a new item.
func (r *Replicator) ReceiveWebhook(ctx context.Context, headers InboundHeaders, body []byte) (*InboundReceipt, error) {
	secret := r.config.Webhook.ReceiveSecret
	if secret == "" {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "webhook receiver is not configured", nil)
	}
	maxAge := time.Duration(r.config.Webhook.SignatureMaxAgeSecs) * time.Second
	if err := signature.Verify(secret, body, headers.Signature, headers.Timestamp, r.now(), maxAge); err != nil {
		return nil, err
	}

	var envelope model.WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "malformed webhook body", err)
	}
	if strconv.FormatInt(envelope.Timestamp, 10) != headers.Timestamp {
		return nil, signature.ErrInvalidTimestamp
	}
	if envelope.DeliveryID == "" || (headers.DeliveryID != "" && headers.DeliveryID != envelope.DeliveryID) {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "delivery id missing or inconsistent", nil)
	}

	fresh, err := r.datasource.InsertInboundEvent(ctx, envelope.DeliveryID, envelope.NodeID, envelope.EventType, body)
	if err != nil {
		return nil, err
	}
	receipt := &InboundReceipt{DeliveryID: envelope.DeliveryID, Duplicate: !fresh}
	if !fresh {
		return receipt, nil
	}

	itemID, _, err := r.Enqueue(ctx, model.EnqueueRequest{
		Kind:        model.KindWebhookReceived,
		NodeID:      r.config.Webhook.LocalNodeID,
		EntityTable: "inbound_events",
		RecordID:    envelope.DeliveryID,
		Payload:     body,
	})
	if err != nil {
		// The sender retries on error, so the delivery id must not be left
		// looking processed.
		if derr := r.datasource.DeleteInboundEvent(ctx, envelope.DeliveryID); derr != nil {
			logrus.WithError(derr).WithField("delivery_id", envelope.DeliveryID).Error("failed to release inbound event after enqueue failure")
		}
		return nil, err
	}
	receipt.QueueItemID = itemID
	return receipt, nil
}

// applyInbound is the webhook-received handler: the event is marked applied in the inbound log.
func (r *Replicator) applyInbound(ctx context.Context, item model.QueueItem) model.DeliveryResult {
	result := model.DeliveryResult{NodeID: item.NodeID}
	var envelope model.WebhookEnvelope
	if err := json.Unmarshal(item.Payload, &envelope); err != nil || envelope.DeliveryID == "" {
		result.Error = "inbound payload is not a webhook envelope"
		result.ErrorKind = model.ErrorKindPermanent
		return result
	}
	result.DeliveryID = envelope.DeliveryID
	if err := r.datasource.MarkInboundEventApplied(ctx, envelope.DeliveryID, r.now()); err != nil {
		result.Error = err.Error()
		result.ErrorKind = model.ErrorKindTransient
		if apierror.Is(err, apierror.ErrNotFound) {
			result.ErrorKind = model.ErrorKindPermanent
		}
		return result
	}
	logrus.WithFields(logrus.Fields{
		"delivery_id": envelope.DeliveryID,
		"event_type":  envelope.EventType,
		"source_node": envelope.NodeID,
	}).Info("inbound webhook applied")
	result.Success = true
	return result
}
