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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/internal/signature"
	"github.com/storesync/replicator/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const maxErrorBodyBytes = 512

// WebhookSender signs and posts events to node endpoints and records every attempt.
type WebhookSender struct {
	datasource database.IDataSource
	config     config.WebhookConfig
	client     *http.Client
	now        func() time.Time

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// outbound is one transmission of an envelope to an endpoint.
type outbound struct {
	endpoint   *model.WebhookEndpoint
	eventType  string
	deliveryID string
	data       json.RawMessage
	priority   string
}

func newDeliveryClient(cfg config.WebhookConfig) *http.Client {
	connect := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		Transport: transport,
	}
}

func NewWebhookSender(ds database.IDataSource, cfg config.WebhookConfig, client *http.Client, now func() time.Time) *WebhookSender {
	if now == nil {
		now = time.Now
	}
	if client == nil {
		client = newDeliveryClient(cfg)
	}
	return &WebhookSender{
		datasource: ds,
		config:     cfg,
		client:     client,
		now:        now,
		limiters:   make(map[int64]*rate.Limiter),
	}
}

// limiter returns the per-node token bucket that spaces out requests to one endpoint.
func (s *WebhookSender) limiter(nodeID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.config.PerNodeRatePerSecond), s.config.PerNodeBurst)
		s.limiters[nodeID] = l
	}
	return l
}

// resolveTarget returns the active endpoint of a SYNC node. Failures are
// permanent: retrying cannot help until the node is reconfigured.
func (s *WebhookSender) resolveTarget(ctx context.Context, nodeID int64) (*model.WebhookEndpoint, model.ErrorKind, error) {
	node, err := s.datasource.GetNode(ctx, nodeID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, model.ErrorKindPermanent, err
		}
		return nil, model.ErrorKindTransient, err
	}
	if node.Mode != model.NodeModeSync {
		return nil, model.ErrorKindPermanent, fmt.Errorf("node %d is in %s mode and does not receive webhooks", nodeID, node.Mode)
	}
	endpoint, err := s.datasource.GetWebhookEndpoint(ctx, nodeID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, model.ErrorKindPermanent, err
		}
		return nil, model.ErrorKindTransient, err
	}
	if !endpoint.Active {
		return nil, model.ErrorKindPermanent, fmt.Errorf("webhook endpoint for node %d is inactive", nodeID)
	}
	return endpoint, model.ErrorKindNone, nil
}

// Deliver sends one new logical event to a SYNC node and records the attempt.
func (s *WebhookSender) Deliver(ctx context.Context, nodeID int64, eventType string, data json.RawMessage, priority string) model.DeliveryResult {
	ctx, span := tracer.Start(ctx, "Deliver webhook")
	defer span.End()

	deliveryID := model.GenerateUUIDWithSuffix("delivery")
	endpoint, kind, err := s.resolveTarget(ctx, nodeID)
	if err != nil {
		return model.DeliveryResult{DeliveryID: deliveryID, NodeID: nodeID, Error: err.Error(), ErrorKind: kind}
	}

	return s.deliverTo(ctx, endpoint, deliveryID, eventType, data, priority)
}

// DeliverToEndpoint sends an event to endpoint without the mode and active
// checks. Backfill uses it before a node is switched to SYNC.
func (s *WebhookSender) DeliverToEndpoint(ctx context.Context, endpoint *model.WebhookEndpoint, eventType string, data json.RawMessage, priority string) model.DeliveryResult {
	return s.deliverTo(ctx, endpoint, model.GenerateUUIDWithSuffix("delivery"), eventType, data, priority)
}

func (s *WebhookSender) deliverTo(ctx context.Context, endpoint *model.WebhookEndpoint, deliveryID, eventType string, data json.RawMessage, priority string) model.DeliveryResult {
	out := outbound{endpoint: endpoint, eventType: eventType, deliveryID: deliveryID, data: data, priority: priority}
	result := s.send(ctx, out)
	s.record(ctx, out, result)
	return result
}

// SendTest posts a signed endpoint_test event without the mode and active
// checks, so an endpoint can be probed before the node is switched to SYNC.
func (s *WebhookSender) SendTest(ctx context.Context, endpoint *model.WebhookEndpoint) model.DeliveryResult {
	data, _ := json.Marshal(map[string]interface{}{
		"message": "connectivity test",
		"sent_at": s.now().UTC().Format(time.RFC3339),
	})
	return s.DeliverToEndpoint(ctx, endpoint, model.EventEndpointTest, data, "low")
}

// Redeliver resends a stored failed delivery under its original id and
// updates the same row. The envelope is re-signed with a fresh timestamp.
// A delivery whose target is gone for good has its retry count raised to
// maxRetries so later retry passes leave it alone.
func (s *WebhookSender) Redeliver(ctx context.Context, delivery model.WebhookDelivery, maxRetries int) model.DeliveryResult {
	ctx, span := tracer.Start(ctx, "Redeliver webhook")
	defer span.End()

	endpoint, kind, err := s.resolveTarget(ctx, delivery.NodeID)
	if err != nil {
		result := model.DeliveryResult{DeliveryID: delivery.DeliveryID, NodeID: delivery.NodeID, Error: err.Error(), ErrorKind: kind}
		delivery.RetryCount++
		if kind == model.ErrorKindPermanent && delivery.RetryCount < maxRetries {
			delivery.RetryCount = maxRetries
		}
		applyResult(&delivery, result, s.now())
		if uerr := s.datasource.UpdateWebhookDeliveryAttempt(ctx, &delivery); uerr != nil {
			logrus.WithField("delivery_id", delivery.DeliveryID).Errorf("failed to record webhook retry: %v", uerr)
		}
		return result
	}
	out := outbound{
		endpoint:   endpoint,
		eventType:  delivery.EventType,
		deliveryID: delivery.DeliveryID,
		data:       delivery.Payload,
		priority:   delivery.Priority,
	}
	result := s.send(ctx, out)

	delivery.RetryCount++
	delivery.EndpointURL = endpoint.URL
	applyResult(&delivery, result, s.now())
	if err := s.datasource.UpdateWebhookDeliveryAttempt(ctx, &delivery); err != nil {
		logrus.WithField("delivery_id", delivery.DeliveryID).Errorf("failed to record webhook retry: %v", err)
	}
	return result
}

// RetryFailed redelivers failed deliveries younger than maxAgeHours whose
// retry count is under maxRetries. Nodes are retried concurrently, each
// node's deliveries one after another.
func (s *WebhookSender) RetryFailed(ctx context.Context, nodeID *int64, maxAgeHours, maxRetries int) (model.RetrySummary, error) {
	if maxAgeHours <= 0 {
		maxAgeHours = s.config.RetryMaxAgeHours
	}
	if maxRetries <= 0 {
		maxRetries = s.config.RetryMaxRetries
	}
	since := s.now().Add(-time.Duration(maxAgeHours) * time.Hour)
	deliveries, err := s.datasource.ListRetryableDeliveries(ctx, nodeID, model.RedeliverableEvents, since, maxRetries, s.config.RetryBatchSize)
	if err != nil {
		return model.RetrySummary{}, err
	}

	byNode := make(map[int64][]model.WebhookDelivery)
	var order []int64
	for _, d := range deliveries {
		if _, ok := byNode[d.NodeID]; !ok {
			order = append(order, d.NodeID)
		}
		byNode[d.NodeID] = append(byNode[d.NodeID], d)
	}

	summary := model.RetrySummary{Selected: len(deliveries), Results: []model.DeliveryResult{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(5)
	for _, id := range order {
		pending := byNode[id]
		g.Go(func() error {
			for _, d := range pending {
				if gctx.Err() != nil {
					return nil
				}
				result := s.Redeliver(gctx, d, maxRetries)
				mu.Lock()
				summary.Results = append(summary.Results, result)
				if result.Success {
					summary.Delivered++
				} else {
					summary.Failed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	logrus.WithFields(logrus.Fields{
		"selected":  summary.Selected,
		"delivered": summary.Delivered,
		"failed":    summary.Failed,
	}).Info("webhook retry pass finished")
	return summary, nil
}

func (s *WebhookSender) send(ctx context.Context, out outbound) model.DeliveryResult {
	result := model.DeliveryResult{DeliveryID: out.deliveryID, NodeID: out.endpoint.NodeID}

	if err := s.limiter(out.endpoint.NodeID).Wait(ctx); err != nil {
		result.Error = fmt.Sprintf("rate limit wait aborted: %v", err)
		result.ErrorKind = model.ErrorKindCapacity
		return result
	}

	timestamp := s.now().Unix()
	body, err := json.Marshal(model.WebhookEnvelope{
		EventType:  out.eventType,
		NodeID:     out.endpoint.NodeID,
		Timestamp:  timestamp,
		DeliveryID: out.deliveryID,
		Data:       out.data,
	})
	if err != nil {
		result.Error = fmt.Sprintf("failed to encode envelope: %v", err)
		result.ErrorKind = model.ErrorKindPermanent
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, out.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("invalid endpoint request: %v", err)
		result.ErrorKind = model.ErrorKindPermanent
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set(signature.HeaderSignature, signature.Sign(out.endpoint.Secret, body))
	req.Header.Set(signature.HeaderDelivery, out.deliveryID)
	req.Header.Set(signature.HeaderEvent, out.eventType)
	req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(signature.HeaderNode, strconv.FormatInt(out.endpoint.NodeID, 10))
	if out.priority != "" {
		req.Header.Set(signature.HeaderPriority, out.priority)
	}

	start := s.now()
	resp, err := s.client.Do(req)
	result.ResponseTimeMs = s.now().Sub(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = model.ErrorKindTransient
		logrus.WithFields(logrus.Fields{
			"node_id":     out.endpoint.NodeID,
			"delivery_id": out.deliveryID,
			"event_type":  out.eventType,
		}).Warnf("webhook request failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ErrorKind = model.ClassifyStatus(resp.StatusCode)
	if result.ErrorKind == model.ErrorKindNone {
		result.Success = true
		_, _ = io.Copy(io.Discard, resp.Body)
		return result
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	result.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	logrus.WithFields(logrus.Fields{
		"node_id":     out.endpoint.NodeID,
		"delivery_id": out.deliveryID,
		"status_code": resp.StatusCode,
	}).Warn("webhook rejected by endpoint")
	return result
}

func (s *WebhookSender) record(ctx context.Context, out outbound, result model.DeliveryResult) {
	delivery := &model.WebhookDelivery{
		DeliveryID:  out.deliveryID,
		NodeID:      out.endpoint.NodeID,
		EventType:   out.eventType,
		EndpointURL: out.endpoint.URL,
		Payload:     out.data,
		Priority:    out.priority,
		CreatedAt:   s.now(),
	}
	applyResult(delivery, result, delivery.CreatedAt)
	if err := s.datasource.InsertWebhookDelivery(ctx, delivery); err != nil {
		logrus.WithField("delivery_id", out.deliveryID).Errorf("failed to record webhook delivery: %v", err)
	}
}

func applyResult(delivery *model.WebhookDelivery, result model.DeliveryResult, at time.Time) {
	delivery.StatusCode = result.StatusCode
	delivery.ResponseTimeMs = result.ResponseTimeMs
	delivery.ErrorMessage = result.Error
	if result.Success {
		delivery.Status = model.DeliveryStatusDelivered
		delivery.DeliveredAt = &at
		return
	}
	delivery.Status = model.DeliveryStatusFailed
	delivery.DeliveredAt = nil
}
