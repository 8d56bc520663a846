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
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
)

// KindHandler runs one claimed queue item and reports the outcome.
type KindHandler func(ctx context.Context, item model.QueueItem) model.DeliveryResult

// kindEvents maps replicated operation kinds onto the webhook event they are sent as.
var kindEvents = map[model.QueueKind]string{
	model.KindSale:           model.EventSaleNotification,
	model.KindStockUpdate:    model.EventStockAdjustment,
	model.KindCustomerUpdate: model.EventCustomerUpdate,
	model.KindPriceUpdate:    model.EventPriceUpdate,
	model.KindDebtPayment:    model.EventDebtUpdate,
}

// defaultPriorities apply when an enqueue request leaves priority at zero. Lower runs first.
var defaultPriorities = map[model.QueueKind]int{
	model.KindSale:            1,
	model.KindDebtPayment:     1,
	model.KindStockUpdate:     2,
	model.KindWebhookReceived: 2,
	model.KindCustomerUpdate:  3,
	model.KindPriceUpdate:     4,
	model.KindHealthCheck:     5,
}

func (r *Replicator) defaultHandlers() map[model.QueueKind]KindHandler {
	handlers := make(map[model.QueueKind]KindHandler, len(model.QueueKinds))
	for kind, event := range kindEvents {
		handlers[kind] = r.deliveryHandler(event)
	}
	handlers[model.KindWebhookReceived] = r.applyInbound
	handlers[model.KindHealthCheck] = r.healthCheckHandler
	return handlers
}

func validateHandlers(handlers map[model.QueueKind]KindHandler) error {
	for _, kind := range model.QueueKinds {
		if handlers[kind] == nil {
			return fmt.Errorf("no handler registered for queue kind %q", kind)
		}
	}
	return nil
}

func (r *Replicator) deliveryHandler(event string) KindHandler {
	return func(ctx context.Context, item model.QueueItem) model.DeliveryResult {
		return r.sender.Deliver(ctx, item.NodeID, event, item.Payload, priorityLabel(item.Priority))
	}
}

func (r *Replicator) healthCheckHandler(ctx context.Context, item model.QueueItem) model.DeliveryResult {
	result, err := r.TestEndpoint(ctx, item.NodeID)
	if err != nil {
		kind := model.ErrorKindTransient
		if apierror.Is(err, apierror.ErrNotFound) {
			kind = model.ErrorKindPermanent
		}
		return model.DeliveryResult{NodeID: item.NodeID, Error: err.Error(), ErrorKind: kind}
	}
	return result
}

// priorityLabel renders a numeric queue priority for the X-Distribution-Priority header.
func priorityLabel(priority int) string {
	switch {
	case priority <= 1:
		return "critical"
	case priority == 2:
		return "high"
	case priority <= 4:
		return "normal"
	default:
		return "low"
	}
}

// Enqueue adds a work item for one node. An identical pending item inside the
// dedupe window is returned instead of a new row, with existing set to true.
// A node whose queue is full is rejected with TOO_MANY_REQUESTS.
func (r *Replicator) Enqueue(ctx context.Context, req model.EnqueueRequest) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	if !req.Kind.Valid() {
		return "", false, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown queue kind %q", req.Kind), nil)
	}
	if req.NodeID <= 0 {
		return "", false, apierror.NewAPIError(apierror.ErrInvalidInput, "node_id is required", nil)
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(req.Payload) {
		return "", false, apierror.NewAPIError(apierror.ErrUnprocessable, "payload must be valid JSON", nil)
	}
	if req.Priority <= 0 {
		req.Priority = defaultPriorities[req.Kind]
	}

	now := r.now()
	item := &model.QueueItem{
		ID:          model.GenerateUUIDWithSuffix("queue"),
		NodeID:      req.NodeID,
		Kind:        req.Kind,
		EntityTable: req.EntityTable,
		RecordID:    req.RecordID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: r.config.Queue.MaxAttempts,
		Status:      model.QueueStatusPending,
		CreatedAt:   now,
		ScheduledAt: now,
		DedupeHash:  model.DedupeHash(req.Kind, req.Payload),
	}
	window := time.Duration(r.config.Queue.DedupeWindowMinutes) * time.Minute
	id, existing, err := r.datasource.EnqueueQueueItem(ctx, item, r.config.Queue.MaxPendingPerNode, window)
	if err != nil {
		return "", false, err
	}
	logrus.WithFields(logrus.Fields{
		"queue_item_id": id,
		"node_id":       req.NodeID,
		"kind":          req.Kind,
		"duplicate":     existing,
	}).Debug("queue item enqueued")
	return id, existing, nil
}

// FanOutResult lists the items created by EnqueueFanOut per target node.
type FanOutResult struct {
	Items    map[int64]string `json:"items"`
	Rejected map[int64]string `json:"rejected,omitempty"`
}

// EnqueueFanOut queues an operation that originated at sourceNodeID for every
// other SYNC node. A full queue on one node does not stop the others.
func (r *Replicator) EnqueueFanOut(ctx context.Context, kind model.QueueKind, sourceNodeID int64, payload json.RawMessage, priority int) (*FanOutResult, error) {
	nodes, err := r.datasource.ListNodes(ctx, model.NodeModeSync)
	if err != nil {
		return nil, err
	}
	result := &FanOutResult{Items: map[int64]string{}, Rejected: map[int64]string{}}
	for _, node := range nodes {
		if node.ID == sourceNodeID {
			continue
		}
		id, _, err := r.Enqueue(ctx, model.EnqueueRequest{Kind: kind, NodeID: node.ID, Payload: payload, Priority: priority})
		if err != nil {
			if apierror.Is(err, apierror.ErrTooManyRequests) {
				result.Rejected[node.ID] = err.Error()
				continue
			}
			return result, err
		}
		result.Items[node.ID] = id
	}
	return result, nil
}

// Dequeue claims up to limit due items, optionally for one node.
func (r *Replicator) Dequeue(ctx context.Context, nodeID *int64, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = r.config.Queue.BatchSize
	}
	return r.datasource.ClaimQueueItems(ctx, nodeID, limit, r.now())
}

// Complete marks a processing item completed.
func (r *Replicator) Complete(ctx context.Context, itemID, message string) error {
	return r.datasource.CompleteQueueItem(ctx, itemID, message, r.now())
}

// Fail records a failed attempt of a processing item. Transient failures
// consume an attempt and are rescheduled on the backoff ladder until the
// ceiling; permanent and conflict failures stop immediately without
// consuming an attempt. A terminal failure of a critical kind is written to
// the audit log in the same transaction.
func (r *Replicator) Fail(ctx context.Context, itemID, message string, kind model.ErrorKind) (*model.QueueItem, error) {
	if kind == model.ErrorKindNone {
		kind = model.ErrorKindTransient
	}
	now := r.now()
	return r.datasource.FailQueueItem(ctx, itemID, func(item *model.QueueItem) (*model.AuditEntry, error) {
		if item.Status != model.QueueStatusProcessing {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("queue item '%s' is %s, only processing items can fail", item.ID, item.Status), nil)
		}
		item.LastError = message
		item.ErrorKind = kind
		item.ProcessedAt = &now

		if kind.Final() {
			item.Status = model.QueueStatusFailed
			return r.criticalFailureEntry(item, now), nil
		}

		item.Attempts++
		if item.Attempts >= item.MaxAttempts {
			item.Attempts = item.MaxAttempts
			item.Status = model.QueueStatusFailed
			return r.criticalFailureEntry(item, now), nil
		}
		item.Status = model.QueueStatusPending
		item.ScheduledAt = now.Add(r.backoffDelay(item.Attempts))
		return nil, nil
	})
}

// backoffDelay returns the wait before the next attempt after the given number of failures.
func (r *Replicator) backoffDelay(attempts int) time.Duration {
	ladder := r.config.Queue.BackoffMinutes
	if len(ladder) == 0 {
		return 5 * time.Minute
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return time.Duration(ladder[idx]) * time.Minute
}

func (r *Replicator) isCriticalKind(kind model.QueueKind) bool {
	for _, k := range r.config.Queue.CriticalKinds {
		if model.QueueKind(k) == kind {
			return true
		}
	}
	return false
}

func (r *Replicator) criticalFailureEntry(item *model.QueueItem, now time.Time) *model.AuditEntry {
	if !r.isCriticalKind(item.Kind) {
		return nil
	}
	payload, err := json.Marshal(item)
	if err != nil {
		payload = []byte(`{}`)
	}
	logrus.WithFields(logrus.Fields{
		"queue_item_id": item.ID,
		"node_id":       item.NodeID,
		"kind":          item.Kind,
	}).Error("critical queue item failed terminally, written to backup log")
	nodeID := item.NodeID
	return &model.AuditEntry{
		ID:        model.GenerateUUIDWithSuffix("audit"),
		EventType: model.AuditCriticalFailure,
		NodeID:    &nodeID,
		EntityRef: "sync_queue/" + item.ID,
		Payload:   payload,
		CreatedAt: now,
	}
}

// Cancel stops a pending or failed item.
func (r *Replicator) Cancel(ctx context.Context, itemID string) error {
	note := fmt.Sprintf(" | Cancelled by user at: %s", r.now().UTC().Format(time.RFC3339))
	return r.datasource.CancelQueueItem(ctx, itemID, note)
}

// Prioritize changes the priority of a pending or failed item.
func (r *Replicator) Prioritize(ctx context.Context, itemID string, priority int) error {
	if priority <= 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "priority must be positive", nil)
	}
	return r.datasource.PrioritizeQueueItem(ctx, itemID, priority)
}

func (r *Replicator) GetQueueItem(ctx context.Context, itemID string) (*model.QueueItem, error) {
	return r.datasource.GetQueueItem(ctx, itemID)
}

func (r *Replicator) ListQueueItems(ctx context.Context, status string, nodeID *int64, limit, offset int) ([]model.QueueItem, error) {
	if status != "" {
		switch model.QueueStatus(status) {
		case model.QueueStatusPending, model.QueueStatusProcessing, model.QueueStatusCompleted,
			model.QueueStatusFailed, model.QueueStatusCancelled:
		default:
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown queue status %q", status), nil)
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return r.datasource.ListQueueItems(ctx, status, nodeID, limit, offset)
}

// RetrySchedule lists pending items waiting for a later attempt.
func (r *Replicator) RetrySchedule(ctx context.Context, nodeID *int64) ([]model.QueueItem, error) {
	return r.datasource.ListRetrySchedule(ctx, nodeID, r.now(), 100)
}

// QueueStatus aggregates the queue, optionally for one node.
func (r *Replicator) QueueStatus(ctx context.Context, nodeID *int64) (*model.QueueStatusReport, error) {
	return r.datasource.GetQueueStatus(ctx, nodeID, r.now())
}

// CleanupQueue purges completed and cancelled items past their retention.
func (r *Replicator) CleanupQueue(ctx context.Context) (model.QueueCleanupResult, error) {
	now := r.now()
	completedBefore := now.AddDate(0, 0, -r.config.Queue.CompletedRetentionDays)
	cancelledBefore := now.AddDate(0, 0, -r.config.Queue.CancelledRetentionDays)
	result, err := r.datasource.CleanupQueue(ctx, completedBefore, cancelledBefore)
	if err != nil {
		return result, err
	}
	logrus.Infof("queue cleanup removed %d completed and %d cancelled items", result.CompletedRemoved, result.CancelledRemoved)
	return result, nil
}

// RequeueStale returns items abandoned in processing by a crashed worker to pending.
func (r *Replicator) RequeueStale(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = time.Duration(r.config.Queue.StaleProcessingMinutes) * time.Minute
	}
	count, err := r.datasource.RequeueStaleQueueItems(ctx, r.now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logrus.Warnf("requeued %d queue items abandoned in processing", count)
	}
	return count, nil
}

// ProcessBatch claims up to limit due items and runs them through the kind
// handlers. Nodes are processed concurrently up to the worker limit; the items
// of one node run in claim order so a single endpoint is never flooded.
func (r *Replicator) ProcessBatch(ctx context.Context, nodeID *int64, limit int) (*model.QueueBatchResult, error) {
	ctx, span := tracer.Start(ctx, "Process queue batch")
	defer span.End()

	items, err := r.Dequeue(ctx, nodeID, limit)
	if err != nil {
		return nil, err
	}
	result := &model.QueueBatchResult{Claimed: len(items), Outcomes: []model.QueueItemOutcome{}}
	if len(items) == 0 {
		return result, nil
	}

	byNode := make(map[int64][]model.QueueItem)
	var order []int64
	for _, item := range items {
		if _, ok := byNode[item.NodeID]; !ok {
			order = append(order, item.NodeID)
		}
		byNode[item.NodeID] = append(byNode[item.NodeID], item)
	}

	maxWorkers := r.config.Queue.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	semaphore := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range order {
		nodeItems := byNode[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			for _, item := range nodeItems {
				outcome := r.runItem(ctx, item)
				mu.Lock()
				result.Outcomes = append(result.Outcomes, outcome)
				switch {
				case outcome.Success:
					result.Completed++
				case outcome.ErrorKind == model.ErrorKindConflict:
					result.Conflicts++
				case outcome.Retried:
					result.Retried++
				default:
					result.Failed++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	logrus.WithFields(logrus.Fields{
		"claimed":   result.Claimed,
		"completed": result.Completed,
		"retried":   result.Retried,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	}).Info("queue batch processed")
	return result, nil
}

func (r *Replicator) runItem(ctx context.Context, item model.QueueItem) model.QueueItemOutcome {
	outcome := model.QueueItemOutcome{ItemID: item.ID, NodeID: item.NodeID, Kind: item.Kind}
	logger := logrus.WithFields(logrus.Fields{"queue_item_id": item.ID, "node_id": item.NodeID, "kind": item.Kind})

	handler, ok := r.handlers[item.Kind]
	var delivery model.DeliveryResult
	if !ok {
		delivery = model.DeliveryResult{Error: fmt.Sprintf("no handler for kind %q", item.Kind), ErrorKind: model.ErrorKindPermanent}
	} else {
		delivery = handler(ctx, item)
	}

	if delivery.Success {
		if err := r.Complete(ctx, item.ID, "delivered "+delivery.DeliveryID); err != nil {
			logger.Errorf("failed to complete queue item: %v", err)
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Success = true
		return outcome
	}

	outcome.ErrorKind = delivery.ErrorKind
	outcome.Error = delivery.Error
	updated, err := r.Fail(ctx, item.ID, delivery.Error, delivery.ErrorKind)
	if err != nil {
		logger.Errorf("failed to record queue item failure: %v", err)
		outcome.Error = errors.Wrap(err, delivery.Error).Error()
		return outcome
	}
	outcome.Retried = updated.Status == model.QueueStatusPending
	logger.WithFields(logrus.Fields{"attempts": updated.Attempts, "status": updated.Status}).Warnf("queue item failed: %s", delivery.Error)

	if delivery.ErrorKind == model.ErrorKindConflict {
		r.recordRejectedDelivery(ctx, updated, delivery)
	}
	return outcome
}

// recordRejectedDelivery hands an item the node refused with 409 to the conflict engine.
func (r *Replicator) recordRejectedDelivery(ctx context.Context, item *model.QueueItem, delivery model.DeliveryResult) {
	nodeID := item.NodeID
	conflict := &model.Conflict{
		ID:          model.GenerateUUIDWithSuffix("conflict"),
		Category:    model.ConflictCategorySync,
		Subtype:     model.SubtypeDeliveryRejected,
		NodeID:      &nodeID,
		EntityTable: "sync_queue",
		EntityID:    item.ID,
		Priority:    model.PriorityHigh,
		Status:      model.ConflictPending,
		CreatedAt:   r.now(),
		Details: map[string]interface{}{
			"queue_item_id": item.ID,
			"kind":          string(item.Kind),
			"delivery_id":   delivery.DeliveryID,
			"status_code":   delivery.StatusCode,
			"error":         delivery.Error,
		},
	}
	window := time.Duration(r.config.Conflict.DedupeWindowMinutes) * time.Minute
	if _, err := r.datasource.RecordConflict(ctx, conflict, window); err != nil {
		logrus.WithField("queue_item_id", item.ID).Errorf("failed to record rejected delivery conflict: %v", err)
	}
}
