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
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
	// Store, when set, is handed to the callback passed to WithDomainTx.
	Store database.DomainStore
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDataSource) EnqueueQueueItem(ctx context.Context, item *model.QueueItem, maxPending int, dedupeWindow time.Duration) (string, bool, error) {
	args := m.Called(ctx, item, maxPending, dedupeWindow)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) ClaimQueueItems(ctx context.Context, nodeID *int64, limit int, now time.Time) ([]model.QueueItem, error) {
	args := m.Called(ctx, nodeID, limit, now)
	var r0 []model.QueueItem
	if v := args.Get(0); v != nil {
		r0 = v.([]model.QueueItem)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	args := m.Called(ctx, id)
	var r0 *model.QueueItem
	if v := args.Get(0); v != nil {
		r0 = v.(*model.QueueItem)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) CompleteQueueItem(ctx context.Context, id string, message string, now time.Time) error {
	args := m.Called(ctx, id, message, now)
	return args.Error(0)
}

func (m *MockDataSource) FailQueueItem(ctx context.Context, id string, decide func(item *model.QueueItem) (*model.AuditEntry, error)) (*model.QueueItem, error) {
	args := m.Called(ctx, id, decide)
	var r0 *model.QueueItem
	if v := args.Get(0); v != nil {
		r0 = v.(*model.QueueItem)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) CancelQueueItem(ctx context.Context, id string, note string) error {
	args := m.Called(ctx, id, note)
	return args.Error(0)
}

func (m *MockDataSource) PrioritizeQueueItem(ctx context.Context, id string, priority int) error {
	args := m.Called(ctx, id, priority)
	return args.Error(0)
}

func (m *MockDataSource) ListQueueItems(ctx context.Context, status string, nodeID *int64, limit int, offset int) ([]model.QueueItem, error) {
	args := m.Called(ctx, status, nodeID, limit, offset)
	var r0 []model.QueueItem
	if v := args.Get(0); v != nil {
		r0 = v.([]model.QueueItem)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) ListRetrySchedule(ctx context.Context, nodeID *int64, now time.Time, limit int) ([]model.QueueItem, error) {
	args := m.Called(ctx, nodeID, now, limit)
	var r0 []model.QueueItem
	if v := args.Get(0); v != nil {
		r0 = v.([]model.QueueItem)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) GetQueueStatus(ctx context.Context, nodeID *int64, now time.Time) (*model.QueueStatusReport, error) {
	args := m.Called(ctx, nodeID, now)
	var r0 *model.QueueStatusReport
	if v := args.Get(0); v != nil {
		r0 = v.(*model.QueueStatusReport)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) CountPendingOlderThan(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) CleanupQueue(ctx context.Context, completedBefore time.Time, cancelledBefore time.Time) (model.QueueCleanupResult, error) {
	args := m.Called(ctx, completedBefore, cancelledBefore)
	return args.Get(0).(model.QueueCleanupResult), args.Error(1)
}

func (m *MockDataSource) RequeueStaleQueueItems(ctx context.Context, claimedBefore time.Time) (int64, error) {
	args := m.Called(ctx, claimedBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) UpsertWebhookEndpoint(ctx context.Context, endpoint *model.WebhookEndpoint) error {
	args := m.Called(ctx, endpoint)
	return args.Error(0)
}

func (m *MockDataSource) GetWebhookEndpoint(ctx context.Context, nodeID int64) (*model.WebhookEndpoint, error) {
	args := m.Called(ctx, nodeID)
	var r0 *model.WebhookEndpoint
	if v := args.Get(0); v != nil {
		r0 = v.(*model.WebhookEndpoint)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) ListWebhookEndpoints(ctx context.Context, activeOnly bool) ([]model.WebhookEndpoint, error) {
	args := m.Called(ctx, activeOnly)
	var r0 []model.WebhookEndpoint
	if v := args.Get(0); v != nil {
		r0 = v.([]model.WebhookEndpoint)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) SetWebhookEndpointActive(ctx context.Context, nodeID int64, active bool) error {
	args := m.Called(ctx, nodeID, active)
	return args.Error(0)
}

func (m *MockDataSource) InsertWebhookDelivery(ctx context.Context, delivery *model.WebhookDelivery) error {
	args := m.Called(ctx, delivery)
	return args.Error(0)
}

func (m *MockDataSource) UpdateWebhookDeliveryAttempt(ctx context.Context, delivery *model.WebhookDelivery) error {
	args := m.Called(ctx, delivery)
	return args.Error(0)
}

func (m *MockDataSource) GetWebhookDelivery(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error) {
	args := m.Called(ctx, deliveryID)
	var r0 *model.WebhookDelivery
	if v := args.Get(0); v != nil {
		r0 = v.(*model.WebhookDelivery)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) ListRetryableDeliveries(ctx context.Context, nodeID *int64, events []string, createdAfter time.Time, maxRetries int, limit int) ([]model.WebhookDelivery, error) {
	args := m.Called(ctx, nodeID, events, createdAfter, maxRetries, limit)
	var r0 []model.WebhookDelivery
	if v := args.Get(0); v != nil {
		r0 = v.([]model.WebhookDelivery)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) ListWebhookDeliveries(ctx context.Context, nodeID *int64, status string, limit int) ([]model.WebhookDelivery, error) {
	args := m.Called(ctx, nodeID, status, limit)
	var r0 []model.WebhookDelivery
	if v := args.Get(0); v != nil {
		r0 = v.([]model.WebhookDelivery)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) DeliveryStatsSince(ctx context.Context, since time.Time) ([]model.NodeDeliveryStats, error) {
	args := m.Called(ctx, since)
	var r0 []model.NodeDeliveryStats
	if v := args.Get(0); v != nil {
		r0 = v.([]model.NodeDeliveryStats)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) EndpointDeliveryStats(ctx context.Context, since time.Time) ([]model.EndpointHealth, error) {
	args := m.Called(ctx, since)
	var r0 []model.EndpointHealth
	if v := args.Get(0); v != nil {
		r0 = v.([]model.EndpointHealth)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) GetNode(ctx context.Context, id int64) (*model.Node, error) {
	args := m.Called(ctx, id)
	var r0 *model.Node
	if v := args.Get(0); v != nil {
		r0 = v.(*model.Node)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) ListNodes(ctx context.Context, mode model.NodeMode) ([]model.Node, error) {
	args := m.Called(ctx, mode)
	var r0 []model.Node
	if v := args.Get(0); v != nil {
		r0 = v.([]model.Node)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) UpsertNode(ctx context.Context, node *model.Node) error {
	args := m.Called(ctx, node)
	return args.Error(0)
}

func (m *MockDataSource) SetNodeMode(ctx context.Context, id int64, mode model.NodeMode) error {
	args := m.Called(ctx, id, mode)
	return args.Error(0)
}

func (m *MockDataSource) MarkNodeBackfilled(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockDataSource) ActivateSyncMode(ctx context.Context, id int64, audit *model.AuditEntry) error {
	args := m.Called(ctx, id, audit)
	return args.Error(0)
}

func (m *MockDataSource) GetWatermark(ctx context.Context, nodeID int64, category string) (*model.Watermark, error) {
	args := m.Called(ctx, nodeID, category)
	var r0 *model.Watermark
	if v := args.Get(0); v != nil {
		r0 = v.(*model.Watermark)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) AdvanceWatermark(ctx context.Context, nodeID int64, category string, to time.Time, status string, lastError string) error {
	args := m.Called(ctx, nodeID, category, to, status, lastError)
	return args.Error(0)
}

func (m *MockDataSource) RecordWatermarkFailure(ctx context.Context, nodeID int64, category string, lastError string) error {
	args := m.Called(ctx, nodeID, category, lastError)
	return args.Error(0)
}

func (m *MockDataSource) ListWatermarks(ctx context.Context, nodeID *int64) ([]model.Watermark, error) {
	args := m.Called(ctx, nodeID)
	var r0 []model.Watermark
	if v := args.Get(0); v != nil {
		r0 = v.([]model.Watermark)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) FetchChangedRecords(ctx context.Context, q database.RecordQuery) ([]map[string]interface{}, error) {
	args := m.Called(ctx, q)
	var r0 []map[string]interface{}
	if v := args.Get(0); v != nil {
		r0 = v.([]map[string]interface{})
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) RecordConflict(ctx context.Context, c *model.Conflict, window time.Duration) (bool, error) {
	args := m.Called(ctx, c, window)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	args := m.Called(ctx, id)
	var r0 *model.Conflict
	if v := args.Get(0); v != nil {
		r0 = v.(*model.Conflict)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.Conflict, error) {
	args := m.Called(ctx, filter)
	var r0 []model.Conflict
	if v := args.Get(0); v != nil {
		r0 = v.([]model.Conflict)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) CountConflicts(ctx context.Context, filter model.ConflictFilter) (int, error) {
	args := m.Called(ctx, filter)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) ConflictSummary(ctx context.Context) (*model.ConflictSummary, error) {
	args := m.Called(ctx)
	var r0 *model.ConflictSummary
	if v := args.Get(0); v != nil {
		r0 = v.(*model.ConflictSummary)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) CleanupConflicts(ctx context.Context, before time.Time, scope model.CleanupScope) (int64, error) {
	args := m.Called(ctx, before, scope)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) DetectConflicts(ctx context.Context, subtype model.ConflictSubtype, params database.DetectionParams) ([]model.Conflict, error) {
	args := m.Called(ctx, subtype, params)
	var r0 []model.Conflict
	if v := args.Get(0); v != nil {
		r0 = v.([]model.Conflict)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) WithDomainTx(ctx context.Context, fn func(database.DomainStore) error) error {
	args := m.Called(ctx, fn)
	if err := args.Error(0); err != nil {
		return err
	}
	if m.Store != nil {
		return fn(m.Store)
	}
	return nil
}

func (m *MockDataSource) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) ListAuditEntries(ctx context.Context, eventType string, since time.Time, limit int) ([]model.AuditEntry, error) {
	args := m.Called(ctx, eventType, since, limit)
	var r0 []model.AuditEntry
	if v := args.Get(0); v != nil {
		r0 = v.([]model.AuditEntry)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) InsertInboundEvent(ctx context.Context, deliveryID string, sourceNodeID int64, eventType string, payload json.RawMessage) (bool, error) {
	args := m.Called(ctx, deliveryID, sourceNodeID, eventType, payload)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) MarkInboundEventApplied(ctx context.Context, deliveryID string, at time.Time) error {
	args := m.Called(ctx, deliveryID, at)
	return args.Error(0)
}

func (m *MockDataSource) DeleteInboundEvent(ctx context.Context, deliveryID string) error {
	args := m.Called(ctx, deliveryID)
	return args.Error(0)
}

func (m *MockDataSource) InsertHealthSnapshot(ctx context.Context, report *model.HealthReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockDataSource) ListHealthSnapshots(ctx context.Context, limit int) ([]model.HealthReport, error) {
	args := m.Called(ctx, limit)
	var r0 []model.HealthReport
	if v := args.Get(0); v != nil {
		r0 = v.([]model.HealthReport)
	}
	return r0, args.Error(1)
}

func (m *MockDataSource) CleanupHealthSnapshots(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}
