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

package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/storesync/replicator/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	syncQueue // Interface for the durable work queue
	webhook   // Interface for endpoints and delivery records
	node      // Interface for the node registry
	watermark // Interface for distribution watermarks
	records   // Interface for reading changed domain rows
	conflict  // Interface for conflict records and detection
	domain    // Interface for transactional conflict resolution
	audit     // Interface for the append-only audit log
	inbound   // Interface for received webhook events
	health    // Interface for health snapshots
	Ping(ctx context.Context) error
}

// syncQueue defines methods for handling queue items.
type syncQueue interface {
	EnqueueQueueItem(ctx context.Context, item *model.QueueItem, maxPending int, dedupeWindow time.Duration) (string, bool, error)         // Inserts an item or returns the pending duplicate
	ClaimQueueItems(ctx context.Context, nodeID *int64, limit int, now time.Time) ([]model.QueueItem, error)                               // Atomically moves due items to processing
	GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error)                                                                 // Retrieves an item by ID
	CompleteQueueItem(ctx context.Context, id, message string, now time.Time) error                                                        // Marks a processing item completed
	FailQueueItem(ctx context.Context, id string, decide func(item *model.QueueItem) (*model.AuditEntry, error)) (*model.QueueItem, error) // Applies a failure decision under a row lock
	CancelQueueItem(ctx context.Context, id, note string) error                                                                            // Cancels a pending or failed item
	PrioritizeQueueItem(ctx context.Context, id string, priority int) error                                                                // Changes the priority of a pending or failed item
	ListQueueItems(ctx context.Context, status string, nodeID *int64, limit, offset int) ([]model.QueueItem, error)                        // Lists items by status and node
	ListRetrySchedule(ctx context.Context, nodeID *int64, now time.Time, limit int) ([]model.QueueItem, error)                             // Lists pending items waiting for their next attempt
	GetQueueStatus(ctx context.Context, nodeID *int64, now time.Time) (*model.QueueStatusReport, error)                                    // Aggregates queue counts
	CountPendingOlderThan(ctx context.Context, before time.Time) (int, error)                                                              // Counts pending items created before a cutoff
	CleanupQueue(ctx context.Context, completedBefore, cancelledBefore time.Time) (model.QueueCleanupResult, error)                        // Purges old completed and cancelled items
	RequeueStaleQueueItems(ctx context.Context, claimedBefore time.Time) (int64, error)                                                    // Returns abandoned processing items to pending
}

// webhook defines methods for handling endpoints and deliveries.
type webhook interface {
	UpsertWebhookEndpoint(ctx context.Context, endpoint *model.WebhookEndpoint) error                                                           // Creates or replaces a node's endpoint
	GetWebhookEndpoint(ctx context.Context, nodeID int64) (*model.WebhookEndpoint, error)                                                       // Retrieves a node's endpoint
	ListWebhookEndpoints(ctx context.Context, activeOnly bool) ([]model.WebhookEndpoint, error)                                                 // Lists endpoints
	SetWebhookEndpointActive(ctx context.Context, nodeID int64, active bool) error                                                              // Activates or deactivates an endpoint
	InsertWebhookDelivery(ctx context.Context, delivery *model.WebhookDelivery) error                                                           // Records a first delivery attempt
	UpdateWebhookDeliveryAttempt(ctx context.Context, delivery *model.WebhookDelivery) error                                                    // Records a retry on the same row
	GetWebhookDelivery(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error)                                                  // Retrieves a delivery by ID
	ListRetryableDeliveries(ctx context.Context, nodeID *int64, events []string, createdAfter time.Time, maxRetries, limit int) ([]model.WebhookDelivery, error) // Lists failed deliveries under the retry ceiling
	ListWebhookDeliveries(ctx context.Context, nodeID *int64, status string, limit int) ([]model.WebhookDelivery, error)                        // Lists recent deliveries
	DeliveryStatsSince(ctx context.Context, since time.Time) ([]model.NodeDeliveryStats, error)                                                 // Counts outcomes per node
	EndpointDeliveryStats(ctx context.Context, since time.Time) ([]model.EndpointHealth, error)                                                 // Aggregates outcomes per endpoint
}

// node defines methods for handling the node registry.
type node interface {
	GetNode(ctx context.Context, id int64) (*model.Node, error)                    // Retrieves a node by ID
	ListNodes(ctx context.Context, mode model.NodeMode) ([]model.Node, error)      // Lists nodes, optionally by mode
	UpsertNode(ctx context.Context, node *model.Node) error                        // Creates or renames a node
	SetNodeMode(ctx context.Context, id int64, mode model.NodeMode) error          // Changes a node's mode
	MarkNodeBackfilled(ctx context.Context, id int64, at time.Time) error          // Records a completed backfill
	ActivateSyncMode(ctx context.Context, id int64, audit *model.AuditEntry) error // Activates the endpoint and flips to SYNC atomically
}

// watermark defines methods for handling distribution watermarks.
type watermark interface {
	GetWatermark(ctx context.Context, nodeID int64, category string) (*model.Watermark, error)                         // Retrieves a watermark
	AdvanceWatermark(ctx context.Context, nodeID int64, category string, to time.Time, status, lastError string) error // Moves a watermark forward
	RecordWatermarkFailure(ctx context.Context, nodeID int64, category, lastError string) error                        // Records a failed run
	ListWatermarks(ctx context.Context, nodeID *int64) ([]model.Watermark, error)                                      // Lists watermarks
}

// records defines methods for reading domain rows.
type records interface {
	FetchChangedRecords(ctx context.Context, q RecordQuery) ([]map[string]interface{}, error) // Reads a page of changed rows
}

// conflict defines methods for handling conflict records.
type conflict interface {
	RecordConflict(ctx context.Context, c *model.Conflict, window time.Duration) (bool, error)                            // Persists a conflict unless deduplicated
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)                                                  // Retrieves a conflict by ID
	ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.Conflict, error)                             // Lists conflicts by filter
	CountConflicts(ctx context.Context, filter model.ConflictFilter) (int, error)                                         // Counts conflicts by filter
	ConflictSummary(ctx context.Context) (*model.ConflictSummary, error)                                                  // Aggregates conflicts
	CleanupConflicts(ctx context.Context, before time.Time, scope model.CleanupScope) (int64, error)                      // Deletes aged conflicts
	DetectConflicts(ctx context.Context, subtype model.ConflictSubtype, params DetectionParams) ([]model.Conflict, error) // Scans the domain store for one subtype
}

// domain defines the transactional entry point for resolutions.
type domain interface {
	WithDomainTx(ctx context.Context, fn func(DomainStore) error) error // Runs fn in a SERIALIZABLE transaction
}

// audit defines methods for the audit log.
type audit interface {
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error                                            // Appends an entry
	ListAuditEntries(ctx context.Context, eventType string, since time.Time, limit int) ([]model.AuditEntry, error) // Lists entries newest first
}

// inbound defines methods for received webhook events.
type inbound interface {
	InsertInboundEvent(ctx context.Context, deliveryID string, sourceNodeID int64, eventType string, payload json.RawMessage) (bool, error) // Records an event once
	MarkInboundEventApplied(ctx context.Context, deliveryID string, at time.Time) error                                                     // Marks an event applied
	DeleteInboundEvent(ctx context.Context, deliveryID string) error                                                                        // Forgets an unapplied event
}

// health defines methods for health snapshots.
type health interface {
	InsertHealthSnapshot(ctx context.Context, report *model.HealthReport) error       // Stores a report
	ListHealthSnapshots(ctx context.Context, limit int) ([]model.HealthReport, error) // Lists recent reports
	CleanupHealthSnapshots(ctx context.Context, before time.Time) (int64, error)      // Deletes old reports
}
