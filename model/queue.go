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
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// QueueKind is the operation a queue item replicates.
type QueueKind string

const (
	KindSale            QueueKind = "sale"
	KindStockUpdate     QueueKind = "stock-update"
	KindCustomerUpdate  QueueKind = "customer-update"
	KindPriceUpdate     QueueKind = "price-update"
	KindDebtPayment     QueueKind = "debt-payment"
	KindWebhookReceived QueueKind = "webhook-received"
	KindHealthCheck     QueueKind = "health-check"
)

// QueueKinds lists every kind a handler registry must cover.
var QueueKinds = []QueueKind{
	KindSale,
	KindStockUpdate,
	KindCustomerUpdate,
	KindPriceUpdate,
	KindDebtPayment,
	KindWebhookReceived,
	KindHealthCheck,
}

func (k QueueKind) Valid() bool {
	for _, kind := range QueueKinds {
		if kind == k {
			return true
		}
	}
	return false
}

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// QueueItem is one unit of replicated work aimed at a single node.
type QueueItem struct {
	ID          string          `json:"id"`
	NodeID      int64           `json:"node_id"`
	Kind        QueueKind       `json:"kind"`
	EntityTable string          `json:"entity_table,omitempty"`
	RecordID    string          `json:"record_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      QueueStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	DedupeHash  string          `json:"dedupe_hash"`
}

// IsTerminal reports whether no further automatic transition is possible.
func (q *QueueItem) IsTerminal() bool {
	switch q.Status {
	case QueueStatusCompleted, QueueStatusCancelled:
		return true
	case QueueStatusFailed:
		return q.Attempts >= q.MaxAttempts || q.ErrorKind.Final()
	}
	return false
}

// Claimable mirrors the dequeue predicate for a single item.
func (q *QueueItem) Claimable(now time.Time) bool {
	if q.Status != QueueStatusPending && q.Status != QueueStatusFailed {
		return false
	}
	if q.ErrorKind.Final() {
		return false
	}
	return q.Attempts < q.MaxAttempts && !q.ScheduledAt.After(now)
}

// EnqueueRequest carries everything needed to create a queue item.
type EnqueueRequest struct {
	Kind        QueueKind       `json:"kind"`
	NodeID      int64           `json:"node_id"`
	EntityTable string          `json:"entity_table,omitempty"`
	RecordID    string          `json:"record_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
}

// DedupeHash digests the operation kind and payload bytes.
func DedupeHash(kind QueueKind, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

type QueueStatusReport struct {
	NodeID                  *int64         `json:"node_id,omitempty"`
	ByStatus                map[string]int `json:"by_status"`
	ByKind                  map[string]int `json:"by_kind"`
	OldestPendingAt         *time.Time     `json:"oldest_pending_at,omitempty"`
	OldestPendingAgeSeconds float64        `json:"oldest_pending_age_seconds"`
	AverageAttempts         float64        `json:"average_attempts"`
}

type QueueCleanupResult struct {
	CompletedRemoved int64 `json:"completed_removed"`
	CancelledRemoved int64 `json:"cancelled_removed"`
}

// QueueItemOutcome is the result of running one claimed item.
type QueueItemOutcome struct {
	ItemID    string    `json:"item_id"`
	NodeID    int64     `json:"node_id"`
	Kind      QueueKind `json:"kind"`
	Success   bool      `json:"success"`
	Retried   bool      `json:"retried"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type QueueBatchResult struct {
	Claimed   int                `json:"claimed"`
	Completed int                `json:"completed"`
	Retried   int                `json:"retried"`
	Failed    int                `json:"failed"`
	Conflicts int                `json:"conflicts"`
	Outcomes  []QueueItemOutcome `json:"outcomes"`
}
