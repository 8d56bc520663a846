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

import "time"

type ConflictCategory string

const (
	ConflictCategoryStock   ConflictCategory = "stock"
	ConflictCategoryInvoice ConflictCategory = "invoice"
	ConflictCategoryData    ConflictCategory = "data"
	ConflictCategorySync    ConflictCategory = "sync"
)

var ConflictCategories = []ConflictCategory{
	ConflictCategoryStock,
	ConflictCategoryInvoice,
	ConflictCategoryData,
	ConflictCategorySync,
}

func (c ConflictCategory) Valid() bool {
	for _, category := range ConflictCategories {
		if category == c {
			return true
		}
	}
	return false
}

type ConflictSubtype string

const (
	SubtypeNegativeStock          ConflictSubtype = "negative_stock"
	SubtypeExpiredReservation     ConflictSubtype = "expired_reservation"
	SubtypeInsufficientReserved   ConflictSubtype = "insufficient_reserved_stock"
	SubtypeCustomerPointsMismatch ConflictSubtype = "customer_points_mismatch"
	SubtypeCustomerDebtMismatch   ConflictSubtype = "customer_debt_mismatch"
	SubtypeOfflineSaleSyncFailure ConflictSubtype = "offline_sale_sync_failure"
	SubtypeDuplicateInvoiceNumber ConflictSubtype = "duplicate_invoice_number"
	SubtypeSyncQueueStuck         ConflictSubtype = "sync_queue_stuck"
	SubtypeSyncMetadataOutdated   ConflictSubtype = "sync_metadata_outdated"
	SubtypeDeliveryRejected       ConflictSubtype = "delivery_rejected"
)

// ConflictSubtypes maps each subtype to the category it is recorded under.
var ConflictSubtypes = map[ConflictSubtype]ConflictCategory{
	SubtypeNegativeStock:          ConflictCategoryStock,
	SubtypeExpiredReservation:     ConflictCategoryStock,
	SubtypeInsufficientReserved:   ConflictCategoryStock,
	SubtypeCustomerPointsMismatch: ConflictCategoryData,
	SubtypeCustomerDebtMismatch:   ConflictCategoryData,
	SubtypeOfflineSaleSyncFailure: ConflictCategoryInvoice,
	SubtypeDuplicateInvoiceNumber: ConflictCategoryInvoice,
	SubtypeSyncQueueStuck:         ConflictCategorySync,
	SubtypeSyncMetadataOutdated:   ConflictCategorySync,
	SubtypeDeliveryRejected:       ConflictCategorySync,
}

// Scanned reports whether the subtype is found by a detection scan. A
// rejected delivery is recorded by the queue worker when a node answers 409.
func (s ConflictSubtype) Scanned() bool {
	return s != SubtypeDeliveryRejected
}

type ConflictPriority string

const (
	PriorityCritical ConflictPriority = "critical"
	PriorityHigh     ConflictPriority = "high"
	PriorityMedium   ConflictPriority = "medium"
	PriorityLow      ConflictPriority = "low"
)

type ConflictStatus string

const (
	ConflictPending        ConflictStatus = "pending"
	ConflictAutoResolved   ConflictStatus = "auto_resolved"
	ConflictManualResolved ConflictStatus = "manual_resolved"
	ConflictEscalated      ConflictStatus = "escalated"
	ConflictIgnored        ConflictStatus = "ignored"
)

// Conflict is a detected inconsistency. A nil NodeID marks a centrally owned entity.
type Conflict struct {
	ID          string                 `json:"id"`
	Category    ConflictCategory       `json:"category"`
	Subtype     ConflictSubtype        `json:"subtype"`
	NodeID      *int64                 `json:"node_id"`
	EntityTable string                 `json:"entity_table"`
	EntityID    string                 `json:"entity_id"`
	Priority    ConflictPriority       `json:"priority"`
	Details     map[string]interface{} `json:"details"`
	Status      ConflictStatus         `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy  string                 `json:"resolved_by,omitempty"`
	Notes       string                 `json:"notes,omitempty"`
}

type ConflictFilter struct {
	Category  string
	Subtype   string
	Status    string
	Priority  string
	NodeID    *int64
	OlderThan *time.Time
	NewerThan *time.Time
	Limit     int
	Offset    int
}

type ConflictSummary struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
}

type DetectionResult struct {
	Checked  []ConflictCategory `json:"checked"`
	Detected int                `json:"detected"`
	Recorded int                `json:"recorded"`
	Errors   []string           `json:"errors,omitempty"`
}

type ResolutionStrategy string

const (
	StrategyAcceptServer ResolutionStrategy = "accept_server"
	StrategyAcceptStore  ResolutionStrategy = "accept_store"
	StrategyMerge        ResolutionStrategy = "merge"
	StrategyCustomFix    ResolutionStrategy = "custom_fix"
	StrategyEscalate     ResolutionStrategy = "escalate"
	StrategyIgnore       ResolutionStrategy = "ignore"
)

var ResolutionStrategies = []ResolutionStrategy{
	StrategyAcceptServer,
	StrategyAcceptStore,
	StrategyMerge,
	StrategyCustomFix,
	StrategyEscalate,
	StrategyIgnore,
}

type ResolutionResult struct {
	ConflictID string         `json:"conflict_id"`
	Resolved   bool           `json:"resolved"`
	Status     ConflictStatus `json:"status"`
	Action     string         `json:"action,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type CleanupScope string

const (
	CleanupResolved CleanupScope = "resolved"
	CleanupAllOld   CleanupScope = "all_old"
)
