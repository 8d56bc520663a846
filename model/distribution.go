package model

import (
	"encoding/json"
	"time"
)

// Freshness groups categories by how often they must reach SYNC nodes.
type Freshness string

const (
	FreshnessRealtime     Freshness = "realtime"
	FreshnessNearRealtime Freshness = "near_realtime"
	FreshnessDaily        Freshness = "daily"
)

// ExpectedInterval is the gap between two scheduled distributions of a
// category. Realtime and near-realtime categories are pushed continuously.
func (f Freshness) ExpectedInterval() time.Duration {
	if f == FreshnessDaily {
		return 24 * time.Hour
	}
	return 0
}

type DistributionRequest struct {
	Category    string  `json:"category"`
	TargetNodes []int64 `json:"target_nodes,omitempty"`
	Priority    string  `json:"priority"`
	ForceUpdate bool    `json:"force_update"`
}

// RecordBatch is a page of changed rows for one category.
type RecordBatch struct {
	Category string                   `json:"category"`
	Records  []map[string]interface{} `json:"records"`
	Since    time.Time                `json:"since"`
	Until    time.Time                `json:"until"`
}

func (b RecordBatch) Payload() (json.RawMessage, error) {
	return json.Marshal(b)
}

type NodeDeliveryOutcome struct {
	NodeID int64          `json:"node_id"`
	Result DeliveryResult `json:"result"`
}

// DistributionResult reports one category run across its targets.
type DistributionResult struct {
	Category            string                `json:"category"`
	RecordCount         int                   `json:"record_count"`
	Targets             []int64               `json:"targets"`
	SkippedDirect       []int64               `json:"skipped_direct,omitempty"`
	SkippedNoEndpoint   []int64               `json:"skipped_no_endpoint,omitempty"`
	Deliveries          []NodeDeliveryOutcome `json:"deliveries"`
	Succeeded           int                   `json:"succeeded"`
	Failed              int                   `json:"failed"`
	WatermarkAdvancedTo *time.Time            `json:"watermark_advanced_to,omitempty"`
	Error               string                `json:"error,omitempty"`
}

type DistributionQueueStatus struct {
	Queue      QueueStatusReport `json:"queue"`
	Watermarks []Watermark       `json:"watermarks"`
}

type DistributionStatistics struct {
	Since               time.Time           `json:"since"`
	Deliveries          []NodeDeliveryStats `json:"deliveries"`
	WatermarkAgeSeconds map[string]float64  `json:"watermark_age_seconds"`
}

type NodeHealth struct {
	NodeID          int64    `json:"node_id"`
	Mode            NodeMode `json:"mode"`
	Reachable       bool     `json:"reachable"`
	StaleCategories []string `json:"stale_categories,omitempty"`
	FailureRatio    float64  `json:"failure_ratio"`
	Status          string   `json:"status"`
}

type EmergencySyncType string

const (
	EmergencyCriticalData EmergencySyncType = "critical_data"
	EmergencyStockOnly    EmergencySyncType = "stock_only"
	EmergencyFull         EmergencySyncType = "full"
)
