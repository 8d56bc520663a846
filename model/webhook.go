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
	"encoding/json"
	"time"
)

const (
	EventSaleNotification = "sale_notification"
	EventStockAdjustment  = "stock_adjustment"
	EventCustomerUpdate   = "customer_update"
	EventPriceUpdate      = "price_update"
	EventDebtUpdate       = "debt_update"
	EventEndpointTest     = "endpoint_test"
	EventDataSync         = "data_sync"
	EventFullSync         = "full_sync"
)

// RedeliverableEvents are retried from the delivery log. Events sent for a
// sync queue item are retried by the queue instead.
var RedeliverableEvents = []string{EventDataSync, EventFullSync}

const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// WebhookEndpoint is the registered delivery target of a SYNC node.
type WebhookEndpoint struct {
	NodeID    int64     `json:"node_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookDelivery records one logical delivery and its retries.
type WebhookDelivery struct {
	DeliveryID     string          `json:"delivery_id"`
	NodeID         int64           `json:"node_id"`
	EventType      string          `json:"event_type"`
	EndpointURL    string          `json:"endpoint_url"`
	Payload        json.RawMessage `json:"payload"`
	Priority       string          `json:"priority"`
	Status         string          `json:"status"`
	StatusCode     int             `json:"status_code"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// WebhookEnvelope is the signed JSON body sent to a node.
type WebhookEnvelope struct {
	EventType  string          `json:"event_type"`
	NodeID     int64           `json:"node_id"`
	Timestamp  int64           `json:"timestamp"`
	DeliveryID string          `json:"delivery_id"`
	Data       json.RawMessage `json:"data"`
}

type EndpointHealth struct {
	NodeID            int64   `json:"node_id"`
	URL               string  `json:"url"`
	Active            bool    `json:"active"`
	Total             int     `json:"total"`
	Delivered         int     `json:"delivered"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	Health            string  `json:"health"`
}

type NodeDeliveryStats struct {
	NodeID    int64 `json:"node_id"`
	Delivered int   `json:"delivered"`
	Failed    int   `json:"failed"`
}

type WebhookStatus struct {
	Since     time.Time           `json:"since"`
	Nodes     []NodeDeliveryStats `json:"nodes"`
	Endpoints []WebhookEndpoint   `json:"endpoints"`
}

type RetrySummary struct {
	Selected  int              `json:"selected"`
	Delivered int              `json:"delivered"`
	Failed    int              `json:"failed"`
	Results   []DeliveryResult `json:"results"`
}

// EndpointHealthLabel buckets a success rate; total == 0 means no traffic.
func EndpointHealthLabel(total int, successRate float64) string {
	switch {
	case total == 0:
		return "unknown"
	case successRate >= 95:
		return "healthy"
	case successRate >= 80:
		return "warning"
	default:
		return "unhealthy"
	}
}
