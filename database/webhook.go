package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/internal/cache"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

// cachedEndpoint carries the secret, which model.WebhookEndpoint hides from JSON.
type cachedEndpoint struct {
	NodeID    int64
	URL       string
	Secret    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const deliveryColumns = `delivery_id, node_id, event_type, endpoint_url, payload, priority, status, status_code,
	response_time_ms, retry_count, created_at, delivered_at, COALESCE(error_message, '')`

func scanDelivery(row rowScanner) (model.WebhookDelivery, error) {
	var delivery model.WebhookDelivery
	var payload []byte
	var deliveredAt sql.NullTime
	err := row.Scan(&delivery.DeliveryID, &delivery.NodeID, &delivery.EventType, &delivery.EndpointURL, &payload,
		&delivery.Priority, &delivery.Status, &delivery.StatusCode, &delivery.ResponseTimeMs, &delivery.RetryCount,
		&delivery.CreatedAt, &deliveredAt, &delivery.ErrorMessage)
	delivery.Payload = payload
	delivery.DeliveredAt = timePtr(deliveredAt)
	return delivery, err
}

func scanDeliveries(rows *sql.Rows) ([]model.WebhookDelivery, error) {
	defer rows.Close()
	deliveries := []model.WebhookDelivery{}
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, rows.Err()
}

func (d Datasource) UpsertWebhookEndpoint(ctx context.Context, endpoint *model.WebhookEndpoint) error {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Upsert webhook endpoint")
	defer span.End()

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO replicator.webhook_endpoints (node_id, url, secret, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (node_id) DO UPDATE
		SET url = EXCLUDED.url, secret = EXCLUDED.secret, active = EXCLUDED.active, updated_at = NOW()
		RETURNING created_at, updated_at
	`, endpoint.NodeID, endpoint.URL, endpoint.Secret, endpoint.Active).Scan(&endpoint.CreatedAt, &endpoint.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to save webhook endpoint", err)
	}
	d.cacheDelete(ctx, cache.EndpointKey(endpoint.NodeID))
	return nil
}

// GetWebhookEndpoint returns the node's endpoint whether or not it is active.
func (d Datasource) GetWebhookEndpoint(ctx context.Context, nodeID int64) (*model.WebhookEndpoint, error) {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Fetch webhook endpoint")
	defer span.End()

	var cached cachedEndpoint
	d.cacheGet(ctx, cache.EndpointKey(nodeID), &cached)
	if cached.NodeID == nodeID && cached.URL != "" {
		endpoint := model.WebhookEndpoint(cached)
		return &endpoint, nil
	}

	var endpoint model.WebhookEndpoint
	err := d.Conn.QueryRowContext(ctx, `
		SELECT node_id, url, secret, active, created_at, updated_at
		FROM replicator.webhook_endpoints WHERE node_id = $1
	`, nodeID).Scan(&endpoint.NodeID, &endpoint.URL, &endpoint.Secret, &endpoint.Active, &endpoint.CreatedAt, &endpoint.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no webhook endpoint registered for node %d", nodeID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch webhook endpoint", err)
	}
	d.cacheSet(ctx, cache.EndpointKey(nodeID), cachedEndpoint(endpoint))
	return &endpoint, nil
}

func (d Datasource) ListWebhookEndpoints(ctx context.Context, activeOnly bool) ([]model.WebhookEndpoint, error) {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "List webhook endpoints")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT node_id, url, secret, active, created_at, updated_at
		FROM replicator.webhook_endpoints
		WHERE (NOT $1 OR active)
		ORDER BY node_id
	`, activeOnly)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list webhook endpoints", err)
	}
	defer rows.Close()

	endpoints := []model.WebhookEndpoint{}
	for rows.Next() {
		var endpoint model.WebhookEndpoint
		if err := rows.Scan(&endpoint.NodeID, &endpoint.URL, &endpoint.Secret, &endpoint.Active, &endpoint.CreatedAt, &endpoint.UpdatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan webhook endpoint", err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, rows.Err()
}

func (d Datasource) SetWebhookEndpointActive(ctx context.Context, nodeID int64, active bool) error {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Toggle webhook endpoint")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `UPDATE replicator.webhook_endpoints SET active = $2, updated_at = NOW() WHERE node_id = $1`, nodeID, active)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update webhook endpoint", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no webhook endpoint registered for node %d", nodeID), nil)
	}
	d.cacheDelete(ctx, cache.EndpointKey(nodeID))
	return nil
}

func (d Datasource) InsertWebhookDelivery(ctx context.Context, delivery *model.WebhookDelivery) error {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Record webhook delivery")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO replicator.webhook_deliveries (
			delivery_id, node_id, event_type, endpoint_url, payload, priority, status, status_code,
			response_time_ms, retry_count, created_at, last_attempt_at, delivered_at, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $12, $13)
	`, delivery.DeliveryID, delivery.NodeID, delivery.EventType, delivery.EndpointURL, []byte(delivery.Payload),
		delivery.Priority, delivery.Status, delivery.StatusCode, delivery.ResponseTimeMs, delivery.RetryCount,
		delivery.CreatedAt, delivery.DeliveredAt, nullString(delivery.ErrorMessage))
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "delivery already recorded", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to record webhook delivery", err)
	}
	return nil
}

// UpdateWebhookDeliveryAttempt overwrites the outcome of an existing delivery row after a retry.
func (d Datasource) UpdateWebhookDeliveryAttempt(ctx context.Context, delivery *model.WebhookDelivery) error {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Update webhook delivery")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE replicator.webhook_deliveries
		SET status = $2, status_code = $3, response_time_ms = $4, retry_count = $5,
			delivered_at = $6, error_message = $7, endpoint_url = $8, last_attempt_at = NOW()
		WHERE delivery_id = $1
	`, delivery.DeliveryID, delivery.Status, delivery.StatusCode, delivery.ResponseTimeMs, delivery.RetryCount,
		delivery.DeliveredAt, nullString(delivery.ErrorMessage), delivery.EndpointURL)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update webhook delivery", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("delivery '%s' not found", delivery.DeliveryID), nil)
	}
	return nil
}

func (d Datasource) GetWebhookDelivery(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error) {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Fetch webhook delivery")
	defer span.End()

	delivery, err := scanDelivery(d.Conn.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM replicator.webhook_deliveries WHERE delivery_id = $1`, deliveryID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("delivery '%s' not found", deliveryID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch webhook delivery", err)
	}
	return &delivery, nil
}

// ListRetryableDeliveries selects failed deliveries of the given event types
// created after createdAfter that are still under the retry ceiling, oldest first.
func (d Datasource) ListRetryableDeliveries(ctx context.Context, nodeID *int64, events []string, createdAfter time.Time, maxRetries, limit int) ([]model.WebhookDelivery, error) {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "List retryable deliveries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM replicator.webhook_deliveries
		WHERE status = 'failed' AND retry_count < $1 AND created_at >= $2
			AND ($3::BIGINT IS NULL OR node_id = $3)
			AND event_type = ANY($5)
		ORDER BY created_at ASC
		LIMIT $4
	`, maxRetries, createdAfter, nullInt64(nodeID), limit, pq.Array(events))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list retryable deliveries", err)
	}
	return scanDeliveries(rows)
}

func (d Datasource) ListWebhookDeliveries(ctx context.Context, nodeID *int64, status string, limit int) ([]model.WebhookDelivery, error) {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "List webhook deliveries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM replicator.webhook_deliveries
		WHERE ($1::BIGINT IS NULL OR node_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullInt64(nodeID), status, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list webhook deliveries", err)
	}
	return scanDeliveries(rows)
}

// DeliveryStatsSince counts delivered and failed rows per node.
func (d Datasource) DeliveryStatsSince(ctx context.Context, since time.Time) ([]model.NodeDeliveryStats, error) {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Delivery stats")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT node_id,
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM replicator.webhook_deliveries
		WHERE created_at >= $1
		GROUP BY node_id
		ORDER BY node_id
	`, since)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to aggregate deliveries", err)
	}
	defer rows.Close()

	stats := []model.NodeDeliveryStats{}
	for rows.Next() {
		var s model.NodeDeliveryStats
		if err := rows.Scan(&s.NodeID, &s.Delivered, &s.Failed); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan delivery stats", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// EndpointDeliveryStats aggregates traffic per registered endpoint; endpoints without
// traffic are returned with zero counts.
func (d Datasource) EndpointDeliveryStats(ctx context.Context, since time.Time) ([]model.EndpointHealth, error) {
	ctx, span := otel.Tracer("Webhook").Start(ctx, "Endpoint delivery stats")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT e.node_id, e.url, e.active,
			COUNT(w.delivery_id),
			COUNT(w.delivery_id) FILTER (WHERE w.status = 'delivered'),
			COUNT(w.delivery_id) FILTER (WHERE w.status = 'failed'),
			COALESCE(AVG(w.response_time_ms), 0)
		FROM replicator.webhook_endpoints e
		LEFT JOIN replicator.webhook_deliveries w ON w.node_id = e.node_id AND w.created_at >= $1
		GROUP BY e.node_id, e.url, e.active
		ORDER BY e.node_id
	`, since)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to aggregate endpoint deliveries", err)
	}
	defer rows.Close()

	health := []model.EndpointHealth{}
	for rows.Next() {
		var h model.EndpointHealth
		if err := rows.Scan(&h.NodeID, &h.URL, &h.Active, &h.Total, &h.Delivered, &h.Failed, &h.AvgResponseTimeMs); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan endpoint stats", err)
		}
		health = append(health, h)
	}
	return health, rows.Err()
}
