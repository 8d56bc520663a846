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
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

// DetectionParams carries the thresholds every detector reads. Zero cutoffs are
// filled from Now by the caller.
type DetectionParams struct {
	Now               time.Time
	PointsTolerance   float64
	OfflineSaleCutoff time.Time
	DuplicateSince    time.Time
	StuckBefore       time.Time

	// A watermark is outdated once it is older than its category's expected
	// interval plus WatermarkGrace. Categories missing from WatermarkIntervals
	// get the grace alone.
	WatermarkIntervals map[string]time.Duration
	WatermarkGrace     time.Duration
	Limit              int
}

type detector func(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error)

var detectors = map[model.ConflictSubtype]detector{
	model.SubtypeNegativeStock:          detectNegativeStock,
	model.SubtypeExpiredReservation:     detectExpiredReservations,
	model.SubtypeInsufficientReserved:   detectInsufficientReserved,
	model.SubtypeCustomerPointsMismatch: detectPointsMismatch,
	model.SubtypeCustomerDebtMismatch:   detectDebtMismatch,
	model.SubtypeOfflineSaleSyncFailure: detectOfflineSaleFailures,
	model.SubtypeDuplicateInvoiceNumber: detectDuplicateInvoices,
	model.SubtypeSyncQueueStuck:         detectStuckQueueItems,
	model.SubtypeSyncMetadataOutdated:   detectOutdatedWatermarks,
}

// DetectConflicts runs the query for one subtype and returns unsaved candidates.
// Priority is left for the caller to assign.
func (d Datasource) DetectConflicts(ctx context.Context, subtype model.ConflictSubtype, params DetectionParams) ([]model.Conflict, error) {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "Detect conflicts")
	defer span.End()

	detect, ok := detectors[subtype]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("no detector for subtype %q", subtype), nil)
	}
	if params.Limit <= 0 {
		params.Limit = 100
	}
	conflicts, err := detect(ctx, d, params)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("failed to detect %s", subtype), err)
	}
	return conflicts, nil
}

func candidate(subtype model.ConflictSubtype, nodeID *int64, table, entityID string, now time.Time, details map[string]interface{}) model.Conflict {
	return model.Conflict{
		ID:          model.GenerateUUIDWithSuffix("conflict"),
		Category:    model.ConflictSubtypes[subtype],
		Subtype:     subtype,
		NodeID:      nodeID,
		EntityTable: table,
		EntityID:    entityID,
		Details:     details,
		Status:      model.ConflictPending,
		CreatedAt:   now,
	}
}

func collect(rows *sql.Rows, scan func() (model.Conflict, error)) ([]model.Conflict, error) {
	defer rows.Close()
	conflicts := []model.Conflict{}
	for rows.Next() {
		c, err := scan()
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func detectNegativeStock(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, store_id, product_id, quantity::TEXT
		FROM store_stock
		WHERE quantity < 0
		ORDER BY quantity ASC
		LIMIT $1
	`, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var id, storeID, productID int64
		var quantity string
		if err := rows.Scan(&id, &storeID, &productID, &quantity); err != nil {
			return model.Conflict{}, err
		}
		return candidate(model.SubtypeNegativeStock, &storeID, "store_stock", strconv.FormatInt(id, 10), p.Now, map[string]interface{}{
			"stock_id":   id,
			"product_id": productID,
			"quantity":   quantity,
		}), nil
	})
}

func detectExpiredReservations(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT r.id, r.store_id, r.product_id, r.quantity::TEXT, r.expires_at,
			COALESCE((s.quantity - s.reserved_quantity)::TEXT, '0')
		FROM stock_reservations r
		LEFT JOIN store_stock s ON s.store_id = r.store_id AND s.product_id = r.product_id
		WHERE r.status = 'active' AND r.expires_at < $1
		ORDER BY r.expires_at ASC
		LIMIT $2
	`, p.Now, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var id, storeID, productID int64
		var quantity, available string
		var expiresAt time.Time
		if err := rows.Scan(&id, &storeID, &productID, &quantity, &expiresAt, &available); err != nil {
			return model.Conflict{}, err
		}
		return candidate(model.SubtypeExpiredReservation, &storeID, "stock_reservations", strconv.FormatInt(id, 10), p.Now, map[string]interface{}{
			"reservation_id": id,
			"product_id":     productID,
			"quantity":       quantity,
			"available":      available,
			"expires_at":     expiresAt.UTC().Format(time.RFC3339),
		}), nil
	})
}

func detectInsufficientReserved(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT r.id, r.store_id, r.product_id, r.quantity::TEXT, s.quantity::TEXT, s.reserved_quantity::TEXT
		FROM stock_reservations r
		JOIN store_stock s ON s.store_id = r.store_id AND s.product_id = r.product_id
		WHERE r.status = 'active' AND r.expires_at >= $1 AND s.reserved_quantity > s.quantity
		LIMIT $2
	`, p.Now, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var id, storeID, productID int64
		var quantity, onHand, reserved string
		if err := rows.Scan(&id, &storeID, &productID, &quantity, &onHand, &reserved); err != nil {
			return model.Conflict{}, err
		}
		return candidate(model.SubtypeInsufficientReserved, &storeID, "stock_reservations", strconv.FormatInt(id, 10), p.Now, map[string]interface{}{
			"reservation_id": id,
			"product_id":     productID,
			"quantity":       quantity,
			"on_hand":        onHand,
			"reserved":       reserved,
		}), nil
	})
}

func detectPointsMismatch(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT c.id, c.points::TEXT, calc.points::TEXT
		FROM customers c
		JOIN LATERAL (
			SELECT COALESCE(SUM(CASE WHEN h.type = 'earned' THEN h.points WHEN h.type = 'spent' THEN -h.points ELSE 0 END), 0) AS points
			FROM customer_points_history h
			WHERE h.customer_id = c.id
		) calc ON TRUE
		WHERE ABS(c.points - calc.points) > $1
		LIMIT $2
	`, p.PointsTolerance, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var id int64
		var recorded, calculated string
		if err := rows.Scan(&id, &recorded, &calculated); err != nil {
			return model.Conflict{}, err
		}
		return candidate(model.SubtypeCustomerPointsMismatch, nil, "customers", strconv.FormatInt(id, 10), p.Now, map[string]interface{}{
			"customer_id":       id,
			"recorded_points":   recorded,
			"calculated_points": calculated,
		}), nil
	})
}

func detectDebtMismatch(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT d.id, d.customer_id, d.total_amount::TEXT, d.discount_amount::TEXT, paid.amount::TEXT,
			d.remaining_amount::TEXT, (d.total_amount - d.discount_amount - paid.amount)::TEXT, d.is_paid
		FROM customer_debts d
		JOIN LATERAL (
			SELECT COALESCE(SUM(amount), 0) AS amount FROM debt_payments WHERE debt_id = d.id
		) paid ON TRUE
		WHERE ABS(d.remaining_amount - (d.total_amount - d.discount_amount - paid.amount)) > 0.01
			OR (d.is_paid AND d.remaining_amount <> 0)
			OR (NOT d.is_paid AND d.total_amount - d.discount_amount - paid.amount <= 0)
		LIMIT $1
	`, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var id, customerID int64
		var total, discount, paid, recorded, calculated string
		var isPaid bool
		if err := rows.Scan(&id, &customerID, &total, &discount, &paid, &recorded, &calculated, &isPaid); err != nil {
			return model.Conflict{}, err
		}
		return candidate(model.SubtypeCustomerDebtMismatch, nil, "customer_debts", strconv.FormatInt(id, 10), p.Now, map[string]interface{}{
			"debt_id":              id,
			"customer_id":          customerID,
			"total_amount":         total,
			"discount_amount":      discount,
			"paid_amount":          paid,
			"recorded_remaining":   recorded,
			"calculated_remaining": calculated,
			"is_paid":              isPaid,
		}), nil
	})
}

func detectOfflineSaleFailures(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, store_id, invoice_no, sync_status, created_at
		FROM sales
		WHERE sync_status = 'failed' OR (sync_status = 'pending' AND created_at < $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, p.OfflineSaleCutoff, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var id, storeID int64
		var invoice, syncStatus string
		var createdAt time.Time
		if err := rows.Scan(&id, &storeID, &invoice, &syncStatus, &createdAt); err != nil {
			return model.Conflict{}, err
		}
		return candidate(model.SubtypeOfflineSaleSyncFailure, &storeID, "sales", strconv.FormatInt(id, 10), p.Now, map[string]interface{}{
			"sale_id":     id,
			"invoice_no":  invoice,
			"sync_status": syncStatus,
			"created_at":  createdAt.UTC().Format(time.RFC3339),
		}), nil
	})
}

func detectDuplicateInvoices(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT store_id, invoice_no, COUNT(*), array_agg(id::TEXT ORDER BY created_at ASC, id ASC)
		FROM sales
		WHERE created_at >= $1
		GROUP BY store_id, invoice_no
		HAVING COUNT(*) > 1
		LIMIT $2
	`, p.DuplicateSince, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var storeID int64
		var invoice string
		var count int
		var ids pq.StringArray
		if err := rows.Scan(&storeID, &invoice, &count, &ids); err != nil {
			return model.Conflict{}, err
		}
		saleIDs := make([]interface{}, len(ids))
		for i, id := range ids {
			saleIDs[i] = id
		}
		return candidate(model.SubtypeDuplicateInvoiceNumber, &storeID, "sales", invoice, p.Now, map[string]interface{}{
			"invoice_no":      invoice,
			"duplicate_count": count,
			"sale_ids":        saleIDs,
		}), nil
	})
}

func detectStuckQueueItems(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, node_id, kind, attempts, max_attempts, created_at, scheduled_at, COALESCE(last_error, '')
		FROM replicator.sync_queue
		WHERE status = 'pending' AND created_at < $1
			AND (attempts >= max_attempts - 1 OR scheduled_at < $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, p.StuckBefore, p.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var id, kind, lastError string
		var nodeID int64
		var attempts, maxAttempts int
		var createdAt, scheduledAt time.Time
		if err := rows.Scan(&id, &nodeID, &kind, &attempts, &maxAttempts, &createdAt, &scheduledAt, &lastError); err != nil {
			return model.Conflict{}, err
		}
		return candidate(model.SubtypeSyncQueueStuck, &nodeID, "sync_queue", id, p.Now, map[string]interface{}{
			"queue_item_id": id,
			"kind":          kind,
			"attempts":      attempts,
			"max_attempts":  maxAttempts,
			"created_at":    createdAt.UTC().Format(time.RFC3339),
			"scheduled_at":  scheduledAt.UTC().Format(time.RFC3339),
			"last_error":    lastError,
		}), nil
	})
}

func detectOutdatedWatermarks(ctx context.Context, d Datasource, p DetectionParams) ([]model.Conflict, error) {
	categories := make([]string, 0, len(p.WatermarkIntervals))
	for name := range p.WatermarkIntervals {
		categories = append(categories, name)
	}
	sort.Strings(categories)
	intervals := make([]int64, len(categories))
	for i, name := range categories {
		intervals[i] = int64(p.WatermarkIntervals[name] / time.Second)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT w.node_id, w.category, w.last_distributed_at, w.last_status, COALESCE(c.interval_secs, 0)
		FROM replicator.watermarks w
		JOIN replicator.nodes n ON n.id = w.node_id
		LEFT JOIN unnest($3::text[], $4::bigint[]) AS c(category, interval_secs) ON c.category = w.category
		WHERE n.mode = 'SYNC'
			AND w.last_distributed_at < $1::timestamptz - (COALESCE(c.interval_secs, 0) + $5) * INTERVAL '1 second'
		ORDER BY w.last_distributed_at ASC
		LIMIT $2
	`, p.Now, p.Limit, pq.Array(categories), pq.Array(intervals), int64(p.WatermarkGrace/time.Second))
	if err != nil {
		return nil, err
	}
	return collect(rows, func() (model.Conflict, error) {
		var nodeID, intervalSecs int64
		var category, status string
		var last time.Time
		if err := rows.Scan(&nodeID, &category, &last, &status, &intervalSecs); err != nil {
			return model.Conflict{}, err
		}
		age := p.Now.Sub(last)
		interval := time.Duration(intervalSecs) * time.Second
		return candidate(model.SubtypeSyncMetadataOutdated, &nodeID, "watermarks", category, p.Now, map[string]interface{}{
			"category":                category,
			"last_distributed_at":     last.UTC().Format(time.RFC3339),
			"stale_hours":             age.Hours(),
			"expected_interval_hours": interval.Hours(),
			"overdue_hours":           (age - interval).Hours(),
			"last_status":             status,
		}), nil
	})
}
