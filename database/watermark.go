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
	"time"

	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

func (d Datasource) GetWatermark(ctx context.Context, nodeID int64, category string) (*model.Watermark, error) {
	ctx, span := otel.Tracer("Watermark").Start(ctx, "Fetch watermark")
	defer span.End()

	var w model.Watermark
	err := d.Conn.QueryRowContext(ctx, `
		SELECT node_id, category, last_distributed_at, last_status, COALESCE(last_error, ''), updated_at
		FROM replicator.watermarks WHERE node_id = $1 AND category = $2
	`, nodeID, category).Scan(&w.NodeID, &w.Category, &w.LastDistributedAt, &w.LastStatus, &w.LastError, &w.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no watermark for node %d category %s", nodeID, category), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch watermark", err)
	}
	return &w, nil
}

// AdvanceWatermark upserts the pair. The stored timestamp never moves backwards.
func (d Datasource) AdvanceWatermark(ctx context.Context, nodeID int64, category string, to time.Time, status, lastError string) error {
	ctx, span := otel.Tracer("Watermark").Start(ctx, "Advance watermark")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO replicator.watermarks (node_id, category, last_distributed_at, last_status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (node_id, category) DO UPDATE
		SET last_distributed_at = GREATEST(replicator.watermarks.last_distributed_at, EXCLUDED.last_distributed_at),
			last_status = EXCLUDED.last_status,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`, nodeID, category, to, status, nullString(lastError))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to advance watermark", err)
	}
	return nil
}

// RecordWatermarkFailure stores the outcome of a failed run without moving the timestamp.
func (d Datasource) RecordWatermarkFailure(ctx context.Context, nodeID int64, category, lastError string) error {
	ctx, span := otel.Tracer("Watermark").Start(ctx, "Record watermark failure")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO replicator.watermarks (node_id, category, last_distributed_at, last_status, last_error, updated_at)
		VALUES ($1, $2, to_timestamp(0), 'failed', $3, NOW())
		ON CONFLICT (node_id, category) DO UPDATE
		SET last_status = 'failed', last_error = EXCLUDED.last_error, updated_at = NOW()
	`, nodeID, category, lastError)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to record watermark failure", err)
	}
	return nil
}

func (d Datasource) ListWatermarks(ctx context.Context, nodeID *int64) ([]model.Watermark, error) {
	ctx, span := otel.Tracer("Watermark").Start(ctx, "List watermarks")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT node_id, category, last_distributed_at, last_status, COALESCE(last_error, ''), updated_at
		FROM replicator.watermarks
		WHERE ($1::BIGINT IS NULL OR node_id = $1)
		ORDER BY node_id, category
	`, nullInt64(nodeID))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list watermarks", err)
	}
	defer rows.Close()

	watermarks := []model.Watermark{}
	for rows.Next() {
		var w model.Watermark
		if err := rows.Scan(&w.NodeID, &w.Category, &w.LastDistributedAt, &w.LastStatus, &w.LastError, &w.UpdatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan watermark", err)
		}
		watermarks = append(watermarks, w)
	}
	return watermarks, rows.Err()
}
