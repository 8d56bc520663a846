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
	"time"

	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

const queueColumns = `id, node_id, kind, COALESCE(entity_table, ''), COALESCE(record_id, ''), payload,
	priority, attempts, max_attempts, status, created_at, scheduled_at, processed_at,
	COALESCE(last_error, ''), COALESCE(error_kind, ''), dedupe_hash`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (model.QueueItem, error) {
	var item model.QueueItem
	var kind, status, errorKind string
	var payload []byte
	var processedAt sql.NullTime
	err := row.Scan(
		&item.ID, &item.NodeID, &kind, &item.EntityTable, &item.RecordID, &payload,
		&item.Priority, &item.Attempts, &item.MaxAttempts, &status, &item.CreatedAt, &item.ScheduledAt, &processedAt,
		&item.LastError, &errorKind, &item.DedupeHash,
	)
	if err != nil {
		return item, err
	}
	item.Kind = model.QueueKind(kind)
	item.Status = model.QueueStatus(status)
	item.ErrorKind = model.ErrorKind(errorKind)
	item.Payload = payload
	item.ProcessedAt = timePtr(processedAt)
	return item, nil
}

func scanQueueItems(rows *sql.Rows) ([]model.QueueItem, error) {
	defer rows.Close()
	items := []model.QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// EnqueueQueueItem inserts item unless an identical pending item for the same node
// exists inside dedupeWindow, in which case that item's id is returned with existing=true.
// The check and insert are serialized per (node, hash) with an advisory lock.
func (d Datasource) EnqueueQueueItem(ctx context.Context, item *model.QueueItem, maxPending int, dedupeWindow time.Duration) (string, bool, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Enqueue sync item")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return "", false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fmt.Sprintf("%d:%s", item.NodeID, item.DedupeHash))
	if err != nil {
		return "", false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to lock dedupe key", err)
	}

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM replicator.sync_queue
		WHERE node_id = $1 AND dedupe_hash = $2 AND status = 'pending' AND created_at >= $3
		ORDER BY created_at ASC
		LIMIT 1
	`, item.NodeID, item.DedupeHash, item.CreatedAt.Add(-dedupeWindow)).Scan(&existingID)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return "", false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
		}
		return existingID, true, nil
	case err != sql.ErrNoRows:
		return "", false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to check for duplicate item", err)
	}

	if maxPending > 0 {
		var pending int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM replicator.sync_queue WHERE node_id = $1 AND status = 'pending'`, item.NodeID).Scan(&pending)
		if err != nil {
			return "", false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to count pending items", err)
		}
		if pending >= maxPending {
			return "", false, apierror.NewAPIError(apierror.ErrTooManyRequests, fmt.Sprintf("queue for node %d is full (%d pending)", item.NodeID, pending), nil)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO replicator.sync_queue (
			id, node_id, kind, entity_table, record_id, payload, priority, attempts, max_attempts,
			status, created_at, scheduled_at, dedupe_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, item.ID, item.NodeID, string(item.Kind), nullString(item.EntityTable), nullString(item.RecordID), []byte(item.Payload),
		item.Priority, item.Attempts, item.MaxAttempts, string(item.Status), item.CreatedAt, item.ScheduledAt, item.DedupeHash)
	if err != nil {
		if isUniqueViolation(err) {
			return "", false, apierror.NewAPIError(apierror.ErrConflict, "queue item already exists", err)
		}
		return "", false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to insert queue item", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return item.ID, false, nil
}

// ClaimQueueItems moves up to limit eligible items to processing in one statement.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from selecting the same rows.
func (d Datasource) ClaimQueueItems(ctx context.Context, nodeID *int64, limit int, now time.Time) ([]model.QueueItem, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Claim sync items")
	defer span.End()

	args := []interface{}{now, limit}
	nodeFilter := ""
	if nodeID != nil {
		args = append(args, *nodeID)
		nodeFilter = "AND node_id = $3"
	}

	query := fmt.Sprintf(`
		UPDATE replicator.sync_queue
		SET status = 'processing', claimed_at = $1
		WHERE id IN (
			SELECT id FROM replicator.sync_queue
			WHERE status IN ('pending', 'failed')
				AND attempts < max_attempts
				AND COALESCE(error_kind, '') NOT IN ('permanent', 'conflict')
				AND scheduled_at <= $1
				%s
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, nodeFilter, queueColumns)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to claim queue items", err)
	}
	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan claimed items", err)
	}

	// RETURNING does not preserve the subquery order
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (d Datasource) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Fetch sync item")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM replicator.sync_queue WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("queue item with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch queue item", err)
	}
	return &item, nil
}

// CompleteQueueItem is only valid from processing.
func (d Datasource) CompleteQueueItem(ctx context.Context, id, message string, now time.Time) error {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Complete sync item")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE replicator.sync_queue
		SET status = 'completed', processed_at = $2, last_error = $3, error_kind = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, now, nullString(message))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to complete queue item", err)
	}
	return d.guardedQueueResult(ctx, result, id, "completed", "processing")
}

// FailQueueItem locks the item, lets decide mutate it, writes it back and, when
// decide returns an audit entry, records that entry in the same transaction.
func (d Datasource) FailQueueItem(ctx context.Context, id string, decide func(item *model.QueueItem) (*model.AuditEntry, error)) (*model.QueueItem, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Fail sync item")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	item, err := scanQueueItem(tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM replicator.sync_queue WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("queue item with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to lock queue item", err)
	}

	audit, err := decide(&item)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE replicator.sync_queue
		SET attempts = $2, status = $3, scheduled_at = $4, last_error = $5, error_kind = $6, processed_at = $7, claimed_at = NULL
		WHERE id = $1
	`, item.ID, item.Attempts, string(item.Status), item.ScheduledAt, nullString(item.LastError), nullString(string(item.ErrorKind)), item.ProcessedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update queue item", err)
	}

	if audit != nil {
		if err := insertAuditEntry(ctx, tx, audit); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to write audit entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return &item, nil
}

// CancelQueueItem appends note to the last error; only pending and failed items can be cancelled.
func (d Datasource) CancelQueueItem(ctx context.Context, id, note string) error {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Cancel sync item")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE replicator.sync_queue
		SET status = 'cancelled', last_error = COALESCE(last_error, '') || $2
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, id, note)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to cancel queue item", err)
	}
	return d.guardedQueueResult(ctx, result, id, "cancelled", "pending or failed")
}

func (d Datasource) PrioritizeQueueItem(ctx context.Context, id string, priority int) error {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Prioritize sync item")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE replicator.sync_queue SET priority = $2
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, id, priority)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update queue item priority", err)
	}
	return d.guardedQueueResult(ctx, result, id, "reprioritized", "pending or failed")
}

// guardedQueueResult turns a zero-row guarded update into NOT_FOUND or CONFLICT.
func (d Datasource) guardedQueueResult(ctx context.Context, result sql.Result, id, action, required string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to read affected rows", err)
	}
	if affected > 0 {
		return nil
	}
	var status string
	err = d.Conn.QueryRowContext(ctx, `SELECT status FROM replicator.sync_queue WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("queue item with ID '%s' not found", id), nil)
	}
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch queue item status", err)
	}
	return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("queue item '%s' cannot be %s from status %s; it must be %s", id, action, status, required), nil)
}

func (d Datasource) ListQueueItems(ctx context.Context, status string, nodeID *int64, limit, offset int) ([]model.QueueItem, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "List sync items")
	defer span.End()

	query := `SELECT ` + queueColumns + ` FROM replicator.sync_queue WHERE ($1 = '' OR status = $1)`
	args := []interface{}{status}
	if nodeID != nil {
		args = append(args, *nodeID)
		query += fmt.Sprintf(" AND node_id = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY priority ASC, created_at ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list queue items", err)
	}
	return scanQueueItems(rows)
}

// ListRetrySchedule returns pending items whose next attempt is in the future.
func (d Datasource) ListRetrySchedule(ctx context.Context, nodeID *int64, now time.Time, limit int) ([]model.QueueItem, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "List retry schedule")
	defer span.End()

	query := `SELECT ` + queueColumns + ` FROM replicator.sync_queue WHERE status = 'pending' AND scheduled_at > $1`
	args := []interface{}{now}
	if nodeID != nil {
		args = append(args, *nodeID)
		query += " AND node_id = $2"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY scheduled_at ASC LIMIT $%d", len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list retry schedule", err)
	}
	return scanQueueItems(rows)
}

func (d Datasource) GetQueueStatus(ctx context.Context, nodeID *int64, now time.Time) (*model.QueueStatusReport, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Queue status")
	defer span.End()

	where := ""
	var args []interface{}
	if nodeID != nil {
		where = "WHERE node_id = $1"
		args = append(args, *nodeID)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT status, kind, COUNT(*), COALESCE(SUM(attempts), 0)
		FROM replicator.sync_queue `+where+`
		GROUP BY status, kind`, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to aggregate queue", err)
	}
	defer rows.Close()

	report := &model.QueueStatusReport{
		NodeID:   nodeID,
		ByStatus: map[string]int{},
		ByKind:   map[string]int{},
	}
	total, attempts := 0, 0
	for rows.Next() {
		var status, kind string
		var count, sumAttempts int
		if err := rows.Scan(&status, &kind, &count, &sumAttempts); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan queue aggregate", err)
		}
		report.ByStatus[status] += count
		report.ByKind[kind] += count
		total += count
		attempts += sumAttempts
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to read queue aggregate", err)
	}
	if total > 0 {
		report.AverageAttempts = float64(attempts) / float64(total)
	}

	pendingWhere := "WHERE status = 'pending'"
	if nodeID != nil {
		pendingWhere += " AND node_id = $1"
	}
	var oldest sql.NullTime
	err = d.Conn.QueryRowContext(ctx, `SELECT MIN(created_at) FROM replicator.sync_queue `+pendingWhere, args...).Scan(&oldest)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch oldest pending item", err)
	}
	if oldest.Valid {
		report.OldestPendingAt = &oldest.Time
		report.OldestPendingAgeSeconds = now.Sub(oldest.Time).Seconds()
	}
	return report, nil
}

// CountPendingOlderThan counts pending items created before the cutoff.
func (d Datasource) CountPendingOlderThan(ctx context.Context, before time.Time) (int, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Count old pending items")
	defer span.End()

	var count int
	err := d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM replicator.sync_queue WHERE status = 'pending' AND created_at < $1`, before).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to count old pending items", err)
	}
	return count, nil
}

// CleanupQueue deletes completed items by processed_at and cancelled items by created_at.
func (d Datasource) CleanupQueue(ctx context.Context, completedBefore, cancelledBefore time.Time) (model.QueueCleanupResult, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Cleanup sync queue")
	defer span.End()

	var result model.QueueCleanupResult
	res, err := d.Conn.ExecContext(ctx, `DELETE FROM replicator.sync_queue WHERE status = 'completed' AND processed_at < $1`, completedBefore)
	if err != nil {
		return result, apierror.NewAPIError(apierror.ErrInternalServer, "failed to purge completed items", err)
	}
	result.CompletedRemoved, _ = res.RowsAffected()

	res, err = d.Conn.ExecContext(ctx, `DELETE FROM replicator.sync_queue WHERE status = 'cancelled' AND created_at < $1`, cancelledBefore)
	if err != nil {
		return result, apierror.NewAPIError(apierror.ErrInternalServer, "failed to purge cancelled items", err)
	}
	result.CancelledRemoved, _ = res.RowsAffected()
	return result, nil
}

// RequeueStaleQueueItems returns items abandoned in processing to pending without touching attempts.
func (d Datasource) RequeueStaleQueueItems(ctx context.Context, claimedBefore time.Time) (int64, error) {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Requeue stale items")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE replicator.sync_queue
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`, claimedBefore)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to requeue stale items", err)
	}
	return res.RowsAffected()
}
