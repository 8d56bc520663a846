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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

const conflictColumns = `id, category, subtype, node_id, entity_table, entity_id, priority, details, status,
	created_at, resolved_at, COALESCE(resolved_by, ''), COALESCE(notes, '')`

func scanConflict(row rowScanner) (model.Conflict, error) {
	var c model.Conflict
	var category, subtype, priority, status string
	var nodeID sql.NullInt64
	var details []byte
	var resolvedAt sql.NullTime
	err := row.Scan(&c.ID, &category, &subtype, &nodeID, &c.EntityTable, &c.EntityID, &priority, &details, &status,
		&c.CreatedAt, &resolvedAt, &c.ResolvedBy, &c.Notes)
	if err != nil {
		return c, err
	}
	c.Category = model.ConflictCategory(category)
	c.Subtype = model.ConflictSubtype(subtype)
	c.Priority = model.ConflictPriority(priority)
	c.Status = model.ConflictStatus(status)
	c.NodeID = int64Ptr(nodeID)
	c.ResolvedAt = timePtr(resolvedAt)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &c.Details); err != nil {
			return c, err
		}
	}
	return c, nil
}

// RecordConflict persists c unless a conflict with the same category, subtype,
// entity and node was created after now-window. It reports whether a row was written.
func (d Datasource) RecordConflict(ctx context.Context, c *model.Conflict, window time.Duration) (bool, error) {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "Record conflict")
	defer span.End()

	details, err := json.Marshal(c.Details)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to encode conflict details", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	lockKey := fmt.Sprintf("%s|%s|%s|%s", c.Category, c.Subtype, c.EntityTable, c.EntityID)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to lock conflict key", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO replicator.conflicts (id, category, subtype, node_id, entity_table, entity_id, priority, details, status, created_at)
		SELECT $1::TEXT, $2::TEXT, $3::TEXT, $4::BIGINT, $5::TEXT, $6::TEXT, $7::TEXT, $8::JSONB, 'pending', $9::TIMESTAMPTZ
		WHERE NOT EXISTS (
			SELECT 1 FROM replicator.conflicts
			WHERE category = $2 AND subtype = $3 AND entity_table = $5 AND entity_id = $6
				AND node_id IS NOT DISTINCT FROM $4::BIGINT
				AND created_at >= $10
		)
	`, c.ID, string(c.Category), string(c.Subtype), nullInt64(c.NodeID), c.EntityTable, c.EntityID,
		string(c.Priority), details, c.CreatedAt, c.CreatedAt.Add(-window))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to record conflict", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to read affected rows", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return affected > 0, nil
}

func (d Datasource) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "Fetch conflict")
	defer span.End()

	c, err := scanConflict(d.Conn.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM replicator.conflicts WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("conflict with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch conflict", err)
	}
	return &c, nil
}

func conflictWhere(filter model.ConflictFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.Subtype != "" {
		add("subtype = $%d", filter.Subtype)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Priority != "" {
		add("priority = $%d", filter.Priority)
	}
	if filter.NodeID != nil {
		add("node_id = $%d", *filter.NodeID)
	}
	if filter.OlderThan != nil {
		add("created_at < $%d", *filter.OlderThan)
	}
	if filter.NewerThan != nil {
		add("created_at >= $%d", *filter.NewerThan)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListConflicts orders by priority rank then age.
func (d Datasource) ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.Conflict, error) {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "List conflicts")
	defer span.End()

	where, args := conflictWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + conflictColumns + ` FROM replicator.conflicts` + where + fmt.Sprintf(`
		ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list conflicts", err)
	}
	defer rows.Close()

	conflicts := []model.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan conflict", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (d Datasource) CountConflicts(ctx context.Context, filter model.ConflictFilter) (int, error) {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "Count conflicts")
	defer span.End()

	where, args := conflictWhere(filter)
	var count int
	if err := d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM replicator.conflicts`+where, args...).Scan(&count); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to count conflicts", err)
	}
	return count, nil
}

func (d Datasource) ConflictSummary(ctx context.Context) (*model.ConflictSummary, error) {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "Conflict summary")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT category, status, priority, COUNT(*)
		FROM replicator.conflicts
		GROUP BY category, status, priority
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to summarize conflicts", err)
	}
	defer rows.Close()

	summary := &model.ConflictSummary{
		ByCategory: map[string]int{},
		ByStatus:   map[string]int{},
		ByPriority: map[string]int{},
	}
	for rows.Next() {
		var category, status, priority string
		var count int
		if err := rows.Scan(&category, &status, &priority, &count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan conflict summary", err)
		}
		summary.Total += count
		summary.ByCategory[category] += count
		summary.ByStatus[status] += count
		summary.ByPriority[priority] += count
	}
	return summary, rows.Err()
}

// CleanupConflicts deletes resolved conflicts whose resolution is older than before,
// or with CleanupAllOld every conflict created before it.
func (d Datasource) CleanupConflicts(ctx context.Context, before time.Time, scope model.CleanupScope) (int64, error) {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "Cleanup conflicts")
	defer span.End()

	var query string
	switch scope {
	case model.CleanupResolved:
		query = `DELETE FROM replicator.conflicts WHERE status <> 'pending' AND resolved_at < $1`
	case model.CleanupAllOld:
		query = `DELETE FROM replicator.conflicts WHERE created_at < $1`
	default:
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown cleanup scope %q", scope), nil)
	}
	result, err := d.Conn.ExecContext(ctx, query, before)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to clean up conflicts", err)
	}
	return result.RowsAffected()
}
