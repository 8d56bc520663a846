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
	"github.com/storesync/replicator/internal/cache"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

const nodeColumns = `id, name, mode, is_central, backfilled_at, created_at, updated_at`

func scanNode(row rowScanner) (model.Node, error) {
	var node model.Node
	var mode string
	var backfilled sql.NullTime
	err := row.Scan(&node.ID, &node.Name, &mode, &node.IsCentral, &backfilled, &node.CreatedAt, &node.UpdatedAt)
	node.Mode = model.NodeMode(mode)
	node.BackfilledAt = timePtr(backfilled)
	return node, err
}

// GetNode reads through the node cache.
func (d Datasource) GetNode(ctx context.Context, id int64) (*model.Node, error) {
	ctx, span := otel.Tracer("Node").Start(ctx, "Fetch node")
	defer span.End()

	var cached model.Node
	d.cacheGet(ctx, cache.NodeKey(id), &cached)
	if cached.ID == id {
		return &cached, nil
	}

	node, err := scanNode(d.Conn.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM replicator.nodes WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("node %d not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to fetch node", err)
	}
	d.cacheSet(ctx, cache.NodeKey(id), node)
	return &node, nil
}

// ListNodes returns every node, or only those in mode when it is non-empty.
func (d Datasource) ListNodes(ctx context.Context, mode model.NodeMode) ([]model.Node, error) {
	ctx, span := otel.Tracer("Node").Start(ctx, "List nodes")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+nodeColumns+` FROM replicator.nodes WHERE ($1 = '' OR mode = $1) ORDER BY id`, string(mode))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list nodes", err)
	}
	defer rows.Close()

	nodes := []model.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan node", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpsertNode creates a node or renames an existing one. Mode is only set on insert;
// later changes go through SetNodeMode.
func (d Datasource) UpsertNode(ctx context.Context, node *model.Node) error {
	ctx, span := otel.Tracer("Node").Start(ctx, "Upsert node")
	defer span.End()

	if node.Mode == "" {
		node.Mode = model.NodeModeDirect
	}
	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO replicator.nodes (id, name, mode, is_central, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_central = EXCLUDED.is_central, updated_at = NOW()
		RETURNING `+nodeColumns, node.ID, node.Name, string(node.Mode), node.IsCentral)
	stored, err := scanNode(row)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to upsert node", err)
	}
	*node = stored
	d.cacheDelete(ctx, cache.NodeKey(node.ID))
	return nil
}

// SetNodeMode flips a node's mode. Leaving SYNC forgets the backfill, since the
// node stops receiving changes from then on. Moving to SYNC is refused unless
// the node has been backfilled and its endpoint is active.
func (d Datasource) SetNodeMode(ctx context.Context, id int64, mode model.NodeMode) error {
	ctx, span := otel.Tracer("Node").Start(ctx, "Set node mode")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE replicator.nodes
		SET mode = $2, backfilled_at = CASE WHEN $2 = 'SYNC' THEN backfilled_at END, updated_at = NOW()
		WHERE id = $1 AND ($2 <> 'SYNC' OR (backfilled_at IS NOT NULL AND EXISTS (
			SELECT 1 FROM replicator.webhook_endpoints e WHERE e.node_id = $1 AND e.active
		)))
	`, id, string(mode))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update node mode", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to read affected rows", err)
	}
	d.cacheDelete(ctx, cache.NodeKey(id))
	if affected == 0 {
		if _, err := d.GetNode(ctx, id); err != nil {
			return err
		}
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("node %d has no current backfill or active endpoint; switch it through the mode transition", id), nil)
	}
	return nil
}

func (d Datasource) MarkNodeBackfilled(ctx context.Context, id int64, at time.Time) error {
	ctx, span := otel.Tracer("Node").Start(ctx, "Mark node backfilled")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `UPDATE replicator.nodes SET backfilled_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to mark node backfilled", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("node %d not found", id), nil)
	}
	d.cacheDelete(ctx, cache.NodeKey(id))
	return nil
}

// ActivateSyncMode activates the node's endpoint, flips it to SYNC and writes the
// transition audit entry in one transaction.
func (d Datasource) ActivateSyncMode(ctx context.Context, id int64, audit *model.AuditEntry) error {
	ctx, span := otel.Tracer("Node").Start(ctx, "Activate sync mode")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `UPDATE replicator.webhook_endpoints SET active = TRUE, updated_at = NOW() WHERE node_id = $1`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to activate endpoint", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("node %d has no registered endpoint", id), nil)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE replicator.nodes SET mode = 'SYNC', updated_at = NOW()
		WHERE id = $1 AND mode = 'DIRECT' AND backfilled_at IS NOT NULL
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to flip node mode", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("node %d is not a backfilled DIRECT node", id), nil)
	}

	if audit != nil {
		if err := insertAuditEntry(ctx, tx, audit); err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "failed to write audit entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	d.cacheDelete(ctx, cache.NodeKey(id), cache.EndpointKey(id))
	return nil
}
