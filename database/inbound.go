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
	"encoding/json"
	"time"

	"github.com/storesync/replicator/internal/apierror"
	"go.opentelemetry.io/otel"
)

// InsertInboundEvent records a received webhook once per delivery id. It reports
// false when the delivery was already recorded.
func (d Datasource) InsertInboundEvent(ctx context.Context, deliveryID string, sourceNodeID int64, eventType string, payload json.RawMessage) (bool, error) {
	ctx, span := otel.Tracer("Inbound").Start(ctx, "Record inbound event")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO replicator.inbound_events (delivery_id, source_node_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (delivery_id) DO NOTHING
	`, deliveryID, sourceNodeID, eventType, []byte(payload))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to record inbound event", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to read affected rows", err)
	}
	return affected > 0, nil
}

func (d Datasource) MarkInboundEventApplied(ctx context.Context, deliveryID string, at time.Time) error {
	ctx, span := otel.Tracer("Inbound").Start(ctx, "Mark inbound event applied")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `UPDATE replicator.inbound_events SET applied_at = $2 WHERE delivery_id = $1 AND applied_at IS NULL`, deliveryID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to mark inbound event applied", err)
	}
	return nil
}

// DeleteInboundEvent forgets an unapplied delivery so the sender's next attempt
// is processed as new.
func (d Datasource) DeleteInboundEvent(ctx context.Context, deliveryID string) error {
	ctx, span := otel.Tracer("Inbound").Start(ctx, "Delete inbound event")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `DELETE FROM replicator.inbound_events WHERE delivery_id = $1 AND applied_at IS NULL`, deliveryID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to delete inbound event", err)
	}
	return nil
}
