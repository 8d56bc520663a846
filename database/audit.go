package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAuditEntry(ctx context.Context, exec execer, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = model.GenerateUUIDWithSuffix("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := []byte(entry.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO replicator.audit_log (id, event_type, node_id, entity_ref, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.EventType, nullInt64(entry.NodeID), nullString(entry.EntityRef), payload, entry.CreatedAt)
	return err
}

func (d Datasource) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	ctx, span := otel.Tracer("Audit").Start(ctx, "Insert audit entry")
	defer span.End()

	if err := insertAuditEntry(ctx, d.Conn, entry); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to write audit entry", err)
	}
	return nil
}

// ListAuditEntries returns entries newest first; an empty eventType matches all.
func (d Datasource) ListAuditEntries(ctx context.Context, eventType string, since time.Time, limit int) ([]model.AuditEntry, error) {
	ctx, span := otel.Tracer("Audit").Start(ctx, "List audit entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, event_type, node_id, COALESCE(entity_ref, ''), payload, created_at
		FROM replicator.audit_log
		WHERE ($1 = '' OR event_type = $1) AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, eventType, since, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list audit entries", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var entry model.AuditEntry
		var nodeID sql.NullInt64
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.EventType, &nodeID, &entry.EntityRef, &payload, &entry.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan audit entry", err)
		}
		entry.NodeID = int64Ptr(nodeID)
		entry.Payload = payload
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
