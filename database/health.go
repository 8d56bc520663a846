package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

func (d Datasource) InsertHealthSnapshot(ctx context.Context, report *model.HealthReport) error {
	ctx, span := otel.Tracer("Health").Start(ctx, "Insert health snapshot")
	defer span.End()

	body, err := json.Marshal(report)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to encode health report", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO replicator.health_snapshots (score, label, report, created_at) VALUES ($1, $2, $3, $4)
	`, report.Score, report.Label, body, report.CheckedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to store health snapshot", err)
	}
	return nil
}

// ListHealthSnapshots returns the most recent reports first.
func (d Datasource) ListHealthSnapshots(ctx context.Context, limit int) ([]model.HealthReport, error) {
	ctx, span := otel.Tracer("Health").Start(ctx, "List health snapshots")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT report FROM replicator.health_snapshots ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to list health snapshots", err)
	}
	defer rows.Close()

	reports := []model.HealthReport{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan health snapshot", err)
		}
		var report model.HealthReport
		if err := json.Unmarshal(body, &report); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to decode health snapshot", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

func (d Datasource) CleanupHealthSnapshots(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := otel.Tracer("Health").Start(ctx, "Cleanup health snapshots")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `DELETE FROM replicator.health_snapshots WHERE created_at < $1`, before)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to purge health snapshots", err)
	}
	return result.RowsAffected()
}
