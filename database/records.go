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
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/storesync/replicator/internal/apierror"
	"go.opentelemetry.io/otel"
)

// RecordQuery selects a page of rows from a domain table changed after Since.
type RecordQuery struct {
	Table           string
	TimestampColumn string
	Since           time.Time
	Limit           int
	Offset          int
}

// FetchChangedRecords returns rows as column maps, newest first. Table and column
// names come from the distribution category registry and are quoted, never interpolated raw.
func (d Datasource) FetchChangedRecords(ctx context.Context, q RecordQuery) ([]map[string]interface{}, error) {
	ctx, span := otel.Tracer("Records").Start(ctx, "Fetch changed records")
	defer span.End()

	column := q.TimestampColumn
	if column == "" {
		column = "updated_at"
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s > $1 ORDER BY %s DESC LIMIT $2 OFFSET $3`,
		pq.QuoteIdentifier(q.Table), pq.QuoteIdentifier(column), pq.QuoteIdentifier(column))

	rows, err := d.Conn.QueryContext(ctx, query, q.Since, q.Limit, q.Offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("failed to read %s", q.Table), err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to read columns", err)
	}

	records := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("failed to scan %s row", q.Table), err)
		}
		record := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			// numeric and text columns arrive as []byte from pq
			if b, ok := values[i].([]byte); ok {
				record[name] = string(b)
				continue
			}
			record[name] = values[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
