package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceWatermark_NeverMovesBackwards(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}
	to := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("GREATEST(replicator.watermarks.last_distributed_at, EXCLUDED.last_distributed_at)")).
		WithArgs(int64(1), "sales", to, model.WatermarkStatusOK, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.AdvanceWatermark(context.Background(), 1, "sales", to, model.WatermarkStatusOK, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWatermark(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}
	now := time.Now().UTC()

	columns := []string{"node_id", "category", "last_distributed_at", "last_status", "last_error", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM replicator.watermarks WHERE node_id = $1 AND category = $2")).
		WithArgs(int64(1), "stock").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(int64(1), "stock", now, "partial", "node 3: timeout", now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM replicator.watermarks WHERE node_id = $1 AND category = $2")).
		WithArgs(int64(1), "settings").
		WillReturnRows(sqlmock.NewRows(columns))

	w, err := ds.GetWatermark(context.Background(), 1, "stock")
	require.NoError(t, err)
	assert.Equal(t, "partial", w.LastStatus)

	_, err = ds.GetWatermark(context.Background(), 1, "settings")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestFetchChangedRecords_QuotesIdentifiers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "store_stock" WHERE "updated_at" > $1 ORDER BY "updated_at" DESC LIMIT $2 OFFSET $3`)).
		WithArgs(since, 300, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "quantity", "store_id"}).
			AddRow(int64(1), []byte("12.000"), int64(3)))

	records, err := ds.FetchChangedRecords(context.Background(), RecordQuery{Table: "store_stock", Since: since, Limit: 300})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "12.000", records[0]["quantity"])
	assert.Equal(t, int64(3), records[0]["store_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
