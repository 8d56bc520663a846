package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/internal/cache"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nodeRowColumns = []string{"id", "name", "mode", "is_central", "backfilled_at", "created_at", "updated_at"}

func TestGetNode_ReadsThroughCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ds := Datasource{Conn: db, Cache: cache.NewRedisCache(client), NodeCacheTTL: time.Minute}
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM replicator.nodes WHERE id = $1")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(nodeRowColumns).AddRow(int64(4), "Branch 4", "SYNC", false, now, now, now))

	first, err := ds.GetNode(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, model.NodeModeSync, first.Mode)

	// served from cache; sqlmock would fail on an unexpected query
	second, err := ds.GetNode(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "Branch 4", second.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNode_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}

	mock.ExpectQuery(regexp.QuoteMeta("FROM replicator.nodes WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(nodeRowColumns))

	_, err = ds.GetNode(context.Background(), 99)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestSetNodeMode_RequiresBackfill(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("backfilled_at IS NOT NULL")).
		WithArgs(int64(4), "SYNC").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM replicator.nodes WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(nodeRowColumns).AddRow(int64(4), "Branch 4", "DIRECT", false, nil, now, now))

	err = ds.SetNodeMode(context.Background(), 4, model.NodeModeSync)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetNodeMode_LeavingSyncClearsBackfill(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}

	mock.ExpectExec(regexp.QuoteMeta("backfilled_at = CASE WHEN $2 = 'SYNC' THEN backfilled_at END")).
		WithArgs(int64(4), "DIRECT").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ds.SetNodeMode(context.Background(), 4, model.NodeModeDirect))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetNodeMode_SyncRequiresActiveEndpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("WHERE e.node_id = $1 AND e.active")).
		WithArgs(int64(4), "SYNC").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM replicator.nodes WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(nodeRowColumns).AddRow(int64(4), "Branch 4", "DIRECT", false, now.Add(-90*24*time.Hour), now, now))

	err = ds.SetNodeMode(context.Background(), 4, model.NodeModeSync)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateSyncMode(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE replicator.webhook_endpoints SET active = TRUE")).
		WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET mode = 'SYNC'")).
		WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO replicator.audit_log")).
		WithArgs(sqlmock.AnyArg(), model.AuditModeTransition, int64(4), "node:4", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = ds.ActivateSyncMode(context.Background(), 4, &model.AuditEntry{
		EventType: model.AuditModeTransition,
		NodeID:    model.Int64Ptr(4),
		EntityRef: "node:4",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateSyncMode_WithoutEndpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE replicator.webhook_endpoints SET active = TRUE")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = ds.ActivateSyncMode(context.Background(), 4, nil)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}
