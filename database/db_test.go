package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/storesync/replicator/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDBConnection_Failure(t *testing.T) {
	// Reset the instance and once for testing purposes
	instance = nil
	once = sync.Once{}

	mockConfig := &config.Configuration{
		DataSource: config.DataSourceConfig{Dns: ""},
	}

	_, err := GetDBConnection(mockConfig)
	assert.Error(t, err)

	// a failed attempt must not poison later calls
	_, err = GetDBConnection(mockConfig)
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ds := Datasource{Conn: db}

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	assert.NoError(t, ds.Ping(context.Background()))
	assert.Error(t, ds.Ping(context.Background()))
}

func TestPostgresErrorClassification(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.True(t, IsSerializationFailure(&pq.Error{Code: "40001"}))
	assert.False(t, IsSerializationFailure(&pq.Error{Code: "23505"}))
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, nullString("").Valid)
	assert.Equal(t, "x", nullString("x").String)

	assert.False(t, nullInt64(nil).Valid)
	id := int64(9)
	assert.Equal(t, int64(9), nullInt64(&id).Int64)

	assert.Nil(t, int64Ptr(sql.NullInt64{}))
	assert.Equal(t, int64(3), *int64Ptr(sql.NullInt64{Int64: 3, Valid: true}))

	now := time.Now()
	assert.Nil(t, timePtr(sql.NullTime{}))
	assert.Equal(t, now, *timePtr(sql.NullTime{Time: now, Valid: true}))
}
