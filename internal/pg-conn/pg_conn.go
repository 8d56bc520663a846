package pgconn

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
)

// ConnectDB opens a pooled postgres handle and verifies it with a ping.
func ConnectDB(dsConfig config.DataSourceConfig) (*sql.DB, error) {
	if dsConfig.Dns == "" {
		return nil, errors.New("data source DNS is empty")
	}
	db, err := sql.Open("postgres", dsConfig.Dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dsConfig.MaxOpenConns)
	db.SetMaxIdleConns(dsConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dsConfig.ConnMaxLifetime)
	db.SetConnMaxIdleTime(dsConfig.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logrus.Errorf("database connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"max_open_conns": dsConfig.MaxOpenConns,
		"max_idle_conns": dsConfig.MaxIdleConns,
	}).Info("database connection established ✅")
	return db, nil
}
