package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/internal/cache"
	pgconn "github.com/storesync/replicator/internal/pg-conn"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
	// NodeCacheTTL bounds how long a node or endpoint lookup is served from Cache.
	NodeCacheTTL time.Duration
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := pgconn.ConnectDB(configuration.DataSource)
		if errConn != nil {
			err = errConn
			return
		}
		cacheInstance, errCache := cache.NewCache()
		if errCache != nil {
			// lookups fall back to postgres
			logrus.Warnf("node cache disabled: %v", errCache)
			cacheInstance = nil
		}
		instance = &Datasource{
			Conn:         con,
			Cache:        cacheInstance,
			NodeCacheTTL: time.Duration(configuration.Distribution.NodeCacheTTLSecond) * time.Second,
		}
	})
	if err != nil {
		once = sync.Once{}
		return nil, err
	}
	return instance, nil
}

// Ping checks that postgres answers.
func (d Datasource) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}

func (d Datasource) cacheGet(ctx context.Context, key string, dest interface{}) {
	if d.Cache == nil {
		return
	}
	if err := d.Cache.Get(ctx, key, dest); err != nil {
		logrus.WithField("key", key).Debugf("cache read failed: %v", err)
	}
}

func (d Datasource) cacheSet(ctx context.Context, key string, value interface{}) {
	if d.Cache == nil || d.NodeCacheTTL <= 0 {
		return
	}
	if err := d.Cache.Set(ctx, key, value, d.NodeCacheTTL); err != nil {
		logrus.WithField("key", key).Debugf("cache write failed: %v", err)
	}
}

func (d Datasource) cacheDelete(ctx context.Context, keys ...string) {
	if d.Cache == nil {
		return
	}
	for _, key := range keys {
		if err := d.Cache.Delete(ctx, key); err != nil {
			logrus.WithField("key", key).Warnf("cache invalidation failed: %v", err)
		}
	}
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "unique_violation"
}

// IsSerializationFailure reports a 40001 abort from a SERIALIZABLE transaction.
func IsSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "40001"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
