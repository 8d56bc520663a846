package replicator

import (
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/database/mocks"
	storagemonitor "github.com/storesync/replicator/internal/storage-monitor"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func testConfig() *config.Configuration {
	cnf := config.MockDefaults()
	cnf.Webhook.PerNodeRatePerSecond = 1000
	cnf.Webhook.PerNodeBurst = 100
	return cnf
}

func healthyProbe() storagemonitor.StaticProbe {
	return storagemonitor.StaticProbe{
		DiskUsage: storagemonitor.DiskUsage{UsedPercent: 40, FreeBytes: 50 << 30},
		Memory:    35,
		CPU:       10,
	}
}

func newTestReplicator(t *testing.T, ds *mocks.MockDataSource, cnf *config.Configuration, client *http.Client, rdb redis.UniversalClient) *Replicator {
	t.Helper()
	if cnf == nil {
		cnf = testConfig()
	}
	if client == nil {
		client = http.DefaultClient
	}
	r, err := New(ds, cnf, rdb,
		WithClock(func() time.Time { return testNow }),
		WithProbe(healthyProbe()),
		WithHTTPClient(client),
	)
	require.NoError(t, err)
	return r
}

func TestNew_RegistersEveryHandlerAndResolver(t *testing.T) {
	r := newTestReplicator(t, &mocks.MockDataSource{}, nil, nil, nil)
	require.NoError(t, validateHandlers(r.handlers))
	require.NoError(t, validateResolvers(r.resolvers))
	require.Len(t, r.Categories().All(), len(defaultCategories))
}
