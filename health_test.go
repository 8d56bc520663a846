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

package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/storesync/replicator/database/mocks"
	storagemonitor "github.com/storesync/replicator/internal/storage-monitor"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func healthyDataSource(criticalConflicts int) *mocks.MockDataSource {
	ds := &mocks.MockDataSource{}
	ds.On("Ping", mock.Anything).Return(nil)
	ds.On("GetQueueStatus", mock.Anything, mock.Anything, testNow).Return(&model.QueueStatusReport{
		ByStatus: map[string]int{"pending": 12, "failed": 1, "completed": 400},
	}, nil)
	ds.On("CountPendingOlderThan", mock.Anything, testNow.Add(-time.Hour)).Return(0, nil)
	ds.On("EndpointDeliveryStats", mock.Anything, testNow.Add(-time.Hour)).Return([]model.EndpointHealth{
		{NodeID: 2, Active: true, Total: 40, Delivered: 40, SuccessRate: 100},
	}, nil)
	ds.On("CountConflicts", mock.Anything, model.ConflictFilter{Status: "pending"}).Return(3, nil)
	ds.On("CountConflicts", mock.Anything, model.ConflictFilter{Status: "pending", Priority: "critical"}).Return(criticalConflicts, nil)
	ds.On("ListNodes", mock.Anything, model.NodeModeSync).Return([]model.Node{{ID: 2, Mode: model.NodeModeSync}}, nil)
	ds.On("ListWatermarks", mock.Anything, mock.Anything).Return([]model.Watermark{
		{NodeID: 0, Category: "sales", LastDistributedAt: testNow.Add(-time.Minute)},
	}, nil)
	return ds
}

func miniredisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestHealth_AllChecksPass(t *testing.T) {
	ds := healthyDataSource(0)
	r := newTestReplicator(t, ds, nil, nil, miniredisClient(t))

	report := r.Health(context.Background())
	require.Len(t, report.Checks, 8)
	for _, c := range report.Checks {
		assert.Equal(t, model.CheckOK, c.Status, c.Name+": "+c.Message)
	}
	assert.Equal(t, float64(100), report.Score)
	assert.Equal(t, "excellent", report.Label)
	assert.Empty(t, report.Issues)
}

func TestHealth_ScoresFailuresAndFlagsCriticalChecks(t *testing.T) {
	ds := healthyDataSource(2)
	r := newTestReplicator(t, ds, nil, nil, miniredisClient(t))
	r.probe = storagemonitor.StaticProbe{DiskUsage: storagemonitor.DiskUsage{UsedPercent: 95, FreeBytes: 1 << 30}, Memory: 30, CPU: 20}

	report := r.Health(context.Background())
	assert.Equal(t, float64(75), report.Score)
	assert.Equal(t, "good", report.Label)
	assert.Len(t, report.Issues, 2)
	require.Len(t, report.CriticalIssues, 1)
	assert.Contains(t, report.CriticalIssues[0], "disk_space")
}

func TestHealth_MissingRedisIsAWarning(t *testing.T) {
	ds := healthyDataSource(0)
	r := newTestReplicator(t, ds, nil, nil, nil)

	report := r.Health(context.Background())
	assert.Equal(t, (7*100.0+70)/8, report.Score)
	assert.Len(t, report.Issues, 1)
	assert.Empty(t, report.CriticalIssues)
}

func TestCheckQueue_Thresholds(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("GetQueueStatus", mock.Anything, mock.Anything, testNow).Return(&model.QueueStatusReport{
		ByStatus: map[string]int{"pending": 50, "failed": 0},
	}, nil)
	ds.On("CountPendingOlderThan", mock.Anything, mock.Anything).Return(11, nil)

	check := r.checkQueue(context.Background())
	assert.Equal(t, model.CheckWarning, check.Status)
	assert.Equal(t, 11, check.Details["pending_older_than_1h"])
}

func TestMonitorHealth_StoresSnapshot(t *testing.T) {
	ds := healthyDataSource(1)
	r := newTestReplicator(t, ds, nil, nil, miniredisClient(t))
	ds.On("InsertHealthSnapshot", mock.Anything, mock.MatchedBy(func(h *model.HealthReport) bool {
		return h.CheckedAt.Equal(testNow) && len(h.Checks) == 8
	})).Return(nil)

	report, err := r.MonitorHealth(context.Background())
	require.NoError(t, err)
	assert.Less(t, report.Score, float64(100))
	ds.AssertExpectations(t)
}

func TestCleanupHealthHistory(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("CleanupHealthSnapshots", mock.Anything, testNow.AddDate(0, 0, -30)).Return(int64(4), nil)

	removed, err := r.CleanupHealthHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)
}

func TestCheckWatermarks_DailyCategoryOnSchedule(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("ListNodes", mock.Anything, model.NodeModeSync).Return([]model.Node{{ID: 2, Mode: model.NodeModeSync}}, nil)
	ds.On("ListWatermarks", mock.Anything, mock.Anything).Return([]model.Watermark{
		{NodeID: 2, Category: "settings", LastDistributedAt: testNow.Add(-10 * time.Hour)},
		{NodeID: 2, Category: "suppliers", LastDistributedAt: testNow.Add(-20 * time.Hour)},
		{NodeID: 2, Category: "sales", LastDistributedAt: testNow.Add(-time.Minute)},
	}, nil)

	check := r.checkWatermarks(context.Background())
	assert.Equal(t, model.CheckOK, check.Status, check.Message)
	assert.Equal(t, 0, check.Details["stale"])
	assert.Equal(t, 0, check.Details["critical"])
}

func TestCheckWatermarks_GradesAgainstCategoryInterval(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("ListNodes", mock.Anything, model.NodeModeSync).Return([]model.Node{{ID: 2, Mode: model.NodeModeSync}}, nil)
	ds.On("ListWatermarks", mock.Anything, mock.Anything).Return([]model.Watermark{
		{NodeID: 2, Category: "settings", LastDistributedAt: testNow.Add(-27 * time.Hour)},
		{NodeID: 2, Category: "stock", LastDistributedAt: testNow.Add(-3 * time.Hour)},
	}, nil)

	check := r.checkWatermarks(context.Background())
	assert.Equal(t, model.CheckWarning, check.Status)
	assert.Equal(t, 2, check.Details["stale"])
	assert.Equal(t, 0, check.Details["critical"])

	ds.ExpectedCalls = nil
	ds.On("ListNodes", mock.Anything, model.NodeModeSync).Return([]model.Node{{ID: 2, Mode: model.NodeModeSync}}, nil)
	ds.On("ListWatermarks", mock.Anything, mock.Anything).Return([]model.Watermark{
		{NodeID: 2, Category: "settings", LastDistributedAt: testNow.Add(-29 * time.Hour)},
	}, nil)

	check = r.checkWatermarks(context.Background())
	assert.Equal(t, model.CheckError, check.Status)
	assert.Contains(t, check.Message, "2/settings")
}

func TestCheckWatermarks_IgnoresDirectNodes(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("ListNodes", mock.Anything, model.NodeModeSync).Return([]model.Node{{ID: 2, Mode: model.NodeModeSync}}, nil)
	ds.On("ListWatermarks", mock.Anything, mock.Anything).Return([]model.Watermark{
		{NodeID: 2, Category: "sales", LastDistributedAt: testNow.Add(-time.Minute)},
		{NodeID: 7, Category: "sales", LastDistributedAt: testNow.Add(-72 * time.Hour)},
	}, nil)

	check := r.checkWatermarks(context.Background())
	assert.Equal(t, model.CheckOK, check.Status, check.Message)
	assert.Equal(t, "1 watermarks tracked", check.Message)
}
