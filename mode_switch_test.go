package replicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/database/mocks"
	"github.com/storesync/replicator/internal/apierror"
	storagemonitor "github.com/storesync/replicator/internal/storage-monitor"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSwitchToSync_RefusesWhenDiskIsShort(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	r.probe = storagemonitor.StaticProbe{DiskUsage: storagemonitor.DiskUsage{UsedPercent: 97, FreeBytes: 200 << 20}}
	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeDirect}, nil)

	result, err := r.SwitchToSync(context.Background(), 5, "https://store5.example.com/hooks", "")
	assert.True(t, apierror.Is(err, apierror.ErrUnprocessable))
	assert.False(t, result.Success)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "preflight", result.Steps[0].Step)
	assert.False(t, result.Steps[0].Success)
	ds.AssertNotCalled(t, "UpsertWebhookEndpoint", mock.Anything, mock.Anything)
}

func TestSwitchToSync_RefusesSyncAndCentralNodes(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeSync}, nil)
	ds.On("GetNode", mock.Anything, int64(9)).Return(&model.Node{ID: 9, Mode: model.NodeModeDirect, IsCentral: true}, nil)

	_, err := r.SwitchToSync(context.Background(), 5, "https://store5.example.com/hooks", "")
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	_, err = r.SwitchToSync(context.Background(), 9, "https://central.example.com/hooks", "")
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
}

func TestSwitchToSync_BackfillsThenActivates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, srv.Client(), nil)

	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeDirect}, nil)
	ds.On("UpsertWebhookEndpoint", mock.Anything, mock.MatchedBy(func(e *model.WebhookEndpoint) bool {
		return e.NodeID == 5 && !e.Active && e.Secret == "shared"
	})).Return(nil)
	ds.On("FetchChangedRecords", mock.Anything, mock.MatchedBy(func(q database.RecordQuery) bool {
		return q.Table == "sales" && q.Since.Equal(time.Unix(0, 0))
	})).Return([]map[string]interface{}{{"id": float64(1)}}, nil)
	ds.On("FetchChangedRecords", mock.Anything, mock.Anything).Return([]map[string]interface{}{}, nil)
	ds.On("InsertWebhookDelivery", mock.Anything, mock.Anything).Return(nil)
	ds.On("AdvanceWatermark", mock.Anything, int64(5), mock.Anything, testNow, model.WatermarkStatusOK, "").Return(nil)
	ds.On("MarkNodeBackfilled", mock.Anything, int64(5), testNow).Return(nil)
	ds.On("ActivateSyncMode", mock.Anything, int64(5), mock.MatchedBy(func(e *model.AuditEntry) bool {
		var payload map[string]interface{}
		_ = json.Unmarshal(e.Payload, &payload)
		return e.EventType == model.AuditModeTransition && payload["to"] == string(model.NodeModeSync)
	})).Return(nil)
	ds.On("GetWatermark", mock.Anything, int64(5), mock.Anything).Return(&model.Watermark{NodeID: 5, LastDistributedAt: testNow}, nil)

	result, err := r.SwitchToSync(context.Background(), 5, srv.URL, "shared")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.Backfill, 10)
	assert.Len(t, result.CatchUp, 10)
	assert.Len(t, result.Steps, 15)
	assert.Equal(t, "activate", result.Steps[len(result.Steps)-2].Step)
	assert.Equal(t, "catch_up", result.Steps[len(result.Steps)-1].Step)

	ds.AssertNumberOfCalls(t, "AdvanceWatermark", 20)
	ds.AssertNotCalled(t, "AdvanceWatermark", mock.Anything, int64(0), mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "SetWebhookEndpointActive", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertExpectations(t)
}

func TestSwitchToSync_CatchesUpChangesMadeDuringBackfill(t *testing.T) {
	var mu sync.Mutex
	var batches []model.RecordBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var envelope model.WebhookEnvelope
		if err := json.NewDecoder(req.Body).Decode(&envelope); err == nil {
			var batch model.RecordBatch
			if json.Unmarshal(envelope.Data, &batch) == nil {
				mu.Lock()
				batches = append(batches, batch)
				mu.Unlock()
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, srv.Client(), nil)
	backfilledUntil := testNow.Add(-10 * time.Minute)
	activated := false

	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeDirect}, nil)
	ds.On("UpsertWebhookEndpoint", mock.Anything, mock.Anything).Return(nil)
	ds.On("FetchChangedRecords", mock.Anything, mock.MatchedBy(func(q database.RecordQuery) bool {
		return q.Table == "sales" && q.Since.Equal(backfilledUntil)
	})).Return([]map[string]interface{}{{"id": float64(42)}}, nil)
	ds.On("FetchChangedRecords", mock.Anything, mock.Anything).Return([]map[string]interface{}{}, nil)
	ds.On("InsertWebhookDelivery", mock.Anything, mock.Anything).Return(nil)
	ds.On("AdvanceWatermark", mock.Anything, int64(5), mock.Anything, testNow, model.WatermarkStatusOK, "").Return(nil)
	ds.On("MarkNodeBackfilled", mock.Anything, int64(5), testNow).Return(nil)
	ds.On("ActivateSyncMode", mock.Anything, int64(5), mock.Anything).Run(func(mock.Arguments) {
		activated = true
	}).Return(nil)
	// A scheduled run skipped the inactive node, so its watermark still sits
	// at the backfill cutoff.
	ds.On("GetWatermark", mock.Anything, int64(5), "sales").Return(&model.Watermark{NodeID: 5, Category: "sales", LastDistributedAt: backfilledUntil}, nil)
	ds.On("GetWatermark", mock.Anything, int64(5), mock.Anything).Return(&model.Watermark{NodeID: 5, LastDistributedAt: testNow}, nil)

	result, err := r.SwitchToSync(context.Background(), 5, srv.URL, "shared")
	require.NoError(t, err)
	require.True(t, activated)
	require.Len(t, result.CatchUp, 10)
	assert.Equal(t, "sales", result.CatchUp[0].Category)
	assert.Equal(t, 1, result.CatchUp[0].RecordCount)
	assert.Equal(t, 1, result.CatchUp[0].Succeeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.Equal(t, "sales", batches[0].Category)
	assert.True(t, batches[0].Since.Equal(backfilledUntil))
	assert.Equal(t, float64(42), batches[0].Records[0]["id"])
}

func TestSwitchToSync_RollsBackOnBackfillFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, srv.Client(), nil)

	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeDirect}, nil)
	ds.On("UpsertWebhookEndpoint", mock.Anything, mock.Anything).Return(nil)
	ds.On("FetchChangedRecords", mock.Anything, mock.Anything).Return([]map[string]interface{}{{"id": float64(1)}}, nil)
	ds.On("InsertWebhookDelivery", mock.Anything, mock.Anything).Return(nil)
	ds.On("AdvanceWatermark", mock.Anything, int64(5), "sales", testNow, model.WatermarkStatusFailed, mock.Anything).Return(nil)
	ds.On("SetWebhookEndpointActive", mock.Anything, int64(5), false).Return(nil)
	ds.On("InsertAuditEntry", mock.Anything, mock.MatchedBy(func(e *model.AuditEntry) bool {
		var payload map[string]interface{}
		_ = json.Unmarshal(e.Payload, &payload)
		return payload["rolled_back"] == true
	})).Return(nil)

	result, err := r.SwitchToSync(context.Background(), 5, srv.URL, "shared")
	require.Error(t, err)
	assert.False(t, result.Success)
	last := result.Steps[len(result.Steps)-1]
	assert.Equal(t, "rollback", last.Step)
	assert.True(t, last.Success)

	ds.AssertNotCalled(t, "MarkNodeBackfilled", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "ActivateSyncMode", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertExpectations(t)
}

func TestSwitchToDirect(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)

	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeSync}, nil)
	ds.On("SetWebhookEndpointActive", mock.Anything, int64(5), false).Return(nil)
	ds.On("SetNodeMode", mock.Anything, int64(5), model.NodeModeDirect).Return(nil)
	ds.On("InsertAuditEntry", mock.Anything, mock.Anything).Return(nil)

	result, err := r.SwitchToDirect(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.Steps, 3)
	ds.AssertExpectations(t)
}

func TestSetNodeMode_RequiresBackfill(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeDirect}, nil)

	err := r.SetNodeMode(context.Background(), 5, model.NodeModeSync)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	ds.AssertNotCalled(t, "SetNodeMode", mock.Anything, mock.Anything, mock.Anything)

	err = r.SetNodeMode(context.Background(), 5, "HYBRID")
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestSetNodeMode_SyncRequiresActiveEndpoint(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	backfilled := testNow.AddDate(0, -3, 0)
	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeDirect, BackfilledAt: &backfilled}, nil)
	ds.On("GetWebhookEndpoint", mock.Anything, int64(5)).Return(&model.WebhookEndpoint{NodeID: 5, Active: false}, nil).Once()

	err := r.SetNodeMode(context.Background(), 5, model.NodeModeSync)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))

	ds.On("GetWebhookEndpoint", mock.Anything, int64(5)).Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "no endpoint", nil)).Once()
	err = r.SetNodeMode(context.Background(), 5, model.NodeModeSync)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	ds.AssertNotCalled(t, "SetNodeMode", mock.Anything, mock.Anything, mock.Anything)
}

func TestSetNodeMode_SyncAfterFreshBackfill(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	backfilled := testNow.Add(-time.Hour)
	ds.On("GetNode", mock.Anything, int64(5)).Return(&model.Node{ID: 5, Mode: model.NodeModeDirect, BackfilledAt: &backfilled}, nil)
	ds.On("GetWebhookEndpoint", mock.Anything, int64(5)).Return(&model.WebhookEndpoint{NodeID: 5, Active: true}, nil)
	ds.On("SetNodeMode", mock.Anything, int64(5), model.NodeModeSync).Return(nil)
	ds.On("InsertAuditEntry", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, r.SetNodeMode(context.Background(), 5, model.NodeModeSync))
	ds.AssertExpectations(t)
}

func TestUpsertNode_DefaultsToDirect(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("UpsertNode", mock.Anything, mock.MatchedBy(func(n *model.Node) bool {
		return n.ID == 8 && n.Mode == model.NodeModeDirect
	})).Return(nil)

	require.NoError(t, r.UpsertNode(context.Background(), &model.Node{ID: 8, Name: "Harbour St"}))
	assert.True(t, apierror.Is(r.UpsertNode(context.Background(), &model.Node{Name: "nameless"}), apierror.ErrInvalidInput))
}
