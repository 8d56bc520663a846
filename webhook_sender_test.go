package replicator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/storesync/replicator/database/mocks"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/internal/signature"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func syncNode(ds *mocks.MockDataSource, nodeID int64, url string) {
	ds.On("GetNode", mock.Anything, nodeID).Return(&model.Node{ID: nodeID, Mode: model.NodeModeSync}, nil)
	ds.On("GetWebhookEndpoint", mock.Anything, nodeID).Return(&model.WebhookEndpoint{NodeID: nodeID, URL: url, Secret: "node-secret", Active: true}, nil)
}

func TestDeliver_SignsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		err := signature.Verify("node-secret", body,
			req.Header.Get(signature.HeaderSignature), req.Header.Get(signature.HeaderTimestamp), testNow, 5*time.Minute)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var env model.WebhookEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.DeliveryID != req.Header.Get(signature.HeaderDelivery) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Header.Get(signature.HeaderNode) != "2" || req.Header.Get(signature.HeaderPriority) != "critical" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ds := &mocks.MockDataSource{}
	syncNode(ds, 2, srv.URL)
	ds.On("InsertWebhookDelivery", mock.Anything, mock.MatchedBy(func(d *model.WebhookDelivery) bool {
		return d.Status == model.DeliveryStatusDelivered && d.StatusCode == http.StatusAccepted && d.DeliveredAt != nil
	})).Return(nil)

	sender := NewWebhookSender(ds, testConfig().Webhook, srv.Client(), func() time.Time { return testNow })
	result := sender.Deliver(context.Background(), 2, model.EventSaleNotification, json.RawMessage(`{"sale_id":1}`), "critical")

	assert.True(t, result.Success, result.Error)
	assert.Equal(t, http.StatusAccepted, result.StatusCode)
	assert.NotEmpty(t, result.DeliveryID)
	ds.AssertExpectations(t)
}

func TestDeliver_DirectNodeIsPermanent(t *testing.T) {
	ds := &mocks.MockDataSource{}
	ds.On("GetNode", mock.Anything, int64(4)).Return(&model.Node{ID: 4, Mode: model.NodeModeDirect}, nil)

	sender := NewWebhookSender(ds, testConfig().Webhook, http.DefaultClient, nil)
	result := sender.Deliver(context.Background(), 4, model.EventPriceUpdate, json.RawMessage(`{}`), "normal")

	assert.False(t, result.Success)
	assert.Equal(t, model.ErrorKindPermanent, result.ErrorKind)
	ds.AssertNotCalled(t, "InsertWebhookDelivery", mock.Anything, mock.Anything)
}

func TestDeliver_MissingEndpointIsPermanent(t *testing.T) {
	ds := &mocks.MockDataSource{}
	ds.On("GetNode", mock.Anything, int64(4)).Return(&model.Node{ID: 4, Mode: model.NodeModeSync}, nil)
	ds.On("GetWebhookEndpoint", mock.Anything, int64(4)).Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "no endpoint", nil))

	sender := NewWebhookSender(ds, testConfig().Webhook, http.DefaultClient, nil)
	result := sender.Deliver(context.Background(), 4, model.EventPriceUpdate, json.RawMessage(`{}`), "normal")
	assert.Equal(t, model.ErrorKindPermanent, result.ErrorKind)
}

func TestDeliver_ClassifiesResponses(t *testing.T) {
	tests := []struct {
		status int
		want   model.ErrorKind
	}{
		{status: http.StatusInternalServerError, want: model.ErrorKindTransient},
		{status: http.StatusTooManyRequests, want: model.ErrorKindTransient},
		{status: http.StatusConflict, want: model.ErrorKindConflict},
		{status: http.StatusBadRequest, want: model.ErrorKindPermanent},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			ds := &mocks.MockDataSource{}
			syncNode(ds, 3, srv.URL)
			ds.On("InsertWebhookDelivery", mock.Anything, mock.MatchedBy(func(d *model.WebhookDelivery) bool {
				return d.Status == model.DeliveryStatusFailed && d.StatusCode == tt.status
			})).Return(nil)

			sender := NewWebhookSender(ds, testConfig().Webhook, srv.Client(), nil)
			result := sender.Deliver(context.Background(), 3, model.EventStockAdjustment, json.RawMessage(`{}`), "high")

			assert.False(t, result.Success)
			assert.Equal(t, tt.want, result.ErrorKind)
			assert.Contains(t, result.Error, "nope")
			ds.AssertExpectations(t)
		})
	}
}

func TestRetryFailed_UpdatesSameDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(signature.HeaderDelivery) != "delivery_abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ds := &mocks.MockDataSource{}
	syncNode(ds, 2, srv.URL)
	failedDelivery := model.WebhookDelivery{
		DeliveryID: "delivery_abc",
		NodeID:     2,
		EventType:  model.EventDataSync,
		Payload:    json.RawMessage(`{"category":"customers"}`),
		Status:     model.DeliveryStatusFailed,
		RetryCount: 1,
	}
	ds.On("ListRetryableDeliveries", mock.Anything, mock.Anything, model.RedeliverableEvents, testNow.Add(-24*time.Hour), 3, 50).
		Return([]model.WebhookDelivery{failedDelivery}, nil)
	ds.On("UpdateWebhookDeliveryAttempt", mock.Anything, mock.MatchedBy(func(d *model.WebhookDelivery) bool {
		return d.DeliveryID == "delivery_abc" && d.RetryCount == 2 && d.Status == model.DeliveryStatusDelivered
	})).Return(nil)

	sender := NewWebhookSender(ds, testConfig().Webhook, srv.Client(), func() time.Time { return testNow })
	summary, err := sender.RetryFailed(context.Background(), nil, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Selected)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 0, summary.Failed)
	ds.AssertNotCalled(t, "InsertWebhookDelivery", mock.Anything, mock.Anything)
	ds.AssertExpectations(t)
}

func TestRetryFailed_GoneTargetIsNotRetriedAgain(t *testing.T) {
	ds := &mocks.MockDataSource{}
	ds.On("GetNode", mock.Anything, int64(4)).Return(&model.Node{ID: 4, Mode: model.NodeModeDirect}, nil)
	ds.On("GetNode", mock.Anything, int64(6)).Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "node not found", nil))
	deliveries := []model.WebhookDelivery{
		{DeliveryID: "delivery_direct", NodeID: 4, EventType: model.EventDataSync, Status: model.DeliveryStatusFailed, RetryCount: 0},
		{DeliveryID: "delivery_gone", NodeID: 6, EventType: model.EventDataSync, Status: model.DeliveryStatusFailed, RetryCount: 1},
	}
	ds.On("ListRetryableDeliveries", mock.Anything, mock.Anything, model.RedeliverableEvents, testNow.Add(-24*time.Hour), 3, 50).
		Return(deliveries, nil)
	ds.On("UpdateWebhookDeliveryAttempt", mock.Anything, mock.MatchedBy(func(d *model.WebhookDelivery) bool {
		return d.RetryCount == 3 && d.Status == model.DeliveryStatusFailed && d.ErrorMessage != ""
	})).Return(nil).Twice()

	sender := NewWebhookSender(ds, testConfig().Webhook, http.DefaultClient, func() time.Time { return testNow })
	summary, err := sender.RetryFailed(context.Background(), nil, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	for _, r := range summary.Results {
		assert.Equal(t, model.ErrorKindPermanent, r.ErrorKind)
	}
	ds.AssertExpectations(t)
}

func TestRedeliver_TransientLookupFailureCountsAttempt(t *testing.T) {
	ds := &mocks.MockDataSource{}
	ds.On("GetNode", mock.Anything, int64(2)).Return(nil, apierror.NewAPIError(apierror.ErrInternalServer, "connection reset", nil))
	ds.On("UpdateWebhookDeliveryAttempt", mock.Anything, mock.MatchedBy(func(d *model.WebhookDelivery) bool {
		return d.DeliveryID == "delivery_abc" && d.RetryCount == 2 && d.ErrorMessage != ""
	})).Return(nil)

	sender := NewWebhookSender(ds, testConfig().Webhook, http.DefaultClient, func() time.Time { return testNow })
	result := sender.Redeliver(context.Background(), model.WebhookDelivery{DeliveryID: "delivery_abc", NodeID: 2, RetryCount: 1}, 3)
	assert.False(t, result.Success)
	assert.Equal(t, model.ErrorKindTransient, result.ErrorKind)
	ds.AssertExpectations(t)
}
