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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/storesync/replicator/database/mocks"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/internal/signature"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func signedInbound(t *testing.T, secret string, env model.WebhookEnvelope) (InboundHeaders, []byte) {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return InboundHeaders{
		Signature:  signature.Sign(secret, body),
		Timestamp:  strconv.FormatInt(env.Timestamp, 10),
		DeliveryID: env.DeliveryID,
		EventType:  env.EventType,
	}, body
}

func TestReceiveWebhook_QueuesFreshEvent(t *testing.T) {
	cnf := testConfig()
	cnf.Webhook.ReceiveSecret = "store-secret"
	cnf.Webhook.LocalNodeID = 3
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, cnf, nil, nil)

	deliveryID := gofakeit.UUID()
	headers, body := signedInbound(t, "store-secret", model.WebhookEnvelope{
		EventType:  model.EventDataSync,
		NodeID:     1,
		Timestamp:  testNow.Unix(),
		DeliveryID: deliveryID,
		Data:       json.RawMessage(`{"category":"sales","records":[]}`),
	})

	ds.On("InsertInboundEvent", mock.Anything, deliveryID, int64(1), model.EventDataSync, json.RawMessage(body)).Return(true, nil)
	ds.On("EnqueueQueueItem", mock.Anything, mock.MatchedBy(func(item *model.QueueItem) bool {
		return item.Kind == model.KindWebhookReceived && item.NodeID == 3 && item.RecordID == deliveryID
	}), mock.Anything, mock.Anything).Return("queue_in", false, nil)

	receipt, err := r.ReceiveWebhook(context.Background(), headers, body)
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, "queue_in", receipt.QueueItemID)
	ds.AssertExpectations(t)
}

func TestReceiveWebhook_DuplicateIsAcknowledged(t *testing.T) {
	cnf := testConfig()
	cnf.Webhook.ReceiveSecret = "store-secret"
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, cnf, nil, nil)

	headers, body := signedInbound(t, "store-secret", model.WebhookEnvelope{
		EventType: model.EventDataSync, NodeID: 1, Timestamp: testNow.Unix(), DeliveryID: "delivery_dup",
	})
	ds.On("InsertInboundEvent", mock.Anything, "delivery_dup", int64(1), model.EventDataSync, mock.Anything).Return(false, nil)

	receipt, err := r.ReceiveWebhook(context.Background(), headers, body)
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)
	assert.Empty(t, receipt.QueueItemID)
	ds.AssertNotCalled(t, "EnqueueQueueItem", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReceiveWebhook_FullQueueReleasesDeliveryForRetry(t *testing.T) {
	cnf := testConfig()
	cnf.Webhook.ReceiveSecret = "store-secret"
	cnf.Webhook.LocalNodeID = 3
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, cnf, nil, nil)

	headers, body := signedInbound(t, "store-secret", model.WebhookEnvelope{
		EventType: model.EventDataSync, NodeID: 1, Timestamp: testNow.Unix(), DeliveryID: "delivery_full",
	})
	full := apierror.NewAPIError(apierror.ErrTooManyRequests, "queue for node 3 is full (5000 pending)", nil)
	ds.On("InsertInboundEvent", mock.Anything, "delivery_full", int64(1), model.EventDataSync, mock.Anything).Return(true, nil).Once()
	ds.On("EnqueueQueueItem", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", false, full).Once()
	ds.On("DeleteInboundEvent", mock.Anything, "delivery_full").Return(nil).Once()

	_, err := r.ReceiveWebhook(context.Background(), headers, body)
	assert.True(t, apierror.Is(err, apierror.ErrTooManyRequests))

	// The sender's retry carries the same delivery id and must be queued.
	ds.On("InsertInboundEvent", mock.Anything, "delivery_full", int64(1), model.EventDataSync, mock.Anything).Return(true, nil).Once()
	ds.On("EnqueueQueueItem", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("queue_retry", false, nil).Once()

	receipt, err := r.ReceiveWebhook(context.Background(), headers, body)
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, "queue_retry", receipt.QueueItemID)
	ds.AssertExpectations(t)
	ds.AssertNumberOfCalls(t, "DeleteInboundEvent", 1)
}

func TestReceiveWebhook_RejectsBadSignatures(t *testing.T) {
	cnf := testConfig()
	cnf.Webhook.ReceiveSecret = "store-secret"
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, cnf, nil, nil)

	env := model.WebhookEnvelope{EventType: model.EventDataSync, NodeID: 1, Timestamp: testNow.Unix(), DeliveryID: "delivery_1"}

	headers, body := signedInbound(t, "wrong-secret", env)
	_, err := r.ReceiveWebhook(context.Background(), headers, body)
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	env.Timestamp = testNow.Add(-10 * time.Minute).Unix()
	headers, body = signedInbound(t, "store-secret", env)
	_, err = r.ReceiveWebhook(context.Background(), headers, body)
	assert.ErrorIs(t, err, signature.ErrExpiredTimestamp)

	ds.AssertNotCalled(t, "InsertInboundEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReceiveWebhook_RequiresSecret(t *testing.T) {
	r := newTestReplicator(t, &mocks.MockDataSource{}, nil, nil, nil)
	_, err := r.ReceiveWebhook(context.Background(), InboundHeaders{}, []byte(`{}`))
	assert.True(t, apierror.Is(err, apierror.ErrInternalServer))
}

func TestApplyInbound_MarksEventApplied(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("MarkInboundEventApplied", mock.Anything, "delivery_9", testNow).Return(nil)

	result := r.applyInbound(context.Background(), model.QueueItem{NodeID: 3, Payload: json.RawMessage(`{"delivery_id":"delivery_9","event_type":"data_sync"}`)})
	assert.True(t, result.Success)

	result = r.applyInbound(context.Background(), model.QueueItem{NodeID: 3, Payload: json.RawMessage(`{"hello":"world"}`)})
	assert.Equal(t, model.ErrorKindPermanent, result.ErrorKind)
}

func TestRegisterEndpoint_RequiresSyncNode(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("GetNode", mock.Anything, int64(6)).Return(&model.Node{ID: 6, Mode: model.NodeModeDirect}, nil)

	_, _, err := r.RegisterEndpoint(context.Background(), 6, "https://store6.example.com/hooks", "")
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	ds.AssertNotCalled(t, "UpsertWebhookEndpoint", mock.Anything, mock.Anything)
}

func TestRegisterEndpoint_StoresAndTests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(signature.HeaderEvent) != model.EventEndpointTest {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, srv.Client(), nil)
	ds.On("GetNode", mock.Anything, int64(6)).Return(&model.Node{ID: 6, Mode: model.NodeModeSync}, nil)
	ds.On("UpsertWebhookEndpoint", mock.Anything, mock.MatchedBy(func(e *model.WebhookEndpoint) bool {
		return e.NodeID == 6 && e.Active && len(e.Secret) == 64
	})).Return(nil)
	ds.On("InsertWebhookDelivery", mock.Anything, mock.Anything).Return(nil)

	endpoint, result, err := r.RegisterEndpoint(context.Background(), 6, srv.URL, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, srv.URL, endpoint.URL)
	ds.AssertExpectations(t)
}

func TestValidateEndpointURL(t *testing.T) {
	assert.NoError(t, validateEndpointURL("https://store.example.com/webhooks"))
	assert.Error(t, validateEndpointURL("ftp://store.example.com"))
	assert.Error(t, validateEndpointURL("/relative/path"))
}

func TestEndpointHealth_LabelsBySuccessRate(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)

	ds.On("EndpointDeliveryStats", mock.Anything, testNow.Add(-24*time.Hour)).Return([]model.EndpointHealth{
		{NodeID: 2, Total: 100, Delivered: 99, SuccessRate: 99},
		{NodeID: 3, Total: 10, Delivered: 9, SuccessRate: 90},
		{NodeID: 4, Total: 10, Delivered: 5, SuccessRate: 50},
		{NodeID: 5},
	}, nil)

	health, err := r.EndpointHealth(context.Background())
	require.NoError(t, err)
	require.Len(t, health, 4)
	assert.Equal(t, "healthy", health[0].Health)
	assert.Equal(t, "warning", health[1].Health)
	assert.Equal(t, "unhealthy", health[2].Health)
	assert.Equal(t, "unknown", health[3].Health)
}
