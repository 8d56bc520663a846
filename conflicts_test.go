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
	"errors"
	"testing"
	"time"

	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/database/mocks"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestScannedSubtypes(t *testing.T) {
	assert.Equal(t, []model.ConflictSubtype{
		model.SubtypeExpiredReservation,
		model.SubtypeInsufficientReserved,
		model.SubtypeNegativeStock,
	}, scannedSubtypes(model.ConflictCategoryStock))
	assert.NotContains(t, scannedSubtypes(model.ConflictCategorySync), model.SubtypeDeliveryRejected)
}

func TestAssignPriority(t *testing.T) {
	r := newTestReplicator(t, &mocks.MockDataSource{}, nil, nil, nil)
	tests := []struct {
		name    string
		subtype model.ConflictSubtype
		details map[string]interface{}
		want    model.ConflictPriority
	}{
		{"negative stock", model.SubtypeNegativeStock, nil, model.PriorityCritical},
		{"duplicate invoice", model.SubtypeDuplicateInvoiceNumber, nil, model.PriorityHigh},
		{"expired reservation", model.SubtypeExpiredReservation, map[string]interface{}{"available": "3"}, model.PriorityMedium},
		{"expired reservation oversold", model.SubtypeExpiredReservation, map[string]interface{}{"available": "-2"}, model.PriorityHigh},
		{"offline sale pending", model.SubtypeOfflineSaleSyncFailure, map[string]interface{}{"sync_status": "pending"}, model.PriorityMedium},
		{"offline sale failed", model.SubtypeOfflineSaleSyncFailure, map[string]interface{}{"sync_status": "failed"}, model.PriorityHigh},
		{"stale watermark", model.SubtypeSyncMetadataOutdated, map[string]interface{}{"stale_hours": 2.5}, model.PriorityMedium},
		{"very stale watermark", model.SubtypeSyncMetadataOutdated, map[string]interface{}{"stale_hours": 6.0}, model.PriorityCritical},
		{"daily watermark slightly overdue", model.SubtypeSyncMetadataOutdated, map[string]interface{}{"stale_hours": 26.5, "overdue_hours": 2.5}, model.PriorityMedium},
		{"daily watermark far behind", model.SubtypeSyncMetadataOutdated, map[string]interface{}{"stale_hours": 30.0, "overdue_hours": 6.0}, model.PriorityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &model.Conflict{Subtype: tt.subtype, Details: tt.details}
			r.assignPriority(c)
			assert.Equal(t, tt.want, c.Priority)
		})
	}
}

func TestDetect_RecordsAndDeduplicates(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)

	ds.On("DetectConflicts", mock.Anything, model.SubtypeNegativeStock, mock.MatchedBy(func(p database.DetectionParams) bool {
		return p.Now.Equal(testNow) && p.Limit == 100
	})).Return([]model.Conflict{
		{Category: model.ConflictCategoryStock, Subtype: model.SubtypeNegativeStock, EntityID: "11", Details: map[string]interface{}{"stock_id": "11", "quantity": "-4"}},
		{Category: model.ConflictCategoryStock, Subtype: model.SubtypeNegativeStock, EntityID: "12", Details: map[string]interface{}{"stock_id": "12", "quantity": "-1"}},
	}, nil)
	ds.On("DetectConflicts", mock.Anything, model.SubtypeExpiredReservation, mock.Anything).Return([]model.Conflict{}, nil)
	ds.On("DetectConflicts", mock.Anything, model.SubtypeInsufficientReserved, mock.Anything).Return(nil, errors.New("canceling statement due to statement timeout"))

	ds.On("RecordConflict", mock.Anything, mock.MatchedBy(func(c *model.Conflict) bool {
		return c.EntityID == "11" && c.Priority == model.PriorityCritical
	}), 60*time.Minute).Return(true, nil)
	ds.On("RecordConflict", mock.Anything, mock.MatchedBy(func(c *model.Conflict) bool {
		return c.EntityID == "12"
	}), 60*time.Minute).Return(false, nil)

	result, err := r.Detect(context.Background(), []model.ConflictCategory{model.ConflictCategoryStock})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Detected)
	assert.Equal(t, 1, result.Recorded)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], string(model.SubtypeInsufficientReserved))
	ds.AssertExpectations(t)
}

func TestDetect_StuckQueueUsesOwnLimit(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)

	ds.On("DetectConflicts", mock.Anything, model.SubtypeSyncQueueStuck, mock.MatchedBy(func(p database.DetectionParams) bool {
		return p.Limit == 20 && p.StuckBefore.Equal(testNow.Add(-30*time.Minute))
	})).Return([]model.Conflict{}, nil)
	ds.On("DetectConflicts", mock.Anything, model.SubtypeSyncMetadataOutdated, mock.MatchedBy(func(p database.DetectionParams) bool {
		return p.Limit == 100 && p.WatermarkGrace == 2*time.Hour &&
			p.WatermarkIntervals["settings"] == 24*time.Hour && p.WatermarkIntervals["sales"] == 0
	})).Return([]model.Conflict{}, nil)

	result, err := r.Detect(context.Background(), []model.ConflictCategory{model.ConflictCategorySync})
	require.NoError(t, err)
	assert.Zero(t, result.Detected)
	ds.AssertExpectations(t)
}

func TestDetect_UnknownCategory(t *testing.T) {
	r := newTestReplicator(t, &mocks.MockDataSource{}, nil, nil, nil)
	_, err := r.Detect(context.Background(), []model.ConflictCategory{"pricing"})
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestListConflicts_ValidatesFilter(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)

	_, _, err := r.ListConflicts(context.Background(), model.ConflictFilter{Subtype: "mystery"})
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))

	filter := model.ConflictFilter{Status: string(model.ConflictPending), Limit: 50}
	ds.On("ListConflicts", mock.Anything, filter).Return([]model.Conflict{{ID: "conflict_1"}}, nil)
	ds.On("CountConflicts", mock.Anything, filter).Return(7, nil)

	conflicts, total, err := r.ListConflicts(context.Background(), model.ConflictFilter{Status: string(model.ConflictPending)})
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
	assert.Equal(t, 7, total)
}

func TestBulkCleanup(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)

	_, err := r.BulkCleanup(context.Background(), 0, model.CleanupResolved)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
	_, err = r.BulkCleanup(context.Background(), 30, "everything")
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))

	ds.On("CleanupConflicts", mock.Anything, testNow.AddDate(0, 0, -30), model.CleanupResolved).Return(int64(14), nil)
	deleted, err := r.BulkCleanup(context.Background(), 30, model.CleanupResolved)
	require.NoError(t, err)
	assert.Equal(t, int64(14), deleted)
}
