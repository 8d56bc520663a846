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
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
)

// scannedSubtypes returns the detectable subtypes of a category in a stable order.
func scannedSubtypes(category model.ConflictCategory) []model.ConflictSubtype {
	var out []model.ConflictSubtype
	for subtype, c := range model.ConflictSubtypes {
		if c == category && subtype.Scanned() {
			out = append(out, subtype)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Replicator) detectionParams() database.DetectionParams {
	cfg := r.config.Conflict
	now := r.now()
	return database.DetectionParams{
		Now:                now,
		PointsTolerance:    cfg.PointsTolerance,
		OfflineSaleCutoff:  now.Add(-time.Duration(cfg.OfflineSaleDelayMinutes) * time.Minute),
		DuplicateSince:     now.AddDate(0, 0, -cfg.DuplicateInvoiceWindowDays),
		StuckBefore:        now.Add(-time.Duration(cfg.StuckQueueMinutes) * time.Minute),
		WatermarkIntervals: r.categories.Intervals(),
		WatermarkGrace:     time.Duration(cfg.WatermarkStaleHours) * time.Hour,
		Limit:              100,
	}
}

// assignPriority sets the priority of a freshly detected conflict from its
// subtype and, where the subtype has grades, from its details.
func (r *Replicator) assignPriority(c *model.Conflict) {
	switch c.Subtype {
	case model.SubtypeNegativeStock:
		c.Priority = model.PriorityCritical
	case model.SubtypeInsufficientReserved, model.SubtypeCustomerDebtMismatch,
		model.SubtypeDuplicateInvoiceNumber, model.SubtypeSyncQueueStuck, model.SubtypeDeliveryRejected:
		c.Priority = model.PriorityHigh
	case model.SubtypeExpiredReservation:
		c.Priority = model.PriorityMedium
		if available, err := detailDecimal(c.Details, "available"); err == nil && available.IsNegative() {
			c.Priority = model.PriorityHigh
		}
	case model.SubtypeOfflineSaleSyncFailure:
		c.Priority = model.PriorityMedium
		if c.Details["sync_status"] == "failed" {
			c.Priority = model.PriorityHigh
		}
	case model.SubtypeSyncMetadataOutdated:
		c.Priority = model.PriorityMedium
		hours, ok := c.Details["overdue_hours"].(float64)
		if !ok {
			hours, ok = c.Details["stale_hours"].(float64)
		}
		if ok && hours >= float64(r.config.Conflict.WatermarkCriticalHours) {
			c.Priority = model.PriorityCritical
		}
	default:
		c.Priority = model.PriorityMedium
	}
}

// Detect scans the domain store for the given conflict categories (all of
// them when none are given) and records every new inconsistency. A conflict
// already recorded for the same entity within the dedupe window is skipped.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - categories []model.ConflictCategory: The categories to scan.
//
// Returns:
// - *model.DetectionResult: Counts of detected and newly recorded conflicts.
// - error: An error if a category is unknown.
func (r *Replicator) Detect(ctx context.Context, categories []model.ConflictCategory) (*model.DetectionResult, error) {
	ctx, span := tracer.Start(ctx, "DetectConflicts")
	defer span.End()

	if len(categories) == 0 {
		categories = model.ConflictCategories
	}
	for _, c := range categories {
		if !c.Valid() {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown conflict category %q", c), nil)
		}
	}

	params := r.detectionParams()
	window := time.Duration(r.config.Conflict.DedupeWindowMinutes) * time.Minute
	result := &model.DetectionResult{Checked: categories}
	for _, category := range categories {
		for _, subtype := range scannedSubtypes(category) {
			p := params
			if subtype == model.SubtypeSyncQueueStuck && r.config.Conflict.StuckQueueLimit > 0 {
				p.Limit = r.config.Conflict.StuckQueueLimit
			}
			found, err := r.datasource.DetectConflicts(ctx, subtype, p)
			if err != nil {
				logrus.WithField("subtype", subtype).Errorf("conflict detection failed: %v", err)
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", subtype, err))
				continue
			}
			result.Detected += len(found)
			for i := range found {
				c := found[i]
				r.assignPriority(&c)
				recorded, err := r.datasource.RecordConflict(ctx, &c, window)
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("%s/%s: %v", subtype, c.EntityID, err))
					continue
				}
				if recorded {
					result.Recorded++
				}
			}
		}
	}
	if result.Recorded > 0 {
		logrus.WithFields(logrus.Fields{"detected": result.Detected, "recorded": result.Recorded}).Info("conflicts recorded")
	}
	return result, nil
}

// ListConflicts returns conflicts matching the filter, newest first.
func (r *Replicator) ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]model.Conflict, int, error) {
	if filter.Category != "" && !model.ConflictCategory(filter.Category).Valid() {
		return nil, 0, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown conflict category %q", filter.Category), nil)
	}
	if filter.Subtype != "" {
		if _, ok := model.ConflictSubtypes[model.ConflictSubtype(filter.Subtype)]; !ok {
			return nil, 0, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown conflict subtype %q", filter.Subtype), nil)
		}
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	conflicts, err := r.datasource.ListConflicts(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := r.datasource.CountConflicts(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return conflicts, total, nil
}

func (r *Replicator) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	return r.datasource.GetConflict(ctx, id)
}

// ConflictSummary counts conflicts by category, status and priority.
func (r *Replicator) ConflictSummary(ctx context.Context) (*model.ConflictSummary, error) {
	return r.datasource.ConflictSummary(ctx)
}

// BulkCleanup deletes conflicts older than the given number of days. Scope
// resolved only touches closed conflicts; all_old also removes pending ones.
func (r *Replicator) BulkCleanup(ctx context.Context, olderThanDays int, scope model.CleanupScope) (int64, error) {
	if olderThanDays <= 0 {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "older_than_days must be positive", nil)
	}
	if scope != model.CleanupResolved && scope != model.CleanupAllOld {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown cleanup scope %q", scope), nil)
	}
	before := r.now().AddDate(0, 0, -olderThanDays)
	deleted, err := r.datasource.CleanupConflicts(ctx, before, scope)
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"scope": scope, "deleted": deleted}).Info("conflicts cleaned up")
	return deleted, nil
}
