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
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/internal/notification"
	"github.com/storesync/replicator/model"
)

const (
	checkDatabase  = "database"
	checkRedis     = "redis"
	checkQueue     = "queue"
	checkWebhooks  = "webhooks"
	checkConflicts = "conflicts"
	checkDisk      = "disk_space"
	checkResources = "system_resources"
	checkWatermark = "watermarks"
)

type healthCheck func(ctx context.Context) model.HealthCheck

func (r *Replicator) healthChecks() []healthCheck {
	return []healthCheck{
		r.checkDatabase,
		r.checkRedis,
		r.checkQueue,
		r.checkWebhooks,
		r.checkConflicts,
		r.checkDisk,
		r.checkResources,
		r.checkWatermarks,
	}
}

func failed(name string, err error) model.HealthCheck {
	return model.HealthCheck{Name: name, Status: model.CheckError, Message: err.Error()}
}

func (r *Replicator) checkDatabase(ctx context.Context) model.HealthCheck {
	start := time.Now()
	if err := r.datasource.Ping(ctx); err != nil {
		return failed(checkDatabase, err)
	}
	latency := time.Since(start).Milliseconds()
	check := model.HealthCheck{
		Name:    checkDatabase,
		Status:  model.CheckOK,
		Message: "database reachable",
		Details: map[string]interface{}{"response_time_ms": latency},
	}
	if latency > r.config.Health.ResponseTimeThresholdMs {
		check.Status = model.CheckWarning
		check.Message = fmt.Sprintf("database responded in %dms", latency)
	}
	return check
}

func (r *Replicator) checkRedis(ctx context.Context) model.HealthCheck {
	if r.redis == nil {
		return model.HealthCheck{Name: checkRedis, Status: model.CheckWarning, Message: "redis not configured"}
	}
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return failed(checkRedis, err)
	}
	return model.HealthCheck{Name: checkRedis, Status: model.CheckOK, Message: "redis reachable"}
}

func (r *Replicator) checkQueue(ctx context.Context) model.HealthCheck {
	cfg := r.config.Health
	status, err := r.datasource.GetQueueStatus(ctx, nil, r.now())
	if err != nil {
		return failed(checkQueue, err)
	}
	old, err := r.datasource.CountPendingOlderThan(ctx, r.now().Add(-time.Hour))
	if err != nil {
		return failed(checkQueue, err)
	}
	pending := status.ByStatus[string(model.QueueStatusPending)]
	failedItems := status.ByStatus[string(model.QueueStatusFailed)]
	check := model.HealthCheck{
		Name:    checkQueue,
		Status:  model.CheckOK,
		Message: fmt.Sprintf("%d pending, %d failed", pending, failedItems),
		Details: map[string]interface{}{
			"pending":                    pending,
			"failed":                     failedItems,
			"pending_older_than_1h":      old,
			"oldest_pending_age_seconds": status.OldestPendingAgeSeconds,
		},
	}
	switch {
	case pending > cfg.QueueThreshold || failedItems > cfg.FailedSyncThreshold:
		check.Status = model.CheckError
	case old > cfg.OldPendingThreshold:
		check.Status = model.CheckWarning
		check.Message = fmt.Sprintf("%d items pending for over an hour", old)
	}
	return check
}

func (r *Replicator) checkWebhooks(ctx context.Context) model.HealthCheck {
	stats, err := r.datasource.EndpointDeliveryStats(ctx, r.now().Add(-time.Hour))
	if err != nil {
		return failed(checkWebhooks, err)
	}
	var total, failedCount int
	var unhealthy []int64
	for _, s := range stats {
		total += s.Total
		failedCount += s.Failed
		if s.Active && model.EndpointHealthLabel(s.Total, s.SuccessRate) == "unhealthy" {
			unhealthy = append(unhealthy, s.NodeID)
		}
	}
	check := model.HealthCheck{
		Name:    checkWebhooks,
		Status:  model.CheckOK,
		Message: fmt.Sprintf("%d of %d deliveries failed in the last hour", failedCount, total),
		Details: map[string]interface{}{"total": total, "failed": failedCount, "unhealthy_nodes": unhealthy},
	}
	if total > 0 {
		ratio := float64(failedCount) / float64(total)
		check.Details["failure_ratio"] = ratio
		switch {
		case ratio > r.config.Health.WebhookFailureRatio*2:
			check.Status = model.CheckError
		case ratio > r.config.Health.WebhookFailureRatio || len(unhealthy) > 0:
			check.Status = model.CheckWarning
		}
	}
	return check
}

func (r *Replicator) checkConflicts(ctx context.Context) model.HealthCheck {
	pending, err := r.datasource.CountConflicts(ctx, model.ConflictFilter{Status: string(model.ConflictPending)})
	if err != nil {
		return failed(checkConflicts, err)
	}
	critical, err := r.datasource.CountConflicts(ctx, model.ConflictFilter{
		Status:   string(model.ConflictPending),
		Priority: string(model.PriorityCritical),
	})
	if err != nil {
		return failed(checkConflicts, err)
	}
	check := model.HealthCheck{
		Name:    checkConflicts,
		Status:  model.CheckOK,
		Message: fmt.Sprintf("%d pending conflicts", pending),
		Details: map[string]interface{}{"pending": pending, "critical": critical},
	}
	switch {
	case critical > 0:
		check.Status = model.CheckError
		check.Message = fmt.Sprintf("%d critical conflicts pending", critical)
	case pending > r.config.Health.ConflictBacklog:
		check.Status = model.CheckWarning
	}
	return check
}

func (r *Replicator) checkDisk(ctx context.Context) model.HealthCheck {
	usage, err := r.probe.Disk(ctx, r.config.Health.DiskPath)
	if err != nil {
		return failed(checkDisk, err)
	}
	threshold := r.config.Health.DiskThreshold
	check := model.HealthCheck{
		Name:    checkDisk,
		Status:  model.CheckOK,
		Message: fmt.Sprintf("%.1f%% used on %s", usage.UsedPercent, usage.Path),
		Details: map[string]interface{}{"used_percent": usage.UsedPercent, "free_bytes": usage.FreeBytes},
	}
	switch {
	case usage.UsedPercent > threshold:
		check.Status = model.CheckError
	case usage.UsedPercent > threshold-10:
		check.Status = model.CheckWarning
	}
	return check
}

func (r *Replicator) checkResources(ctx context.Context) model.HealthCheck {
	cpuPercent, err := r.probe.CPUPercent(ctx)
	if err != nil {
		return failed(checkResources, err)
	}
	memPercent, err := r.probe.MemoryPercent(ctx)
	if err != nil {
		return failed(checkResources, err)
	}
	check := model.HealthCheck{
		Name:    checkResources,
		Status:  model.CheckOK,
		Message: fmt.Sprintf("cpu %.1f%%, memory %.1f%%", cpuPercent, memPercent),
		Details: map[string]interface{}{"cpu_percent": cpuPercent, "memory_percent": memPercent},
	}
	if cpuPercent > r.config.Health.CPUThreshold || memPercent > r.config.Health.MemoryThreshold {
		check.Status = model.CheckWarning
	}
	return check
}

// checkWatermarks grades the central watermarks and those of SYNC nodes. A
// watermark is judged against its category's expected interval, so a daily
// category is not behind until a day plus the stale allowance has passed.
func (r *Replicator) checkWatermarks(ctx context.Context) model.HealthCheck {
	nodes, err := r.datasource.ListNodes(ctx, model.NodeModeSync)
	if err != nil {
		return failed(checkWatermark, err)
	}
	replicated := map[int64]bool{r.config.Distribution.CentralNodeID: true}
	for _, n := range nodes {
		replicated[n.ID] = true
	}
	watermarks, err := r.datasource.ListWatermarks(ctx, nil)
	if err != nil {
		return failed(checkWatermark, err)
	}
	now := r.now()
	var tracked, staleCount, criticalCount int
	var staleKeys, criticalKeys []string
	for _, w := range watermarks {
		if !replicated[w.NodeID] {
			continue
		}
		tracked++
		stale, critical := r.watermarkThresholds(w.Category)
		age := now.Sub(w.LastDistributedAt)
		key := fmt.Sprintf("%d/%s", w.NodeID, w.Category)
		switch {
		case age > critical:
			criticalCount++
			criticalKeys = append(criticalKeys, key)
		case age > stale:
			staleCount++
			staleKeys = append(staleKeys, key)
		}
	}
	check := model.HealthCheck{
		Name:    checkWatermark,
		Status:  model.CheckOK,
		Message: fmt.Sprintf("%d watermarks tracked", tracked),
		Details: map[string]interface{}{"stale": staleCount, "critical": criticalCount},
	}
	switch {
	case criticalCount > 0:
		check.Status = model.CheckError
		check.Message = fmt.Sprintf("%d watermarks past their critical age: %s", criticalCount, strings.Join(criticalKeys, ", "))
	case staleCount > 0:
		check.Status = model.CheckWarning
		check.Message = fmt.Sprintf("%d watermarks behind schedule: %s", staleCount, strings.Join(staleKeys, ", "))
	}
	return check
}

func (r *Replicator) isCriticalCheck(name string) bool {
	for _, c := range r.config.Health.CriticalChecks {
		if c == name {
			return true
		}
	}
	return false
}

// Health runs every check and scores the result: each check contributes
// 100 when ok, 70 on warning and 0 on error, and the score is their mean.
func (r *Replicator) Health(ctx context.Context) *model.HealthReport {
	ctx, span := tracer.Start(ctx, "Health")
	defer span.End()

	report := &model.HealthReport{
		Checks:         []model.HealthCheck{},
		Issues:         []string{},
		CriticalIssues: []string{},
		CheckedAt:      r.now(),
	}
	var total float64
	for _, check := range r.healthChecks() {
		result := check(ctx)
		report.Checks = append(report.Checks, result)
		total += result.Status.Score()
		if result.Status == model.CheckOK {
			continue
		}
		issue := fmt.Sprintf("%s: %s", result.Name, result.Message)
		report.Issues = append(report.Issues, issue)
		if result.Status == model.CheckError && r.isCriticalCheck(result.Name) {
			report.CriticalIssues = append(report.CriticalIssues, issue)
		}
	}
	report.Score = total / float64(len(report.Checks))
	report.Label = model.HealthLabel(report.Score)
	return report
}

// MonitorHealth runs the checks, stores the snapshot and alerts on every
// failing check. Alerts for the same check are throttled by the notifier.
func (r *Replicator) MonitorHealth(ctx context.Context) (*model.HealthReport, error) {
	report := r.Health(ctx)
	if err := r.datasource.InsertHealthSnapshot(ctx, report); err != nil {
		logrus.Errorf("failed to store health snapshot: %v", err)
	}
	for _, check := range report.Checks {
		if check.Status != model.CheckError {
			continue
		}
		severity := notification.SeverityWarning
		if r.isCriticalCheck(check.Name) {
			severity = notification.SeverityCritical
		}
		sent, err := r.notifier.Send(ctx, notification.Alert{
			Key:      "health:" + check.Name,
			Severity: severity,
			Title:    fmt.Sprintf("Replication health check %s failed", check.Name),
			Message:  check.Message,
			Details:  check.Details,
			Time:     report.CheckedAt,
		})
		if err != nil {
			logrus.WithField("check", check.Name).Errorf("failed to send alert: %v", err)
			continue
		}
		if !sent {
			logrus.WithField("check", check.Name).Debug("alert throttled")
		}
	}
	logrus.WithFields(logrus.Fields{"score": report.Score, "label": report.Label}).Info("health check completed")
	return report, nil
}

// HealthHistory returns the most recent stored snapshots.
func (r *Replicator) HealthHistory(ctx context.Context, limit int) ([]model.HealthReport, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return r.datasource.ListHealthSnapshots(ctx, limit)
}

// CleanupHealthHistory drops snapshots past the retention window.
func (r *Replicator) CleanupHealthHistory(ctx context.Context) (int64, error) {
	return r.datasource.CleanupHealthSnapshots(ctx, r.now().AddDate(0, 0, -r.config.Health.KeepHistoryDays))
}
