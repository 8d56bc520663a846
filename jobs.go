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
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
	redis_db "github.com/storesync/replicator/internal/redis-db"
	"github.com/storesync/replicator/model"
)

// Task types run by the workers process.
const (
	TaskDrainQueue    = "replicator:queue:drain"
	TaskDistribute    = "replicator:distribution:run"
	TaskForceSync     = "replicator:distribution:force_sync"
	TaskConflictScan  = "replicator:conflicts:detect"
	TaskHealthCheck   = "replicator:health:check"
	TaskWebhookRetry  = "replicator:webhooks:retry"
	TaskHousekeeping  = "replicator:housekeeping"
	defaultJobQueue   = "replicator"
	scheduledJobRetry = 0
)

// DistributeTaskPayload selects what a distribution task sends.
type DistributeTaskPayload struct {
	Freshness model.Freshness            `json:"freshness,omitempty"`
	Request   *model.DistributionRequest `json:"request,omitempty"`
}

type ForceSyncTaskPayload struct {
	TargetNodes       []int64 `json:"target_nodes"`
	IncludeHistorical bool    `json:"include_historical"`
}

type ConflictScanTaskPayload struct {
	Categories []model.ConflictCategory `json:"categories"`
}

// JobQueue enqueues replication jobs for the workers process.
type JobQueue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	queue     string
}

// RedisConnOpt builds the asynq connection from the configured redis URL.
func RedisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewJobQueue connects an asynq client and inspector.
//
// Parameters:
// - conf *config.Configuration: The configuration holding the redis URL and queue name.
//
// Returns:
// - *JobQueue: The job queue.
// - error: An error if the redis URL cannot be parsed.
func NewJobQueue(conf *config.Configuration) (*JobQueue, error) {
	opt, err := RedisConnOpt(conf)
	if err != nil {
		return nil, err
	}
	return &JobQueue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		queue:     jobQueueName(conf),
	}, nil
}

func jobQueueName(conf *config.Configuration) string {
	if conf.Queue.SchedulerQueue != "" {
		return conf.Queue.SchedulerQueue
	}
	return defaultJobQueue
}

func (q *JobQueue) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	opts = append([]asynq.Option{asynq.Queue(q.queue)}, opts...)
	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(taskType, body), opts...)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// EnqueueDistribution runs a distribution request in the background.
func (q *JobQueue) EnqueueDistribution(ctx context.Context, req model.DistributionRequest) (string, error) {
	return q.enqueue(ctx, TaskDistribute, DistributeTaskPayload{Request: &req}, asynq.MaxRetry(1))
}

// EnqueueForceSync runs a full sync in the background. Only one full sync
// for the same target set can be queued per hour.
func (q *JobQueue) EnqueueForceSync(ctx context.Context, targets []int64, includeHistorical bool) (string, error) {
	return q.enqueue(ctx, TaskForceSync, ForceSyncTaskPayload{TargetNodes: targets, IncludeHistorical: includeHistorical},
		asynq.MaxRetry(0), asynq.Unique(time.Hour), asynq.Timeout(2*time.Hour))
}

// EnqueueConflictScan runs a detection pass in the background.
func (q *JobQueue) EnqueueConflictScan(ctx context.Context, categories []model.ConflictCategory) (string, error) {
	return q.enqueue(ctx, TaskConflictScan, ConflictScanTaskPayload{Categories: categories}, asynq.MaxRetry(0))
}

// Pending reports how many jobs wait in the queue.
func (q *JobQueue) Pending() (int, error) {
	info, err := q.Inspector.GetQueueInfo(q.queue)
	if err != nil {
		return 0, err
	}
	return info.Pending + info.Scheduled + info.Retry, nil
}

func (q *JobQueue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

// RegisterJobHandlers binds every task type to the replicator.
func (r *Replicator) RegisterJobHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskDrainQueue, r.handleDrainQueue)
	mux.HandleFunc(TaskDistribute, r.handleDistribute)
	mux.HandleFunc(TaskForceSync, r.handleForceSync)
	mux.HandleFunc(TaskConflictScan, r.handleConflictScan)
	mux.HandleFunc(TaskHealthCheck, r.handleHealthCheck)
	mux.HandleFunc(TaskWebhookRetry, r.handleWebhookRetry)
	mux.HandleFunc(TaskHousekeeping, r.handleHousekeeping)
}

// scheduledJob is one periodic entry of the scheduler.
type scheduledJob struct {
	spec     string
	taskType string
	payload  interface{}
}

func (r *Replicator) scheduledJobs() []scheduledJob {
	q, d := r.config.Queue, r.config.Distribution
	return []scheduledJob{
		{spec: q.DrainCronSpec, taskType: TaskDrainQueue},
		{spec: d.RealtimeCronSpec, taskType: TaskDistribute, payload: DistributeTaskPayload{Freshness: model.FreshnessRealtime}},
		{spec: d.NearRealtimeSpec, taskType: TaskDistribute, payload: DistributeTaskPayload{Freshness: model.FreshnessNearRealtime}},
		{spec: d.DailyCronSpec, taskType: TaskDistribute, payload: DistributeTaskPayload{Freshness: model.FreshnessDaily}},
		{spec: q.ConflictScanCronSpec, taskType: TaskConflictScan, payload: ConflictScanTaskPayload{}},
		{spec: q.HealthCronSpec, taskType: TaskHealthCheck},
		{spec: q.WebhookRetryCronSpec, taskType: TaskWebhookRetry},
		{spec: q.HousekeepingCronSpec, taskType: TaskHousekeeping},
	}
}

// RegisterSchedules adds the periodic jobs to an asynq scheduler. Every entry
// is unique for a minute, so overlapping schedulers in several processes
// enqueue it once.
func (r *Replicator) RegisterSchedules(scheduler *asynq.Scheduler) ([]string, error) {
	queue := jobQueueName(r.config)
	var ids []string
	for _, job := range r.scheduledJobs() {
		if job.spec == "" {
			continue
		}
		body := []byte("{}")
		if job.payload != nil {
			var err error
			if body, err = json.Marshal(job.payload); err != nil {
				return nil, err
			}
		}
		id, err := scheduler.Register(job.spec, asynq.NewTask(job.taskType, body),
			asynq.Queue(queue), asynq.MaxRetry(scheduledJobRetry), asynq.Unique(time.Minute))
		if err != nil {
			return nil, fmt.Errorf("register %s (%s): %w", job.taskType, job.spec, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Replicator) handleDrainQueue(ctx context.Context, _ *asynq.Task) error {
	result, err := r.DrainAll(ctx)
	if err != nil {
		return err
	}
	if result.Claimed > 0 {
		logrus.WithFields(logrus.Fields{
			"claimed":   result.Claimed,
			"completed": result.Completed,
			"retried":   result.Retried,
			"failed":    result.Failed,
		}).Info(" [*] Queue drained")
	}
	return nil
}

func (r *Replicator) handleDistribute(ctx context.Context, t *asynq.Task) error {
	var payload DistributeTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	var err error
	var results []model.DistributionResult
	if payload.Request != nil {
		results, err = r.Distribute(ctx, *payload.Request)
	} else {
		results, err = r.DistributeFreshness(ctx, payload.Freshness)
	}
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Error != "" {
			logrus.WithField("category", res.Category).Warnf("distribution incomplete: %s", res.Error)
		}
	}
	return nil
}

func (r *Replicator) handleForceSync(ctx context.Context, t *asynq.Task) error {
	var payload ForceSyncTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err := r.ForceFullSync(ctx, payload.TargetNodes, payload.IncludeHistorical)
	return err
}

func (r *Replicator) handleConflictScan(ctx context.Context, t *asynq.Task) error {
	var payload ConflictScanTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err := r.Detect(ctx, payload.Categories)
	return err
}

func (r *Replicator) handleHealthCheck(ctx context.Context, _ *asynq.Task) error {
	_, err := r.MonitorHealth(ctx)
	return err
}

func (r *Replicator) handleWebhookRetry(ctx context.Context, _ *asynq.Task) error {
	summary, err := r.RetryFailedDeliveries(ctx, nil, 0, 0)
	if err != nil {
		return err
	}
	if summary.Selected > 0 {
		logrus.WithFields(logrus.Fields{"selected": summary.Selected, "delivered": summary.Delivered}).Info(" [*] Webhook deliveries retried")
	}
	return nil
}

func (r *Replicator) handleHousekeeping(ctx context.Context, _ *asynq.Task) error {
	removed, err := r.CleanupQueue(ctx)
	if err != nil {
		return err
	}
	snapshots, err := r.CleanupHealthHistory(ctx)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"completed_removed": removed.CompletedRemoved,
		"cancelled_removed": removed.CancelledRemoved,
		"snapshots_removed": snapshots,
	}).Info(" [*] Housekeeping done")
	return nil
}
