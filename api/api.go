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
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/storesync/replicator"
	"github.com/storesync/replicator/api/middleware"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// JobQueue hands long running work to the workers process.
type JobQueue interface {
	EnqueueDistribution(ctx context.Context, req model.DistributionRequest) (string, error)
	EnqueueForceSync(ctx context.Context, targets []int64, includeHistorical bool) (string, error)
	EnqueueConflictScan(ctx context.Context, categories []model.ConflictCategory) (string, error)
}

type Api struct {
	replicator *replicator.Replicator
	jobs       JobQueue
	router     *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/queue/items", a.EnqueueItem)
	router.POST("/queue/fan-out", a.FanOut)
	router.GET("/queue/items", a.ListQueueItems)
	router.GET("/queue/items/:id", a.GetQueueItem)
	router.DELETE("/queue/items/:id", a.CancelQueueItem)
	router.PUT("/queue/items/:id/priority", a.PrioritizeQueueItem)
	router.GET("/queue/status", a.QueueStatus)
	router.GET("/queue/retry-schedule", a.RetrySchedule)
	router.POST("/queue/process", a.ProcessQueue)
	router.POST("/queue/requeue-stale", a.RequeueStale)
	router.POST("/queue/cleanup", a.CleanupQueue)

	router.POST("/webhooks/endpoints", a.RegisterEndpoint)
	router.POST("/webhooks/endpoints/:node_id/test", a.TestEndpoint)
	router.GET("/webhooks/health", a.EndpointHealth)
	router.GET("/webhooks/status", a.WebhookStatus)
	router.GET("/webhooks/deliveries", a.DeliveryLogs)
	router.POST("/webhooks/retry", a.RetryDeliveries)
	router.POST("/webhooks/receive", a.ReceiveWebhook)

	router.POST("/conflicts/detect", a.DetectConflicts)
	router.GET("/conflicts", a.ListConflicts)
	router.GET("/conflicts/summary", a.ConflictSummary)
	router.GET("/conflicts/:id", a.GetConflict)
	router.POST("/conflicts/auto-resolve", a.AutoResolve)
	router.POST("/conflicts/:id/resolve", a.ManualResolve)
	router.POST("/conflicts/cleanup", a.BulkCleanup)

	router.GET("/distribution/categories", a.ListCategories)
	router.POST("/distribution/run", a.Distribute)
	router.POST("/distribution/freshness/:class", a.DistributeFreshness)
	router.POST("/distribution/force-sync", a.ForceSync)
	router.POST("/distribution/emergency", a.EmergencySync)
	router.GET("/distribution/status", a.DistributionStatus)
	router.GET("/distribution/statistics", a.DistributionStatistics)
	router.POST("/distribution/test-endpoints", a.TestAllEndpoints)
	router.GET("/distribution/nodes-health", a.NodesHealth)

	router.GET("/nodes", a.ListNodes)
	router.POST("/nodes", a.UpsertNode)
	router.GET("/nodes/:id", a.GetNode)
	router.PUT("/nodes/:id/mode", a.SetNodeMode)
	router.POST("/nodes/:id/switch-to-sync", a.SwitchToSync)
	router.POST("/nodes/:id/switch-to-direct", a.SwitchToDirect)
	router.GET("/watermarks", a.Watermarks)
	router.GET("/audit", a.AuditLog)

	router.GET("/health", a.Health)
	router.GET("/health/history", a.HealthHistory)
	router.POST("/health/monitor", a.MonitorHealth)

	return a.router
}

// NewAPI builds the gin engine with tracing, rate limiting and key
// authentication. jobs may be nil, in which case async requests run inline.
func NewAPI(r *replicator.Replicator, jobs JobQueue) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := r.Config()
	router := gin.New()
	router.Use(gin.Recovery(), gin.Logger())
	router.Use(otelgin.Middleware(serviceName(conf)))
	router.Use(middleware.RateLimitMiddleware(conf))
	router.Use(middleware.NewAuthMiddleware(conf).Authenticate())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{replicator: r, jobs: jobs, router: router}
}

func serviceName(conf *config.Configuration) string {
	if conf.ProjectName != "" {
		return conf.ProjectName
	}
	return "replicator"
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
}

// optionalNodeID reads an optional numeric node id from the query string.
func optionalNodeID(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, name+" must be a non-negative integer", nil)
	}
	return &id, nil
}

// nodeIDParam reads a required node id from the route.
func nodeIDParam(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, name+" must be a positive integer", nil)
	}
	return id, nil
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, name+" must be an integer", nil)
	}
	return v, nil
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, name+" must be an RFC3339 timestamp", nil)
	}
	return &t, nil
}
