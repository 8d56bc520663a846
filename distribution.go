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
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"golang.org/x/sync/errgroup"
)

const (
	// CategoryAll selects every registered category.
	CategoryAll = "all"

	incrementalMaxPages = 20
	fullSyncMaxPages    = 1000
)

// Category is a kind of domain data distributed to SYNC nodes.
type Category struct {
	Name            string          `json:"name"`
	Table           string          `json:"table"`
	TimestampColumn string          `json:"timestamp_column"`
	Freshness       model.Freshness `json:"freshness"`
	BatchSize       int             `json:"batch_size"`
}

var defaultCategories = []Category{
	{Name: "sales", Table: "sales", Freshness: model.FreshnessRealtime},
	{Name: "stock", Table: "store_stock", Freshness: model.FreshnessRealtime},
	{Name: "customers", Table: "customers", Freshness: model.FreshnessRealtime},
	{Name: "points", Table: "customer_points_history", TimestampColumn: "created_at", Freshness: model.FreshnessRealtime},
	{Name: "credits", Table: "customer_debts", Freshness: model.FreshnessRealtime},
	{Name: "prices", Table: "store_product_prices", Freshness: model.FreshnessNearRealtime},
	{Name: "products", Table: "products", Freshness: model.FreshnessNearRealtime},
	{Name: "settings", Table: "settings", Freshness: model.FreshnessDaily},
	{Name: "categories", Table: "categories", Freshness: model.FreshnessDaily},
	{Name: "suppliers", Table: "suppliers", Freshness: model.FreshnessDaily},
}

// CategoryRegistry holds the distributable categories in a fixed order.
type CategoryRegistry struct {
	categories []Category
	byName     map[string]Category
}

func NewCategoryRegistry(cfg config.DistributionConfig) *CategoryRegistry {
	reg := &CategoryRegistry{byName: make(map[string]Category, len(defaultCategories))}
	for _, c := range defaultCategories {
		c.BatchSize = cfg.DefaultBatchSize
		if size, ok := cfg.BatchSizes[c.Name]; ok && size > 0 {
			c.BatchSize = size
		}
		if c.BatchSize <= 0 {
			c.BatchSize = 500
		}
		if c.TimestampColumn == "" {
			c.TimestampColumn = "updated_at"
		}
		reg.categories = append(reg.categories, c)
		reg.byName[c.Name] = c
	}
	return reg
}

func (c *CategoryRegistry) Get(name string) (Category, bool) {
	cat, ok := c.byName[name]
	return cat, ok
}

func (c *CategoryRegistry) All() []Category {
	out := make([]Category, len(c.categories))
	copy(out, c.categories)
	return out
}

// Intervals maps every category to its expected distribution interval.
func (c *CategoryRegistry) Intervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.categories))
	for _, cat := range c.categories {
		out[cat.Name] = cat.Freshness.ExpectedInterval()
	}
	return out
}

// watermarkThresholds returns the ages at which a watermark of category turns
// stale and critical.
func (r *Replicator) watermarkThresholds(category string) (stale, critical time.Duration) {
	var interval time.Duration
	if cat, ok := r.categories.Get(category); ok {
		interval = cat.Freshness.ExpectedInterval()
	}
	cfg := r.config.Conflict
	return interval + time.Duration(cfg.WatermarkStaleHours)*time.Hour,
		interval + time.Duration(cfg.WatermarkCriticalHours)*time.Hour
}

func (c *CategoryRegistry) ByFreshness(f model.Freshness) []Category {
	var out []Category
	for _, cat := range c.categories {
		if cat.Freshness == f {
			out = append(out, cat)
		}
	}
	return out
}

// ForTable returns the categories read from table.
func (c *CategoryRegistry) ForTable(table string) []Category {
	var out []Category
	for _, cat := range c.categories {
		if cat.Table == table {
			out = append(out, cat)
		}
	}
	return out
}

// resolve expands "all" or a comma separated list of names.
func (c *CategoryRegistry) resolve(spec string) ([]Category, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == CategoryAll {
		return c.All(), nil
	}
	var out []Category
	for _, name := range strings.Split(spec, ",") {
		cat, ok := c.Get(strings.TrimSpace(name))
		if !ok {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown data category %q", name), nil)
		}
		out = append(out, cat)
	}
	return out, nil
}

// target is a node that will receive a distribution.
type target struct {
	nodeID   int64
	endpoint *model.WebhookEndpoint
}

// targetSet is the outcome of target resolution for one run.
type targetSet struct {
	targets           []target
	skippedDirect     []int64
	skippedNoEndpoint []int64
	// narrowed is set when the caller picked the targets, so the central
	// watermark must stay where it is for the nodes left out.
	narrowed bool
}

// resolveTargets keeps SYNC nodes with an active endpoint. DIRECT nodes are
// skipped even when listed explicitly, and the central node never receives
// its own data.
func (r *Replicator) resolveTargets(ctx context.Context, explicit []int64) (*targetSet, error) {
	var nodes []model.Node
	if len(explicit) == 0 {
		all, err := r.datasource.ListNodes(ctx, model.NodeModeSync)
		if err != nil {
			return nil, err
		}
		nodes = all
	} else {
		seen := make(map[int64]bool, len(explicit))
		for _, id := range explicit {
			if seen[id] {
				continue
			}
			seen[id] = true
			node, err := r.datasource.GetNode(ctx, id)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, *node)
		}
	}

	set := &targetSet{narrowed: len(explicit) > 0}
	for _, node := range nodes {
		if node.ID == r.config.Distribution.CentralNodeID || node.IsCentral {
			continue
		}
		if node.Mode != model.NodeModeSync {
			set.skippedDirect = append(set.skippedDirect, node.ID)
			continue
		}
		endpoint, err := r.datasource.GetWebhookEndpoint(ctx, node.ID)
		if err != nil {
			if apierror.Is(err, apierror.ErrNotFound) {
				set.skippedNoEndpoint = append(set.skippedNoEndpoint, node.ID)
				continue
			}
			return nil, err
		}
		if !endpoint.Active {
			set.skippedNoEndpoint = append(set.skippedNoEndpoint, node.ID)
			continue
		}
		set.targets = append(set.targets, target{nodeID: node.ID, endpoint: endpoint})
	}
	return set, nil
}

// allowRun enforces the per-minute cap on distribution runs across processes.
func (r *Replicator) allowRun(ctx context.Context) error {
	if r.redis == nil || r.config.Distribution.MaxRunsPerMinute <= 0 {
		return nil
	}
	key := fmt.Sprintf("replicator:distribution:runs:%s", r.now().UTC().Format("200601021504"))
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		logrus.Warnf("distribution rate limit unavailable: %v", err)
		return nil
	}
	if count == 1 {
		r.redis.Expire(ctx, key, 2*time.Minute)
	}
	if count > int64(r.config.Distribution.MaxRunsPerMinute) {
		return apierror.NewAPIError(apierror.ErrTooManyRequests,
			fmt.Sprintf("distribution limited to %d runs per minute", r.config.Distribution.MaxRunsPerMinute), nil)
	}
	return nil
}

// Distribute sends what changed since each category's watermark to the
// eligible SYNC nodes. ForceUpdate ignores the watermark for this run, the
// same way ForceFullSync does for every category.
func (r *Replicator) Distribute(ctx context.Context, req model.DistributionRequest) ([]model.DistributionResult, error) {
	ctx, span := tracer.Start(ctx, "Distribute")
	defer span.End()

	categories, err := r.categories.resolve(req.Category)
	if err != nil {
		return nil, err
	}
	if err := r.allowRun(ctx); err != nil {
		return nil, err
	}
	set, err := r.resolveTargets(ctx, req.TargetNodes)
	if err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}

	results := make([]model.DistributionResult, 0, len(categories))
	for _, cat := range categories {
		if ctx.Err() != nil {
			break
		}
		var since time.Time
		maxPages := incrementalMaxPages
		if req.ForceUpdate {
			since = r.historicalCutoff(false)
			maxPages = fullSyncMaxPages
		} else {
			since, err = r.watermarkFor(ctx, cat.Name)
			if err != nil {
				results = append(results, model.DistributionResult{Category: cat.Name, Error: err.Error()})
				continue
			}
		}
		results = append(results, r.distributeCategory(ctx, cat, set, since, priority, maxPages))
	}
	return results, nil
}

// DistributeFreshness runs Distribute for every category of one freshness class.
func (r *Replicator) DistributeFreshness(ctx context.Context, freshness model.Freshness) ([]model.DistributionResult, error) {
	var names []string
	for _, cat := range r.categories.ByFreshness(freshness) {
		names = append(names, cat.Name)
	}
	if len(names) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("no categories with freshness %q", freshness), nil)
	}
	return r.Distribute(ctx, model.DistributionRequest{Category: strings.Join(names, ","), Priority: "normal"})
}

// watermarkFor returns the central watermark of a category, or the zero time
// when the category has never been distributed.
func (r *Replicator) watermarkFor(ctx context.Context, category string) (time.Time, error) {
	wm, err := r.datasource.GetWatermark(ctx, r.config.Distribution.CentralNodeID, category)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return time.Unix(0, 0).UTC(), nil
		}
		return time.Time{}, err
	}
	return wm.LastDistributedAt, nil
}

func (r *Replicator) historicalCutoff(includeHistorical bool) time.Time {
	if includeHistorical {
		return time.Unix(0, 0).UTC()
	}
	return r.now().AddDate(0, 0, -r.config.Distribution.HistoricalDays)
}

// distributeCategory pages the rows changed after since and sends each page to
// every target. Targets run concurrently; one target's pages are sent in order.
// Watermarks advance once every target has been attempted, whatever the
// individual outcomes, because failed deliveries are retried at the webhook layer.
func (r *Replicator) distributeCategory(ctx context.Context, cat Category, set *targetSet, since time.Time, priority string, maxPages int) model.DistributionResult {
	logger := logrus.WithField("category", cat.Name)
	result := model.DistributionResult{
		Category:          cat.Name,
		Targets:           []int64{},
		SkippedDirect:     set.skippedDirect,
		SkippedNoEndpoint: set.skippedNoEndpoint,
		Deliveries:        []model.NodeDeliveryOutcome{},
	}
	for _, t := range set.targets {
		result.Targets = append(result.Targets, t.nodeID)
	}

	until := r.now()
	pages, complete, err := r.fetchPages(ctx, cat, since, maxPages)
	if err != nil {
		result.Error = err.Error()
		if werr := r.datasource.RecordWatermarkFailure(ctx, r.config.Distribution.CentralNodeID, cat.Name, err.Error()); werr != nil {
			logger.Errorf("failed to record watermark failure: %v", werr)
		}
		return result
	}
	for _, page := range pages {
		result.RecordCount += len(page)
	}

	if result.RecordCount > 0 && len(set.targets) > 0 {
		r.sendPages(ctx, cat, set.targets, pages, since, until, priority, &result)
	}

	if !complete {
		result.Error = fmt.Sprintf("more than %d pages changed; watermark held for the next run", maxPages)
		if werr := r.datasource.RecordWatermarkFailure(ctx, r.config.Distribution.CentralNodeID, cat.Name, result.Error); werr != nil {
			logger.Errorf("failed to record watermark failure: %v", werr)
		}
		return result
	}
	r.advanceWatermarks(ctx, cat.Name, until, !set.narrowed, &result)
	logger.WithFields(logrus.Fields{
		"records":   result.RecordCount,
		"targets":   len(result.Targets),
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("category distributed")
	return result
}

// fetchPages reads up to maxPages batches. complete is false when rows remain.
func (r *Replicator) fetchPages(ctx context.Context, cat Category, since time.Time, maxPages int) ([][]map[string]interface{}, bool, error) {
	var pages [][]map[string]interface{}
	for page := 0; page < maxPages; page++ {
		records, err := r.datasource.FetchChangedRecords(ctx, database.RecordQuery{
			Table:           cat.Table,
			TimestampColumn: cat.TimestampColumn,
			Since:           since,
			Limit:           cat.BatchSize,
			Offset:          page * cat.BatchSize,
		})
		if err != nil {
			return nil, false, errors.Wrapf(err, "read %s", cat.Name)
		}
		if len(records) > 0 {
			pages = append(pages, records)
		}
		if len(records) < cat.BatchSize {
			return pages, true, nil
		}
	}
	return pages, false, nil
}

func (r *Replicator) sendPages(ctx context.Context, cat Category, targets []target, pages [][]map[string]interface{}, since, until time.Time, priority string, result *model.DistributionResult) {
	payloads := make([][]byte, 0, len(pages))
	for _, page := range pages {
		payload, err := model.RecordBatch{Category: cat.Name, Records: page, Since: since, Until: until}.Payload()
		if err != nil {
			result.Error = err.Error()
			return
		}
		payloads = append(payloads, payload)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Distribution.MaxConcurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			for _, payload := range payloads {
				delivery := r.sender.DeliverToEndpoint(gctx, t.endpoint, model.EventDataSync, payload, priority)
				mu.Lock()
				result.Deliveries = append(result.Deliveries, model.NodeDeliveryOutcome{NodeID: t.nodeID, Result: delivery})
				if delivery.Success {
					result.Succeeded++
				} else {
					result.Failed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.SliceStable(result.Deliveries, func(i, j int) bool {
		return result.Deliveries[i].NodeID < result.Deliveries[j].NodeID
	})
}

func (r *Replicator) advanceWatermarks(ctx context.Context, category string, until time.Time, central bool, result *model.DistributionResult) {
	if central {
		status := model.WatermarkStatusOK
		switch {
		case result.Failed > 0 && result.Succeeded == 0:
			status = model.WatermarkStatusFailed
		case result.Failed > 0:
			status = model.WatermarkStatusPartial
		}
		if err := r.datasource.AdvanceWatermark(ctx, r.config.Distribution.CentralNodeID, category, until, status, ""); err != nil {
			result.Error = err.Error()
			return
		}
	}
	failedNodes := make(map[int64]string)
	for _, d := range result.Deliveries {
		if !d.Result.Success {
			failedNodes[d.NodeID] = d.Result.Error
		}
	}
	for _, nodeID := range result.Targets {
		nodeStatus, lastError := model.WatermarkStatusOK, ""
		if msg, failed := failedNodes[nodeID]; failed {
			nodeStatus, lastError = model.WatermarkStatusFailed, msg
		}
		if err := r.datasource.AdvanceWatermark(ctx, nodeID, category, until, nodeStatus, lastError); err != nil {
			logrus.WithFields(logrus.Fields{"node_id": nodeID, "category": category}).Errorf("failed to advance watermark: %v", err)
		}
	}
	result.WatermarkAdvancedTo = &until
}

// ForceFullSync redistributes every category to the given nodes (all SYNC
// nodes when empty), ignoring watermarks. Without includeHistorical only the
// configured number of recent days is sent.
func (r *Replicator) ForceFullSync(ctx context.Context, targetNodes []int64, includeHistorical bool) ([]model.DistributionResult, error) {
	set, err := r.resolveTargets(ctx, targetNodes)
	if err != nil {
		return nil, err
	}
	return r.fullSync(ctx, r.categories.All(), set, r.historicalCutoff(includeHistorical), "high"), nil
}

func (r *Replicator) fullSync(ctx context.Context, categories []Category, set *targetSet, since time.Time, priority string) []model.DistributionResult {
	results := make([]model.DistributionResult, 0, len(categories))
	for _, cat := range categories {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.distributeCategory(ctx, cat, set, since, priority, fullSyncMaxPages))
	}
	return results
}

// EmergencySync pushes a fixed set of categories to every SYNC node at critical priority.
func (r *Replicator) EmergencySync(ctx context.Context, syncType model.EmergencySyncType) ([]model.DistributionResult, error) {
	var categories []Category
	switch syncType {
	case model.EmergencyCriticalData:
		for _, name := range []string{"customers", "credits"} {
			cat, _ := r.categories.Get(name)
			categories = append(categories, cat)
		}
	case model.EmergencyStockOnly:
		cat, _ := r.categories.Get("stock")
		categories = append(categories, cat)
	case model.EmergencyFull:
		categories = r.categories.All()
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown emergency sync type %q", syncType), nil)
	}
	set, err := r.resolveTargets(ctx, nil)
	if err != nil {
		return nil, err
	}
	logrus.WithField("type", syncType).Warn("emergency sync started")
	return r.fullSync(ctx, categories, set, r.historicalCutoff(false), "critical"), nil
}

// DistributionQueueStatus reports the queue together with every watermark.
func (r *Replicator) DistributionQueueStatus(ctx context.Context) (*model.DistributionQueueStatus, error) {
	status, err := r.QueueStatus(ctx, nil)
	if err != nil {
		return nil, err
	}
	watermarks, err := r.datasource.ListWatermarks(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &model.DistributionQueueStatus{Queue: *status, Watermarks: watermarks}, nil
}

// Statistics reports deliveries per node over the last day and the age of every watermark.
func (r *Replicator) Statistics(ctx context.Context) (*model.DistributionStatistics, error) {
	now := r.now()
	since := now.Add(-24 * time.Hour)
	deliveries, err := r.datasource.DeliveryStatsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	watermarks, err := r.datasource.ListWatermarks(ctx, nil)
	if err != nil {
		return nil, err
	}
	ages := make(map[string]float64, len(watermarks))
	for _, w := range watermarks {
		ages[fmt.Sprintf("%d:%s", w.NodeID, w.Category)] = now.Sub(w.LastDistributedAt).Seconds()
	}
	return &model.DistributionStatistics{Since: since, Deliveries: deliveries, WatermarkAgeSeconds: ages}, nil
}

// TestAllEndpoints probes every active endpoint concurrently.
func (r *Replicator) TestAllEndpoints(ctx context.Context) ([]model.NodeDeliveryOutcome, error) {
	endpoints, err := r.datasource.ListWebhookEndpoints(ctx, true)
	if err != nil {
		return nil, err
	}
	outcomes := make([]model.NodeDeliveryOutcome, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Distribution.MaxConcurrency)
	for i := range endpoints {
		i := i
		endpoint := endpoints[i]
		g.Go(func() error {
			outcomes[i] = model.NodeDeliveryOutcome{NodeID: endpoint.NodeID, Result: r.probeEndpoint(gctx, &endpoint)}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// NodesHealth reports reachability, stale watermarks and the last hour's
// failure ratio for every SYNC node.
func (r *Replicator) NodesHealth(ctx context.Context) ([]model.NodeHealth, error) {
	nodes, err := r.datasource.ListNodes(ctx, model.NodeModeSync)
	if err != nil {
		return nil, err
	}
	probes, err := r.TestAllEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	reachable := make(map[int64]bool, len(probes))
	for _, p := range probes {
		reachable[p.NodeID] = p.Result.Success
	}
	stats, err := r.datasource.EndpointDeliveryStats(ctx, r.now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	failureRatio := make(map[int64]float64, len(stats))
	for _, s := range stats {
		if s.Total > 0 {
			failureRatio[s.NodeID] = float64(s.Failed) / float64(s.Total)
		}
	}
	watermarks, err := r.datasource.ListWatermarks(ctx, nil)
	if err != nil {
		return nil, err
	}
	now := r.now()
	stale := make(map[int64][]string)
	for _, w := range watermarks {
		after, _ := r.watermarkThresholds(w.Category)
		if now.Sub(w.LastDistributedAt) > after {
			stale[w.NodeID] = append(stale[w.NodeID], w.Category)
		}
	}

	report := make([]model.NodeHealth, 0, len(nodes))
	for _, node := range nodes {
		h := model.NodeHealth{
			NodeID:          node.ID,
			Mode:            node.Mode,
			Reachable:       reachable[node.ID],
			StaleCategories: stale[node.ID],
			FailureRatio:    failureRatio[node.ID],
		}
		switch {
		case !h.Reachable:
			h.Status = "unreachable"
		case len(h.StaleCategories) > 0 || h.FailureRatio > r.config.Health.WebhookFailureRatio:
			h.Status = "degraded"
		default:
			h.Status = "healthy"
		}
		report = append(report, h)
	}
	return report, nil
}

// HandleNotification distributes the real-time categories backed by table as
// soon as the change feed reports a write to it.
func (r *Replicator) HandleNotification(ctx context.Context, table string, action string, data map[string]interface{}) error {
	var names []string
	for _, cat := range r.categories.ForTable(table) {
		if cat.Freshness == model.FreshnessRealtime {
			names = append(names, cat.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	logrus.WithFields(logrus.Fields{"table": table, "action": action, "id": data["id"]}).Debug("change feed triggered distribution")
	_, err := r.Distribute(ctx, model.DistributionRequest{Category: strings.Join(names, ","), Priority: "high"})
	if apierror.Is(err, apierror.ErrTooManyRequests) {
		// the next scheduled tick picks the change up
		return nil
	}
	return err
}
