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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/internal/apierror"
	redlock "github.com/storesync/replicator/internal/lock"
	"github.com/storesync/replicator/model"
)

const modeSwitchLockTimeout = 30 * time.Minute

// modeSwitch collects the audited steps of one transition.
type modeSwitch struct {
	r      *Replicator
	result *model.ModeSwitchResult
}

func (m *modeSwitch) step(ctx context.Context, name string, err error, message string) error {
	step := model.ModeSwitchStep{Step: name, Success: err == nil, Message: message, Timestamp: m.r.now()}
	if err != nil {
		step.Message = err.Error()
	}
	m.result.Steps = append(m.result.Steps, step)
	logrus.WithFields(logrus.Fields{"node_id": m.result.NodeID, "step": name, "success": step.Success}).Info("mode switch step")
	return err
}

func (r *Replicator) auditTransition(nodeID int64, payload interface{}) *model.AuditEntry {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return &model.AuditEntry{
		ID:        model.GenerateUUIDWithSuffix("audit"),
		EventType: model.AuditModeTransition,
		NodeID:    model.Int64Ptr(nodeID),
		EntityRef: fmt.Sprintf("nodes/%d", nodeID),
		Payload:   body,
		CreatedAt: r.now(),
	}
}

func (r *Replicator) insertAudit(ctx context.Context, entry *model.AuditEntry) {
	if err := r.datasource.InsertAuditEntry(ctx, entry); err != nil {
		logrus.WithField("entity", entry.EntityRef).Errorf("failed to write audit entry: %v", err)
	}
}

// withModeLock serializes transitions of one node across processes.
func (r *Replicator) withModeLock(ctx context.Context, nodeID int64, fn func(ctx context.Context) error) error {
	if r.redis == nil {
		return fn(ctx)
	}
	locker := redlock.NewLocker(r.redis, redlock.NodeLockKey("mode-switch", nodeID), uuid.NewString())
	err := locker.WithLock(ctx, modeSwitchLockTimeout, fn)
	if errors.Is(err, redlock.ErrLockHeld) {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("a mode switch for node %d is already running", nodeID), err)
	}
	return err
}

// SwitchToSync moves a DIRECT node to SYNC mode. The node's endpoint is
// registered inactive, every category is backfilled to it, and only then are
// the endpoint activated and the mode flipped, together, in one transaction.
// Any failure after the endpoint is stored deactivates it again. Once active,
// the node is caught up on records changed while the backfill ran.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - nodeID int64: The node to switch.
// - rawURL string: The node's webhook URL.
// - secret string: The shared HMAC secret. One is generated when empty.
//
// Returns:
// - *model.ModeSwitchResult: Every step with its outcome, plus the backfill results.
// - error: An error if preflight or any later step fails.
func (r *Replicator) SwitchToSync(ctx context.Context, nodeID int64, rawURL, secret string) (*model.ModeSwitchResult, error) {
	ctx, span := tracer.Start(ctx, "SwitchToSync")
	defer span.End()

	m := &modeSwitch{r: r, result: &model.ModeSwitchResult{NodeID: nodeID, From: model.NodeModeDirect, To: model.NodeModeSync}}
	err := r.withModeLock(ctx, nodeID, func(ctx context.Context) error {
		if err := m.step(ctx, "preflight", r.preflightSync(ctx, nodeID, rawURL), ""); err != nil {
			return err
		}
		endpoint, err := r.storeEndpoint(ctx, nodeID, rawURL, secret, false)
		if err := m.step(ctx, "register_endpoint", err, rawURL); err != nil {
			return err
		}
		if err := r.backfill(ctx, m, endpoint); err != nil {
			r.rollbackSync(ctx, m, err)
			return err
		}
		audit := r.auditTransition(nodeID, map[string]interface{}{
			"from":  model.NodeModeDirect,
			"to":    model.NodeModeSync,
			"url":   rawURL,
			"steps": m.result.Steps,
		})
		if err := m.step(ctx, "activate", r.datasource.ActivateSyncMode(ctx, nodeID, audit), ""); err != nil {
			r.rollbackSync(ctx, m, err)
			return err
		}
		r.catchUp(ctx, m, endpoint)
		return nil
	})
	m.result.Success = err == nil
	return m.result, err
}

// preflightSync refuses the switch unless the node is a DIRECT node, the URL
// is usable, and the host has room for the replica.
func (r *Replicator) preflightSync(ctx context.Context, nodeID int64, rawURL string) error {
	node, err := r.datasource.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Mode != model.NodeModeDirect {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("node %d is already in %s mode", nodeID, node.Mode), nil)
	}
	if node.IsCentral || nodeID == r.config.Distribution.CentralNodeID {
		return apierror.NewAPIError(apierror.ErrConflict, "the central node cannot be switched to SYNC", nil)
	}
	if err := validateEndpointURL(rawURL); err != nil {
		return err
	}
	usage, err := r.probe.Disk(ctx, r.config.Health.DiskPath)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to read disk usage", err)
	}
	if usage.FreeBytes < r.config.Distribution.MinFreeDiskBytes {
		return apierror.NewAPIError(apierror.ErrUnprocessable,
			fmt.Sprintf("insufficient disk space: %d bytes free, %d required", usage.FreeBytes, r.config.Distribution.MinFreeDiskBytes), nil)
	}
	return nil
}

// backfill sends the node the full dataset of every category, straight to
// its still inactive endpoint.
func (r *Replicator) backfill(ctx context.Context, m *modeSwitch, endpoint *model.WebhookEndpoint) error {
	set := &targetSet{targets: []target{{nodeID: endpoint.NodeID, endpoint: endpoint}}, narrowed: true}
	since := r.historicalCutoff(true)
	for _, cat := range r.categories.All() {
		result := r.distributeCategory(ctx, cat, set, since, "high", fullSyncMaxPages)
		m.result.Backfill = append(m.result.Backfill, result)
		var err error
		switch {
		case result.Error != "":
			err = errors.New(result.Error)
		case result.Failed > 0:
			err = errors.Errorf("%d of %d batches failed", result.Failed, result.Failed+result.Succeeded)
		}
		if err := m.step(ctx, "backfill_"+cat.Name, err, fmt.Sprintf("%d records", result.RecordCount)); err != nil {
			return err
		}
	}
	return m.step(ctx, "mark_backfilled", r.datasource.MarkNodeBackfilled(ctx, endpoint.NodeID, r.now()), "")
}

// catchUp sends the node whatever changed between its backfill and its
// activation, when scheduled runs still skipped it. Each category starts from
// the node's own watermark. A failure here is recorded but leaves the node in
// SYNC: the watermark stays behind and failed deliveries retry at the webhook
// layer.
func (r *Replicator) catchUp(ctx context.Context, m *modeSwitch, endpoint *model.WebhookEndpoint) {
	live := *endpoint
	live.Active = true
	set := &targetSet{targets: []target{{nodeID: live.NodeID, endpoint: &live}}, narrowed: true}
	var records, failed int
	var errs []string
	for _, cat := range r.categories.All() {
		since := time.Unix(0, 0).UTC()
		wm, err := r.datasource.GetWatermark(ctx, live.NodeID, cat.Name)
		switch {
		case err == nil:
			since = wm.LastDistributedAt
		case !apierror.Is(err, apierror.ErrNotFound):
			errs = append(errs, fmt.Sprintf("%s: %v", cat.Name, err))
			continue
		}
		result := r.distributeCategory(ctx, cat, set, since, "high", fullSyncMaxPages)
		m.result.CatchUp = append(m.result.CatchUp, result)
		records += result.RecordCount
		failed += result.Failed
		if result.Error != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", cat.Name, result.Error))
		}
	}
	var err error
	switch {
	case len(errs) > 0:
		err = errors.New(strings.Join(errs, "; "))
	case failed > 0:
		err = errors.Errorf("%d catch-up batches failed", failed)
	}
	if m.step(ctx, "catch_up", err, fmt.Sprintf("%d records", records)) != nil {
		logrus.WithField("node_id", live.NodeID).Warnf("catch-up after activation incomplete: %v", err)
	}
}

func (r *Replicator) rollbackSync(ctx context.Context, m *modeSwitch, cause error) {
	err := r.datasource.SetWebhookEndpointActive(ctx, m.result.NodeID, false)
	_ = m.step(ctx, "rollback", err, "endpoint deactivated")
	r.insertAudit(ctx, r.auditTransition(m.result.NodeID, map[string]interface{}{
		"from":        model.NodeModeDirect,
		"to":          model.NodeModeSync,
		"rolled_back": true,
		"error":       cause.Error(),
		"steps":       m.result.Steps,
	}))
}

// SwitchToDirect deactivates a SYNC node's endpoint and flips it back to DIRECT.
func (r *Replicator) SwitchToDirect(ctx context.Context, nodeID int64) (*model.ModeSwitchResult, error) {
	m := &modeSwitch{r: r, result: &model.ModeSwitchResult{NodeID: nodeID, From: model.NodeModeSync, To: model.NodeModeDirect}}
	err := r.withModeLock(ctx, nodeID, func(ctx context.Context) error {
		node, err := r.datasource.GetNode(ctx, nodeID)
		if err != nil {
			return m.step(ctx, "preflight", err, "")
		}
		if node.Mode != model.NodeModeSync {
			return m.step(ctx, "preflight", apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("node %d is already in %s mode", nodeID, node.Mode), nil), "")
		}
		_ = m.step(ctx, "preflight", nil, "")
		err = r.datasource.SetWebhookEndpointActive(ctx, nodeID, false)
		if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
			return m.step(ctx, "deactivate_endpoint", err, "")
		}
		_ = m.step(ctx, "deactivate_endpoint", nil, "")
		if err := m.step(ctx, "flip_mode", r.datasource.SetNodeMode(ctx, nodeID, model.NodeModeDirect), ""); err != nil {
			return err
		}
		r.insertAudit(ctx, r.auditTransition(nodeID, map[string]interface{}{
			"from":  model.NodeModeSync,
			"to":    model.NodeModeDirect,
			"steps": m.result.Steps,
		}))
		return nil
	})
	m.result.Success = err == nil
	return m.result, err
}

// SetNodeMode changes a node's mode flag directly. Moving to SYNC is only
// accepted for a node backfilled since it last left SYNC and whose endpoint is
// active; anything else goes through SwitchToSync.
func (r *Replicator) SetNodeMode(ctx context.Context, nodeID int64, mode model.NodeMode) error {
	if !mode.Valid() {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown node mode %q", mode), nil)
	}
	node, err := r.datasource.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if mode == model.NodeModeSync {
		if node.BackfilledAt == nil {
			return apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("node %d has not been backfilled; use the mode transition", nodeID), nil)
		}
		endpoint, err := r.datasource.GetWebhookEndpoint(ctx, nodeID)
		if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
			return err
		}
		if endpoint == nil || !endpoint.Active {
			return apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("node %d has no active endpoint; use the mode transition", nodeID), nil)
		}
	}
	if err := r.datasource.SetNodeMode(ctx, nodeID, mode); err != nil {
		return err
	}
	r.insertAudit(ctx, r.auditTransition(nodeID, map[string]interface{}{"from": node.Mode, "to": mode, "direct": true}))
	return nil
}

func (r *Replicator) ListNodes(ctx context.Context, mode model.NodeMode) ([]model.Node, error) {
	if mode != "" && !mode.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown node mode %q", mode), nil)
	}
	return r.datasource.ListNodes(ctx, mode)
}

func (r *Replicator) GetNode(ctx context.Context, nodeID int64) (*model.Node, error) {
	return r.datasource.GetNode(ctx, nodeID)
}

// UpsertNode registers a node or renames it. New nodes always start in DIRECT mode.
func (r *Replicator) UpsertNode(ctx context.Context, node *model.Node) error {
	if node.ID <= 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "node id must be positive", nil)
	}
	if node.Mode == "" {
		node.Mode = model.NodeModeDirect
	}
	return r.datasource.UpsertNode(ctx, node)
}

// Watermarks lists distribution watermarks, optionally for one node.
func (r *Replicator) Watermarks(ctx context.Context, nodeID *int64) ([]model.Watermark, error) {
	return r.datasource.ListWatermarks(ctx, nodeID)
}

// AuditLog lists audit entries of one type (all types when empty) since a time.
func (r *Replicator) AuditLog(ctx context.Context, eventType string, since time.Time, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.datasource.ListAuditEntries(ctx, eventType, since, limit)
}
