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
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
)

const systemResolver = "system"

// autoResolver applies the fixed corrective action for one subtype and
// returns a short description of what it changed.
type autoResolver func(ctx context.Context, tx database.DomainStore, c *model.Conflict, now time.Time) (string, error)

func (r *Replicator) defaultResolvers() map[model.ConflictSubtype]autoResolver {
	return map[model.ConflictSubtype]autoResolver{
		model.SubtypeNegativeStock:          resolveNegativeStock,
		model.SubtypeExpiredReservation:     resolveExpiredReservation,
		model.SubtypeInsufficientReserved:   resolveInsufficientReserved,
		model.SubtypeCustomerPointsMismatch: resolvePointsMismatch,
		model.SubtypeCustomerDebtMismatch:   resolveDebtMismatch,
		model.SubtypeOfflineSaleSyncFailure: resolveOfflineSale,
		model.SubtypeDuplicateInvoiceNumber: resolveDuplicateInvoice,
		model.SubtypeSyncQueueStuck:         r.resolveStuckQueueItem,
		model.SubtypeSyncMetadataOutdated:   resolveOutdatedWatermark,
		model.SubtypeDeliveryRejected:       resolveRejectedDelivery,
	}
}

func validateResolvers(resolvers map[model.ConflictSubtype]autoResolver) error {
	for subtype := range model.ConflictSubtypes {
		if _, ok := resolvers[subtype]; !ok {
			return fmt.Errorf("no auto resolver registered for conflict subtype %q", subtype)
		}
	}
	return nil
}

func resolveNegativeStock(ctx context.Context, tx database.DomainStore, c *model.Conflict, _ time.Time) (string, error) {
	return setStock(ctx, tx, c, decimal.Zero, "stock clamped to zero")
}

// setStock overwrites the quantity seen at detection and logs a movement for the difference.
func setStock(ctx context.Context, tx database.DomainStore, c *model.Conflict, value decimal.Decimal, action string) (string, error) {
	stockID, err := detailInt(c.Details, "stock_id")
	if err != nil {
		return "", err
	}
	current, err := detailDecimal(c.Details, "quantity")
	if err != nil {
		return "", err
	}
	row, err := tx.SetStockQuantity(ctx, stockID, current, value)
	if err != nil {
		return "", err
	}
	if delta := value.Sub(current); !delta.IsZero() {
		err = tx.InsertStockMovement(ctx, database.StockMovement{
			StoreID:   row.StoreID,
			ProductID: row.ProductID,
			Quantity:  delta,
			Type:      "adjustment",
			Reference: "conflict:" + c.ID,
			Notes:     fmt.Sprintf("%s (was %s)", action, current.String()),
		})
		if err != nil {
			return "", err
		}
	}
	return action, nil
}

func resolveExpiredReservation(ctx context.Context, tx database.DomainStore, c *model.Conflict, _ time.Time) (string, error) {
	id, err := detailInt(c.Details, "reservation_id")
	if err != nil {
		return "", err
	}
	if err := tx.ExpireReservation(ctx, id); err != nil {
		return "", err
	}
	return "reservation expired", nil
}

// resolveInsufficientReserved shrinks the reservation to what the other
// reservations leave available, or expires it when nothing is left.
func resolveInsufficientReserved(ctx context.Context, tx database.DomainStore, c *model.Conflict, _ time.Time) (string, error) {
	id, err := detailInt(c.Details, "reservation_id")
	if err != nil {
		return "", err
	}
	quantity, err := detailDecimal(c.Details, "quantity")
	if err != nil {
		return "", err
	}
	onHand, err := detailDecimal(c.Details, "on_hand")
	if err != nil {
		return "", err
	}
	reserved, err := detailDecimal(c.Details, "reserved")
	if err != nil {
		return "", err
	}
	available := onHand.Sub(reserved.Sub(quantity))
	if !available.IsPositive() {
		if err := tx.ExpireReservation(ctx, id); err != nil {
			return "", err
		}
		return "reservation expired, no stock available", nil
	}
	if available.GreaterThanOrEqual(quantity) {
		return "reservation already covered", nil
	}
	if err := tx.ShrinkReservation(ctx, id, quantity, available); err != nil {
		return "", err
	}
	return fmt.Sprintf("reservation reduced to %s", available.String()), nil
}

func resolvePointsMismatch(ctx context.Context, tx database.DomainStore, c *model.Conflict, _ time.Time) (string, error) {
	calculated, err := detailDecimal(c.Details, "calculated_points")
	if err != nil {
		return "", err
	}
	return setPoints(ctx, tx, c, calculated)
}

// setPoints overwrites the balance and, when the new balance differs from
// the history total, appends an adjustment so the two agree again.
func setPoints(ctx context.Context, tx database.DomainStore, c *model.Conflict, value decimal.Decimal) (string, error) {
	customerID, err := detailInt(c.Details, "customer_id")
	if err != nil {
		return "", err
	}
	recorded, err := detailDecimal(c.Details, "recorded_points")
	if err != nil {
		return "", err
	}
	calculated, err := detailDecimal(c.Details, "calculated_points")
	if err != nil {
		return "", err
	}
	if err := tx.SetCustomerPoints(ctx, customerID, recorded, value); err != nil {
		return "", err
	}
	if err := tx.AddPointsAdjustment(ctx, customerID, value.Sub(calculated), "conflict:"+c.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("points set to %s", value.String()), nil
}

func resolveDebtMismatch(ctx context.Context, tx database.DomainStore, c *model.Conflict, _ time.Time) (string, error) {
	calculated, err := detailDecimal(c.Details, "calculated_remaining")
	if err != nil {
		return "", err
	}
	return setDebt(ctx, tx, c, calculated)
}

func setDebt(ctx context.Context, tx database.DomainStore, c *model.Conflict, value decimal.Decimal) (string, error) {
	debtID, err := detailInt(c.Details, "debt_id")
	if err != nil {
		return "", err
	}
	recorded, err := detailDecimal(c.Details, "recorded_remaining")
	if err != nil {
		return "", err
	}
	if value.IsNegative() {
		value = decimal.Zero
	}
	paid := value.IsZero()
	if err := tx.SetDebtRemaining(ctx, debtID, recorded, value, paid); err != nil {
		return "", err
	}
	if paid {
		return "debt marked paid", nil
	}
	return fmt.Sprintf("debt remaining set to %s", value.String()), nil
}

func resolveOfflineSale(ctx context.Context, tx database.DomainStore, c *model.Conflict, _ time.Time) (string, error) {
	saleID, err := detailInt(c.Details, "sale_id")
	if err != nil {
		return "", err
	}
	status, _ := c.Details["sync_status"].(string)
	if err := tx.ResetSaleSyncStatus(ctx, saleID, status); err != nil {
		return "", err
	}
	return "sale reset to pending sync", nil
}

// resolveDuplicateInvoice keeps the first sale's number and suffixes the rest.
func resolveDuplicateInvoice(ctx context.Context, tx database.DomainStore, c *model.Conflict, _ time.Time) (string, error) {
	invoice, _ := c.Details["invoice_no"].(string)
	ids, ok := c.Details["sale_ids"].([]interface{})
	if invoice == "" || !ok {
		return "", apierror.NewAPIError(apierror.ErrUnprocessable, "duplicate invoice conflict has no sale ids", nil)
	}
	renumbered := 0
	for i := 1; i < len(ids); i++ {
		saleID, err := toInt64(ids[i])
		if err != nil {
			return "", err
		}
		if err := tx.RenumberInvoice(ctx, saleID, invoice, fmt.Sprintf("%s-%d", invoice, i+1)); err != nil {
			return "", err
		}
		renumbered++
	}
	return fmt.Sprintf("%d duplicate invoices renumbered", renumbered), nil
}

// resolveStuckQueueItem cancels an item that holds its last attempt and makes
// any other stuck item due now. Attempts never go down.
func (r *Replicator) resolveStuckQueueItem(ctx context.Context, tx database.DomainStore, c *model.Conflict, now time.Time) (string, error) {
	itemID, _ := c.Details["queue_item_id"].(string)
	attempts, err := detailInt(c.Details, "attempts")
	if err != nil {
		return "", err
	}
	maxAttempts := int64(r.config.Queue.MaxAttempts)
	if _, ok := c.Details["max_attempts"]; ok {
		if maxAttempts, err = detailInt(c.Details, "max_attempts"); err != nil {
			return "", err
		}
	}
	cancelAt := maxAttempts - 1
	if limit := int64(r.config.Conflict.StuckQueueCancelAttempts); limit > 0 && limit < cancelAt {
		cancelAt = limit
	}
	if attempts >= cancelAt {
		note := fmt.Sprintf(" | Cancelled by conflict resolution at: %s", now.UTC().Format(time.RFC3339))
		if err := tx.CancelStuckQueueItem(ctx, itemID, note); err != nil {
			return "", err
		}
		return "queue item cancelled", nil
	}
	if err := tx.RescheduleStuckQueueItem(ctx, itemID, int(attempts), now); err != nil {
		return "", err
	}
	return "queue item rescheduled", nil
}

func resolveOutdatedWatermark(ctx context.Context, tx database.DomainStore, c *model.Conflict, now time.Time) (string, error) {
	if c.NodeID == nil {
		return "", apierror.NewAPIError(apierror.ErrUnprocessable, "watermark conflict has no node", nil)
	}
	category, _ := c.Details["category"].(string)
	if err := tx.TouchWatermark(ctx, *c.NodeID, category, now); err != nil {
		return "", err
	}
	return "watermark refreshed", nil
}

func resolveRejectedDelivery(ctx context.Context, tx database.DomainStore, c *model.Conflict, now time.Time) (string, error) {
	itemID, _ := c.Details["queue_item_id"].(string)
	if err := tx.RequeueRejectedQueueItem(ctx, itemID, now); err != nil {
		return "", err
	}
	return "delivery requeued", nil
}

// pendingConflict loads a conflict that can still be resolved.
func (r *Replicator) pendingConflict(ctx context.Context, id string) (*model.Conflict, error) {
	c, err := r.datasource.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.ConflictPending {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("conflict %s is already %s", id, c.Status), nil)
	}
	return c, nil
}

// AutoResolve applies the fixed corrective action of each conflict in its own
// transaction. A failed transaction leaves that conflict pending and is
// reported in its result; the others still run.
func (r *Replicator) AutoResolve(ctx context.Context, ids []string) ([]model.ResolutionResult, error) {
	ctx, span := tracer.Start(ctx, "AutoResolve")
	defer span.End()

	if len(ids) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "conflict_ids is required", nil)
	}
	results := make([]model.ResolutionResult, 0, len(ids))
	for _, id := range ids {
		result := model.ResolutionResult{ConflictID: id, Status: model.ConflictPending}
		c, err := r.pendingConflict(ctx, id)
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		resolve := r.resolvers[c.Subtype]
		now := r.now()
		var action string
		err = r.datasource.WithDomainTx(ctx, func(tx database.DomainStore) error {
			var err error
			action, err = resolve(ctx, tx, c, now)
			if err != nil {
				return err
			}
			return tx.ResolveConflict(ctx, c.ID, model.ConflictAutoResolved, systemResolver, action, now)
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{"conflict_id": id, "subtype": c.Subtype}).Warnf("auto resolution failed: %v", err)
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		result.Resolved = true
		result.Status = model.ConflictAutoResolved
		result.Action = action
		results = append(results, result)
	}
	return results, nil
}

// ManualResolve closes one conflict with an operator-chosen strategy.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - id string: The conflict to resolve.
// - strategy model.ResolutionStrategy: accept_server, accept_store, merge, custom_fix, escalate or ignore.
// - params map[string]interface{}: Strategy parameters (merge method, custom action, escalation reason).
// - by string: Who resolved it.
//
// Returns:
// - *model.ResolutionResult: The resulting status and action.
// - error: INVALID_INPUT for a bad strategy or parameters, CONFLICT when the data changed since detection.
func (r *Replicator) ManualResolve(ctx context.Context, id string, strategy model.ResolutionStrategy, params map[string]interface{}, by string) (*model.ResolutionResult, error) {
	ctx, span := tracer.Start(ctx, "ManualResolve")
	defer span.End()

	c, err := r.pendingConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if by == "" {
		by = "operator"
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	now := r.now()

	var apply func(ctx context.Context, tx database.DomainStore) (string, error)
	status := model.ConflictManualResolved
	switch strategy {
	case model.StrategyAcceptServer:
		apply = func(ctx context.Context, tx database.DomainStore) (string, error) {
			return r.resolvers[c.Subtype](ctx, tx, c, now)
		}
	case model.StrategyAcceptStore:
		if c.Subtype != model.SubtypeCustomerPointsMismatch {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
				fmt.Sprintf("accept_store has no store value to write for %s conflicts", c.Subtype), nil)
		}
		apply = func(ctx context.Context, tx database.DomainStore) (string, error) {
			return acceptStore(ctx, tx, c)
		}
	case model.StrategyMerge:
		method, _ := params["method"].(string)
		apply = func(ctx context.Context, tx database.DomainStore) (string, error) {
			return merge(ctx, tx, c, method)
		}
	case model.StrategyCustomFix:
		action, _ := params["action"].(string)
		apply = func(ctx context.Context, tx database.DomainStore) (string, error) {
			return customFix(ctx, tx, c, action, params)
		}
	case model.StrategyEscalate:
		status = model.ConflictEscalated
		apply = func(ctx context.Context, tx database.DomainStore) (string, error) {
			return escalate(ctx, tx, c, params, by, now)
		}
	case model.StrategyIgnore:
		status = model.ConflictIgnored
		apply = func(context.Context, database.DomainStore) (string, error) {
			if reason, ok := params["reason"].(string); ok && reason != "" {
				return "ignored: " + reason, nil
			}
			return "ignored", nil
		}
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown resolution strategy %q", strategy), nil)
	}

	var action string
	err = r.datasource.WithDomainTx(ctx, func(tx database.DomainStore) error {
		var err error
		action, err = apply(ctx, tx)
		if err != nil {
			return err
		}
		return tx.ResolveConflict(ctx, c.ID, status, by, action, now)
	})
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"conflict_id": id, "strategy": strategy, "by": by}).Info("conflict resolved manually")
	return &model.ResolutionResult{ConflictID: id, Resolved: true, Status: status, Action: action}, nil
}

// numericValues returns the central and node-reported value of a conflict
// whose two sides are numbers.
func numericValues(c *model.Conflict) (server, store decimal.Decimal, err error) {
	var serverKey, storeKey string
	switch c.Subtype {
	case model.SubtypeCustomerPointsMismatch:
		serverKey, storeKey = "calculated_points", "recorded_points"
	case model.SubtypeCustomerDebtMismatch:
		serverKey, storeKey = "calculated_remaining", "recorded_remaining"
	case model.SubtypeNegativeStock:
		store, err = detailDecimal(c.Details, "quantity")
		return decimal.Zero, store, err
	default:
		return server, store, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("conflict subtype %s has no numeric values to combine", c.Subtype), nil)
	}
	if server, err = detailDecimal(c.Details, serverKey); err != nil {
		return
	}
	store, err = detailDecimal(c.Details, storeKey)
	return
}

// writeValue stores value as the resolved figure of a numeric conflict.
func writeValue(ctx context.Context, tx database.DomainStore, c *model.Conflict, value decimal.Decimal, action string) (string, error) {
	switch c.Subtype {
	case model.SubtypeCustomerPointsMismatch:
		return setPoints(ctx, tx, c, value)
	case model.SubtypeCustomerDebtMismatch:
		return setDebt(ctx, tx, c, value)
	case model.SubtypeNegativeStock:
		return setStock(ctx, tx, c, value, action)
	}
	return "", apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("cannot write a value for %s", c.Subtype), nil)
}

// acceptStore writes the node-reported points balance to the central record.
func acceptStore(ctx context.Context, tx database.DomainStore, c *model.Conflict) (string, error) {
	_, store, err := numericValues(c)
	if err != nil {
		return "", err
	}
	return setPoints(ctx, tx, c, store)
}

func merge(ctx context.Context, tx database.DomainStore, c *model.Conflict, method string) (string, error) {
	server, store, err := numericValues(c)
	if err != nil {
		return "", err
	}
	var value decimal.Decimal
	switch strings.ToLower(method) {
	case "", "average":
		value = server.Add(store).Div(decimal.NewFromInt(2)).Round(2)
	case "min", "lower":
		value = decimal.Min(server, store)
	case "max", "higher":
		value = decimal.Max(server, store)
	default:
		return "", apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown merge method %q", method), nil)
	}
	return writeValue(ctx, tx, c, value, fmt.Sprintf("merged (%s) to %s", method, value.String()))
}

func customFix(ctx context.Context, tx database.DomainStore, c *model.Conflict, action string, params map[string]interface{}) (string, error) {
	switch action {
	case "reset_stock_to_zero":
		if c.Subtype != model.SubtypeNegativeStock {
			return "", apierror.NewAPIError(apierror.ErrInvalidInput, "reset_stock_to_zero applies to negative stock conflicts", nil)
		}
		return setStock(ctx, tx, c, decimal.Zero, "stock reset to zero")
	case "adjust_customer_points":
		if c.Subtype != model.SubtypeCustomerPointsMismatch {
			return "", apierror.NewAPIError(apierror.ErrInvalidInput, "adjust_customer_points applies to points conflicts", nil)
		}
		points, err := detailDecimal(params, "points")
		if err != nil {
			return "", apierror.NewAPIError(apierror.ErrInvalidInput, "points is required", err)
		}
		return setPoints(ctx, tx, c, points)
	case "sync_prices_from_master":
		productID, err := detailInt(params, "product_id")
		if err != nil {
			productID, err = detailInt(c.Details, "product_id")
			if err != nil {
				return "", apierror.NewAPIError(apierror.ErrInvalidInput, "product_id is required", err)
			}
		}
		storeID := c.NodeID
		if id, err := detailInt(params, "store_id"); err == nil {
			storeID = &id
		}
		updated, err := tx.SyncPricesFromMaster(ctx, productID, storeID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d store prices synced from master", updated), nil
	}
	return "", apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown custom fix %q", action), nil)
}

func escalate(ctx context.Context, tx database.DomainStore, c *model.Conflict, params map[string]interface{}, by string, now time.Time) (string, error) {
	level, _ := params["level"].(string)
	if level == "" {
		level = "supervisor"
	}
	reason, _ := params["reason"].(string)
	payload, err := json.Marshal(map[string]interface{}{
		"conflict_id": c.ID,
		"subtype":     c.Subtype,
		"priority":    c.Priority,
		"level":       level,
		"reason":      reason,
		"by":          by,
	})
	if err != nil {
		return "", err
	}
	err = tx.InsertAudit(ctx, &model.AuditEntry{
		ID:        model.GenerateUUIDWithSuffix("audit"),
		EventType: model.AuditConflictEscalate,
		NodeID:    c.NodeID,
		EntityRef: "conflicts/" + c.ID,
		Payload:   payload,
		CreatedAt: now,
	})
	if err != nil {
		return "", err
	}
	return "escalated to " + level, nil
}

// detailDecimal reads a number stored in conflict details or request
// parameters, whichever JSON form it arrived in.
func detailDecimal(details map[string]interface{}, key string) (decimal.Decimal, error) {
	switch v := details[key].(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case nil:
		return decimal.Zero, errors.Errorf("%s is missing", key)
	default:
		return decimal.Zero, errors.Errorf("%s has unexpected type %T", key, v)
	}
}

func detailInt(details map[string]interface{}, key string) (int64, error) {
	v, ok := details[key]
	if !ok || v == nil {
		return 0, errors.Errorf("%s is missing", key)
	}
	n, err := toInt64(v)
	return n, errors.Wrap(err, key)
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case json.Number:
		return n.Int64()
	}
	return 0, errors.Errorf("unexpected type %T", v)
}
