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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"go.opentelemetry.io/otel"
)

// ErrStaleWrite is returned by a guarded write whose expected value no longer matches.
var ErrStaleWrite = errors.New("row changed since the conflict was detected")

// StockRow identifies a store_stock row.
type StockRow struct {
	ID        int64
	StoreID   int64
	ProductID int64
}

type StockMovement struct {
	StoreID   int64
	ProductID int64
	Quantity  decimal.Decimal
	Type      string
	Reference string
	Notes     string
}

// DomainStore is the set of writes a conflict resolution may perform. Every
// mutation is guarded by the value observed at detection time and fails with
// ErrStaleWrite when that value has changed.
type DomainStore interface {
	SetStockQuantity(ctx context.Context, stockID int64, expected, value decimal.Decimal) (StockRow, error)            // Overwrite on-hand quantity
	InsertStockMovement(ctx context.Context, movement StockMovement) error                                             // Append a compensating movement
	ExpireReservation(ctx context.Context, reservationID int64) error                                                  // Mark expired and release reserved stock
	ShrinkReservation(ctx context.Context, reservationID int64, expected, value decimal.Decimal) error                 // Reduce a reservation to what is available
	SetCustomerPoints(ctx context.Context, customerID int64, expected, value decimal.Decimal) error                    // Overwrite a points balance
	AddPointsAdjustment(ctx context.Context, customerID int64, delta decimal.Decimal, note string) error               // History row that makes the ledger agree with the balance
	SetDebtRemaining(ctx context.Context, debtID int64, expected, value decimal.Decimal, paid bool) error              // Overwrite remaining amount and paid flag
	ResetSaleSyncStatus(ctx context.Context, saleID int64, expected string) error                                      // Put an offline sale back to pending
	RenumberInvoice(ctx context.Context, saleID int64, expected, invoiceNo string) error                               // Give a duplicate sale a new invoice number
	CancelStuckQueueItem(ctx context.Context, itemID, note string) error                                               // Cancel a pending queue item
	RescheduleStuckQueueItem(ctx context.Context, itemID string, expectedAttempts int, now time.Time) error            // Make the item due, attempts kept
	RequeueRejectedQueueItem(ctx context.Context, itemID string, now time.Time) error                                  // Return a rejected delivery to the queue
	TouchWatermark(ctx context.Context, nodeID int64, category string, at time.Time) error                             // Advance a watermark
	SyncPricesFromMaster(ctx context.Context, productID int64, storeID *int64) (int64, error)                          // Copy master price to store prices
	ResolveConflict(ctx context.Context, id string, status model.ConflictStatus, by, notes string, at time.Time) error // Close a pending conflict
	InsertAudit(ctx context.Context, entry *model.AuditEntry) error                                                    // Audit in the same transaction
}

type domainTx struct {
	tx *sql.Tx
}

// WithDomainTx runs fn in a SERIALIZABLE transaction. A stale guard or a
// serialization failure rolls back and is reported as a conflict.
func (d Datasource) WithDomainTx(ctx context.Context, fn func(DomainStore) error) error {
	ctx, span := otel.Tracer("Conflict").Start(ctx, "Domain transaction")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&domainTx{tx: tx}); err != nil {
		return classifyDomainError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyDomainError(err)
	}
	return nil
}

func classifyDomainError(err error) error {
	if _, ok := apierror.As(err); ok {
		return err
	}
	if errors.Is(err, ErrStaleWrite) || IsSerializationFailure(errors.Cause(err)) {
		return apierror.NewAPIError(apierror.ErrConflict, "concurrent change detected, resolution not applied", err)
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, "resolution transaction failed", err)
}

func guarded(result sql.Result, err error, what string) error {
	if err != nil {
		return errors.Wrapf(err, "update %s", what)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrap(ErrStaleWrite, what)
	}
	return nil
}

func (t *domainTx) SetStockQuantity(ctx context.Context, stockID int64, expected, value decimal.Decimal) (StockRow, error) {
	row := StockRow{ID: stockID}
	err := t.tx.QueryRowContext(ctx, `
		UPDATE store_stock SET quantity = $3, updated_at = NOW()
		WHERE id = $1 AND quantity = $2
		RETURNING store_id, product_id
	`, stockID, expected, value).Scan(&row.StoreID, &row.ProductID)
	if err == sql.ErrNoRows {
		return row, errors.Wrapf(ErrStaleWrite, "store_stock %d", stockID)
	}
	if err != nil {
		return row, errors.Wrapf(err, "update store_stock %d", stockID)
	}
	return row, nil
}

func (t *domainTx) InsertStockMovement(ctx context.Context, m StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (store_id, product_id, quantity, type, reference, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, m.StoreID, m.ProductID, m.Quantity, m.Type, m.Reference, m.Notes)
	return errors.Wrap(err, "insert stock movement")
}

func (t *domainTx) ExpireReservation(ctx context.Context, reservationID int64) error {
	var storeID, productID int64
	var quantity decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		UPDATE stock_reservations SET status = 'expired'
		WHERE id = $1 AND status = 'active'
		RETURNING store_id, product_id, quantity
	`, reservationID).Scan(&storeID, &productID, &quantity)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrStaleWrite, "reservation %d", reservationID)
	}
	if err != nil {
		return errors.Wrapf(err, "expire reservation %d", reservationID)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE store_stock SET reserved_quantity = GREATEST(reserved_quantity - $3, 0), updated_at = NOW()
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID, quantity)
	return errors.Wrap(err, "release reserved stock")
}

func (t *domainTx) ShrinkReservation(ctx context.Context, reservationID int64, expected, value decimal.Decimal) error {
	var storeID, productID int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE stock_reservations SET quantity = $3
		WHERE id = $1 AND status = 'active' AND quantity = $2
		RETURNING store_id, product_id
	`, reservationID, expected, value).Scan(&storeID, &productID)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrStaleWrite, "reservation %d", reservationID)
	}
	if err != nil {
		return errors.Wrapf(err, "shrink reservation %d", reservationID)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE store_stock SET reserved_quantity = GREATEST(reserved_quantity - $3, 0), updated_at = NOW()
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID, expected.Sub(value))
	return errors.Wrap(err, "release reserved stock")
}

func (t *domainTx) SetCustomerPoints(ctx context.Context, customerID int64, expected, value decimal.Decimal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE customers SET points = $3, updated_at = NOW() WHERE id = $1 AND points = $2
	`, customerID, expected, value)
	return guarded(result, err, fmt.Sprintf("customer %d points", customerID))
}

func (t *domainTx) AddPointsAdjustment(ctx context.Context, customerID int64, delta decimal.Decimal, note string) error {
	if delta.IsZero() {
		return nil
	}
	kind := "earned"
	if delta.IsNegative() {
		kind = "spent"
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO customer_points_history (customer_id, points, type, description, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, customerID, delta.Abs(), kind, note)
	return errors.Wrap(err, "insert points adjustment")
}

func (t *domainTx) SetDebtRemaining(ctx context.Context, debtID int64, expected, value decimal.Decimal, paid bool) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE customer_debts SET remaining_amount = $3, is_paid = $4, updated_at = NOW()
		WHERE id = $1 AND remaining_amount = $2
	`, debtID, expected, value, paid)
	return guarded(result, err, fmt.Sprintf("debt %d", debtID))
}

func (t *domainTx) ResetSaleSyncStatus(ctx context.Context, saleID int64, expected string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE sales SET sync_status = 'pending', updated_at = NOW() WHERE id = $1 AND sync_status = $2
	`, saleID, expected)
	return guarded(result, err, fmt.Sprintf("sale %d", saleID))
}

func (t *domainTx) RenumberInvoice(ctx context.Context, saleID int64, expected, invoiceNo string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE sales SET invoice_no = $3, updated_at = NOW() WHERE id = $1 AND invoice_no = $2
	`, saleID, expected, invoiceNo)
	return guarded(result, err, fmt.Sprintf("sale %d invoice", saleID))
}

func (t *domainTx) CancelStuckQueueItem(ctx context.Context, itemID, note string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE replicator.sync_queue SET status = 'cancelled', last_error = COALESCE(last_error, '') || $2
		WHERE id = $1 AND status = 'pending'
	`, itemID, note)
	return guarded(result, err, "queue item "+itemID)
}

// RescheduleStuckQueueItem makes a pending item due now. Attempts are left as
// they are and only guard against a worker having moved the item meanwhile.
func (t *domainTx) RescheduleStuckQueueItem(ctx context.Context, itemID string, expectedAttempts int, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE replicator.sync_queue SET scheduled_at = $3, error_kind = NULL
		WHERE id = $1 AND status = 'pending' AND attempts = $2
	`, itemID, expectedAttempts, now)
	return guarded(result, err, "queue item "+itemID)
}

func (t *domainTx) RequeueRejectedQueueItem(ctx context.Context, itemID string, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE replicator.sync_queue SET status = 'pending', scheduled_at = $2, error_kind = NULL
		WHERE id = $1 AND status = 'failed' AND error_kind = 'conflict'
	`, itemID, now)
	return guarded(result, err, "queue item "+itemID)
}

func (t *domainTx) TouchWatermark(ctx context.Context, nodeID int64, category string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE replicator.watermarks
		SET last_distributed_at = GREATEST(last_distributed_at, $3), last_status = 'ok', last_error = NULL, updated_at = NOW()
		WHERE node_id = $1 AND category = $2
	`, nodeID, category, at)
	return guarded(result, err, fmt.Sprintf("watermark %d/%s", nodeID, category))
}

func (t *domainTx) SyncPricesFromMaster(ctx context.Context, productID int64, storeID *int64) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE store_product_prices sp SET price = p.price, updated_at = NOW()
		FROM products p
		WHERE p.id = sp.product_id AND sp.product_id = $1 AND ($2::BIGINT IS NULL OR sp.store_id = $2)
	`, productID, nullInt64(storeID))
	if err != nil {
		return 0, errors.Wrap(err, "sync store prices")
	}
	return result.RowsAffected()
}

func (t *domainTx) ResolveConflict(ctx context.Context, id string, status model.ConflictStatus, by, notes string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE replicator.conflicts SET status = $2, resolved_by = $3, notes = $4, resolved_at = $5
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), nullString(by), nullString(notes), at)
	return guarded(result, err, "conflict "+id)
}

func (t *domainTx) InsertAudit(ctx context.Context, entry *model.AuditEntry) error {
	return errors.Wrap(insertAuditEntry(ctx, t.tx, entry), "insert audit entry")
}
