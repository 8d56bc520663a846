package mocks

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/mock"
)

// MockDomainStore records the guarded writes a resolution performs.
type MockDomainStore struct {
	mock.Mock
}

func (m *MockDomainStore) SetStockQuantity(ctx context.Context, stockID int64, expected decimal.Decimal, value decimal.Decimal) (database.StockRow, error) {
	args := m.Called(ctx, stockID, expected, value)
	return args.Get(0).(database.StockRow), args.Error(1)
}

func (m *MockDomainStore) InsertStockMovement(ctx context.Context, movement database.StockMovement) error {
	args := m.Called(ctx, movement)
	return args.Error(0)
}

func (m *MockDomainStore) ExpireReservation(ctx context.Context, reservationID int64) error {
	args := m.Called(ctx, reservationID)
	return args.Error(0)
}

func (m *MockDomainStore) ShrinkReservation(ctx context.Context, reservationID int64, expected decimal.Decimal, value decimal.Decimal) error {
	args := m.Called(ctx, reservationID, expected, value)
	return args.Error(0)
}

func (m *MockDomainStore) SetCustomerPoints(ctx context.Context, customerID int64, expected decimal.Decimal, value decimal.Decimal) error {
	args := m.Called(ctx, customerID, expected, value)
	return args.Error(0)
}

func (m *MockDomainStore) AddPointsAdjustment(ctx context.Context, customerID int64, delta decimal.Decimal, note string) error {
	args := m.Called(ctx, customerID, delta, note)
	return args.Error(0)
}

func (m *MockDomainStore) SetDebtRemaining(ctx context.Context, debtID int64, expected decimal.Decimal, value decimal.Decimal, paid bool) error {
	args := m.Called(ctx, debtID, expected, value, paid)
	return args.Error(0)
}

func (m *MockDomainStore) ResetSaleSyncStatus(ctx context.Context, saleID int64, expected string) error {
	args := m.Called(ctx, saleID, expected)
	return args.Error(0)
}

func (m *MockDomainStore) RenumberInvoice(ctx context.Context, saleID int64, expected string, invoiceNo string) error {
	args := m.Called(ctx, saleID, expected, invoiceNo)
	return args.Error(0)
}

func (m *MockDomainStore) CancelStuckQueueItem(ctx context.Context, itemID string, note string) error {
	args := m.Called(ctx, itemID, note)
	return args.Error(0)
}

func (m *MockDomainStore) RescheduleStuckQueueItem(ctx context.Context, itemID string, expectedAttempts int, now time.Time) error {
	args := m.Called(ctx, itemID, expectedAttempts, now)
	return args.Error(0)
}

func (m *MockDomainStore) RequeueRejectedQueueItem(ctx context.Context, itemID string, now time.Time) error {
	args := m.Called(ctx, itemID, now)
	return args.Error(0)
}

func (m *MockDomainStore) TouchWatermark(ctx context.Context, nodeID int64, category string, at time.Time) error {
	args := m.Called(ctx, nodeID, category, at)
	return args.Error(0)
}

func (m *MockDomainStore) SyncPricesFromMaster(ctx context.Context, productID int64, storeID *int64) (int64, error) {
	args := m.Called(ctx, productID, storeID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDomainStore) ResolveConflict(ctx context.Context, id string, status model.ConflictStatus, by string, notes string, at time.Time) error {
	args := m.Called(ctx, id, status, by, notes, at)
	return args.Error(0)
}

func (m *MockDomainStore) InsertAudit(ctx context.Context, entry *model.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}
