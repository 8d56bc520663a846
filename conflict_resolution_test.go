package replicator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/database/mocks"
	"github.com/storesync/replicator/internal/apierror"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func decEq(value string) interface{} {
	want := decimal.RequireFromString(value)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

func resolutionFixture(t *testing.T, c *model.Conflict) (*Replicator, *mocks.MockDataSource, *mocks.MockDomainStore) {
	t.Helper()
	store := &mocks.MockDomainStore{}
	ds := &mocks.MockDataSource{Store: store}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("GetConflict", mock.Anything, c.ID).Return(c, nil)
	ds.On("WithDomainTx", mock.Anything, mock.Anything).Return(nil)
	return r, ds, store
}

func TestAutoResolve_NegativeStockClampsAndLogsMovement(t *testing.T) {
	c := &model.Conflict{
		ID:      "conflict_ns",
		Subtype: model.SubtypeNegativeStock,
		Status:  model.ConflictPending,
		Details: map[string]interface{}{"stock_id": "11", "product_id": "5", "quantity": "-4"},
	}
	r, _, store := resolutionFixture(t, c)

	store.On("SetStockQuantity", mock.Anything, int64(11), decEq("-4"), decEq("0")).
		Return(database.StockRow{ID: 11, StoreID: 2, ProductID: 5}, nil)
	store.On("InsertStockMovement", mock.Anything, mock.MatchedBy(func(m database.StockMovement) bool {
		return m.Quantity.Equal(decimal.NewFromInt(4)) && m.StoreID == 2 && m.ProductID == 5 &&
			m.Type == "adjustment" && m.Reference == "conflict:conflict_ns"
	})).Return(nil)
	store.On("ResolveConflict", mock.Anything, "conflict_ns", model.ConflictAutoResolved, systemResolver, "stock clamped to zero", testNow).Return(nil)

	results, err := r.AutoResolve(context.Background(), []string{"conflict_ns"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Resolved)
	assert.Equal(t, model.ConflictAutoResolved, results[0].Status)
	store.AssertExpectations(t)
}

func TestAutoResolve_DebtPaidInFull(t *testing.T) {
	c := &model.Conflict{
		ID:      "conflict_debt",
		Subtype: model.SubtypeCustomerDebtMismatch,
		Status:  model.ConflictPending,
		Details: map[string]interface{}{
			"debt_id":              float64(3),
			"total":                "100",
			"discount":             "0",
			"paid":                 "100",
			"recorded_remaining":   "40",
			"calculated_remaining": "0",
		},
	}
	r, _, store := resolutionFixture(t, c)

	store.On("SetDebtRemaining", mock.Anything, int64(3), decEq("40"), decEq("0"), true).Return(nil)
	store.On("ResolveConflict", mock.Anything, "conflict_debt", model.ConflictAutoResolved, systemResolver, "debt marked paid", testNow).Return(nil)

	results, err := r.AutoResolve(context.Background(), []string{"conflict_debt"})
	require.NoError(t, err)
	assert.True(t, results[0].Resolved)
	assert.Equal(t, "debt marked paid", results[0].Action)
	store.AssertExpectations(t)
}

func TestAutoResolve_DuplicateInvoiceKeepsFirst(t *testing.T) {
	c := &model.Conflict{
		ID:      "conflict_inv",
		Subtype: model.SubtypeDuplicateInvoiceNumber,
		Status:  model.ConflictPending,
		Details: map[string]interface{}{"invoice_no": "INV-100", "duplicate_count": float64(3), "sale_ids": []interface{}{"7", "8", "9"}},
	}
	r, _, store := resolutionFixture(t, c)

	store.On("RenumberInvoice", mock.Anything, int64(8), "INV-100", "INV-100-2").Return(nil)
	store.On("RenumberInvoice", mock.Anything, int64(9), "INV-100", "INV-100-3").Return(nil)
	store.On("ResolveConflict", mock.Anything, "conflict_inv", model.ConflictAutoResolved, systemResolver, "2 duplicate invoices renumbered", testNow).Return(nil)

	results, err := r.AutoResolve(context.Background(), []string{"conflict_inv"})
	require.NoError(t, err)
	assert.True(t, results[0].Resolved)
	store.AssertNotCalled(t, "RenumberInvoice", mock.Anything, int64(7), mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestAutoResolve_StaleWriteLeavesConflictPending(t *testing.T) {
	c := &model.Conflict{
		ID:      "conflict_pts",
		Subtype: model.SubtypeCustomerPointsMismatch,
		Status:  model.ConflictPending,
		Details: map[string]interface{}{"customer_id": "21", "recorded_points": "120", "calculated_points": "100"},
	}
	r, _, store := resolutionFixture(t, c)

	store.On("SetCustomerPoints", mock.Anything, int64(21), decEq("120"), decEq("100")).
		Return(apierror.NewAPIError(apierror.ErrConflict, "customer 21 points changed since detection", nil))

	results, err := r.AutoResolve(context.Background(), []string{"conflict_pts"})
	require.NoError(t, err)
	assert.False(t, results[0].Resolved)
	assert.Equal(t, model.ConflictPending, results[0].Status)
	assert.Contains(t, results[0].Error, "changed since detection")
	store.AssertNotCalled(t, "ResolveConflict", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAutoResolve_SkipsClosedConflicts(t *testing.T) {
	ds := &mocks.MockDataSource{}
	r := newTestReplicator(t, ds, nil, nil, nil)
	ds.On("GetConflict", mock.Anything, "conflict_done").Return(&model.Conflict{ID: "conflict_done", Status: model.ConflictIgnored}, nil)

	results, err := r.AutoResolve(context.Background(), []string{"conflict_done"})
	require.NoError(t, err)
	assert.Contains(t, results[0].Error, "already ignored")
	ds.AssertNotCalled(t, "WithDomainTx", mock.Anything, mock.Anything)

	_, err = r.AutoResolve(context.Background(), nil)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestManualResolve_MergeAveragesPoints(t *testing.T) {
	c := &model.Conflict{
		ID:      "conflict_merge",
		Subtype: model.SubtypeCustomerPointsMismatch,
		Status:  model.ConflictPending,
		Details: map[string]interface{}{"customer_id": "21", "recorded_points": "100", "calculated_points": "80"},
	}
	r, _, store := resolutionFixture(t, c)

	store.On("SetCustomerPoints", mock.Anything, int64(21), decEq("100"), decEq("90")).Return(nil)
	store.On("AddPointsAdjustment", mock.Anything, int64(21), decEq("10"), "conflict:conflict_merge").Return(nil)
	store.On("ResolveConflict", mock.Anything, "conflict_merge", model.ConflictManualResolved, "alice", "points set to 90", testNow).Return(nil)

	result, err := r.ManualResolve(context.Background(), "conflict_merge", model.StrategyMerge, map[string]interface{}{"method": "average"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictManualResolved, result.Status)
	store.AssertExpectations(t)
}

func TestManualResolve_AcceptStoreWritesPoints(t *testing.T) {
	c := &model.Conflict{
		ID:      "conflict_store",
		Subtype: model.SubtypeCustomerPointsMismatch,
		Status:  model.ConflictPending,
		Details: map[string]interface{}{"customer_id": "21", "recorded_points": "100", "calculated_points": "80"},
	}
	r, _, store := resolutionFixture(t, c)

	store.On("SetCustomerPoints", mock.Anything, int64(21), decEq("100"), decEq("100")).Return(nil)
	store.On("AddPointsAdjustment", mock.Anything, int64(21), decEq("20"), "conflict:conflict_store").Return(nil)
	store.On("ResolveConflict", mock.Anything, "conflict_store", model.ConflictManualResolved, "alice", "points set to 100", testNow).Return(nil)

	_, err := r.ManualResolve(context.Background(), "conflict_store", model.StrategyAcceptStore, nil, "alice")
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestManualResolve_AcceptStoreRejectsSubtypesWithoutStoreValue(t *testing.T) {
	for _, subtype := range []model.ConflictSubtype{model.SubtypeCustomerDebtMismatch, model.SubtypeNegativeStock} {
		t.Run(string(subtype), func(t *testing.T) {
			c := &model.Conflict{ID: "conflict_keep", Subtype: subtype, Status: model.ConflictPending,
				Details: map[string]interface{}{"debt_id": "5", "stock_id": "11", "quantity": "-1"}}
			r, ds, store := resolutionFixture(t, c)

			_, err := r.ManualResolve(context.Background(), "conflict_keep", model.StrategyAcceptStore, nil, "alice")
			assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
			ds.AssertNotCalled(t, "WithDomainTx", mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "ResolveConflict", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestManualResolve_Escalate(t *testing.T) {
	nodeID := int64(4)
	c := &model.Conflict{ID: "conflict_esc", Subtype: model.SubtypeOfflineSaleSyncFailure, NodeID: &nodeID, Status: model.ConflictPending, Priority: model.PriorityHigh}
	r, _, store := resolutionFixture(t, c)

	store.On("InsertAudit", mock.Anything, mock.MatchedBy(func(e *model.AuditEntry) bool {
		var payload map[string]interface{}
		_ = json.Unmarshal(e.Payload, &payload)
		return e.EventType == model.AuditConflictEscalate && e.EntityRef == "conflicts/conflict_esc" &&
			payload["level"] == "manager" && payload["reason"] == "customer dispute"
	})).Return(nil)
	store.On("ResolveConflict", mock.Anything, "conflict_esc", model.ConflictEscalated, "operator", "escalated to manager", testNow).Return(nil)

	result, err := r.ManualResolve(context.Background(), "conflict_esc", model.StrategyEscalate,
		map[string]interface{}{"level": "manager", "reason": "customer dispute"}, "")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictEscalated, result.Status)
	store.AssertExpectations(t)
}

func TestManualResolve_CustomFixSyncsPrices(t *testing.T) {
	nodeID := int64(2)
	c := &model.Conflict{ID: "conflict_price", Subtype: model.SubtypeNegativeStock, NodeID: &nodeID, Status: model.ConflictPending,
		Details: map[string]interface{}{"stock_id": "11", "product_id": "55", "quantity": "-1"}}
	r, _, store := resolutionFixture(t, c)

	store.On("SyncPricesFromMaster", mock.Anything, int64(55), &nodeID).Return(int64(1), nil)
	store.On("ResolveConflict", mock.Anything, "conflict_price", model.ConflictManualResolved, "bob", "1 store prices synced from master", testNow).Return(nil)

	_, err := r.ManualResolve(context.Background(), "conflict_price", model.StrategyCustomFix, map[string]interface{}{"action": "sync_prices_from_master"}, "bob")
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestManualResolve_RejectsBadInput(t *testing.T) {
	c := &model.Conflict{ID: "conflict_bad", Subtype: model.SubtypeOfflineSaleSyncFailure, Status: model.ConflictPending}
	r, ds, _ := resolutionFixture(t, c)

	_, err := r.ManualResolve(context.Background(), "conflict_bad", "overwrite", nil, "")
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
	ds.AssertNotCalled(t, "WithDomainTx", mock.Anything, mock.Anything)

	_, err = r.ManualResolve(context.Background(), "conflict_bad", model.StrategyMerge, nil, "")
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput), "offline sales have no numeric sides")
}

func TestResolveInsufficientReserved(t *testing.T) {
	store := &mocks.MockDomainStore{}
	c := &model.Conflict{ID: "c1", Details: map[string]interface{}{"reservation_id": "8", "quantity": "5", "on_hand": "10", "reserved": "12"}}
	store.On("ShrinkReservation", mock.Anything, int64(8), decEq("5"), decEq("3")).Return(nil)

	action, err := resolveInsufficientReserved(context.Background(), store, c, testNow)
	require.NoError(t, err)
	assert.Equal(t, "reservation reduced to 3", action)

	c.Details["on_hand"] = "6"
	store.On("ExpireReservation", mock.Anything, int64(8)).Return(nil)
	action, err = resolveInsufficientReserved(context.Background(), store, c, testNow)
	require.NoError(t, err)
	assert.Equal(t, "reservation expired, no stock available", action)
	store.AssertExpectations(t)
}

func TestResolveStuckQueueItem(t *testing.T) {
	r := newTestReplicator(t, &mocks.MockDataSource{}, nil, nil, nil)
	store := &mocks.MockDomainStore{}
	store.On("RescheduleStuckQueueItem", mock.Anything, "queue_a", 1, testNow).Return(nil)
	store.On("CancelStuckQueueItem", mock.Anything, "queue_b", mock.AnythingOfType("string")).Return(nil)

	action, err := r.resolveStuckQueueItem(context.Background(), store, &model.Conflict{Details: map[string]interface{}{
		"queue_item_id": "queue_a", "attempts": float64(1), "max_attempts": float64(3),
	}}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "queue item rescheduled", action)

	// A pending item holds at most max_attempts-1 attempts.
	action, err = r.resolveStuckQueueItem(context.Background(), store, &model.Conflict{Details: map[string]interface{}{
		"queue_item_id": "queue_b", "attempts": float64(2), "max_attempts": float64(3),
	}}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "queue item cancelled", action)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "RescheduleStuckQueueItem", mock.Anything, "queue_b", mock.Anything, mock.Anything)
}

func TestResolveStuckQueueItem_UsesItemMaxAttempts(t *testing.T) {
	r := newTestReplicator(t, &mocks.MockDataSource{}, nil, nil, nil)
	store := &mocks.MockDomainStore{}
	store.On("RescheduleStuckQueueItem", mock.Anything, "queue_c", 2, testNow).Return(nil)

	action, err := r.resolveStuckQueueItem(context.Background(), store, &model.Conflict{Details: map[string]interface{}{
		"queue_item_id": "queue_c", "attempts": float64(2), "max_attempts": float64(6),
	}}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "queue item rescheduled", action)
	store.AssertExpectations(t)
}

func TestToInt64(t *testing.T) {
	for _, v := range []interface{}{"42", float64(42), 42, int64(42), json.Number("42")} {
		got, err := toInt64(v)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got)
	}
	_, err := toInt64(true)
	assert.Error(t, err)
}
