package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/value-ledger/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var created = time.Date(2025, 6, 1, 9, 30, 0, 123456789, time.UTC)

func TestValueRoundTrip(t *testing.T) {
	// GIVEN: A value using every optional column
	ctx := context.Background()
	store := newTestStore(t)
	liability := decimal.RequireFromString("0.25")
	end := created.AddDate(1, 0, 0)
	v := &ledger.Value{
		ID:                      "val-1",
		Currency:                "CAD",
		UsesRemaining:           ledger.Int64(3),
		BalanceRule:             &ledger.Rule{Rule: "currentLineItem.lineTotal.subtotal * 0.1", Explanation: "10% off"},
		Discount:                true,
		DiscountSellerLiability: &liability,
		Pretax:                  true,
		Active:                  true,
		EndDate:                 &end,
		ContactID:               "contact-1",
		CodeHashed:              "hash-1",
		CodeLastFour:            "…WXYZ",
		Metadata:                map[string]any{"campaign": "spring"},
		CreatedDate:             created,
		UpdatedDate:             created,
		CreatedBy:               "user-1",
	}

	// WHEN: It is inserted and read back by code hash
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertValue(ctx, v) }))
	got, err := store.GetValueByCodeHash(ctx, "hash-1")
	require.NoError(t, err)

	// THEN: Every field survives
	assert.Equal(t, v.ID, got.ID)
	assert.Nil(t, got.Balance)
	assert.Equal(t, int64(3), *got.UsesRemaining)
	assert.Equal(t, v.BalanceRule, got.BalanceRule)
	assert.True(t, liability.Equal(*got.DiscountSellerLiability))
	assert.True(t, got.Pretax)
	assert.True(t, end.Equal(*got.EndDate))
	assert.True(t, created.Equal(got.CreatedDate), "nanosecond precision kept")
	assert.Equal(t, "spring", got.Metadata["campaign"])

	byContact, err := store.ListValuesByContact(ctx, "contact-1")
	require.NoError(t, err)
	require.Len(t, byContact, 1)
}

func TestInsertTransaction_DuplicateIDIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insert := func() error {
		return store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertTransaction(ctx, &ledger.Transaction{
				ID: "tx-1", TransactionType: ledger.TxCredit, Currency: "USD", RootTransactionID: "tx-1", CreatedDate: created,
			})
		})
	}
	require.NoError(t, insert())

	err := insert()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrTransactionExists))
}

func TestTransactionWithStepsRoundTrip(t *testing.T) {
	// GIVEN: A checkout touching all three rails, persisted out of order
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertValue(ctx, &ledger.Value{ID: "gc", Currency: "USD", Balance: ledger.Int64(0), Active: true, CreatedDate: created, UpdatedDate: created})
	}))
	voidAt := created.Add(24 * time.Hour)
	checkout := &ledger.Transaction{
		ID:              "co-1",
		TransactionType: ledger.TxCheckout,
		Currency:        "USD",
		Totals: &ledger.Totals{
			Subtotal: 1000, Payable: 1000, PaidLightrail: 600, PaidStripe: 300, PaidInternal: 100,
			Marketplace: &ledger.Marketplace{SellerGross: 800, SellerNet: 800},
		},
		LineItems:         []ledger.LineItem{{UnitPrice: 1000, Quantity: 1}},
		Tax:               &ledger.TaxRequest{RoundingMode: ledger.RoundHalfEven},
		Pending:           true,
		PendingVoidDate:   &voidAt,
		RootTransactionID: "co-1",
		CreatedDate:       created,
	}

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertTransaction(ctx, checkout); err != nil {
			return err
		}
		if err := tx.InsertStep(ctx, "co-1", 2, &ledger.StripeStep{ChargeID: "ch_1", Amount: -300, Source: "tok_visa", Charge: json.RawMessage(`{"id":"ch_1"}`)}); err != nil {
			return err
		}
		if err := tx.InsertStep(ctx, "co-1", 0, &ledger.InternalStep{InternalID: "house", BalanceBefore: 100, BalanceAfter: 0, BalanceChange: -100, BeforeLightrail: true}); err != nil {
			return err
		}
		return tx.InsertStep(ctx, "co-1", 1, &ledger.LightrailStep{ValueID: "gc", BalanceBefore: ledger.Int64(600), BalanceAfter: ledger.Int64(0), BalanceChange: -600})
	})
	require.NoError(t, err)

	// WHEN: Reading it back
	got, err := store.GetTransaction(ctx, "co-1")
	require.NoError(t, err)

	// THEN: Totals and steps are restored in index order
	assert.Equal(t, checkout.Totals, got.Totals)
	assert.Equal(t, ledger.RoundHalfEven, got.Tax.RoundingMode)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, ledger.RailInternal, got.Steps[0].Rail())
	assert.Equal(t, ledger.RailLightrail, got.Steps[1].Rail())
	assert.Equal(t, ledger.RailStripe, got.Steps[2].Rail())
	assert.JSONEq(t, `{"id":"ch_1"}`, string(got.Steps[2].(*ledger.StripeStep).Charge))

	// AND: It is listed as expiring pending until linked
	expired, err := store.ListExpiredPending(ctx, voidAt, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return tx.LinkNext(ctx, "co-1", "co-1-void") }))
	expired, err = store.ListExpiredPending(ctx, voidAt, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// AND: The referenced value cannot be deleted
	assert.ErrorIs(t, store.DeleteValue(ctx, "gc"), ledger.ErrValueInUse)
}

func TestLinkNext_SecondLinkIsChainModified(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertTransaction(ctx, &ledger.Transaction{ID: "d", TransactionType: ledger.TxDebit, Currency: "USD", RootTransactionID: "d", CreatedDate: created})
	}))
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return tx.LinkNext(ctx, "d", "r1") }))

	err := store.WithTx(ctx, func(tx ledger.Tx) error { return tx.LinkNext(ctx, "d", "r2") })
	assert.ErrorIs(t, err, ledger.ErrChainModified)

	err = store.WithTx(ctx, func(tx ledger.Tx) error { return tx.LinkNext(ctx, "missing", "r3") })
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestWithTx_RollbackDiscardsValueUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertValue(ctx, &ledger.Value{ID: "v", Currency: "USD", Balance: ledger.Int64(500), Active: true, CreatedDate: created, UpdatedDate: created})
	}))

	boom := errors.New("processor down")
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		v, err := tx.LockValue(ctx, "v")
		require.NoError(t, err)
		require.NoError(t, tx.UpdateValueBalance(ctx, "v", ledger.Int64(*v.Balance-200), nil, created))
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, err := store.GetValue(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, int64(500), *v.Balance)
}

func TestListTransactions_FilterAndPaging(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		for i, typ := range []ledger.TransactionType{ledger.TxCredit, ledger.TxDebit, ledger.TxCredit, ledger.TxCredit} {
			id := string(rune('a' + i))
			if err := tx.InsertTransaction(ctx, &ledger.Transaction{
				ID: id, TransactionType: typ, Currency: "USD", RootTransactionID: id, CreatedDate: created.Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	page, err := store.ListTransactions(ctx, ledger.TransactionQuery{Limit: 2, TransactionType: ledger.TxCredit})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "d", page.Items[0].ID)
	assert.Equal(t, "c", page.Items[1].ID)

	p, err := ledger.CalculateCursor(nil, page)
	require.NoError(t, err)
	cursor, err := ledger.DecodeCursor(p.Next)
	require.NoError(t, err)

	page, err = store.ListTransactions(ctx, ledger.TransactionQuery{Limit: 2, TransactionType: ledger.TxCredit, Cursor: &cursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "a", page.Items[0].ID)
}

func TestReset_ClearsAllTables(t *testing.T) {
	// GIVEN: A value and a transaction
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertValue(ctx, &ledger.Value{ID: "val-1", Currency: "USD", Balance: ledger.Int64(10), Active: true, CreatedDate: created, UpdatedDate: created}); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &ledger.Transaction{
			ID: "tx-1", TransactionType: ledger.TxCredit, Currency: "USD", RootTransactionID: "tx-1", CreatedDate: created,
		})
	}))

	// WHEN: The store is reset
	require.NoError(t, store.Reset(ctx))

	// THEN: Both are gone
	_, err := store.GetValue(ctx, "val-1")
	assert.ErrorIs(t, err, ledger.ErrValueNotFound)
	_, err = store.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}
