package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const transactionColumns = `id, transaction_type, currency,
	totals_subtotal, totals_tax, totals_discount, totals_discount_lightrail, totals_payable,
	totals_paid_lightrail, totals_paid_stripe, totals_paid_internal, totals_remainder, totals_forgiven,
	totals_marketplace_seller_gross, totals_marketplace_seller_net, totals_marketplace_seller_discount,
	line_items_json, payment_sources_json, tax_json, pending, pending_void_date,
	root_transaction_id, next_transaction_id, metadata_json, created_date, created_by`

const defaultPageLimit = 100

func (s *Store) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

// ListTransactions pages newest first, keyed on (created_date, id).
func (s *Store) ListTransactions(ctx context.Context, q ledger.TransactionQuery) (*ledger.TransactionPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	var (
		where []string
		args  []any
	)
	if q.TransactionType != "" {
		where = append(where, "transaction_type = ?")
		args = append(args, string(q.TransactionType))
	}
	order := "created_date DESC, id DESC"
	if q.Cursor != nil {
		key := formatTime(q.Cursor.CreatedDate)
		if q.Cursor.Direction == ledger.CursorNext {
			where = append(where, "(created_date < ? OR (created_date = ? AND id < ?))")
		} else {
			where = append(where, "(created_date > ? OR (created_date = ? AND id > ?))")
			order = "created_date ASC, id ASC"
		}
		args = append(args, key, key, q.Cursor.ID)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order + " LIMIT ?"
	args = append(args, limit+1)

	txs, err := queryTransactions(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}

	page := &ledger.TransactionPage{}
	if len(txs) > limit {
		txs = txs[:limit]
		page.HasMore = true
	}
	if q.Cursor != nil && q.Cursor.Direction == ledger.CursorPrev {
		for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
			txs[i], txs[j] = txs[j], txs[i]
		}
	}
	page.Items = txs
	return page, nil
}

func (s *Store) GetChain(ctx context.Context, rootID string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryTransactions(ctx, s.db,
		`SELECT `+transactionColumns+` FROM transactions WHERE root_transaction_id = ? ORDER BY created_date, rowid`, rootID)
}

func (s *Store) ListExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return queryTransactions(ctx, s.db,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE pending = 1 AND next_transaction_id IS NULL AND pending_void_date <= ?
		 ORDER BY pending_void_date, id LIMIT ?`, formatTime(asOf), limit)
}

func insertTransaction(ctx context.Context, db querier, t *ledger.Transaction) error {
	lineItems, err := marshalNullable(t.LineItems)
	if err != nil {
		return err
	}
	sources, err := marshalNullable(t.PaymentSources)
	if err != nil {
		return err
	}
	tax, err := marshalNullable(t.Tax)
	if err != nil {
		return err
	}
	metadata, err := marshalNullable(t.Metadata)
	if err != nil {
		return err
	}

	totals := make([]any, 13)
	for i := range totals {
		totals[i] = sql.NullInt64{}
	}
	if tt := t.Totals; tt != nil {
		for i, v := range []int64{tt.Subtotal, tt.Tax, tt.Discount, tt.DiscountLightrail, tt.Payable,
			tt.PaidLightrail, tt.PaidStripe, tt.PaidInternal, tt.Remainder, tt.Forgiven} {
			totals[i] = v
		}
		if mp := tt.Marketplace; mp != nil {
			totals[10], totals[11], totals[12] = mp.SellerGross, mp.SellerNet, mp.SellerDiscount
		}
	}

	var next sql.NullString
	if t.NextTransactionID != nil {
		next = nullString(*t.NextTransactionID)
	}

	args := []any{t.ID, string(t.TransactionType), t.Currency}
	args = append(args, totals...)
	args = append(args,
		lineItems, sources, tax, t.Pending, nullTime(t.PendingVoidDate),
		t.RootTransactionID, next, metadata, formatTime(t.CreatedDate), t.CreatedBy,
	)

	_, err = db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Errorf(ledger.ErrTransactionExists, "transaction %q already exists", t.ID)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func insertStep(ctx context.Context, db querier, txID string, index int, step ledger.Step) error {
	var err error
	switch st := step.(type) {
	case *ledger.LightrailStep:
		_, err = db.ExecContext(ctx, `INSERT INTO lightrail_transaction_steps
			(transaction_id, step_index, value_id, contact_id, code, balance_before, balance_after, balance_change,
			 uses_remaining_before, uses_remaining_after, uses_remaining_change)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txID, index, st.ValueID, nullString(st.ContactID), nullString(st.Code),
			nullInt(st.BalanceBefore), nullInt(st.BalanceAfter), st.BalanceChange,
			nullInt(st.UsesRemainingBefore), nullInt(st.UsesRemainingAfter), nullInt(st.UsesRemainingChange))
	case *ledger.StripeStep:
		_, err = db.ExecContext(ctx, `INSERT INTO stripe_transaction_steps
			(transaction_id, step_index, charge_id, amount, source, customer, charge_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			txID, index, st.ChargeID, st.Amount, nullString(st.Source), nullString(st.Customer), nullString(string(st.Charge)))
	case *ledger.InternalStep:
		_, err = db.ExecContext(ctx, `INSERT INTO internal_transaction_steps
			(transaction_id, step_index, internal_id, balance_before, balance_after, balance_change, before_lightrail)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			txID, index, st.InternalID, st.BalanceBefore, st.BalanceAfter, st.BalanceChange, st.BeforeLightrail)
	default:
		return fmt.Errorf("unknown step type %T", step)
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s step: %w", step.Rail(), err)
	}
	return nil
}

func linkNext(ctx context.Context, db querier, id, nextID string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE transactions SET next_transaction_id = ?, pending_void_date = NULL
		 WHERE id = ? AND next_transaction_id IS NULL`, nextID, id)
	if err != nil {
		return fmt.Errorf("failed to link transaction: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}

	var existing sql.NullString
	err = db.QueryRowContext(ctx, `SELECT next_transaction_id FROM transactions WHERE id = ?`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Errorf(ledger.ErrTransactionNotFound, "transaction %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read transaction link: %w", err)
	}
	return ledger.Errorf(ledger.ErrChainModified, "transaction %q is already followed by %q", id, existing.String)
}

func getTransaction(ctx context.Context, db querier, id string) (*ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, db, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.Errorf(ledger.ErrTransactionNotFound, "transaction %q not found", id)
	}
	return &txs[0], nil
}

// queryTransactions scans the rows, then loads the steps of every result.
func queryTransactions(ctx context.Context, db querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	var txs []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range txs {
		steps, err := loadSteps(ctx, db, txs[i].ID)
		if err != nil {
			return nil, err
		}
		txs[i].Steps = steps
	}
	return txs, nil
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		t                             ledger.Transaction
		txType                        string
		totals                        [13]sql.NullInt64
		lineItems, sources, tax, meta sql.NullString
		pendingVoidDate, next         sql.NullString
		createdDate                   string
	)
	dest := []any{&t.ID, &txType, &t.Currency}
	for i := range totals {
		dest = append(dest, &totals[i])
	}
	dest = append(dest, &lineItems, &sources, &tax, &t.Pending, &pendingVoidDate,
		&t.RootTransactionID, &next, &meta, &createdDate, &t.CreatedBy)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	t.TransactionType = ledger.TransactionType(txType)
	if totals[0].Valid {
		t.Totals = &ledger.Totals{
			Subtotal:          totals[0].Int64,
			Tax:               totals[1].Int64,
			Discount:          totals[2].Int64,
			DiscountLightrail: totals[3].Int64,
			Payable:           totals[4].Int64,
			PaidLightrail:     totals[5].Int64,
			PaidStripe:        totals[6].Int64,
			PaidInternal:      totals[7].Int64,
			Remainder:         totals[8].Int64,
			Forgiven:          totals[9].Int64,
		}
		if totals[10].Valid {
			t.Totals.Marketplace = &ledger.Marketplace{
				SellerGross:    totals[10].Int64,
				SellerNet:      totals[11].Int64,
				SellerDiscount: totals[12].Int64,
			}
		}
	}
	if err := unmarshalNullable(lineItems, &t.LineItems); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(sources, &t.PaymentSources); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(tax, &t.Tax); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(meta, &t.Metadata); err != nil {
		return nil, err
	}
	if next.Valid {
		t.NextTransactionID = ledger.String(next.String)
	}

	var err error
	if t.PendingVoidDate, err = parseNullTime(pendingVoidDate); err != nil {
		return nil, err
	}
	if t.CreatedDate, err = parseTime(createdDate); err != nil {
		return nil, err
	}
	return &t, nil
}

type indexedStep struct {
	index int
	step  ledger.Step
}

// loadSteps reads the three step tables and merges them by step_index.
func loadSteps(ctx context.Context, db querier, txID string) (ledger.Steps, error) {
	var all []indexedStep

	rows, err := db.QueryContext(ctx, `SELECT step_index, value_id, contact_id, code, balance_before, balance_after,
		balance_change, uses_remaining_before, uses_remaining_after, uses_remaining_change
		FROM lightrail_transaction_steps WHERE transaction_id = ?`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lightrail steps: %w", err)
	}
	for rows.Next() {
		var (
			idx                               int
			st                                ledger.LightrailStep
			contactID, code                   sql.NullString
			before, after                     sql.NullInt64
			usesBefore, usesAfter, usesChange sql.NullInt64
		)
		if err := rows.Scan(&idx, &st.ValueID, &contactID, &code, &before, &after,
			&st.BalanceChange, &usesBefore, &usesAfter, &usesChange); err != nil {
			rows.Close()
			return nil, err
		}
		st.ContactID, st.Code = contactID.String, code.String
		st.BalanceBefore, st.BalanceAfter = intPtr(before), intPtr(after)
		st.UsesRemainingBefore, st.UsesRemainingAfter, st.UsesRemainingChange = intPtr(usesBefore), intPtr(usesAfter), intPtr(usesChange)
		all = append(all, indexedStep{idx, &st})
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `SELECT step_index, charge_id, amount, source, customer, charge_json
		FROM stripe_transaction_steps WHERE transaction_id = ?`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stripe steps: %w", err)
	}
	for rows.Next() {
		var (
			idx                      int
			st                       ledger.StripeStep
			source, customer, charge sql.NullString
		)
		if err := rows.Scan(&idx, &st.ChargeID, &st.Amount, &source, &customer, &charge); err != nil {
			rows.Close()
			return nil, err
		}
		st.Source, st.Customer = source.String, customer.String
		if charge.Valid {
			st.Charge = json.RawMessage(charge.String)
		}
		all = append(all, indexedStep{idx, &st})
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `SELECT step_index, internal_id, balance_before, balance_after,
		balance_change, before_lightrail
		FROM internal_transaction_steps WHERE transaction_id = ?`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to load internal steps: %w", err)
	}
	for rows.Next() {
		var (
			idx int
			st  ledger.InternalStep
		)
		if err := rows.Scan(&idx, &st.InternalID, &st.BalanceBefore, &st.BalanceAfter,
			&st.BalanceChange, &st.BeforeLightrail); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, indexedStep{idx, &st})
	}
	rows.Close()

	sort.Slice(all, func(i, j int) bool { return all[i].index < all[j].index })
	steps := make(ledger.Steps, len(all))
	for i, s := range all {
		steps[i] = s.step
	}
	return steps, nil
}
