package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// VALUE STORE
// =============================================================================

const valueColumns = `id, currency, balance, uses_remaining, balance_rule_json, redemption_rule_json,
	discount, discount_seller_liability, pretax, active, frozen, canceled, start_date, end_date,
	program_id, contact_id, is_generic_code, code_hashed, code_last_four, metadata_json,
	created_date, updated_date, created_by`

func (s *Store) GetValue(ctx context.Context, id string) (*ledger.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getValue(ctx, s.db, "id = ?", id)
}

func (s *Store) GetValueByCodeHash(ctx context.Context, codeHash string) (*ledger.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getValue(ctx, s.db, "code_hashed = ?", codeHash)
}

func (s *Store) ListValuesByContact(ctx context.Context, contactID string) ([]ledger.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+valueColumns+` FROM ledger_values WHERE contact_id = ? ORDER BY created_date, id`, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list values: %w", err)
	}
	defer rows.Close()

	var values []ledger.Value
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		values = append(values, *v)
	}
	return values, rows.Err()
}

// DeleteValue refuses while any step references the value.
func (s *Store) DeleteValue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lightrail_transaction_steps WHERE value_id = ?`, id).Scan(&refs); err != nil {
		return fmt.Errorf("failed to count value references: %w", err)
	}
	if refs > 0 {
		return ledger.Errorf(ledger.ErrValueInUse, "value %q is referenced by %d transaction steps", id, refs)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM ledger_values WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ledger.Errorf(ledger.ErrValueNotFound, "value %q not found", id)
	}
	return nil
}

func insertValue(ctx context.Context, db querier, v *ledger.Value) error {
	balanceRule, err := marshalNullable(v.BalanceRule)
	if err != nil {
		return err
	}
	redemptionRule, err := marshalNullable(v.RedemptionRule)
	if err != nil {
		return err
	}
	metadata, err := marshalNullable(v.Metadata)
	if err != nil {
		return err
	}
	var liability sql.NullString
	if v.DiscountSellerLiability != nil {
		liability = sql.NullString{String: v.DiscountSellerLiability.String(), Valid: true}
	}

	_, err = db.ExecContext(ctx, `INSERT INTO ledger_values (`+valueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.Currency,
		nullInt(v.Balance),
		nullInt(v.UsesRemaining),
		balanceRule,
		redemptionRule,
		v.Discount,
		liability,
		v.Pretax,
		v.Active,
		v.Frozen,
		v.Canceled,
		nullTime(v.StartDate),
		nullTime(v.EndDate),
		nullString(v.ProgramID),
		nullString(v.ContactID),
		v.IsGenericCode,
		nullString(v.CodeHashed),
		nullString(v.CodeLastFour),
		metadata,
		formatTime(v.CreatedDate),
		formatTime(v.UpdatedDate),
		v.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Errorf(ledger.ErrValueExists, "value %q or its code already exists", v.ID)
		}
		return fmt.Errorf("failed to insert value: %w", err)
	}
	return nil
}

func getValue(ctx context.Context, db querier, where string, arg any) (*ledger.Value, error) {
	row := db.QueryRowContext(ctx, `SELECT `+valueColumns+` FROM ledger_values WHERE `+where, arg)
	v, err := scanValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.Errorf(ledger.ErrValueNotFound, "value not found")
	}
	return v, err
}

func updateValueBalance(ctx context.Context, db querier, id string, balance, usesRemaining *int64, at time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE ledger_values SET balance = ?, uses_remaining = ?, updated_date = ? WHERE id = ?`,
		nullInt(balance), nullInt(usesRemaining), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update value balance: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ledger.Errorf(ledger.ErrValueNotFound, "value %q not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanValue(row rowScanner) (*ledger.Value, error) {
	var (
		v                                          ledger.Value
		balance, uses                              sql.NullInt64
		balanceRule, redemptionRule, liability     sql.NullString
		startDate, endDate                         sql.NullString
		programID, contactID, codeHashed, lastFour sql.NullString
		metadata                                   sql.NullString
		createdDate, updatedDate                   string
	)
	err := row.Scan(
		&v.ID, &v.Currency, &balance, &uses, &balanceRule, &redemptionRule,
		&v.Discount, &liability, &v.Pretax, &v.Active, &v.Frozen, &v.Canceled, &startDate, &endDate,
		&programID, &contactID, &v.IsGenericCode, &codeHashed, &lastFour, &metadata,
		&createdDate, &updatedDate, &v.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	v.Balance = intPtr(balance)
	v.UsesRemaining = intPtr(uses)
	v.ProgramID = programID.String
	v.ContactID = contactID.String
	v.CodeHashed = codeHashed.String
	v.CodeLastFour = lastFour.String

	if err := unmarshalNullable(balanceRule, &v.BalanceRule); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(redemptionRule, &v.RedemptionRule); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(metadata, &v.Metadata); err != nil {
		return nil, err
	}
	if liability.Valid {
		d, err := decimal.NewFromString(liability.String)
		if err != nil {
			return nil, fmt.Errorf("invalid discount_seller_liability %q: %w", liability.String, err)
		}
		v.DiscountSellerLiability = &d
	}
	if v.StartDate, err = parseNullTime(startDate); err != nil {
		return nil, err
	}
	if v.EndDate, err = parseNullTime(endDate); err != nil {
		return nil, err
	}
	if v.CreatedDate, err = parseTime(createdDate); err != nil {
		return nil, err
	}
	if v.UpdatedDate, err = parseTime(updatedDate); err != nil {
		return nil, err
	}
	return &v, nil
}

// marshalNullable stores nil (or an empty map/slice) as NULL.
func marshalNullable(v any) (sql.NullString, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	switch string(raw) {
	case "null", "{}", "[]":
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalNullable(ns sql.NullString, dst any) error {
	if !ns.Valid {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
