/*
store.go - Persistence contracts for values and transactions

PURPOSE:
  Defines the interface between the transaction engine and the database.
  Reads happen on Store; every write happens inside Store.WithTx on a Tx,
  which is the only mutual-exclusion mechanism of the system.

APPEND-ONLY CONTRACT:
  Transactions and steps are only inserted. The single in-place update is
  LinkNext, which sets a predecessor's NextTransactionID exactly once (and
  clears its PendingVoidDate). Value rows are updated only under LockValue.

LOCKING:
  LockValue must lock the value row for the remainder of the Tx
  (SELECT ... FOR UPDATE or an equivalent writer lock) and return the
  current row, so balance checks and mutations never race.

IMPLEMENTATIONS:
  - store/sqlite: SQLite with immediate write transactions
  - ledger/store: In-memory, for tests and development

SEE ALSO:
  - cursor.go: Keyset pagination tokens used by ListTransactions
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Reads and transactional writes
// =============================================================================

type Store interface {
	// GetValue returns ErrValueNotFound when the id is unknown.
	GetValue(ctx context.Context, id string) (*Value, error)

	// GetValueByCodeHash looks a value up by the lookup hash of its code.
	GetValueByCodeHash(ctx context.Context, codeHash string) (*Value, error)

	// ListValuesByContact returns the contact's values ordered by creation.
	ListValuesByContact(ctx context.Context, contactID string) ([]Value, error)

	// DeleteValue fails with ErrValueInUse while any step references it.
	DeleteValue(ctx context.Context, id string) error

	// GetTransaction returns ErrTransactionNotFound when the id is unknown.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// ListTransactions returns one keyset page.
	ListTransactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error)

	// GetChain returns all transactions sharing rootID in creation order.
	GetChain(ctx context.Context, rootID string) ([]Transaction, error)

	// ListExpiredPending returns unlinked pending transactions whose void
	// date is at or before asOf.
	ListExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]Transaction, error)

	// WithTx runs fn in a database transaction. An error from fn rolls back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write side of the store, valid only inside WithTx.
type Tx interface {
	// InsertValue fails with ErrValueExists on a duplicate id or code.
	InsertValue(ctx context.Context, v *Value) error

	// LockValue locks and returns the current row.
	LockValue(ctx context.Context, id string) (*Value, error)

	// UpdateValueBalance writes a locked value's balance counters.
	UpdateValueBalance(ctx context.Context, id string, balance, usesRemaining *int64, at time.Time) error

	// GetTransaction reads through the open transaction.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// InsertTransaction writes the transaction row without its steps.
	// A duplicate id fails with ErrTransactionExists.
	InsertTransaction(ctx context.Context, t *Transaction) error

	// InsertStep writes one step at position index of transaction txID.
	InsertStep(ctx context.Context, txID string, index int, step Step) error

	// LinkNext sets id's NextTransactionID to nextID and clears its
	// PendingVoidDate. Fails with ErrChainModified if already linked.
	LinkNext(ctx context.Context, id, nextID string) error
}

// =============================================================================
// QUERIES
// =============================================================================

// TransactionQuery selects one page of transactions, newest first.
type TransactionQuery struct {
	Limit           int
	Cursor          *Cursor
	TransactionType TransactionType
}

// TransactionPage is one page in display order. HasMore reports whether
// further items exist in the direction of travel.
type TransactionPage struct {
	Items   []Transaction
	HasMore bool
}
