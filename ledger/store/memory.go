// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	values       map[string]ledger.Value
	codes        map[string]string // code hash -> value id
	transactions map[string]ledger.Transaction
	steps        map[string][]indexedStep
	valueRefs    map[string]int // value id -> referencing step count
	order        []string       // transaction ids in insertion order
}

type indexedStep struct {
	index int
	step  ledger.Step
}

func NewMemory() *Memory {
	return &Memory{
		values:       make(map[string]ledger.Value),
		codes:        make(map[string]string),
		transactions: make(map[string]ledger.Transaction),
		steps:        make(map[string][]indexedStep),
		valueRefs:    make(map[string]int),
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetValue(_ context.Context, id string) (*ledger.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getValueLocked(id)
}

func (m *Memory) getValueLocked(id string) (*ledger.Value, error) {
	v, ok := m.values[id]
	if !ok {
		return nil, ledger.Errorf(ledger.ErrValueNotFound, "value %q not found", id)
	}
	return cloneValue(v), nil
}

func (m *Memory) GetValueByCodeHash(_ context.Context, codeHash string) (*ledger.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[codeHash]
	if !ok {
		return nil, ledger.Errorf(ledger.ErrValueNotFound, "no value with that code")
	}
	return m.getValueLocked(id)
}

func (m *Memory) ListValuesByContact(_ context.Context, contactID string) ([]ledger.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Value
	for _, v := range m.values {
		if v.ContactID == contactID {
			result = append(result, *cloneValue(v))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedDate.Equal(result[j].CreatedDate) {
			return result[i].CreatedDate.Before(result[j].CreatedDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) DeleteValue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[id]
	if !ok {
		return ledger.Errorf(ledger.ErrValueNotFound, "value %q not found", id)
	}
	if m.valueRefs[id] > 0 {
		return ledger.Errorf(ledger.ErrValueInUse, "value %q is referenced by %d transaction steps", id, m.valueRefs[id])
	}
	delete(m.values, id)
	if v.CodeHashed != "" {
		delete(m.codes, v.CodeHashed)
	}
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id string) (*ledger.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return nil, ledger.Errorf(ledger.ErrTransactionNotFound, "transaction %q not found", id)
	}
	return m.hydrate(t), nil
}

func (m *Memory) hydrate(t ledger.Transaction) *ledger.Transaction {
	steps := m.steps[t.ID]
	t.Steps = make(ledger.Steps, len(steps))
	for i, s := range steps {
		t.Steps[i] = s.step
	}
	return &t
}

func (m *Memory) ListTransactions(_ context.Context, q ledger.TransactionQuery) (*ledger.TransactionPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	// Newest first.
	all := make([]ledger.Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		if q.TransactionType != "" && t.TransactionType != q.TransactionType {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedDate.Equal(all[j].CreatedDate) {
			return all[i].CreatedDate.After(all[j].CreatedDate)
		}
		return all[i].ID > all[j].ID
	})

	var window []ledger.Transaction
	switch {
	case q.Cursor == nil:
		window = all
	case q.Cursor.Direction == ledger.CursorNext:
		for _, t := range all {
			if q.Cursor.Before(t.CreatedDate, t.ID) {
				window = append(window, t)
			}
		}
	default:
		// Walk backwards from the cursor, then restore display order.
		for i := len(all) - 1; i >= 0; i-- {
			t := all[i]
			if !q.Cursor.Before(t.CreatedDate, t.ID) && !(t.CreatedDate.Equal(q.Cursor.CreatedDate) && t.ID == q.Cursor.ID) {
				window = append(window, t)
			}
		}
	}

	page := &ledger.TransactionPage{}
	if len(window) > limit {
		window = window[:limit]
		page.HasMore = true
	}
	if q.Cursor != nil && q.Cursor.Direction == ledger.CursorPrev {
		for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
			window[i], window[j] = window[j], window[i]
		}
	}
	for _, t := range window {
		page.Items = append(page.Items, *m.hydrate(t))
	}
	return page, nil
}

func (m *Memory) GetChain(_ context.Context, rootID string) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chain []ledger.Transaction
	for _, id := range m.order {
		t := m.transactions[id]
		if t.RootTransactionID == rootID {
			chain = append(chain, *m.hydrate(t))
		}
	}
	return chain, nil
}

func (m *Memory) ListExpiredPending(_ context.Context, asOf time.Time, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Transaction
	for _, id := range m.order {
		t := m.transactions[id]
		if !t.Pending || t.IsLinked() || t.PendingVoidDate == nil || t.PendingVoidDate.After(asOf) {
			continue
		}
		result = append(result, *m.hydrate(t))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock.
// Rollback restores a snapshot taken on entry.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

// Rows are replaced, never mutated in place, so a shallow copy of each map
// is a complete snapshot.
type memorySnapshot struct {
	values       map[string]ledger.Value
	codes        map[string]string
	transactions map[string]ledger.Transaction
	steps        map[string][]indexedStep
	valueRefs    map[string]int
	order        []string
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		values:       copyMap(m.values),
		codes:        copyMap(m.codes),
		transactions: copyMap(m.transactions),
		steps:        copyMap(m.steps),
		valueRefs:    copyMap(m.valueRefs),
		order:        append([]string(nil), m.order...),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.values = s.values
	m.codes = s.codes
	m.transactions = s.transactions
	m.steps = s.steps
	m.valueRefs = s.valueRefs
	m.order = s.order
}

type txView struct {
	parent *Memory
}

func (tv *txView) InsertValue(_ context.Context, v *ledger.Value) error {
	m := tv.parent
	if _, ok := m.values[v.ID]; ok {
		return ledger.Errorf(ledger.ErrValueExists, "value %q already exists", v.ID)
	}
	if v.CodeHashed != "" {
		if _, ok := m.codes[v.CodeHashed]; ok {
			return ledger.Errorf(ledger.ErrValueExists, "a value with that code already exists")
		}
		m.codes[v.CodeHashed] = v.ID
	}
	m.values[v.ID] = *cloneValue(*v)
	return nil
}

// LockValue is trivially satisfied: the whole store is locked by WithTx.
func (tv *txView) LockValue(_ context.Context, id string) (*ledger.Value, error) {
	return tv.parent.getValueLocked(id)
}

func (tv *txView) UpdateValueBalance(_ context.Context, id string, balance, usesRemaining *int64, at time.Time) error {
	m := tv.parent
	v, ok := m.values[id]
	if !ok {
		return ledger.Errorf(ledger.ErrValueNotFound, "value %q not found", id)
	}
	v.Balance = cloneInt(balance)
	v.UsesRemaining = cloneInt(usesRemaining)
	v.UpdatedDate = at
	m.values[id] = v
	return nil
}

func (tv *txView) GetTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	return tv.parent.getTransactionLocked(id)
}

func (tv *txView) InsertTransaction(_ context.Context, t *ledger.Transaction) error {
	m := tv.parent
	if _, ok := m.transactions[t.ID]; ok {
		return ledger.Errorf(ledger.ErrTransactionExists, "transaction %q already exists", t.ID)
	}
	row := *t
	row.Steps = nil
	m.transactions[t.ID] = row
	m.order = append(m.order, t.ID)
	return nil
}

func (tv *txView) InsertStep(_ context.Context, txID string, index int, step ledger.Step) error {
	m := tv.parent
	if _, ok := m.transactions[txID]; !ok {
		return ledger.Errorf(ledger.ErrTransactionNotFound, "transaction %q not found", txID)
	}
	existing := m.steps[txID]
	steps := make([]indexedStep, 0, len(existing)+1)
	steps = append(steps, existing...)
	steps = append(steps, indexedStep{index: index, step: step})
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].index < steps[j].index })
	m.steps[txID] = steps

	if ls, ok := step.(*ledger.LightrailStep); ok {
		m.valueRefs[ls.ValueID]++
	}
	return nil
}

func (tv *txView) LinkNext(_ context.Context, id, nextID string) error {
	m := tv.parent
	t, ok := m.transactions[id]
	if !ok {
		return ledger.Errorf(ledger.ErrTransactionNotFound, "transaction %q not found", id)
	}
	if t.IsLinked() {
		return ledger.Errorf(ledger.ErrChainModified, "transaction %q is already followed by %q", id, *t.NextTransactionID)
	}
	t.NextTransactionID = ledger.String(nextID)
	t.PendingVoidDate = nil
	m.transactions[id] = t
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneValue(v ledger.Value) *ledger.Value {
	v.Balance = cloneInt(v.Balance)
	v.UsesRemaining = cloneInt(v.UsesRemaining)
	return &v
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
