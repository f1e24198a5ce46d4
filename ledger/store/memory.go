// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/storecredit/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	debts       map[ledger.DebtID]*ledger.Debt
	orders      map[ledger.OrderID]*ledger.Order
	idempotency map[string]ledger.DebtID
}

func NewMemory() *Memory {
	return &Memory{
		debts:       make(map[ledger.DebtID]*ledger.Debt),
		orders:      make(map[ledger.OrderID]*ledger.Order),
		idempotency: make(map[string]ledger.DebtID),
	}
}

func (m *Memory) CreateDebt(_ context.Context, d *ledger.Debt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(d)
}

func (m *Memory) GetDebt(_ context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDebtLocked(id)
}

func (m *Memory) ListDebts(_ context.Context, filter ledger.DebtFilter) ([]*ledger.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(filter), nil
}

func (m *Memory) UpdateDebt(_ context.Context, d *ledger.Debt, expectedVersion int64, txs ...ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(d, expectedVersion, txs)
}

func (m *Memory) DeleteDebt(_ context.Context, id ledger.DebtID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) GetOrder(_ context.Context, id ledger.OrderID) (*ledger.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOrderLocked(id)
}

func (m *Memory) SaveOrder(_ context.Context, o *ledger.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

// =============================================================================
// LOCKED HELPERS - Caller holds mu
// =============================================================================

func (m *Memory) createLocked(d *ledger.Debt) error {
	if _, ok := m.debts[d.ID]; ok {
		return ledger.ErrDebtExists
	}
	if d.Live() {
		for _, other := range m.debts {
			if other.Owner.ID == d.Owner.ID && other.Live() {
				return ledger.ErrDebtExists
			}
		}
	}
	if err := m.checkKeysLocked(d.Transactions); err != nil {
		return err
	}
	if d.Version == 0 {
		d.Version = 1
	}
	m.debts[d.ID] = d.Clone()
	m.indexKeysLocked(d.ID, d.Transactions)
	return nil
}

func (m *Memory) getDebtLocked(id ledger.DebtID) (*ledger.Debt, error) {
	d, ok := m.debts[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "debt", ID: string(id)}
	}
	return d.Clone(), nil
}

func (m *Memory) listLocked(filter ledger.DebtFilter) []*ledger.Debt {
	var result []*ledger.Debt
	for _, d := range m.debts {
		if filter.Matches(d) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastUpdated.Equal(result[j].LastUpdated) {
			return result[i].LastUpdated.After(result[j].LastUpdated)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func (m *Memory) updateLocked(d *ledger.Debt, expectedVersion int64, txs []ledger.Transaction) error {
	stored, ok := m.debts[d.ID]
	if !ok {
		return &ledger.NotFoundError{Kind: "debt", ID: string(d.ID)}
	}
	if stored.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	if err := m.checkKeysLocked(txs); err != nil {
		return err
	}
	d.Version = expectedVersion + 1
	m.debts[d.ID] = d.Clone()
	m.indexKeysLocked(d.ID, txs)
	return nil
}

func (m *Memory) deleteLocked(id ledger.DebtID) error {
	d, ok := m.debts[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "debt", ID: string(id)}
	}
	for _, tx := range d.Transactions {
		delete(m.idempotency, tx.IdempotencyKey)
	}
	delete(m.debts, id)
	return nil
}

func (m *Memory) getOrderLocked(id ledger.OrderID) (*ledger.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "order", ID: string(id)}
	}
	return o.Clone(), nil
}

func (m *Memory) checkKeysLocked(txs []ledger.Transaction) error {
	seen := make(map[string]bool)
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if _, ok := m.idempotency[tx.IdempotencyKey]; ok || seen[tx.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) indexKeysLocked(id ledger.DebtID, txs []ledger.Transaction) {
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			m.idempotency[tx.IdempotencyKey] = id
		}
	}
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	debts       map[ledger.DebtID]*ledger.Debt
	orders      map[ledger.OrderID]*ledger.Order
	idempotency map[string]ledger.DebtID
}

// Stored values are never mutated in place, so copying the maps is enough.
func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		debts:       make(map[ledger.DebtID]*ledger.Debt, len(tm.debts)),
		orders:      make(map[ledger.OrderID]*ledger.Order, len(tm.orders)),
		idempotency: make(map[string]ledger.DebtID, len(tm.idempotency)),
	}
	for k, v := range tm.debts {
		s.debts[k] = v
	}
	for k, v := range tm.orders {
		s.orders[k] = v
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.debts = s.debts
	tm.orders = s.orders
	tm.idempotency = s.idempotency
}

// txMemoryView runs against the parent without locking; WithTx holds the lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateDebt(_ context.Context, d *ledger.Debt) error {
	return tv.parent.createLocked(d)
}

func (tv *txMemoryView) GetDebt(_ context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	return tv.parent.getDebtLocked(id)
}

func (tv *txMemoryView) ListDebts(_ context.Context, filter ledger.DebtFilter) ([]*ledger.Debt, error) {
	return tv.parent.listLocked(filter), nil
}

func (tv *txMemoryView) UpdateDebt(_ context.Context, d *ledger.Debt, expectedVersion int64, txs ...ledger.Transaction) error {
	return tv.parent.updateLocked(d, expectedVersion, txs)
}

func (tv *txMemoryView) DeleteDebt(_ context.Context, id ledger.DebtID) error {
	return tv.parent.deleteLocked(id)
}

func (tv *txMemoryView) GetOrder(_ context.Context, id ledger.OrderID) (*ledger.Order, error) {
	return tv.parent.getOrderLocked(id)
}

func (tv *txMemoryView) SaveOrder(_ context.Context, o *ledger.Order) error {
	tv.parent.orders[o.ID] = o.Clone()
	return nil
}
