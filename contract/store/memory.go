// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/contract-engine/contract"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	contracts map[contract.ContractID]*contract.Aggregate
	payments  map[contract.PaymentID]contract.ContractID
	refs      map[string]bool
	markers   map[markerKey]contract.ReminderMarker
	now       func() time.Time
}

type markerKey struct {
	ContractID contract.ContractID
	DueDate    string
}

func NewMemory() *Memory {
	return &Memory{
		contracts: make(map[contract.ContractID]*contract.Aggregate),
		payments:  make(map[contract.PaymentID]contract.ContractID),
		refs:      make(map[string]bool),
		markers:   make(map[markerKey]contract.ReminderMarker),
		now:       time.Now,
	}
}

// Create stores a copy of the aggregate at revision 1.
func (m *Memory) Create(_ context.Context, agg *contract.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contracts[agg.Contract.ID]; exists {
		return contract.Invalid("id", "contract %s already exists", agg.Contract.ID)
	}
	stored := agg.Clone()
	stored.Contract.Revision = 1
	now := m.now()
	stored.Contract.CreatedAt = now
	stored.Contract.UpdatedAt = now
	m.contracts[stored.Contract.ID] = stored
	for _, p := range stored.Payments {
		m.payments[p.ID] = stored.Contract.ID
		m.refs[p.ReferenceCode] = true
	}

	agg.Contract.Revision = 1
	agg.Contract.CreatedAt = now
	agg.Contract.UpdatedAt = now
	return nil
}

func (m *Memory) Get(_ context.Context, id contract.ContractID) (*contract.Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg, ok := m.contracts[id]
	if !ok {
		return nil, contract.ErrContractNotFound
	}
	return agg.Clone(), nil
}

// WithLock reads under the read lock, runs fn unlocked, then commits under the
// write lock only if the revision is unchanged. Mirrors the SQL
// "WHERE revision = ?" check so tests exercise real conflicts.
func (m *Memory) WithLock(ctx context.Context, id contract.ContractID, fn contract.LockFunc) (*contract.Aggregate, error) {
	working, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := working.Contract.Revision

	if err := fn(working); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.contracts[id]
	if !ok {
		return nil, contract.ErrContractNotFound
	}
	if current.Contract.Revision != expected {
		return nil, &contract.ConflictError{ContractID: id, ExpectedRevision: expected}
	}

	// Payments appended since the read are preserved; fn may only decide
	// payments it saw.
	merged := working.Clone()
	seen := make(map[contract.PaymentID]bool, len(merged.Payments))
	for _, p := range merged.Payments {
		seen[p.ID] = true
	}
	for _, p := range current.Payments {
		if !seen[p.ID] {
			merged.Payments = append(merged.Payments, p)
		}
	}

	merged.Contract.ID = id
	merged.Contract.Revision = expected + 1
	merged.Contract.CreatedAt = current.Contract.CreatedAt
	merged.Contract.UpdatedAt = m.now()
	m.contracts[id] = merged
	return merged.Clone(), nil
}

func (m *Memory) AppendPayment(_ context.Context, p contract.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.contracts[p.ContractID]
	if !ok {
		return contract.ErrContractNotFound
	}
	if m.refs[p.ReferenceCode] {
		return contract.ErrDuplicateReference
	}
	if _, exists := m.payments[p.ID]; exists {
		return contract.ErrDuplicateReference
	}
	agg.Payments = append(agg.Payments, p)
	m.payments[p.ID] = p.ContractID
	m.refs[p.ReferenceCode] = true
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id contract.PaymentID) (*contract.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cid, ok := m.payments[id]
	if !ok {
		return nil, contract.ErrPaymentNotFound
	}
	found, ok := m.contracts[cid].Clone().Payment(id)
	if !ok {
		return nil, contract.ErrPaymentNotFound
	}
	return found, nil
}

func (m *Memory) List(_ context.Context, filter contract.Filter) ([]contract.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []contract.Contract
	for _, agg := range m.contracts {
		if filter.Matches(&agg.Contract) {
			result = append(result, agg.Clone().Contract)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].NextDueDate, result[j].NextDueDate
		switch {
		case a == nil && b != nil:
			return false
		case a != nil && b == nil:
			return true
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Memory) Delete(_ context.Context, id contract.ContractID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.contracts[id]
	if !ok {
		return contract.ErrContractNotFound
	}
	for _, p := range agg.Payments {
		delete(m.payments, p.ID)
		delete(m.refs, p.ReferenceCode)
	}
	for k := range m.markers {
		if k.ContractID == id {
			delete(m.markers, k)
		}
	}
	delete(m.contracts, id)
	return nil
}

// =============================================================================
// REMINDER MARKERS
// =============================================================================

func (m *Memory) HasMarker(_ context.Context, id contract.ContractID, dueDate contract.Date) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.markers[markerKey{ContractID: id, DueDate: dueDate.String()}]
	return ok, nil
}

func (m *Memory) PutMarker(_ context.Context, mk contract.ReminderMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := markerKey{ContractID: mk.ContractID, DueDate: mk.DueDate.String()}
	if _, ok := m.markers[k]; ok {
		return contract.ErrDuplicateReminder
	}
	if _, ok := m.contracts[mk.ContractID]; !ok {
		return contract.ErrContractNotFound
	}
	m.markers[k] = mk
	return nil
}

func (m *Memory) Markers(_ context.Context, id contract.ContractID) ([]contract.ReminderMarker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []contract.ReminderMarker
	for k, mk := range m.markers {
		if k.ContractID == id {
			result = append(result, mk)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(result[j].DueDate)
	})
	return result, nil
}
