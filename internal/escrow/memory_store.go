package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode
// and tests. CompareAndSet gives the same per-id serialization guarantees
// as the SQL store.
type MemoryStore struct {
	txns map[string]*Transaction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txns[txn.ID] = copyTransaction(txn)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(txn), nil
}

// CompareAndSet replaces the stored record only while its status still
// matches expected. Holding the write lock across the check-and-swap is
// what makes this the serialization point for concurrent transitions.
func (m *MemoryStore) CompareAndSet(ctx context.Context, expected Status, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.txns[txn.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrConflict
	}
	m.txns[txn.ID] = copyTransaction(txn)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, role Party, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if (role == PartyBuyer && t.BuyerID == partyID) || (role == PartySeller && t.SellerID == partyID) {
			result = append(result, copyTransaction(t))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDueAutoComplete(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.Status == StatusDelivered && t.AutoCompleteAt != nil && !t.AutoCompleteAt.After(before) {
			result = append(result, copyTransaction(t))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// QueryForStats returns every transaction, capped at limit.
func (m *MemoryStore) QueryForStats(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		result = append(result, copyTransaction(t))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// copyTransaction deep-copies a record so callers never share pointers
// with the map. Pointer fields would otherwise let a caller mutate stored
// state without going through CompareAndSet.
func copyTransaction(t *Transaction) *Transaction {
	cp := *t
	if t.FundedAt != nil {
		v := *t.FundedAt
		cp.FundedAt = &v
	}
	if t.ShippedAt != nil {
		v := *t.ShippedAt
		cp.ShippedAt = &v
	}
	if t.DeliveredAt != nil {
		v := *t.DeliveredAt
		cp.DeliveredAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.AutoCompleteAt != nil {
		v := *t.AutoCompleteAt
		cp.AutoCompleteAt = &v
	}
	if t.Tracking != nil {
		v := *t.Tracking
		cp.Tracking = &v
	}
	if t.RefundAmount != nil {
		v := *t.RefundAmount
		cp.RefundAmount = &v
	}
	return &cp
}

// MemoryDisputeStore is the in-memory dispute store.
type MemoryDisputeStore struct {
	disputes map[string]*Dispute
	byTxn    map[string]string
	mu       sync.RWMutex
}

// NewMemoryDisputeStore creates a new in-memory dispute store.
func NewMemoryDisputeStore() *MemoryDisputeStore {
	return &MemoryDisputeStore{
		disputes: make(map[string]*Dispute),
		byTxn:    make(map[string]string),
	}
}

func (m *MemoryDisputeStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disputes[d.ID] = copyDispute(d)
	m.byTxn[d.TransactionID] = d.ID
	return nil
}

func (m *MemoryDisputeStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryDisputeStore) GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTxn[transactionID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(m.disputes[id]), nil
}

func (m *MemoryDisputeStore) UpdateStatus(ctx context.Context, expected DisputeStatus, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if current.Status != expected {
		return ErrConflict
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = make([]EvidenceItem, len(d.Evidence))
		copy(cp.Evidence, d.Evidence)
	}
	if d.Resolution != nil {
		v := *d.Resolution
		cp.Resolution = &v
	}
	if d.ResolvedAt != nil {
		v := *d.ResolvedAt
		cp.ResolvedAt = &v
	}
	return &cp
}

// Compile-time interface assertions.
var (
	_ Store        = (*MemoryStore)(nil)
	_ DisputeStore = (*MemoryDisputeStore)(nil)
)
