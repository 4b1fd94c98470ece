package escrow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-memory escrow and dispute store for demo/development
// mode. Reads return deep copies so callers can't mutate stored state.
type MemoryStore struct {
	escrows  map[int64]*Escrow
	disputes map[int64]*Dispute
	nextID   int64
	mu       sync.RWMutex
}

// Compile-time checks
var (
	_ Store        = (*MemoryStore)(nil)
	_ DisputeStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[int64]*Escrow),
		disputes: make(map[int64]*Dispute),
	}
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.Arbitrators != nil {
		cp.Arbitrators = append([]string(nil), e.Arbitrators...)
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Votes = make(map[string]Choice, len(d.Votes))
	for k, v := range d.Votes {
		cp.Votes[k] = v
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) NextID(ctx context.Context) (int64, error) {
	return atomic.AddInt64(&m.nextID, 1), nil
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrNotFound
	}
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Buyer == party || e.Seller == party {
			result = append(result, copyEscrow(e))
		}
	}
	// Newest first
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[dispute.EscrowID] = copyDispute(dispute)
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, escrowID int64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[dispute.EscrowID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[dispute.EscrowID] = copyDispute(dispute)
	return nil
}
