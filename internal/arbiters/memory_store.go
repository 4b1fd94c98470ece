package arbiters

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory arbiter store for demo/development mode.
type MemoryStore struct {
	arbiters map[string]*Arbiter
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory arbiter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{arbiters: make(map[string]*Arbiter)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Arbiter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.arbiters[a.Address]; exists {
		return ErrAlreadyRegistered
	}
	cp := *a
	m.arbiters[a.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, address string) (*Arbiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.arbiters[address]
	if !ok {
		return nil, ErrArbiterNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Arbiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Arbiter
	for _, a := range m.arbiters {
		if a.Active {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

func (m *MemoryStore) SetActive(ctx context.Context, address string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.arbiters[address]
	if !ok {
		return ErrArbiterNotFound
	}
	a.Active = active
	return nil
}

func (m *MemoryStore) IncrementCasesServed(ctx context.Context, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, addr := range addresses {
		if a, ok := m.arbiters[addr]; ok {
			a.CasesServed++
		}
	}
	return nil
}
