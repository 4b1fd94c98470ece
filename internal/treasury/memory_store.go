package treasury

import (
	"context"
	"sync"
	"time"

	"github.com/agrimesh/escrowd/internal/idgen"
	"github.com/agrimesh/escrowd/internal/money"
)

// MemoryStore is an in-memory treasury store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	deposits map[string]bool
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory treasury store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
	}
}

func emptyBalance(party string) *Balance {
	return &Balance{
		Party:     party,
		Available: "0",
		Escrowed:  "0",
		TotalIn:   "0",
		TotalOut:  "0",
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, party string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[party]; ok {
		cp := *bal
		return &cp, nil
	}
	bal := emptyBalance(party)
	bal.UpdatedAt = time.Now()
	return bal, nil
}

func (m *MemoryStore) Credit(ctx context.Context, party, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[party]
	if !ok {
		bal = emptyBalance(party)
		m.balances[party] = bal
	}

	avail, _ := money.Parse(bal.Available)
	totalIn, _ := money.Parse(bal.TotalIn)
	add, _ := money.Parse(amount)

	avail.Add(avail, add)
	totalIn.Add(totalIn, add)

	bal.Available = money.Format(avail)
	bal.TotalIn = money.Format(totalIn)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("entry_"),
		Party:       party,
		Type:        "deposit",
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})

	m.deposits[reference] = true

	return nil
}

func (m *MemoryStore) EscrowLock(ctx context.Context, party, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[party]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := money.Parse(bal.Available)
	escrowed, _ := money.Parse(bal.Escrowed)
	sub, _ := money.Parse(amount)

	if avail.Cmp(sub) < 0 {
		return ErrInsufficientFunds
	}

	avail.Sub(avail, sub)
	escrowed.Add(escrowed, sub)

	bal.Available = money.Format(avail)
	bal.Escrowed = money.Format(escrowed)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("entry_"),
		Party:       party,
		Type:        "escrow_lock",
		Amount:      amount,
		Reference:   reference,
		Description: "funds_locked",
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, fromParty, toParty, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromBal, ok := m.balances[fromParty]
	if !ok {
		return ErrAccountNotFound
	}

	escrowed, _ := money.Parse(fromBal.Escrowed)
	totalOut, _ := money.Parse(fromBal.TotalOut)
	sub, _ := money.Parse(amount)

	if escrowed.Cmp(sub) < 0 {
		return ErrInsufficientFunds
	}

	escrowed.Sub(escrowed, sub)
	totalOut.Add(totalOut, sub)
	fromBal.Escrowed = money.Format(escrowed)
	fromBal.TotalOut = money.Format(totalOut)
	fromBal.UpdatedAt = time.Now()

	// Credit recipient
	toBal, ok := m.balances[toParty]
	if !ok {
		toBal = emptyBalance(toParty)
		m.balances[toParty] = toBal
	}

	toAvail, _ := money.Parse(toBal.Available)
	toTotalIn, _ := money.Parse(toBal.TotalIn)
	toAvail.Add(toAvail, sub)
	toTotalIn.Add(toTotalIn, sub)
	toBal.Available = money.Format(toAvail)
	toBal.TotalIn = money.Format(toTotalIn)
	toBal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("entry_"),
		Party:       fromParty,
		Type:        "escrow_release",
		Amount:      amount,
		Reference:   reference,
		Description: "funds_released",
		CreatedAt:   time.Now(),
	})
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("entry_"),
		Party:       toParty,
		Type:        "escrow_receive",
		Amount:      amount,
		Reference:   reference,
		Description: "funds_received",
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, party, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[party]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := money.Parse(bal.Available)
	escrowed, _ := money.Parse(bal.Escrowed)
	sub, _ := money.Parse(amount)

	if escrowed.Cmp(sub) < 0 {
		return ErrInsufficientFunds
	}

	escrowed.Sub(escrowed, sub)
	avail.Add(avail, sub)

	bal.Available = money.Format(avail)
	bal.Escrowed = money.Format(escrowed)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("entry_"),
		Party:       party,
		Type:        "escrow_refund",
		Amount:      amount,
		Reference:   reference,
		Description: "funds_refunded",
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, party string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Party == party {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[reference], nil
}
