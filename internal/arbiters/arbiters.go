// Package arbiters maintains the pool of registered arbitrators and selects
// dispute panels from it.
//
// Panel selection is deterministic: the same escrow always produces the same
// panel for a given pool, so a retried dispute cannot shop for arbitrators.
package arbiters

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"time"
)

var (
	ErrAlreadyRegistered = errors.New("arbiter already registered")
	ErrArbiterNotFound   = errors.New("arbiter not found")
	ErrInsufficientPool  = errors.New("not enough eligible arbiters for a panel")
)

// Arbiter is a registered arbitrator.
type Arbiter struct {
	Address      string    `json:"address"`
	Name         string    `json:"name,omitempty"`
	Active       bool      `json:"active"`
	CasesServed  int       `json:"casesServed"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Store persists the arbiter pool.
type Store interface {
	Create(ctx context.Context, a *Arbiter) error
	Get(ctx context.Context, address string) (*Arbiter, error)
	ListActive(ctx context.Context) ([]*Arbiter, error)
	SetActive(ctx context.Context, address string, active bool) error
	IncrementCasesServed(ctx context.Context, addresses []string) error
}

// Registry manages the arbiter pool.
type Registry struct {
	store Store
}

// NewRegistry creates a new arbiter registry.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Register adds an arbiter to the pool.
func (r *Registry) Register(ctx context.Context, address, name string) (*Arbiter, error) {
	a := &Arbiter{
		Address:      address,
		Name:         name,
		Active:       true,
		RegisteredAt: time.Now(),
	}
	if err := r.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns a single arbiter.
func (r *Registry) Get(ctx context.Context, address string) (*Arbiter, error) {
	return r.store.Get(ctx, address)
}

// ListActive returns all active arbiters.
func (r *Registry) ListActive(ctx context.Context) ([]*Arbiter, error) {
	return r.store.ListActive(ctx)
}

// SetActive activates or deactivates an arbiter. Deactivation does not
// affect panels the arbiter already sits on.
func (r *Registry) SetActive(ctx context.Context, address string, active bool) error {
	return r.store.SetActive(ctx, address, active)
}

// SelectPanel picks a panel of the given size for an escrow. The buyer and
// seller are excluded from the eligible pool. Selection rotates through the
// sorted pool starting at a position derived from the escrow ID.
func (r *Registry) SelectPanel(ctx context.Context, escrowID int64, buyer, seller string, size int) ([]string, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	pool := make([]string, 0, len(active))
	for _, a := range active {
		if a.Address == buyer || a.Address == seller {
			continue
		}
		pool = append(pool, a.Address)
	}

	if len(pool) < size {
		return nil, ErrInsufficientPool
	}

	sort.Strings(pool)

	start := rotationIndex(escrowID, len(pool))
	panel := make([]string, 0, size)
	for i := 0; i < size; i++ {
		panel = append(panel, pool[(start+i)%len(pool)])
	}

	if err := r.store.IncrementCasesServed(ctx, panel); err != nil {
		return nil, err
	}

	return panel, nil
}

// rotationIndex hashes the escrow ID into a starting offset within the pool.
func rotationIndex(escrowID int64, poolSize int) int {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(escrowID, 10)))
	return int(h.Sum64() % uint64(poolSize))
}
