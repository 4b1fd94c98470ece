// Package treasury tracks party balances and moves funds between them.
//
// Flow:
//  1. Party deposits credits into its account
//  2. Creating an escrow locks the buyer's funds (available -> escrowed)
//  3. Resolution releases locked funds to the seller or refunds the buyer
//
// All escrow fund movement goes through this package; the escrow service
// never touches balances directly.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agrimesh/escrowd/internal/money"
	"github.com/agrimesh/escrowd/internal/traces"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDuplicateReference = errors.New("deposit already processed")
)

// Entry represents a treasury ledger entry
type Entry struct {
	ID          string    `json:"id"`
	Party       string    `json:"party"`
	Type        string    `json:"type"` // deposit, escrow_lock, escrow_release, escrow_receive, escrow_refund, fee
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents a party's balance
type Balance struct {
	Party     string    `json:"party"`
	Available string    `json:"available"` // Can be spent or locked
	Escrowed  string    `json:"escrowed"`  // Locked in open escrows
	TotalIn   string    `json:"totalIn"`   // Lifetime deposits + receipts
	TotalOut  string    `json:"totalOut"`  // Lifetime releases
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists treasury data
type Store interface {
	GetBalance(ctx context.Context, party string) (*Balance, error)
	Credit(ctx context.Context, party, amount, reference, description string) error
	EscrowLock(ctx context.Context, party, amount, reference string) error
	ReleaseEscrow(ctx context.Context, fromParty, toParty, amount, reference string) error
	RefundEscrow(ctx context.Context, party, amount, reference string) error
	GetHistory(ctx context.Context, party string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, reference string) (bool, error)
}

// Treasury manages party balances
type Treasury struct {
	store Store
}

// New creates a new treasury
func New(store Store) *Treasury {
	return &Treasury{store: store}
}

// Deposit credits a party's balance. Deposits carry an external reference
// and the same reference is never credited twice.
func (t *Treasury) Deposit(ctx context.Context, party, amount, reference string) error {
	ctx, span := traces.StartSpan(ctx, "treasury.Deposit", traces.Party(party), traces.Amount(amount))
	defer span.End()

	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}

	exists, err := t.store.HasDeposit(ctx, reference)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateReference
	}

	return t.store.Credit(ctx, party, amount, reference, "deposit")
}

// Balance returns a party's current balance
func (t *Treasury) Balance(ctx context.Context, party string) (*Balance, error) {
	return t.store.GetBalance(ctx, party)
}

// History returns treasury entries for a party
func (t *Treasury) History(ctx context.Context, party string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.store.GetHistory(ctx, party, limit)
}

// CanLock checks if a party has sufficient available balance
func (t *Treasury) CanLock(ctx context.Context, party, amount string) (bool, error) {
	amt, ok := money.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}

	bal, err := t.store.GetBalance(ctx, party)
	if err != nil {
		return false, err
	}

	avail, _ := money.Parse(bal.Available)
	return avail.Cmp(amt) >= 0, nil
}

// LockFunds moves a party's available funds into escrow
func (t *Treasury) LockFunds(ctx context.Context, party, amount string, escrowID int64) error {
	ctx, span := traces.StartSpan(ctx, "treasury.LockFunds",
		traces.Party(party), traces.Amount(amount), traces.EscrowID(escrowID))
	defer span.End()

	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	err := t.store.EscrowLock(ctx, party, amount, escrowRef(escrowID))
	// A party with no account has a zero balance, same as Balance reports
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: no deposits recorded for %s", ErrInsufficientFunds, party)
	}
	return err
}

// ReleaseFunds moves locked funds from one party to another
func (t *Treasury) ReleaseFunds(ctx context.Context, from, to, amount string, escrowID int64) error {
	ctx, span := traces.StartSpan(ctx, "treasury.ReleaseFunds",
		traces.Party(from), traces.Amount(amount), traces.EscrowID(escrowID))
	defer span.End()

	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return t.store.ReleaseEscrow(ctx, from, to, amount, escrowRef(escrowID))
}

// RefundFunds returns a party's locked funds to available
func (t *Treasury) RefundFunds(ctx context.Context, party, amount string, escrowID int64) error {
	ctx, span := traces.StartSpan(ctx, "treasury.RefundFunds",
		traces.Party(party), traces.Amount(amount), traces.EscrowID(escrowID))
	defer span.End()

	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return t.store.RefundEscrow(ctx, party, amount, escrowRef(escrowID))
}

func escrowRef(id int64) string {
	return fmt.Sprintf("escrow_%d", id)
}
