// Package escrow holds a buyer's funds in trust until delivery is confirmed,
// disputed, or the confirmation window lapses.
//
// Flow:
//  1. Buyer creates escrow → funds moved: available → escrowed
//  2. Buyer confirms delivery → funds moved: buyer's escrowed → seller's available
//  3. Either party disputes within the window → arbitrator panel votes
//  4. Majority for seller → funds released; majority for buyer → funds refunded
//  5. Window lapses unconfirmed → seller claims, funds released
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/agrimesh/escrowd/internal/metrics"
	"github.com/agrimesh/escrowd/internal/money"
	"github.com/agrimesh/escrowd/internal/traces"
	"github.com/agrimesh/escrowd/internal/validation"
)

var (
	ErrNotFound         = errors.New("escrow not found")
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrUnauthorized     = errors.New("not authorized for this escrow operation")
	ErrInvalidState     = errors.New("invalid escrow status for this operation")
	ErrInvalidInput     = errors.New("invalid input")
	ErrWindowExpired    = errors.New("confirmation window has expired")
	ErrWindowNotExpired = errors.New("confirmation window has not expired")
	ErrAlreadyVoted     = errors.New("arbitrator has already voted on this dispute")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Created, funds locked
	StatusConfirmed Status = "confirmed" // Buyer confirmed or seller claimed, funds sent to seller
	StatusDisputed  Status = "disputed"  // Dispute open, panel voting
	StatusResolved  Status = "resolved"  // Panel sided with seller, funds sent to seller
	StatusRefunded  Status = "refunded"  // Panel sided with buyer, funds returned
)

// Escrow represents one buyer/seller trade under custody.
type Escrow struct {
	ID              int64      `json:"id"`
	Buyer           string     `json:"buyer"`
	Seller          string     `json:"seller"`
	BatchRef        string     `json:"batchRef"`
	Amount          string     `json:"amount"`
	Status          Status     `json:"status"`
	Arbitrators     []string   `json:"arbitrators,omitempty"`
	Disputed        bool       `json:"disputed"`      // sticky: true once a dispute has ever been opened
	FundsReleased   bool       `json:"fundsReleased"` // double-release guard, committed with the status change
	Resolution      string     `json:"resolution,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ConfirmDeadline time.Time  `json:"confirmDeadline"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusConfirmed, StatusResolved, StatusRefunded:
		return true
	}
	return false
}

// Store persists escrow records.
type Store interface {
	NextID(ctx context.Context) (int64, error)
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByParty(ctx context.Context, party string, limit int) ([]*Escrow, error)
}

// DisputeStore persists dispute records, keyed by escrow ID.
type DisputeStore interface {
	CreateDispute(ctx context.Context, dispute *Dispute) error
	GetDispute(ctx context.Context, escrowID int64) (*Dispute, error)
	UpdateDispute(ctx context.Context, dispute *Dispute) error
}

// FundGateway abstracts fund movement so escrow doesn't import treasury.
// It is the only path through which escrowed value moves.
type FundGateway interface {
	LockFunds(ctx context.Context, party, amount string, escrowID int64) error
	ReleaseFunds(ctx context.Context, from, to, amount string, escrowID int64) error
	RefundFunds(ctx context.Context, party, amount string, escrowID int64) error
}

// PanelSelector chooses an arbitrator panel for a dispute.
type PanelSelector interface {
	SelectPanel(ctx context.Context, escrowID int64, buyer, seller string, size int) ([]string, error)
}

// Notifier receives domain events. Implementations must not block.
type Notifier interface {
	Notify(event string, payload any)
}

// Settings holds the runtime-adjustable engine parameters.
type Settings struct {
	PanelSize      int    `json:"panelSize"`
	MinConfirmDays int    `json:"minConfirmDays"`
	MaxConfirmDays int    `json:"maxConfirmDays"`
	ArbitrationFee string `json:"arbitrationFee"` // flat fee split among voting arbitrators at resolution
}

// Validate checks settings coherence.
func (s Settings) Validate() error {
	if s.PanelSize < 3 || s.PanelSize%2 == 0 {
		return fmt.Errorf("%w: panel size must be an odd number >= 3", ErrInvalidInput)
	}
	if s.MinConfirmDays < 1 || s.MaxConfirmDays > 365 || s.MaxConfirmDays < s.MinConfirmDays {
		return fmt.Errorf("%w: confirmation window bounds must satisfy 1 <= min <= max <= 365", ErrInvalidInput)
	}
	if fee, ok := money.Parse(s.ArbitrationFee); !ok || fee.Sign() < 0 {
		return fmt.Errorf("%w: arbitration fee must be a non-negative decimal amount", ErrInvalidInput)
	}
	return nil
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Buyer       string `json:"-"` // from caller identity, not the body
	Seller      string `json:"seller" binding:"required"`
	BatchRef    string `json:"batchRef" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	ConfirmDays int    `json:"confirmDays" binding:"required"`
}

// Service implements the escrow lifecycle and dispute arbitration logic.
type Service struct {
	store    Store
	disputes DisputeStore
	gateway  FundGateway
	selector PanelSelector
	notifier Notifier
	logger   *slog.Logger

	settingsMu sync.RWMutex
	settings   Settings

	locks sync.Map // per-escrow ID locks to prevent race conditions
}

// NewService creates a new escrow service.
func NewService(store Store, disputes DisputeStore, gateway FundGateway, selector PanelSelector, settings Settings) *Service {
	return &Service{
		store:    store,
		disputes: disputes,
		gateway:  gateway,
		selector: selector,
		settings: settings,
		logger:   slog.Default(),
	}
}

// WithNotifier adds a domain event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This serializes state transitions (e.g. confirm + dispute racing).
func (s *Service) escrowLock(id int64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Settings returns the current engine settings.
func (s *Service) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the engine settings. New settings apply to
// subsequent operations only; open escrows keep their deadlines and panels.
func (s *Service) UpdateSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
	return nil
}

func (s *Service) notify(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(event, payload)
	}
}

// Create creates a new escrow and locks buyer funds.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Party(req.Buyer), traces.Amount(req.Amount))
	defer span.End()

	buyer := strings.ToLower(req.Buyer)
	seller := strings.ToLower(req.Seller)

	if !validation.IsValidAddress(buyer) || !validation.IsValidAddress(seller) {
		return nil, fmt.Errorf("%w: buyer and seller must be valid addresses", ErrInvalidInput)
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same address", ErrInvalidInput)
	}
	if strings.TrimSpace(req.BatchRef) == "" {
		return nil, fmt.Errorf("%w: batchRef is required", ErrInvalidInput)
	}
	if !money.IsPositive(req.Amount) {
		return nil, fmt.Errorf("%w: amount must be a positive decimal amount", ErrInvalidInput)
	}

	settings := s.Settings()
	if req.ConfirmDays < settings.MinConfirmDays || req.ConfirmDays > settings.MaxConfirmDays {
		return nil, fmt.Errorf("%w: confirmation period must be between %d and %d days",
			ErrInvalidInput, settings.MinConfirmDays, settings.MaxConfirmDays)
	}

	id, err := s.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate escrow id: %w", err)
	}

	now := time.Now()
	escrow := &Escrow{
		ID:              id,
		Buyer:           buyer,
		Seller:          seller,
		BatchRef:        req.BatchRef,
		Amount:          req.Amount,
		Status:          StatusPending,
		CreatedAt:       now,
		ConfirmDeadline: now.Add(time.Duration(req.ConfirmDays) * 24 * time.Hour),
		UpdatedAt:       now,
	}

	// Custody buyer funds before the record exists
	if err := s.gateway.LockFunds(ctx, escrow.Buyer, escrow.Amount, escrow.ID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		// Best-effort refund if store fails
		_ = s.gateway.RefundFunds(ctx, escrow.Buyer, escrow.Amount, escrow.ID)
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsCreatedTotal.Inc()
	s.notify(EventEscrowCreated, escrow)

	return escrow, nil
}

// ConfirmDelivery releases escrowed funds to the seller.
func (s *Service) ConfirmDelivery(ctx context.Context, id int64, caller string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery",
		traces.EscrowID(id), traces.Party(caller))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != escrow.Buyer {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidState
	}

	if err := s.releaseToSeller(ctx, escrow, StatusConfirmed, "buyer_confirmed"); err != nil {
		return nil, err
	}

	metrics.EscrowsConfirmedTotal.Inc()
	metrics.EscrowDuration.Observe(time.Since(escrow.CreatedAt).Seconds())
	s.notify(EventEscrowConfirmed, escrow)
	s.notify(EventFundsReleased, escrow)

	return escrow, nil
}

// ClaimExpiredFunds releases escrowed funds to the seller after the
// confirmation window lapses with no confirmation or dispute. This is the
// seller's safety valve against a non-responsive buyer.
func (s *Service) ClaimExpiredFunds(ctx context.Context, id int64, caller string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ClaimExpiredFunds",
		traces.EscrowID(id), traces.Party(caller))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != escrow.Seller {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if !time.Now().After(escrow.ConfirmDeadline) {
		return nil, ErrWindowNotExpired
	}

	if err := s.releaseToSeller(ctx, escrow, StatusConfirmed, "expired_claim"); err != nil {
		return nil, err
	}

	metrics.EscrowsClaimedTotal.Inc()
	metrics.EscrowDuration.Observe(time.Since(escrow.CreatedAt).Seconds())
	s.notify(EventEscrowConfirmed, escrow)
	s.notify(EventFundsReleased, escrow)

	return escrow, nil
}

// releaseToSeller commits the terminal transition, then moves funds.
// The status and FundsReleased flag are persisted before the gateway call so
// a concurrent or reentrant caller observes the transitioned state and is
// rejected; a gateway failure rolls the transition back.
func (s *Service) releaseToSeller(ctx context.Context, escrow *Escrow, status Status, resolution string) error {
	prev := *escrow

	now := time.Now()
	escrow.Status = status
	escrow.FundsReleased = true
	escrow.Resolution = resolution
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		*escrow = prev
		return fmt.Errorf("failed to commit escrow transition: %w", err)
	}

	if err := s.gateway.ReleaseFunds(ctx, escrow.Buyer, escrow.Seller, escrow.Amount, escrow.ID); err != nil {
		// Roll the transition back so the escrow is exactly as before
		rollback := prev
		rollback.UpdatedAt = time.Now()
		if rbErr := s.store.Update(ctx, &rollback); rbErr != nil {
			s.logger.Error("CRITICAL: escrow transition rollback failed after transfer error",
				"escrowId", escrow.ID, "transferError", err, "rollbackError", rbErr)
			return fmt.Errorf("failed to release escrow funds (rollback also failed, requires manual resolution): %w", err)
		}
		*escrow = prev
		return fmt.Errorf("failed to release escrow funds: %w", err)
	}

	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows involving a party (as buyer or seller).
func (s *Service) ListByParty(ctx context.Context, party string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.ToLower(party), limit)
}

// feeShares splits the arbitration fee among the arbitrators who voted.
// Returns the per-voter share and the net amount left for the winning party.
// A fee that cannot be covered by the escrowed amount is waived.
func feeShares(amount, fee string, voters int) (share *big.Int, net *big.Int) {
	amt, _ := money.Parse(amount)
	f, ok := money.Parse(fee)
	if !ok || f.Sign() <= 0 || voters == 0 || f.Cmp(amt) >= 0 {
		return big.NewInt(0), amt
	}

	share = new(big.Int).Div(f, big.NewInt(int64(voters)))
	total := new(big.Int).Mul(share, big.NewInt(int64(voters)))
	net = new(big.Int).Sub(amt, total)
	return share, net
}
