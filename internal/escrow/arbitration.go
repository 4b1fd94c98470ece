package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agrimesh/escrowd/internal/metrics"
	"github.com/agrimesh/escrowd/internal/money"
	"github.com/agrimesh/escrowd/internal/traces"
)

// Domain event names emitted on escrow transitions.
const (
	EventEscrowCreated   = "escrow.created"
	EventEscrowConfirmed = "escrow.confirmed"
	EventEscrowDisputed  = "escrow.disputed"
	EventDisputeResolved = "dispute.resolved"
	EventFundsReleased   = "funds.released"
)

// Choice is an arbitrator's vote.
type Choice string

const (
	ChoiceBuyer  Choice = "BUYER"
	ChoiceSeller Choice = "SELLER"
)

// Dispute is the voting record for a disputed escrow. At most one dispute
// exists per escrow; an escrow that leaves the disputed state never re-enters it.
type Dispute struct {
	EscrowID    int64             `json:"escrowId"`
	Evidence    string            `json:"evidence"`
	OpenedBy    string            `json:"openedBy"`
	Votes       map[string]Choice `json:"votes"`
	BuyerVotes  int               `json:"buyerVotes"`
	SellerVotes int               `json:"sellerVotes"`
	Resolved    bool              `json:"resolved"`
	Winner      Choice            `json:"winner,omitempty"`
	OpenedAt    time.Time         `json:"openedAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
}

// DisputeResult pairs an escrow with its dispute record after a voting or
// resolution operation.
type DisputeResult struct {
	Escrow  *Escrow  `json:"escrow"`
	Dispute *Dispute `json:"dispute"`
}

// InitiateDispute opens a dispute against a pending escrow and assigns an
// arbitrator panel. Funds stay custodied; nothing moves until resolution.
func (s *Service) InitiateDispute(ctx context.Context, id int64, caller, evidence string) (*DisputeResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.InitiateDispute",
		traces.EscrowID(id), traces.Party(caller))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	caller = strings.ToLower(caller)
	if caller != escrow.Buyer && caller != escrow.Seller {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if time.Now().After(escrow.ConfirmDeadline) {
		return nil, ErrWindowExpired
	}
	if strings.TrimSpace(evidence) == "" {
		return nil, fmt.Errorf("%w: evidence is required", ErrInvalidInput)
	}

	panel, err := s.selector.SelectPanel(ctx, escrow.ID, escrow.Buyer, escrow.Seller, s.Settings().PanelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select arbitrator panel: %w", err)
	}

	prev := *escrow
	now := time.Now()
	escrow.Status = StatusDisputed
	escrow.Disputed = true
	escrow.Arbitrators = panel
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		*escrow = prev
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	dispute := &Dispute{
		EscrowID: escrow.ID,
		Evidence: evidence,
		OpenedBy: caller,
		Votes:    make(map[string]Choice),
		OpenedAt: now,
	}
	if err := s.disputes.CreateDispute(ctx, dispute); err != nil {
		// Roll the escrow back; the dispute record is the source of truth for votes
		rollback := prev
		rollback.UpdatedAt = time.Now()
		if rbErr := s.store.Update(ctx, &rollback); rbErr != nil {
			s.logger.Error("CRITICAL: escrow rollback failed after dispute create error",
				"escrowId", escrow.ID, "createError", err, "rollbackError", rbErr)
		}
		*escrow = prev
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	metrics.EscrowsDisputedTotal.Inc()
	s.notify(EventEscrowDisputed, &DisputeResult{Escrow: escrow, Dispute: dispute})

	return &DisputeResult{Escrow: escrow, Dispute: dispute}, nil
}

// VoteOnDispute records a panel member's vote. When either tally reaches the
// majority threshold floor(n/2)+1 the dispute resolves in the same operation,
// so a late voter can never flip a decided outcome.
func (s *Service) VoteOnDispute(ctx context.Context, id int64, arbitrator string, choice Choice) (*DisputeResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.VoteOnDispute",
		traces.EscrowID(id), traces.Party(arbitrator))
	defer span.End()

	if choice != ChoiceBuyer && choice != ChoiceSeller {
		return nil, fmt.Errorf("%w: vote must be BUYER or SELLER", ErrInvalidInput)
	}

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidState
	}

	arbitrator = strings.ToLower(arbitrator)
	if !onPanel(escrow.Arbitrators, arbitrator) {
		return nil, ErrUnauthorized
	}

	dispute, err := s.disputes.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if dispute.Resolved {
		return nil, ErrInvalidState
	}
	if _, voted := dispute.Votes[arbitrator]; voted {
		return nil, ErrAlreadyVoted
	}

	// Pre-vote snapshot: if this vote reaches quorum and settlement fails,
	// the vote is rolled back too so the arbitrator can simply retry
	preVote := *dispute
	preVote.Votes = make(map[string]Choice, len(dispute.Votes))
	for member, v := range dispute.Votes {
		preVote.Votes[member] = v
	}

	dispute.Votes[arbitrator] = choice
	switch choice {
	case ChoiceBuyer:
		dispute.BuyerVotes++
	case ChoiceSeller:
		dispute.SellerVotes++
	}

	if err := s.disputes.UpdateDispute(ctx, dispute); err != nil {
		return nil, fmt.Errorf("failed to record vote: %w", err)
	}

	metrics.VotesCastTotal.WithLabelValues(string(choice)).Inc()

	threshold := len(escrow.Arbitrators)/2 + 1
	if dispute.BuyerVotes >= threshold || dispute.SellerVotes >= threshold {
		winner := ChoiceBuyer
		if dispute.SellerVotes >= threshold {
			winner = ChoiceSeller
		}
		if err := s.settle(ctx, escrow, dispute, winner); err != nil {
			if rbErr := s.disputes.UpdateDispute(ctx, &preVote); rbErr != nil {
				s.logger.Error("CRITICAL: vote rollback failed after settlement error",
					"escrowId", id, "arbitrator", arbitrator, "settleError", err, "rollbackError", rbErr)
			}
			*dispute = preVote
			return nil, err
		}
	}

	return &DisputeResult{Escrow: escrow, Dispute: dispute}, nil
}

// ResolveDispute forces resolution from the current tally. This is the
// privileged escape hatch for a stalled panel: ties and vote-less disputes
// refund the buyer. Calling it on an already-resolved dispute is a no-op.
func (s *Service) ResolveDispute(ctx context.Context, id int64) (*DisputeResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	dispute, err := s.disputes.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}

	// Idempotent: a resolved dispute stays resolved, funds never move twice
	if dispute.Resolved || escrow.FundsReleased {
		return &DisputeResult{Escrow: escrow, Dispute: dispute}, nil
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidState
	}

	winner := ChoiceBuyer
	if dispute.SellerVotes > dispute.BuyerVotes {
		winner = ChoiceSeller
	}
	if err := s.settle(ctx, escrow, dispute, winner); err != nil {
		return nil, err
	}

	return &DisputeResult{Escrow: escrow, Dispute: dispute}, nil
}

// GetDispute returns the dispute record for an escrow.
func (s *Service) GetDispute(ctx context.Context, id int64) (*Dispute, error) {
	return s.disputes.GetDispute(ctx, id)
}

// settle commits the terminal transition for a decided dispute, then moves
// funds: fee shares to the arbitrators who voted, the remainder to the
// winning side. Caller must hold the escrow lock.
func (s *Service) settle(ctx context.Context, escrow *Escrow, dispute *Dispute, winner Choice) error {
	prevEscrow := *escrow
	prevDispute := *dispute

	settings := s.Settings()
	share, net := feeShares(escrow.Amount, settings.ArbitrationFee, len(dispute.Votes))

	now := time.Now()
	if winner == ChoiceSeller {
		escrow.Status = StatusResolved
		escrow.Resolution = "panel_for_seller"
	} else {
		escrow.Status = StatusRefunded
		escrow.Resolution = "panel_for_buyer"
	}
	escrow.FundsReleased = true
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	dispute.Resolved = true
	dispute.Winner = winner
	dispute.ResolvedAt = &now

	// Commit the transition before any transfer so concurrent callers are
	// rejected with the already-updated state
	if err := s.store.Update(ctx, escrow); err != nil {
		*escrow = prevEscrow
		*dispute = prevDispute
		return fmt.Errorf("failed to commit escrow resolution: %w", err)
	}
	if err := s.disputes.UpdateDispute(ctx, dispute); err != nil {
		rollback := prevEscrow
		rollback.UpdatedAt = time.Now()
		_ = s.store.Update(ctx, &rollback)
		*escrow = prevEscrow
		*dispute = prevDispute
		return fmt.Errorf("failed to commit dispute resolution: %w", err)
	}

	// Winner payout first; a failure here rolls the whole transition back
	var transferErr error
	if winner == ChoiceSeller {
		transferErr = s.gateway.ReleaseFunds(ctx, escrow.Buyer, escrow.Seller, money.Format(net), escrow.ID)
	} else {
		transferErr = s.gateway.RefundFunds(ctx, escrow.Buyer, money.Format(net), escrow.ID)
	}
	if transferErr != nil {
		rbEscrow := prevEscrow
		rbEscrow.UpdatedAt = time.Now()
		rbDispute := prevDispute
		if err := s.store.Update(ctx, &rbEscrow); err != nil {
			s.logger.Error("CRITICAL: escrow rollback failed after settlement transfer error",
				"escrowId", escrow.ID, "transferError", transferErr, "rollbackError", err)
		}
		if err := s.disputes.UpdateDispute(ctx, &rbDispute); err != nil {
			s.logger.Error("CRITICAL: dispute rollback failed after settlement transfer error",
				"escrowId", escrow.ID, "transferError", transferErr, "rollbackError", err)
		}
		*escrow = prevEscrow
		*dispute = prevDispute
		return fmt.Errorf("failed to transfer settlement funds: %w", transferErr)
	}

	// Fee payouts are best-effort once the winner is paid; the remaining
	// escrowed balance covers them
	if share.Sign() > 0 {
		shareStr := money.Format(share)
		for arbitrator := range dispute.Votes {
			if err := s.gateway.ReleaseFunds(ctx, escrow.Buyer, arbitrator, shareStr, escrow.ID); err != nil {
				s.logger.Error("arbitration fee payout failed",
					"escrowId", escrow.ID, "arbitrator", arbitrator, "share", shareStr, "error", err)
			}
		}
	}

	metrics.DisputesResolvedTotal.WithLabelValues(strings.ToLower(string(winner))).Inc()
	metrics.EscrowDuration.Observe(time.Since(escrow.CreatedAt).Seconds())
	s.notify(EventDisputeResolved, &DisputeResult{Escrow: escrow, Dispute: dispute})
	s.notify(EventFundsReleased, escrow)

	return nil
}

func onPanel(panel []string, arbitrator string) bool {
	for _, member := range panel {
		if member == arbitrator {
			return true
		}
	}
	return false
}
