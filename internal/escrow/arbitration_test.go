package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/agrimesh/escrowd/internal/money"
)

func (env *testEnv) dispute(t *testing.T, id int64, caller, evidence string) *DisputeResult {
	t.Helper()
	result, err := env.service.InitiateDispute(context.Background(), id, caller, evidence)
	if err != nil {
		t.Fatalf("InitiateDispute failed: %v", err)
	}
	return result
}

func TestInitiateDispute(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)

	result := env.dispute(t, escrow.ID, testBuyer, "item mismatch")

	if result.Escrow.Status != StatusDisputed {
		t.Errorf("status = %s, want disputed", result.Escrow.Status)
	}
	if !result.Escrow.Disputed {
		t.Error("disputed flag not set")
	}
	if len(result.Escrow.Arbitrators) != 3 {
		t.Errorf("panel size = %d, want 3", len(result.Escrow.Arbitrators))
	}
	if result.Dispute.Evidence != "item mismatch" {
		t.Errorf("evidence = %q", result.Dispute.Evidence)
	}
	if result.Dispute.OpenedBy != testBuyer {
		t.Errorf("openedBy = %s", result.Dispute.OpenedBy)
	}
	if len(result.Dispute.Votes) != 0 || result.Dispute.Resolved {
		t.Error("new dispute must start with empty, unresolved tally")
	}

	// No funds move when a dispute opens
	if env.gateway.count("release")+env.gateway.count("refund") != 0 {
		t.Errorf("dispute open moved funds: %v", env.gateway.transfers)
	}
	if !env.notifier.has(EventEscrowDisputed) {
		t.Error("escrow.disputed event not emitted")
	}
}

func TestInitiateDispute_SellerMayOpen(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)

	result := env.dispute(t, escrow.ID, testSeller, "payment stalled")
	if result.Dispute.OpenedBy != testSeller {
		t.Errorf("openedBy = %s, want seller", result.Dispute.OpenedBy)
	}
}

func TestInitiateDispute_Preconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	escrow := env.create(t, "100.00", 2)

	if _, err := env.service.InitiateDispute(ctx, escrow.ID, arb1, "ev"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider dispute: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.service.InitiateDispute(ctx, escrow.ID, testBuyer, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank evidence: expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.service.InitiateDispute(ctx, 999, testBuyer, "ev"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown escrow: expected ErrNotFound, got %v", err)
	}

	// Past the window, disputes are no longer accepted
	expired := env.create(t, "10.00", 1)
	env.expire(t, expired.ID)
	if _, err := env.service.InitiateDispute(ctx, expired.ID, testBuyer, "ev"); !errors.Is(err, ErrWindowExpired) {
		t.Errorf("expired window: expected ErrWindowExpired, got %v", err)
	}

	// A confirmed escrow cannot be disputed
	confirmed := env.create(t, "10.00", 2)
	if _, err := env.service.ConfirmDelivery(ctx, confirmed.ID, testBuyer); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := env.service.InitiateDispute(ctx, confirmed.ID, testBuyer, "ev"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("confirmed escrow: expected ErrInvalidState, got %v", err)
	}
}

func TestInitiateDispute_SelectorFailureLeavesEscrowPending(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.selector.err = errors.New("not enough eligible arbiters for a panel")

	if _, err := env.service.InitiateDispute(context.Background(), escrow.ID, testBuyer, "ev"); err == nil {
		t.Fatal("expected error when selector fails")
	}

	fresh, _ := env.store.Get(context.Background(), escrow.ID)
	if fresh.Status != StatusPending || fresh.Disputed {
		t.Errorf("failed dispute mutated escrow: status=%s disputed=%v", fresh.Status, fresh.Disputed)
	}
}

func TestVoteOnDispute_AutoResolvesForSeller(t *testing.T) {
	// Scenario: 2 of 3 vote SELLER, dispute auto-resolves, third vote rejected
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "item mismatch")
	ctx := context.Background()

	result, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceSeller)
	if err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	if result.Dispute.Resolved {
		t.Error("dispute resolved below threshold")
	}
	if result.Dispute.SellerVotes != 1 {
		t.Errorf("sellerVotes = %d, want 1", result.Dispute.SellerVotes)
	}

	result, err = env.service.VoteOnDispute(ctx, escrow.ID, arb2, ChoiceSeller)
	if err != nil {
		t.Fatalf("second vote failed: %v", err)
	}
	if !result.Dispute.Resolved {
		t.Fatal("dispute not resolved at majority")
	}
	if result.Dispute.Winner != ChoiceSeller {
		t.Errorf("winner = %s, want SELLER", result.Dispute.Winner)
	}
	if result.Escrow.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", result.Escrow.Status)
	}

	release := env.gateway.last()
	if release.kind != "release" || release.to != testSeller || release.amount != "100.000000" {
		t.Errorf("unexpected settlement: %+v", release)
	}

	// The late vote is rejected and funds do not move again
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb3, ChoiceBuyer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("late vote: expected ErrInvalidState, got %v", err)
	}
	if env.gateway.count("release") != 1 {
		t.Errorf("release count = %d, want 1", env.gateway.count("release"))
	}
	if !env.notifier.has(EventDisputeResolved) {
		t.Error("dispute.resolved event not emitted")
	}
}

func TestVoteOnDispute_AutoResolvesForBuyer(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "item mismatch")
	ctx := context.Background()

	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceBuyer); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	result, err := env.service.VoteOnDispute(ctx, escrow.ID, arb2, ChoiceBuyer)
	if err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	if result.Escrow.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded", result.Escrow.Status)
	}
	refund := env.gateway.last()
	if refund.kind != "refund" || refund.from != testBuyer || refund.amount != "100.000000" {
		t.Errorf("unexpected refund: %+v", refund)
	}
}

func TestVoteOnDispute_Preconditions(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	ctx := context.Background()

	// Not yet disputed
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceSeller); !errors.Is(err, ErrInvalidState) {
		t.Errorf("vote before dispute: expected ErrInvalidState, got %v", err)
	}

	env.dispute(t, escrow.ID, testBuyer, "ev")

	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, testBuyer, ChoiceBuyer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("party vote: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, Choice("MAYBE")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad choice: expected ErrInvalidInput, got %v", err)
	}

	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceSeller); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceBuyer); !errors.Is(err, ErrAlreadyVoted) {
		t.Errorf("second vote: expected ErrAlreadyVoted, got %v", err)
	}
}

func TestQuorumThreshold(t *testing.T) {
	// With a 5-member panel the threshold is 3; two votes never resolve
	env := newTestEnv(t)
	if err := env.service.UpdateSettings(Settings{PanelSize: 5, MinConfirmDays: 1, MaxConfirmDays: 365, ArbitrationFee: "0"}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	arb4 := "0x4444444444444444444444444444444444444444"
	arb5 := "0x5555555555555555555555555555555555555555"
	env.selector.panel = []string{arb1, arb2, arb3, arb4, arb5}

	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "ev")
	ctx := context.Background()

	votes := []struct {
		arbitrator string
		choice     Choice
		resolved   bool
	}{
		{arb1, ChoiceSeller, false},
		{arb2, ChoiceBuyer, false},
		{arb3, ChoiceSeller, false},
		{arb4, ChoiceSeller, true}, // 3rd seller vote reaches floor(5/2)+1
	}

	for _, v := range votes {
		result, err := env.service.VoteOnDispute(ctx, escrow.ID, v.arbitrator, v.choice)
		if err != nil {
			t.Fatalf("vote by %s failed: %v", v.arbitrator, err)
		}
		if result.Dispute.Resolved != v.resolved {
			t.Errorf("after %s: resolved = %v, want %v", v.arbitrator, result.Dispute.Resolved, v.resolved)
		}
	}
}

func TestResolveDispute_ForcedTally(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "ev")
	ctx := context.Background()

	// One seller vote, no quorum; the panel stalls and an admin forces it
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceSeller); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	result, err := env.service.ResolveDispute(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if result.Escrow.Status != StatusResolved || result.Dispute.Winner != ChoiceSeller {
		t.Errorf("forced resolve: status=%s winner=%s", result.Escrow.Status, result.Dispute.Winner)
	}
}

func TestResolveDispute_TieRefundsBuyer(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "ev")
	ctx := context.Background()

	// 1-1 tie, then a forced resolution
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceSeller); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb2, ChoiceBuyer); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	result, err := env.service.ResolveDispute(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if result.Escrow.Status != StatusRefunded || result.Dispute.Winner != ChoiceBuyer {
		t.Errorf("tie resolve: status=%s winner=%s", result.Escrow.Status, result.Dispute.Winner)
	}
}

func TestResolveDispute_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "ev")
	ctx := context.Background()

	if _, err := env.service.ResolveDispute(ctx, escrow.ID); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	moved := len(env.gateway.transfers)

	// Repeat resolutions are no-ops that never re-transfer
	for i := 0; i < 3; i++ {
		result, err := env.service.ResolveDispute(ctx, escrow.ID)
		if err != nil {
			t.Fatalf("repeat resolve failed: %v", err)
		}
		if !result.Dispute.Resolved {
			t.Error("dispute no longer resolved")
		}
	}
	if len(env.gateway.transfers) != moved {
		t.Errorf("repeat resolve moved funds: %d -> %d", moved, len(env.gateway.transfers))
	}
}

func TestResolveDispute_NotDisputed(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "100.00", 2)

	if _, err := env.service.ResolveDispute(context.Background(), 1); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("expected ErrDisputeNotFound, got %v", err)
	}
}

func TestSettle_FeeSplitAmongVoters(t *testing.T) {
	env := newTestEnv(t)
	if err := env.service.UpdateSettings(Settings{PanelSize: 3, MinConfirmDays: 1, MaxConfirmDays: 365, ArbitrationFee: "6.00"}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "ev")
	ctx := context.Background()

	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceSeller); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb2, ChoiceSeller); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	// Two voters split the 6.00 fee; the seller receives the remainder
	var sellerAmount string
	shares := map[string]string{}
	for _, tr := range env.gateway.transfers {
		if tr.kind != "release" {
			continue
		}
		if tr.to == testSeller {
			sellerAmount = tr.amount
		} else {
			shares[tr.to] = tr.amount
		}
	}
	if sellerAmount != "94.000000" {
		t.Errorf("seller amount = %s, want 94.000000", sellerAmount)
	}
	if len(shares) != 2 {
		t.Fatalf("fee payouts = %d, want 2", len(shares))
	}
	for to, amount := range shares {
		if amount != "3.000000" {
			t.Errorf("share to %s = %s, want 3.000000", to, amount)
		}
	}
}

func TestFeeShares(t *testing.T) {
	tests := []struct {
		amount, fee string
		voters      int
		wantShare   string
		wantNet     string
	}{
		{"100.00", "6.00", 2, "3.000000", "94.000000"},
		{"100.00", "6.00", 3, "2.000000", "94.000000"},
		{"100.00", "0", 3, "0.000000", "100.000000"},
		{"100.00", "5.00", 0, "0.000000", "100.000000"},   // nobody voted
		{"1.00", "5.00", 3, "0.000000", "1.000000"},       // fee exceeds amount, waived
		{"100.00", "1.00", 3, "0.333333", "99.000001"},    // truncated shares, remainder to winner
	}

	for _, tt := range tests {
		share, net := feeShares(tt.amount, tt.fee, tt.voters)
		if got := money.Format(share); got != tt.wantShare {
			t.Errorf("feeShares(%s, %s, %d) share = %s, want %s", tt.amount, tt.fee, tt.voters, got, tt.wantShare)
		}
		if got := money.Format(net); got != tt.wantNet {
			t.Errorf("feeShares(%s, %s, %d) net = %s, want %s", tt.amount, tt.fee, tt.voters, got, tt.wantNet)
		}
	}
}

func TestSettle_TransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.dispute(t, escrow.ID, testBuyer, "ev")
	ctx := context.Background()

	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb1, ChoiceSeller); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	env.gateway.failRelease = errors.New("gateway down")
	if _, err := env.service.VoteOnDispute(ctx, escrow.ID, arb2, ChoiceSeller); err == nil {
		t.Fatal("expected error when settlement transfer fails")
	}

	// The escrow is back in the disputed state and the quorum vote itself was
	// undone: the failed operation leaves nothing behind
	fresh, err := env.store.Get(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.Status != StatusDisputed || fresh.FundsReleased {
		t.Errorf("failed settlement left status=%s released=%v", fresh.Status, fresh.FundsReleased)
	}
	dispute, err := env.store.GetDispute(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if dispute.Resolved || dispute.SellerVotes != 1 {
		t.Errorf("dispute after rollback: resolved=%v sellerVotes=%d, want unresolved with 1 vote", dispute.Resolved, dispute.SellerVotes)
	}
	if _, voted := dispute.Votes[arb2]; voted {
		t.Error("failed quorum vote should not persist")
	}

	// Once the gateway recovers the same arbitrator retries the vote and the
	// dispute settles
	env.gateway.failRelease = nil
	result, err := env.service.VoteOnDispute(ctx, escrow.ID, arb2, ChoiceSeller)
	if err != nil {
		t.Fatalf("vote retry after recovery failed: %v", err)
	}
	if result.Escrow.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", result.Escrow.Status)
	}
	if !result.Dispute.Resolved || result.Dispute.Winner != ChoiceSeller {
		t.Errorf("dispute after retry: resolved=%v winner=%s", result.Dispute.Resolved, result.Dispute.Winner)
	}
}
