package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	testBuyer  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testSeller = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	arb1       = "0x1111111111111111111111111111111111111111"
	arb2       = "0x2222222222222222222222222222222222222222"
	arb3       = "0x3333333333333333333333333333333333333333"
)

// transfer records one fund movement through the fake gateway.
type transfer struct {
	kind   string // lock, release, refund
	from   string
	to     string
	amount string
}

// fakeGateway records fund movements and can be told to fail.
type fakeGateway struct {
	mu          sync.Mutex
	transfers   []transfer
	failLock    error
	failRelease error
	failRefund  error
}

func (g *fakeGateway) LockFunds(ctx context.Context, party, amount string, escrowID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failLock != nil {
		return g.failLock
	}
	g.transfers = append(g.transfers, transfer{kind: "lock", from: party, amount: amount})
	return nil
}

func (g *fakeGateway) ReleaseFunds(ctx context.Context, from, to, amount string, escrowID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failRelease != nil {
		return g.failRelease
	}
	g.transfers = append(g.transfers, transfer{kind: "release", from: from, to: to, amount: amount})
	return nil
}

func (g *fakeGateway) RefundFunds(ctx context.Context, party, amount string, escrowID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failRefund != nil {
		return g.failRefund
	}
	g.transfers = append(g.transfers, transfer{kind: "refund", from: party, to: party, amount: amount})
	return nil
}

func (g *fakeGateway) count(kind string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.transfers {
		if t.kind == kind {
			n++
		}
	}
	return n
}

func (g *fakeGateway) last() transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers[len(g.transfers)-1]
}

// fakeSelector returns a fixed panel.
type fakeSelector struct {
	panel []string
	err   error
}

func (s *fakeSelector) SelectPanel(ctx context.Context, escrowID int64, buyer, seller string, size int) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.panel, nil
}

// fakeNotifier collects emitted events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

func testSettings() Settings {
	return Settings{
		PanelSize:      3,
		MinConfirmDays: 1,
		MaxConfirmDays: 365,
		ArbitrationFee: "0",
	}
}

type testEnv struct {
	service  *Service
	store    *MemoryStore
	gateway  *fakeGateway
	selector *fakeSelector
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	gateway := &fakeGateway{}
	selector := &fakeSelector{panel: []string{arb1, arb2, arb3}}
	notifier := &fakeNotifier{}
	service := NewService(store, store, gateway, selector, testSettings()).WithNotifier(notifier)
	return &testEnv{service: service, store: store, gateway: gateway, selector: selector, notifier: notifier}
}

func (env *testEnv) create(t *testing.T, amount string, days int) *Escrow {
	t.Helper()
	escrow, err := env.service.Create(context.Background(), CreateRequest{
		Buyer:       testBuyer,
		Seller:      testSeller,
		BatchRef:    "batch-2026-001",
		Amount:      amount,
		ConfirmDays: days,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return escrow
}

// expire rewinds the confirmation deadline so claims succeed.
func (env *testEnv) expire(t *testing.T, id int64) {
	t.Helper()
	e, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	e.ConfirmDeadline = time.Now().Add(-time.Hour)
	if err := env.store.Update(context.Background(), e); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)

	escrow := env.create(t, "100.00", 2)

	if escrow.ID != 1 {
		t.Errorf("id = %d, want 1", escrow.ID)
	}
	if escrow.Status != StatusPending {
		t.Errorf("status = %s, want pending", escrow.Status)
	}
	if escrow.Disputed || escrow.FundsReleased {
		t.Error("new escrow must not be disputed or released")
	}
	if got := escrow.ConfirmDeadline.Sub(escrow.CreatedAt); got != 48*time.Hour {
		t.Errorf("confirmation window = %v, want 48h", got)
	}
	if env.gateway.count("lock") != 1 {
		t.Errorf("lock count = %d, want 1", env.gateway.count("lock"))
	}
	if !env.notifier.has(EventEscrowCreated) {
		t.Error("escrow.created event not emitted")
	}

	second := env.create(t, "5.00", 1)
	if second.ID != 2 {
		t.Errorf("ids not monotonic: second id = %d", second.ID)
	}
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"same parties", CreateRequest{Buyer: testBuyer, Seller: testBuyer, BatchRef: "b", Amount: "10", ConfirmDays: 2}},
		{"bad seller", CreateRequest{Buyer: testBuyer, Seller: "not-an-address", BatchRef: "b", Amount: "10", ConfirmDays: 2}},
		{"empty batch ref", CreateRequest{Buyer: testBuyer, Seller: testSeller, BatchRef: "  ", Amount: "10", ConfirmDays: 2}},
		{"zero amount", CreateRequest{Buyer: testBuyer, Seller: testSeller, BatchRef: "b", Amount: "0", ConfirmDays: 2}},
		{"negative amount", CreateRequest{Buyer: testBuyer, Seller: testSeller, BatchRef: "b", Amount: "-1", ConfirmDays: 2}},
		{"window too short", CreateRequest{Buyer: testBuyer, Seller: testSeller, BatchRef: "b", Amount: "10", ConfirmDays: 0}},
		{"window too long", CreateRequest{Buyer: testBuyer, Seller: testSeller, BatchRef: "b", Amount: "10", ConfirmDays: 366}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.service.Create(ctx, tt.req); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if len(env.gateway.transfers) != 0 {
		t.Errorf("rejected creates moved funds: %v", env.gateway.transfers)
	}
}

func TestCreate_LockFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.failLock = errors.New("insufficient funds")

	_, err := env.service.Create(context.Background(), CreateRequest{
		Buyer: testBuyer, Seller: testSeller, BatchRef: "b", Amount: "10", ConfirmDays: 2,
	})
	if err == nil {
		t.Fatal("expected error when lock fails")
	}
}

func TestConfirmDelivery(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)

	confirmed, err := env.service.ConfirmDelivery(context.Background(), escrow.ID, testBuyer)
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}

	if confirmed.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", confirmed.Status)
	}
	if !confirmed.FundsReleased {
		t.Error("FundsReleased not set")
	}
	if confirmed.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}

	release := env.gateway.last()
	if release.kind != "release" || release.from != testBuyer || release.to != testSeller || release.amount != "100.00" {
		t.Errorf("unexpected release: %+v", release)
	}
	if !env.notifier.has(EventEscrowConfirmed) || !env.notifier.has(EventFundsReleased) {
		t.Error("confirmation events not emitted")
	}
}

func TestConfirmDelivery_OnlyBuyer(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)

	for _, caller := range []string{testSeller, arb1} {
		if _, err := env.service.ConfirmDelivery(context.Background(), escrow.ID, caller); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("ConfirmDelivery by %s: expected ErrUnauthorized, got %v", caller, err)
		}
	}
	if env.gateway.count("release") != 0 {
		t.Error("unauthorized confirm moved funds")
	}
}

func TestConfirmDelivery_Twice(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	ctx := context.Background()

	if _, err := env.service.ConfirmDelivery(ctx, escrow.ID, testBuyer); err != nil {
		t.Fatalf("first confirm failed: %v", err)
	}
	if _, err := env.service.ConfirmDelivery(ctx, escrow.ID, testBuyer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second confirm: expected ErrInvalidState, got %v", err)
	}
	if env.gateway.count("release") != 1 {
		t.Errorf("release count = %d, want exactly 1", env.gateway.count("release"))
	}
}

func TestConfirmDelivery_NotFound(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.service.ConfirmDelivery(context.Background(), 999, testBuyer); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmDelivery_TransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	env.gateway.failRelease = errors.New("gateway down")

	if _, err := env.service.ConfirmDelivery(context.Background(), escrow.ID, testBuyer); err == nil {
		t.Fatal("expected error when transfer fails")
	}

	// The escrow must be exactly as it was before the call
	fresh, err := env.store.Get(context.Background(), escrow.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.Status != StatusPending {
		t.Errorf("status = %s after failed transfer, want pending", fresh.Status)
	}
	if fresh.FundsReleased {
		t.Error("FundsReleased set after failed transfer")
	}

	// And the operation must be retryable
	env.gateway.failRelease = nil
	if _, err := env.service.ConfirmDelivery(context.Background(), escrow.ID, testBuyer); err != nil {
		t.Fatalf("retry after transfer failure: %v", err)
	}
}

func TestClaimExpiredFunds(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "50.00", 1)
	ctx := context.Background()

	// Before the window lapses the claim is rejected
	if _, err := env.service.ClaimExpiredFunds(ctx, escrow.ID, testSeller); !errors.Is(err, ErrWindowNotExpired) {
		t.Errorf("expected ErrWindowNotExpired, got %v", err)
	}

	env.expire(t, escrow.ID)

	claimed, err := env.service.ClaimExpiredFunds(ctx, escrow.ID, testSeller)
	if err != nil {
		t.Fatalf("ClaimExpiredFunds failed: %v", err)
	}
	if claimed.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", claimed.Status)
	}
	if claimed.Resolution != "expired_claim" {
		t.Errorf("resolution = %s, want expired_claim", claimed.Resolution)
	}

	release := env.gateway.last()
	if release.kind != "release" || release.to != testSeller || release.amount != "50.00" {
		t.Errorf("unexpected release: %+v", release)
	}
}

func TestClaimExpiredFunds_OnlySeller(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.create(t, "50.00", 1)
	env.expire(t, escrow.ID)

	if _, err := env.service.ClaimExpiredFunds(context.Background(), escrow.ID, testBuyer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	// At most one of confirm/claim/dispute succeeds for a given escrow
	env := newTestEnv(t)
	escrow := env.create(t, "100.00", 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		_, err := env.service.ConfirmDelivery(ctx, escrow.ID, testBuyer)
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.service.InitiateDispute(ctx, escrow.ID, testBuyer, "item mismatch")
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.service.InitiateDispute(ctx, escrow.ID, testSeller, "payment stalled")
		results <- err
	}()
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInvalidState) {
			t.Errorf("concurrent loser got %v, want ErrInvalidState", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent transitions succeeded, want exactly 1", succeeded)
	}
	if env.gateway.count("release") > 1 {
		t.Errorf("funds released %d times", env.gateway.count("release"))
	}
}

func TestListByParty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.create(t, fmt.Sprintf("%d.00", 10+i), 2)
	}

	escrows, err := env.service.ListByParty(ctx, testBuyer, 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(escrows) != 3 {
		t.Fatalf("len = %d, want 3", len(escrows))
	}
	if escrows[0].ID != 3 {
		t.Errorf("not newest first: first id = %d", escrows[0].ID)
	}

	none, err := env.service.ListByParty(ctx, arb1, 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("uninvolved party sees %d escrows", len(none))
	}
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t)

	if err := env.service.UpdateSettings(Settings{PanelSize: 5, MinConfirmDays: 2, MaxConfirmDays: 30, ArbitrationFee: "1.50"}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if got := env.service.Settings().PanelSize; got != 5 {
		t.Errorf("panel size = %d, want 5", got)
	}

	bad := []Settings{
		{PanelSize: 2, MinConfirmDays: 1, MaxConfirmDays: 30, ArbitrationFee: "0"},  // even
		{PanelSize: 1, MinConfirmDays: 1, MaxConfirmDays: 30, ArbitrationFee: "0"},  // too small
		{PanelSize: 3, MinConfirmDays: 0, MaxConfirmDays: 30, ArbitrationFee: "0"},  // min < 1
		{PanelSize: 3, MinConfirmDays: 5, MaxConfirmDays: 4, ArbitrationFee: "0"},   // max < min
		{PanelSize: 3, MinConfirmDays: 1, MaxConfirmDays: 400, ArbitrationFee: "0"}, // max > 365
		{PanelSize: 3, MinConfirmDays: 1, MaxConfirmDays: 30, ArbitrationFee: "-1"}, // negative fee
	}
	for i, s := range bad {
		if err := env.service.UpdateSettings(s); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("settings[%d]: expected ErrInvalidInput, got %v", i, err)
		}
	}

	// New window bounds apply to subsequent creates
	if _, err := env.service.Create(context.Background(), CreateRequest{
		Buyer: testBuyer, Seller: testSeller, BatchRef: "b", Amount: "10", ConfirmDays: 1,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("create below new min window: expected ErrInvalidInput, got %v", err)
	}
}
