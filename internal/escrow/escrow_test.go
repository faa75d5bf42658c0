package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/meridianpay/meridian/internal/token"
)

// mockLedger records balance movements without a real ledger.
type mockLedger struct {
	mu      sync.Mutex
	locks   []string
	settles []string
	refunds []string
	failOn  string
}

func (m *mockLedger) Lock(ctx context.Context, buyer string, amount *big.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "lock" {
		return errors.New("ledger unavailable")
	}
	m.locks = append(m.locks, ref)
	return nil
}

func (m *mockLedger) Settle(ctx context.Context, buyer, seller string, amount, fee *big.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "settle" {
		return errors.New("ledger unavailable")
	}
	m.settles = append(m.settles, ref)
	return nil
}

func (m *mockLedger) Refund(ctx context.Context, buyer string, amount *big.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "refund" {
		return errors.New("ledger unavailable")
	}
	m.refunds = append(m.refunds, ref)
	return nil
}

const (
	buyer  = "0xbuyer00000000000000000000000000000000000"
	seller = "0xseller0000000000000000000000000000000000"
)

func newTestService(t *testing.T) (*Service, *mockLedger, *time.Time) {
	t.Helper()
	ledger := &mockLedger{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := NewService(NewMemoryStore(), ledger, DefaultConfig(), slog.Default())
	svc.WithClock(func() time.Time { return *clock })
	return svc, ledger, clock
}

func mustCreate(t *testing.T, svc *Service) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), buyer, seller, token.MustParse("100"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func TestCreateComputesFeeAndExpiry(t *testing.T) {
	svc, ledger, clock := newTestService(t)
	e := mustCreate(t, svc)

	if got := token.Format(e.Fee); got != "2" {
		t.Errorf("fee = %s, want 2 (200bps of 100)", got)
	}
	if want := clock.Add(48 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", e.ExpiresAt, want)
	}
	if e.Status != StatusCreated {
		t.Errorf("status = %s, want created", e.Status)
	}
	if len(ledger.locks) != 1 || ledger.locks[0] != e.ID {
		t.Errorf("expected one lock referencing %s, got %v", e.ID, ledger.locks)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, buyer, buyer, token.MustParse("100"), ""); !errors.Is(err, ErrInvalidParty) {
		t.Errorf("self-dealing: got %v", err)
	}
	if _, err := svc.Create(ctx, buyer, seller, big.NewInt(0), ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := svc.Create(ctx, buyer, seller, nil, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("nil amount: got %v", err)
	}
}

func TestCreateUnwindsLockOnStoreFailure(t *testing.T) {
	ledger := &mockLedger{}
	svc := NewService(failingStore{}, ledger, DefaultConfig(), slog.Default())

	_, err := svc.Create(context.Background(), buyer, seller, token.MustParse("100"), "")
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if len(ledger.refunds) != 1 {
		t.Errorf("expected the lock to be unwound, refunds = %v", ledger.refunds)
	}
}

type failingStore struct{}

func (failingStore) Create(context.Context, *Escrow) error { return errors.New("db down") }
func (failingStore) Get(context.Context, string) (*Escrow, error) {
	return nil, errors.New("db down")
}
func (failingStore) UpdateStatus(context.Context, string, Status, Status, Fields) error {
	return errors.New("db down")
}
func (failingStore) ListByParty(context.Context, string, int) ([]*Escrow, error) { return nil, nil }
func (failingStore) ListClaimedBefore(context.Context, time.Time, int) ([]*Escrow, error) {
	return nil, nil
}
func (failingStore) ListByStatus(context.Context, Status, int) ([]*Escrow, error) { return nil, nil }

func TestConfirmDelivery(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	if _, err := svc.ConfirmDelivery(ctx, e.ID, seller); !errors.Is(err, ErrNotBuyer) {
		t.Errorf("seller confirming: got %v", err)
	}

	done, err := svc.ConfirmDelivery(ctx, e.ID, buyer)
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if len(ledger.settles) != 1 {
		t.Errorf("expected one settle, got %v", ledger.settles)
	}

	// Terminal states are absolute.
	if _, err := svc.ConfirmDelivery(ctx, e.ID, buyer); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("double confirm: got %v", err)
	}
	if _, err := svc.Cancel(ctx, e.ID, buyer); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("cancel after complete: got %v", err)
	}
	if _, err := svc.OpenDispute(ctx, e.ID, buyer, "x"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("dispute after complete: got %v", err)
	}
}

func TestCancelRequiresExpiry(t *testing.T) {
	svc, ledger, clock := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	if _, err := svc.Cancel(ctx, e.ID, seller); !errors.Is(err, ErrNotBuyer) {
		t.Errorf("seller cancelling: got %v", err)
	}
	if _, err := svc.Cancel(ctx, e.ID, buyer); !errors.Is(err, ErrNotExpired) {
		t.Errorf("cancel before expiry: got %v", err)
	}

	// Exactly at expiry is still too early. Strictly after works.
	*clock = e.ExpiresAt
	if _, err := svc.Cancel(ctx, e.ID, buyer); !errors.Is(err, ErrNotExpired) {
		t.Errorf("cancel at expiry instant: got %v", err)
	}

	*clock = e.ExpiresAt.Add(time.Second)
	cancelled, err := svc.Cancel(ctx, e.ID, buyer)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if len(ledger.refunds) != 1 {
		t.Errorf("expected one full refund, got %v", ledger.refunds)
	}
	if len(ledger.settles) != 0 {
		t.Errorf("cancel must not settle a fee, settles = %v", ledger.settles)
	}
}

func TestClaimBlocksCancelForever(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	if _, err := svc.SubmitDeliveryProof(ctx, e.ID, buyer); !errors.Is(err, ErrNotSeller) {
		t.Errorf("buyer claiming: got %v", err)
	}
	if _, err := svc.SubmitDeliveryProof(ctx, e.ID, seller); err != nil {
		t.Fatalf("SubmitDeliveryProof failed: %v", err)
	}
	if _, err := svc.SubmitDeliveryProof(ctx, e.ID, seller); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("double claim: got %v", err)
	}

	// Even long past expiry, a claimed escrow cannot be cancelled.
	*clock = e.ExpiresAt.Add(720 * time.Hour)
	if _, err := svc.Cancel(ctx, e.ID, buyer); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("cancel after claim: got %v", err)
	}
}

func TestAutoCompleteWindow(t *testing.T) {
	svc, ledger, clock := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	if _, err := svc.AutoComplete(ctx, e.ID); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("auto-complete without claim: got %v", err)
	}

	claimed, err := svc.SubmitDeliveryProof(ctx, e.ID, seller)
	if err != nil {
		t.Fatalf("SubmitDeliveryProof failed: %v", err)
	}

	*clock = claimed.SellerClaimTime.Add(24*time.Hour - time.Second)
	if _, err := svc.AutoComplete(ctx, e.ID); !errors.Is(err, ErrClaimWindowOpen) {
		t.Errorf("auto-complete inside window: got %v", err)
	}

	// The boundary is inclusive: exactly 24h after the claim qualifies.
	*clock = claimed.SellerClaimTime.Add(24 * time.Hour)
	done, err := svc.AutoComplete(ctx, e.ID)
	if err != nil {
		t.Fatalf("AutoComplete failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if len(ledger.settles) != 1 {
		t.Errorf("expected one settle, got %v", ledger.settles)
	}
}

func TestDisputeFreezesEscrow(t *testing.T) {
	svc, ledger, clock := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	if _, err := svc.OpenDispute(ctx, e.ID, "0xrando", "bad work"); !errors.Is(err, ErrNotParty) {
		t.Errorf("third party disputing: got %v", err)
	}

	disputed, err := svc.OpenDispute(ctx, e.ID, buyer, "deliverable never arrived")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("status = %s, want disputed", disputed.Status)
	}

	// Frozen: no settlement, no cancellation, not even past expiry.
	if _, err := svc.ConfirmDelivery(ctx, e.ID, buyer); !errors.Is(err, ErrNotPending) {
		t.Errorf("confirm while disputed: got %v", err)
	}
	*clock = e.ExpiresAt.Add(time.Hour)
	if _, err := svc.Cancel(ctx, e.ID, buyer); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel while disputed: got %v", err)
	}

	// Only the operator escape valve can move it, and it refunds in full.
	resolved, err := svc.ResolveDispute(ctx, e.ID)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded", resolved.Status)
	}
	if len(ledger.refunds) != 1 {
		t.Errorf("expected one refund, got %v", ledger.refunds)
	}
}

func TestDisputeAfterClaim(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	if _, err := svc.SubmitDeliveryProof(ctx, e.ID, seller); err != nil {
		t.Fatalf("SubmitDeliveryProof failed: %v", err)
	}
	// The buyer can still dispute a claimed escrow before it settles.
	if _, err := svc.OpenDispute(ctx, e.ID, buyer, "work is wrong"); err != nil {
		t.Fatalf("OpenDispute after claim failed: %v", err)
	}
	// A frozen escrow never auto-completes, no matter how long passes.
	if _, err := svc.AutoComplete(ctx, e.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("auto-complete while disputed: got %v", err)
	}
}

// completedWriteFailingStore rejects the transition into completed, leaving
// the escrow parked in the settling gate.
type completedWriteFailingStore struct {
	*MemoryStore
}

func (s *completedWriteFailingStore) UpdateStatus(ctx context.Context, id string, from, to Status, fields Fields) error {
	if to == StatusCompleted {
		return errors.New("db down")
	}
	return s.MemoryStore.UpdateStatus(ctx, id, from, to, fields)
}

func TestFailedCompletionWriteNeverSettlesTwice(t *testing.T) {
	store := &completedWriteFailingStore{MemoryStore: NewMemoryStore()}
	ledger := &mockLedger{}
	svc := NewService(store, ledger, DefaultConfig(), slog.Default())
	ctx := context.Background()

	e, err := svc.Create(ctx, buyer, seller, token.MustParse("100"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.ConfirmDelivery(ctx, e.ID, buyer); err == nil {
		t.Fatal("expected error from failing status write")
	}
	if len(ledger.settles) != 1 {
		t.Fatalf("ledger settled %d times, want 1", len(ledger.settles))
	}

	// The escrow is stuck in the settling gate: a retried confirmation
	// must not pay the seller a second time.
	if _, err := svc.ConfirmDelivery(ctx, e.ID, buyer); !errors.Is(err, ErrNotPending) {
		t.Errorf("retry after stranded settle: got %v, want ErrNotPending", err)
	}
	if len(ledger.settles) != 1 {
		t.Errorf("ledger settled %d times after retry, want 1", len(ledger.settles))
	}
}

func TestSettleFailureReopensEscrow(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	ledger.failOn = "settle"
	if _, err := svc.ConfirmDelivery(ctx, e.ID, buyer); err == nil {
		t.Fatal("expected settle failure")
	}

	// No funds moved, so the gate is reverted and the escrow stays usable.
	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCreated {
		t.Errorf("status after failed settle = %s, want created", got.Status)
	}

	ledger.failOn = ""
	done, err := svc.ConfirmDelivery(ctx, e.ID, buyer)
	if err != nil {
		t.Fatalf("retry after ledger recovery failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if len(ledger.settles) != 1 {
		t.Errorf("expected exactly one settle, got %v", ledger.settles)
	}
}

func TestConcurrentModificationDetected(t *testing.T) {
	store := NewMemoryStore()
	ledger := &mockLedger{}
	svc := NewService(store, ledger, DefaultConfig(), slog.Default())
	ctx := context.Background()

	e, err := svc.Create(ctx, buyer, seller, token.MustParse("50"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate a competing transition landing between read and write.
	if err := store.UpdateStatus(ctx, e.ID, StatusCreated, StatusDisputed, Fields{}); err != nil {
		t.Fatalf("setup transition failed: %v", err)
	}
	err = store.UpdateStatus(ctx, e.ID, StatusCreated, StatusCompleted, Fields{})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale transition: got %v, want ErrConcurrentModification", err)
	}
}

func TestMarkFundedIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	funded, err := svc.MarkFunded(ctx, e.ID, 42, "0xabc")
	if err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}
	if funded.Status != StatusFunded || funded.OnChainID != 42 {
		t.Errorf("funded = %+v", funded)
	}

	// A second confirmation of the same funding is a no-op, not an error.
	again, err := svc.MarkFunded(ctx, e.ID, 42, "0xabc")
	if err != nil {
		t.Fatalf("second MarkFunded failed: %v", err)
	}
	if again.Status != StatusFunded {
		t.Errorf("status = %s, want funded", again.Status)
	}
}

func TestViewGuards(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc)

	v, err := svc.GetView(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetView failed: %v", err)
	}
	if v.CanCancel || v.CanAutoComplete {
		t.Errorf("fresh escrow guards: canCancel=%v canAutoComplete=%v", v.CanCancel, v.CanAutoComplete)
	}
	if v.Amount != "100" || v.Fee != "2" {
		t.Errorf("amounts = %s / %s", v.Amount, v.Fee)
	}

	*clock = e.ExpiresAt.Add(time.Minute)
	v, _ = svc.GetView(ctx, e.ID)
	if !v.CanCancel {
		t.Error("expired unclaimed escrow should report canCancel")
	}
}
