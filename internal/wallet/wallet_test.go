package wallet

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

type mockLedger struct {
	mu        sync.Mutex
	transfers map[string]*big.Int
	fees      *big.Int
	failNext  bool
}

func newMockLedger() *mockLedger {
	return &mockLedger{transfers: make(map[string]*big.Int), fees: new(big.Int)}
}

func (m *mockLedger) Transfer(ctx context.Context, to string, net, fee *big.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("ledger unavailable")
	}
	cur, ok := m.transfers[to]
	if !ok {
		cur = new(big.Int)
		m.transfers[to] = cur
	}
	cur.Add(cur, net)
	m.fees.Add(m.fees, fee)
	return nil
}

const (
	owner     = "0xowner00000000000000000000000000000000000"
	operator  = "0xoperator000000000000000000000000000000000"
	recipient = "0xrecipient00000000000000000000000000000000"
)

func newTestService(t *testing.T) (*Service, *mockLedger, *time.Time) {
	t.Helper()
	ledger := newMockLedger()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := NewService(NewMemoryStore(), ledger, 200, slog.Default())
	svc.WithClock(func() time.Time { return *clock })
	return svc, ledger, clock
}

func fundedWallet(t *testing.T, svc *Service, limit, balance string, whitelist bool) *Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := svc.Create(ctx, owner, "", token.MustParse(limit), whitelist)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Deposit(ctx, w.ID, token.MustParse(balance)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	return w
}

func TestTransferDeductsFee(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "1000", "500", false)

	receipt, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("100"), "api call")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if receipt.Fee != "2" || receipt.Net != "98" {
		t.Errorf("receipt fee/net = %s/%s, want 2/98", receipt.Fee, receipt.Net)
	}
	if got := token.Format(ledger.transfers[recipient]); got != "98" {
		t.Errorf("recipient credited %s, want 98", got)
	}
	if got := token.Format(ledger.fees); got != "2" {
		t.Errorf("fee sink credited %s, want 2", got)
	}

	// The full amount leaves the wallet even though the recipient nets less.
	updated, _ := svc.Get(ctx, w.ID)
	if got := token.Format(updated.Balance); got != "400" {
		t.Errorf("wallet balance = %s, want 400", got)
	}
	if updated.TransactionCount != 1 {
		t.Errorf("transactionCount = %d, want 1", updated.TransactionCount)
	}
	if got := token.Format(updated.TotalSpent); got != "100" {
		t.Errorf("totalSpent = %s, want 100", got)
	}
}

func TestFailedCreditRevertsDebit(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "1000", "500", false)

	ledger.failNext = true
	if _, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("100"), ""); err == nil {
		t.Fatal("expected credit failure")
	}

	// The debit is rolled back, so neither side of the mirror moved.
	updated, _ := svc.Get(ctx, w.ID)
	if got := token.Format(updated.Balance); got != "500" {
		t.Errorf("balance after failed credit = %s, want 500", got)
	}
	if got := token.Format(updated.SpentToday); got != "0" {
		t.Errorf("spentToday after failed credit = %s, want 0", got)
	}
	if updated.TransactionCount != 0 {
		t.Errorf("transactionCount = %d, want 0", updated.TransactionCount)
	}
	if ledger.transfers[recipient] != nil {
		t.Errorf("recipient credited %s after failure, want nothing",
			token.Format(ledger.transfers[recipient]))
	}

	// A retry lands exactly one credit.
	if _, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("100"), ""); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := token.Format(ledger.transfers[recipient]); got != "98" {
		t.Errorf("recipient credited %s, want 98", got)
	}
	if got := token.Format(ledger.fees); got != "2" {
		t.Errorf("fee sink credited %s, want 2", got)
	}
	updated, _ = svc.Get(ctx, w.ID)
	if got := token.Format(updated.Balance); got != "400" {
		t.Errorf("balance after retry = %s, want 400", got)
	}
}

func TestCheckTransferMutatesNothing(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "1000", "500", false)

	if err := svc.CheckTransfer(ctx, w.ID, operator, recipient, token.MustParse("10")); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("stranger check: got %v", err)
	}
	if err := svc.CheckTransfer(ctx, w.ID, owner, recipient, token.MustParse("501")); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraft check: got %v", err)
	}
	if err := svc.CheckTransfer(ctx, w.ID, owner, recipient, token.MustParse("100")); err != nil {
		t.Errorf("valid check: got %v", err)
	}

	// A passing check is purely a projection.
	updated, _ := svc.Get(ctx, w.ID)
	if got := token.Format(updated.Balance); got != "500" {
		t.Errorf("balance after checks = %s, want 500", got)
	}
	if got := token.Format(updated.SpentToday); got != "0" {
		t.Errorf("spentToday after checks = %s, want 0", got)
	}
	if len(ledger.transfers) != 0 {
		t.Errorf("ledger credited during check: %v", ledger.transfers)
	}
}

func TestDailyLimitEnforced(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "100", "1000", false)

	if _, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("60"), ""); err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	// 60 spent, 40 remaining. Exactly hitting the limit is allowed.
	if _, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("40"), ""); err != nil {
		t.Fatalf("limit-exact transfer failed: %v", err)
	}
	_, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("1"), "")
	if !errors.Is(err, ErrDailyLimitExceeded) {
		t.Errorf("over-limit transfer: got %v", err)
	}

	// A rejected transfer mutates nothing.
	updated, _ := svc.Get(ctx, w.ID)
	if got := token.Format(updated.SpentToday); got != "100" {
		t.Errorf("spentToday after rejection = %s, want 100", got)
	}

	// Crossing the day boundary resets the window before the next check.
	*clock = clock.Add(24 * time.Hour)
	if _, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("100"), ""); err != nil {
		t.Fatalf("transfer after day rollover failed: %v", err)
	}
	updated, _ = svc.Get(ctx, w.ID)
	if got := token.Format(updated.SpentToday); got != "100" {
		t.Errorf("spentToday after rollover = %s, want 100", got)
	}
	if got := token.Format(updated.TotalSpent); got != "200" {
		t.Errorf("totalSpent = %s, want 200 (rollover must not reset lifetime stats)", got)
	}
}

func TestWhitelist(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "1000", "500", true)

	_, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("10"), "")
	if !errors.Is(err, ErrRecipientNotApproved) {
		t.Errorf("unapproved recipient: got %v", err)
	}

	if err := svc.ApproveRecipient(ctx, w.ID, owner, recipient); err != nil {
		t.Fatalf("ApproveRecipient failed: %v", err)
	}
	if _, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("10"), ""); err != nil {
		t.Fatalf("approved transfer failed: %v", err)
	}

	if err := svc.RevokeRecipient(ctx, w.ID, owner, recipient); err != nil {
		t.Fatalf("RevokeRecipient failed: %v", err)
	}
	_, err = svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("10"), "")
	if !errors.Is(err, ErrRecipientNotApproved) {
		t.Errorf("revoked recipient: got %v", err)
	}
}

func TestOperatorAuthorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "1000", "500", false)

	_, err := svc.Transfer(ctx, w.ID, operator, recipient, token.MustParse("10"), "")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("unregistered operator: got %v", err)
	}

	// Operators may spend but not administer.
	if err := svc.AddOperator(ctx, w.ID, owner, operator); err != nil {
		t.Fatalf("AddOperator failed: %v", err)
	}
	if _, err := svc.Transfer(ctx, w.ID, operator, recipient, token.MustParse("10"), ""); err != nil {
		t.Fatalf("operator transfer failed: %v", err)
	}
	if err := svc.AddOperator(ctx, w.ID, operator, "0xother"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("operator adding operator: got %v", err)
	}
	if _, err := svc.Withdraw(ctx, w.ID, operator, token.MustParse("10")); !errors.Is(err, ErrNotOwner) {
		t.Errorf("operator withdrawing: got %v", err)
	}

	if err := svc.RemoveOperator(ctx, w.ID, owner, operator); err != nil {
		t.Fatalf("RemoveOperator failed: %v", err)
	}
	_, err = svc.Transfer(ctx, w.ID, operator, recipient, token.MustParse("10"), "")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("removed operator: got %v", err)
	}
}

func TestInsufficientBalance(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "1000", "50", false)

	_, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("51"), "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraft transfer: got %v", err)
	}
	_, err = svc.Withdraw(ctx, w.ID, owner, token.MustParse("51"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraft withdraw: got %v", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "1000", "500", false)

	if _, err := svc.EmergencyWithdraw(ctx, w.ID, operator); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner emergency withdraw: got %v", err)
	}

	drained, err := svc.EmergencyWithdraw(ctx, w.ID, owner)
	if err != nil {
		t.Fatalf("EmergencyWithdraw failed: %v", err)
	}
	if got := token.Format(drained); got != "500" {
		t.Errorf("drained = %s, want 500", got)
	}

	// Drain and deactivation are one step: the wallet is unusable after.
	updated, _ := svc.Get(ctx, w.ID)
	if updated.Active {
		t.Error("wallet still active after emergency withdraw")
	}
	if updated.Balance.Sign() != 0 {
		t.Errorf("balance = %s, want 0", token.Format(updated.Balance))
	}
	if _, err := svc.Transfer(ctx, w.ID, owner, recipient, token.MustParse("1"), ""); !errors.Is(err, ErrWalletInactive) {
		t.Errorf("transfer from drained wallet: got %v", err)
	}
	if _, err := svc.Deposit(ctx, w.ID, token.MustParse("1")); !errors.Is(err, ErrWalletInactive) {
		t.Errorf("deposit to drained wallet: got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, owner, "", big.NewInt(0), false); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("zero limit: got %v", err)
	}
	if _, err := svc.Create(ctx, owner, "", nil, false); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("nil limit: got %v", err)
	}
}
