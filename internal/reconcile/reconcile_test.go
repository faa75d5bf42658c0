package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/meridianpay/meridian/internal/chain"
	"github.com/meridianpay/meridian/internal/escrow"
	"github.com/meridianpay/meridian/internal/ledger"
	"github.com/meridianpay/meridian/internal/settlement"
	"github.com/meridianpay/meridian/internal/token"
	"github.com/meridianpay/meridian/internal/wallet"
)

const (
	buyer   = "0x1111111111111111111111111111111111111111"
	seller  = "0x2222222222222222222222222222222222222222"
	feeSink = "0xfee0000000000000000000000000000000000000"
)

type mockChecker struct {
	receipts map[string]*chain.Receipt
	errs     map[string]error
}

func (m *mockChecker) CheckConfirmed(ctx context.Context, txHash, event string) (*chain.Receipt, error) {
	if err, ok := m.errs[txHash]; ok {
		return nil, err
	}
	if r, ok := m.receipts[txHash]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: tx %s not yet mined", chain.ErrConfirmTimeout, txHash)
}

type fixture struct {
	reconciler *Reconciler
	pending    *settlement.MemoryPendingStore
	escrows    *escrow.Service
	wallets    *wallet.Service
	ledger     *ledger.Ledger
	checker    *mockChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	led := ledger.New(ledger.NewMemoryStore(), feeSink)
	escrows := escrow.NewService(escrow.NewMemoryStore(), led, escrow.DefaultConfig(), logger)
	wallets := wallet.NewService(wallet.NewMemoryStore(), led, 200, logger)
	pending := settlement.NewMemoryPendingStore()
	checker := &mockChecker{
		receipts: make(map[string]*chain.Receipt),
		errs:     make(map[string]error),
	}
	return &fixture{
		reconciler: New(pending, checker, escrows, wallets, time.Minute, time.Hour, logger),
		pending:    pending,
		escrows:    escrows,
		wallets:    wallets,
		ledger:     led,
		checker:    checker,
	}
}

func (fx *fixture) newEscrow(t *testing.T) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	if err := fx.ledger.Deposit(ctx, buyer, token.MustParse("100"), "seed"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	e, err := fx.escrows.Create(ctx, buyer, seller, token.MustParse("100"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func (fx *fixture) track(t *testing.T, p *settlement.PendingTx) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if err := fx.pending.Put(context.Background(), p); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func (fx *fixture) pendingCount(t *testing.T) int {
	t.Helper()
	txs, err := fx.pending.List(context.Background(), 100)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return len(txs)
}

func TestSweepAppliesFund(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	e := fx.newEscrow(t)

	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xfund",
		Intent:   settlement.IntentFund,
		Event:    chain.EventEscrowCreated,
		EscrowID: e.ID,
	})
	fx.checker.receipts["0xfund"] = &chain.Receipt{
		TxHash: "0xfund", Event: chain.EventEscrowCreated, EventID: 42, BlockNumber: 10,
	}

	fx.reconciler.Sweep(ctx)

	got, _ := fx.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusFunded || got.OnChainID != 42 {
		t.Errorf("escrow after sweep = %s/%d, want funded/42", got.Status, got.OnChainID)
	}
	if n := fx.pendingCount(t); n != 0 {
		t.Errorf("pending after sweep = %d, want 0", n)
	}
}

func TestSweepAppliesRelease(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	e := fx.newEscrow(t)
	if _, err := fx.escrows.MarkFunded(ctx, e.ID, 42, "0xfund"); err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}

	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xrel",
		Intent:   settlement.IntentRelease,
		Event:    chain.EventEscrowCompleted,
		EscrowID: e.ID,
	})
	fx.checker.receipts["0xrel"] = &chain.Receipt{
		TxHash: "0xrel", Event: chain.EventEscrowCompleted, EventID: 42, BlockNumber: 11,
	}

	fx.reconciler.Sweep(ctx)

	got, _ := fx.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusCompleted || got.TxHashRelease != "0xrel" {
		t.Errorf("escrow after sweep = %s/%q", got.Status, got.TxHashRelease)
	}
	// The chain decided; the mirror settles the 98/2 split on reconciliation.
	acct, err := fx.ledger.GetAccount(ctx, seller)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if gotBal := token.Format(acct.Available); gotBal != "98" {
		t.Errorf("seller balance = %s, want 98", gotBal)
	}
}

func TestSweepLeavesUnminedUntilMaxAge(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	e := fx.newEscrow(t)

	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xslow",
		Intent:   settlement.IntentFund,
		Event:    chain.EventEscrowCreated,
		EscrowID: e.ID,
	})

	// Still unmined and still fresh: the record must survive the sweep.
	fx.reconciler.Sweep(ctx)
	if n := fx.pendingCount(t); n != 1 {
		t.Fatalf("pending after fresh sweep = %d, want 1", n)
	}

	// Past max age it is escalated and dropped.
	fx.track(t, &settlement.PendingTx{
		TxHash:    "0xslow",
		Intent:    settlement.IntentFund,
		Event:     chain.EventEscrowCreated,
		EscrowID:  e.ID,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	fx.reconciler.Sweep(ctx)
	if n := fx.pendingCount(t); n != 0 {
		t.Errorf("pending after max-age sweep = %d, want 0", n)
	}
	got, _ := fx.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusCreated {
		t.Errorf("escalation must not advance the mirror, status = %s", got.Status)
	}
}

func TestSweepDropsReverted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	e := fx.newEscrow(t)

	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xrev",
		Intent:   settlement.IntentFund,
		Event:    chain.EventEscrowCreated,
		EscrowID: e.ID,
	})
	fx.checker.errs["0xrev"] = fmt.Errorf("%w: tx 0xrev", chain.ErrTxReverted)

	fx.reconciler.Sweep(ctx)
	if n := fx.pendingCount(t); n != 0 {
		t.Errorf("pending after reverted sweep = %d, want 0", n)
	}
	got, _ := fx.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusCreated {
		t.Errorf("reverted fund must not advance the mirror, status = %s", got.Status)
	}
}

func TestSweepEscalatesMissingEvent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	e := fx.newEscrow(t)

	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xnoev",
		Intent:   settlement.IntentFund,
		Event:    chain.EventEscrowCreated,
		EscrowID: e.ID,
	})
	fx.checker.errs["0xnoev"] = fmt.Errorf("%w: EscrowCreated in tx 0xnoev", chain.ErrEventNotFound)

	fx.reconciler.Sweep(ctx)
	if n := fx.pendingCount(t); n != 0 {
		t.Errorf("pending after missing-event sweep = %d, want 0", n)
	}
}

func TestSweepEscalatesUnappliedOutcome(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A confirmed receipt whose mirror application keeps failing: the
	// escrow it names does not exist.
	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xstuck",
		Intent:   settlement.IntentFund,
		Event:    chain.EventEscrowCreated,
		EscrowID: "esc_missing",
	})
	fx.checker.receipts["0xstuck"] = &chain.Receipt{
		TxHash: "0xstuck", Event: chain.EventEscrowCreated, EventID: 9, BlockNumber: 12,
	}

	// Fresh records are retried on later passes.
	fx.reconciler.Sweep(ctx)
	if n := fx.pendingCount(t); n != 1 {
		t.Fatalf("pending after fresh sweep = %d, want 1", n)
	}

	// Past max age the record is escalated instead of re-polled forever.
	fx.track(t, &settlement.PendingTx{
		TxHash:    "0xstuck",
		Intent:    settlement.IntentFund,
		Event:     chain.EventEscrowCreated,
		EscrowID:  "esc_missing",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	fx.reconciler.Sweep(ctx)
	if n := fx.pendingCount(t); n != 0 {
		t.Errorf("pending after max-age sweep = %d, want 0", n)
	}
}

func TestSweepAppliesWalletIntents(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w, err := fx.wallets.Create(ctx, buyer, "", token.MustParse("1000"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := fx.wallets.Deposit(ctx, w.ID, token.MustParse("500")); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xwal",
		Intent:   settlement.IntentWallet,
		Event:    chain.EventWalletCreated,
		WalletID: w.ID,
	})
	fx.track(t, &settlement.PendingTx{
		TxHash:   "0xxfer",
		Intent:   settlement.IntentTransfer,
		Event:    chain.EventAgentTransfer,
		WalletID: w.ID,
		Caller:   buyer,
		To:       seller,
		Amount:   token.MustParse("100").String(),
	})
	fx.checker.receipts["0xwal"] = &chain.Receipt{
		TxHash: "0xwal", Event: chain.EventWalletCreated, EventID: 7,
	}
	fx.checker.receipts["0xxfer"] = &chain.Receipt{
		TxHash: "0xxfer", Event: chain.EventAgentTransfer, EventID: 7,
	}

	fx.reconciler.Sweep(ctx)

	got, _ := fx.wallets.Get(ctx, w.ID)
	if got.OnChainID != 7 {
		t.Errorf("onChainId = %d, want 7", got.OnChainID)
	}
	if gotBal := token.Format(got.Balance); gotBal != "400" {
		t.Errorf("wallet balance = %s, want 400", gotBal)
	}
	if n := fx.pendingCount(t); n != 0 {
		t.Errorf("pending after sweep = %d, want 0", n)
	}
}

func TestUnknownIntent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.track(t, &settlement.PendingTx{
		TxHash: "0xbogus",
		Intent: "time_travel",
		Event:  chain.EventEscrowCreated,
	})
	fx.checker.receipts["0xbogus"] = &chain.Receipt{TxHash: "0xbogus"}

	fx.reconciler.Sweep(ctx)
	// Unknown intents are never silently dropped.
	if n := fx.pendingCount(t); n != 1 {
		t.Errorf("pending after unknown-intent sweep = %d, want 1", n)
	}
}
