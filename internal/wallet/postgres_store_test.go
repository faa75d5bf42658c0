//go:build integration

package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianpay/meridian/internal/idgen"
	"github.com/meridianpay/meridian/internal/testutil"
	"github.com/meridianpay/meridian/internal/token"
)

func newTestWallet() *Wallet {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Wallet{
		ID:            idgen.WithPrefix("wal_"),
		Owner:         "0x1111111111111111111111111111111111111111",
		Agent:         "0x3333333333333333333333333333333333333333",
		Balance:       token.MustParse("500"),
		DailyLimit:    token.MustParse("100"),
		SpentToday:    token.MustParse("0"),
		TotalSpent:    token.MustParse("0"),
		LastResetTime: now,
		Active:        true,
		Operators:     map[string]bool{"0x4444444444444444444444444444444444444444": true},
		Whitelist:     map[string]bool{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	w := newTestWallet()
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Owner != w.Owner || got.Agent != w.Agent {
		t.Errorf("owner/agent = %s/%s", got.Owner, got.Agent)
	}
	if token.Format(got.Balance) != "500" || token.Format(got.DailyLimit) != "100" {
		t.Errorf("balance/limit = %s/%s, want 500/100",
			token.Format(got.Balance), token.Format(got.DailyLimit))
	}
	if !got.Operators["0x4444444444444444444444444444444444444444"] {
		t.Error("operator set not persisted")
	}
	if !got.Active {
		t.Error("active flag not persisted")
	}

	if _, err := store.Get(ctx, "wal_missing"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("Get missing = %v, want ErrWalletNotFound", err)
	}
}

func TestPostgresStore_Update(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	w := newTestWallet()
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w.Balance = token.MustParse("400")
	w.SpentToday = token.MustParse("100")
	w.TotalSpent = token.MustParse("100")
	w.TransactionCount = 1
	w.OnChainID = 7
	w.Whitelist["0x5555555555555555555555555555555555555555"] = true
	if err := store.Update(ctx, w); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get(ctx, w.ID)
	if token.Format(got.Balance) != "400" || got.TransactionCount != 1 || got.OnChainID != 7 {
		t.Errorf("after update = %s/%d/%d", token.Format(got.Balance), got.TransactionCount, got.OnChainID)
	}
	if !got.Whitelist["0x5555555555555555555555555555555555555555"] {
		t.Error("whitelist update not persisted")
	}
}

func TestPostgresStore_ListByOwner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first := newTestWallet()
	second := newTestWallet()
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.ListByOwner(ctx, first.Owner)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListByOwner returned %d wallets, want 2", len(got))
	}
}
