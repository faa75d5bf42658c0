// Package wallet implements spend-guarded sub-accounts for autonomous
// agents: per-day spending ceilings, optional recipient whitelists, and an
// owner-only emergency drain.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/meridianpay/meridian/internal/idgen"
	"github.com/meridianpay/meridian/internal/metrics"
	"github.com/meridianpay/meridian/internal/policy"
	"github.com/meridianpay/meridian/internal/token"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")

	// Validation
	ErrInvalidAmount = errors.New("invalid transfer amount")
	ErrInvalidLimit  = errors.New("invalid daily limit")

	// Authorization
	ErrNotAuthorized = errors.New("caller is not the wallet owner or an operator")
	ErrNotOwner      = errors.New("only the wallet owner may perform this operation")

	// State conflicts
	ErrWalletInactive       = errors.New("wallet is deactivated")
	ErrRecipientNotApproved = errors.New("recipient is not on the wallet whitelist")
	ErrDailyLimitExceeded   = errors.New("transfer would exceed the daily spending limit")
	ErrInsufficientBalance  = errors.New("insufficient wallet balance")
)

// Wallet is one agent's spend-guarded sub-account.
type Wallet struct {
	ID               string
	OnChainID        int64
	Owner            string
	Agent            string
	Balance          *big.Int
	DailyLimit       *big.Int
	SpentToday       *big.Int
	LastResetTime    time.Time
	WhitelistEnabled bool
	Active           bool
	TotalSpent       *big.Int
	TransactionCount int64
	Operators        map[string]bool
	Whitelist        map[string]bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// authorized reports whether caller may spend from the wallet.
func (w *Wallet) authorized(caller string) bool {
	return caller == w.Owner || w.Operators[caller]
}

// View is the JSON projection of a wallet with formatted amounts.
type View struct {
	ID               string    `json:"id"`
	OnChainID        int64     `json:"onChainId,omitempty"`
	Owner            string    `json:"owner"`
	Agent            string    `json:"agent,omitempty"`
	Balance          string    `json:"balance"`
	DailyLimit       string    `json:"dailyLimit"`
	SpentToday       string    `json:"spentToday"`
	RemainingToday   string    `json:"remainingToday"`
	LastResetTime    time.Time `json:"lastResetTime"`
	WhitelistEnabled bool      `json:"whitelistEnabled"`
	Active           bool      `json:"active"`
	TotalSpent       string    `json:"totalSpent"`
	TransactionCount int64     `json:"transactionCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AsView formats the wallet for API responses, with spentToday projected
// through the day-boundary reset so a stale counter is never shown.
func (w *Wallet) AsView(now time.Time) View {
	win := policy.ResetIfNewDay(policy.SpendWindow{SpentToday: w.SpentToday, LastReset: w.LastResetTime}, now)
	remaining := new(big.Int).Sub(w.DailyLimit, win.SpentToday)
	if remaining.Sign() < 0 {
		remaining = new(big.Int)
	}
	return View{
		ID:               w.ID,
		OnChainID:        w.OnChainID,
		Owner:            w.Owner,
		Agent:            w.Agent,
		Balance:          token.Format(w.Balance),
		DailyLimit:       token.Format(w.DailyLimit),
		SpentToday:       token.Format(win.SpentToday),
		RemainingToday:   token.Format(remaining),
		LastResetTime:    win.LastReset,
		WhitelistEnabled: w.WhitelistEnabled,
		Active:           w.Active,
		TotalSpent:       token.Format(w.TotalSpent),
		TransactionCount: w.TransactionCount,
		CreatedAt:        w.CreatedAt,
	}
}

// TransferReceipt describes a completed agent transfer.
type TransferReceipt struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"walletId"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Fee       string    `json:"fee"`
	Net       string    `json:"net"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists agent wallets.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	Update(ctx context.Context, w *Wallet) error
	ListByOwner(ctx context.Context, owner string) ([]*Wallet, error)
}

// LedgerService credits transfer recipients and the fee sink in the mirror.
// Both credits must land in one atomic unit.
type LedgerService interface {
	Transfer(ctx context.Context, to string, net, fee *big.Int, reference string) error
}

// Service implements the spend guard.
type Service struct {
	store  Store
	ledger LedgerService
	feeBps int64
	logger *slog.Logger
	locks  sync.Map // per-wallet ID locks
	now    func() time.Time
}

// NewService creates a new wallet service.
func NewService(store Store, ledger LedgerService, feeBps int64, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		feeBps: feeBps,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) walletLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create provisions a new agent wallet.
func (s *Service) Create(ctx context.Context, owner, agent string, dailyLimit *big.Int, whitelistEnabled bool) (*Wallet, error) {
	if !token.IsPositive(dailyLimit) {
		return nil, ErrInvalidLimit
	}

	now := s.now()
	w := &Wallet{
		ID:               idgen.WithPrefix("wal_"),
		Owner:            strings.ToLower(owner),
		Agent:            strings.ToLower(agent),
		Balance:          new(big.Int),
		DailyLimit:       new(big.Int).Set(dailyLimit),
		SpentToday:       new(big.Int),
		LastResetTime:    now,
		WhitelistEnabled: whitelistEnabled,
		Active:           true,
		TotalSpent:       new(big.Int),
		Operators:        make(map[string]bool),
		Whitelist:        make(map[string]bool),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return w, nil
}

// Get returns a wallet by ID.
func (s *Service) Get(ctx context.Context, id string) (*Wallet, error) {
	return s.store.Get(ctx, id)
}

// ListByOwner returns all wallets owned by an address.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]*Wallet, error) {
	return s.store.ListByOwner(ctx, strings.ToLower(owner))
}

// Deposit credits the wallet balance.
func (s *Service) Deposit(ctx context.Context, id string, amount *big.Int) (*Wallet, error) {
	if !token.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	mu := s.walletLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, ErrWalletInactive
	}

	w.Balance.Add(w.Balance, amount)
	w.UpdatedAt = s.now()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Withdraw debits the wallet balance. Owner only.
func (s *Service) Withdraw(ctx context.Context, id, caller string, amount *big.Int) (*Wallet, error) {
	if !token.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	mu := s.walletLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != w.Owner {
		return nil, ErrNotOwner
	}
	if w.Balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	w.Balance.Sub(w.Balance, amount)
	w.UpdatedAt = s.now()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// EmergencyWithdraw drains the full balance and deactivates the wallet in
// one atomic step. Owner only. The wallet's equivalent of dispute resolution.
func (s *Service) EmergencyWithdraw(ctx context.Context, id, caller string) (*big.Int, error) {
	mu := s.walletLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != w.Owner {
		return nil, ErrNotOwner
	}

	drained := new(big.Int).Set(w.Balance)
	w.Balance = new(big.Int)
	w.Active = false
	w.UpdatedAt = s.now()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}

	s.logger.Warn("wallet emergency withdrawal",
		"walletId", id, "owner", w.Owner, "drained", token.Format(drained))
	return drained, nil
}

// spendGuards runs the transfer guard sequence against a wallet snapshot.
//
// Guard order is fixed: authorization, active check, whitelist, then the
// lazy day-boundary reset strictly before the daily-limit comparison.
func spendGuards(w *Wallet, caller, to string, amount *big.Int, now time.Time) (policy.SpendWindow, error) {
	if !w.authorized(caller) {
		return policy.SpendWindow{}, ErrNotAuthorized
	}
	if !w.Active {
		return policy.SpendWindow{}, ErrWalletInactive
	}
	if w.WhitelistEnabled && !w.Whitelist[to] {
		return policy.SpendWindow{}, ErrRecipientNotApproved
	}

	win := policy.ResetIfNewDay(policy.SpendWindow{SpentToday: w.SpentToday, LastReset: w.LastResetTime}, now)
	if !policy.WithinDailyLimit(win.SpentToday, amount, w.DailyLimit) {
		return policy.SpendWindow{}, ErrDailyLimitExceeded
	}
	if w.Balance.Cmp(amount) < 0 {
		return policy.SpendWindow{}, ErrInsufficientBalance
	}
	return win, nil
}

// CheckTransfer runs the full guard sequence without mutating anything.
// Callers use it to reject a doomed transfer before paying for an
// irreversible side effect such as a chain submission.
func (s *Service) CheckTransfer(ctx context.Context, id, caller, to string, amount *big.Int) error {
	if !token.IsPositive(amount) {
		return ErrInvalidAmount
	}
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = spendGuards(w, strings.ToLower(caller), strings.ToLower(to), amount, s.now())
	return err
}

// Transfer spends from the wallet on behalf of the agent. A failed guard
// mutates nothing.
func (s *Service) Transfer(ctx context.Context, id, caller, to string, amount *big.Int, memo string) (*TransferReceipt, error) {
	if !token.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	to = strings.ToLower(to)
	caller = strings.ToLower(caller)

	mu := s.walletLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	win, err := spendGuards(w, caller, to, amount, now)
	if err != nil {
		return nil, err
	}

	fee := policy.Fee(amount, s.feeBps)
	net := new(big.Int).Sub(amount, fee)
	ref := idgen.WithPrefix("atx_")

	// Debit the wallet first, then land both credits in one ledger unit.
	// If the credit fails the debit is reverted, so a retry can never
	// leave the recipient credited twice.
	prev := copyWallet(w)
	w.Balance.Sub(w.Balance, amount)
	w.SpentToday = new(big.Int).Add(win.SpentToday, amount)
	w.LastResetTime = win.LastReset
	w.TotalSpent.Add(w.TotalSpent, amount)
	w.TransactionCount++
	w.UpdatedAt = now
	if err := s.store.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	if err := s.ledger.Transfer(ctx, to, net, fee, ref); err != nil {
		prev.UpdatedAt = s.now()
		if revertErr := s.store.Update(ctx, prev); revertErr != nil {
			s.logger.Error("wallet debited but credit and revert both failed, manual resolution required",
				"walletId", id, "reference", ref, "error", revertErr)
			return nil, fmt.Errorf("failed to credit recipient (requires manual resolution): %w", err)
		}
		return nil, fmt.Errorf("failed to credit recipient: %w", err)
	}

	metrics.AgentTransfersTotal.Inc()
	return &TransferReceipt{
		ID:        ref,
		WalletID:  id,
		To:        to,
		Amount:    token.Format(amount),
		Fee:       token.Format(fee),
		Net:       token.Format(net),
		Memo:      memo,
		CreatedAt: now,
	}, nil
}

// SetOnChainID records the canonical on-chain wallet id after the
// WalletCreated event is confirmed.
func (s *Service) SetOnChainID(ctx context.Context, id string, onChainID int64) error {
	mu := s.walletLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	w.OnChainID = onChainID
	w.UpdatedAt = s.now()
	return s.store.Update(ctx, w)
}

// AddOperator registers an additional spender. Owner only.
func (s *Service) AddOperator(ctx context.Context, id, caller, operator string) error {
	return s.updateOwned(ctx, id, caller, func(w *Wallet) {
		w.Operators[strings.ToLower(operator)] = true
	})
}

// RemoveOperator revokes a spender. Owner only.
func (s *Service) RemoveOperator(ctx context.Context, id, caller, operator string) error {
	return s.updateOwned(ctx, id, caller, func(w *Wallet) {
		delete(w.Operators, strings.ToLower(operator))
	})
}

// ApproveRecipient adds a recipient to the whitelist. Owner only.
func (s *Service) ApproveRecipient(ctx context.Context, id, caller, recipient string) error {
	return s.updateOwned(ctx, id, caller, func(w *Wallet) {
		w.Whitelist[strings.ToLower(recipient)] = true
	})
}

// RevokeRecipient removes a recipient from the whitelist. Owner only.
func (s *Service) RevokeRecipient(ctx context.Context, id, caller, recipient string) error {
	return s.updateOwned(ctx, id, caller, func(w *Wallet) {
		delete(w.Whitelist, strings.ToLower(recipient))
	})
}

// SetDailyLimit changes the spending ceiling. Owner only. Takes effect on
// the next transfer; spending already counted today is not re-evaluated.
func (s *Service) SetDailyLimit(ctx context.Context, id, caller string, limit *big.Int) error {
	if !token.IsPositive(limit) {
		return ErrInvalidLimit
	}
	return s.updateOwned(ctx, id, caller, func(w *Wallet) {
		w.DailyLimit = new(big.Int).Set(limit)
	})
}

func (s *Service) updateOwned(ctx context.Context, id, caller string, mutate func(*Wallet)) error {
	mu := s.walletLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if strings.ToLower(caller) != w.Owner {
		return ErrNotOwner
	}

	mutate(w)
	w.UpdatedAt = s.now()
	return s.store.Update(ctx, w)
}
