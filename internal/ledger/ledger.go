// Package ledger is the off-chain mirror of party balances.
//
// Flow:
//  1. Escrow creation moves buyer funds: available -> custody (escrowed)
//  2. Settlement moves custody -> seller available (amount-fee) + fee sink (fee)
//  3. Cancellation moves custody -> buyer available (full amount, no fee)
//
// The mirror is read-optimized and eventually consistent with the on-chain
// contract; it is only advanced by the state machine and by confirmed
// receipts, never optimistically.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/meridianpay/meridian/internal/token"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
)

// Entry types recorded against accounts.
const (
	EntryDeposit  = "deposit"
	EntryLock     = "escrow_lock"
	EntrySettle   = "escrow_settle"
	EntryRefund   = "escrow_refund"
	EntryFee      = "protocol_fee"
	EntryTransfer = "agent_transfer"
)

// Account is one party's mirrored balance plus lifetime seller stats.
type Account struct {
	Addr           string    `json:"addr"`
	Available      *big.Int  `json:"-"`
	Escrowed       *big.Int  `json:"-"`
	TotalEarnings  *big.Int  `json:"-"`
	TasksCompleted int64     `json:"tasksCompleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// View is the JSON projection of an account with formatted amounts.
type View struct {
	Addr           string `json:"addr"`
	Available      string `json:"available"`
	Escrowed       string `json:"escrowed"`
	TotalEarnings  string `json:"totalEarnings"`
	TasksCompleted int64  `json:"tasksCompleted"`
}

// AsView formats the account for API responses.
func (a *Account) AsView() View {
	return View{
		Addr:           a.Addr,
		Available:      token.Format(a.Available),
		Escrowed:       token.Format(a.Escrowed),
		TotalEarnings:  token.Format(a.TotalEarnings),
		TasksCompleted: a.TasksCompleted,
	}
}

// Entry is one movement in the ledger history.
type Entry struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists accounts and history.
//
// Settle must apply the seller credit, the fee-sink credit, and the seller
// stat increments in one atomic unit: a crash between them must not be able
// to leave earnings understated relative to the status transition. Transfer
// carries the same obligation for the recipient and fee-sink credits.
type Store interface {
	GetAccount(ctx context.Context, addr string) (*Account, error)
	Credit(ctx context.Context, addr string, amount *big.Int, reference, entryType string) error
	Lock(ctx context.Context, addr string, amount *big.Int, reference string) error
	Settle(ctx context.Context, buyer, seller, feeSink string, amount, fee *big.Int, reference string) error
	Transfer(ctx context.Context, to, feeSink string, net, fee *big.Int, reference string) error
	Refund(ctx context.Context, addr string, amount *big.Int, reference string) error
	CustodyTotal(ctx context.Context) (*big.Int, error)
	History(ctx context.Context, addr string, limit int) ([]*Entry, error)
}

// Ledger wraps a Store with amount validation and address normalization.
type Ledger struct {
	store   Store
	feeSink string
}

// New creates a ledger over the given store. feeSink is the address credited
// with protocol fees on settlement.
func New(store Store, feeSink string) *Ledger {
	return &Ledger{store: store, feeSink: strings.ToLower(feeSink)}
}

// FeeSink returns the configured fee sink address.
func (l *Ledger) FeeSink() string { return l.feeSink }

// GetAccount returns the mirrored account for an address.
func (l *Ledger) GetAccount(ctx context.Context, addr string) (*Account, error) {
	return l.store.GetAccount(ctx, strings.ToLower(addr))
}

// Deposit credits available balance (funding detected on-chain or seeded).
func (l *Ledger) Deposit(ctx context.Context, addr string, amount *big.Int, reference string) error {
	if !token.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, strings.ToLower(addr), amount, reference, EntryDeposit)
}

// Transfer applies an agent transfer to the mirror: net to the recipient's
// available balance and fee to the fee sink, in one atomic unit.
func (l *Ledger) Transfer(ctx context.Context, to string, net, fee *big.Int, reference string) error {
	if !token.IsPositive(net) {
		return ErrInvalidAmount
	}
	if fee == nil || fee.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.store.Transfer(ctx, strings.ToLower(to), l.feeSink, net, fee, reference)
}

// Lock moves amount from the buyer's available balance into custody.
func (l *Ledger) Lock(ctx context.Context, buyer string, amount *big.Int, reference string) error {
	if !token.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Lock(ctx, strings.ToLower(buyer), amount, reference)
}

// Settle releases a completed escrow: amount-fee to the seller, fee to the
// fee sink, and bumps the seller's earnings and completed-task counters in
// the same atomic unit.
func (l *Ledger) Settle(ctx context.Context, buyer, seller string, amount, fee *big.Int, reference string) error {
	if !token.IsPositive(amount) {
		return ErrInvalidAmount
	}
	if fee == nil || fee.Sign() < 0 || fee.Cmp(amount) > 0 {
		return ErrInvalidAmount
	}
	return l.store.Settle(ctx, strings.ToLower(buyer), strings.ToLower(seller), l.feeSink, amount, fee, reference)
}

// Refund returns the full escrowed amount to the buyer. No fee is charged
// on cancellation; the protocol only earns on successful completion.
func (l *Ledger) Refund(ctx context.Context, buyer string, amount *big.Int, reference string) error {
	if !token.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Refund(ctx, strings.ToLower(buyer), amount, reference)
}

// CustodyTotal returns the sum of all escrowed balances. At any quiescent
// point it equals the sum of amount over all non-terminal escrows.
func (l *Ledger) CustodyTotal(ctx context.Context) (*big.Int, error) {
	return l.store.CustodyTotal(ctx)
}

// History returns recent ledger entries for an address.
func (l *Ledger) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, strings.ToLower(addr), limit)
}
