// Package escrow implements the settlement state machine for buyer-seller
// custody.
//
// Flow:
//  1. Buyer creates escrow → principal moved: available → custody
//  2. Seller submits delivery proof → claim recorded, clock starts
//  3. Buyer confirms → custody → seller (amount-fee) + fee sink (fee)
//  4. Buyer waits out an unclaimed escrow → full refund, no fee
//  5. Seller claimed + 24h silence → anyone may trigger auto-completion
//  6. Either party disputes → frozen until manual resolution
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

	"github.com/meridianpay/meridian/internal/idgen"
	"github.com/meridianpay/meridian/internal/metrics"
	"github.com/meridianpay/meridian/internal/policy"
	"github.com/meridianpay/meridian/internal/token"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")

	// Validation
	ErrInvalidParty  = errors.New("buyer and seller cannot be the same party")
	ErrInvalidAmount = errors.New("invalid escrow amount")

	// Authorization
	ErrNotBuyer  = errors.New("only the buyer may perform this operation")
	ErrNotSeller = errors.New("only the seller may perform this operation")
	ErrNotParty  = errors.New("only the buyer or seller may perform this operation")

	// State conflicts. Cancellation failures are deliberately split so a
	// caller can tell "try again later" from "never".
	ErrNotPending      = errors.New("escrow is not in a pending state")
	ErrAlreadyResolved = errors.New("escrow already resolved")
	ErrNotExpired      = errors.New("escrow has not expired yet")
	ErrAlreadyClaimed  = errors.New("seller already submitted delivery proof")
	ErrNotClaimed      = errors.New("seller has not submitted delivery proof")
	ErrClaimWindowOpen = errors.New("seller claim window has not passed")

	// Concurrency
	ErrConcurrentModification = errors.New("escrow was modified concurrently")
)

// Status is the off-chain lifecycle state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"   // Funds locked in the mirror, not yet on-chain
	StatusFunded    Status = "funded"    // On-chain funding confirmed
	StatusDelivered Status = "delivered" // Seller marked work as delivered
	StatusSettling  Status = "settling"  // Ledger movement in flight; transient
	StatusCompleted Status = "completed" // Settled to seller
	StatusCancelled Status = "cancelled" // Expired unclaimed, refunded to buyer
	StatusDisputed  Status = "disputed"  // Frozen pending manual resolution
	StatusRefunded  Status = "refunded"  // Dispute resolved with refund
)

// Escrow is the custody record for one transaction.
type Escrow struct {
	ID              string     `json:"id"`
	OnChainID       int64      `json:"onChainId,omitempty"`
	Buyer           string     `json:"buyer"`
	Seller          string     `json:"seller"`
	Amount          *big.Int   `json:"-"`
	Fee             *big.Int   `json:"-"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	SellerClaimed   bool       `json:"sellerClaimed"`
	SellerClaimTime *time.Time `json:"sellerClaimTime,omitempty"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	TxHashFund      string     `json:"txHashFund,omitempty"`
	TxHashRelease   string     `json:"txHashRelease,omitempty"`
	Metadata        string     `json:"metadata,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state. Terminal states
// never change again.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// pending reports whether the escrow is in a state the on-chain contract
// calls Pending: open, not disputed, not terminal.
func (e *Escrow) pending() bool {
	switch e.Status {
	case StatusCreated, StatusFunded, StatusDelivered:
		return true
	}
	return false
}

// View is the read-only projection returned to callers, including the
// derived guards so clients can avoid doomed transactions.
type View struct {
	ID              string     `json:"id"`
	OnChainID       int64      `json:"onChainId,omitempty"`
	Buyer           string     `json:"buyer"`
	Seller          string     `json:"seller"`
	Amount          string     `json:"amount"`
	Fee             string     `json:"fee"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	SellerClaimed   bool       `json:"sellerClaimed"`
	SellerClaimTime *time.Time `json:"sellerClaimTime,omitempty"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	TxHashFund      string     `json:"txHashFund,omitempty"`
	TxHashRelease   string     `json:"txHashRelease,omitempty"`
	Metadata        string     `json:"metadata,omitempty"`
	CanCancel       bool       `json:"canCancel"`
	CanAutoComplete bool       `json:"canAutoComplete"`
}

// Fields is the set of optional columns a status transition may update.
type Fields struct {
	SellerClaimed   *bool
	SellerClaimTime *time.Time
	DisputeReason   *string
	TxHashFund      *string
	TxHashRelease   *string
	OnChainID       *int64
}

// Store persists escrow records.
//
// UpdateStatus is a guarded compare-and-set: it must reject the update with
// ErrConcurrentModification when the stored status differs from `from`, so
// two workers racing on the same confirmation cannot both win.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, fields Fields) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	ListClaimedBefore(ctx context.Context, claimedBefore time.Time, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// LedgerService abstracts mirror balance movements so escrow doesn't import
// ledger directly.
type LedgerService interface {
	Lock(ctx context.Context, buyer string, amount *big.Int, reference string) error
	Settle(ctx context.Context, buyer, seller string, amount, fee *big.Int, reference string) error
	Refund(ctx context.Context, buyer string, amount *big.Int, reference string) error
}

// EventEmitter receives lifecycle notifications for broadcast.
type EventEmitter interface {
	EmitEscrow(event string, v View)
}

// Config carries the policy constants the state machine applies.
type Config struct {
	FeeBps    int64
	Duration  time.Duration
	Window    time.Duration
	MinAmount *big.Int
}

// DefaultConfig returns the reference policy: 2% fee, 48h expiry, 24h claim
// window, no minimum.
func DefaultConfig() Config {
	return Config{
		FeeBps:   policy.DefaultFeeBps,
		Duration: policy.DefaultEscrowDuration,
		Window:   policy.DefaultClaimWindow,
	}
}

// Service implements the escrow state machine.
type Service struct {
	store  Store
	ledger LedgerService
	cfg    Config
	events EventEmitter
	logger *slog.Logger
	locks  sync.Map // per-escrow ID locks to serialize transitions
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, cfg Config, logger *slog.Logger) *Service {
	if cfg.Duration <= 0 {
		cfg.Duration = policy.DefaultEscrowDuration
	}
	if cfg.Window <= 0 {
		cfg.Window = policy.DefaultClaimWindow
	}
	return &Service{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithEvents adds a lifecycle event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// escrowLock returns the mutex serializing transitions for one escrow ID.
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) emit(event string, e *Escrow) {
	if s.events != nil {
		s.events.EmitEscrow(event, s.view(e))
	}
}

func (s *Service) view(e *Escrow) View {
	now := s.now()
	return View{
		ID:              e.ID,
		OnChainID:       e.OnChainID,
		Buyer:           e.Buyer,
		Seller:          e.Seller,
		Amount:          token.Format(e.Amount),
		Fee:             token.Format(e.Fee),
		Status:          e.Status,
		CreatedAt:       e.CreatedAt,
		ExpiresAt:       e.ExpiresAt,
		SellerClaimed:   e.SellerClaimed,
		SellerClaimTime: e.SellerClaimTime,
		DisputeReason:   e.DisputeReason,
		TxHashFund:      e.TxHashFund,
		TxHashRelease:   e.TxHashRelease,
		Metadata:        e.Metadata,
		CanCancel:       e.pending() && policy.CanCancel(e.ExpiresAt, e.SellerClaimed, now),
		CanAutoComplete: e.pending() && e.SellerClaimed && policy.CanAutoComplete(true, *e.SellerClaimTime, s.cfg.Window, now),
	}
}

// Create opens a new escrow and locks the buyer's principal in custody.
func (s *Service) Create(ctx context.Context, buyer, seller string, amount *big.Int, metadata string) (*Escrow, error) {
	buyer = strings.ToLower(buyer)
	seller = strings.ToLower(seller)

	if buyer == seller {
		return nil, ErrInvalidParty
	}
	if !token.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	if s.cfg.MinAmount != nil && amount.Cmp(s.cfg.MinAmount) < 0 {
		return nil, fmt.Errorf("%w: below minimum %s", ErrInvalidAmount, token.Format(s.cfg.MinAmount))
	}

	now := s.now()
	e := &Escrow{
		ID:        idgen.WithPrefix("esc_"),
		Buyer:     buyer,
		Seller:    seller,
		Amount:    new(big.Int).Set(amount),
		Fee:       policy.Fee(amount, s.cfg.FeeBps),
		Status:    StatusCreated,
		CreatedAt: now,
		ExpiresAt: policy.ExpiresAt(now, s.cfg.Duration),
		Metadata:  metadata,
	}

	if err := s.ledger.Lock(ctx, e.Buyer, e.Amount, e.ID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Unwind the lock if the record could not be written.
		_ = s.ledger.Refund(ctx, e.Buyer, e.Amount, e.ID)
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCreated)).Inc()
	s.emit("escrow.created", e)
	return e, nil
}

// MarkFunded records confirmed on-chain funding: created → funded, with the
// canonical on-chain ID and funding transaction hash.
func (s *Service) MarkFunded(ctx context.Context, id string, onChainID int64, txHash string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusCreated {
		if e.Status == StatusFunded {
			// Another reconciler already applied this confirmation.
			return e, nil
		}
		return nil, ErrNotPending
	}

	if err := s.store.UpdateStatus(ctx, id, StatusCreated, StatusFunded, Fields{
		OnChainID:  &onChainID,
		TxHashFund: &txHash,
	}); err != nil {
		return nil, err
	}

	e.Status = StatusFunded
	e.OnChainID = onChainID
	e.TxHashFund = txHash
	metrics.EscrowsTotal.WithLabelValues(string(StatusFunded)).Inc()
	s.emit("escrow.funded", e)
	return e, nil
}

// MarkDelivered records the off-chain delivered signal: funded/created → delivered.
func (s *Service) MarkDelivered(ctx context.Context, id, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != e.Seller {
		return nil, ErrNotSeller
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if e.Status != StatusCreated && e.Status != StatusFunded {
		return nil, ErrNotPending
	}

	if err := s.store.UpdateStatus(ctx, id, e.Status, StatusDelivered, Fields{}); err != nil {
		return nil, err
	}

	e.Status = StatusDelivered
	s.emit("escrow.delivered", e)
	return e, nil
}

// SubmitDeliveryProof records the seller's claim and starts the 24h clock.
// The claim and its timestamp are set exactly once and never change.
func (s *Service) SubmitDeliveryProof(ctx context.Context, id, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != e.Seller {
		return nil, ErrNotSeller
	}
	if e.SellerClaimed {
		return nil, ErrAlreadyClaimed
	}
	if !e.pending() {
		if e.IsTerminal() {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrNotPending
	}

	now := s.now()
	claimed := true
	if err := s.store.UpdateStatus(ctx, id, e.Status, e.Status, Fields{
		SellerClaimed:   &claimed,
		SellerClaimTime: &now,
	}); err != nil {
		return nil, err
	}

	e.SellerClaimed = true
	e.SellerClaimTime = &now
	s.emit("escrow.claimed", e)
	return e, nil
}

// ConfirmDelivery settles the escrow to the seller on buyer confirmation:
// amount-fee to the seller, fee to the sink, status completed.
func (s *Service) ConfirmDelivery(ctx context.Context, id, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != e.Buyer {
		return nil, ErrNotBuyer
	}
	return s.settle(ctx, e, "escrow.completed")
}

// AutoComplete settles a claimed escrow after the claim window has passed.
// Deliberately unprivileged: any interested party may trigger it.
func (s *Service) AutoComplete(ctx context.Context, id string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if !e.SellerClaimed {
		return nil, ErrNotClaimed
	}
	if !policy.CanAutoComplete(true, *e.SellerClaimTime, s.cfg.Window, s.now()) {
		return nil, ErrClaimWindowOpen
	}
	return s.settle(ctx, e, "escrow.completed")
}

// settle applies the completion transfer and status transition. Caller holds
// the per-escrow lock and has authorized the transition.
//
// The ledger movement is gated behind the transient settling status: once
// Settle has run, the escrow can never read as pending again, so a retried
// confirmation after a failed completed write cannot pay the seller twice.
func (s *Service) settle(ctx context.Context, e *Escrow, event string) (*Escrow, error) {
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if !e.pending() {
		return nil, ErrNotPending
	}

	prev := e.Status
	if err := s.store.UpdateStatus(ctx, e.ID, prev, StatusSettling, Fields{}); err != nil {
		return nil, err
	}

	if err := s.ledger.Settle(ctx, e.Buyer, e.Seller, e.Amount, e.Fee, e.ID); err != nil {
		// No funds moved; reopen the escrow.
		if revertErr := s.store.UpdateStatus(ctx, e.ID, StatusSettling, prev, Fields{}); revertErr != nil {
			s.logger.Error("settle failed and settling gate could not be reverted, manual resolution required",
				"escrowId", e.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to settle escrow funds: %w", err)
	}

	if err := s.store.UpdateStatus(ctx, e.ID, StatusSettling, StatusCompleted, Fields{}); err != nil {
		// Funds already moved; retry the status write once before
		// escalating. There is no inverse for Settle, so on double
		// failure we log for manual resolution instead of guessing a
		// compensation. The escrow stays in settling, which blocks any
		// further settlement attempt.
		if retryErr := s.store.UpdateStatus(ctx, e.ID, StatusSettling, StatusCompleted, Fields{}); retryErr != nil {
			s.logger.Error("escrow settled but status update failed, manual resolution required",
				"escrowId", e.ID, "seller", e.Seller, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after settlement (requires manual resolution): %w", err)
		}
	}

	e.Status = StatusCompleted
	metrics.EscrowsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.SettledValue.Add(float64(new(big.Int).Div(e.Amount, big.NewInt(1e18)).Int64()))
	s.emit(event, e)
	return e, nil
}

// Cancel refunds an expired, unclaimed escrow to the buyer in full.
func (s *Service) Cancel(ctx context.Context, id, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != e.Buyer {
		return nil, ErrNotBuyer
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if !e.pending() {
		return nil, ErrNotPending
	}
	// Order matters: a claim beats expiry, always.
	if e.SellerClaimed {
		return nil, ErrAlreadyClaimed
	}
	if !policy.CanCancel(e.ExpiresAt, e.SellerClaimed, s.now()) {
		return nil, ErrNotExpired
	}

	// Same gate as settle: the refund can only ever run once.
	prev := e.Status
	if err := s.store.UpdateStatus(ctx, e.ID, prev, StatusSettling, Fields{}); err != nil {
		return nil, err
	}

	if err := s.ledger.Refund(ctx, e.Buyer, e.Amount, e.ID); err != nil {
		if revertErr := s.store.UpdateStatus(ctx, e.ID, StatusSettling, prev, Fields{}); revertErr != nil {
			s.logger.Error("refund failed and settling gate could not be reverted, manual resolution required",
				"escrowId", e.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	if err := s.store.UpdateStatus(ctx, e.ID, StatusSettling, StatusCancelled, Fields{}); err != nil {
		if retryErr := s.store.UpdateStatus(ctx, e.ID, StatusSettling, StatusCancelled, Fields{}); retryErr != nil {
			s.logger.Error("escrow refunded but status update failed, manual resolution required",
				"escrowId", e.ID, "buyer", e.Buyer, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after refund (requires manual resolution): %w", err)
		}
	}

	e.Status = StatusCancelled
	metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.emit("escrow.cancelled", e)
	return e, nil
}

// OpenDispute freezes the escrow pending manual resolution. Buyer or seller
// only. No automated resolution path exists; an operator-side emergency
// refund is the only exit.
func (s *Service) OpenDispute(ctx context.Context, id, caller, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	caller = strings.ToLower(caller)
	if caller != e.Buyer && caller != e.Seller {
		return nil, ErrNotParty
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if !e.pending() {
		return nil, ErrNotPending
	}

	if err := s.store.UpdateStatus(ctx, id, e.Status, StatusDisputed, Fields{
		DisputeReason: &reason,
	}); err != nil {
		return nil, err
	}

	e.Status = StatusDisputed
	e.DisputeReason = reason
	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.emit("escrow.disputed", e)
	return e, nil
}

// ResolveDispute is the operator escape valve: refunds a disputed escrow to
// the buyer. Not part of the automated state machine.
func (s *Service) ResolveDispute(ctx context.Context, id string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, ErrNotPending
	}

	if err := s.store.UpdateStatus(ctx, id, StatusDisputed, StatusSettling, Fields{}); err != nil {
		return nil, err
	}
	if err := s.ledger.Refund(ctx, e.Buyer, e.Amount, e.ID); err != nil {
		if revertErr := s.store.UpdateStatus(ctx, id, StatusSettling, StatusDisputed, Fields{}); revertErr != nil {
			s.logger.Error("dispute refund failed and settling gate could not be reverted, manual resolution required",
				"escrowId", e.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to refund disputed escrow: %w", err)
	}
	if err := s.store.UpdateStatus(ctx, id, StatusSettling, StatusRefunded, Fields{}); err != nil {
		if retryErr := s.store.UpdateStatus(ctx, id, StatusSettling, StatusRefunded, Fields{}); retryErr != nil {
			s.logger.Error("disputed escrow refunded but status update failed, manual resolution required",
				"escrowId", e.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after dispute refund: %w", err)
		}
	}

	e.Status = StatusRefunded
	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.emit("escrow.refunded", e)
	return e, nil
}

// ApplyChainCompletion reconciles a confirmed on-chain completion into the
// mirror. The contract has already decided, so local time gates are not
// re-checked; only terminality still applies. Idempotent on completed.
func (s *Service) ApplyChainCompletion(ctx context.Context, id, txHash string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusCompleted {
		return e, nil
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if e.Status == StatusSettling {
		// A ledger movement is already in flight or stranded; applying
		// another would risk paying twice.
		return nil, ErrNotPending
	}

	prev := e.Status
	if err := s.store.UpdateStatus(ctx, e.ID, prev, StatusSettling, Fields{}); err != nil {
		return nil, err
	}
	if err := s.ledger.Settle(ctx, e.Buyer, e.Seller, e.Amount, e.Fee, e.ID); err != nil {
		if revertErr := s.store.UpdateStatus(ctx, e.ID, StatusSettling, prev, Fields{}); revertErr != nil {
			s.logger.Error("settle failed and settling gate could not be reverted, manual resolution required",
				"escrowId", e.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to settle escrow funds: %w", err)
	}
	if err := s.store.UpdateStatus(ctx, e.ID, StatusSettling, StatusCompleted, Fields{
		TxHashRelease: &txHash,
	}); err != nil {
		s.logger.Error("escrow settled but status update failed, manual resolution required",
			"escrowId", e.ID, "error", err)
		return nil, err
	}

	e.Status = StatusCompleted
	e.TxHashRelease = txHash
	metrics.EscrowsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.emit("escrow.completed", e)
	return e, nil
}

// ApplyChainCancellation reconciles a confirmed on-chain cancellation into
// the mirror. Idempotent on cancelled.
func (s *Service) ApplyChainCancellation(ctx context.Context, id, txHash string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusCancelled {
		return e, nil
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if e.Status == StatusSettling {
		return nil, ErrNotPending
	}

	prev := e.Status
	if err := s.store.UpdateStatus(ctx, e.ID, prev, StatusSettling, Fields{}); err != nil {
		return nil, err
	}
	if err := s.ledger.Refund(ctx, e.Buyer, e.Amount, e.ID); err != nil {
		if revertErr := s.store.UpdateStatus(ctx, e.ID, StatusSettling, prev, Fields{}); revertErr != nil {
			s.logger.Error("refund failed and settling gate could not be reverted, manual resolution required",
				"escrowId", e.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}
	if err := s.store.UpdateStatus(ctx, e.ID, StatusSettling, StatusCancelled, Fields{
		TxHashRelease: &txHash,
	}); err != nil {
		s.logger.Error("escrow refunded but status update failed, manual resolution required",
			"escrowId", e.ID, "error", err)
		return nil, err
	}

	e.Status = StatusCancelled
	e.TxHashRelease = txHash
	metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.emit("escrow.cancelled", e)
	return e, nil
}

// RecordReleaseTx attaches the releasing transaction hash (settlement or
// cancellation) to an escrow after the fact. The status is not changed.
func (s *Service) RecordReleaseTx(ctx context.Context, id, txHash string) error {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.store.UpdateStatus(ctx, id, e.Status, e.Status, Fields{
		TxHashRelease: &txHash,
	})
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetView returns the read-only projection with derived guards.
func (s *Service) GetView(ctx context.Context, id string) (View, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(e), nil
}

// CanCancel reports whether Cancel would currently succeed. A pure
// projection of the same guards Cancel applies, not a second source of truth.
func (s *Service) CanCancel(ctx context.Context, id string) (bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.pending() && policy.CanCancel(e.ExpiresAt, e.SellerClaimed, s.now()), nil
}

// CanAutoComplete reports whether AutoComplete would currently succeed.
func (s *Service) CanAutoComplete(ctx context.Context, id string) (bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !e.pending() || !e.SellerClaimed {
		return false, nil
	}
	return policy.CanAutoComplete(true, *e.SellerClaimTime, s.cfg.Window, s.now()), nil
}

// ListByParty returns escrows where addr is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.ToLower(addr), limit)
}

// Window returns the configured seller claim window.
func (s *Service) Window() time.Duration { return s.cfg.Window }
