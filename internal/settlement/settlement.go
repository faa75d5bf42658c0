// Package settlement is the single entry point collaborators use to move
// money: it validates preconditions, drives the escrow state machine,
// submits chain transactions, and reconciles confirmations back into the
// mirror, with one uniform error taxonomy.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/meridianpay/meridian/internal/chain"
	"github.com/meridianpay/meridian/internal/escrow"
	"github.com/meridianpay/meridian/internal/ledger"
	"github.com/meridianpay/meridian/internal/traces"
	"github.com/meridianpay/meridian/internal/validation"
	"github.com/meridianpay/meridian/internal/wallet"
)

// Adapter is the chain surface the facade depends on. Nil in demo mode, in
// which case all transitions apply to the mirror only.
type Adapter interface {
	FundEscrow(ctx context.Context, seller string, amount *big.Int) (string, error)
	ReleaseEscrow(ctx context.Context, onChainID int64) (string, error)
	CancelEscrow(ctx context.Context, onChainID int64) (string, error)
	SubmitDeliveryProof(ctx context.Context, onChainID int64) (string, error)
	AutoComplete(ctx context.Context, onChainID int64) (string, error)
	OpenDispute(ctx context.Context, onChainID int64) (string, error)
	CreateWallet(ctx context.Context, dailyLimit *big.Int, whitelistEnabled bool) (string, error)
	AgentTransfer(ctx context.Context, walletID int64, to string, amount *big.Int) (string, error)
	WaitConfirmed(ctx context.Context, txHash, event string, timeout time.Duration) (*chain.Receipt, error)
	CheckConfirmed(ctx context.Context, txHash, event string) (*chain.Receipt, error)
}

// Receipt is what mutating facade operations return.
type Receipt struct {
	EscrowID  string `json:"escrowId,omitempty"`
	WalletID  string `json:"walletId,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Event     string `json:"event,omitempty"`
	OnChainID int64  `json:"onChainId,omitempty"`
	Status    string `json:"status"`
}

// Facade wires the settlement components together.
type Facade struct {
	escrows        *escrow.Service
	wallets        *wallet.Service
	ledger         *ledger.Ledger
	adapter        Adapter
	pending        PendingStore
	logger         *slog.Logger
	confirmTimeout time.Duration
}

// New creates the settlement facade. adapter may be nil for mirror-only
// demo mode.
func New(escrows *escrow.Service, wallets *wallet.Service, led *ledger.Ledger,
	adapter Adapter, pending PendingStore, logger *slog.Logger) *Facade {
	return &Facade{
		escrows:        escrows,
		wallets:        wallets,
		ledger:         led,
		adapter:        adapter,
		pending:        pending,
		logger:         logger,
		confirmTimeout: chain.DefaultConfirmationTimeout,
	}
}

// WithConfirmTimeout overrides the per-operation confirmation timeout.
func (f *Facade) WithConfirmTimeout(d time.Duration) *Facade {
	f.confirmTimeout = d
	return f
}

// CreateEscrow opens a new escrow record and locks the buyer's mirror funds.
// On-chain funding is a separate Fund step.
func (f *Facade) CreateEscrow(ctx context.Context, buyer, seller string, amount *big.Int, metadata string) (*escrow.Escrow, error) {
	const op = "create_escrow"
	ctx, span := traces.StartSpan(ctx, "settlement.CreateEscrow",
		traces.PartyAddr(buyer))
	defer span.End()

	if !validation.IsAddress(buyer) || !validation.IsAddress(seller) {
		return nil, fail(op, KindValidation, errors.New("buyer and seller must be valid addresses"))
	}

	e, err := f.escrows.Create(ctx, buyer, seller, amount, metadata)
	if err != nil {
		return nil, classify(op, err)
	}
	return e, nil
}

// Fund submits the on-chain escrow funding transaction and, once the
// EscrowCreated event is confirmed, records the canonical on-chain id.
func (f *Facade) Fund(ctx context.Context, escrowID string) (*Receipt, error) {
	const op = "fund"
	ctx, span := traces.StartSpan(ctx, "settlement.Fund", traces.EscrowID(escrowID))
	defer span.End()

	e, err := f.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, classify(op, err)
	}
	if e.Status != escrow.StatusCreated {
		return nil, fail(op, KindStateConflict, escrow.ErrNotPending)
	}

	if f.adapter == nil {
		e, err = f.escrows.MarkFunded(ctx, escrowID, 0, "")
		if err != nil {
			return nil, classify(op, err)
		}
		return &Receipt{EscrowID: escrowID, Status: string(e.Status)}, nil
	}

	txHash, err := f.adapter.FundEscrow(ctx, e.Seller, e.Amount)
	if err != nil {
		return nil, classify(op, err)
	}
	span.SetAttributes(traces.TxHash(txHash))

	f.track(ctx, &PendingTx{
		TxHash:   txHash,
		Intent:   IntentFund,
		Event:    chain.EventEscrowCreated,
		EscrowID: escrowID,
	})

	receipt, err := f.adapter.WaitConfirmed(ctx, txHash, chain.EventEscrowCreated, f.confirmTimeout)
	if err != nil {
		// On timeout the pending record stays for the reconciler; the
		// mirror is never advanced on an unknown outcome.
		return nil, f.confirmFailure(ctx, op, txHash, err)
	}

	if _, err := f.escrows.MarkFunded(ctx, escrowID, receipt.EventID, txHash); err != nil {
		return nil, classify(op, err)
	}
	f.untrack(ctx, txHash)

	return &Receipt{
		EscrowID:  escrowID,
		TxHash:    txHash,
		Event:     receipt.Event,
		OnChainID: receipt.EventID,
		Status:    string(escrow.StatusFunded),
	}, nil
}

// MarkDelivered records the seller's off-chain delivered signal.
func (f *Facade) MarkDelivered(ctx context.Context, escrowID, caller string) error {
	const op = "mark_delivered"
	ctx, span := traces.StartSpan(ctx, "settlement.MarkDelivered", traces.EscrowID(escrowID))
	defer span.End()

	if _, err := f.escrows.MarkDelivered(ctx, escrowID, caller); err != nil {
		return classify(op, err)
	}
	return nil
}

// SubmitProof records the seller's delivery claim, on-chain when the escrow
// is funded there.
func (f *Facade) SubmitProof(ctx context.Context, escrowID, caller string) (*Receipt, error) {
	const op = "submit_proof"
	ctx, span := traces.StartSpan(ctx, "settlement.SubmitProof", traces.EscrowID(escrowID))
	defer span.End()

	e, err := f.escrows.SubmitDeliveryProof(ctx, escrowID, caller)
	if err != nil {
		return nil, classify(op, err)
	}

	receipt := &Receipt{EscrowID: escrowID, Status: string(e.Status)}
	if f.adapter != nil && e.OnChainID != 0 {
		txHash, err := f.adapter.SubmitDeliveryProof(ctx, e.OnChainID)
		if err != nil {
			// The claim is recorded in the mirror; the chain write is a
			// projection of it and gets reconciled, not rolled back.
			f.logger.Warn("delivery proof recorded off-chain but chain submission failed",
				"escrowId", escrowID, "error", err)
			return receipt, nil
		}
		f.track(ctx, &PendingTx{
			TxHash:   txHash,
			Intent:   IntentProof,
			Event:    chain.EventDeliveryProof,
			EscrowID: escrowID,
		})
		if _, err := f.adapter.WaitConfirmed(ctx, txHash, chain.EventDeliveryProof, f.confirmTimeout); err == nil {
			f.untrack(ctx, txHash)
			receipt.TxHash = txHash
			receipt.Event = chain.EventDeliveryProof
		}
	}
	return receipt, nil
}

// Release settles the escrow to the seller on buyer confirmation. When the
// escrow is funded on-chain the contract call is the arbiter: the mirror
// only moves after the EscrowCompleted event is confirmed.
func (f *Facade) Release(ctx context.Context, escrowID, caller string) (*Receipt, error) {
	return f.complete(ctx, "release", escrowID, caller, false)
}

// AutoComplete settles a claimed escrow after the 24h window. Unprivileged.
func (f *Facade) AutoComplete(ctx context.Context, escrowID string) (*Receipt, error) {
	return f.complete(ctx, "auto_complete", escrowID, "", true)
}

func (f *Facade) complete(ctx context.Context, op, escrowID, caller string, auto bool) (*Receipt, error) {
	spanName := "settlement.Release"
	if auto {
		spanName = "settlement.AutoComplete"
	}
	ctx, span := traces.StartSpan(ctx, spanName, traces.EscrowID(escrowID))
	defer span.End()

	e, err := f.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, classify(op, err)
	}

	var txHash string
	if f.adapter != nil && e.OnChainID != 0 {
		// The mirror's guards run as pre-checks here: a chain submission
		// is irreversible, so nothing may be submitted for a caller or
		// state the mirror would reject afterwards.
		if !auto && strings.ToLower(caller) != e.Buyer {
			return nil, fail(op, KindAuthorization, escrow.ErrNotBuyer)
		}
		if e.IsTerminal() {
			return nil, fail(op, KindStateConflict, escrow.ErrAlreadyResolved)
		}
		if auto {
			ok, err := f.escrows.CanAutoComplete(ctx, escrowID)
			if err != nil {
				return nil, classify(op, err)
			}
			if !ok {
				if !e.SellerClaimed {
					return nil, fail(op, KindStateConflict, escrow.ErrNotClaimed)
				}
				return nil, fail(op, KindStateConflict, escrow.ErrClaimWindowOpen)
			}
			txHash, err = f.adapter.AutoComplete(ctx, e.OnChainID)
			if err != nil {
				return nil, classify(op, err)
			}
		} else {
			txHash, err = f.adapter.ReleaseEscrow(ctx, e.OnChainID)
			if err != nil {
				return nil, classify(op, err)
			}
		}
		span.SetAttributes(traces.TxHash(txHash))

		f.track(ctx, &PendingTx{
			TxHash:   txHash,
			Intent:   IntentRelease,
			Event:    chain.EventEscrowCompleted,
			EscrowID: escrowID,
			Caller:   caller,
		})
		if _, err := f.adapter.WaitConfirmed(ctx, txHash, chain.EventEscrowCompleted, f.confirmTimeout); err != nil {
			return nil, f.confirmFailure(ctx, op, txHash, err)
		}
	}

	if auto {
		e, err = f.escrows.AutoComplete(ctx, escrowID)
	} else {
		e, err = f.escrows.ConfirmDelivery(ctx, escrowID, caller)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	if txHash != "" {
		f.untrack(ctx, txHash)
		if err := f.escrows.RecordReleaseTx(ctx, escrowID, txHash); err != nil {
			f.logger.Warn("failed to record release tx hash", "escrowId", escrowID, "error", err)
		}
	}

	return &Receipt{
		EscrowID: escrowID,
		TxHash:   txHash,
		Event:    chain.EventEscrowCompleted,
		Status:   string(e.Status),
	}, nil
}

// Cancel refunds an expired, unclaimed escrow to the buyer.
func (f *Facade) Cancel(ctx context.Context, escrowID, caller string) (*Receipt, error) {
	const op = "cancel"
	ctx, span := traces.StartSpan(ctx, "settlement.Cancel", traces.EscrowID(escrowID))
	defer span.End()

	e, err := f.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, classify(op, err)
	}

	var txHash string
	if f.adapter != nil && e.OnChainID != 0 {
		if strings.ToLower(caller) != e.Buyer {
			return nil, fail(op, KindAuthorization, escrow.ErrNotBuyer)
		}
		if e.IsTerminal() {
			return nil, fail(op, KindStateConflict, escrow.ErrAlreadyResolved)
		}
		if e.SellerClaimed {
			return nil, fail(op, KindStateConflict, escrow.ErrAlreadyClaimed)
		}
		ok, err := f.escrows.CanCancel(ctx, escrowID)
		if err != nil {
			return nil, classify(op, err)
		}
		if !ok {
			return nil, fail(op, KindStateConflict, escrow.ErrNotExpired)
		}

		txHash, err = f.adapter.CancelEscrow(ctx, e.OnChainID)
		if err != nil {
			return nil, classify(op, err)
		}
		span.SetAttributes(traces.TxHash(txHash))

		f.track(ctx, &PendingTx{
			TxHash:   txHash,
			Intent:   IntentCancel,
			Event:    chain.EventEscrowCancelled,
			EscrowID: escrowID,
			Caller:   caller,
		})
		if _, err := f.adapter.WaitConfirmed(ctx, txHash, chain.EventEscrowCancelled, f.confirmTimeout); err != nil {
			return nil, f.confirmFailure(ctx, op, txHash, err)
		}
	}

	e, err = f.escrows.Cancel(ctx, escrowID, caller)
	if err != nil {
		return nil, classify(op, err)
	}
	if txHash != "" {
		f.untrack(ctx, txHash)
		if err := f.escrows.RecordReleaseTx(ctx, escrowID, txHash); err != nil {
			f.logger.Warn("failed to record cancel tx hash", "escrowId", escrowID, "error", err)
		}
	}

	return &Receipt{
		EscrowID: escrowID,
		TxHash:   txHash,
		Event:    chain.EventEscrowCancelled,
		Status:   string(e.Status),
	}, nil
}

// Dispute freezes the escrow pending manual resolution.
func (f *Facade) Dispute(ctx context.Context, escrowID, initiator, reason string) (*Receipt, error) {
	const op = "dispute"
	ctx, span := traces.StartSpan(ctx, "settlement.Dispute", traces.EscrowID(escrowID))
	defer span.End()

	e, err := f.escrows.OpenDispute(ctx, escrowID, initiator, reason)
	if err != nil {
		return nil, classify(op, err)
	}

	receipt := &Receipt{EscrowID: escrowID, Status: string(e.Status)}
	if f.adapter != nil && e.OnChainID != 0 {
		txHash, err := f.adapter.OpenDispute(ctx, e.OnChainID)
		if err != nil {
			f.logger.Warn("dispute recorded off-chain but chain submission failed",
				"escrowId", escrowID, "error", err)
			return receipt, nil
		}
		f.track(ctx, &PendingTx{
			TxHash:   txHash,
			Intent:   IntentDispute,
			Event:    chain.EventDisputeOpened,
			EscrowID: escrowID,
		})
		if _, err := f.adapter.WaitConfirmed(ctx, txHash, chain.EventDisputeOpened, f.confirmTimeout); err == nil {
			f.untrack(ctx, txHash)
			receipt.TxHash = txHash
			receipt.Event = chain.EventDisputeOpened
		}
	}
	return receipt, nil
}

// ResolveDispute is the operator action that unfreezes a disputed escrow by
// refunding the buyer in full.
func (f *Facade) ResolveDispute(ctx context.Context, escrowID string) (*Receipt, error) {
	const op = "resolve_dispute"
	ctx, span := traces.StartSpan(ctx, "settlement.ResolveDispute", traces.EscrowID(escrowID))
	defer span.End()

	e, err := f.escrows.ResolveDispute(ctx, escrowID)
	if err != nil {
		return nil, classify(op, err)
	}
	return &Receipt{EscrowID: escrowID, Status: string(e.Status)}, nil
}

// GetStatus returns the read-only escrow projection.
func (f *Facade) GetStatus(ctx context.Context, escrowID string) (escrow.View, error) {
	v, err := f.escrows.GetView(ctx, escrowID)
	if err != nil {
		return escrow.View{}, classify("get_status", err)
	}
	return v, nil
}

// CreateWallet provisions an agent wallet, bridging it on-chain when an
// adapter is configured.
func (f *Facade) CreateWallet(ctx context.Context, owner, agent string, dailyLimit *big.Int, whitelistEnabled bool) (*wallet.Wallet, error) {
	const op = "create_wallet"
	ctx, span := traces.StartSpan(ctx, "settlement.CreateWallet", traces.PartyAddr(owner))
	defer span.End()

	if !validation.IsAddress(owner) {
		return nil, fail(op, KindValidation, errors.New("owner must be a valid address"))
	}

	w, err := f.wallets.Create(ctx, owner, agent, dailyLimit, whitelistEnabled)
	if err != nil {
		return nil, classify(op, err)
	}

	if f.adapter != nil {
		txHash, err := f.adapter.CreateWallet(ctx, dailyLimit, whitelistEnabled)
		if err != nil {
			f.logger.Warn("wallet created off-chain but chain submission failed",
				"walletId", w.ID, "error", err)
			return w, nil
		}
		f.track(ctx, &PendingTx{
			TxHash:   txHash,
			Intent:   IntentWallet,
			Event:    chain.EventWalletCreated,
			WalletID: w.ID,
		})
		receipt, err := f.adapter.WaitConfirmed(ctx, txHash, chain.EventWalletCreated, f.confirmTimeout)
		if err == nil {
			f.untrack(ctx, txHash)
			if err := f.wallets.SetOnChainID(ctx, w.ID, receipt.EventID); err == nil {
				w.OnChainID = receipt.EventID
			}
		}
	}
	return w, nil
}

// AgentTransfer spends from an agent wallet under its guards. When the
// wallet is bridged on-chain the contract transfer is confirmed first; the
// mirror only moves after the AgentTransfer event.
func (f *Facade) AgentTransfer(ctx context.Context, walletID, caller, to string, amount *big.Int, memo string) (*wallet.TransferReceipt, error) {
	const op = "agent_transfer"
	ctx, span := traces.StartSpan(ctx, "settlement.AgentTransfer", traces.WalletID(walletID))
	defer span.End()

	w, err := f.wallets.Get(ctx, walletID)
	if err != nil {
		return nil, classify(op, err)
	}

	var txHash string
	if f.adapter != nil && w.OnChainID != 0 {
		// Run every spend guard before submitting: a transfer the mirror
		// would reject must never reach the chain.
		if err := f.wallets.CheckTransfer(ctx, walletID, caller, to, amount); err != nil {
			return nil, classify(op, err)
		}

		txHash, err = f.adapter.AgentTransfer(ctx, w.OnChainID, to, amount)
		if err != nil {
			return nil, classify(op, err)
		}
		span.SetAttributes(traces.TxHash(txHash))

		f.track(ctx, &PendingTx{
			TxHash:   txHash,
			Intent:   IntentTransfer,
			Event:    chain.EventAgentTransfer,
			WalletID: walletID,
			Caller:   caller,
			To:       to,
			Amount:   amount.String(),
		})
		if _, err := f.adapter.WaitConfirmed(ctx, txHash, chain.EventAgentTransfer, f.confirmTimeout); err != nil {
			return nil, f.confirmFailure(ctx, op, txHash, err)
		}
	}

	receipt, err := f.wallets.Transfer(ctx, walletID, caller, to, amount, memo)
	if err != nil {
		// The pending record stays: the chain already moved, so the
		// reconciler owns applying the mirror side.
		return nil, classify(op, err)
	}
	if txHash != "" {
		f.untrack(ctx, txHash)
	}
	return receipt, nil
}

// confirmFailure classifies a confirmation error and decides whether the
// pending record survives. Timeouts stay pending for the reconciler;
// definitive outcomes (reverted, event missing) are terminal and the
// record is removed after logging.
func (f *Facade) confirmFailure(ctx context.Context, op, txHash string, err error) *Error {
	switch {
	case errors.Is(err, chain.ErrConfirmTimeout):
		f.logger.Warn("confirmation timed out, outcome unknown, left for reconciliation",
			"op", op, "txHash", txHash)
		return fail(op, KindExternalFailure, err)

	case errors.Is(err, chain.ErrEventNotFound):
		f.logger.Error("receipt succeeded but expected event missing, manual reconciliation required",
			"op", op, "txHash", txHash)
		f.untrack(ctx, txHash)
		return fail(op, KindInconsistency, err)

	default:
		f.untrack(ctx, txHash)
		return classify(op, err)
	}
}

func (f *Facade) track(ctx context.Context, p *PendingTx) {
	p.CreatedAt = time.Now()
	if err := f.pending.Put(ctx, p); err != nil {
		f.logger.Error("failed to record pending transaction", "txHash", p.TxHash, "error", err)
	}
}

func (f *Facade) untrack(ctx context.Context, txHash string) {
	if err := f.pending.Delete(ctx, txHash); err != nil {
		f.logger.Warn("failed to clear pending transaction", "txHash", txHash, "error", err)
	}
}
