// Package reconcile resolves submitted-but-unconfirmed chain transactions.
//
// When a confirmation wait times out the facade leaves a pending record and
// tells the caller the outcome is unknown. This package re-polls those
// hashes and applies the confirmed outcomes to the mirror, so a crash or a
// slow chain never leaves the two sources of truth permanently apart.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/meridianpay/meridian/internal/chain"
	"github.com/meridianpay/meridian/internal/escrow"
	"github.com/meridianpay/meridian/internal/settlement"
	"github.com/meridianpay/meridian/internal/wallet"
)

// Checker is the single-poll confirmation lookup.
type Checker interface {
	CheckConfirmed(ctx context.Context, txHash, event string) (*chain.Receipt, error)
}

// Reconciler drains the pending-transaction store.
type Reconciler struct {
	pending  settlement.PendingStore
	checker  Checker
	escrows  *escrow.Service
	wallets  *wallet.Service
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// New creates a reconciler polling at the given interval. Pending records
// older than maxAge are escalated instead of re-polled forever.
func New(pending settlement.PendingStore, checker Checker, escrows *escrow.Service,
	wallets *wallet.Service, interval, maxAge time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Reconciler{
		pending:  pending,
		checker:  checker,
		escrows:  escrows,
		wallets:  wallets,
		logger:   logger,
		interval: interval,
		maxAge:   maxAge,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop signals the loop to exit and waits for it.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep runs one reconciliation pass. Exported so operators can trigger it
// on demand and tests can drive it synchronously.
func (r *Reconciler) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	txs, err := r.pending.List(ctx, 100)
	if err != nil {
		r.logger.Error("pending list failed", "error", err)
		return
	}

	for _, p := range txs {
		r.resolve(ctx, p)
	}
	pendingDepth.Set(float64(len(txs)))
}

func (r *Reconciler) resolve(ctx context.Context, p *settlement.PendingTx) {
	receipt, err := r.checker.CheckConfirmed(ctx, p.TxHash, p.Event)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrConfirmTimeout):
			// Still unmined. Give up only after maxAge.
			if time.Since(p.CreatedAt) > r.maxAge {
				r.logger.Error("pending transaction unresolved past max age, manual reconciliation required",
					"txHash", p.TxHash, "intent", p.Intent, "age", time.Since(p.CreatedAt))
				r.drop(ctx, p)
				escalatedTotal.Inc()
			}
			return

		case errors.Is(err, chain.ErrEventNotFound):
			r.logger.Error("receipt succeeded but expected event missing, manual reconciliation required",
				"txHash", p.TxHash, "intent", p.Intent, "event", p.Event)
			r.drop(ctx, p)
			escalatedTotal.Inc()
			return

		case errors.Is(err, chain.ErrTxReverted):
			// Definitive: the operation never happened. The mirror was
			// never advanced, so dropping the record restores consistency.
			r.logger.Warn("pending transaction reverted", "txHash", p.TxHash, "intent", p.Intent)
			r.drop(ctx, p)
			return

		default:
			r.logger.Warn("confirmation check failed", "txHash", p.TxHash, "error", err)
			return
		}
	}

	if err := r.apply(ctx, p, receipt); err != nil {
		// A mirror that keeps rejecting a confirmed outcome will not accept
		// it on the next pass either; past maxAge it goes to a human.
		if time.Since(p.CreatedAt) > r.maxAge {
			r.logger.Error("confirmed outcome unapplied past max age, manual reconciliation required",
				"txHash", p.TxHash, "intent", p.Intent, "age", time.Since(p.CreatedAt), "error", err)
			r.drop(ctx, p)
			escalatedTotal.Inc()
			return
		}
		r.logger.Error("failed to apply confirmed outcome", "txHash", p.TxHash,
			"intent", p.Intent, "error", err)
		return
	}
	r.drop(ctx, p)
	resolvedTotal.WithLabelValues(p.Intent).Inc()
	r.logger.Info("reconciled pending transaction",
		"txHash", p.TxHash, "intent", p.Intent, "block", receipt.BlockNumber)
}

// apply feeds a confirmed receipt back into the mirror according to the
// recorded intent.
func (r *Reconciler) apply(ctx context.Context, p *settlement.PendingTx, receipt *chain.Receipt) error {
	switch p.Intent {
	case settlement.IntentFund:
		_, err := r.escrows.MarkFunded(ctx, p.EscrowID, receipt.EventID, p.TxHash)
		return err

	case settlement.IntentRelease:
		_, err := r.escrows.ApplyChainCompletion(ctx, p.EscrowID, p.TxHash)
		return err

	case settlement.IntentCancel:
		_, err := r.escrows.ApplyChainCancellation(ctx, p.EscrowID, p.TxHash)
		return err

	case settlement.IntentProof, settlement.IntentDispute:
		// The mirror recorded these before submission; the chain write was
		// a projection of it. Confirmation needs no further action.
		return nil

	case settlement.IntentWallet:
		return r.wallets.SetOnChainID(ctx, p.WalletID, receipt.EventID)

	case settlement.IntentTransfer:
		amount, ok := new(big.Int).SetString(p.Amount, 10)
		if !ok {
			return errors.New("reconcile: malformed pending transfer amount")
		}
		_, err := r.wallets.Transfer(ctx, p.WalletID, p.Caller, p.To, amount, "")
		return err

	default:
		return errors.New("reconcile: unknown intent " + p.Intent)
	}
}

func (r *Reconciler) drop(ctx context.Context, p *settlement.PendingTx) {
	if err := r.pending.Delete(ctx, p.TxHash); err != nil {
		r.logger.Warn("failed to delete pending record", "txHash", p.TxHash, "error", err)
	}
}
