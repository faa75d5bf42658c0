// Package policy holds the pure fee and time rules for settlement.
//
// Everything here is a deterministic function of its inputs: no clocks, no
// stores, no I/O. The escrow state machine and the wallet spend guard both
// delegate their guard decisions to this package so there is exactly one
// source of truth for "can this transition happen".
package policy

import (
	"math/big"
	"time"
)

const (
	// DefaultFeeBps is the protocol fee rate in basis points (200 = 2%).
	DefaultFeeBps = 200

	// DefaultEscrowDuration is how long an escrow stays open before the
	// buyer may cancel an unclaimed one.
	DefaultEscrowDuration = 48 * time.Hour

	// DefaultClaimWindow is the grace period after a seller submits
	// delivery proof, after which anyone may trigger settlement.
	DefaultClaimWindow = 24 * time.Hour
)

var bpsDivisor = big.NewInt(10000)

// Fee computes the protocol fee for an amount at the given basis-point rate.
// Division truncates: the fee never rounds up, so rounding error always
// favors the seller over the fee sink. For any rate <= 10000 bps the result
// is <= amount.
func Fee(amount *big.Int, bps int64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Quo(fee, bpsDivisor)
}

// ExpiresAt returns the fixed expiry for an escrow created at createdAt.
// The expiry never changes after creation.
func ExpiresAt(createdAt time.Time, duration time.Duration) time.Time {
	return createdAt.Add(duration)
}

// CanCancel reports whether a buyer-side cancellation is legal: the escrow
// must be past its expiry and the seller must never have claimed delivery.
// A seller who proved delivery cannot be bypassed by letting the clock run.
func CanCancel(expiresAt time.Time, sellerClaimed bool, now time.Time) bool {
	return now.After(expiresAt) && !sellerClaimed
}

// CanAutoComplete reports whether unprivileged auto-settlement is legal:
// the seller must have claimed and the claim window must have fully passed.
func CanAutoComplete(sellerClaimed bool, claimTime time.Time, window time.Duration, now time.Time) bool {
	if !sellerClaimed {
		return false
	}
	return !now.Before(claimTime.Add(window))
}

// SpendWindow is the daily-limit state of an agent wallet that the lazy
// reset operates on.
type SpendWindow struct {
	SpentToday *big.Int
	LastReset  time.Time
}

// ResetIfNewDay returns the spend window to use for a check happening at
// now: if now falls on a later UTC day than the last reset, spentToday is
// zeroed and the reset time moves to now. The input is never mutated; the
// caller applies the result atomically with the subsequent limit check.
func ResetIfNewDay(w SpendWindow, now time.Time) SpendWindow {
	last := w.LastReset.UTC()
	cur := now.UTC()

	ly, lm, ld := last.Date()
	cy, cm, cd := cur.Date()
	if ly == cy && lm == cm && ld == cd {
		return SpendWindow{SpentToday: new(big.Int).Set(zeroIfNil(w.SpentToday)), LastReset: w.LastReset}
	}
	return SpendWindow{SpentToday: new(big.Int), LastReset: now}
}

// WithinDailyLimit reports whether spending amount on top of spentToday
// stays within the limit.
func WithinDailyLimit(spentToday, amount, limit *big.Int) bool {
	total := new(big.Int).Add(zeroIfNil(spentToday), zeroIfNil(amount))
	return total.Cmp(zeroIfNil(limit)) <= 0
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
