package policy

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/meridian/internal/token"
)

func TestFee(t *testing.T) {
	// The reference scenario: 100 tokens at 200 bps (2%) -> 2 tokens.
	amount := token.MustParse("100")
	fee := Fee(amount, 200)
	assert.Equal(t, "2", token.Format(fee))

	// Truncation, never round-up: 1 base unit at 200 bps is 0.
	assert.Equal(t, int64(0), Fee(big.NewInt(1), 200).Int64())

	// 9999 base units at 1 bps -> floor(9999/10000) = 0.
	assert.Equal(t, int64(0), Fee(big.NewInt(9999), 1).Int64())
	assert.Equal(t, int64(1), Fee(big.NewInt(10000), 1).Int64())
}

func TestFeeNeverExceedsAmount(t *testing.T) {
	amounts := []*big.Int{big.NewInt(1), big.NewInt(9999), token.MustParse("0.5"), token.MustParse("12345.6789")}
	for _, a := range amounts {
		for _, bps := range []int64{1, 50, 200, 2500, 10000} {
			fee := Fee(a, bps)
			require.LessOrEqual(t, fee.Cmp(a), 0, "fee %s exceeds amount %s at %d bps", fee, a, bps)
		}
	}
}

func TestCanCancel(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := ExpiresAt(created, DefaultEscrowDuration)

	assert.False(t, CanCancel(expires, false, expires), "exactly at expiry is not past it")
	assert.True(t, CanCancel(expires, false, expires.Add(time.Second)))

	// A delivery claim blocks cancellation forever.
	assert.False(t, CanCancel(expires, true, expires.Add(365*24*time.Hour)))
}

func TestCanAutoComplete(t *testing.T) {
	claim := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	assert.False(t, CanAutoComplete(false, time.Time{}, DefaultClaimWindow, claim.Add(48*time.Hour)))
	assert.False(t, CanAutoComplete(true, claim, DefaultClaimWindow, claim.Add(DefaultClaimWindow-time.Second)))
	// Boundary is inclusive: exactly claimTime+window is legal.
	assert.True(t, CanAutoComplete(true, claim, DefaultClaimWindow, claim.Add(DefaultClaimWindow)))
	assert.True(t, CanAutoComplete(true, claim, DefaultClaimWindow, claim.Add(DefaultClaimWindow+time.Hour)))
}

func TestResetIfNewDay(t *testing.T) {
	morning := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	nextDay := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)

	w := SpendWindow{SpentToday: big.NewInt(500), LastReset: morning}

	same := ResetIfNewDay(w, evening)
	assert.Equal(t, int64(500), same.SpentToday.Int64(), "same day keeps spentToday")
	assert.Equal(t, morning, same.LastReset)

	reset := ResetIfNewDay(w, nextDay)
	assert.Equal(t, int64(0), reset.SpentToday.Int64(), "new day zeroes spentToday")
	assert.Equal(t, nextDay, reset.LastReset)

	// The input window must not be mutated.
	assert.Equal(t, int64(500), w.SpentToday.Int64())
}

func TestWithinDailyLimit(t *testing.T) {
	limit := big.NewInt(1000)

	assert.True(t, WithinDailyLimit(big.NewInt(0), big.NewInt(1000), limit), "spending exactly the limit is allowed")
	assert.True(t, WithinDailyLimit(big.NewInt(999), big.NewInt(1), limit))
	assert.False(t, WithinDailyLimit(big.NewInt(999), big.NewInt(2), limit))
	assert.False(t, WithinDailyLimit(big.NewInt(1000), big.NewInt(1), limit))
}
