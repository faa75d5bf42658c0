// Package token provides fixed-point arithmetic helpers for the settlement
// token. All balances and amounts move through the system as raw base units
// (*big.Int) at 18 decimals; human-readable strings only appear at the API
// boundary.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the decimal precision of the settlement token.
const Decimals = 18

var (
	ErrInvalidAmount = errors.New("token: invalid amount")

	// unit is 10^Decimals, the raw value of "1".
	unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
)

// Parse converts a human-readable decimal string ("1.5") to raw base units.
// Negative and malformed input is rejected. Fractional digits beyond the
// token's precision are truncated, never rounded up.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative amounts not allowed", ErrInvalidAmount)
	}

	parts := strings.Split(s, ".")
	var whole, frac string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole, frac = parts[0], parts[1]
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	result := new(big.Int).Mul(wholeBig, unit)

	if frac != "" {
		if len(frac) > Decimals {
			frac = frac[:Decimals]
		}
		for len(frac) < Decimals {
			frac += "0"
		}
		fracBig, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		result.Add(result, fracBig)
	}

	return result, nil
}

// MustParse is Parse for compile-time constants in tests and defaults.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format converts raw base units to a human-readable decimal string.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	whole := new(big.Int).Quo(amount, unit)
	remainder := new(big.Int).Mod(amount, unit)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := remainder.String()
	for len(frac) < Decimals {
		frac = "0" + frac
	}
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}

// IsPositive reports whether amount is non-nil and strictly greater than zero.
func IsPositive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// Zero returns a new zero-valued amount.
func Zero() *big.Int {
	return new(big.Int)
}
