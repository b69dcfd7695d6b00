// Package amount provides settlement-token amount parsing, formatting and the
// integer arithmetic used for premiums.
//
// The settlement token uses 6 decimal places. All amounts are held as big.Int
// in the smallest unit (1 token = 1,000,000 units). Every division floors.
package amount

import (
	"math/big"
	"strings"
)

// Decimals is the settlement token's decimal count.
const Decimals = 6

// MaxBPS is 100% expressed in basis points.
const MaxBPS = 10000

var (
	unit   = big.NewInt(1_000_000)
	maxBPS = big.NewInt(MaxBPS)
)

// Units returns whole token count n in smallest units (n × 10^6).
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// Zero returns a fresh zero amount.
func Zero() *big.Int { return new(big.Int) }

// Clone copies x; nil becomes zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	return new(big.Int).SetString(whole+frac, 10)
}

// ParseRaw parses an integer string already in smallest units.
func ParseRaw(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// MulBPS returns floor(x × bps / 10000).
func MulBPS(x *big.Int, bps int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(x, big.NewInt(int64(bps)))
	return out.Quo(out, maxBPS)
}

// ProRata returns floor(total × part / whole), or zero when whole is not
// positive.
func ProRata(total, part, whole *big.Int) *big.Int {
	if total == nil || part == nil || whole == nil || whole.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(total, part)
	return out.Quo(out, whole)
}
