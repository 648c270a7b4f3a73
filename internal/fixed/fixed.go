package fixed

import (
	"fmt"
	"math/big"
)

// USD values are fixed-point integers with 30 decimal places ("e30 scale").
// Rates (funding, borrowing) use 18 decimal places. Token amounts use each
// token's native decimals. All arithmetic goes through math/big so there is
// no silent wraparound; invalid inputs fail loudly.

const (
	USDDecimals  = 30
	RateDecimals = 18
	BpsDenom     = 10_000
)

var (
	// E30 is one USD at 30-decimal precision.
	E30 = Pow10(USDDecimals)

	// RateUnit is 1.0 at rate precision.
	RateUnit = Pow10(RateDecimals)

	bpsDenom = big.NewInt(BpsDenom)
)

// Pow10 returns 10^n as a fresh big.Int.
func Pow10(n int) *big.Int {
	if n < 0 {
		panic(fmt.Sprintf("fixed: negative exponent %d", n))
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// USD converts a whole-dollar int64 to e30 scale. Convenience for wiring
// defaults and tests.
func USD(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), E30)
}

// MulE30 returns a*b/1e30, i.e. the product of two e30 values at e30 scale,
// truncated toward zero.
func MulE30(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, E30)
}

// MulRate applies an e18 rate to an e30 value: a*r/1e18, truncated.
func MulRate(a, r *big.Int) *big.Int {
	out := new(big.Int).Mul(a, r)
	return out.Quo(out, RateUnit)
}

// MulBps returns a*bps/10_000, truncated toward zero.
func MulBps(a *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(a, big.NewInt(bps))
	return out.Quo(out, bpsDenom)
}

// TokenToUSD converts a token amount in native decimals to e30 USD given a
// price at e30 scale. Truncates toward zero, so a partial balance is never
// valued above what the payer actually holds.
func TokenToUSD(amount, priceE30 *big.Int, decimals uint8) *big.Int {
	if priceE30.Sign() <= 0 {
		panic(fmt.Sprintf("fixed: non-positive price %s", priceE30))
	}
	out := new(big.Int).Mul(amount, priceE30)
	return out.Quo(out, Pow10(int(decimals)))
}

// USDToToken converts an e30 USD value to a token amount in native decimals,
// rounding up. Repaying a fee with the rounded-up amount always covers the
// full USD value owed; the fractional token remainder stays with the payee.
func USDToToken(usdE30, priceE30 *big.Int, decimals uint8) *big.Int {
	if priceE30.Sign() <= 0 {
		panic(fmt.Sprintf("fixed: non-positive price %s", priceE30))
	}
	num := new(big.Int).Mul(usdE30, Pow10(int(decimals)))
	rem := new(big.Int)
	out, rem := num.QuoRem(num, priceE30, rem)
	if rem.Sign() > 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// Abs returns |a| as a fresh big.Int.
func Abs(a *big.Int) *big.Int {
	return new(big.Int).Abs(a)
}

// Neg returns -a as a fresh big.Int.
func Neg(a *big.Int) *big.Int {
	return new(big.Int).Neg(a)
}

// Clone returns a defensive copy. Nil is treated as zero.
func Clone(a *big.Int) *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a)
}

// Min returns the smaller of a and b as a fresh big.Int.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}
