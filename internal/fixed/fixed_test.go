package fixed_test

import (
	"math/big"
	"testing"

	"github.com/Flex-Community/perpcore/internal/fixed"
)

func TestTokenToUSD_Truncates(t *testing.T) {
	// 1.5 tokens at $3, 6 decimals
	amount := big.NewInt(1_500_000)
	price := fixed.USD(3)
	got := fixed.TokenToUSD(amount, price, 6)
	want := new(big.Int).Add(fixed.USD(4), new(big.Int).Quo(fixed.E30, big.NewInt(2))) // $4.50
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}

	// A dust balance whose value falls below one e30 unit truncates to
	// zero rather than rounding up in the payer's favor.
	dust := fixed.TokenToUSD(big.NewInt(1), big.NewInt(5), 1)
	if dust.Sign() != 0 {
		t.Errorf("dust value: got %s, want 0", dust)
	}
}

func TestUSDToToken_RoundsUp(t *testing.T) {
	// $10 at $3 per token, 6 decimals: 3.333... rounds up to 3.333334
	got := fixed.USDToToken(fixed.USD(10), fixed.USD(3), 6)
	want := big.NewInt(3_333_334)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}

	// Exact division does not round.
	exact := fixed.USDToToken(fixed.USD(10), fixed.USD(2), 6)
	if exact.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Errorf("exact: got %s, want 5000000", exact)
	}
}

func TestUSDToToken_RoundTripCoversValue(t *testing.T) {
	// The rounded-up token amount, valued back at the same price, must be
	// at least the original USD value.
	prices := []*big.Int{fixed.USD(3), fixed.USD(7), fixed.USD(1999)}
	values := []*big.Int{fixed.USD(1), fixed.USD(123), fixed.USD(999_999)}
	for _, p := range prices {
		for _, v := range values {
			tokens := fixed.USDToToken(v, p, 8)
			back := fixed.TokenToUSD(tokens, p, 8)
			if back.Cmp(v) < 0 {
				t.Errorf("round trip undervalues: price=%s value=%s back=%s", p, v, back)
			}
		}
	}
}

func TestUSDToToken_PanicsOnZeroPrice(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on zero price")
		}
	}()
	fixed.USDToToken(fixed.USD(1), new(big.Int), 6)
}

func TestMulBps(t *testing.T) {
	got := fixed.MulBps(fixed.USD(10_000), 7)
	want := fixed.USD(7)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
	if fixed.MulBps(big.NewInt(9_999), 1).Cmp(new(big.Int)) != 0 {
		t.Error("sub-denominator product should truncate to zero")
	}
}

func TestMulRate(t *testing.T) {
	// $1000 at a 0.15 rate
	rate := new(big.Int).Quo(new(big.Int).Mul(fixed.RateUnit, big.NewInt(15)), big.NewInt(100))
	got := fixed.MulRate(fixed.USD(1000), rate)
	if got.Cmp(fixed.USD(150)) != 0 {
		t.Errorf("got %s, want %s", got, fixed.USD(150))
	}
}

func TestClone_NilIsZero(t *testing.T) {
	got := fixed.Clone(nil)
	if got == nil || got.Sign() != 0 {
		t.Errorf("got %v, want zero", got)
	}
}

func TestMin(t *testing.T) {
	a, b := big.NewInt(3), big.NewInt(5)
	if fixed.Min(a, b).Cmp(a) != 0 {
		t.Error("min(3,5) != 3")
	}
	got := fixed.Min(a, b)
	got.SetInt64(99)
	if a.Int64() != 3 {
		t.Error("Min must return a fresh value")
	}
}
