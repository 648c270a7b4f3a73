package oracle_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/Flex-Community/perpcore/internal/fixed"
	"github.com/Flex-Community/perpcore/internal/oracle"
)

func TestPriceCache_UnknownAsset(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)
	_, _, err := pc.GetPrice("ETH", false)
	if !errors.Is(err, oracle.ErrUnknownAsset) {
		t.Errorf("got %v, want ErrUnknownAsset", err)
	}
}

func TestPriceCache_ConfidenceBand(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)
	now := time.Now()
	pc.Now = func() time.Time { return now }

	if err := pc.SetPrice("ETH", fixed.USD(2000), fixed.USD(10), oracle.MarketStatusActive, now); err != nil {
		t.Fatalf("set price: %v", err)
	}

	hi, _, err := pc.GetPrice("ETH", true)
	if err != nil {
		t.Fatalf("get max: %v", err)
	}
	if hi.Cmp(fixed.USD(2010)) != 0 {
		t.Errorf("max side: got %s, want %s", hi, fixed.USD(2010))
	}

	lo, _, err := pc.GetPrice("ETH", false)
	if err != nil {
		t.Fatalf("get min: %v", err)
	}
	if lo.Cmp(fixed.USD(1990)) != 0 {
		t.Errorf("min side: got %s, want %s", lo, fixed.USD(1990))
	}
}

func TestPriceCache_NilConfidenceIsExact(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)
	now := time.Now()
	pc.Now = func() time.Time { return now }

	pc.SetPrice("USDC", fixed.USD(1), nil, oracle.MarketStatusActive, now)
	hi, _, _ := pc.GetPrice("USDC", true)
	lo, _, _ := pc.GetPrice("USDC", false)
	if hi.Cmp(lo) != 0 {
		t.Errorf("exact price must ignore direction: max=%s min=%s", hi, lo)
	}
}

func TestPriceCache_Staleness(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)
	ts := time.Now()
	pc.SetPrice("ETH", fixed.USD(2000), nil, oracle.MarketStatusActive, ts)

	pc.Now = func() time.Time { return ts.Add(29 * time.Second) }
	if _, _, err := pc.GetPrice("ETH", false); err != nil {
		t.Errorf("fresh price: unexpected error %v", err)
	}

	pc.Now = func() time.Time { return ts.Add(31 * time.Second) }
	_, _, err := pc.GetPrice("ETH", false)
	if !errors.Is(err, oracle.ErrPriceStale) {
		t.Errorf("got %v, want ErrPriceStale", err)
	}
}

func TestPriceCache_MarketStatus(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)
	now := time.Now()
	pc.Now = func() time.Time { return now }

	pc.SetPrice("EURUSD", fixed.USD(1), nil, oracle.MarketStatusClosed, now)
	_, _, err := pc.GetPrice("EURUSD", false)
	if !errors.Is(err, oracle.ErrMarketClosed) {
		t.Errorf("got %v, want ErrMarketClosed", err)
	}

	pc.SetPrice("AAPL", fixed.USD(200), nil, oracle.MarketStatusUndefined, now)
	_, _, err = pc.GetPrice("AAPL", false)
	if !errors.Is(err, oracle.ErrMarketStatusUndefined) {
		t.Errorf("got %v, want ErrMarketStatusUndefined", err)
	}

	pc.SetStatus("EURUSD", oracle.MarketStatusActive)
	if _, _, err := pc.GetPrice("EURUSD", false); err != nil {
		t.Errorf("reopened market: unexpected error %v", err)
	}
}

func TestPriceCache_ConfidenceSwallowsPrice(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)
	now := time.Now()
	pc.Now = func() time.Time { return now }

	// $10 mid with a $15 band: the max side is still usable, but the
	// min side would be negative.
	if err := pc.SetPrice("PENNY", fixed.USD(10), fixed.USD(15), oracle.MarketStatusActive, now); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if _, _, err := pc.GetPrice("PENNY", true); err != nil {
		t.Errorf("max side: unexpected error %v", err)
	}
	_, _, err := pc.GetPrice("PENNY", false)
	if !errors.Is(err, oracle.ErrPriceInvalid) {
		t.Errorf("got %v, want ErrPriceInvalid", err)
	}
	if errors.Is(err, oracle.ErrPriceStale) {
		t.Error("swallowed price must not report as staleness")
	}
}

func TestPriceCache_SetStatusUnknownAssetIsNoOp(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)

	pc.SetStatus("DOGE", oracle.MarketStatusActive)
	_, _, err := pc.GetPrice("DOGE", false)
	if !errors.Is(err, oracle.ErrUnknownAsset) {
		t.Errorf("got %v, want ErrUnknownAsset — no entry may be fabricated", err)
	}
}

func TestPriceCache_RejectsBadInputs(t *testing.T) {
	pc := oracle.NewPriceCache(30 * time.Second)
	now := time.Now()

	if err := pc.SetPrice("ETH", new(big.Int), nil, oracle.MarketStatusActive, now); err == nil {
		t.Error("zero price must be rejected")
	}
	if err := pc.SetPrice("ETH", fixed.USD(2000), big.NewInt(-1), oracle.MarketStatusActive, now); err == nil {
		t.Error("negative confidence must be rejected")
	}
}
