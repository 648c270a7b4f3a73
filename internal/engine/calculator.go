package engine

import (
	"fmt"
	"math/big"

	"github.com/Flex-Community/perpcore/internal/config"
	"github.com/Flex-Community/perpcore/internal/fixed"
	"github.com/Flex-Community/perpcore/internal/oracle"
	"github.com/Flex-Community/perpcore/internal/store"
)

// RateCalculator supplies the per-interval incremental rates folded into the
// global accumulators. Rates are e18 fixed point, per funding interval.
type RateCalculator interface {
	// BorrowingRate returns the per-interval borrowing rate for the asset
	// class, derived from reserved value and pool utilization.
	BorrowingRate(assetClass int) (*big.Int, error)

	// FundingRate returns the signed per-interval funding rate for the
	// market, derived from long/short open-interest skew. Positive means
	// longs pay shorts.
	FundingRate(marketIndex int) (*big.Int, error)
}

// DefaultCalculator derives rates from the live stores and oracle:
// borrowing from asset-class reserve over pool TVL, funding from
// open-interest skew normalized by the market's max skew scale.
type DefaultCalculator struct {
	cfg       *config.TradingConfig
	ledger    *store.Ledger
	positions *store.PositionStore
	oracle    oracle.Gateway
}

func NewDefaultCalculator(
	cfg *config.TradingConfig,
	ledger *store.Ledger,
	positions *store.PositionStore,
	gw oracle.Gateway,
) *DefaultCalculator {
	return &DefaultCalculator{cfg: cfg, ledger: ledger, positions: positions, oracle: gw}
}

// BorrowingRate returns baseRate * reservedValue / poolTVL for one interval.
// Zero TVL or zero reserve means zero rate.
func (c *DefaultCalculator) BorrowingRate(assetClass int) (*big.Int, error) {
	acCfg, ok := c.cfg.AssetClass(assetClass)
	if !ok {
		return nil, fmt.Errorf("unknown asset class %d", assetClass)
	}

	reserve := c.positions.AssetClassState(assetClass).ReserveValueE30
	if reserve.Sign() <= 0 {
		return new(big.Int), nil
	}

	tvl, err := c.PoolTVL()
	if err != nil {
		return nil, fmt.Errorf("pool tvl: %w", err)
	}
	if tvl.Sign() <= 0 {
		return new(big.Int), nil
	}

	rate := new(big.Int).Mul(acCfg.BaseBorrowingRate, reserve)
	return rate.Quo(rate, tvl), nil
}

// FundingRate returns (skew / maxSkewScale) * maxFundingRate, clamped to
// +/- maxFundingRate. Skew is longOI - shortOI: a long-heavy market yields a
// positive rate (longs pay).
func (c *DefaultCalculator) FundingRate(marketIndex int) (*big.Int, error) {
	mktCfg, ok := c.cfg.Market(marketIndex)
	if !ok {
		return nil, fmt.Errorf("unknown market %d", marketIndex)
	}

	ms := c.positions.MarketState(marketIndex)
	skew := new(big.Int).Sub(ms.LongSizeE30, ms.ShortSizeE30)
	if skew.Sign() == 0 {
		return new(big.Int), nil
	}

	rate := new(big.Int).Mul(skew, mktCfg.MaxFundingRate)
	rate.Quo(rate, mktCfg.MaxSkewScaleE30)

	// Clamp to the configured ceiling.
	maxRate := mktCfg.MaxFundingRate
	if rate.CmpAbs(maxRate) > 0 {
		if rate.Sign() > 0 {
			rate.Set(maxRate)
		} else {
			rate.Neg(maxRate)
		}
	}
	return rate, nil
}

// PoolTVL values the pooled liquidity across all configured collateral
// tokens at current oracle prices (USD e30).
func (c *DefaultCalculator) PoolTVL() (*big.Int, error) {
	tvl := new(big.Int)
	for _, tok := range c.cfg.Tokens {
		amount := c.ledger.PoolLiquidity(tok.Symbol)
		if amount.Sign() == 0 {
			continue
		}
		price, _, err := c.oracle.GetPrice(tok.AssetID, false)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", tok.Symbol, err)
		}
		tvl.Add(tvl, fixed.TokenToUSD(amount, price, tok.Decimals))
	}
	return tvl, nil
}
