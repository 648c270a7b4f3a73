package engine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/Flex-Community/perpcore/internal/config"
	"github.com/Flex-Community/perpcore/internal/fixed"
	"github.com/Flex-Community/perpcore/internal/observability"
	"github.com/Flex-Community/perpcore/internal/oracle"
	"github.com/Flex-Community/perpcore/internal/store"
)

// ErrWithdrawBalanceBelowIMR rejects a withdrawal that would leave a
// sub-account's equity under its initial margin requirement.
var ErrWithdrawBalanceBelowIMR = errors.New("withdrawal would leave equity below initial margin requirement")

// MarginValidator evaluates sub-account health: collateral value,
// unrealized PnL, margin requirements and liquidation eligibility.
type MarginValidator struct {
	cfg       *config.TradingConfig
	ledger    *store.Ledger
	positions *store.PositionStore
	gw        oracle.Gateway
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewMarginValidator(cfg *config.TradingConfig, ledger *store.Ledger, positions *store.PositionStore, gw oracle.Gateway, metrics *observability.Metrics) *MarginValidator {
	return &MarginValidator{
		cfg:       cfg,
		ledger:    ledger,
		positions: positions,
		gw:        gw,
		log:       observability.NewLogger("margin"),
		metrics:   metrics,
	}
}

// CollateralValue returns the haircut e30 USD value of every token the
// sub-account holds. Prices are taken on the adverse side for the trader.
func (mv *MarginValidator) CollateralValue(sub store.SubAccount) (*big.Int, error) {
	total := new(big.Int)
	for _, sym := range mv.ledger.TraderTokens(sub) {
		tok, ok := mv.cfg.Token(sym)
		if !ok {
			return nil, fmt.Errorf("token %s not configured", sym)
		}
		price, _, err := mv.gw.GetPrice(tok.AssetID, false)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", tok.AssetID, err)
		}
		value := fixed.TokenToUSD(mv.ledger.TraderBalance(sub, sym), price, tok.Decimals)
		total.Add(total, fixed.MulBps(value, tok.CollateralFactorBps))
	}
	return total, nil
}

// UnrealizedPnl returns the signed e30 USD PnL of a single position at
// the current mark price.
func (mv *MarginValidator) UnrealizedPnl(pos *store.Position) (*big.Int, error) {
	market, ok := mv.cfg.Market(pos.MarketIndex)
	if !ok {
		return nil, fmt.Errorf("market %d not configured", pos.MarketIndex)
	}
	// Mark on the adverse side: a long is valued at the bid-side price,
	// a short at the ask-side price.
	price, _, err := mv.gw.GetPrice(market.AssetID, !pos.IsLong())
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", market.AssetID, err)
	}
	if pos.AvgEntryPriceE30.Sign() <= 0 {
		return new(big.Int), nil
	}
	// pnl = size * (price - entry) / entry; a short's negative size
	// flips the sign so a falling price yields positive PnL.
	pnl := new(big.Int).Sub(price, pos.AvgEntryPriceE30)
	pnl.Mul(pnl, pos.SizeE30)
	pnl.Quo(pnl, pos.AvgEntryPriceE30)
	return pnl, nil
}

// Equity returns haircut collateral value plus the unrealized PnL of
// every open position under the sub-account.
func (mv *MarginValidator) Equity(sub store.SubAccount) (*big.Int, error) {
	equity, err := mv.CollateralValue(sub)
	if err != nil {
		return nil, err
	}
	for _, pos := range mv.positions.PositionsBySubAccount(sub) {
		pnl, err := mv.UnrealizedPnl(pos)
		if err != nil {
			return nil, err
		}
		equity.Add(equity, pnl)
	}
	return equity, nil
}

func (mv *MarginValidator) marginRequirement(sub store.SubAccount, maintenance bool) (*big.Int, error) {
	total := new(big.Int)
	for _, pos := range mv.positions.PositionsBySubAccount(sub) {
		market, ok := mv.cfg.Market(pos.MarketIndex)
		if !ok {
			return nil, fmt.Errorf("market %d not configured", pos.MarketIndex)
		}
		bps := market.InitialMarginBps
		if maintenance {
			bps = market.MaintenanceMarginBps
		}
		total.Add(total, fixed.MulBps(fixed.Abs(pos.SizeE30), bps))
	}
	return total, nil
}

// IMR returns the sub-account's initial margin requirement in e30 USD.
func (mv *MarginValidator) IMR(sub store.SubAccount) (*big.Int, error) {
	return mv.marginRequirement(sub, false)
}

// MMR returns the sub-account's maintenance margin requirement in e30 USD.
func (mv *MarginValidator) MMR(sub store.SubAccount) (*big.Int, error) {
	return mv.marginRequirement(sub, true)
}

// FreeCollateral returns equity minus IMR, floored at zero.
func (mv *MarginValidator) FreeCollateral(sub store.SubAccount) (*big.Int, error) {
	equity, err := mv.Equity(sub)
	if err != nil {
		return nil, err
	}
	imr, err := mv.IMR(sub)
	if err != nil {
		return nil, err
	}
	free := equity.Sub(equity, imr)
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	return free, nil
}

// ValidateWithdraw checks that withdrawing amount of token sym leaves the
// sub-account at or above its initial margin requirement.
func (mv *MarginValidator) ValidateWithdraw(sub store.SubAccount, sym string, amount *big.Int) error {
	if !mv.positions.HasActivePositions(sub) {
		mv.observeCheck("ok")
		return nil
	}
	tok, ok := mv.cfg.Token(sym)
	if !ok {
		return fmt.Errorf("token %s not configured", sym)
	}
	price, _, err := mv.gw.GetPrice(tok.AssetID, false)
	if err != nil {
		return fmt.Errorf("price %s: %w", tok.AssetID, err)
	}
	equity, err := mv.Equity(sub)
	if err != nil {
		return err
	}
	withdrawn := fixed.MulBps(fixed.TokenToUSD(amount, price, tok.Decimals), tok.CollateralFactorBps)
	equity.Sub(equity, withdrawn)
	imr, err := mv.IMR(sub)
	if err != nil {
		return err
	}
	if equity.Cmp(imr) < 0 {
		mv.observeCheck("below_imr")
		return fmt.Errorf("%w: equity %s imr %s", ErrWithdrawBalanceBelowIMR, equity.String(), imr.String())
	}
	mv.observeCheck("ok")
	return nil
}

// Liquidatable reports whether the sub-account's equity has fallen under
// its maintenance margin requirement.
func (mv *MarginValidator) Liquidatable(sub store.SubAccount) (bool, error) {
	if !mv.positions.HasActivePositions(sub) {
		return false, nil
	}
	equity, err := mv.Equity(sub)
	if err != nil {
		return false, err
	}
	mmr, err := mv.MMR(sub)
	if err != nil {
		return false, err
	}
	liq := equity.Cmp(mmr) < 0
	if liq {
		if mv.metrics != nil {
			mv.metrics.LiquidationEligible.Inc()
		}
		mv.log.Warn().
			Str("sub_account", sub.String()).
			Str("equity_e30", equity.String()).
			Str("mmr_e30", mmr.String()).
			Msg("sub-account below maintenance margin")
	}
	return liq, nil
}

func (mv *MarginValidator) observeCheck(outcome string) {
	if mv.metrics != nil {
		mv.metrics.MarginChecks.WithLabelValues(outcome).Inc()
	}
}
