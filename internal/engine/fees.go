package engine

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Flex-Community/perpcore/internal/auth"
	"github.com/Flex-Community/perpcore/internal/config"
	"github.com/Flex-Community/perpcore/internal/fixed"
	"github.com/Flex-Community/perpcore/internal/observability"
	"github.com/Flex-Community/perpcore/internal/oracle"
	"github.com/Flex-Community/perpcore/internal/store"
)

// Fee kinds settled against a position.
const (
	FeeKindTrading   = "trading"
	FeeKindBorrowing = "borrowing"
	FeeKindFunding   = "funding"
)

var (
	// ErrTradingFeeCannotBeCovered is returned when a trader's combined
	// collateral cannot cover the trading fee. No balances are mutated.
	ErrTradingFeeCannotBeCovered = errors.New("trading fee cannot be covered by trader collateral")

	// ErrBorrowingFeeCannotBeCovered is returned when a trader's combined
	// collateral cannot cover the accrued borrowing fee.
	ErrBorrowingFeeCannotBeCovered = errors.New("borrowing fee cannot be covered by trader collateral")

	// ErrFundingFeeCannotBeCovered is returned when either side of a
	// funding payment cannot be covered in full.
	ErrFundingFeeCannotBeCovered = errors.New("funding fee cannot be covered")
)

// SettlementLeg records a single token movement performed while settling
// one fee kind. Payer is "trader" when collateral was drawn and "pool"
// when the funding reserve or pooled liquidity paid out.
type SettlementLeg struct {
	Kind        string
	TokenSymbol string
	Payer       string
	AmountToken *big.Int
	ValueE30    *big.Int
}

// SettlementResult is the full record of one SettleAllFees call. Funding
// fee is signed; the trader paid it when its sign differs from the
// position's direction.
type SettlementResult struct {
	SettlementID    uuid.UUID
	PositionID      [32]byte
	SubAccount      store.SubAccount
	MarketIndex     int
	TradingFeeE30   *big.Int
	BorrowingFeeE30 *big.Int
	FundingFeeE30   *big.Int
	Legs            []SettlementLeg
	SettledAt       time.Time
}

// FeeSettler settles trading, borrowing and funding fees against trader
// collateral and the pool's token balances. A settlement is atomic: all
// three fee kinds either commit together or no balance changes at all.
type FeeSettler struct {
	cfg       *config.TradingConfig
	ledger    *store.Ledger
	positions *store.PositionStore
	gw        oracle.Gateway
	cred      auth.Credential
	log       zerolog.Logger
	metrics   *observability.Metrics

	// OnSettle, when set, receives every committed settlement record.
	OnSettle func(*SettlementResult)

	// Now is swappable for tests.
	Now func() time.Time
}

func NewFeeSettler(cfg *config.TradingConfig, ledger *store.Ledger, positions *store.PositionStore, gw oracle.Gateway, cred auth.Credential, metrics *observability.Metrics) *FeeSettler {
	return &FeeSettler{
		cfg:       cfg,
		ledger:    ledger,
		positions: positions,
		gw:        gw,
		cred:      cred,
		log:       observability.NewLogger("fees"),
		metrics:   metrics,
		Now:       time.Now,
	}
}

// settlementTx stages every balance movement of one settlement in working
// copies. Nothing touches the ledger until commit, so a failed fee kind
// leaves no trace of the ones settled before it.
type settlementTx struct {
	fs  *FeeSettler
	sub store.SubAccount

	trader         map[string]*big.Int
	traderStart    map[string]*big.Int
	liquidity      map[string]*big.Int
	liquidityStart map[string]*big.Int
	reserve        map[string]*big.Int
	reserveStart   map[string]*big.Int

	devCredit      map[string]*big.Int
	protocolCredit map[string]*big.Int

	// Net change to pool liquidity debt, in e30 USD. Positive when
	// pooled liquidity was tapped to pay funding out.
	debtDeltaE30 *big.Int

	legs []SettlementLeg
}

func (fs *FeeSettler) newTx(sub store.SubAccount) *settlementTx {
	tx := &settlementTx{
		fs:             fs,
		sub:            sub,
		trader:         make(map[string]*big.Int),
		traderStart:    make(map[string]*big.Int),
		liquidity:      make(map[string]*big.Int),
		liquidityStart: make(map[string]*big.Int),
		reserve:        make(map[string]*big.Int),
		reserveStart:   make(map[string]*big.Int),
		devCredit:      make(map[string]*big.Int),
		protocolCredit: make(map[string]*big.Int),
		debtDeltaE30:   new(big.Int),
	}
	for _, tok := range fs.cfg.Tokens {
		tx.traderStart[tok.Symbol] = fs.ledger.TraderBalance(sub, tok.Symbol)
		tx.trader[tok.Symbol] = fixed.Clone(tx.traderStart[tok.Symbol])
		tx.liquidityStart[tok.Symbol] = fs.ledger.PoolLiquidity(tok.Symbol)
		tx.liquidity[tok.Symbol] = fixed.Clone(tx.liquidityStart[tok.Symbol])
		tx.reserveStart[tok.Symbol] = fs.ledger.FundingReserve(tok.Symbol)
		tx.reserve[tok.Symbol] = fixed.Clone(tx.reserveStart[tok.Symbol])
	}
	return tx
}

func (tx *settlementTx) outstandingDebt() *big.Int {
	d := tx.fs.ledger.PoolLiquidityDebt()
	d.Add(d, tx.debtDeltaE30)
	if d.Sign() < 0 {
		d.SetInt64(0)
	}
	return d
}

// drawFromTrader walks the configured token order and drains trader
// collateral until owedE30 is covered, invoking distribute for each leg
// with the token amount moved and its e30 value. Returns coverErr when
// the combined balances fall short.
func (tx *settlementTx) drawFromTrader(kind string, owedE30 *big.Int, coverErr error, distribute func(tok config.CollateralToken, amount, valueE30 *big.Int)) error {
	remaining := fixed.Clone(owedE30)
	for _, tok := range tx.fs.cfg.Tokens {
		if remaining.Sign() == 0 {
			break
		}
		bal := tx.trader[tok.Symbol]
		if bal.Sign() <= 0 {
			continue
		}
		price, _, err := tx.fs.gw.GetPrice(tok.AssetID, false)
		if err != nil {
			return fmt.Errorf("price %s: %w", tok.AssetID, err)
		}
		need := fixed.USDToToken(remaining, price, tok.Decimals)
		if bal.Cmp(need) >= 0 {
			bal.Sub(bal, need)
			distribute(tok, need, remaining)
			tx.legs = append(tx.legs, SettlementLeg{
				Kind:        kind,
				TokenSymbol: tok.Symbol,
				Payer:       "trader",
				AmountToken: fixed.Clone(need),
				ValueE30:    fixed.Clone(remaining),
			})
			remaining.SetInt64(0)
			break
		}
		// Partial leg: drain the whole balance, valued at what it is
		// actually worth so rounding never overstates the repayment.
		value := fixed.TokenToUSD(bal, price, tok.Decimals)
		amount := fixed.Clone(bal)
		bal.SetInt64(0)
		distribute(tok, amount, value)
		tx.legs = append(tx.legs, SettlementLeg{
			Kind:        kind,
			TokenSymbol: tok.Symbol,
			Payer:       "trader",
			AmountToken: amount,
			ValueE30:    value,
		})
		remaining.Sub(remaining, value)
	}
	if remaining.Sign() > 0 {
		return fmt.Errorf("%w: %s uncovered", coverErr, remaining.String())
	}
	return nil
}

// payTrader walks the configured token order paying owedE30 out to the
// trader, draining the funding reserve before pooled liquidity. Each unit
// of liquidity tapped is recorded as pool liquidity debt.
func (tx *settlementTx) payTrader(owedE30 *big.Int) error {
	remaining := fixed.Clone(owedE30)
	for _, tok := range tx.fs.cfg.Tokens {
		if remaining.Sign() == 0 {
			break
		}
		price, _, err := tx.fs.gw.GetPrice(tok.AssetID, true)
		if err != nil {
			return fmt.Errorf("price %s: %w", tok.AssetID, err)
		}
		sources := []struct {
			bal      *big.Int
			borrowed bool
		}{
			{tx.reserve[tok.Symbol], false},
			{tx.liquidity[tok.Symbol], true},
		}
		for _, src := range sources {
			if remaining.Sign() == 0 {
				break
			}
			if src.bal.Sign() <= 0 {
				continue
			}
			need := fixed.USDToToken(remaining, price, tok.Decimals)
			var amount, value *big.Int
			if src.bal.Cmp(need) >= 0 {
				amount = need
				value = fixed.Clone(remaining)
			} else {
				amount = fixed.Clone(src.bal)
				value = fixed.TokenToUSD(amount, price, tok.Decimals)
			}
			src.bal.Sub(src.bal, amount)
			tx.trader[tok.Symbol].Add(tx.trader[tok.Symbol], amount)
			if src.borrowed {
				tx.debtDeltaE30.Add(tx.debtDeltaE30, value)
			}
			tx.legs = append(tx.legs, SettlementLeg{
				Kind:        FeeKindFunding,
				TokenSymbol: tok.Symbol,
				Payer:       "pool",
				AmountToken: fixed.Clone(amount),
				ValueE30:    fixed.Clone(value),
			})
			remaining.Sub(remaining, value)
		}
	}
	if remaining.Sign() > 0 {
		return fmt.Errorf("%w: pool short %s", ErrFundingFeeCannotBeCovered, remaining.String())
	}
	return nil
}

// commit applies every staged movement through the ledger. All working
// balances were validated against their starting values, so a failure
// here is a programming error.
func (tx *settlementTx) commit() {
	fs := tx.fs
	for _, tok := range fs.cfg.Tokens {
		sym := tok.Symbol
		if err := applyDelta(tx.trader[sym], tx.traderStart[sym],
			func(d *big.Int) error { return fs.ledger.IncreaseTraderBalance(fs.cred, tx.sub, sym, d) },
			func(d *big.Int) error { return fs.ledger.DecreaseTraderBalance(fs.cred, tx.sub, sym, d) },
		); err != nil {
			panic(fmt.Sprintf("FATAL: settlement commit trader %s: %v", sym, err))
		}
		if err := applyDelta(tx.liquidity[sym], tx.liquidityStart[sym],
			func(d *big.Int) error { return fs.ledger.AddPoolLiquidity(fs.cred, sym, d) },
			func(d *big.Int) error { return fs.ledger.RemovePoolLiquidity(fs.cred, sym, d) },
		); err != nil {
			panic(fmt.Sprintf("FATAL: settlement commit liquidity %s: %v", sym, err))
		}
		if err := applyDelta(tx.reserve[sym], tx.reserveStart[sym],
			func(d *big.Int) error { return fs.ledger.AddFundingReserve(fs.cred, sym, d) },
			func(d *big.Int) error { return fs.ledger.RemoveFundingReserve(fs.cred, sym, d) },
		); err != nil {
			panic(fmt.Sprintf("FATAL: settlement commit reserve %s: %v", sym, err))
		}
	}
	for sym, amt := range tx.devCredit {
		if err := fs.ledger.AddDevFee(fs.cred, sym, amt); err != nil {
			panic(fmt.Sprintf("FATAL: settlement commit dev fee %s: %v", sym, err))
		}
	}
	for sym, amt := range tx.protocolCredit {
		if err := fs.ledger.AddProtocolFee(fs.cred, sym, amt); err != nil {
			panic(fmt.Sprintf("FATAL: settlement commit protocol fee %s: %v", sym, err))
		}
	}
	switch tx.debtDeltaE30.Sign() {
	case 1:
		if err := fs.ledger.AddPoolLiquidityDebt(fs.cred, tx.debtDeltaE30); err != nil {
			panic(fmt.Sprintf("FATAL: settlement commit debt: %v", err))
		}
	case -1:
		if err := fs.ledger.ReducePoolLiquidityDebt(fs.cred, fixed.Neg(tx.debtDeltaE30)); err != nil {
			panic(fmt.Sprintf("FATAL: settlement commit debt repay: %v", err))
		}
	}
}

func applyDelta(working, start *big.Int, add, remove func(*big.Int) error) error {
	delta := new(big.Int).Sub(working, start)
	switch delta.Sign() {
	case 1:
		return add(delta)
	case -1:
		return remove(delta.Neg(delta))
	}
	return nil
}

func (tx *settlementTx) creditSplit(dst map[string]*big.Int, sym string, amount *big.Int) {
	cur, ok := dst[sym]
	if !ok {
		cur = new(big.Int)
		dst[sym] = cur
	}
	cur.Add(cur, amount)
}

// TradingFee returns the position fee owed for a size change of
// absSizeDeltaE30 at the given fee rate.
func (fs *FeeSettler) TradingFee(absSizeDeltaE30 *big.Int, positionFeeBps int64) *big.Int {
	return fixed.MulBps(fixed.Abs(absSizeDeltaE30), positionFeeBps)
}

// BorrowingFee returns the fee accrued on the position's reserved value
// since its entry snapshot of the asset class borrowing accumulator.
func (fs *FeeSettler) BorrowingFee(pos *store.Position, assetClass int) *big.Int {
	ac := fs.positions.AssetClassState(assetClass)
	diff := new(big.Int).Sub(ac.SumBorrowingRate, pos.EntryBorrowingRate)
	if diff.Sign() <= 0 {
		return new(big.Int)
	}
	return fixed.MulRate(pos.ReserveValueE30, diff)
}

// FundingFee returns the signed funding value accrued since the position's
// entry snapshot. The trader pays when the sign differs from the
// position's direction; the pool pays the trader when the signs agree.
func (fs *FeeSettler) FundingFee(pos *store.Position) *big.Int {
	ms := fs.positions.MarketState(pos.MarketIndex)
	accum := ms.AccumFundingLong
	if !pos.IsLong() {
		accum = ms.AccumFundingShort
	}
	diff := new(big.Int).Sub(accum, pos.EntryFundingRate)
	return fixed.MulRate(fixed.Abs(pos.SizeE30), diff)
}

func traderPaysFunding(pos *store.Position, fee *big.Int) bool {
	return pos.IsLong() != (fee.Sign() > 0)
}

// settleOutcome labels a failed settlement for metrics: collateral that
// falls short is "uncovered", anything else came out of the price gateway.
func settleOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTradingFeeCannotBeCovered),
		errors.Is(err, ErrBorrowingFeeCannotBeCovered),
		errors.Is(err, ErrFundingFeeCannotBeCovered):
		return "uncovered"
	default:
		return "oracle_error"
	}
}

// SettleAllFees settles the trading fee for a size change of
// absSizeDeltaE30 plus all borrowing and funding accrued on pos since its
// entry snapshots. All three settle or none do: an uncovered fee returns
// its kind-specific error with every balance untouched. Zero fees draw
// nothing. The caller re-snapshots entry rates afterwards.
func (fs *FeeSettler) SettleAllFees(pos *store.Position, absSizeDeltaE30 *big.Int, positionFeeBps int64, assetClass int) (*SettlementResult, error) {
	start := fs.Now()
	sub := pos.SubAccount()

	tradingFee := fs.TradingFee(absSizeDeltaE30, positionFeeBps)
	borrowingFee := fs.BorrowingFee(pos, assetClass)
	fundingFee := fs.FundingFee(pos)

	tx := fs.newTx(sub)

	if tradingFee.Sign() > 0 {
		err := tx.drawFromTrader(FeeKindTrading, tradingFee, ErrTradingFeeCannotBeCovered, func(tok config.CollateralToken, amount, _ *big.Int) {
			dev := fixed.MulBps(amount, fs.cfg.DevFeeBps)
			tx.creditSplit(tx.devCredit, tok.Symbol, dev)
			tx.creditSplit(tx.protocolCredit, tok.Symbol, new(big.Int).Sub(amount, dev))
		})
		if err != nil {
			fs.observeSettle(FeeKindTrading, settleOutcome(err), start)
			return nil, err
		}
	}

	if borrowingFee.Sign() > 0 {
		err := tx.drawFromTrader(FeeKindBorrowing, borrowingFee, ErrBorrowingFeeCannotBeCovered, func(tok config.CollateralToken, amount, _ *big.Int) {
			dev := fixed.MulBps(amount, fs.cfg.DevFeeBps)
			tx.creditSplit(tx.devCredit, tok.Symbol, dev)
			rest := new(big.Int).Sub(amount, dev)
			tx.liquidity[tok.Symbol].Add(tx.liquidity[tok.Symbol], rest)
		})
		if err != nil {
			fs.observeSettle(FeeKindBorrowing, settleOutcome(err), start)
			return nil, err
		}
	}

	if fundingFee.Sign() != 0 {
		owed := fixed.Abs(fundingFee)
		var err error
		if traderPaysFunding(pos, fundingFee) {
			// Funding paid in repays pool liquidity debt before
			// replenishing the reserve. No dev cut on funding.
			err = tx.drawFromTrader(FeeKindFunding, owed, ErrFundingFeeCannotBeCovered, func(tok config.CollateralToken, amount, valueE30 *big.Int) {
				debt := tx.outstandingDebt()
				repay := fixed.Min(debt, valueE30)
				if repay.Sign() > 0 {
					toLiquidity := new(big.Int).Mul(amount, repay)
					toLiquidity.Quo(toLiquidity, valueE30)
					tx.liquidity[tok.Symbol].Add(tx.liquidity[tok.Symbol], toLiquidity)
					tx.reserve[tok.Symbol].Add(tx.reserve[tok.Symbol], new(big.Int).Sub(amount, toLiquidity))
					tx.debtDeltaE30.Sub(tx.debtDeltaE30, repay)
				} else {
					tx.reserve[tok.Symbol].Add(tx.reserve[tok.Symbol], amount)
				}
			})
		} else {
			err = tx.payTrader(owed)
		}
		if err != nil {
			fs.observeSettle(FeeKindFunding, settleOutcome(err), start)
			return nil, err
		}
	}

	tx.commit()

	res := &SettlementResult{
		SettlementID:    uuid.New(),
		PositionID:      store.PositionID(sub, pos.MarketIndex),
		SubAccount:      sub,
		MarketIndex:     pos.MarketIndex,
		TradingFeeE30:   tradingFee,
		BorrowingFeeE30: borrowingFee,
		FundingFeeE30:   fundingFee,
		Legs:            tx.legs,
		SettledAt:       start,
	}

	fs.log.Debug().
		Str("sub_account", sub.String()).
		Int("market", pos.MarketIndex).
		Str("trading_fee_e30", tradingFee.String()).
		Str("borrowing_fee_e30", borrowingFee.String()).
		Str("funding_fee_e30", fundingFee.String()).
		Int("legs", len(tx.legs)).
		Msg("fees settled")

	if fs.metrics != nil {
		for _, leg := range tx.legs {
			fs.metrics.SettlementLegs.WithLabelValues(leg.Kind, leg.TokenSymbol).Inc()
		}
		fs.metrics.FeeVolumeUSD.WithLabelValues(FeeKindTrading).Add(usdFloat(tradingFee))
		fs.metrics.FeeVolumeUSD.WithLabelValues(FeeKindBorrowing).Add(usdFloat(borrowingFee))
		fs.metrics.FeeVolumeUSD.WithLabelValues(FeeKindFunding).Add(usdFloat(fixed.Abs(fundingFee)))
		fs.metrics.PoolLiquidityDebt.Set(usdFloat(fs.ledger.PoolLiquidityDebt()))
		fs.observeSettle("all", "ok", start)
	}

	if fs.OnSettle != nil {
		fs.OnSettle(res)
	}
	return res, nil
}

// SnapshotEntryRates stamps pos with the current borrowing and funding
// accumulators. Called after every settlement that changes position size.
func (fs *FeeSettler) SnapshotEntryRates(pos *store.Position, assetClass int) {
	ac := fs.positions.AssetClassState(assetClass)
	ms := fs.positions.MarketState(pos.MarketIndex)
	pos.EntryBorrowingRate = fixed.Clone(ac.SumBorrowingRate)
	if pos.IsLong() {
		pos.EntryFundingRate = fixed.Clone(ms.AccumFundingLong)
	} else {
		pos.EntryFundingRate = fixed.Clone(ms.AccumFundingShort)
	}
}

func (fs *FeeSettler) observeSettle(kind, outcome string, start time.Time) {
	if fs.metrics == nil {
		return
	}
	fs.metrics.SettlementsTotal.WithLabelValues(kind, outcome).Inc()
	fs.metrics.SettlementDuration.Observe(fs.Now().Sub(start).Seconds())
}

// usdFloat converts an e30 USD value to float dollars for metrics only.
func usdFloat(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(fixed.E30)).Float64()
	return f
}
