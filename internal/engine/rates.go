package engine

import (
	"math/big"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Flex-Community/perpcore/internal/auth"
	"github.com/Flex-Community/perpcore/internal/config"
	"github.com/Flex-Community/perpcore/internal/observability"
	"github.com/Flex-Community/perpcore/internal/store"
)

// RateAccumulator folds incremental borrowing and funding rates into the
// global per-asset-class and per-market accumulators, gated by the funding
// interval. Updates are idempotent within an interval: calling twice before
// the next boundary changes no accumulator.
type RateAccumulator struct {
	cfg       *config.TradingConfig
	positions *store.PositionStore
	calc      RateCalculator
	cred      auth.Credential
	log       zerolog.Logger
	metrics   *observability.Metrics

	// Now is swappable for tests.
	Now func() time.Time
}

func NewRateAccumulator(
	cfg *config.TradingConfig,
	positions *store.PositionStore,
	calc RateCalculator,
	cred auth.Credential,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *RateAccumulator {
	return &RateAccumulator{
		cfg:       cfg,
		positions: positions,
		calc:      calc,
		cred:      cred,
		log:       log,
		metrics:   metrics,
		Now:       time.Now,
	}
}

// intervalFloor aligns t down to the funding-interval grid.
func (ra *RateAccumulator) intervalFloor(t time.Time) time.Time {
	return t.Truncate(ra.cfg.FundingInterval)
}

// elapsedIntervals returns how many whole intervals lie between last and
// now, and the boundary of the latest elapsed interval. Advancing to the
// boundary rather than wall-clock now keeps sparse updates aligned to the
// fixed grid.
func (ra *RateAccumulator) elapsedIntervals(last, now time.Time) (int64, time.Time) {
	if !now.After(last) {
		return 0, last
	}
	n := int64(now.Sub(last) / ra.cfg.FundingInterval)
	return n, last.Add(time.Duration(n) * ra.cfg.FundingInterval)
}

// UpdateBorrowingRate accrues borrowing rate for the asset class. A zero
// lastUpdateTime is the initialization tick: it only pins the timestamp to
// the interval grid. State is persisted on every branch.
func (ra *RateAccumulator) UpdateBorrowingRate(assetClass int) error {
	ac := ra.positions.AssetClassState(assetClass)
	now := ra.Now()

	if ac.LastBorrowedAt.IsZero() {
		ac.LastBorrowedAt = ra.intervalFloor(now)
		ra.observeRate("borrowing", "initialized")
		return ra.positions.SaveAssetClassState(ra.cred, ac)
	}

	intervals, boundary := ra.elapsedIntervals(ac.LastBorrowedAt, now)
	if intervals == 0 {
		ra.observeRate("borrowing", "within_interval")
		return ra.positions.SaveAssetClassState(ra.cred, ac)
	}

	rate, err := ra.calc.BorrowingRate(assetClass)
	if err != nil {
		ra.observeRate("borrowing", "error")
		return err
	}

	increment := new(big.Int).Mul(rate, big.NewInt(intervals))
	ac.SumBorrowingRate.Add(ac.SumBorrowingRate, increment)
	ac.LastBorrowedAt = boundary

	ra.log.Debug().
		Int("asset_class", assetClass).
		Int64("intervals", intervals).
		Str("rate", rate.String()).
		Str("sum", ac.SumBorrowingRate.String()).
		Msg("borrowing rate accrued")
	ra.observeRate("borrowing", "accrued")

	return ra.positions.SaveAssetClassState(ra.cred, ac)
}

// UpdateFundingRate accrues funding rate for the market. The incremental
// rate is split asymmetrically: the paying side accrues its per-unit rate
// and the receiving side accrues the paying side's total spread over its own
// open interest, so value paid equals value received.
func (ra *RateAccumulator) UpdateFundingRate(marketIndex int) error {
	ms := ra.positions.MarketState(marketIndex)
	now := ra.Now()

	if ms.LastFundingAt.IsZero() {
		ms.LastFundingAt = ra.intervalFloor(now)
		ra.observeRate("funding", "initialized")
		return ra.positions.SaveMarketState(ra.cred, ms)
	}

	intervals, boundary := ra.elapsedIntervals(ms.LastFundingAt, now)
	if intervals == 0 {
		ra.observeRate("funding", "within_interval")
		return ra.positions.SaveMarketState(ra.cred, ms)
	}

	rate, err := ra.calc.FundingRate(marketIndex)
	if err != nil {
		ra.observeRate("funding", "error")
		return err
	}

	// Per-unit accruals for the elapsed intervals. Sign convention: a
	// position's funding fee is (accumulator - entry snapshot) * |size|,
	// and the trader pays exactly when the fee's sign differs from the
	// position's direction. With a positive rate (long-heavy skew), longs
	// accrue -rate*n per unit and shorts accrue -rate*n*longOI/shortOI,
	// so total value paid by longs equals total value received by shorts.
	increment := new(big.Int).Mul(rate, big.NewInt(intervals))

	longAccrual := new(big.Int)
	shortAccrual := new(big.Int)
	if ms.LongSizeE30.Sign() > 0 {
		longAccrual.Neg(increment)
		if ms.ShortSizeE30.Sign() > 0 {
			shortAccrual.Mul(increment, ms.LongSizeE30)
			shortAccrual.Quo(shortAccrual, ms.ShortSizeE30)
			shortAccrual.Neg(shortAccrual)
		}
	}
	// A one-sided market accrues nothing for the empty side, and the
	// populated side has no counterparty, so shorts accrue zero when no
	// longs exist.

	ms.AccumFundingLong.Add(ms.AccumFundingLong, longAccrual)
	ms.AccumFundingShort.Add(ms.AccumFundingShort, shortAccrual)
	ms.CurrentFundingRate = rate
	ms.LastFundingAt = boundary

	ra.log.Debug().
		Int("market", marketIndex).
		Int64("intervals", intervals).
		Str("rate", rate.String()).
		Str("accum_long", ms.AccumFundingLong.String()).
		Str("accum_short", ms.AccumFundingShort.String()).
		Msg("funding rate accrued")
	ra.observeRate("funding", "accrued")
	if ra.metrics != nil {
		rf, _ := new(big.Float).SetInt(rate).Float64()
		ra.metrics.FundingRateSigned.WithLabelValues(marketName(marketIndex)).Set(rf / 1e18)
	}

	return ra.positions.SaveMarketState(ra.cred, ms)
}

func (ra *RateAccumulator) observeRate(kind, outcome string) {
	if ra.metrics != nil {
		ra.metrics.RateUpdates.WithLabelValues(kind, outcome).Inc()
	}
}

func marketName(index int) string {
	return "market_" + strconv.Itoa(index)
}
