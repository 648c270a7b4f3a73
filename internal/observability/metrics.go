package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for perpcore.
type Metrics struct {
	// --- Fee settlement ---
	SettlementsTotal   *prometheus.CounterVec // labels: fee_kind, outcome
	SettlementDuration prometheus.Histogram
	SettlementLegs     *prometheus.CounterVec // labels: fee_kind, token
	FeeVolumeUSD       *prometheus.CounterVec // labels: fee_kind (approximate, float)
	PoolLiquidityDebt  prometheus.Gauge

	// --- Rate accumulator ---
	RateUpdates       *prometheus.CounterVec // labels: kind, outcome
	FundingRateSigned *prometheus.GaugeVec   // labels: market

	// --- Margin ---
	MarginChecks        *prometheus.CounterVec // labels: outcome
	LiquidationEligible prometheus.Counter

	// --- Oracle ---
	OracleLookups *prometheus.CounterVec // labels: outcome

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchDur    prometheus.Histogram
	PersistBatchSize   prometheus.Histogram
	PersistErrors      *prometheus.CounterVec // labels: stage
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	settleBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005,
	}

	return &Metrics{
		SettlementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_settlements_total",
			Help: "Fee settlements by kind and outcome",
		}, []string{"fee_kind", "outcome"}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_settlement_duration_seconds",
			Help:    "Wall time of SettleAllFees",
			Buckets: settleBuckets,
		}),

		SettlementLegs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_settlement_legs_total",
			Help: "Token legs drained by the multi-token walk",
		}, []string{"fee_kind", "token"}),

		FeeVolumeUSD: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_fee_volume_usd",
			Help: "Approximate USD fee volume settled",
		}, []string{"fee_kind"}),

		PoolLiquidityDebt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_pool_liquidity_debt_usd",
			Help: "Approximate outstanding pool liquidity debt in USD",
		}),

		RateUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_rate_updates_total",
			Help: "Rate accumulator updates by kind and outcome",
		}, []string{"kind", "outcome"}),

		FundingRateSigned: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpcore_funding_rate",
			Help: "Current per-interval funding rate (approximate)",
		}, []string{"market"}),

		MarginChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_margin_checks_total",
			Help: "Margin validations by outcome",
		}, []string{"outcome"}),

		LiquidationEligible: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_liquidation_eligible_total",
			Help: "Sub-accounts found below maintenance margin",
		}),

		OracleLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_oracle_lookups_total",
			Help: "Oracle gateway lookups by outcome",
		}, []string{"outcome"}),

		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_persist_rows_written_total",
			Help: "Settlement journal rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_persist_batch_duration_seconds",
			Help:    "Duration of settlement journal batch flushes",
			Buckets: prometheus.DefBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_persist_batch_size",
			Help:    "Rows per settlement journal flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),
	}
}
