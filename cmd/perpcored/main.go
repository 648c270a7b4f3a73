package main

import (
	"context"
	"database/sql"
	"log"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/Flex-Community/perpcore/internal/auth"
	"github.com/Flex-Community/perpcore/internal/config"
	"github.com/Flex-Community/perpcore/internal/engine"
	"github.com/Flex-Community/perpcore/internal/notify"
	"github.com/Flex-Community/perpcore/internal/observability"
	"github.com/Flex-Community/perpcore/internal/oracle"
	"github.com/Flex-Community/perpcore/internal/persistence"
	"github.com/Flex-Community/perpcore/internal/server"
	"github.com/Flex-Community/perpcore/internal/store"
)

// engineCredential authorizes the settlement engine's own mutations of the
// ledger and position stores.
const engineCredential auth.Credential = "perpcore-settlement-engine"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: perpcore starting...")

	rt := config.DefaultRuntime()
	trading := config.DefaultTradingConfig()
	if err := trading.Validate(); err != nil {
		log.Fatalf("FATAL: trading config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", rt.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db, rt.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	feedLog := observability.NewLogger("oracle")

	// --- NATS ---
	nc, js, err := oracle.Connect(rt.NATSURL, feedLog)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := oracle.EnsureStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure price stream: %v", err)
	}
	if err := notify.EnsureStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure settlements stream: %v", err)
	}

	// --- Stores ---
	registry := auth.NewRegistry()
	registry.Allow(engineCredential)

	ledger := store.NewLedger(registry)
	positions := store.NewPositionStore(registry)

	// --- Oracle ---
	priceCache := oracle.NewPriceCache(trading.MaxPriceAge)
	feed := oracle.NewFeed(js, priceCache, feedLog)
	if err := feed.Subscribe(ctx); err != nil {
		log.Fatalf("FATAL: price feed subscribe: %v", err)
	}

	// --- Engine ---
	calculator := engine.NewDefaultCalculator(trading, ledger, positions, priceCache)
	rates := engine.NewRateAccumulator(trading, positions, calculator, engineCredential,
		observability.NewLogger("rates"), metrics)
	settler := engine.NewFeeSettler(trading, ledger, positions, priceCache, engineCredential, metrics)
	margin := engine.NewMarginValidator(trading, ledger, positions, priceCache, metrics)

	// --- Settlement fan-out: persistence + outbound publish ---
	persistChan := make(chan *engine.SettlementResult, rt.PersistChanSize)
	publishChan := make(chan *engine.SettlementResult, rt.PersistChanSize)
	settler.OnSettle = func(res *engine.SettlementResult) {
		persistChan <- res
		select {
		case publishChan <- res:
		default:
			// Journal write is the source of truth; publishes may drop.
		}
	}

	publisher := notify.NewPublisher(js, publishChan)
	persistWorker := persistence.NewWorker(db, persistChan, rt.PersistBatchSize, rt.PersistFlushTimeout, metrics)

	// --- Ops server ---
	ops := server.NewOpsServer(rt.GRPCAddr, rt.MetricsAddr, healthChecker)

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// Consumers of the settlement channels. Waited on after the channels
	// close so final batches are flushed before exit.
	var consumers sync.WaitGroup
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		errChan <- persistWorker.Run(ctx)
	}()
	go func() {
		defer consumers.Done()
		errChan <- publisher.Run(ctx)
	}()
	go func() {
		errChan <- ops.StartGRPC(ctx)
	}()
	go func() {
		errChan <- ops.StartHTTP(ctx)
	}()

	// Producers into the settlement channels via settler.OnSettle. They
	// must all stop before the channels may close.
	var producers sync.WaitGroup
	producers.Add(3)
	go func() {
		defer producers.Done()
		runRateLoop(ctx, trading, rates)
	}()
	go func() {
		defer producers.Done()
		runFeeSweep(ctx, trading, positions, settler)
	}()
	go func() {
		defer producers.Done()
		runLiquidationScan(ctx, positions, margin, publisher)
	}()

	ops.SetReady(true)
	log.Printf("INFO: perpcore ready (grpc=%s, metrics=%s)", rt.GRPCAddr, rt.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	ops.SetReady(false)
	cancel()
	feed.Stop()

	// A sweep caught mid-iteration still settles into the channels, so
	// they stay open until every producer has returned. The consumers
	// drain past cancellation and flush once the channels close.
	producers.Wait()
	close(persistChan)
	close(publishChan)
	consumers.Wait()

	log.Println("INFO: perpcore shutdown complete")
}

// runRateLoop advances the borrowing and funding accumulators once per
// minute. Accrual itself is gated on whole elapsed funding intervals, so
// the tight loop only keeps the update timestamps current.
func runRateLoop(ctx context.Context, cfg *config.TradingConfig, rates *engine.RateAccumulator) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ac := range cfg.AssetClasses {
				if err := rates.UpdateBorrowingRate(ac.Index); err != nil {
					log.Printf("WARN: borrowing rate update class=%d: %v", ac.Index, err)
				}
			}
			for _, m := range cfg.Markets {
				if err := rates.UpdateFundingRate(m.Index); err != nil {
					log.Printf("WARN: funding rate update market=%d: %v", m.Index, err)
				}
			}
		}
	}
}

// runFeeSweep settles accrued borrowing and funding on every open
// position once per funding interval, then re-snapshots entry rates so
// the next sweep only charges newly accrued amounts. There is no size
// change, so no trading fee is drawn.
func runFeeSweep(ctx context.Context, cfg *config.TradingConfig, positions *store.PositionStore, settler *engine.FeeSettler) {
	ticker := time.NewTicker(cfg.FundingInterval)
	defer ticker.Stop()

	zero := new(big.Int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pos := range positions.ActivePositions() {
				market, ok := cfg.Market(pos.MarketIndex)
				if !ok {
					continue
				}
				if _, err := settler.SettleAllFees(pos, zero, 0, market.AssetClass); err != nil {
					log.Printf("WARN: fee sweep %s market=%d: %v",
						pos.SubAccount().String(), pos.MarketIndex, err)
					continue
				}
				settler.SnapshotEntryRates(pos, market.AssetClass)
				if err := positions.SavePosition(engineCredential, pos); err != nil {
					log.Printf("WARN: fee sweep save %s market=%d: %v",
						pos.SubAccount().String(), pos.MarketIndex, err)
				}
			}
		}
	}
}

// runLiquidationScan sweeps active sub-accounts and publishes a notice
// for every one whose equity fell under maintenance margin.
func runLiquidationScan(ctx context.Context, positions *store.PositionStore, margin *engine.MarginValidator, publisher *notify.Publisher) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sub := range positions.ActiveSubAccounts() {
				liq, err := margin.Liquidatable(sub)
				if err != nil {
					log.Printf("WARN: liquidation check %s: %v", sub.String(), err)
					continue
				}
				if !liq {
					continue
				}
				equity, err := margin.Equity(sub)
				if err != nil {
					continue
				}
				mmr, err := margin.MMR(sub)
				if err != nil {
					continue
				}
				if err := publisher.PublishLiquidationNotice(ctx, sub, equity.String(), mmr.String()); err != nil {
					log.Printf("WARN: liquidation notice %s: %v", sub.String(), err)
				}
			}
		}
	}
}
