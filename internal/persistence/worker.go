package persistence

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/Flex-Community/perpcore/internal/engine"
	"github.com/Flex-Community/perpcore/internal/observability"
)

// Worker drains the settlement channel and batch-writes to Postgres.
// Sends into the channel block, so a worker that falls behind applies
// backpressure to the settlement path instead of dropping records.
type Worker struct {
	writer       *SettlementWriter
	db           *sql.DB
	input        <-chan *engine.SettlementResult
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	input <-chan *engine.SettlementResult,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewSettlementWriter(db),
		db:           db,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming settlements and flushes when the batch fills or
// the flush timeout expires. Cancellation alone does not stop the worker:
// it keeps draining until the caller closes the input channel, so records
// sent by producers that are still winding down are never dropped. The
// caller must close the channel only after every producer has stopped.
func (w *Worker) Run(ctx context.Context) error {
	rows := make([]SettlementRow, 0, w.batchSize)
	legs := make([]LegRow, 0, w.batchSize*2)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for res := range w.input {
				row, resLegs := RowsFromResult(res)
				rows = append(rows, row)
				legs = append(legs, resLegs...)
			}
			if len(rows) > 0 {
				if err := w.flush(context.Background(), rows, legs); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case res, ok := <-w.input:
			if !ok {
				if len(rows) > 0 {
					if err := w.flush(context.Background(), rows, legs); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			row, resLegs := RowsFromResult(res)
			rows = append(rows, row)
			legs = append(legs, resLegs...)

			if len(rows) >= w.batchSize {
				if err := w.flushWithRetry(ctx, rows, legs); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				rows = rows[:0]
				legs = legs[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(rows) > 0 {
				if err := w.flushWithRetry(ctx, rows, legs); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				rows = rows[:0]
				legs = legs[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. Settlement records are
// never dropped: on cancellation one final flush runs with a background
// context so the in-flight batch survives shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, rows []SettlementRow, legs []LegRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, rows=%d)",
				attempt, backoff, len(rows))
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), rows, legs)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, rows, legs)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows []SettlementRow, legs []LegRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteSettlementBatch(ctx, tx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_settlements").Inc()
		}
		return err
	}

	if err := w.writer.WriteLegBatch(ctx, tx, legs); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_legs").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistRowsWritten.Add(float64(len(rows) + len(legs)))
	}

	return nil
}
