package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the deterministic core. The core's sends are
// blocking, so if this worker falls behind the core stalls and no event is
// lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// OnCommit, when set, receives every output of a batch once it is durable.
	OnCommit func([]core.CoreOutput)

	pending  []core.CoreOutput
	records  *RecordSet
	oldestAt time.Time
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
		pending:      make([]core.CoreOutput, 0, batchSize),
		records:      NewRecordSet(),
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain whatever the core already handed over before exiting.
		drain:
			for {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					pw.add(output)
				default:
					break drain
				}
			}
			if err := pw.flushWithRetry(context.Background()); err != nil {
				pw.logger.Error().Err(err).Msg("final flush failed")
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if err := pw.flushWithRetry(context.Background()); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
				return nil
			}

			pw.add(output)
			if len(pw.pending) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := pw.flushWithRetry(ctx); err != nil {
				pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) add(output core.CoreOutput) {
	if len(pw.pending) == 0 {
		pw.oldestAt = time.Now()
	}
	pw.pending = append(pw.pending, output)
	if output.Envelope != nil {
		pw.records.Add(output.Envelope.Sequence, output.Changes)
	}
	if pw.metrics != nil {
		pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// events: it retries until the write succeeds or shutdown, where one final
// attempt is made with a fresh context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context) error {
	if len(pw.pending) == 0 {
		return nil
	}
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("outputs", len(pw.pending)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background()); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context) error {
	start := time.Now()

	var (
		events     []EventRow
		rejections []RejectionRow
		journals   []JournalRow
	)
	for _, out := range pw.pending {
		switch {
		case out.Envelope != nil:
			events = append(events, NewEventRow(out.Envelope))
			journals = append(journals, NewJournalRows(out)...)
		case out.Rejection != nil:
			rejections = append(rejections, NewRejectionRow(out.Rejection))
		}
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := pw.writer.WriteRejectionBatch(ctx, tx, rejections); err != nil {
		pw.countError("write_rejections")
		return err
	}
	if err := pw.writer.WriteRecords(ctx, tx, pw.records); err != nil {
		pw.countError("write_records")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.ApplyToPersist.Observe(time.Since(pw.oldestAt).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(pw.pending)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	if pw.OnCommit != nil {
		committed := make([]core.CoreOutput, len(pw.pending))
		copy(committed, pw.pending)
		pw.OnCommit(committed)
	}
	pw.pending = pw.pending[:0]
	pw.records.Reset()
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
