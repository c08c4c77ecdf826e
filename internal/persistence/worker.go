package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine's persist send blocks, so if this worker falls behind, the
// engine stalls — no event is ever lost. Deposit and withdrawal batches
// arrive on a separate channel because they carry no envelope.
type PersistenceWorker struct {
	writer       *EventLogWriter
	outputChan   <-chan clearing.Output
	batchChan    <-chan *ledger.Batch
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	outputChan <-chan clearing.Output,
	batchChan <-chan *ledger.Batch,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		outputChan:   outputChan,
		batchChan:    batchChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "persistence").Logger(),
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or both inputs
// close.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*4) // ~4 journals per event avg

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	outputChan, batchChan := pw.outputChan, pw.batchChan

	finalFlush := func() {
		if len(eventBatch)+len(journalBatch) > 0 {
			if err := pw.flush(context.Background(), eventBatch, journalBatch); err != nil {
				pw.log.Error().Err(err).Msg("final flush failed")
			}
		}
	}

	maybeFlush := func() {
		if len(eventBatch) >= pw.batchSize {
			pw.flushWithRetry(ctx, eventBatch, journalBatch)
			eventBatch = eventBatch[:0]
			journalBatch = journalBatch[:0]
			timer.Reset(pw.flushTimeout)
		}
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return ctx.Err()

		case out, ok := <-outputChan:
			if !ok {
				outputChan = nil
				if batchChan == nil {
					finalFlush()
					return nil
				}
				continue
			}
			eventBatch = append(eventBatch, EventRowFromOutput(out))
			for _, b := range out.Batches {
				journalBatch = append(journalBatch, JournalRowsFromBatch(b)...)
			}
			maybeFlush()

		case b, ok := <-batchChan:
			if !ok {
				batchChan = nil
				if outputChan == nil {
					finalFlush()
					return nil
				}
				continue
			}
			journalBatch = append(journalBatch, JournalRowsFromBatch(b)...)

		case <-timer.C:
			if len(eventBatch)+len(journalBatch) > 0 {
				pw.flushWithRetry(ctx, eventBatch, journalBatch)
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or the context is cancelled,
// and on cancellation attempts one final write with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					pw.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded after retries")
			}
			return
		}
		pw.log.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	// Events and journals commit atomically.
	tx, err := pw.writer.db.BeginTx(ctx, nil)
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

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// GetWriter exposes the underlying writer.
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
