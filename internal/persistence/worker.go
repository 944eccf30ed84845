package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"StakeLedger/internal/observability"
)

// CoreOutput mirrors core.CoreOutput to avoid an import cycle.
// The orchestrator (cmd/stakeledger) bridges between the two.
type CoreOutput struct {
	OpRow           OpRow
	EntryRows       []EntryRow
	ParticipantRows []ParticipantRow
}

// PersistenceWorker drains the persist channel and batch-writes to
// Postgres. The persist channel uses BLOCKING sends from the engine, so
// if this worker falls behind the engine stalls — guaranteeing no
// applied operation is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout
// expires. Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	opBatch := make([]OpRow, 0, pw.batchSize)
	entryBatch := make([]EntryRow, 0, pw.batchSize*2)
	partBatch := make([]ParticipantRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(opBatch) > 0 {
				if err := pw.flush(context.Background(), opBatch, entryBatch, partBatch); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed — flush and exit
				if len(opBatch) > 0 {
					if err := pw.flush(context.Background(), opBatch, entryBatch, partBatch); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			opBatch = append(opBatch, output.OpRow)
			entryBatch = append(entryBatch, output.EntryRows...)
			partBatch = append(partBatch, output.ParticipantRows...)

			// Flush if batch is full
			if len(opBatch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, opBatch, entryBatch, partBatch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				opBatch = opBatch[:0]
				entryBatch = entryBatch[:0]
				partBatch = partBatch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout — write whatever we have
			if len(opBatch) > 0 {
				if err := pw.flushWithRetry(ctx, opBatch, entryBatch, partBatch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				opBatch = opBatch[:0]
				entryBatch = entryBatch[:0]
				partBatch = partBatch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops applied operations — it retries until the write succeeds
// or the context is cancelled, in which case one final flush runs with
// a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, ops []OpRow, entries []EntryRow, parts []ParticipantRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("ops", len(ops)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), ops, entries, parts)
				if finalErr != nil {
					return finalErr
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, ops, entries, parts)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded after retries")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, ops []OpRow, entries []EntryRow, parts []ParticipantRow) error {
	start := time.Now()

	// Ops, entries and participant appends commit atomically.
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteOpBatch(ctx, tx, ops); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_ops").Inc()
		}
		return err
	}

	if err := pw.writer.WriteEntryBatch(ctx, tx, entries); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_entries").Inc()
		}
		return err
	}

	if err := pw.writer.WriteParticipantBatch(ctx, tx, parts); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_participants").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(ops)))
		pw.metrics.PersistOpsWritten.Add(float64(len(ops)))
		pw.metrics.PersistEntriesWritten.Add(float64(len(entries)))
		if len(ops) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer.
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
