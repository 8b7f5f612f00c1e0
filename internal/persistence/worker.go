package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// OutboxSink receives each command's events once its rows are committed.
type OutboxSink interface {
	Append(env *event.EventEnvelope, events []event.Event) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the deterministic core. The core's send on
// the persist channel blocks, so if this worker falls behind the core
// stalls and no accepted command is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	outbox       OutboxSink
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastPersisted atomic.Int64
}

func NewPersistenceWorker(
	db *sql.DB,
	outbox OutboxSink,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		outbox:       outbox,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// LastPersisted is the highest sequence committed to Postgres.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

// SetLastPersisted seeds the watermark after recovery.
func (pw *PersistenceWorker) SetLastPersisted(seq int64) {
	pw.lastPersisted.Store(seq)
}

type pending struct {
	outputs  []core.CoreOutput
	rows     []Rows
	received []time.Time
}

func (p *pending) reset() {
	p.outputs = p.outputs[:0]
	p.rows = p.rows[:0]
	p.received = p.received[:0]
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch.rows) > 0 {
				if err := pw.flushWithRetry(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.rows) > 0 {
					if err := pw.flushWithRetry(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			rows, err := RowsFromOutput(output)
			if err != nil {
				// Events are plain data; an encoding failure is a programming error.
				panic("FATAL: " + err.Error())
			}
			batch.outputs = append(batch.outputs, output)
			batch.rows = append(batch.rows, rows)
			batch.received = append(batch.received, time.Now())

			if len(batch.rows) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.rows) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			if pw.metrics != nil {
				pw.metrics.RecordChannel("persist", len(pw.inputChan), cap(pw.inputChan))
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry writes the batch, retrying with exponential backoff.
// The worker never drops a batch: it retries until the write succeeds or
// the context is cancelled, and then makes one final attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", len(batch.rows)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	journals, err := pw.writer.WriteRows(ctx, batch.rows)
	if err != nil {
		if pw.metrics != nil {
			op := "unknown"
			var oe *opError
			if errors.As(err, &oe) {
				op = oe.op
			}
			pw.metrics.PersistErrors.WithLabelValues(op).Inc()
		}
		return err
	}

	if pw.outbox != nil {
		for _, out := range batch.outputs {
			if err := pw.outbox.Append(out.Envelope, out.Events); err != nil {
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("outbox_append").Inc()
				}
				// Rows are idempotent, so retrying the whole flush is safe and
				// the outbox skips sequences it already holds.
				return err
			}
		}
	}

	last := batch.rows[len(batch.rows)-1].Command.Sequence
	pw.lastPersisted.Store(last)

	if pw.metrics != nil {
		now := time.Now()
		pw.metrics.PersistBatchDur.Observe(now.Sub(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.rows)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(batch.rows)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(last))
		for _, t := range batch.received {
			pw.metrics.ApplyToPersist.Observe(now.Sub(t).Seconds())
		}
	}
	return nil
}

// GetWriter returns the underlying writer.
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
