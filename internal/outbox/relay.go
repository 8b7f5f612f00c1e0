package outbox

import (
	"context"
	"time"

	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// Publisher delivers one record to the broker. It must be safe to call
// again with the same record.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

// Relay drains the outbox into a Publisher in sequence order. A failed
// publish stops the pass; the record is retried on the next one.
type Relay struct {
	outbox    *Outbox
	publisher Publisher
	batchSize int
	interval  time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRelay(
	outbox *Outbox,
	publisher Publisher,
	batchSize int,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Relay {
	if batchSize <= 0 {
		batchSize = 256
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled. It wakes on every append and on a
// timer, so records left behind by a failed publish are retried.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.Flush(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Msg("outbox relay pass failed")
				break
			}
			if n < r.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.outbox.Notify():
		case <-ticker.C:
		}
	}
}

// Flush makes one pass of up to batchSize records and returns how many
// were published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.outbox.Pending(r.batchSize)
	if err != nil {
		return 0, err
	}

	published := make([]Record, 0, len(pending))
	var pubErr error
	for _, rec := range pending {
		if pubErr = r.publisher.Publish(ctx, rec); pubErr != nil {
			if r.metrics != nil {
				r.metrics.OutboxPublishErrors.Inc()
			}
			r.logger.Warn().
				Err(pubErr).
				Int64("sequence", rec.Sequence).
				Str("event_type", rec.EventType).
				Msg("outbound publish failed")
			break
		}
		published = append(published, rec)
		if r.metrics != nil {
			r.metrics.OutboxPublished.WithLabelValues(rec.EventType).Inc()
		}
	}

	if err := r.outbox.Ack(published); err != nil {
		return 0, err
	}
	return len(published), pubErr
}
