package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpClearing/internal/command"
	"PerpClearing/internal/core"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream  = "PERP_CLEARING_COMMANDS"
	CommandSubject = "perp.clearing.commands.>"
	CommandDurable = "clearing-core"
)

// CommandSubmitter hands a parsed command to the core and waits for it.
type CommandSubmitter interface {
	Submit(ctx context.Context, cmd command.Command) (*core.Result, error)
}

// NATSSubscriber consumes commands from JetStream and submits them to the
// core one at a time, acking each only after the core has answered.
// Subjects are perp.clearing.commands.{type}.{market}; account-level
// commands use "global" for the market token.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submitter CommandSubmitter
	consumer  jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, submitter CommandSubmitter, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		submitter: submitter,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer and starts consuming.
// One in-flight message keeps upstream order intact across redeliveries.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandDurable,
		FilterSubject: CommandSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", CommandDurable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", CommandDurable, err)
	}
	ns.consumer = cc
	ns.logger.Info().Str("subject", CommandSubject).Str("consumer", CommandDurable).Msg("subscribed")
	return nil
}

// Disposition of one inbound message.
type Disposition int

const (
	Ack  Disposition = iota // processed, duplicate, skipped or rejected by the domain
	Nak                     // retry later
	Term                    // never deliverable
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	d := ns.Process(ctx, msg.Subject(), msg.Data())
	var err error
	switch d {
	case Ack:
		err = msg.Ack()
	case Nak:
		err = msg.NakWithDelay(time.Second)
	case Term:
		err = msg.Term()
	}
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Stringer("disposition", d).Msg("ack failed")
	}
}

// Process parses and submits one message and decides how to acknowledge it.
func (ns *NATSSubscriber) Process(ctx context.Context, subject string, data []byte) Disposition {
	received := time.Now()
	commandType, err := CommandTypeFromSubject(subject)
	if err != nil {
		ns.logger.Warn().Err(err).Msg("dropping message on unknown subject")
		return Term
	}
	if ns.metrics != nil {
		ns.metrics.IngestReceived.WithLabelValues(commandType).Inc()
	}

	cmd, err := ParseCommand(commandType, data)
	if err != nil {
		if ns.metrics != nil {
			ns.metrics.IngestParseErrors.WithLabelValues(commandType).Inc()
		}
		ns.logger.Warn().Err(err).Str("subject", subject).Msg("unparseable command")
		return Term
	}

	res, err := ns.submitter.Submit(ctx, cmd)
	if ns.metrics != nil {
		ns.metrics.IngestToApply.WithLabelValues(commandType).Observe(time.Since(received).Seconds())
	}
	switch {
	case err == nil:
		ns.logger.Debug().
			Str("command_type", commandType).
			Int64("sequence", res.Sequence).
			Bool("duplicate", res.Duplicate).
			Bool("skipped", res.Skipped).
			Msg("command applied")
		return Ack
	case errors.Is(err, core.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Nak
	case errors.Is(err, core.ErrSequence):
		// A gap may close once the missing command is redelivered.
		ns.logger.Warn().Err(err).Str("subject", subject).Msg("sequence violation")
		return Nak
	case errs.Kind(err) != "internal":
		ns.logger.Info().Err(err).Str("command_type", commandType).Str("key", cmd.IdempotencyKey()).Msg("command rejected")
		return Ack
	default:
		ns.logger.Error().Err(err).Str("subject", subject).Msg("command failed")
		return Nak
	}
}

// Stop stops consuming. In-flight handlers finish on their own.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the inbound command and outbound event streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpclearing"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
