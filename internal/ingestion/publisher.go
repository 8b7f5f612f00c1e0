package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"PerpClearing/internal/outbox"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	EventStream        = "PERP_CLEARING_EVENTS"
	EventSubjectPrefix = "perp.clearing.events."
)

// OutboundPublisher publishes outbox records to JetStream. The outbox
// message id doubles as the JetStream dedup id, so a record republished
// after a crash is stored once.
type OutboundPublisher struct {
	js jetstream.JetStream
}

func NewOutboundPublisher(js jetstream.JetStream) *OutboundPublisher {
	return &OutboundPublisher{js: js}
}

func (op *OutboundPublisher) Publish(ctx context.Context, rec outbox.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(rec), data, jetstream.WithMsgID(rec.MessageID()))
	return err
}

// EventSubject is perp.clearing.events.{event_type}.{market}, with
// "global" for account-level events.
func EventSubject(rec outbox.Record) string {
	market := "global"
	if rec.MarketID != nil {
		market = *rec.MarketID
	}
	return EventSubjectPrefix + rec.EventType + "." + market
}
