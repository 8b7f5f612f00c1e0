// Package outbox is a durable queue of emitted events waiting to be
// published. Events are written after their command is persisted and
// deleted once the broker acknowledges them, so a crash between the two
// republishes instead of losing events.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"PerpClearing/internal/event"
	"PerpClearing/internal/observability"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("outbox closed")

var (
	prefixEvent = []byte("evt/")
	prefixEnd   = []byte("evt0") // '0' follows '/'
	keyLastSeq  = []byte("meta/last_sequence")
)

// Record is one event waiting to be published.
type Record struct {
	Sequence       int64           `json:"sequence"`
	Index          uint16          `json:"index"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	StateHash      string          `json:"state_hash"`
	Payload        json.RawMessage `json:"payload"`
}

// MessageID is stable across republishes so the broker can deduplicate.
func (r Record) MessageID() string {
	return fmt.Sprintf("%d-%d", r.Sequence, r.Index)
}

func (r Record) key() []byte {
	return encodeKey(r.Sequence, r.Index)
}

type Outbox struct {
	mu      sync.Mutex
	db      *pebble.DB
	closed  bool
	notify  chan struct{}
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Open opens (or creates) the outbox stored under dir.
func Open(dir string, metrics *observability.Metrics, logger zerolog.Logger) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}
	o := &Outbox{
		db:      db,
		notify:  make(chan struct{}, 1),
		metrics: metrics,
		logger:  logger,
	}
	if n, err := o.count(); err == nil && metrics != nil {
		metrics.OutboxPending.Set(float64(n))
	}
	return o, nil
}

// Append stores the events of one accepted command. All of them land in a
// single synced batch. Appending a sequence at or below the last appended
// one is a no-op, so a retried persistence flush cannot duplicate events.
func (o *Outbox) Append(env *event.EventEnvelope, events []event.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	last, err := o.lastSequence()
	if err != nil {
		return err
	}
	if env.Sequence <= last {
		return nil
	}

	batch := o.db.NewBatch()
	defer batch.Close()

	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", e.EventType(), err)
		}
		rec := Record{
			Sequence:       env.Sequence,
			Index:          uint16(i),
			EventType:      e.EventType().String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       e.MarketID(),
			Timestamp:      env.Timestamp,
			StateHash:      fmt.Sprintf("%x", env.StateHash),
			Payload:        payload,
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := batch.Set(rec.key(), val, nil); err != nil {
			return err
		}
	}

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(env.Sequence))
	if err := batch.Set(keyLastSeq, seqBuf[:], nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit outbox batch: %w", err)
	}

	if o.metrics != nil {
		o.metrics.OutboxPending.Add(float64(len(events)))
	}
	if len(events) > 0 {
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns up to limit records in publish order.
func (o *Outbox) Pending(limit int) ([]Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}

	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixEvent,
		UpperBound: prefixEnd,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode outbox record %x: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Ack removes published records.
func (o *Outbox) Ack(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	batch := o.db.NewBatch()
	defer batch.Close()
	for _, r := range records {
		if err := batch.Delete(r.key(), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit outbox ack: %w", err)
	}
	if o.metrics != nil {
		o.metrics.OutboxPending.Sub(float64(len(records)))
	}
	return nil
}

// LastSequence is the highest command sequence ever appended.
func (o *Outbox) LastSequence() (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	return o.lastSequence()
}

// Notify fires after an append that added events.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.db.Close()
}

func (o *Outbox) lastSequence() (int64, error) {
	val, closer, err := o.db.Get(keyLastSeq)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt last sequence: %d bytes", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (o *Outbox) count() (int, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixEvent,
		UpperBound: prefixEnd,
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// evt/<seq:8 BE><idx:2 BE> sorts by sequence, then event order.
func encodeKey(seq int64, idx uint16) []byte {
	k := make([]byte, len(prefixEvent)+10)
	copy(k, prefixEvent)
	binary.BigEndian.PutUint64(k[len(prefixEvent):], uint64(seq))
	binary.BigEndian.PutUint16(k[len(prefixEvent)+8:], idx)
	return k
}
