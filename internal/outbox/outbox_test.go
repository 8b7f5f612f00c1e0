package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"PerpClearing/internal/command"
	"PerpClearing/internal/event"
	"PerpClearing/internal/outbox"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trader = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")

func openOutbox(t *testing.T, dir string) *outbox.Outbox {
	t.Helper()
	o, err := outbox.Open(dir, nil, zerolog.Nop())
	require.NoError(t, err)
	return o
}

func envelope(seq int64) *event.EventEnvelope {
	return &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(seq)}).String(),
		CommandType:    command.CommandTypeDeposit,
		Timestamp:      1_700_000_000 + seq,
	}
}

func deposited(amount int64) event.Event {
	return &event.CollateralDeposited{Trader: trader, Amount: amount}
}

// fakePublisher records published records and fails on demand.
type fakePublisher struct {
	published []outbox.Record
	failAt    int // fail the call with this 1-based index; 0 never fails
	calls     int
}

func (p *fakePublisher) Publish(_ context.Context, rec outbox.Record) error {
	p.calls++
	if p.calls == p.failAt {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, rec)
	return nil
}

// ===== Test: Append and Pending =====

func TestAppend_PendingInOrder(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()

	require.NoError(t, o.Append(envelope(2), []event.Event{deposited(10), deposited(20)}))
	require.NoError(t, o.Append(envelope(3), []event.Event{deposited(30)}))

	recs, err := o.Pending(10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, int64(2), recs[0].Sequence)
	assert.Equal(t, uint16(0), recs[0].Index)
	assert.Equal(t, uint16(1), recs[1].Index)
	assert.Equal(t, int64(3), recs[2].Sequence)
	assert.Equal(t, "CollateralDeposited", recs[0].EventType)
	assert.Equal(t, "2-1", recs[1].MessageID())
	assert.Nil(t, recs[0].MarketID)

	var payload event.CollateralDeposited
	require.NoError(t, json.Unmarshal(recs[1].Payload, &payload))
	assert.Equal(t, int64(20), payload.Amount)
	assert.Equal(t, trader, payload.Trader)

	limited, err := o.Pending(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAppend_SequenceAlreadyAppendedIgnored(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()

	require.NoError(t, o.Append(envelope(5), []event.Event{deposited(1)}))
	require.NoError(t, o.Append(envelope(5), []event.Event{deposited(1)}))
	require.NoError(t, o.Append(envelope(4), []event.Event{deposited(1)}))

	recs, err := o.Pending(10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	last, err := o.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestAppend_NoEventsAdvancesLastSequence(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()

	require.NoError(t, o.Append(envelope(7), nil))
	last, err := o.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, int64(7), last)

	recs, err := o.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// ===== Test: Durability =====

func TestReopen_KeepsPendingAndLastSequence(t *testing.T) {
	dir := t.TempDir()
	o := openOutbox(t, dir)
	require.NoError(t, o.Append(envelope(1), []event.Event{deposited(1), deposited(2)}))
	recs, err := o.Pending(1)
	require.NoError(t, err)
	require.NoError(t, o.Ack(recs))
	require.NoError(t, o.Close())

	o = openOutbox(t, dir)
	defer o.Close()

	recs, err = o.Pending(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint16(1), recs[0].Index)

	last, err := o.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestClosed_ReturnsErrClosed(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	_, err := o.Pending(1)
	assert.ErrorIs(t, err, outbox.ErrClosed)
	assert.ErrorIs(t, o.Append(envelope(1), nil), outbox.ErrClosed)
}

// ===== Test: Relay =====

func TestRelay_FlushPublishesAndAcks(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()
	require.NoError(t, o.Append(envelope(1), []event.Event{deposited(1), deposited(2)}))

	pub := &fakePublisher{}
	relay := outbox.NewRelay(o, pub, 10, 0, nil, zerolog.Nop())

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.published, 2)

	recs, err := o.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRelay_FailedPublishRetriedInOrder(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()
	require.NoError(t, o.Append(envelope(1), []event.Event{deposited(1), deposited(2), deposited(3)}))

	pub := &fakePublisher{failAt: 2}
	relay := outbox.NewRelay(o, pub, 10, 0, nil, zerolog.Nop())

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	recs, err := o.Pending(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint16(1), recs[0].Index)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.published, 3)
	for i, rec := range pub.published {
		assert.Equal(t, uint16(i), rec.Index)
	}
}
