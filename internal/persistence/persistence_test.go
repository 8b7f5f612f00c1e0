package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"PerpClearing/internal/command"
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trader = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")

func depositOutput(t *testing.T, seq int64, amount int64) core.CoreOutput {
	t.Helper()
	tracker := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(seq, tracker)
	cmd := &command.Deposit{
		CommandID: uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(seq)}),
		Trader:    trader,
		Amount:    amount,
		Time:      1_700_000_000,
	}
	batch, err := gen.GenerateDeposit(trader, cmd.IdempotencyKey(), amount, ledger.AssetUSDC, cmd.Time)
	require.NoError(t, err)
	payload, err := command.Encode(cmd)
	require.NoError(t, err)

	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: cmd.IdempotencyKey(),
		CommandType:    cmd.CommandType(),
		Timestamp:      cmd.Time,
		Payload:        payload,
	}
	env.StateHash[0] = byte(seq)
	if seq > 1 {
		env.PrevHash[0] = byte(seq - 1)
	}
	return core.CoreOutput{
		Envelope: env,
		Command:  cmd,
		Events:   []event.Event{&event.CollateralDeposited{Trader: trader, Amount: amount}},
		Batches:  []*ledger.Batch{batch},
	}
}

// ===== Test: Row mapping =====

func TestRowsFromOutput(t *testing.T) {
	out := depositOutput(t, 3, 1_000_000)
	rows, err := persistence.RowsFromOutput(out)
	require.NoError(t, err)

	assert.Equal(t, int64(3), rows.Command.Sequence)
	assert.Equal(t, "Deposit", rows.Command.CommandType)
	assert.Equal(t, out.Envelope.IdempotencyKey, rows.Command.IdempotencyKey)
	assert.Nil(t, rows.Command.MarketID)
	assert.Len(t, rows.Command.StateHash, 32)
	assert.Equal(t, byte(3), rows.Command.StateHash[0])
	assert.Equal(t, byte(2), rows.Command.PrevHash[0])

	require.Len(t, rows.Events, 1)
	assert.Equal(t, "CollateralDeposited", rows.Events[0].EventType)
	assert.Equal(t, 0, rows.Events[0].Index)
	var e event.CollateralDeposited
	require.NoError(t, json.Unmarshal(rows.Events[0].Payload, &e))
	assert.Equal(t, int64(1_000_000), e.Amount)

	require.Len(t, rows.Journals, 1)
	j := rows.Journals[0]
	assert.Equal(t, "user:"+trader.String()+":collateral:USDC", j.DebitAccount)
	assert.Equal(t, "external:deposits:USDC", j.CreditAccount)
	assert.Equal(t, int64(1_000_000), j.Amount)
	assert.Equal(t, uint16(ledger.AssetUSDC), j.AssetID)
	assert.Equal(t, int32(ledger.JournalTypeDeposit), j.JournalType)
}

// fakeExecer records statements instead of running them.
type fakeExecer struct {
	queries []string
	args    [][]any
}

func (f *fakeExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return nil, nil
}

func TestWriteCommandBatch_Placeholders(t *testing.T) {
	w := persistence.NewEventLogWriter(nil)
	ex := &fakeExecer{}
	rows := []persistence.CommandRow{{Sequence: 1}, {Sequence: 2}}

	require.NoError(t, w.WriteCommandBatch(context.Background(), ex, rows))
	require.Len(t, ex.queries, 1)
	assert.Contains(t, ex.queries[0], "($1, $2, $3, $4, $5, $6, $7, $8, $9), ($10, $11, $12, $13, $14, $15, $16, $17, $18)")
	assert.Contains(t, ex.queries[0], "ON CONFLICT (sequence) DO NOTHING")
	assert.Len(t, ex.args[0], 18)
}

func TestWriteJournalBatch_SplitsAtParameterLimit(t *testing.T) {
	w := persistence.NewEventLogWriter(nil)
	ex := &fakeExecer{}
	journals := make([]persistence.JournalRow, 7000) // 70000 parameters

	require.NoError(t, w.WriteJournalBatch(context.Background(), ex, journals))
	require.Len(t, ex.queries, 2)
	assert.Len(t, ex.args[0], 6553*10)
	assert.Len(t, ex.args[1], (7000-6553)*10)
	assert.True(t, strings.HasSuffix(ex.queries[1], "ON CONFLICT (journal_id) DO NOTHING"))
}

func TestWriteEventBatch_EmptyIsNoop(t *testing.T) {
	ex := &fakeExecer{}
	require.NoError(t, persistence.NewEventLogWriter(nil).WriteEventBatch(context.Background(), ex, nil))
	assert.Empty(t, ex.queries)
}

// ===== Test: Postgres round trip (integration) =====

func TestPersistenceWorker_WritesAndRecovers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	in := make(chan core.CoreOutput, 8)
	sink := &recordingSink{}
	worker := persistence.NewPersistenceWorker(db, sink, in, 2, time.Millisecond, nil, zerolog.Nop())

	for seq := int64(1); seq <= 3; seq++ {
		in <- depositOutput(t, seq, seq*1_000_000)
	}
	close(in)
	require.NoError(t, worker.Run(ctx))

	assert.Equal(t, int64(3), worker.LastPersisted())
	assert.Equal(t, []int64{1, 2, 3}, sink.sequences)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	envs, err := sm.LoadCommandsFrom(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, int64(2), envs[0].Sequence)
	assert.Equal(t, command.CommandTypeDeposit, envs[0].CommandType)
	assert.Equal(t, byte(2), envs[0].StateHash[0])

	cmd, err := command.Decode(envs[0].CommandType, envs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), cmd.(*command.Deposit).Amount)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("Deposit", envs[0].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("Withdraw", envs[0].IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Deposit:" + envs[0].IdempotencyKey, "Deposit:" + envs[1].IdempotencyKey}, keys)
}

func TestSnapshotManager_VerifyAgainstCommandLog(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	in := make(chan core.CoreOutput, 1)
	in <- depositOutput(t, 1, 1_000_000)
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, nil, in, 1, time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	sm := persistence.NewSnapshotManager(db)

	none, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	snap := &core.SnapshotState{Sequence: 1, SequenceState: map[string]int64{"global": 2}}
	snap.StateHash[0] = 9 // does not match the log
	_, err = sm.SaveSnapshot(ctx, snap, time.Now())
	require.NoError(t, err)
	assert.Error(t, sm.VerifySnapshot(ctx, 1))

	snap.StateHash[0] = 1
	_, err = sm.SaveSnapshot(ctx, snap, time.Now())
	require.NoError(t, err)
	require.NoError(t, sm.VerifySnapshot(ctx, 1))

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(1), loaded.Sequence)
	assert.Equal(t, int64(2), loaded.SequenceState["global"])

	// a snapshot in an older format is skipped: recovery replays the log
	_, err = db.ExecContext(ctx, `UPDATE event_log.snapshots SET format_version = 1 WHERE sequence = 1`)
	require.NoError(t, err)
	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

type recordingSink struct {
	sequences []int64
}

func (s *recordingSink) Append(env *event.EventEnvelope, _ []event.Event) error {
	s.sequences = append(s.sequences, env.Sequence)
	return nil
}
