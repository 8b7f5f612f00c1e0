package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"PerpClearing/internal/core"
	"PerpClearing/internal/ledger"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes the command log, emitted events and journals to
// Postgres using multi-row INSERTs. Every insert is idempotent on its
// primary key, so a retried flush cannot duplicate rows.
type EventLogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in event_log.commands: one accepted command
// with the hash chain link it produced.
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	Index     int
	EventType string
	MarketID  *string
	Payload   []byte
	Timestamp int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// Rows is everything one CoreOutput writes.
type Rows struct {
	Command  CommandRow
	Events   []EventRow
	Journals []JournalRow
}

// RowsFromOutput flattens a core output into table rows.
func RowsFromOutput(out core.CoreOutput) (Rows, error) {
	env := out.Envelope
	rows := Rows{
		Command: CommandRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       env.MarketID,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}
	for i, e := range out.Events {
		payload, err := json.Marshal(e)
		if err != nil {
			return Rows{}, fmt.Errorf("marshal %s: %w", e.EventType(), err)
		}
		rows.Events = append(rows.Events, EventRow{
			Sequence:  env.Sequence,
			Index:     i,
			EventType: e.EventType().String(),
			MarketID:  e.MarketID(),
			Payload:   payload,
			Timestamp: env.Timestamp,
		})
	}
	rows.Journals = JournalRows(out.Batches)
	return rows, nil
}

// JournalRows flattens ledger batches into journal rows.
func JournalRows(batches []*ledger.Batch) []JournalRow {
	var out []JournalRow
	for _, b := range batches {
		for _, j := range b.Journals {
			out = append(out, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return out
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}
	return insertChunked(ctx, ex,
		`INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `,
		` ON CONFLICT (sequence) DO NOTHING`,
		9, len(commands), func(i int) []any {
			c := commands[i]
			return []any{
				c.Sequence, c.CommandType, c.IdempotencyKey, c.MarketID,
				string(c.Payload), c.StateHash, c.PrevHash, c.Timestamp, c.SourceSequence,
			}
		})
}

// WriteEventBatch writes emitted events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	return insertChunked(ctx, ex,
		`INSERT INTO event_log.events
		(sequence, idx, event_type, market_id, payload, timestamp)
		VALUES `,
		` ON CONFLICT (sequence, idx) DO NOTHING`,
		6, len(events), func(i int) []any {
			e := events[i]
			return []any{e.Sequence, e.Index, e.EventType, e.MarketID, string(e.Payload), e.Timestamp}
		})
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	return insertChunked(ctx, ex,
		`INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `,
		` ON CONFLICT (journal_id) DO NOTHING`,
		10, len(journals), func(i int) []any {
			j := journals[i]
			return []any{
				j.JournalID, j.BatchID, j.EventRef, j.Sequence,
				j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
				j.JournalType, j.Timestamp,
			}
		})
}

// WriteRows writes a whole flush in one transaction.
func (w *EventLogWriter) WriteRows(ctx context.Context, rows []Rows) (journals int, err error) {
	commands := make([]CommandRow, 0, len(rows))
	var events []EventRow
	var journalRows []JournalRow
	for _, r := range rows {
		commands = append(commands, r.Command)
		events = append(events, r.Events...)
		journalRows = append(journalRows, r.Journals...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &opError{op: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.WriteCommandBatch(ctx, tx, commands); err != nil {
		return 0, &opError{op: "write_commands", err: err}
	}
	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return 0, &opError{op: "write_events", err: err}
	}
	if err := w.WriteJournalBatch(ctx, tx, journalRows); err != nil {
		return 0, &opError{op: "write_journals", err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &opError{op: "tx_commit", err: err}
	}
	return len(journalRows), nil
}

// Postgres caps a statement at 65535 bind parameters.
const maxParams = 65535

// insertChunked runs prefix + VALUES tuples + suffix for n rows, splitting
// into as many statements as the parameter limit requires.
func insertChunked(ctx context.Context, ex execer, prefix, suffix string, cols, n int, row func(i int) []any) error {
	perStmt := maxParams / cols
	for start := 0; start < n; start += perStmt {
		end := min(start+perStmt, n)
		args := make([]any, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			args = append(args, row(i)...)
		}
		if _, err := ex.ExecContext(ctx, prefix+placeholders(end-start, cols)+suffix, args...); err != nil {
			return err
		}
	}
	return nil
}

// placeholders renders n tuples of cols positional parameters:
// ($1, $2), ($3, $4), ...
func placeholders(n, cols int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// opError tags a write failure with the step that failed, for metrics.
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }
