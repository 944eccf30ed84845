package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes applied operations, ledger entries and
// participant log appends to Postgres using multi-row INSERT. Writes
// are idempotent via ON CONFLICT DO NOTHING so redelivered batches are
// harmless.
type EventLogWriter struct {
	db *sql.DB
}

// OpRow represents a row in event_log.ops
type OpRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	Payload        []byte // JSON-encoded operation payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// EntryRow represents a row in event_log.entries. Amounts are decimal
// strings bound to NUMERIC(78,0) columns, wide enough for 256-bit
// values.
type EntryRow struct {
	EntryID    string
	Sequence   int64
	Account    string
	Direction  string // "credit" or "debit"
	Amount     string
	NewBalance string
}

// ParticipantRow represents an append to event_log.participants.
type ParticipantRow struct {
	Position int64
	Account  string
	Sequence int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteOpBatch writes a batch of operations inside the given tx.
func (w *EventLogWriter) WriteOpBatch(ctx context.Context, tx *sql.Tx, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.ops
		(sequence, op_type, idempotency_key, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*8)

	for i, o := range ops {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			o.Sequence, o.OpType, o.IdempotencyKey, o.Payload,
			o.StateHash, o.PrevHash, o.Timestamp, o.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes a batch of ledger entries inside the given tx.
func (w *EventLogWriter) WriteEntryBatch(ctx context.Context, tx *sql.Tx, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.entries
		(entry_id, sequence, account, direction, amount, new_balance)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*6)

	for i, e := range entries {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			e.EntryID, e.Sequence, e.Account, e.Direction, e.Amount, e.NewBalance,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteParticipantBatch writes participant log appends inside the given tx.
func (w *EventLogWriter) WriteParticipantBatch(ctx context.Context, tx *sql.Tx, parts []ParticipantRow) error {
	if len(parts) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.participants
		(position, account, sequence)
		VALUES `

	values := make([]string, 0, len(parts))
	args := make([]interface{}, 0, len(parts)*3)

	for i, p := range parts {
		base := i * 3
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d)",
			base+1, base+2, base+3,
		))
		args = append(args, p.Position, p.Account, p.Sequence)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (position) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
