package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence     int64
	OpType       string
	Entries      []EntryChange
	Participants []ParticipantAppend
	Timestamp    int64
}

// EntryChange is a simplified ledger entry for projection consumption.
// Amounts are decimal strings.
type EntryChange struct {
	Account    string
	Direction  string // "credit" or "debit"
	Amount     string
	NewBalance string
}

// ParticipantAppend records a participant log append.
type ParticipantAppend struct {
	Position int64
	Account  string
}

// ProjectionWorker updates projection tables from applied operations.
// The projection channel is non-blocking with drop; when projections
// fall behind they are rebuilt from the ops log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Continue — projections are eventually consistent and
				// can be rebuilt from the ops log.
				pw.logger.Warn().
					Err(err).
					Int64("sequence", output.Sequence).
					Msg("projection update failed")
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The engine already computed the post-operation balance, so the
	// projection is a plain upsert rather than an increment.
	for _, e := range output.Entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account, balance, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (account)
			DO UPDATE SET balance = $2, last_sequence = $3
		`, e.Account, e.NewBalance, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, p := range output.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.participants (position, account, sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (position) DO NOTHING
		`, p.Position, p.Account, output.Sequence); err != nil {
			return fmt.Errorf("participant projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections rebuilds all projection tables from the ops log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.participants`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Each account's balance is the new_balance of its latest entry.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account, balance, last_sequence)
		SELECT DISTINCT ON (account)
			account,
			new_balance AS balance,
			sequence AS last_sequence
		FROM event_log.entries
		ORDER BY account, sequence DESC
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.participants (position, account, sequence)
		SELECT position, account, sequence
		FROM event_log.participants
		ON CONFLICT (position) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild participants: %w", err)
	}

	// Advance the watermark to the tip of the ops log.
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.ops
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
