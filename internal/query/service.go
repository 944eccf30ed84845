package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// Service serves reads from the projection tables and the ops log. It
// exists for history and indexer traffic; authoritative balance reads
// go straight to the engine's in-memory state.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// GetBalance returns the projected balance for an account. Accounts
// never seen by a projection read as zero.
func (s *Service) GetBalance(ctx context.Context, account string) (*BalanceRecord, error) {
	watermark, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rec := &BalanceRecord{
		Account:      account,
		Balance:      "0",
		AsOfSequence: watermark,
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT balance, last_sequence
		FROM projections.balances
		WHERE account = $1
	`, account).Scan(&rec.Balance, &rec.LastSequence)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return rec, nil
}

// ListParticipants returns a page of the projected participant log.
func (s *Service) ListParticipants(ctx context.Context, offset, count int) (*ParticipantPage, error) {
	if offset < 0 || count < 0 {
		return nil, fmt.Errorf("negative offset or count")
	}

	watermark, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projections.participants`,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, account, sequence
		FROM projections.participants
		ORDER BY position ASC
		OFFSET $1 LIMIT $2
	`, offset, count)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	page := &ParticipantPage{
		Participants: make([]ParticipantRecord, 0, count),
		Offset:       offset,
		Count:        count,
		Total:        total,
		AsOfSequence: watermark,
	}
	for rows.Next() {
		var rec ParticipantRecord
		if err := rows.Scan(&rec.Position, &rec.Account, &rec.Sequence); err != nil {
			return nil, err
		}
		page.Participants = append(page.Participants, rec)
	}
	return page, rows.Err()
}

// ListOps returns applied operations from the ops log starting at
// fromSequence.
func (s *Service) ListOps(ctx context.Context, fromSequence int64, limit int) ([]OpRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.ops
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var ops []OpRecord
	for rows.Next() {
		var rec OpRecord
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&rec.Sequence, &rec.OpType, &rec.IdempotencyKey, &rec.Payload,
			&stateHash, &prevHash, &rec.Timestamp, &rec.SourceSequence,
		); err != nil {
			return nil, err
		}
		rec.StateHash = hex.EncodeToString(stateHash)
		rec.PrevHash = hex.EncodeToString(prevHash)
		ops = append(ops, rec)
	}
	return ops, rows.Err()
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var watermark sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&watermark)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query watermark: %w", err)
	}
	return watermark.Int64, nil
}
