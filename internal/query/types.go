package query

import (
	"encoding/json"
	"time"
)

// BalanceRecord is a projected account balance. Balance is a decimal
// string. AsOfSequence is the projection watermark at read time; reads
// lag the engine by design and catch up via rebuild.
type BalanceRecord struct {
	Account      string `json:"account"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ParticipantRecord is one projected participant log entry.
type ParticipantRecord struct {
	Position int64  `json:"position"`
	Account  string `json:"account"`
	Sequence int64  `json:"sequence"`
}

// ParticipantPage is a page of the projected participant log.
type ParticipantPage struct {
	Participants []ParticipantRecord `json:"participants"`
	Offset       int                 `json:"offset"`
	Count        int                 `json:"count"`
	Total        int64               `json:"total"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// OpRecord is one row of the ops log, for history and indexer reads.
type OpRecord struct {
	Sequence       int64           `json:"sequence"`
	OpType         string          `json:"op_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}
