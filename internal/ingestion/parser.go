package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
)

// ParseRawOp converts a RawOp (JSON bytes + operation type string)
// into a typed event.Op. The ingestion shell validates, parses, and
// converts raw messages before handing them to the engine.
func ParseRawOp(raw RawOp, opType string) (event.Op, error) {
	switch opType {
	case "Stake":
		return parseStake(raw.Data)
	case "Unstake":
		return parseUnstake(raw.Data)
	case "Distribute":
		return parseDistribute(raw.Data)
	default:
		return nil, fmt.Errorf("unknown operation type: %s", opType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings so producers never need 256-bit integer support.

type stakeOpJSON struct {
	OpID        string `json:"op_id"`
	Caller      string `json:"caller"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type distributeOpJSON struct {
	OpID        string   `json:"op_id"`
	Caller      string   `json:"caller"`
	Total       string   `json:"total"`
	Recipients  []string `json:"recipients"`
	Amounts     []string `json:"amounts"`
	Sequence    int64    `json:"sequence"`
	TimestampUs int64    `json:"timestamp_us"`
}

func parseStake(data []byte) (*event.StakeRequested, error) {
	var j stakeOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Stake: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	caller, err := ledger.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	amount, err := parseAmount(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	return &event.StakeRequested{
		OpID:      opID,
		Caller:    caller,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseUnstake(data []byte) (*event.UnstakeRequested, error) {
	var j stakeOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Unstake: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	caller, err := ledger.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	amount, err := parseAmount(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	return &event.UnstakeRequested{
		OpID:      opID,
		Caller:    caller,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseDistribute(data []byte) (*event.DistributeRequested, error) {
	var j distributeOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Distribute: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	caller, err := ledger.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	total, err := parseAmount(j.Total)
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}

	recipients := make([]ledger.Address, len(j.Recipients))
	for i, r := range j.Recipients {
		addr, err := ledger.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %d: %w", i, err)
		}
		recipients[i] = addr
	}

	amounts := make([]*uint256.Int, len(j.Amounts))
	for i, a := range j.Amounts {
		amount, err := parseAmount(a)
		if err != nil {
			return nil, fmt.Errorf("parse amount %d: %w", i, err)
		}
		amounts[i] = amount
	}

	return &event.DistributeRequested{
		OpID:       opID,
		Caller:     caller,
		Total:      total,
		Recipients: recipients,
		Amounts:    amounts,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	return uint256.FromDecimal(s)
}
