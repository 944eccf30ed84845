package event

import (
	"time"
)

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeStake
	OpTypeUnstake
	OpTypeDistribute
)

// OpEnvelope wraps every applied operation in the log
type OpEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OpType OpType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Op is the interface all operation payloads must implement
type Op interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() OpType

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (ot OpType) String() string {
	switch ot {
	case OpTypeStake:
		return "Stake"
	case OpTypeUnstake:
		return "Unstake"
	case OpTypeDistribute:
		return "Distribute"
	default:
		return "Unknown"
	}
}
