package core

import (
	"github.com/holiman/uint256"

	"StakeLedger/internal/ledger"
)

// SnapshotState captures the core's full in-memory state at a sequence
// boundary. On warm restart the latest snapshot is loaded and the event
// log replayed from there.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.Address]*uint256.Int
	Participants    []ledger.Address
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the engine's in-memory state.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence + 1 // Next sequence to assign
	e.hasher.SetPrevHash(snap.StateHash)

	for addr, balance := range snap.Balances {
		e.led.SetBalance(addr, balance)
	}
	for _, addr := range snap.Participants {
		e.led.AppendParticipant(addr)
	}
	for partition, nextSeq := range snap.SequenceState {
		e.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
	e.idempotency.Warm(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys so redeliveries of recently
// processed operations skip the cold-path DB lookup.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.Warm(keys)
}

// CreateSnapshotState captures the current in-memory state for
// persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &SnapshotState{
		Sequence:        e.sequence - 1, // Last processed sequence
		StateHash:       e.hasher.GetPrevHash(),
		Balances:        e.led.Balances(),
		Participants:    e.led.Participants(),
		SequenceState:   e.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}
