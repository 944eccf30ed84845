package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
)

// ErrReentrantCall is returned when an operation arrives while an
// unstake transfer is still in flight. The transfer hook must never
// call back into the engine.
var ErrReentrantCall = errors.New("reentrant operation during unstake transfer")

// ErrPaused is returned while the engine is administratively paused.
var ErrPaused = errors.New("engine is paused")

// Engine is the single-threaded operation processor. All mutations run
// on one goroutine; the mutex only fences the in-memory state against
// the concurrent read paths (API queries, snapshot capture).
type Engine struct {
	mu       sync.RWMutex
	sequence int64

	led               *ledger.StakeLedger
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	transferer        ledger.Transferer
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// unstaking is set for the duration of the unstake transfer hook.
	// Atomic because ProcessOp reads it before taking the mutex.
	unstaking atomic.Bool
	paused    atomic.Bool
}

// CoreOutput carries one applied operation to the persistence and
// projection workers. ParticipantLen is the participant log length
// after the operation, so downstream consumers can derive the absolute
// position of every append without tracking state of their own.
type CoreOutput struct {
	Envelope       *event.OpEnvelope
	Notes          []ledger.Note
	ParticipantLen int
}

func NewEngine(
	startSequence int64,
	transferer ledger.Transferer,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		sequence:          startSequence,
		led:               ledger.NewStakeLedger(),
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		transferer:        transferer,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessOp is the main processing pipeline
func (e *Engine) ProcessOp(ctx context.Context, op event.Op) error {
	start := time.Now()
	opType := op.OpType().String()
	idempotencyKey := op.IdempotencyKey()

	if e.unstaking.Load() {
		e.reject(opType, "reentrant")
		return ErrReentrantCall
	}
	if e.paused.Load() {
		e.reject(opType, "paused")
		return ErrPaused
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := e.idempotency.IsDuplicate(opType, idempotencyKey)

	// Step 2: Source sequence validation
	if err := e.sequenceValidator.ValidateSequence("ops", op.SourceSequence(), isDuplicate); err != nil {
		e.reject(opType, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	// If duplicate, skip processing
	if isDuplicate {
		e.reject(opType, "duplicate")
		return nil
	}

	// Step 3: Apply the operation inside a ledger transaction. The write
	// lock is held for the whole mutation so readers never observe a
	// half-applied operation.
	e.mu.Lock()
	e.led.Begin()
	err := e.apply(ctx, op)
	if err != nil {
		e.led.Rollback()
		e.mu.Unlock()
		e.reject(opType, rejectReason(err))
		return err
	}
	notes := e.led.Commit()

	// Step 4: Compute state digest and hash
	stateDigest := e.computeStateDigest(notes)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	envelope := &event.OpEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		OpType:         op.OpType(),
		Timestamp:      opTimestamp(op),
		SourceSequence: op.SourceSequence(),
		Payload:        marshalOpPayload(op),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++
	participantLen := e.led.NumStakers()
	e.mu.Unlock()

	output := CoreOutput{Envelope: envelope, Notes: notes, ParticipantLen: participantLen}

	// Step 5: Emit outputs. Persistence uses a BLOCKING send so no
	// applied operation is ever lost; projections use a NON-BLOCKING
	// send and catch up from the event log when they fall behind.
	e.persistChan <- output
	select {
	case e.projectionChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.ProjectionDropped.Inc()
		}
	}

	// Step 6: Mark as processed (add to LRU)
	e.idempotency.MarkProcessed(opType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(opType).Inc()
		e.metrics.OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.ParticipantLogLength.Set(float64(participantLen))
	}

	return nil
}

// ReplayOp re-applies a previously persisted operation during
// recovery. Idempotency and source-sequence checks are skipped and no
// output is emitted — the operation is already in the log. The hash
// chain and the sequence counter advance exactly as they did on first
// application, the sequence validator advances past the replayed
// source sequence so live sequenced traffic resumes cleanly, and the
// key is marked processed so post-replay redeliveries dedup against
// the LRU.
func (e *Engine) ReplayOp(ctx context.Context, op event.Op) error {
	e.mu.Lock()
	e.led.Begin()
	if err := e.apply(ctx, op); err != nil {
		e.led.Rollback()
		e.mu.Unlock()
		return err
	}
	notes := e.led.Commit()
	e.hasher.ComputeHash(e.sequence, e.computeStateDigest(notes))
	e.sequence++
	if src := op.SourceSequence(); src != 0 {
		e.sequenceValidator.SetExpectedSequence("ops", src+1)
	}
	e.mu.Unlock()

	e.idempotency.MarkProcessed(op.OpType().String(), op.IdempotencyKey())
	if e.metrics != nil {
		e.metrics.ReplayOpsTotal.Inc()
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, op event.Op) error {
	switch o := op.(type) {
	case *event.StakeRequested:
		return e.led.Stake(o.Caller, o.Amount)

	case *event.UnstakeRequested:
		return e.applyUnstake(ctx, o)

	case *event.DistributeRequested:
		return e.led.Distribute(o.Total, o.Recipients, o.Amounts)

	default:
		return fmt.Errorf("unhandled operation type %T", op)
	}
}

// applyUnstake debits the caller first and only then hands the funds to
// the transferer. A transfer failure rolls the debit back in full, so
// the balance is untouched when the error surfaces.
func (e *Engine) applyUnstake(ctx context.Context, o *event.UnstakeRequested) error {
	if o.Amount.IsZero() {
		return &ledger.ZeroAmountError{Op: "unstake"}
	}
	if err := e.led.Debit(o.Caller, o.Amount); err != nil {
		return err
	}

	e.unstaking.Store(true)
	err := e.transferer.Transfer(ctx, o.Caller, o.Amount)
	e.unstaking.Store(false)
	if err != nil {
		return fmt.Errorf("unstake transfer: %w", err)
	}
	return nil
}

func (e *Engine) reject(opType, reason string) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(opType, reason).Inc()
	}
}

func rejectReason(err error) string {
	var (
		zeroErr     *ledger.ZeroAmountError
		balErr      *ledger.InsufficientBalanceError
		lenErr      *ledger.LengthMismatchError
		totalErr    *ledger.TotalMismatchError
		overflowErr *ledger.OverflowError
	)
	switch {
	case errors.As(err, &zeroErr):
		return "zero_amount"
	case errors.As(err, &balErr):
		return "insufficient_balance"
	case errors.As(err, &lenErr):
		return "length_mismatch"
	case errors.As(err, &totalErr):
		return "total_mismatch"
	case errors.As(err, &overflowErr):
		return "overflow"
	default:
		return "transfer"
	}
}

// opTimestamp extracts the versioned input timestamp. The core never
// calls time.Now(); replay must produce byte-identical envelopes.
func opTimestamp(op event.Op) time.Time {
	switch o := op.(type) {
	case *event.StakeRequested:
		return o.Timestamp
	case *event.UnstakeRequested:
		return o.Timestamp
	case *event.DistributeRequested:
		return o.Timestamp
	default:
		panic(fmt.Sprintf("opTimestamp called with unhandled type %T", op))
	}
}

// Payload structs mirror the inbound wire format field for field, so a
// persisted payload parses back into an operation identical to the one
// that was applied — source sequence and timestamp included. Replay
// depends on that round trip.
type stakePayload struct {
	OpID        string `json:"op_id"`
	Caller      string `json:"caller"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type distributePayload struct {
	OpID        string   `json:"op_id"`
	Caller      string   `json:"caller"`
	Total       string   `json:"total"`
	Recipients  []string `json:"recipients"`
	Amounts     []string `json:"amounts"`
	Sequence    int64    `json:"sequence"`
	TimestampUs int64    `json:"timestamp_us"`
}

func marshalOpPayload(op event.Op) []byte {
	var payload interface{}
	switch o := op.(type) {
	case *event.StakeRequested:
		payload = stakePayload{
			OpID:        o.OpID.String(),
			Caller:      o.Caller.String(),
			Amount:      o.Amount.Dec(),
			Sequence:    o.Sequence,
			TimestampUs: o.Timestamp.UnixMicro(),
		}
	case *event.UnstakeRequested:
		payload = stakePayload{
			OpID:        o.OpID.String(),
			Caller:      o.Caller.String(),
			Amount:      o.Amount.Dec(),
			Sequence:    o.Sequence,
			TimestampUs: o.Timestamp.UnixMicro(),
		}
	case *event.DistributeRequested:
		recipients := make([]string, len(o.Recipients))
		for i, r := range o.Recipients {
			recipients[i] = r.String()
		}
		amounts := make([]string, len(o.Amounts))
		for i, a := range o.Amounts {
			amounts[i] = a.Dec()
		}
		payload = distributePayload{
			OpID:        o.OpID.String(),
			Caller:      o.Caller.String(),
			Total:       o.Total.Dec(),
			Recipients:  recipients,
			Amounts:     amounts,
			Sequence:    o.Sequence,
			TimestampUs: o.Timestamp.UnixMicro(),
		}
	default:
		panic(fmt.Sprintf("marshalOpPayload called with unhandled type %T", op))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal op payload: %v", err))
	}
	return data
}

// computeStateDigest creates canonical bytes for the state hash: every
// account touched by the operation in sorted order with its balance,
// followed by the participant log length.
func (e *Engine) computeStateDigest(notes []ledger.Note) []byte {
	touched := make(map[ledger.Address]bool)
	for _, n := range notes {
		if n.Kind == ledger.NoteCredited || n.Kind == ledger.NoteDebited {
			touched[n.Account] = true
		}
	}

	accounts := make([]ledger.Address, 0, len(touched))
	for addr := range touched {
		accounts = append(accounts, addr)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})

	digest := make([]byte, 0, len(accounts)*52+8)
	for _, addr := range accounts {
		digest = append(digest, addr.Bytes()...)
		balance := e.led.GetBalance(addr).Bytes32()
		digest = append(digest, balance[:]...)
	}
	digest = appendInt64LE(digest, int64(e.led.NumStakers()))
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Read paths (safe for concurrent use with processing) ---

// GetBalance returns the current balance for an account.
func (e *Engine) GetBalance(account ledger.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.led.GetBalance(account)
}

// TotalStaked returns the sum of every balance in the table.
func (e *Engine) TotalStaked() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.led.TotalStaked()
}

// NumStakers returns the participant log length.
func (e *Engine) NumStakers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.led.NumStakers()
}

// Stakers returns the participant log slice [offset, offset+count).
func (e *Engine) Stakers(offset, count int) ([]ledger.Address, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.led.Stakers(offset, count)
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.GetPrevHash()
}

// Pause makes the engine reject new operations until Resume.
func (e *Engine) Pause() {
	e.paused.Store(true)
}

// Resume lifts an administrative pause.
func (e *Engine) Resume() {
	e.paused.Store(false)
}

// Paused reports whether the engine is administratively paused.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}
