package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StakeLedger/internal/ledger"
)

type StakeRequested struct {
	OpID      uuid.UUID
	Caller    ledger.Address
	Amount    *uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (s *StakeRequested) IdempotencyKey() string {
	return s.OpID.String()
}

func (s *StakeRequested) OpType() OpType {
	return OpTypeStake
}

func (s *StakeRequested) SourceSequence() int64 {
	return s.Sequence
}

type UnstakeRequested struct {
	OpID      uuid.UUID
	Caller    ledger.Address
	Amount    *uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (u *UnstakeRequested) IdempotencyKey() string {
	return u.OpID.String()
}

func (u *UnstakeRequested) OpType() OpType {
	return OpTypeUnstake
}

func (u *UnstakeRequested) SourceSequence() int64 {
	return u.Sequence
}

type DistributeRequested struct {
	OpID       uuid.UUID
	Caller     ledger.Address
	Total      *uint256.Int
	Recipients []ledger.Address
	Amounts    []*uint256.Int
	Sequence   int64
	Timestamp  time.Time
}

func (d *DistributeRequested) IdempotencyKey() string {
	return d.OpID.String()
}

func (d *DistributeRequested) OpType() OpType {
	return OpTypeDistribute
}

func (d *DistributeRequested) SourceSequence() int64 {
	return d.Sequence
}
