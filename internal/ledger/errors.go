package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ZeroAmountError is returned when an operation is invoked with a zero
// amount. Zero-amount requests never mutate state.
type ZeroAmountError struct {
	Op string
}

func (e *ZeroAmountError) Error() string {
	return fmt.Sprintf("%s: amount must be non-zero", e.Op)
}

// InsufficientBalanceError is returned when a debit exceeds the
// account's current balance. Both figures are reported so callers can
// surface them without an extra read.
type InsufficientBalanceError struct {
	Account   Address
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: requested %s, available %s",
		e.Account, e.Requested.Dec(), e.Available.Dec())
}

// LengthMismatchError is returned by Distribute when the recipient and
// amount slices differ in length.
type LengthMismatchError struct {
	RecipientsLen int
	AmountsLen    int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("distribute: %d recipients but %d amounts",
		e.RecipientsLen, e.AmountsLen)
}

// TotalMismatchError is returned by Distribute when the per-recipient
// amounts do not sum to the declared total.
type TotalMismatchError struct {
	Provided *uint256.Int
	Computed *uint256.Int
}

func (e *TotalMismatchError) Error() string {
	return fmt.Sprintf("distribute: declared total %s but amounts sum to %s",
		e.Provided.Dec(), e.Computed.Dec())
}

// OutOfRangeError is returned when a participant page falls outside the
// log bounds.
type OutOfRangeError struct {
	Offset int
	Count  int
	Length int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("participant range [%d, %d) out of bounds for log of length %d",
		e.Offset, e.Offset+e.Count, e.Length)
}

// OverflowError is returned when a credit would overflow the 256-bit
// balance width or the distribute running total.
type OverflowError struct {
	Account Address
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("balance overflow for %s", e.Account)
}
