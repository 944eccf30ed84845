package ledger

import (
	"github.com/holiman/uint256"
)

// NoteKind classifies the notifications buffered during a transaction.
type NoteKind string

const (
	NoteCredited    NoteKind = "credited"
	NoteDebited     NoteKind = "debited"
	NoteDistributed NoteKind = "distributed"
)

// Note is a notification recorded while a transaction is open. Notes
// only become observable when the transaction commits; a rollback
// discards them together with the balance writes.
type Note struct {
	Kind       NoteKind
	Account    Address
	Amount     *uint256.Int
	NewBalance *uint256.Int
	Recipients int
}

type undoEntry struct {
	account Address
	existed bool
	prev    uint256.Int
}

// StakeLedger holds the balance table and the append-only participant
// log. It is not safe for concurrent use; all mutations are expected to
// arrive serialized through a single owner.
type StakeLedger struct {
	balances     map[Address]*uint256.Int
	participants []Address

	inTx     bool
	undo     []undoEntry
	partMark int
	notes    []Note
}

// NewStakeLedger returns an empty ledger.
func NewStakeLedger() *StakeLedger {
	return &StakeLedger{
		balances: make(map[Address]*uint256.Int),
	}
}

// Begin opens a transaction. Every mutation until Commit or Rollback is
// journaled so it can be undone as a unit. Transactions do not nest.
func (l *StakeLedger) Begin() {
	if l.inTx {
		panic("ledger: transaction already open")
	}
	l.inTx = true
	l.undo = l.undo[:0]
	l.partMark = len(l.participants)
	l.notes = l.notes[:0]
}

// Commit closes the transaction and returns the notes buffered since
// Begin. The returned slice is owned by the caller.
func (l *StakeLedger) Commit() []Note {
	if !l.inTx {
		panic("ledger: commit without open transaction")
	}
	l.inTx = false
	notes := make([]Note, len(l.notes))
	copy(notes, l.notes)
	l.notes = l.notes[:0]
	l.undo = l.undo[:0]
	return notes
}

// Rollback undoes every mutation since Begin and discards the buffered
// notes. Balance writes are reversed in LIFO order and the participant
// log is truncated back to its pre-transaction length.
func (l *StakeLedger) Rollback() {
	if !l.inTx {
		panic("ledger: rollback without open transaction")
	}
	for i := len(l.undo) - 1; i >= 0; i-- {
		u := l.undo[i]
		if u.existed {
			prev := u.prev
			l.balances[u.account] = &prev
		} else {
			delete(l.balances, u.account)
		}
	}
	l.participants = l.participants[:l.partMark]
	l.notes = l.notes[:0]
	l.undo = l.undo[:0]
	l.inTx = false
}

func (l *StakeLedger) journal(account Address) {
	prev, ok := l.balances[account]
	u := undoEntry{account: account, existed: ok}
	if ok {
		u.prev = *prev
	}
	l.undo = append(l.undo, u)
}

func (l *StakeLedger) balanceOf(account Address) *uint256.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return uint256.NewInt(0)
}

// Credit adds amount to the account balance. A zero amount is a no-op.
// The first transition from zero to a non-zero balance appends the
// account to the participant log; later transitions append it again,
// so the log may hold duplicates.
func (l *StakeLedger) Credit(account Address, amount *uint256.Int) error {
	if !l.inTx {
		panic("ledger: credit outside transaction")
	}
	if amount.IsZero() {
		return nil
	}
	prev := l.balanceOf(account)
	next := new(uint256.Int)
	if _, overflow := next.AddOverflow(prev, amount); overflow {
		return &OverflowError{Account: account}
	}
	l.journal(account)
	l.balances[account] = next
	if prev.IsZero() {
		l.participants = append(l.participants, account)
	}
	l.notes = append(l.notes, Note{
		Kind:       NoteCredited,
		Account:    account,
		Amount:     amount.Clone(),
		NewBalance: next.Clone(),
	})
	return nil
}

// Debit removes amount from the account balance. It fails with
// InsufficientBalanceError when the balance cannot cover the amount,
// reporting both the requested and available figures.
func (l *StakeLedger) Debit(account Address, amount *uint256.Int) error {
	if !l.inTx {
		panic("ledger: debit outside transaction")
	}
	avail := l.balanceOf(account)
	if avail.Lt(amount) {
		return &InsufficientBalanceError{
			Account:   account,
			Requested: amount.Clone(),
			Available: avail.Clone(),
		}
	}
	l.journal(account)
	l.balances[account] = new(uint256.Int).Sub(avail, amount)
	l.notes = append(l.notes, Note{
		Kind:       NoteDebited,
		Account:    account,
		Amount:     amount.Clone(),
		NewBalance: l.balances[account].Clone(),
	})
	return nil
}

// Stake credits amount to the caller's balance. Zero amounts are
// rejected without touching state.
func (l *StakeLedger) Stake(account Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return &ZeroAmountError{Op: "stake"}
	}
	return l.Credit(account, amount)
}

// Distribute credits each recipient its amount and then verifies that
// the per-recipient amounts sum to total. Validation happens after the
// credits on purpose: a mismatch surfaces as TotalMismatchError and the
// caller is expected to roll the transaction back, which also discards
// the per-recipient credited notes.
func (l *StakeLedger) Distribute(total *uint256.Int, recipients []Address, amounts []*uint256.Int) error {
	if total.IsZero() {
		return &ZeroAmountError{Op: "distribute"}
	}
	if len(recipients) != len(amounts) {
		return &LengthMismatchError{
			RecipientsLen: len(recipients),
			AmountsLen:    len(amounts),
		}
	}
	sum := new(uint256.Int)
	for i, rcpt := range recipients {
		if err := l.Credit(rcpt, amounts[i]); err != nil {
			return err
		}
		if _, overflow := sum.AddOverflow(sum, amounts[i]); overflow {
			return &OverflowError{Account: rcpt}
		}
	}
	if !sum.Eq(total) {
		return &TotalMismatchError{
			Provided: total.Clone(),
			Computed: sum.Clone(),
		}
	}
	l.notes = append(l.notes, Note{
		Kind:       NoteDistributed,
		Amount:     total.Clone(),
		Recipients: len(recipients),
	})
	return nil
}

// GetBalance returns a copy of the account balance, zero when the
// account has never been credited.
func (l *StakeLedger) GetBalance(account Address) *uint256.Int {
	return l.balanceOf(account).Clone()
}

// NumStakers returns the participant log length, duplicates included.
func (l *StakeLedger) NumStakers() int {
	return len(l.participants)
}

// Stakers returns the participant log slice [offset, offset+count).
// Ranges that fall outside the log are rejected with OutOfRangeError
// rather than clamped.
func (l *StakeLedger) Stakers(offset, count int) ([]Address, error) {
	// Checked as two comparisons so offset+count cannot overflow int.
	if offset < 0 || count < 0 || offset > len(l.participants) || count > len(l.participants)-offset {
		return nil, &OutOfRangeError{
			Offset: offset,
			Count:  count,
			Length: len(l.participants),
		}
	}
	out := make([]Address, count)
	copy(out, l.participants[offset:offset+count])
	return out, nil
}

// TotalStaked sums every balance in the table.
func (l *StakeLedger) TotalStaked() *uint256.Int {
	total := new(uint256.Int)
	for _, b := range l.balances {
		total.Add(total, b)
	}
	return total
}

// Balances returns a copy of the balance table keyed by address.
func (l *StakeLedger) Balances() map[Address]*uint256.Int {
	out := make(map[Address]*uint256.Int, len(l.balances))
	for addr, b := range l.balances {
		out[addr] = b.Clone()
	}
	return out
}

// Participants returns a copy of the participant log.
func (l *StakeLedger) Participants() []Address {
	out := make([]Address, len(l.participants))
	copy(out, l.participants)
	return out
}

// SetBalance writes a balance directly, bypassing the transaction
// journal. Used only when restoring from a snapshot.
func (l *StakeLedger) SetBalance(account Address, balance *uint256.Int) {
	if l.inTx {
		panic("ledger: SetBalance inside transaction")
	}
	l.balances[account] = balance.Clone()
}

// AppendParticipant appends directly to the participant log, bypassing
// the transaction journal. Used only when restoring from a snapshot.
func (l *StakeLedger) AppendParticipant(account Address) {
	if l.inTx {
		panic("ledger: AppendParticipant inside transaction")
	}
	l.participants = append(l.participants, account)
}
