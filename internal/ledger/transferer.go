package ledger

import (
	"context"

	"github.com/holiman/uint256"
)

// Transferer hands withdrawn funds back to their owner. Implementations
// must either complete the transfer or return an error; a returned
// error causes the surrounding unstake to be rolled back in full.
type Transferer interface {
	Transfer(ctx context.Context, to Address, amount *uint256.Int) error
}
