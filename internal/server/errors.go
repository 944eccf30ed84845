package server

import (
	"errors"
	"net/http"

	"StakeLedger/internal/core"
	"StakeLedger/internal/ledger"
)

// classifyOpError maps ledger and engine errors to an HTTP status, a
// machine-readable kind, and the structured fields the error carries.
func classifyOpError(err error) (int, string, map[string]interface{}) {
	var (
		zeroErr     *ledger.ZeroAmountError
		balErr      *ledger.InsufficientBalanceError
		lenErr      *ledger.LengthMismatchError
		totalErr    *ledger.TotalMismatchError
		rangeErr    *ledger.OutOfRangeError
		overflowErr *ledger.OverflowError
	)

	switch {
	case errors.As(err, &zeroErr):
		return http.StatusBadRequest, "zero_amount", map[string]interface{}{
			"op": zeroErr.Op,
		}

	case errors.As(err, &balErr):
		return http.StatusConflict, "insufficient_balance", map[string]interface{}{
			"account":   balErr.Account.String(),
			"requested": balErr.Requested.Dec(),
			"available": balErr.Available.Dec(),
		}

	case errors.As(err, &lenErr):
		return http.StatusBadRequest, "length_mismatch", map[string]interface{}{
			"recipients_len": lenErr.RecipientsLen,
			"amounts_len":    lenErr.AmountsLen,
		}

	case errors.As(err, &totalErr):
		return http.StatusBadRequest, "total_mismatch", map[string]interface{}{
			"provided": totalErr.Provided.Dec(),
			"computed": totalErr.Computed.Dec(),
		}

	case errors.As(err, &rangeErr):
		return http.StatusBadRequest, "out_of_range", map[string]interface{}{
			"offset": rangeErr.Offset,
			"count":  rangeErr.Count,
			"length": rangeErr.Length,
		}

	case errors.As(err, &overflowErr):
		return http.StatusBadRequest, "overflow", map[string]interface{}{
			"account": overflowErr.Account.String(),
		}

	case errors.Is(err, core.ErrPaused):
		return http.StatusServiceUnavailable, "paused", nil

	case errors.Is(err, core.ErrReentrantCall):
		return http.StatusConflict, "reentrant", nil

	default:
		return http.StatusBadGateway, "transfer_failed", map[string]interface{}{
			"detail": err.Error(),
		}
	}
}
