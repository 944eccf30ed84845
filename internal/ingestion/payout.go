package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"StakeLedger/internal/ledger"
)

// NATSTransferer hands unstaked funds to the external settlement
// bridge by publishing a payout request. The JetStream publish ack is
// the success signal: once the request is durably stored the bridge
// owns delivery, and a failed publish fails the unstake so the debit
// is rolled back.
type NATSTransferer struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

type payoutRequestJSON struct {
	PayoutID    string `json:"payout_id"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func NewNATSTransferer(js jetstream.JetStream, logger zerolog.Logger) *NATSTransferer {
	return &NATSTransferer{js: js, logger: logger}
}

// Transfer publishes a payout request to stake.payouts.requested.
func (t *NATSTransferer) Transfer(ctx context.Context, to ledger.Address, amount *uint256.Int) error {
	req := payoutRequestJSON{
		PayoutID:    uuid.New().String(),
		Recipient:   to.String(),
		Amount:      amount.Dec(),
		TimestampUs: time.Now().UnixMicro(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payout request: %w", err)
	}

	if _, err := t.js.Publish(ctx, "stake.payouts.requested", data); err != nil {
		return fmt.Errorf("publish payout request: %w", err)
	}

	t.logger.Debug().
		Str("payout_id", req.PayoutID).
		Str("recipient", req.Recipient).
		Str("amount", req.Amount).
		Msg("payout requested")
	return nil
}
