package ingestion

import (
	"context"

	"StakeLedger/internal/event"
)

// OpRequest pairs a typed operation with an optional reply channel.
// Synchronous surfaces (the HTTP API) set Reply to receive the engine's
// verdict; fire-and-forget sources leave it nil.
type OpRequest struct {
	Op    event.Op
	Reply chan<- error
}

// OpSubmitter injects operations into the engine loop on behalf of the
// HTTP API. It is the low-throughput, synchronous counterpart to the
// NATS subscriber.
type OpSubmitter struct {
	opChan chan<- OpRequest
}

func NewOpSubmitter(opChan chan<- OpRequest) *OpSubmitter {
	return &OpSubmitter{opChan: opChan}
}

// Submit queues an operation and blocks until the engine has applied or
// rejected it.
func (s *OpSubmitter) Submit(ctx context.Context, op event.Op) error {
	reply := make(chan error, 1)
	select {
	case s.opChan <- OpRequest{Op: op, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
