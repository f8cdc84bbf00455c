package nrng

import (
	"context"

	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
)

// Listener is the slot action of a ranging responder: every activation arms
// one delayed listen for the next frame of the slot's exchange.
type Listener struct {
	Instance *Instance
}

func (l Listener) RunSlot(ctx context.Context, sl *tdma.Slot) {
	_ = l.Instance.Listen(ctx, sl)
}

// Initiator is the slot action of a node that opens exchanges itself. Each
// activation arms the one radio action the exchange needs next: the
// request, the listen for the response, then the final.
type Initiator struct {
	Instance *Instance
}

func (in Initiator) RunSlot(ctx context.Context, sl *tdma.Slot) {
	ex := in.Instance.begin(sl.Idx)
	switch ex.Stage {
	case AwaitingRequest:
		_ = in.Instance.Transmit(ctx, sl, CodeRequest)
	case RequestSent:
		_ = in.Instance.Listen(ctx, sl)
	case ResponseReceived:
		_ = in.Instance.Transmit(ctx, sl, CodeFinal)
	}
}
