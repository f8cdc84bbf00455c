package radio

import (
	"context"
	"testing"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
)

func TestBridgeClaimsOnlyItsFrameControl(t *testing.T) {
	q := eventq.New(2)
	var got Device
	var ev eventq.Event
	ev.Init("nrng.complete", func(_ context.Context, e *eventq.Event) {
		got = e.Arg().(Device)
	}, fakeDevice{fctrl: 0x88C1})

	b := NewBridge(0x88C1, q, &ev)
	if b.OnRadioComplete(fakeDevice{fctrl: 0x00C5}) {
		t.Fatalf("bridge claimed a foreign completion")
	}
	if q.Len() != 0 {
		t.Fatalf("foreign completion was enqueued")
	}

	if !b.OnRadioComplete(fakeDevice{fctrl: 0x88C1}) {
		t.Fatalf("bridge did not claim its completion")
	}
	if !b.OnRadioComplete(fakeDevice{fctrl: 0x88C1}) {
		t.Fatalf("bridge did not claim the coalesced completion")
	}
	if q.Len() != 1 {
		t.Fatalf("queue Len() = %d, want 1", q.Len())
	}

	q.Drain(context.Background())
	if got == nil || got.FrameControl() != 0x88C1 {
		t.Fatalf("handler saw device %v", got)
	}
	if stats := q.Stats(); stats.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", stats.Dropped)
	}
}
