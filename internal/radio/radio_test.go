package radio

import (
	"context"
	"errors"
	"testing"
)

type fakeDevice struct {
	fctrl  uint16
	status Status
}

func (d fakeDevice) FrameControl() uint16 { return d.fctrl }
func (d fakeDevice) Status() Status       { return d.status }
func (d fakeDevice) RxTimestamp() uint64  { return 0 }

func TestStatusErrPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		want   error
	}{
		{"ok", Status{}, nil},
		{"timeout", Status{RxTimeoutError: true}, ErrRxTimeout},
		{"rx beats timeout", Status{RxError: true, RxTimeoutError: true}, ErrRx},
		{"start rx", Status{StartRxError: true, RxError: true}, ErrStartRx},
		{"start tx", Status{StartTxError: true, StartRxError: true}, ErrStartTx},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Err(); !errors.Is(got, tc.want) {
				t.Fatalf("Err() = %v, want %v", got, tc.want)
			}
			if tc.status.OK() != (tc.want == nil) {
				t.Fatalf("OK() = %v with Err() = %v", tc.status.OK(), tc.want)
			}
		})
	}
}

func TestChainStopsAtFirstClaim(t *testing.T) {
	var chain Chain
	var calls []string

	chain.Append(Interface{ID: "ccp", Complete: func(dev Device) bool {
		calls = append(calls, "ccp")
		return dev.FrameControl() == 0x00C5
	}})
	chain.Append(Interface{ID: "nrng", Complete: func(dev Device) bool {
		calls = append(calls, "nrng")
		return dev.FrameControl() == 0x8841
	}})
	chain.Append(Interface{ID: "tail", Complete: func(Device) bool {
		calls = append(calls, "tail")
		return true
	}})

	if !chain.Complete(fakeDevice{fctrl: 0x8841}) {
		t.Fatalf("expected completion to be claimed")
	}
	if len(calls) != 2 || calls[1] != "nrng" {
		t.Fatalf("calls = %v, want [ccp nrng]", calls)
	}
	if chain.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", chain.Len())
	}
}

func TestEmptyChainDoesNotClaim(t *testing.T) {
	var chain Chain
	if chain.Complete(fakeDevice{}) {
		t.Fatalf("empty chain claimed a completion")
	}
}

type recordingOwner struct{ err error }

func (o *recordingOwner) RadioAborted(_ context.Context, err error) { o.err = err }

func TestArbiterSingleOutstandingAction(t *testing.T) {
	var a Arbiter
	first := &recordingOwner{}

	if !a.Acquire("nrng", first) {
		t.Fatalf("first Acquire failed")
	}
	if a.Acquire("ccp", &recordingOwner{}) {
		t.Fatalf("second Acquire succeeded while busy")
	}
	if a.Holder() != "nrng" {
		t.Fatalf("Holder() = %q, want nrng", a.Holder())
	}

	boom := errors.New("unclaimed")
	a.Abort(context.Background(), boom)
	if !errors.Is(first.err, boom) {
		t.Fatalf("owner notified with %v, want %v", first.err, boom)
	}
	if a.Busy() {
		t.Fatalf("arbiter still busy after Abort")
	}
}

func TestFrameDurationGrowsWithPayload(t *testing.T) {
	phy := DefaultPHY()
	shr := phy.SHRDuration()
	if shr != 139 {
		t.Fatalf("SHRDuration() = %d, want 139", shr)
	}
	short := phy.FrameDuration(16)
	long := phy.FrameDuration(64)
	if short <= shr || long <= short {
		t.Fatalf("durations not increasing: shr=%d short=%d long=%d", shr, short, long)
	}
}

type sink struct{ frames int }

func (s *sink) Receive([]byte) { s.frames++ }

func TestChainReceiverLookup(t *testing.T) {
	var chain Chain
	rx := &sink{}
	chain.Append(Interface{ID: "ccp", FrameControl: 0x00C5})
	chain.Append(Interface{ID: "nrng", FrameControl: 0x88C1, Receiver: rx})

	if got := chain.Receiver(0x88C1); got != rx {
		t.Fatalf("Receiver(0x88C1) = %v, want nrng sink", got)
	}
	if got := chain.Receiver(0x00C5); got != nil {
		t.Fatalf("Receiver(0x00C5) = %v, want nil", got)
	}
}
