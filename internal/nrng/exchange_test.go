package nrng

import (
	"errors"
	"testing"
)

func TestExchangeStagesOnlyMoveForward(t *testing.T) {
	ex := NewExchange(1)
	steps := []struct {
		code Code
		want Stage
	}{
		{CodeRequest, RequestSent},
		{CodeResponse, ResponseReceived},
		{CodeFinal, Complete},
	}
	prev := ex.Stage
	for _, s := range steps {
		if err := ex.Advance(s.code); err != nil {
			t.Fatalf("Advance(%s): %v", s.code, err)
		}
		if ex.Stage != s.want || ex.Stage <= prev {
			t.Fatalf("Advance(%s) stage = %s, want %s after %s", s.code, ex.Stage, s.want, prev)
		}
		prev = ex.Stage
	}

	if err := ex.Advance(CodeRequest); !errors.Is(err, ErrExchangeClosed) {
		t.Fatalf("Advance on finished exchange err = %v", err)
	}
	ex.Fail(errors.New("late"))
	if ex.Stage != Complete {
		t.Fatalf("Fail moved a finished exchange to %s", ex.Stage)
	}
}

func TestExchangeRepeatedCodeFails(t *testing.T) {
	ex := NewExchange(0)
	_ = ex.Advance(CodeRequest)
	err := ex.Advance(CodeRequest)
	if !errors.Is(err, ErrUnexpectedFrameCode) || ex.Stage != Failed {
		t.Fatalf("stage = %s err = %v", ex.Stage, err)
	}
}

func TestMarkFinalSent(t *testing.T) {
	ex := NewExchange(0)
	if err := ex.MarkFinalSent(); err == nil {
		t.Fatalf("MarkFinalSent before the response succeeded")
	}
	_ = ex.Advance(CodeRequest)
	_ = ex.Advance(CodeResponse)
	if err := ex.MarkFinalSent(); err != nil || ex.Stage != FinalSent {
		t.Fatalf("MarkFinalSent: stage = %s err = %v", ex.Stage, err)
	}
	if err := ex.Advance(CodeExtFinal); err != nil || ex.Stage != Complete {
		t.Fatalf("final completion: stage = %s err = %v", ex.Stage, err)
	}
}

func TestFrameCodec(t *testing.T) {
	in := Frame{FrameControl: FrameControl, Seq: 9, PANID: 0xDECA, Dst: 0xFFFF, Src: 0x1234, Code: CodeFinal, Timestamp: 1 << 40}
	buf := in.Marshal()
	if len(buf) != FrameSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), FrameSize)
	}

	var out Frame
	if err := out.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}

	buf[4] ^= 0x01
	if err := out.Unmarshal(buf); !errors.Is(err, ErrChecksum) {
		t.Fatalf("tampered frame err = %v, want ErrChecksum", err)
	}
	if err := out.Unmarshal(buf[:FrameSize-1]); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short frame err = %v, want ErrShortFrame", err)
	}
}

func TestRingIndexWraps(t *testing.T) {
	r := NewRing(2)
	a := r.Advance()
	r.Current().Code = CodeRequest
	r.Advance()
	r.Current().Code = CodeResponse
	c := r.Advance()
	if r.Index(a) != r.Index(c) {
		t.Fatalf("seq %d and %d map to %d and %d", a, c, r.Index(a), r.Index(c))
	}
	if r.Current().Code != CodeRequest {
		t.Fatalf("wrapped buffer code = %s, want request before overwrite", r.Current().Code)
	}
}
