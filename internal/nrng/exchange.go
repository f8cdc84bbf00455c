package nrng

import (
	"errors"
	"fmt"
)

// Stage is the progress of a ranging exchange.
type Stage int

const (
	AwaitingRequest Stage = iota
	RequestSent
	ResponseReceived
	FinalSent
	Complete
	Failed
)

func (s Stage) String() string {
	switch s {
	case AwaitingRequest:
		return "AWAITING_REQUEST"
	case RequestSent:
		return "REQUEST_SENT"
	case ResponseReceived:
		return "RESPONSE_RECEIVED"
	case FinalSent:
		return "FINAL_SENT"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool { return s == Complete || s == Failed }

var (
	// ErrUnexpectedFrameCode is the protocol violation raised when a frame
	// does not match the next stage of its exchange.
	ErrUnexpectedFrameCode = errors.New("nrng: unexpected frame code")
	// ErrExchangeClosed is returned when a finished exchange is advanced.
	ErrExchangeClosed = errors.New("nrng: exchange already finished")
)

// UnexpectedFrameCodeError records the stage and the offending code.
type UnexpectedFrameCodeError struct {
	Stage Stage
	Code  Code
}

func (e *UnexpectedFrameCodeError) Error() string {
	return fmt.Sprintf("nrng: unexpected frame code %s in stage %s", e.Code, e.Stage)
}

func (e *UnexpectedFrameCodeError) Unwrap() error { return ErrUnexpectedFrameCode }

// Exchange is the state of one ranging exchange. It is owned by the run
// loop. Stages only move forward; a failed exchange is replaced, never
// resumed.
type Exchange struct {
	Slot  int
	Stage Stage
	// Code is the frame code of the most recently processed frame.
	Code Code
	// Seq is the ring sequence number of the most recently processed frame.
	Seq uint32
	// DelayStart and RxTimeout are the timing of the most recently armed
	// radio action.
	DelayStart uint64
	RxTimeout  uint16
	// Events counts the deferred completions processed for this exchange.
	Events int
	// Err is the cause of a failure.
	Err error
}

// NewExchange starts an exchange for slot awaiting a request.
func NewExchange(slot int) *Exchange {
	return &Exchange{Slot: slot, Stage: AwaitingRequest}
}

// Advance applies the frame code of a completed action. A terminal code
// completes the exchange from any open stage. An intermediate code must be
// the one the current stage expects, otherwise the exchange fails with an
// *UnexpectedFrameCodeError.
func (e *Exchange) Advance(code Code) error {
	if e.Stage.Terminal() {
		return ErrExchangeClosed
	}
	e.Code = code
	switch {
	case code.Terminal():
		e.Stage = Complete
	case code == CodeRequest && e.Stage == AwaitingRequest:
		e.Stage = RequestSent
	case code == CodeResponse && e.Stage == RequestSent:
		e.Stage = ResponseReceived
	default:
		err := &UnexpectedFrameCodeError{Stage: e.Stage, Code: code}
		e.Fail(err)
		return err
	}
	return nil
}

// MarkFinalSent records that this node armed the final transmission.
func (e *Exchange) MarkFinalSent() error {
	if e.Stage != ResponseReceived {
		return fmt.Errorf("nrng: final armed in stage %s", e.Stage)
	}
	e.Stage = FinalSent
	return nil
}

// Fail moves an open exchange to Failed. A finished exchange is unchanged.
func (e *Exchange) Fail(err error) {
	if e.Stage.Terminal() {
		return
	}
	e.Stage = Failed
	e.Err = err
}
