// Package harq tracks the retransmission state machine of in-flight
// transport blocks. One Entity exists per user, carrier and direction; it
// never allocates resources itself, it only answers which processes are
// free, which owe a retransmission, and which expect feedback at a TTI.
package harq

import (
	"errors"
	"fmt"

	"github.com/ranware/macsched/internal/radio"
)

// State is the lifecycle position of one HARQ process.
type State uint8

const (
	// StateEmpty means the process carries nothing and can take a new
	// transport block.
	StateEmpty State = iota
	// StatePending means a transmission is in flight awaiting feedback.
	StatePending
	// StateRetransmit means the last transmission was negatively
	// acknowledged and the process is eligible for a resend.
	StateRetransmit
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePending:
		return "pending"
	case StateRetransmit:
		return "retransmit"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ProcID indexes a process inside one entity.
type ProcID uint8

var (
	// ErrNoFreeProcess reports that every process is occupied; the caller
	// must fall back to retransmission-only scheduling this TTI.
	ErrNoFreeProcess = errors.New("harq: no free process")
	// ErrProcessBusy reports an attempt to start a new transmission on a
	// process that is still in flight.
	ErrProcessBusy = errors.New("harq: process busy")
	// ErrUnknownProcess reports a process id outside the configured range.
	ErrUnknownProcess = errors.New("harq: unknown process")
	// ErrProcessIdle reports feedback for a process that has nothing in
	// flight, which indicates a consistency violation at the caller.
	ErrProcessIdle = errors.New("harq: feedback for idle process")
	// ErrFeedbackOutOfWindow reports feedback arriving at a TTI other than
	// the one it was armed for.
	ErrFeedbackOutOfWindow = errors.New("harq: feedback out of window")
	// ErrNotRetransmit reports a resend attempt on a process that is not
	// eligible.
	ErrNotRetransmit = errors.New("harq: process not awaiting retransmission")
)

// Grant captures the geometry of a transmission so a retransmission can
// reproduce it: transport-block size, occupied blocks and modulation.
type Grant struct {
	TBS uint32
	PRB uint32
	MCS radio.MCS
}

// Result reports the outcome of applying feedback to a process.
type Result struct {
	// Ack is true when the transport block was received.
	Ack bool
	// Dropped is true when the retry budget is exhausted and the block is
	// abandoned (data loss is the caller's to count).
	Dropped bool
	// Grant is the geometry of the affected transmission.
	Grant Grant
	// Retries is the retransmission count after this feedback.
	Retries uint8
}

// Info is a read-only snapshot of one process.
type Info struct {
	State       State
	Grant       Grant
	Retries     uint8
	TxTTI       radio.TTI
	FeedbackTTI radio.TTI
}
