package grid

import (
	"fmt"

	"github.com/ranware/macsched/internal/harq"
	"github.com/ranware/macsched/internal/radio"
)

// Kind classifies what an assignment carries.
type Kind uint8

const (
	// KindData is a new user-data transmission.
	KindData Kind = iota
	// KindRetx is a HARQ retransmission.
	KindRetx
	// KindBroadcast is system-information broadcast.
	KindBroadcast
	// KindRAR is a random-access response.
	KindRAR
	// KindMsg3 is the uplink grant answering a random-access response.
	KindMsg3
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindRetx:
		return "retx"
	case KindBroadcast:
		return "bcch"
	case KindRAR:
		return "rar"
	case KindMsg3:
		return "msg3"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Candidate is one transmission competing for blocks this TTI. The
// scheduler fills either the new-transmission or the retransmission
// sizing fields, never both.
type Candidate struct {
	RNTI     radio.RNTI
	Priority float64
	PID      harq.ProcID
	IsRetx   bool

	// New transmissions size themselves from the pending bytes at the
	// channel-appropriate modulation. MaxRB caps the grant before
	// rounding to the allocation granularity; MinBytes rejects partial
	// grants whose transport block would fall below it.
	ReqBytes uint32
	MCS      radio.MCS
	MaxRB    uint32
	MinBytes uint32

	// Retransmissions reproduce the original geometry.
	RetxPRB uint32
	RetxTBS uint32
}

// Assignment is one placed grant: who transmits on which blocks with
// which modulation, and the HARQ process the transport block rides on.
type Assignment struct {
	RNTI radio.RNTI
	RB   radio.RBRange
	MCS  radio.MCS
	TBS  uint32
	PID  harq.ProcID
	Kind Kind
}

// IsRetx reports whether the assignment is a HARQ retransmission.
func (a Assignment) IsRetx() bool { return a.Kind == KindRetx }

func (a Assignment) String() string {
	return fmt.Sprintf("%s %s rb=%s mcs=%d tbs=%d pid=%d",
		a.RNTI, a.Kind, a.RB, a.MCS, a.TBS, a.PID)
}
