package harq

import (
	"fmt"

	"github.com/ranware/macsched/internal/radio"
)

// DefaultNofProcs is the process count per direction (FDD timing).
const DefaultNofProcs = 8

// DefaultMaxRetx is the retransmission budget before a block is dropped.
const DefaultMaxRetx = 4

// ringLen sizes the feedback ring. It divides the TTI modulus, so indexing
// by TTI modulo ring length is stable across counter wraps.
const ringLen = 2 * radio.FeedbackDelay

type process struct {
	state       State
	grant       Grant
	retries     uint8
	txTTI       radio.TTI
	feedbackTTI radio.TTI
	nackTTI     radio.TTI
	freedSeq    uint64
}

type feedbackSlot struct {
	tti  radio.TTI
	pids []ProcID
}

// Entity is the per-user, per-carrier, per-direction HARQ state machine.
// It is not safe for concurrent use; the scheduler serializes access.
type Entity struct {
	dir     radio.Dir
	procs   []process
	maxRetx uint8
	ring    [ringLen]feedbackSlot
	seq     uint64
}

// NewEntity builds an entity with nofProcs processes and the given
// retransmission budget. Out-of-range arguments fall back to defaults.
func NewEntity(dir radio.Dir, nofProcs int, maxRetx uint8) *Entity {
	if nofProcs <= 0 || nofProcs > DefaultNofProcs {
		nofProcs = DefaultNofProcs
	}
	if maxRetx == 0 {
		maxRetx = DefaultMaxRetx
	}
	e := &Entity{
		dir:     dir,
		procs:   make([]process, nofProcs),
		maxRetx: maxRetx,
		seq:     uint64(nofProcs),
	}
	for i := range e.procs {
		e.procs[i].freedSeq = uint64(i)
	}
	return e
}

// Dir returns the entity's direction.
func (e *Entity) Dir() radio.Dir { return e.dir }

// NofProcs returns the configured process count.
func (e *Entity) NofProcs() int { return len(e.procs) }

// MaxRetx returns the retransmission budget.
func (e *Entity) MaxRetx() uint8 { return e.maxRetx }

// InFlight counts processes that are pending or awaiting retransmission.
func (e *Entity) InFlight() int {
	n := 0
	for i := range e.procs {
		if e.procs[i].state != StateEmpty {
			n++
		}
	}
	return n
}

// NewTx starts a new transmission on the oldest empty process and arms its
// feedback TTI. Fails with ErrNoFreeProcess when everything is in flight.
func (e *Entity) NewTx(tti radio.TTI, g Grant) (ProcID, error) {
	best := -1
	for i := range e.procs {
		if e.procs[i].state != StateEmpty {
			continue
		}
		if best < 0 || e.procs[i].freedSeq < e.procs[best].freedSeq {
			best = i
		}
	}
	if best < 0 {
		return 0, ErrNoFreeProcess
	}
	e.start(ProcID(best), tti, g)
	return ProcID(best), nil
}

// NewTxOn starts a new transmission on an explicitly chosen process.
func (e *Entity) NewTxOn(pid ProcID, tti radio.TTI, g Grant) error {
	p, err := e.proc(pid)
	if err != nil {
		return err
	}
	if p.state != StateEmpty {
		return fmt.Errorf("%w: pid=%d state=%s", ErrProcessBusy, pid, p.state)
	}
	e.start(pid, tti, g)
	return nil
}

func (e *Entity) start(pid ProcID, tti radio.TTI, g Grant) {
	p := &e.procs[pid]
	p.state = StatePending
	p.grant = g
	p.retries = 0
	p.txTTI = tti
	e.arm(pid, tti)
}

func (e *Entity) arm(pid ProcID, tti radio.TTI) {
	fb := tti.Add(radio.FeedbackDelay)
	e.procs[pid].feedbackTTI = fb
	slot := &e.ring[uint32(fb)%ringLen]
	if slot.tti != fb {
		slot.tti = fb
		slot.pids = slot.pids[:0]
	}
	slot.pids = append(slot.pids, pid)
}

// Retransmit marks the resend of a negatively acknowledged block at tti and
// re-arms its feedback. The stored grant geometry is returned so the caller
// can reproduce the allocation.
func (e *Entity) Retransmit(pid ProcID, tti radio.TTI) (Grant, error) {
	p, err := e.proc(pid)
	if err != nil {
		return Grant{}, err
	}
	if p.state != StateRetransmit {
		return Grant{}, fmt.Errorf("%w: pid=%d state=%s", ErrNotRetransmit, pid, p.state)
	}
	p.state = StatePending
	p.txTTI = tti
	e.arm(pid, tti)
	return p.grant, nil
}

// Feedback applies an ACK or NACK for pid, due exactly at tti. A NACK
// increments the retry counter and either parks the process for
// retransmission or, past the budget, abandons the block.
func (e *Entity) Feedback(tti radio.TTI, pid ProcID, ack bool) (Result, error) {
	p, err := e.proc(pid)
	if err != nil {
		return Result{}, err
	}
	if p.state != StatePending {
		return Result{}, fmt.Errorf("%w: pid=%d state=%s", ErrProcessIdle, pid, p.state)
	}
	if p.feedbackTTI != tti {
		return Result{}, fmt.Errorf("%w: pid=%d due=%d got=%d", ErrFeedbackOutOfWindow, pid, p.feedbackTTI, tti)
	}
	res := Result{Grant: p.grant}
	if ack {
		res.Ack = true
		e.free(p)
		return res, nil
	}
	p.retries++
	res.Retries = p.retries
	if p.retries > e.maxRetx {
		res.Dropped = true
		e.free(p)
		return res, nil
	}
	p.state = StateRetransmit
	p.nackTTI = tti
	return res, nil
}

// PendingRetx lists the processes eligible for retransmission at tti,
// ordered by process id. A process NACKed at tti itself is not yet
// eligible; the resend can start at the following TTI at the earliest.
func (e *Entity) PendingRetx(tti radio.TTI) []ProcID {
	var out []ProcID
	for i := range e.procs {
		p := &e.procs[i]
		if p.state == StateRetransmit && tti.Sub(p.nackTTI) >= 1 {
			out = append(out, ProcID(i))
		}
	}
	return out
}

// PendingFeedback lists the processes whose feedback is due at tti.
func (e *Entity) PendingFeedback(tti radio.TTI) []ProcID {
	slot := &e.ring[uint32(tti)%ringLen]
	if slot.tti != tti {
		return nil
	}
	var out []ProcID
	for _, pid := range slot.pids {
		p := &e.procs[pid]
		if p.state == StatePending && p.feedbackTTI == tti {
			out = append(out, pid)
		}
	}
	return out
}

// Flush aborts every in-flight process. Used when the owning user is
// removed; the abandoned blocks are the caller's to account for.
func (e *Entity) Flush() int {
	n := 0
	for i := range e.procs {
		if e.procs[i].state != StateEmpty {
			n++
			e.free(&e.procs[i])
		}
	}
	return n
}

// Proc returns a snapshot of one process.
func (e *Entity) Proc(pid ProcID) (Info, error) {
	p, err := e.proc(pid)
	if err != nil {
		return Info{}, err
	}
	return Info{
		State:       p.state,
		Grant:       p.grant,
		Retries:     p.retries,
		TxTTI:       p.txTTI,
		FeedbackTTI: p.feedbackTTI,
	}, nil
}

func (e *Entity) free(p *process) {
	p.state = StateEmpty
	p.grant = Grant{}
	p.retries = 0
	p.freedSeq = e.seq
	e.seq++
}

func (e *Entity) proc(pid ProcID) (*process, error) {
	if int(pid) >= len(e.procs) {
		return nil, fmt.Errorf("%w: pid=%d nof=%d", ErrUnknownProcess, pid, len(e.procs))
	}
	return &e.procs[pid], nil
}
