package sched

import (
	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/radio"
)

// RARGrant announces an admitted random-access attempt inside a TTI
// result: the response identity it was answered on, the temporary user
// identifier assigned to the device, and the TTI of its first uplink
// grant.
type RARGrant struct {
	RARNTI   radio.RNTI
	TempRNTI radio.RNTI
	Preamble uint8
	Msg3TTI  radio.TTI
}

// CarrierResult is one carrier's schedule for one TTI. Downlink lists user
// data first (retransmissions, then new data), then broadcast and
// random-access responses.
type CarrierResult struct {
	Carrier uint32
	DL      []grid.Assignment
	UL      []grid.Assignment
	RAR     []RARGrant
}

// TTIResult is the immutable outcome of one tick across all carriers.
// Consumers must not mutate it; the scheduler hands the same snapshot to
// the physical-layer caller and to every registered sink.
type TTIResult struct {
	TTI      radio.TTI
	Carriers []CarrierResult
}

// Assignments visits every placed grant of the TTI in emission order.
func (r *TTIResult) Assignments(visit func(cc uint32, dir radio.Dir, a grid.Assignment)) {
	for _, cr := range r.Carriers {
		for _, a := range cr.DL {
			visit(cr.Carrier, radio.DirDL, a)
		}
		for _, a := range cr.UL {
			visit(cr.Carrier, radio.DirUL, a)
		}
	}
}

// ResultSink observes every emitted TTI result. Sinks run on the
// scheduling path after the decision is sealed; they must return quickly
// and must not call back into the scheduler.
type ResultSink interface {
	OnResult(res *TTIResult)
}

// PDUMeta describes one captured MAC PDU: where and for whom the carrying
// grant was scheduled.
type PDUMeta struct {
	TTI     radio.TTI
	RNTI    radio.RNTI
	Carrier uint32
	Dir     radio.Dir
	IsRetx  bool
}

// PDUCapture receives MAC PDUs for trace capture. The scheduler itself
// never produces payload bytes; the component that assembles transport
// blocks (in this tree, the simulator) drives the capture with the grants
// a TTIResult announced.
type PDUCapture interface {
	CapturePDU(meta PDUMeta, pdu []byte)
}
