package sim

import (
	"math"

	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/harq"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/sched"
	"github.com/ranware/macsched/internal/ue"
)

const (
	// trafficProb is the per-tick chance of a bulk data burst per
	// direction.
	trafficProb = 0.1
	// signalingProb is the per-tick chance of a small signaling PDU on
	// the signaling channel group.
	signalingProb = 0.01
	signalingDL   = 48
	signalingUL   = 32
	// cqiWalkProb is the per-tick, per-carrier chance the channel
	// quality moves one step.
	cqiWalkProb = 0.08

	signalLCG ue.LCG = 0
	bulkLCG   ue.LCG = 1
)

// pendingFeedback is an ACK/NACK decided at grant time and held back until
// its over-the-air round trip elapses.
type pendingFeedback struct {
	due     radio.TTI
	carrier uint32
	dir     radio.Dir
	pid     harq.ProcID
	ack     bool
}

// device models one simulated handset: the traffic it offers, the channel
// it sees and the feedback it returns. It mirrors the scheduler's view of
// its buffers by replaying the same drain rule on new-data grants, so the
// absolute reports it sends stay consistent without ever reading scheduler
// state.
type device struct {
	rnti     radio.RNTI
	carriers []uint32
	ackProb  float64

	// connecting marks a device between its random-access response and
	// its first uplink grant. It offers no traffic yet; if the grant
	// never arrives the scheduler has dropped it and the runner reaps
	// the device at msg3Due.
	connecting bool
	msg3Due    radio.TTI

	cqi     map[uint32]radio.CQI
	backlog [2][ue.NofLCG]uint64
	pending []pendingFeedback
}

func newDevice(rnti radio.RNTI, carriers []uint32, ackProb float64, g *gen) *device {
	d := &device{
		rnti:     rnti,
		carriers: carriers,
		ackProb:  ackProb,
		cqi:      make(map[uint32]radio.CQI, len(carriers)),
	}
	for _, cc := range carriers {
		d.cqi[cc] = radio.CQI(5 + g.intn(10))
	}
	return d
}

// initialCQI returns the first channel report for every attached carrier.
func (d *device) initialCQI() []sched.CQIEvent {
	evs := make([]sched.CQIEvent, 0, len(d.carriers))
	for _, cc := range d.carriers {
		evs = append(evs, sched.CQIEvent{RNTI: d.rnti, Carrier: cc, CQI: d.cqi[cc]})
	}
	return evs
}

// generate advances the device by one tick: traffic arrivals and channel
// movement. It returns the reports the device would send uplink.
func (d *device) generate(g *gen, meanBurst uint32) ([]sched.BSREvent, []sched.CQIEvent) {
	var touched [2][ue.NofLCG]bool
	if g.coin(trafficProb) {
		if b := g.burst(meanBurst); b > 0 {
			d.backlog[radio.DirDL][bulkLCG] += uint64(b)
			touched[radio.DirDL][bulkLCG] = true
		}
	}
	if g.coin(trafficProb) {
		if b := g.burst(meanBurst / 4); b > 0 {
			d.backlog[radio.DirUL][bulkLCG] += uint64(b)
			touched[radio.DirUL][bulkLCG] = true
		}
	}
	if g.coin(signalingProb) {
		d.backlog[radio.DirDL][signalLCG] += signalingDL
		touched[radio.DirDL][signalLCG] = true
	}
	if g.coin(signalingProb) {
		d.backlog[radio.DirUL][signalLCG] += signalingUL
		touched[radio.DirUL][signalLCG] = true
	}

	var bsr []sched.BSREvent
	for dir := range touched {
		for lcg := range touched[dir] {
			if !touched[dir][lcg] {
				continue
			}
			bsr = append(bsr, sched.BSREvent{
				RNTI:  d.rnti,
				Dir:   radio.Dir(dir),
				LCG:   ue.LCG(lcg),
				Bytes: clamp32(d.backlog[dir][lcg]),
			})
		}
	}

	var cqis []sched.CQIEvent
	for _, cc := range d.carriers {
		if !g.coin(cqiWalkProb) {
			continue
		}
		cur := d.cqi[cc]
		next := cur
		if g.coin(0.5) {
			next++
		} else {
			next--
		}
		if next < 1 {
			next = 1
		}
		if next > 15 {
			next = 15
		}
		if next == cur {
			continue
		}
		d.cqi[cc] = next
		cqis = append(cqis, sched.CQIEvent{RNTI: d.rnti, Carrier: cc, CQI: next})
	}
	return bsr, cqis
}

// observe reacts to one grant addressed to this device: it decides the
// ACK/NACK now, holds it for the feedback round trip, and for new data
// drains its buffer mirror the same way the scheduler drained its copy.
func (d *device) observe(tti radio.TTI, cc uint32, dir radio.Dir, a grid.Assignment, g *gen) {
	switch a.Kind {
	case grid.KindData:
		d.drain(dir, a.TBS)
	case grid.KindRetx:
	case grid.KindMsg3:
		d.connecting = false
	default:
		return
	}
	d.pending = append(d.pending, pendingFeedback{
		due:     tti.Add(radio.FeedbackDelay),
		carrier: cc,
		dir:     dir,
		pid:     a.PID,
		ack:     g.coin(d.ackProb),
	})
}

// takeDue removes and returns the feedback due exactly at tti.
func (d *device) takeDue(tti radio.TTI) []sched.FeedbackEvent {
	var due []sched.FeedbackEvent
	keep := d.pending[:0]
	for _, p := range d.pending {
		if p.due != tti {
			keep = append(keep, p)
			continue
		}
		due = append(due, sched.FeedbackEvent{
			RNTI:    d.rnti,
			Carrier: p.carrier,
			Dir:     p.dir,
			PID:     p.pid,
			Ack:     p.ack,
		})
	}
	d.pending = keep
	return due
}

// drain replays the scheduler's grant-consumption rule on the local
// mirror: groups drain in ascending order until the grant is used up.
func (d *device) drain(dir radio.Dir, bytes uint32) {
	rem := uint64(bytes)
	for i := range d.backlog[dir] {
		if rem == 0 {
			break
		}
		take := d.backlog[dir][i]
		if take > rem {
			take = rem
		}
		d.backlog[dir][i] -= take
		rem -= take
	}
}

func clamp32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
