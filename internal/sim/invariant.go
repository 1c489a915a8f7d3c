package sim

import (
	"fmt"

	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/harq"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/sched"
)

type pidKey struct {
	rnti    radio.RNTI
	carrier uint32
	dir     radio.Dir
	pid     harq.ProcID
}

type carrierLimits struct {
	nofPRB uint32
	pucch  uint32
	unit   uint32
}

// checker re-verifies the scheduler's output contract from the outside. It
// sees only what a physical layer would see: published results and the
// feedback the devices send back. Open HARQ processes are tracked from
// grants to their feedback, so a process granted twice without an
// intervening ACK/NACK is caught no matter what the scheduler's internal
// state claims.
type checker struct {
	carriers    map[uint32]carrierLimits
	prachPeriod uint32
	prachWidth  uint32
	open        map[pidKey]struct{}
}

func newChecker(cfg sched.CellConfig) *checker {
	c := &checker{
		carriers:    make(map[uint32]carrierLimits, len(cfg.Carriers)),
		prachPeriod: cfg.PRACHPeriod,
		prachWidth:  cfg.PRACHWidth,
		open:        make(map[pidKey]struct{}),
	}
	if c.prachPeriod == 0 {
		c.prachPeriod = sched.DefaultPRACHPeriod
	}
	if c.prachWidth == 0 {
		c.prachWidth = sched.DefaultPRACHWidth
	}
	for i, cc := range cfg.Carriers {
		pucch := cc.PUCCHWidth
		if pucch == 0 {
			pucch = sched.DefaultPUCCHWidth
		}
		c.carriers[uint32(i)] = carrierLimits{
			nofPRB: cc.NofPRB,
			pucch:  pucch,
			unit:   radio.RBGSize(cc.NofPRB),
		}
	}
	return c
}

// feedbackDelivered closes the process the feedback addresses.
func (c *checker) feedbackDelivered(ev sched.FeedbackEvent) {
	delete(c.open, pidKey{rnti: ev.RNTI, carrier: ev.Carrier, dir: ev.Dir, pid: ev.PID})
}

// forgetUser drops every open process of a departed user.
func (c *checker) forgetUser(rnti radio.RNTI) {
	for k := range c.open {
		if k.rnti == rnti {
			delete(c.open, k)
		}
	}
}

// check walks one TTI result and returns a message per broken property.
func (c *checker) check(res *sched.TTIResult, known func(radio.RNTI) bool) []string {
	var bad []string
	for _, cr := range res.Carriers {
		lim, ok := c.carriers[cr.Carrier]
		if !ok {
			bad = append(bad, fmt.Sprintf("tti=%d cc=%d: result for unknown carrier", uint32(res.TTI), cr.Carrier))
			continue
		}
		bad = append(bad, c.checkList(res.TTI, cr.Carrier, radio.DirDL, cr.DL, lim, known)...)
		bad = append(bad, c.checkList(res.TTI, cr.Carrier, radio.DirUL, cr.UL, lim, known)...)
	}
	return bad
}

func (c *checker) checkList(tti radio.TTI, cc uint32, dir radio.Dir, list []grid.Assignment, lim carrierLimits, known func(radio.RNTI) bool) []string {
	var bad []string
	lastRank := -1
	occupied := make([]radio.RBRange, 0, len(list))
	for _, a := range list {
		at := fmt.Sprintf("tti=%d cc=%d %s %s", uint32(tti), cc, dir, a)
		if a.RB.Empty() || a.TBS == 0 {
			bad = append(bad, at+": empty grant")
		}
		if a.RB.Stop > lim.nofPRB {
			bad = append(bad, at+": outside carrier")
		}
		for _, o := range occupied {
			if a.RB.Overlaps(o) {
				bad = append(bad, fmt.Sprintf("%s: overlaps %s", at, o))
			}
		}
		occupied = append(occupied, a.RB)

		if r := kindRank(dir, a.Kind); r < lastRank {
			bad = append(bad, at+": out of order")
		} else {
			lastRank = r
		}

		if dir == radio.DirDL {
			if a.RB.Start%lim.unit != 0 {
				bad = append(bad, at+": start off block-group boundary")
			}
			if a.RB.Stop != lim.nofPRB && a.RB.Len()%lim.unit != 0 {
				bad = append(bad, at+": width off block-group boundary")
			}
		}
		if dir == radio.DirUL && isUserKind(a.Kind) {
			if a.RB.Start < lim.pucch || a.RB.Stop > lim.nofPRB-lim.pucch {
				bad = append(bad, at+": inside control region")
			}
			if uint32(tti)%c.prachPeriod == 0 {
				prach := radio.NewRBRange(lim.pucch, lim.pucch+c.prachWidth)
				if a.RB.Overlaps(prach) {
					bad = append(bad, at+": inside random-access region")
				}
			}
		}

		if !isUserKind(a.Kind) {
			continue
		}
		if !a.RNTI.IsUser() {
			bad = append(bad, at+": user grant on non-user identity")
			continue
		}
		if !known(a.RNTI) {
			bad = append(bad, at+": grant for unknown user")
		}
		k := pidKey{rnti: a.RNTI, carrier: cc, dir: dir, pid: a.PID}
		if a.Kind != grid.KindRetx {
			if _, dup := c.open[k]; dup {
				bad = append(bad, at+": process granted while awaiting feedback")
			}
		}
		c.open[k] = struct{}{}
	}
	return bad
}

func isUserKind(k grid.Kind) bool {
	return k == grid.KindData || k == grid.KindRetx || k == grid.KindMsg3
}

// kindRank encodes the emission order contract per direction: downlink
// lists retransmissions, new data, then control; uplink lists first
// grants, retransmissions, then new data.
func kindRank(dir radio.Dir, k grid.Kind) int {
	if dir == radio.DirDL {
		switch k {
		case grid.KindRetx:
			return 0
		case grid.KindData:
			return 1
		default:
			return 2
		}
	}
	switch k {
	case grid.KindMsg3:
		return 0
	case grid.KindRetx:
		return 1
	default:
		return 2
	}
}
